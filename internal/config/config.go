package config

import "time"

// Config is the root configuration shared by the wsrpc server and client.
type Config struct {
	Client   ClientConfig  `yaml:"client"`
	Server   ServerConfig  `yaml:"server"`
	Database DBConfig      `yaml:"database"`
	Journal  JournalConfig `yaml:"journal"`
	Metrics  MetricsConfig `yaml:"metrics"`
	Tracing  TracingConfig `yaml:"tracing"`
	Log      LogConfig     `yaml:"log"`
}

// ClientConfig holds the initiating side's connection settings.
type ClientConfig struct {
	URL              string        `yaml:"url"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	MaxMessageSize   int64         `yaml:"max_message_size"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PongTimeout      time.Duration `yaml:"pong_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	BreakerFailures  uint32        `yaml:"breaker_failures"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout"`
}

// ServerConfig holds the accepting side's settings.
type ServerConfig struct {
	Addr                    string        `yaml:"addr"`
	Path                    string        `yaml:"path"`
	ReadTimeout             time.Duration `yaml:"read_timeout"`
	WriteTimeout            time.Duration `yaml:"write_timeout"`
	MaxMessageSize          int64         `yaml:"max_message_size"`
	HandlerTimeout          time.Duration `yaml:"handler_timeout"`
	MaxInFlight             int           `yaml:"max_in_flight"`
	RateLimit               float64       `yaml:"rate_limit"` // calls per second per connection, 0 disables
	RateBurst               int           `yaml:"rate_burst"`
	FatalProtocolViolations bool          `yaml:"fatal_protocol_violations"`
	ShutdownTimeout         time.Duration `yaml:"shutdown_timeout"`
}

// DBConfig holds the journal database connection. An empty host disables
// the journal.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// Enabled reports whether a database is configured.
func (db DBConfig) Enabled() bool { return db.Host != "" }

// JournalConfig holds connection journal batching settings.
type JournalConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Path      string `yaml:"path"`
}

// TracingConfig selects the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level string `yaml:"level"`
}
