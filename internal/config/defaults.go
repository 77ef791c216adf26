package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultClientURL         = "ws://localhost:8080/rpc"
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultMaxMessageSize    = 1 << 20
	DefaultPingInterval      = 30 * time.Second
	DefaultPongTimeout       = 10 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultRequestTimeout    = 30 * time.Second
	DefaultRetryBackoff      = 500 * time.Millisecond
	DefaultBreakerFailures   = 5
	DefaultBreakerTimeout    = 30 * time.Second
	DefaultServerAddr        = ":8080"
	DefaultServerPath        = "/rpc"
	DefaultMaxInFlight       = 64
	DefaultRateBurst         = 50
	DefaultShutdownTimeout   = 10 * time.Second
	DefaultDBPort            = 5432
	DefaultDBSSLMode         = "prefer"
	DefaultMaxConns          = 4
	DefaultMinConns          = 1
	DefaultJournalBatchSize  = 100
	DefaultJournalFlush      = 1 * time.Second
	DefaultJournalBufferSize = 1000
	DefaultMetricsNamespace  = "wsrpc"
	DefaultMetricsPath       = "/metrics"
	DefaultTracingExporter   = "noop"
	DefaultLogLevel          = "info"
)

// Default returns a config with every default set, including the timers
// that an explicit zero disables. Loaders decode on top of it.
func Default() *Config {
	cfg := &Config{
		Client: ClientConfig{
			PingInterval:    DefaultPingInterval,
			IdleTimeout:     DefaultIdleTimeout,
			RequestTimeout:  DefaultRequestTimeout,
			BreakerFailures: DefaultBreakerFailures,
		},
		Server: ServerConfig{
			MaxInFlight: DefaultMaxInFlight,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills fields where zero is never meaningful.
func (c *Config) applyDefaults() {
	// Client defaults
	if c.Client.URL == "" {
		c.Client.URL = DefaultClientURL
	}
	if c.Client.HandshakeTimeout == 0 {
		c.Client.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Client.WriteTimeout == 0 {
		c.Client.WriteTimeout = DefaultWriteTimeout
	}
	if c.Client.MaxMessageSize == 0 {
		c.Client.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.Client.PongTimeout == 0 {
		c.Client.PongTimeout = DefaultPongTimeout
	}
	if c.Client.RetryBackoff == 0 {
		c.Client.RetryBackoff = DefaultRetryBackoff
	}
	if c.Client.BreakerTimeout == 0 {
		c.Client.BreakerTimeout = DefaultBreakerTimeout
	}

	// Server defaults
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultServerAddr
	}
	if c.Server.Path == "" {
		c.Server.Path = DefaultServerPath
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}
	if c.Server.MaxMessageSize == 0 {
		c.Server.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst == 0 {
		c.Server.RateBurst = DefaultRateBurst
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	applyDBDefaults(&c.Database)

	// Journal defaults
	if c.Journal.BatchSize == 0 {
		c.Journal.BatchSize = DefaultJournalBatchSize
	}
	if c.Journal.FlushInterval == 0 {
		c.Journal.FlushInterval = DefaultJournalFlush
	}
	if c.Journal.BufferSize == 0 {
		c.Journal.BufferSize = DefaultJournalBufferSize
	}

	// Observability defaults
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = DefaultMetricsNamespace
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = DefaultTracingExporter
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
