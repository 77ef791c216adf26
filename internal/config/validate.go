package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if err := c.Client.validate(); err != nil {
		return err
	}
	if err := c.Server.validate(); err != nil {
		return err
	}

	if c.Database.Enabled() {
		if err := c.Database.validate("database"); err != nil {
			return err
		}
		if c.Journal.BatchSize < 1 {
			return errors.New("journal.batch_size must be >= 1")
		}
		if c.Journal.BufferSize < 1 {
			return errors.New("journal.buffer_size must be >= 1")
		}
		if c.Journal.FlushInterval <= 0 {
			return errors.New("journal.flush_interval must be > 0")
		}
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path)
	}

	switch c.Tracing.Exporter {
	case "", "noop", "stdout":
	default:
		return fmt.Errorf("tracing.exporter must be noop or stdout, got %q", c.Tracing.Exporter)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1, got %v", c.Tracing.SampleRatio)
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}

	return nil
}

func (cc *ClientConfig) validate() error {
	u, err := url.Parse(cc.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("client.url must be a ws:// or wss:// URL, got %q", cc.URL)
	}
	if cc.HandshakeTimeout <= 0 {
		return errors.New("client.handshake_timeout must be > 0")
	}
	if cc.PingInterval > 0 && cc.PongTimeout <= 0 {
		return errors.New("client.pong_timeout must be > 0 when pings are enabled")
	}
	if cc.MaxRetries < 0 {
		return errors.New("client.max_retries must be >= 0")
	}
	if cc.MaxRetries > 0 && cc.RetryBackoff <= 0 {
		return errors.New("client.retry_backoff must be > 0 when retries are enabled")
	}
	return nil
}

func (sc *ServerConfig) validate() error {
	if sc.Addr == "" {
		return errors.New("server.addr is required")
	}
	if !strings.HasPrefix(sc.Path, "/") {
		return fmt.Errorf("server.path must start with /, got %q", sc.Path)
	}
	if sc.MaxMessageSize < 0 {
		return errors.New("server.max_message_size must be >= 0")
	}
	if sc.MaxInFlight < 0 {
		return errors.New("server.max_in_flight must be >= 0")
	}
	if sc.RateLimit < 0 {
		return errors.New("server.rate_limit must be >= 0")
	}
	if sc.RateLimit > 0 && sc.RateBurst < 1 {
		return errors.New("server.rate_burst must be >= 1 when rate_limit is set")
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
