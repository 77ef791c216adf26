package main

import (
	"github.com/rickgao/wsrpc/internal/config"
	"github.com/rickgao/wsrpc/internal/connection"
	"github.com/rickgao/wsrpc/internal/journal"
	"github.com/rickgao/wsrpc/internal/server"
	"github.com/rickgao/wsrpc/internal/tracing"
)

func clientConfig(cc config.ClientConfig) connection.Config {
	return connection.Config{
		URL:              cc.URL,
		HandshakeTimeout: cc.HandshakeTimeout,
		WriteTimeout:     cc.WriteTimeout,
		MaxMessageSize:   cc.MaxMessageSize,
		PingInterval:     cc.PingInterval,
		PongTimeout:      cc.PongTimeout,
		IdleTimeout:      cc.IdleTimeout,
		RequestTimeout:   cc.RequestTimeout,
		MaxRetries:       cc.MaxRetries,
		RetryBackoff:     cc.RetryBackoff,
		BreakerFailures:  cc.BreakerFailures,
		BreakerTimeout:   cc.BreakerTimeout,
	}
}

func serverConfig(cfg *config.Config) server.Config {
	sc := cfg.Server
	return server.Config{
		Path:                    sc.Path,
		ReadTimeout:             sc.ReadTimeout,
		WriteTimeout:            sc.WriteTimeout,
		MaxMessageSize:          sc.MaxMessageSize,
		HandlerTimeout:          sc.HandlerTimeout,
		MaxInFlight:             sc.MaxInFlight,
		RateLimit:               sc.RateLimit,
		RateBurst:               sc.RateBurst,
		FatalProtocolViolations: sc.FatalProtocolViolations,
		MetricsPath:             cfg.Metrics.Path,
	}
}

func journalConfig(jc config.JournalConfig) journal.Config {
	return journal.Config{
		BatchSize:     jc.BatchSize,
		FlushInterval: jc.FlushInterval,
		BufferSize:    jc.BufferSize,
	}
}

func tracingConfig(tc config.TracingConfig) tracing.Config {
	return tracing.Config{
		Enabled:     tc.Enabled,
		Exporter:    tc.Exporter,
		SampleRatio: tc.SampleRatio,
	}
}
