package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rickgao/wsrpc/internal/journal"
	"github.com/rickgao/wsrpc/internal/metrics"
)

// Errors
var (
	ErrServerClosed = errors.New("server closed")
)

// Config holds dispatcher and transport settings.
type Config struct {
	Path string // RPC endpoint, default /rpc

	// ReadTimeout drops a connection after this long without an inbound
	// frame. 0 disables it, so a client with pings and idle close turned
	// off stays connected indefinitely. Set it above the clients' ping
	// interval.
	ReadTimeout time.Duration

	WriteTimeout   time.Duration
	MaxMessageSize int64
	HandlerTimeout time.Duration // 0 disables
	MaxInFlight    int           // concurrent calls per connection, 0 is unlimited
	RateLimit      float64       // calls per second per connection, 0 disables
	RateBurst      int

	// FatalProtocolViolations closes the connection with a protocol-error
	// close code after answering a violation.
	FatalProtocolViolations bool

	MetricsPath string
}

// DefaultConfig returns default server settings.
func DefaultConfig() Config {
	return Config{
		Path:           "/rpc",
		WriteTimeout:   5 * time.Second,
		MaxMessageSize: 1 << 20,
		MaxInFlight:    64,
		MetricsPath:    "/metrics",
	}
}

// Stats is a snapshot of server activity.
type Stats struct {
	Connections int
	Accepted    int64
	Calls       int64
	Violations  int64
}

// Recorder receives one journal record per closed connection.
type Recorder interface {
	Record(journal.Record) bool
}

// HealthCheck reports one component of /healthz. A non-nil error marks the
// server unhealthy.
type HealthCheck func(ctx context.Context) (any, error)

// Option configures a Server.
type Option func(*Server)

// WithMetrics records dispatch metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsHandler serves h on Config.MetricsPath.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithJournal records closed connections.
func WithJournal(r Recorder) Option {
	return func(s *Server) { s.journal = r }
}

// WithHealthCheck adds a named component to /healthz.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) {
		s.checks = append(s.checks, namedCheck{name: name, check: check})
	}
}

// WithCheckOrigin overrides the upgrader's origin check.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(s *Server) { s.upgrader.CheckOrigin = fn }
}

type namedCheck struct {
	name  string
	check HealthCheck
}
