package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Side labels.
const (
	SideClient = "client"
	SideServer = "server"
)

// Config configures the collectors.
type Config struct {
	Namespace string
	Buckets   []float64
	Registry  prometheus.Registerer
}

// DefaultConfig returns the default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Namespace: "wsrpc",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics holds the collectors shared by both sides of a connection.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	connsOpened   *prometheus.CounterVec
	connsActive   *prometheus.GaugeVec
	connsClosed   *prometheus.CounterVec
	opsTotal      *prometheus.CounterVec
	opsInFlight   *prometheus.GaugeVec
	opDuration    *prometheus.HistogramVec
	violations    *prometheus.CounterVec
	liveness      *prometheus.CounterVec
	retries       prometheus.Counter
	rateLimited   prometheus.Counter
	journalFlush  *prometheus.CounterVec
	journalQueued prometheus.Gauge
}

// New registers the collectors with cfg.Registry.
func New(cfg Config) *Metrics {
	if cfg.Namespace == "" {
		cfg.Namespace = "wsrpc"
	}
	if len(cfg.Buckets) == 0 {
		cfg.Buckets = prometheus.DefBuckets
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(cfg.Registry)
	ns := cfg.Namespace

	return &Metrics{
		connsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "connections_opened_total",
			Help:      "Connections that completed the handshake",
		}, []string{"side"}),
		connsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "connections_active",
			Help:      "Currently open connections",
		}, []string{"side"}),
		connsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "connections_closed_total",
			Help:      "Connections torn down, by reason",
		}, []string{"side", "reason"}),
		opsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "operations_total",
			Help:      "Completed operations by kind and outcome",
		}, []string{"side", "kind", "outcome"}),
		opsInFlight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "operations_in_flight",
			Help:      "Operations issued or dispatched and not yet completed",
		}, []string{"side"}),
		opDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "operation_duration_seconds",
			Help:      "Time from issue or dispatch to completion",
			Buckets:   cfg.Buckets,
		}, []string{"side", "kind"}),
		violations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "protocol_violations_total",
			Help:      "Frames rejected as protocol violations",
		}, []string{"side"}),
		liveness: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "liveness_events_total",
			Help:      "Pings sent, pongs received and pong timeouts",
		}, []string{"event"}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "request_retries_total",
			Help:      "Request attempts repeated after a transient failure",
		}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "rate_limited_total",
			Help:      "Inbound calls rejected by the per-connection limiter",
		}),
		journalFlush: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "journal_records_total",
			Help:      "Connection journal records flushed, by result",
		}, []string{"result"}),
		journalQueued: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "journal_queued",
			Help:      "Connection journal records waiting for a flush",
		}),
	}
}

// ConnOpened records a completed handshake.
func (m *Metrics) ConnOpened(side string) {
	if m == nil {
		return
	}
	m.connsOpened.WithLabelValues(side).Inc()
	m.connsActive.WithLabelValues(side).Inc()
}

// ConnClosed records the teardown of a connection that had opened.
func (m *Metrics) ConnClosed(side, reason string) {
	if m == nil {
		return
	}
	m.connsActive.WithLabelValues(side).Dec()
	m.connsClosed.WithLabelValues(side, reason).Inc()
}

// ConnFailed records a connection that never opened.
func (m *Metrics) ConnFailed(side, reason string) {
	if m == nil {
		return
	}
	m.connsClosed.WithLabelValues(side, reason).Inc()
}

// OpStarted records an issued or dispatched operation.
func (m *Metrics) OpStarted(side string) {
	if m == nil {
		return
	}
	m.opsInFlight.WithLabelValues(side).Inc()
}

// OpFinished records an operation's outcome and duration.
func (m *Metrics) OpFinished(side, kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.opsInFlight.WithLabelValues(side).Dec()
	m.opsTotal.WithLabelValues(side, kind, outcome).Inc()
	m.opDuration.WithLabelValues(side, kind).Observe(d.Seconds())
}

// ProtocolViolation records a rejected frame.
func (m *Metrics) ProtocolViolation(side string) {
	if m == nil {
		return
	}
	m.violations.WithLabelValues(side).Inc()
}

// Liveness records a health monitor event: "ping", "pong" or "timeout".
func (m *Metrics) Liveness(event string) {
	if m == nil {
		return
	}
	m.liveness.WithLabelValues(event).Inc()
}

// Retry records a repeated request attempt.
func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// RateLimited records a call rejected by the limiter.
func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// JournalFlushed records the result of one journal batch.
func (m *Metrics) JournalFlushed(n int, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.journalFlush.WithLabelValues(result).Add(float64(n))
}

// JournalQueued sets the number of records awaiting a flush.
func (m *Metrics) JournalQueued(n int) {
	if m == nil {
		return
	}
	m.journalQueued.Set(float64(n))
}
