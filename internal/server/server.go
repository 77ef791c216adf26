package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/rickgao/wsrpc/internal/metrics"
	"github.com/rickgao/wsrpc/internal/route"
	"github.com/rickgao/wsrpc/internal/wire"
)

// Server accepts wsrpc connections and dispatches their calls.
type Server struct {
	cfg            Config
	table          *route.Table
	logger         *slog.Logger
	metrics        *metrics.Metrics
	metricsHandler http.Handler
	journal        Recorder
	checks         []namedCheck
	upgrader       websocket.Upgrader

	// Parent of every connection context.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conns   map[*conn]struct{}
	closing bool
	wg      sync.WaitGroup

	accepted   atomic.Int64
	calls      atomic.Int64
	violations atomic.Int64
}

// NewServer creates a server for the given route table.
func NewServer(cfg Config, table *route.Table, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = DefaultConfig().Path
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = DefaultConfig().MetricsPath
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		table:  table,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[*conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP routes: the RPC endpoint, /healthz and the
// metrics handler if one was supplied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get(s.cfg.Path, s.ServeHTTP)
	r.Get("/healthz", s.handleHealth)
	if s.metricsHandler != nil {
		r.Handle(s.cfg.MetricsPath, s.metricsHandler)
	}
	return r
}

// ServeHTTP upgrades the request and serves the connection until it
// closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		http.Error(w, ErrServerClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(s, ws, r)

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		c.terminate(wire.CloseGoingAway, "server shutting down", true)
		c.finish()
		return
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	s.accepted.Add(1)
	c.serve()

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Shutdown closes every connection with a going-away close frame, which
// finishes their outstanding calls with peer.ReasonClosed, then waits for
// handlers to return or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.logger.Info("closing connections", "count", len(conns))
	for _, c := range conns {
		c.terminate(wire.CloseGoingAway, "server shutting down", true)
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown timed out waiting for handlers")
		return ctx.Err()
	}
}

// Stats returns a snapshot of server activity.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	n := len(s.conns)
	s.mu.Unlock()

	return Stats{
		Connections: n,
		Accepted:    s.accepted.Load(),
		Calls:       s.calls.Load(),
		Violations:  s.violations.Load(),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	stats := s.Stats()
	health := struct {
		Status     string         `json:"status"`
		Components map[string]any `json:"components"`
	}{
		Status: "healthy",
		Components: map[string]any{
			"connections": map[string]any{
				"active":   stats.Connections,
				"accepted": stats.Accepted,
				"calls":    stats.Calls,
				"methods":  s.table.Len(),
			},
		},
	}

	s.mu.Lock()
	if s.closing {
		health.Status = "shutting_down"
	}
	s.mu.Unlock()

	for _, nc := range s.checks {
		detail, err := nc.check(ctx)
		if err != nil {
			health.Status = "unhealthy"
			health.Components[nc.name] = map[string]string{
				"status": "error",
				"error":  err.Error(),
			}
			continue
		}
		health.Components[nc.name] = detail
	}

	w.Header().Set("Content-Type", "application/json")
	if health.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(health)
}
