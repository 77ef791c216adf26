package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker/v2"

	"github.com/rickgao/wsrpc/internal/metrics"
	"github.com/rickgao/wsrpc/internal/wire"
)

// Client is the initiating side of a wsrpc connection. It is safe for
// concurrent use.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	onClose func(CloseEvent)

	dialer  *websocket.Dialer
	breaker *gobreaker.CircuitBreaker[*websocket.Conn]

	mu     sync.Mutex
	state  *connState
	closed bool

	dials             atomic.Int64
	handshakeFailures atomic.Int64
	retries           atomic.Int64
}

// Option configures a Client.
type Option func(*Client)

// WithMetrics records connection and operation metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithCloseHook registers fn to run after each connection teardown.
func WithCloseHook(fn func(CloseEvent)) Option {
	return func(c *Client) {
		c.onClose = fn
	}
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		c.dialer = d
	}
}

// NewClient creates a client. No connection is made until the first
// operation.
func NewClient(cfg Config, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		cfg:    cfg,
		logger: logger,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = newBreaker(cfg, logger)

	return c
}

// Notify sends a call that expects no response. It returns once the frame
// is written, or with the handshake error if the connection never opened.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	data, err := wire.Encode(wire.Notification(method, raw))
	if err != nil {
		return err
	}

	s, err := c.acquire()
	if err != nil {
		return err
	}
	if err := s.notify(data); err != nil {
		return err
	}
	return s.waitReady(ctx)
}

// Request calls method and decodes its result into result, which may be
// nil to discard it. Remote handler failures are returned as *wire.Error.
func (c *Client) Request(ctx context.Context, method string, params, result any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}

	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, c.cfg.RequestTimeout,
			fmt.Errorf("%w after %s", ErrRequestTimeout, c.cfg.RequestTimeout))
		defer cancel()
	}

	var res json.RawMessage
	err = c.withRetry(ctx, method, func() error {
		var err error
		res, err = c.requestOnce(ctx, method, raw)
		return err
	})
	if err != nil {
		return err
	}

	if result == nil {
		return nil
	}
	if err := json.Unmarshal(res, result); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func (c *Client) requestOnce(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	s, err := c.acquire()
	if err != nil {
		return nil, err
	}

	op, err := s.issue(method, params, opRequest)
	if err != nil {
		return nil, err
	}

	select {
	case <-op.done:
		return op.result, op.err
	case <-ctx.Done():
		cause := fmt.Errorf("%s: %w", method, context.Cause(ctx))
		if s.abandon(op.id, cause) {
			return nil, cause
		}
		// Resolved concurrently with the cancellation.
		<-op.done
		return op.result, op.err
	}
}

// Subscribe starts a subscription. The subscription ends when the remote
// side sends its terminal frame, ctx is done, Close is called, or the
// connection closes.
func (c *Client) Subscribe(ctx context.Context, method string, params any) (*Subscription, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	s, err := c.acquire()
	if err != nil {
		return nil, err
	}

	op, err := s.issue(method, raw, opSubscription)
	if err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() {
		s.abandon(op.id, fmt.Errorf("%s: %w", method, context.Cause(ctx)))
	})
	op.sub.bind(func(err error) { s.abandon(op.id, err) }, stop)
	return op.sub, nil
}

// Stream subscribes and returns the values as an iterator. Iteration ends
// without error after the terminal success frame; breaking out of the loop
// abandons the subscription.
func (c *Client) Stream(ctx context.Context, method string, params any) iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		sub, err := c.Subscribe(ctx, method, params)
		if err != nil {
			yield(nil, err)
			return
		}
		defer sub.Close()

		for v, err := range sub.All(ctx) {
			if !yield(v, err) {
				return
			}
		}
	}
}

// Close tears down the current connection, rejecting everything pending
// with ErrClientClosed. The client cannot be used afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	s := c.state
	c.state = nil
	c.mu.Unlock()

	if s != nil {
		s.teardown(wire.CloseNormal, ErrClientClosed)
	}
	return nil
}

// Stats returns current statistics.
func (c *Client) Stats() Stats {
	st := Stats{
		State:             "idle",
		Dials:             c.dials.Load(),
		HandshakeFailures: c.handshakeFailures.Load(),
		Retries:           c.retries.Load(),
	}

	c.mu.Lock()
	s := c.state
	c.mu.Unlock()

	if s != nil {
		s.mu.Lock()
		st.State = s.phase.String()
		st.ConnID = s.id
		st.Active = s.active
		st.Abandoned = len(s.abandoned)
		s.mu.Unlock()
	}
	return st
}

// acquire returns the current connection state, starting a dial if there
// is none.
func (c *Client) acquire() (*connState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClientClosed
	}
	if c.state != nil {
		return c.state, nil
	}

	s := newConnState(c)
	c.state = s
	c.dials.Add(1)
	go s.dial()

	return s, nil
}

// forget drops s once it has torn down so the next operation dials anew.
func (c *Client) forget(s *connState) {
	c.mu.Lock()
	if c.state == s {
		c.state = nil
	}
	c.mu.Unlock()
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return raw, nil
}
