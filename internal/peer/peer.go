// Package peer exposes per-connection and per-request state to handlers on
// the accepting side of a wsrpc connection.
//
// A Conn is created when a connection is accepted and torn down when it
// closes. Each dispatched call gets its own Context derived from the Conn;
// contexts are never shared between requests.
package peer

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Reason describes why a request's deferred cleanups ran.
type Reason string

const (
	ReasonSuccess Reason = "success"
	ReasonError   Reason = "error"
	ReasonAborted Reason = "aborted"
	ReasonClosed  Reason = "closed"
)

// Conn is the state shared by every request on one accepted connection.
type Conn struct {
	id         string
	remoteAddr string
	headers    http.Header
	openedAt   time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	active map[*Context]struct{}
	closed bool
}

// NewConn snapshots the handshake headers. Later changes to h are not
// visible through the Conn.
func NewConn(parent context.Context, remoteAddr string, h http.Header) *Conn {
	ctx, cancel := context.WithCancel(parent)
	return &Conn{
		id:         uuid.NewString(),
		remoteAddr: remoteAddr,
		headers:    h.Clone(),
		openedAt:   time.Now(),
		ctx:        ctx,
		cancel:     cancel,
		active:     make(map[*Context]struct{}),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the peer's network address.
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// OpenedAt returns the accept time.
func (c *Conn) OpenedAt() time.Time { return c.openedAt }

// Header returns the first value of a handshake header.
func (c *Conn) Header(key string) string { return c.headers.Get(key) }

// Headers returns a copy of the handshake headers.
func (c *Conn) Headers() http.Header { return c.headers.Clone() }

// Context is cancelled when the connection tears down.
func (c *Conn) Context() context.Context { return c.ctx }

// Done is closed when the connection tears down.
func (c *Conn) Done() <-chan struct{} { return c.ctx.Done() }

// Active returns the number of requests still executing.
func (c *Conn) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// NewContext creates the state for one request. A positive timeout bounds
// the request's cancellation signal. It returns false once the connection
// has closed.
func (c *Conn) NewContext(timeout time.Duration) (*Context, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, false
	}

	pc := &Context{conn: c}
	base := context.WithValue(c.ctx, contextKey{}, pc)
	if timeout > 0 {
		pc.ctx, pc.cancel = context.WithTimeout(base, timeout)
	} else {
		pc.ctx, pc.cancel = context.WithCancel(base)
	}
	c.active[pc] = struct{}{}
	return pc, true
}

// Close cancels every request and runs their cleanups with ReasonClosed.
// Safe to call more than once.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := make([]*Context, 0, len(c.active))
	for pc := range c.active {
		pending = append(pending, pc)
	}
	c.mu.Unlock()

	c.cancel()
	for _, pc := range pending {
		pc.Finish(ReasonClosed)
	}
}

func (c *Conn) release(pc *Context) {
	c.mu.Lock()
	delete(c.active, pc)
	c.mu.Unlock()
}

// Context is the per-request view handed to a handler.
type Context struct {
	conn   *Conn
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	defers   []func(Reason)
	finished bool
	reason   Reason
}

type contextKey struct{}

// FromContext returns the peer context a handler's ctx was derived from.
func FromContext(ctx context.Context) (*Context, bool) {
	pc, ok := ctx.Value(contextKey{}).(*Context)
	return pc, ok
}

// ConnID returns the id of the owning connection.
func (pc *Context) ConnID() string { return pc.conn.id }

// RemoteAddr returns the peer's network address.
func (pc *Context) RemoteAddr() string { return pc.conn.remoteAddr }

// Header returns the first value of a handshake header.
func (pc *Context) Header(key string) string { return pc.conn.Header(key) }

// Headers returns a copy of the handshake headers.
func (pc *Context) Headers() http.Header { return pc.conn.Headers() }

// Context returns the request's cancellation signal. It fires on
// connection teardown, handler timeout, or request completion.
func (pc *Context) Context() context.Context { return pc.ctx }

// Done is shorthand for Context().Done().
func (pc *Context) Done() <-chan struct{} { return pc.ctx.Done() }

// Err is shorthand for Context().Err().
func (pc *Context) Err() error { return pc.ctx.Err() }

// Defer registers fn to run once when the request finishes. Cleanups run
// in registration order. Registering after the request finished runs fn
// immediately with the recorded reason.
func (pc *Context) Defer(fn func(Reason)) {
	pc.mu.Lock()
	if pc.finished {
		reason := pc.reason
		pc.mu.Unlock()
		fn(reason)
		return
	}
	pc.defers = append(pc.defers, fn)
	pc.mu.Unlock()
}

// Finish records the completion reason and runs the registered cleanups.
// Only the first call has an effect; it reports whether it was that call.
func (pc *Context) Finish(reason Reason) bool {
	pc.mu.Lock()
	if pc.finished {
		pc.mu.Unlock()
		return false
	}
	pc.finished = true
	pc.reason = reason
	defers := pc.defers
	pc.defers = nil
	pc.mu.Unlock()

	pc.cancel()
	pc.conn.release(pc)

	for _, fn := range defers {
		fn(reason)
	}
	return true
}

// Reason returns the completion reason, or "" while the request runs.
func (pc *Context) Reason() Reason {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.reason
}
