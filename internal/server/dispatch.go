package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/rickgao/wsrpc/internal/metrics"
	"github.com/rickgao/wsrpc/internal/peer"
	"github.com/rickgao/wsrpc/internal/route"
	"github.com/rickgao/wsrpc/internal/tracing"
	"github.com/rickgao/wsrpc/internal/wire"
)

var errConnClosed = errors.New("connection closed")

// call tracks one dispatched frame from Executing to its terminal frame.
// Exactly one of the worker, the timeout or the connection teardown
// completes it.
type call struct {
	c       *conn
	id      uint64
	hasID   bool
	method  string
	params  json.RawMessage
	kind    route.Kind
	pc      *peer.Context
	ctx     context.Context
	span    trace.Span
	started time.Time
	logger  *slog.Logger

	mu   sync.Mutex
	done bool
}

func (c *conn) dispatch(entry route.Entry, kind route.Kind, f wire.Frame) {
	defer c.handlers.Done()
	if c.sem != nil {
		defer c.sem.Release(1)
	}

	pc, ok := c.peer.NewContext(c.srv.cfg.HandlerTimeout)
	if !ok {
		return
	}

	cl := c.newCall(pc, kind, f)
	defer cl.recoverPanic()

	switch kind {
	case route.KindNotification:
		cl.runNotification(entry)
	case route.KindRequest:
		cl.runRequest(entry)
	case route.KindSubscription:
		cl.runSubscription(entry)
	}
}

func (c *conn) newCall(pc *peer.Context, kind route.Kind, f wire.Frame) *call {
	ctx, span := tracing.StartSpan(pc.Context(), "wsrpc."+kind.String(),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(tracing.CallAttrs(c.peer.ID(), f.Method, kind.String())...),
	)

	cl := &call{
		c:       c,
		id:      f.ID,
		hasID:   f.HasID,
		method:  f.Method,
		params:  f.Params,
		kind:    kind,
		pc:      pc,
		ctx:     ctx,
		span:    span,
		started: time.Now(),
		logger:  c.logger.With("method", f.Method, "id", f.ID),
	}
	c.srv.metrics.OpStarted(metrics.SideServer)

	// Fires on completion too, where it finds the call already done.
	context.AfterFunc(pc.Context(), cl.interrupted)
	return cl
}

// interrupted completes the call when its context ended before the
// handler did: by teardown or by the handler timeout.
func (cl *call) interrupted() {
	select {
	case <-cl.c.peer.Done():
		cl.complete(nil, peer.ReasonClosed, errConnClosed)
		return
	default:
	}

	if errors.Is(cl.pc.Err(), context.DeadlineExceeded) {
		timeout := cl.c.srv.cfg.HandlerTimeout
		we := wire.Errorf(wire.CodeTimeout, "%s timed out after %v", cl.method, timeout)
		f := wire.ErrorFrame(cl.id, we)
		cl.complete(&f, peer.ReasonAborted, we)
	}
}

func (cl *call) runNotification(entry route.Entry) {
	var err error
	if entry.Kind == route.KindRequest {
		_, err = entry.Call(cl.ctx, cl.pc, cl.params)
	} else {
		err = entry.Notify(cl.ctx, cl.pc, cl.params)
	}

	if err != nil {
		cl.logger.Warn("notification handler failed", "error", err)
		cl.complete(nil, peer.ReasonError, err)
		return
	}
	cl.complete(nil, peer.ReasonSuccess, nil)
}

func (cl *call) runRequest(entry route.Entry) {
	result, err := entry.Call(cl.ctx, cl.pc, cl.params)
	if err != nil {
		cl.fail(err)
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		cl.fail(wire.Errorf(wire.CodeInternal, "encode result: %v", err))
		return
	}
	f := wire.Result(cl.id, data)
	cl.complete(&f, peer.ReasonSuccess, nil)
}

// runSubscription forwards values until the sequence ends, yields an
// error, or the call's context ends. Returning from the range body stops
// the handler's sequence.
func (cl *call) runSubscription(entry route.Entry) {
	seq, err := entry.Stream(cl.ctx, cl.pc, cl.params)
	if err != nil {
		cl.fail(err)
		return
	}

	for v, err := range seq {
		if cl.ctx.Err() != nil {
			return
		}
		if err != nil {
			cl.fail(err)
			return
		}
		data, err := json.Marshal(v)
		if err != nil {
			cl.fail(wire.Errorf(wire.CodeInternal, "encode value: %v", err))
			return
		}
		if !cl.emit(wire.Value(cl.id, data)) {
			return
		}
	}

	if cl.ctx.Err() != nil {
		return
	}
	f := wire.Result(cl.id, nil)
	cl.complete(&f, peer.ReasonSuccess, nil)
}

// recoverPanic converts a handler panic into an INTERNAL error frame.
func (cl *call) recoverPanic() {
	r := recover()
	if r == nil {
		return
	}
	stack := debug.Stack()
	cl.logger.Error("handler panicked", "panic", r, "stack", string(stack))

	we := wire.Errorf(wire.CodeInternal, "internal error: %v", r).WithStack(stack)
	f := wire.ErrorFrame(cl.id, we)
	cl.complete(&f, peer.ReasonError, fmt.Errorf("panic: %v", r))
}

func (cl *call) fail(err error) {
	f := wire.ErrorFrame(cl.id, wire.FromError(err))
	cl.complete(&f, peer.ReasonError, err)
}

// emit writes a non-terminal frame unless the call already completed.
func (cl *call) emit(f wire.Frame) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.done {
		return false
	}
	return cl.c.send(f) == nil
}

// complete writes the terminal frame, if any, and finishes the peer
// context. Only the first call has an effect.
func (cl *call) complete(f *wire.Frame, reason peer.Reason, err error) {
	cl.mu.Lock()
	if cl.done {
		cl.mu.Unlock()
		return
	}
	cl.done = true
	if f != nil && cl.hasID && reason != peer.ReasonClosed {
		cl.c.send(*f)
	}
	cl.mu.Unlock()

	cl.pc.Finish(reason)

	cl.c.srv.metrics.OpFinished(metrics.SideServer, cl.kind.String(), string(reason), time.Since(cl.started))
	if err != nil {
		tracing.RecordError(cl.span, err)
	} else {
		tracing.SetOK(cl.span)
	}
	cl.span.End()

	if reason == peer.ReasonAborted {
		cl.logger.Warn("handler timed out", "timeout", cl.c.srv.cfg.HandlerTimeout)
	}
}
