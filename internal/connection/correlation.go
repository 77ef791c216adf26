package connection

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rickgao/wsrpc/internal/metrics"
	"github.com/rickgao/wsrpc/internal/wire"
)

type opKind uint8

const (
	opRequest opKind = iota + 1
	opSubscription
)

func (k opKind) String() string {
	if k == opSubscription {
		return "subscription"
	}
	return "request"
}

// pendingOp is an issued request or subscription awaiting its terminal
// frame. It is resolved exactly once, by whichever path removes it from
// the pending map.
type pendingOp struct {
	id        uint64
	kind      opKind
	method    string
	createdAt time.Time

	// Request
	done   chan struct{}
	result json.RawMessage
	err    error

	// Subscription
	sub *Subscription
}

func (op *pendingOp) succeed(result json.RawMessage) {
	if op.kind == opSubscription {
		op.sub.finish(nil)
		return
	}
	op.result = result
	close(op.done)
}

func (op *pendingOp) fail(err error) {
	if op.kind == opSubscription {
		op.sub.finish(err)
		return
	}
	op.err = err
	close(op.done)
}

// issue registers a pending operation under the next id and sends its call
// frame.
func (s *connState) issue(method string, params json.RawMessage, kind opKind) (*pendingOp, error) {
	s.mu.Lock()
	if s.phase == phaseClosed {
		err := s.closeErr
		s.mu.Unlock()
		return nil, err
	}

	s.nextID++
	id := s.nextID
	data, err := wire.Encode(wire.Call(id, method, params, kind == opSubscription))
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	op := &pendingOp{
		id:        id,
		kind:      kind,
		method:    method,
		createdAt: time.Now(),
	}
	if kind == opSubscription {
		op.sub = newSubscription(id, method)
	} else {
		op.done = make(chan struct{})
	}
	s.pending[id] = op
	s.active++
	s.disarmIdleLocked()
	s.mu.Unlock()

	s.client.metrics.OpStarted(metrics.SideClient)

	// A failed send tears the state down, which rejects op.
	s.send(data)

	return op, nil
}

// notify sends a notification. Notifications are not tracked but still
// count as activity for the idle governor.
func (s *connState) notify(data []byte) error {
	s.mu.Lock()
	if s.active == 0 {
		s.armIdleLocked()
	}
	s.mu.Unlock()

	return s.send(data)
}

// resolve routes a result, error or value frame to its pending operation.
func (s *connState) resolve(f wire.Frame) error {
	s.mu.Lock()
	op, ok := s.pending[f.ID]
	if !ok {
		if _, gone := s.abandoned[f.ID]; gone {
			if f.IsTerminal() {
				delete(s.abandoned, f.ID)
			}
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()
		return fmt.Errorf("%w: %s frame for unknown id %d", ErrProtocolViolation, f.Kind, f.ID)
	}

	if f.Kind == wire.KindValue {
		if op.kind != opSubscription {
			s.mu.Unlock()
			return fmt.Errorf("%w: value frame for request id %d", ErrProtocolViolation, f.ID)
		}
		op.sub.push(f.Value)
		s.mu.Unlock()
		return nil
	}

	s.retireLocked(op.id)
	s.mu.Unlock()

	if f.Kind == wire.KindResult {
		op.succeed(f.Result)
		s.finishOp(op, "success")
	} else {
		op.fail(f.Error)
		s.finishOp(op, "error")
	}
	return nil
}

// abandon removes a locally cancelled operation. Frames that still arrive
// for its id are dropped. It reports whether the operation was pending.
func (s *connState) abandon(id uint64, err error) bool {
	s.mu.Lock()
	op, ok := s.pending[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.retireLocked(id)
	s.abandoned[id] = struct{}{}
	s.mu.Unlock()

	op.fail(err)
	s.finishOp(op, "cancelled")
	s.logger.Debug("operation abandoned", "id", id, "method", op.method, "reason", err)
	return true
}

// retireLocked removes id from the pending set and arms the idle governor
// when nothing is left. Must be called with mu held.
func (s *connState) retireLocked(id uint64) {
	delete(s.pending, id)
	s.active--
	if s.active == 0 {
		s.armIdleLocked()
	}
}

func (s *connState) finishOp(op *pendingOp, outcome string) {
	s.client.metrics.OpFinished(metrics.SideClient, op.kind.String(), outcome, time.Since(op.createdAt))
}
