package connection

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"sync"

	"github.com/rickgao/wsrpc/internal/buffer"
)

type subItem struct {
	value json.RawMessage
	err   error // terminal when set
}

// Subscription is the consuming end of a remote value stream. Values are
// buffered without bound so a slow consumer never stalls the read loop.
// Next must not be called concurrently.
type Subscription struct {
	id     uint64
	method string
	items  *buffer.GrowableBuffer[subItem]

	mu      sync.Mutex
	final   error
	stop    func() bool     // unregisters the context watcher
	abandon func(err error) // cancels the operation locally
}

func newSubscription(id uint64, method string) *Subscription {
	return &Subscription{
		id:     id,
		method: method,
		items:  buffer.NewGrowableBuffer[subItem](16),
	}
}

// ID returns the correlation id.
func (s *Subscription) ID() uint64 { return s.id }

// Method returns the subscribed method.
func (s *Subscription) Method() string { return s.method }

// Next returns the next value. After the terminal success frame it returns
// io.EOF; after a terminal error frame it returns the remote *wire.Error;
// a connection failure or local cancellation is returned as such.
func (s *Subscription) Next(ctx context.Context) (json.RawMessage, error) {
	s.mu.Lock()
	final := s.final
	s.mu.Unlock()
	if final != nil {
		return nil, final
	}

	item, err := s.items.Receive(ctx)
	if errors.Is(err, buffer.ErrClosed) {
		item.err = ErrSubscriptionClosed
	} else if err != nil {
		return nil, err
	}

	if item.err != nil {
		s.mu.Lock()
		s.final = item.err
		stop := s.stop
		s.mu.Unlock()
		if stop != nil {
			stop()
		}
		return nil, item.err
	}
	return item.value, nil
}

// All yields values until the subscription ends. A normal end terminates
// the sequence without an error.
func (s *Subscription) All(ctx context.Context) iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		for {
			v, err := s.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}

// Close abandons the subscription locally. The remote handler is not
// notified; values it still sends are dropped, and values already queued
// are discarded. Next returns ErrSubscriptionClosed afterwards unless the
// subscription had already ended.
func (s *Subscription) Close() error {
	s.mu.Lock()
	abandon, stop := s.abandon, s.stop
	if s.final == nil {
		s.final = ErrSubscriptionClosed
	}
	s.mu.Unlock()

	for {
		if _, ok := s.items.TryReceive(); !ok {
			break
		}
	}

	if abandon != nil {
		abandon(ErrSubscriptionClosed)
	}
	if stop != nil {
		stop()
	}
	return nil
}

func (s *Subscription) bind(abandon func(error), stop func() bool) {
	s.mu.Lock()
	s.abandon = abandon
	s.stop = stop
	s.mu.Unlock()
}

// push queues a value. Must be called with the owning state's mu held.
func (s *Subscription) push(v json.RawMessage) {
	s.items.Send(subItem{value: v})
}

// finish queues the terminal item. A nil err ends the stream with io.EOF.
func (s *Subscription) finish(err error) {
	if err == nil {
		err = io.EOF
	}
	s.items.Send(subItem{err: err})
	s.items.Close()
}
