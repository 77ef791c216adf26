// Package route holds the method table consumed by the dispatcher.
//
// Tables are built once at startup and validated eagerly: duplicate or empty
// method names are rejected by NewTable, never at first call.
package route

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sort"

	"github.com/rickgao/wsrpc/internal/peer"
	"github.com/rickgao/wsrpc/internal/wire"
)

// Errors
var (
	ErrEmptyMethod     = errors.New("route: empty method name")
	ErrDuplicateMethod = errors.New("route: duplicate method")
	ErrNilHandler      = errors.New("route: nil handler")
)

// Kind is the interaction shape a method implements.
type Kind uint8

const (
	KindNotification Kind = iota + 1
	KindRequest
	KindSubscription
)

func (k Kind) String() string {
	switch k {
	case KindNotification:
		return "notification"
	case KindRequest:
		return "request"
	case KindSubscription:
		return "subscription"
	default:
		return "unknown"
	}
}

// NotificationFunc handles a call that never produces a response.
type NotificationFunc func(ctx context.Context, pc *peer.Context, params json.RawMessage) error

// RequestFunc handles a call answered by exactly one result or error.
type RequestFunc func(ctx context.Context, pc *peer.Context, params json.RawMessage) (any, error)

// StreamFunc returns the value sequence for a subscription. The sequence
// should stop producing once ctx is done.
type StreamFunc func(ctx context.Context, pc *peer.Context, params json.RawMessage) (iter.Seq2[any, error], error)

// Entry binds a method name to its handler.
type Entry struct {
	Method string
	Kind   Kind

	notify  NotificationFunc
	request RequestFunc
	stream  StreamFunc
}

// Notification creates a notification entry.
func Notification(method string, fn NotificationFunc) Entry {
	return Entry{Method: method, Kind: KindNotification, notify: fn}
}

// Request creates a request entry.
func Request(method string, fn RequestFunc) Entry {
	return Entry{Method: method, Kind: KindRequest, request: fn}
}

// Subscription creates a subscription entry.
func Subscription(method string, fn StreamFunc) Entry {
	return Entry{Method: method, Kind: KindSubscription, stream: fn}
}

// NotificationOf adapts a handler taking decoded params.
func NotificationOf[P any](method string, fn func(ctx context.Context, pc *peer.Context, params P) error) Entry {
	var wrapped NotificationFunc
	if fn != nil {
		wrapped = func(ctx context.Context, pc *peer.Context, raw json.RawMessage) error {
			p, err := decodeParams[P](raw)
			if err != nil {
				return err
			}
			return fn(ctx, pc, p)
		}
	}
	return Notification(method, wrapped)
}

// RequestOf adapts a handler taking decoded params and returning a typed result.
func RequestOf[P, R any](method string, fn func(ctx context.Context, pc *peer.Context, params P) (R, error)) Entry {
	var wrapped RequestFunc
	if fn != nil {
		wrapped = func(ctx context.Context, pc *peer.Context, raw json.RawMessage) (any, error) {
			p, err := decodeParams[P](raw)
			if err != nil {
				return nil, err
			}
			return fn(ctx, pc, p)
		}
	}
	return Request(method, wrapped)
}

// SubscriptionOf adapts a handler taking decoded params and yielding typed values.
func SubscriptionOf[P, V any](method string, fn func(ctx context.Context, pc *peer.Context, params P) (iter.Seq2[V, error], error)) Entry {
	var wrapped StreamFunc
	if fn != nil {
		wrapped = func(ctx context.Context, pc *peer.Context, raw json.RawMessage) (iter.Seq2[any, error], error) {
			p, err := decodeParams[P](raw)
			if err != nil {
				return nil, err
			}
			seq, err := fn(ctx, pc, p)
			if err != nil {
				return nil, err
			}
			return func(yield func(any, error) bool) {
				for v, err := range seq {
					if !yield(v, err) {
						return
					}
				}
			}, nil
		}
	}
	return Subscription(method, wrapped)
}

func decodeParams[P any](raw json.RawMessage) (P, error) {
	var p P
	if len(raw) == 0 || string(raw) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, wire.Errorf(wire.CodeInvalidParams, "invalid params: %v", err)
	}
	return p, nil
}

// Notify invokes a notification handler.
func (e Entry) Notify(ctx context.Context, pc *peer.Context, params json.RawMessage) error {
	return e.notify(ctx, pc, params)
}

// Call invokes a request handler.
func (e Entry) Call(ctx context.Context, pc *peer.Context, params json.RawMessage) (any, error) {
	return e.request(ctx, pc, params)
}

// Stream invokes a subscription handler to obtain its sequence.
func (e Entry) Stream(ctx context.Context, pc *peer.Context, params json.RawMessage) (iter.Seq2[any, error], error) {
	return e.stream(ctx, pc, params)
}

func (e Entry) validate() error {
	if e.Method == "" {
		return ErrEmptyMethod
	}
	var ok bool
	switch e.Kind {
	case KindNotification:
		ok = e.notify != nil
	case KindRequest:
		ok = e.request != nil
	case KindSubscription:
		ok = e.stream != nil
	}
	if !ok {
		return fmt.Errorf("%w for %q", ErrNilHandler, e.Method)
	}
	return nil
}

// Table maps method names to entries. It is immutable once built.
type Table struct {
	entries map[string]Entry
}

// NewTable validates entries and builds the lookup map.
func NewTable(entries ...Entry) (*Table, error) {
	t := &Table{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		if err := e.validate(); err != nil {
			return nil, err
		}
		if _, exists := t.entries[e.Method]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateMethod, e.Method)
		}
		t.entries[e.Method] = e
	}
	return t, nil
}

// MustTable is NewTable that panics on error.
func MustTable(entries ...Entry) *Table {
	t, err := NewTable(entries...)
	if err != nil {
		panic(err)
	}
	return t
}

// Lookup finds the entry for an exact method name.
func (t *Table) Lookup(method string) (Entry, bool) {
	e, ok := t.entries[method]
	return e, ok
}

// Len returns the number of methods.
func (t *Table) Len() int { return len(t.entries) }

// Methods returns the registered method names, sorted.
func (t *Table) Methods() []string {
	names := make([]string, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
