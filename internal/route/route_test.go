package route

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"testing"

	"github.com/rickgao/wsrpc/internal/peer"
	"github.com/rickgao/wsrpc/internal/wire"
)

func echo(_ context.Context, _ *peer.Context, params json.RawMessage) (any, error) {
	return params, nil
}

func TestNewTable(t *testing.T) {
	tests := []struct {
		name    string
		entries []Entry
		wantErr error
	}{
		{
			name:    "valid",
			entries: []Entry{Request("echo", echo), Notification("log", func(context.Context, *peer.Context, json.RawMessage) error { return nil })},
		},
		{
			name:    "duplicate",
			entries: []Entry{Request("echo", echo), Request("echo", echo)},
			wantErr: ErrDuplicateMethod,
		},
		{
			name:    "duplicate across kinds",
			entries: []Entry{Request("echo", echo), Subscription("echo", func(context.Context, *peer.Context, json.RawMessage) (iter.Seq2[any, error], error) { return nil, nil })},
			wantErr: ErrDuplicateMethod,
		},
		{
			name:    "empty name",
			entries: []Entry{Request("", echo)},
			wantErr: ErrEmptyMethod,
		},
		{
			name:    "nil handler",
			entries: []Entry{Request("echo", nil)},
			wantErr: ErrNilHandler,
		},
		{
			name:    "nil typed handler",
			entries: []Entry{RequestOf[int, int]("double", nil)},
			wantErr: ErrNilHandler,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTable(tt.entries...)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("NewTable() unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("NewTable() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestTable_Lookup(t *testing.T) {
	tbl := MustTable(
		Request("echo", echo),
		RequestOf("sum", func(_ context.Context, _ *peer.Context, nums []int) (int, error) {
			total := 0
			for _, n := range nums {
				total += n
			}
			return total, nil
		}),
	)

	if tbl.Len() != 2 {
		t.Errorf("Len = %d, want 2", tbl.Len())
	}
	if got := tbl.Methods(); len(got) != 2 || got[0] != "echo" || got[1] != "sum" {
		t.Errorf("Methods = %v", got)
	}
	if _, ok := tbl.Lookup("doesNotExist"); ok {
		t.Error("unknown method should not resolve")
	}
	if _, ok := tbl.Lookup("Echo"); ok {
		t.Error("lookup must be an exact match")
	}

	e, ok := tbl.Lookup("sum")
	if !ok || e.Kind != KindRequest {
		t.Fatalf("sum lookup = %+v, %v", e, ok)
	}
	got, err := e.Call(context.Background(), nil, json.RawMessage(`[1,2,3]`))
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if got != 6 {
		t.Errorf("sum = %v, want 6", got)
	}
}

func TestRequestOf_InvalidParams(t *testing.T) {
	e := RequestOf("double", func(_ context.Context, _ *peer.Context, n int) (int, error) { return n * 2, nil })

	_, err := e.Call(context.Background(), nil, json.RawMessage(`"nope"`))
	var we *wire.Error
	if !errors.As(err, &we) || we.Code != wire.CodeInvalidParams {
		t.Errorf("err = %v, want INVALID_PARAMS", err)
	}

	got, err := e.Call(context.Background(), nil, nil)
	if err != nil || got != 0 {
		t.Errorf("missing params = %v, %v, want zero value", got, err)
	}
}

func TestSubscriptionOf(t *testing.T) {
	e := SubscriptionOf("count", func(_ context.Context, _ *peer.Context, n int) (iter.Seq2[int, error], error) {
		return func(yield func(int, error) bool) {
			for i := 1; i <= n; i++ {
				if !yield(i, nil) {
					return
				}
			}
		}, nil
	})

	seq, err := e.Stream(context.Background(), nil, json.RawMessage(`5`))
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	var got []any
	for v, err := range seq {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got = append(got, v)
		if len(got) == 3 {
			break
		}
	}
	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Errorf("values = %v, want [1 2 3]", got)
	}
}

func TestKindString(t *testing.T) {
	if KindSubscription.String() != "subscription" || Kind(0).String() != "unknown" {
		t.Error("unexpected Kind strings")
	}
}
