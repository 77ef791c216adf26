package peer

import (
	"context"
	"net/http"
	"testing"
	"time"
)

func TestConn_HeadersAreSnapshot(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Bearer abc")

	c := NewConn(context.Background(), "10.0.0.1:5000", h)
	defer c.Close()

	h.Set("Authorization", "changed")
	if got := c.Header("Authorization"); got != "Bearer abc" {
		t.Errorf("Header = %q, want snapshot value", got)
	}

	copied := c.Headers()
	copied.Set("Authorization", "mutated")
	if got := c.Header("Authorization"); got != "Bearer abc" {
		t.Errorf("Header after mutating copy = %q, want unchanged", got)
	}

	if c.ID() == "" {
		t.Error("expected a connection id")
	}
	if c.RemoteAddr() != "10.0.0.1:5000" {
		t.Errorf("RemoteAddr = %q", c.RemoteAddr())
	}
}

func TestContext_DefersRunOnceInOrder(t *testing.T) {
	c := NewConn(context.Background(), "addr", nil)
	defer c.Close()

	pc, ok := c.NewContext(0)
	if !ok {
		t.Fatal("NewContext failed on open connection")
	}

	var order []int
	var reasons []Reason
	for i := 1; i <= 3; i++ {
		i := i
		pc.Defer(func(r Reason) {
			order = append(order, i)
			reasons = append(reasons, r)
		})
	}

	if !pc.Finish(ReasonSuccess) {
		t.Fatal("first Finish should run the defers")
	}
	if pc.Finish(ReasonError) {
		t.Error("second Finish should be a no-op")
	}

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("order = %v, want [1 2 3]", order)
	}
	for _, r := range reasons {
		if r != ReasonSuccess {
			t.Errorf("reason = %s, want success", r)
		}
	}
	if pc.Err() == nil {
		t.Error("context should be cancelled after Finish")
	}
	if c.Active() != 0 {
		t.Errorf("Active = %d, want 0", c.Active())
	}
}

func TestContext_DeferAfterFinishRunsImmediately(t *testing.T) {
	c := NewConn(context.Background(), "addr", nil)
	defer c.Close()

	pc, _ := c.NewContext(0)
	pc.Finish(ReasonError)

	var got Reason
	pc.Defer(func(r Reason) { got = r })
	if got != ReasonError {
		t.Errorf("late defer reason = %q, want error", got)
	}
}

func TestConn_CloseFinishesActiveWithClosed(t *testing.T) {
	c := NewConn(context.Background(), "addr", nil)

	pc, _ := c.NewContext(0)
	done := make(chan Reason, 1)
	pc.Defer(func(r Reason) { done <- r })

	c.Close()

	select {
	case r := <-done:
		if r != ReasonClosed {
			t.Errorf("reason = %s, want closed", r)
		}
	case <-time.After(time.Second):
		t.Fatal("defer did not run on close")
	}

	select {
	case <-pc.Done():
	default:
		t.Error("request context should be cancelled on close")
	}

	// Completion after teardown must not run defers again.
	if pc.Finish(ReasonSuccess) {
		t.Error("Finish after close should be a no-op")
	}
	if _, ok := c.NewContext(0); ok {
		t.Error("NewContext should fail after close")
	}
	c.Close()
}

func TestContext_Timeout(t *testing.T) {
	c := NewConn(context.Background(), "addr", nil)
	defer c.Close()

	pc, _ := c.NewContext(20 * time.Millisecond)
	select {
	case <-pc.Done():
		if pc.Err() != context.DeadlineExceeded {
			t.Errorf("Err = %v, want deadline exceeded", pc.Err())
		}
	case <-time.After(time.Second):
		t.Fatal("timeout did not fire")
	}
}

func TestFromContext(t *testing.T) {
	c := NewConn(context.Background(), "addr", nil)
	defer c.Close()

	pc, _ := c.NewContext(0)
	got, ok := FromContext(pc.Context())
	if !ok || got != pc {
		t.Error("FromContext did not return the request context")
	}
	if _, ok := FromContext(context.Background()); ok {
		t.Error("FromContext on a bare context should fail")
	}
}
