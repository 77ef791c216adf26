package connection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/wsrpc/internal/wire"
)

func TestIdle_ClosesAfterLastOperation(t *testing.T) {
	server := mockWSServer(t, servePeer)
	defer server.Close()

	cfg := testConfig(server)
	cfg.IdleTimeout = 200 * time.Millisecond
	events, hook := closeEvents(2)
	client := NewClient(cfg, nil, hook)
	defer client.Close()

	if err := client.Request(context.Background(), "echo", 1, nil); err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	done := time.Now()

	select {
	case ev := <-events:
		if ev.Code != wire.CloseNormal {
			t.Errorf("close code = %d, want %d", ev.Code, wire.CloseNormal)
		}
		if !errors.Is(ev.Reason, ErrIdleTimeout) {
			t.Errorf("reason = %v, want ErrIdleTimeout", ev.Reason)
		}
		if elapsed := time.Since(done); elapsed < 150*time.Millisecond {
			t.Errorf("closed after %v, before the idle timeout", elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("idle connection was not closed")
	}

	if st := client.Stats(); st.State != "idle" {
		t.Errorf("State = %s, want idle", st.State)
	}

	// A later operation opens a fresh connection.
	if err := client.Request(context.Background(), "echo", 2, nil); err != nil {
		t.Fatalf("Request after idle close failed: %v", err)
	}
	if st := client.Stats(); st.Dials != 2 {
		t.Errorf("Dials = %d, want 2", st.Dials)
	}
}

func TestIdle_PeerSeesNormalClosure(t *testing.T) {
	codes := make(chan int, 1)
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			f, err := readFrame(conn)
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				codes <- ce.Code
				return
			}
			if err != nil {
				return
			}
			writeFrame(conn, wire.Result(f.ID, nil))
		}
	})
	defer server.Close()

	cfg := testConfig(server)
	cfg.IdleTimeout = 50 * time.Millisecond
	client := NewClient(cfg, nil)
	defer client.Close()

	if err := client.Request(context.Background(), "echo", nil, nil); err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	select {
	case code := <-codes:
		if code != websocket.CloseNormalClosure {
			t.Errorf("peer close code = %d, want %d", code, websocket.CloseNormalClosure)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("peer never saw a close frame")
	}
}

func TestIdle_ActiveSubscriptionHoldsConnection(t *testing.T) {
	server := mockWSServer(t, drain)
	defer server.Close()

	cfg := testConfig(server)
	cfg.IdleTimeout = 100 * time.Millisecond
	events, hook := closeEvents(1)
	client := NewClient(cfg, nil, hook)
	defer client.Close()

	sub, err := client.Subscribe(context.Background(), "ticks", nil)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	time.Sleep(300 * time.Millisecond)
	select {
	case ev := <-events:
		t.Fatalf("closed with an active subscription: %+v", ev)
	default:
	}

	sub.Close()

	select {
	case ev := <-events:
		if !errors.Is(ev.Reason, ErrIdleTimeout) {
			t.Errorf("reason = %v, want ErrIdleTimeout", ev.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed after the subscription ended")
	}
}

func TestIdle_DisabledKeepsConnectionOpen(t *testing.T) {
	server := mockWSServer(t, servePeer)
	defer server.Close()

	cfg := testConfig(server)
	cfg.IdleTimeout = 0
	client := NewClient(cfg, nil)
	defer client.Close()

	if err := client.Request(context.Background(), "echo", nil, nil); err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	if st := client.Stats(); st.State != "open" {
		t.Errorf("State = %s, want open", st.State)
	}
}

func TestIdle_ClosesDespiteAnsweredPings(t *testing.T) {
	server := mockWSServer(t, servePeer)
	defer server.Close()

	cfg := testConfig(server)
	cfg.PingInterval = 30 * time.Millisecond
	cfg.PongTimeout = 100 * time.Millisecond
	cfg.IdleTimeout = 250 * time.Millisecond
	events, hook := closeEvents(1)
	client := NewClient(cfg, nil, hook)
	defer client.Close()

	if err := client.Notify(context.Background(), "hello", nil); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	select {
	case ev := <-events:
		if !errors.Is(ev.Reason, ErrIdleTimeout) {
			t.Errorf("reason = %v, want ErrIdleTimeout", ev.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pings kept an idle connection open")
	}
}
