package connection

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/wsrpc/internal/wire"
)

func waitOp(t *testing.T, op *pendingOp) {
	t.Helper()
	select {
	case <-op.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("operation %d never resolved", op.id)
	}
}

func TestConnState_QueuesDuringHandshakeInOrder(t *testing.T) {
	type seen struct {
		method string
		sub    bool
		hasID  bool
	}
	frames := make(chan []seen, 1)

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Hold the handshake so that every operation below is queued.
		time.Sleep(100 * time.Millisecond)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var got []seen
		for len(got) < 4 {
			f, err := readFrame(conn)
			if err != nil {
				return
			}
			got = append(got, seen{f.Method, f.Sub, f.HasID})
			if f.HasID {
				writeFrame(conn, wire.Result(f.ID, json.RawMessage(`true`)))
			}
		}
		frames <- got
		drain(conn)
	}))
	defer server.Close()

	client := NewClient(testConfig(server), nil)
	defer client.Close()

	s, err := client.acquire()
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if st := client.Stats().State; st != "connecting" {
		t.Fatalf("State = %s, want connecting", st)
	}

	opA, err := s.issue("a", nil, opRequest)
	if err != nil {
		t.Fatalf("issue a: %v", err)
	}
	note, _ := wire.Encode(wire.Notification("b", nil))
	if err := s.notify(note); err != nil {
		t.Fatalf("notify b: %v", err)
	}
	opC, _ := s.issue("c", nil, opSubscription)
	opD, _ := s.issue("d", nil, opRequest)

	if again, _ := client.acquire(); again != s {
		t.Error("acquire during the handshake must return the same state")
	}

	waitOp(t, opA)
	waitOp(t, opD)
	if opA.err != nil || opD.err != nil {
		t.Errorf("errors = %v, %v", opA.err, opD.err)
	}
	if _, err := opC.sub.Next(context.Background()); err == nil {
		t.Error("subscription should have ended")
	}

	got := <-frames
	want := []seen{{"a", false, true}, {"b", false, false}, {"c", true, true}, {"d", false, true}}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestConnState_HandshakeFailureRejectsQueued(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer server.Close()

	client := NewClient(testConfig(server), nil)
	defer client.Close()

	s, _ := client.acquire()
	opA, _ := s.issue("a", nil, opRequest)
	opB, _ := s.issue("b", nil, opSubscription)
	note, _ := wire.Encode(wire.Notification("c", nil))
	s.notify(note)

	waitOp(t, opA)
	if !errors.Is(opA.err, ErrHandshake) {
		t.Errorf("request err = %v, want ErrHandshake", opA.err)
	}
	if CategoryOf(opA.err) != CategoryTransport {
		t.Errorf("CategoryOf = %s, want transport", CategoryOf(opA.err))
	}
	if _, err := opB.sub.Next(context.Background()); !errors.Is(err, ErrHandshake) {
		t.Errorf("subscription err = %v, want ErrHandshake", err)
	}
	if err := s.waitReady(context.Background()); !errors.Is(err, ErrHandshake) {
		t.Errorf("notification err = %v, want ErrHandshake", err)
	}

	// Not retried automatically; the next operation starts a new attempt.
	if st := client.Stats(); st.State != "idle" || st.Dials != 1 {
		t.Errorf("Stats = %+v, want idle after one dial", st)
	}
	client.Request(context.Background(), "a", nil, nil)
	if st := client.Stats(); st.Dials != 2 {
		t.Errorf("Dials = %d, want 2", st.Dials)
	}
}

func TestConnState_ProtocolViolationsCloseConnection(t *testing.T) {
	tests := []struct {
		name  string
		reply func(req wire.Frame) wire.Frame
	}{
		{
			name:  "unknown id",
			reply: func(req wire.Frame) wire.Frame { return wire.Result(req.ID+98, nil) },
		},
		{
			name:  "value for request",
			reply: func(req wire.Frame) wire.Frame { return wire.Value(req.ID, json.RawMessage(`1`)) },
		},
		{
			name:  "call to initiator",
			reply: func(req wire.Frame) wire.Frame { return wire.Notification("surprise", nil) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			closeCodes := make(chan int, 1)
			server := mockWSServer(t, func(conn *websocket.Conn) {
				f, err := readFrame(conn)
				if err != nil {
					return
				}
				writeFrame(conn, tt.reply(f))
				_, _, err = conn.ReadMessage()
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					closeCodes <- ce.Code
				}
			})
			defer server.Close()

			events, hook := closeEvents(1)
			client := NewClient(testConfig(server), nil, hook)
			defer client.Close()

			err := client.Request(context.Background(), "echo", nil, nil)
			if !errors.Is(err, ErrProtocolViolation) {
				t.Fatalf("err = %v, want ErrProtocolViolation", err)
			}

			ev := <-events
			if ev.Code != wire.CloseProtocolViolation {
				t.Errorf("close code = %d, want %d", ev.Code, wire.CloseProtocolViolation)
			}
			select {
			case code := <-closeCodes:
				if code != wire.CloseProtocolViolation {
					t.Errorf("peer saw close code %d", code)
				}
			case <-time.After(time.Second):
				t.Error("peer did not receive a close frame")
			}
		})
	}
}
