package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rickgao/wsrpc/internal/metrics"
	"github.com/rickgao/wsrpc/internal/wire"
)

type phase uint8

const (
	phaseConnecting phase = iota
	phaseOpen
	phaseClosed
)

func (p phase) String() string {
	switch p {
	case phaseConnecting:
		return "connecting"
	case phaseOpen:
		return "open"
	default:
		return "closed"
	}
}

// connState holds the state for a single connection. It is created by the
// first operation and never reused after it closes.
type connState struct {
	client *Client
	cfg    Config
	id     string
	logger *slog.Logger

	// Cancels the dial when the state is torn down mid-handshake.
	ctx    context.Context
	cancel context.CancelFunc

	ready chan struct{} // closed once the handshake succeeded or failed

	// Write serialization. Taken before mu when both are needed.
	writeMu sync.Mutex

	mu        sync.Mutex
	phase     phase
	ws        *websocket.Conn
	openedAt  time.Time
	queue     [][]byte // frames issued during the handshake, in order
	readyErr  error    // set when the handshake never completed
	closeErr  error
	nextID    uint64
	pending   map[uint64]*pendingOp
	abandoned map[uint64]struct{}
	active    int

	// Health monitor
	lastActivity time.Time
	pingTimer    *time.Timer
	pongTimer    *time.Timer
	pongGen      uint64
	awaitingPong bool
	nonce        int64

	// Idle governor
	idleTimer *time.Timer
	idleGen   uint64
}

func newConnState(c *Client) *connState {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()

	return &connState{
		client:    c,
		cfg:       c.cfg,
		id:        id,
		logger:    c.logger.With("conn_id", id),
		ctx:       ctx,
		cancel:    cancel,
		ready:     make(chan struct{}),
		pending:   make(map[uint64]*pendingOp),
		abandoned: make(map[uint64]struct{}),
	}
}

// dial runs the handshake and opens the state, or tears it down with
// ErrHandshake so that every queued operation is rejected.
func (s *connState) dial() {
	ws, err := s.client.dial(s.ctx)
	if err != nil {
		s.client.handshakeFailures.Add(1)
		s.logger.Warn("handshake failed", "url", s.cfg.URL, "error", err)
		s.teardown(wire.CloseAbnormal, fmt.Errorf("%w: %w", ErrHandshake, err))
		return
	}
	s.open(ws)
}

// open flushes the handshake queue in issuance order, then starts the read
// loop and timers. Holding writeMu across the flush keeps later sends
// behind the queued frames.
func (s *connState) open(ws *websocket.Conn) {
	s.writeMu.Lock()

	s.mu.Lock()
	if s.phase == phaseClosed {
		s.mu.Unlock()
		s.writeMu.Unlock()
		ws.Close()
		return
	}
	s.ws = ws
	queue := s.queue
	s.queue = nil
	s.mu.Unlock()

	if s.cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(s.cfg.MaxMessageSize)
	}

	var writeErr error
	for _, data := range queue {
		if writeErr = s.write(ws, data); writeErr != nil {
			break
		}
	}

	s.mu.Lock()
	if writeErr != nil || s.phase == phaseClosed {
		s.mu.Unlock()
		s.writeMu.Unlock()
		if writeErr != nil {
			s.teardown(wire.CloseAbnormal, fmt.Errorf("%w: flush: %v", ErrConnectionLost, writeErr))
		}
		return
	}
	s.phase = phaseOpen
	s.openedAt = time.Now()
	s.lastActivity = s.openedAt
	s.startHealthLocked()
	if s.active == 0 {
		s.armIdleLocked()
	}
	close(s.ready)
	s.mu.Unlock()
	s.writeMu.Unlock()

	s.client.metrics.ConnOpened(metrics.SideClient)
	s.logger.Debug("connection open", "url", s.cfg.URL, "flushed", len(queue))

	go s.readLoop(ws)
}

// send writes one frame, or queues it while the handshake runs.
func (s *connState) send(data []byte) error {
	s.writeMu.Lock()

	s.mu.Lock()
	switch s.phase {
	case phaseConnecting:
		s.queue = append(s.queue, data)
		s.mu.Unlock()
		s.writeMu.Unlock()
		return nil
	case phaseClosed:
		err := s.closeErr
		s.mu.Unlock()
		s.writeMu.Unlock()
		return err
	}
	ws := s.ws
	s.touchLocked()
	s.mu.Unlock()

	err := s.write(ws, data)
	s.writeMu.Unlock()

	if err != nil {
		err = fmt.Errorf("%w: write: %v", ErrConnectionLost, err)
		s.teardown(wire.CloseAbnormal, err)
		return err
	}
	return nil
}

// write must be called with writeMu held.
func (s *connState) write(ws *websocket.Conn, data []byte) error {
	if s.cfg.WriteTimeout > 0 {
		ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	return ws.WriteMessage(websocket.TextMessage, data)
}

// waitReady blocks until the handshake finished. It reports the handshake
// error, if any.
func (s *connState) waitReady(ctx context.Context) error {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyErr
}

// readLoop decodes frames until the socket fails or a frame violates the
// protocol.
func (s *connState) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			code := wire.CloseAbnormal
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code = ce.Code
			}
			s.teardown(code, fmt.Errorf("%w: %v", ErrConnectionLost, err))
			return
		}

		s.mu.Lock()
		s.touchLocked()
		s.mu.Unlock()

		f, err := wire.Decode(data)
		if err == nil {
			err = s.handleFrame(f)
		}
		if err != nil {
			s.client.metrics.ProtocolViolation(metrics.SideClient)
			s.logger.Warn("protocol violation, closing connection", "error", err)
			s.teardown(wire.CloseProtocolViolation, err)
			return
		}
	}
}

func (s *connState) handleFrame(f wire.Frame) error {
	switch f.Kind {
	case wire.KindPong:
		s.handlePong(f.Nonce)
		return nil
	case wire.KindPing:
		data, err := wire.Encode(wire.Pong(f.Nonce))
		if err != nil {
			return err
		}
		s.send(data)
		return nil
	case wire.KindResult, wire.KindError, wire.KindValue:
		return s.resolve(f)
	default:
		return fmt.Errorf("%w: unexpected %s frame", ErrProtocolViolation, f.Kind)
	}
}

// teardown closes the state once: pending operations are rejected with
// reason, timers stop and the socket closes. Abnormal closures are
// reported locally and never written to the peer.
func (s *connState) teardown(code int, reason error) {
	s.mu.Lock()
	if s.phase == phaseClosed {
		s.mu.Unlock()
		return
	}
	wasOpen := s.phase == phaseOpen
	s.phase = phaseClosed
	s.closeErr = reason
	s.queue = nil
	pending := s.pending
	s.pending = make(map[uint64]*pendingOp)
	s.active = 0
	s.stopTimersLocked()
	ws := s.ws
	if !wasOpen {
		s.readyErr = reason
		close(s.ready)
	}
	s.mu.Unlock()

	s.cancel()
	s.client.forget(s)

	for _, op := range pending {
		op.fail(reason)
		s.finishOp(op, "error")
	}

	if ws != nil {
		if code != wire.CloseAbnormal {
			msg := websocket.FormatCloseMessage(code, wire.CloseText(reason.Error()))
			ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		}
		ws.Close()
	}

	label := closeReason(reason)
	if wasOpen {
		s.client.metrics.ConnClosed(metrics.SideClient, label)
	} else {
		s.client.metrics.ConnFailed(metrics.SideClient, label)
	}

	logArgs := []any{"code", code, "reason", reason, "pending", len(pending)}
	if code == wire.CloseNormal || code == wire.CloseGoingAway {
		s.logger.Debug("connection closed", logArgs...)
	} else {
		s.logger.Warn("connection closed", logArgs...)
	}

	if s.client.onClose != nil {
		s.client.onClose(CloseEvent{ConnID: s.id, Code: code, Reason: reason})
	}
}
