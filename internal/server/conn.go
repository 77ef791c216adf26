package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/rickgao/wsrpc/internal/buffer"
	"github.com/rickgao/wsrpc/internal/journal"
	"github.com/rickgao/wsrpc/internal/metrics"
	"github.com/rickgao/wsrpc/internal/peer"
	"github.com/rickgao/wsrpc/internal/route"
	"github.com/rickgao/wsrpc/internal/wire"
)

// pendingCall is a resolved call waiting for an in-flight slot.
type pendingCall struct {
	entry route.Entry
	kind  route.Kind
	frame wire.Frame
}

// conn serves one accepted WebSocket.
type conn struct {
	srv       *Server
	ws        *websocket.Conn
	peer      *peer.Conn
	logger    *slog.Logger
	userAgent string

	sem     *semaphore.Weighted // nil when unlimited
	admit   *buffer.GrowableBuffer[pendingCall]
	limiter *rate.Limiter // nil when disabled

	writeMu  sync.Mutex
	handlers sync.WaitGroup

	calls      atomic.Int64
	violations atomic.Int64

	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

func newConn(s *Server, ws *websocket.Conn, r *http.Request) *conn {
	pc := peer.NewConn(s.ctx, r.RemoteAddr, r.Header)
	c := &conn{
		srv:       s,
		ws:        ws,
		peer:      pc,
		logger:    s.logger.With("conn_id", pc.ID()),
		userAgent: r.UserAgent(),
	}
	if s.cfg.MaxInFlight > 0 {
		c.sem = semaphore.NewWeighted(int64(s.cfg.MaxInFlight))
		c.admit = buffer.NewGrowableBuffer[pendingCall](s.cfg.MaxInFlight)
	}
	if s.cfg.RateLimit > 0 {
		burst := s.cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimit), burst)
	}

	s.metrics.ConnOpened(metrics.SideServer)
	c.logger.Debug("connection accepted", "remote_addr", r.RemoteAddr)
	return c
}

// serve runs the read loop, then waits for in-flight handlers.
func (c *conn) serve() {
	if c.admit != nil {
		go c.admitLoop()
	}
	c.readLoop()
	c.finish()
}

// admitLoop starts queued calls in arrival order as in-flight slots free
// up. The read loop never waits for a slot, so pings and violations are
// answered while every slot is busy.
func (c *conn) admitLoop() {
	ctx := c.peer.Context()
	for {
		pc, err := c.admit.Receive(ctx)
		if err != nil {
			break
		}
		if err := c.sem.Acquire(ctx, 1); err != nil {
			c.handlers.Done()
			break
		}
		go c.dispatch(pc.entry, pc.kind, pc.frame)
	}

	// Calls still queued at teardown never run.
	c.admit.Close()
	for {
		if _, ok := c.admit.TryReceive(); !ok {
			break
		}
		c.handlers.Done()
	}
}

func (c *conn) readLoop() {
	cfg := c.srv.cfg
	if cfg.MaxMessageSize > 0 {
		c.ws.SetReadLimit(cfg.MaxMessageSize)
	}

	for {
		if cfg.ReadTimeout > 0 {
			c.ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		}
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				// gorilla already echoed the close frame.
				c.terminate(ce.Code, "peer closed", false)
			} else {
				c.terminate(wire.CloseAbnormal, err.Error(), false)
			}
			return
		}

		if !c.handleMessage(data) {
			return
		}
	}
}

// handleMessage processes one inbound frame. It returns false once the
// connection should stop reading.
func (c *conn) handleMessage(data []byte) bool {
	f, err := wire.Decode(data)
	if err != nil {
		id, hasID := wire.DecodeID(data)
		return c.violation(id, hasID, wire.CodeProtocolViolation, err.Error())
	}

	switch f.Kind {
	case wire.KindPing:
		c.send(wire.Pong(f.Nonce))
		return true
	case wire.KindPong:
		return true
	case wire.KindCall:
		return c.handleCall(f)
	default:
		return c.violation(0, false, wire.CodeProtocolViolation,
			fmt.Sprintf("unexpected %s frame", f.Kind))
	}
}

func (c *conn) handleCall(f wire.Frame) bool {
	if c.limiter != nil && !c.limiter.Allow() {
		c.srv.metrics.RateLimited()
		c.logger.Debug("call rate limited", "method", f.Method)
		if f.HasID {
			c.send(wire.ErrorFrame(f.ID, wire.NewError(wire.CodeRateLimited, "rate limit exceeded")))
		}
		return true
	}

	entry, ok := c.srv.table.Lookup(f.Method)
	if !ok {
		return c.violation(f.ID, f.HasID, wire.CodeMethodNotFound,
			fmt.Sprintf("method not found: %s", f.Method))
	}

	kind, mismatch := callKind(entry, f)
	if mismatch != "" {
		return c.violation(f.ID, f.HasID, wire.CodeProtocolViolation, mismatch)
	}

	c.calls.Add(1)
	c.srv.calls.Add(1)
	c.handlers.Add(1)

	if c.admit == nil {
		go c.dispatch(entry, kind, f)
		return true
	}
	if !c.admit.Send(pendingCall{entry: entry, kind: kind, frame: f}) {
		// The connection is tearing down.
		c.handlers.Done()
	}
	return true
}

// callKind decides how a call frame runs against its route. A call
// without an id always runs as a notification.
func callKind(entry route.Entry, f wire.Frame) (route.Kind, string) {
	if !f.HasID {
		if entry.Kind == route.KindSubscription {
			return 0, fmt.Sprintf("subscription %s called without id", f.Method)
		}
		return route.KindNotification, ""
	}

	switch {
	case entry.Kind == route.KindNotification:
		return 0, fmt.Sprintf("%s is a notification and takes no id", f.Method)
	case entry.Kind == route.KindRequest && f.Sub:
		return 0, fmt.Sprintf("%s is a request, not a subscription", f.Method)
	case entry.Kind == route.KindSubscription && !f.Sub:
		return 0, fmt.Sprintf("%s is a subscription", f.Method)
	}
	return entry.Kind, ""
}

// violation answers a rejected frame when it carried an id. It returns
// false if the connection was closed as a result.
func (c *conn) violation(id uint64, hasID bool, code, msg string) bool {
	c.violations.Add(1)
	c.srv.violations.Add(1)
	c.srv.metrics.ProtocolViolation(metrics.SideServer)
	c.logger.Warn("protocol violation", "code", code, "error", msg, "has_id", hasID)

	if hasID {
		c.send(wire.ErrorFrame(id, wire.NewError(code, msg)))
	}
	if c.srv.cfg.FatalProtocolViolations {
		c.terminate(wire.CloseProtocolViolation, msg, true)
		return false
	}
	return true
}

// send encodes and writes one frame. A write failure tears the
// connection down.
func (c *conn) send(f wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	if c.srv.cfg.WriteTimeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
	}
	err = c.ws.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()

	if err != nil {
		c.terminate(wire.CloseAbnormal, "write: "+err.Error(), false)
		return err
	}
	return nil
}

// terminate closes the connection once. Outstanding calls are cancelled
// and their defers run with peer.ReasonClosed before the socket closes.
func (c *conn) terminate(code int, reason string, sendClose bool) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason

		c.peer.Close()

		if sendClose && code != wire.CloseAbnormal {
			msg := websocket.FormatCloseMessage(code, wire.CloseText(reason))
			c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		}
		c.ws.Close()
	})
}

// finish waits for handlers, then records the connection.
func (c *conn) finish() {
	c.handlers.Wait()

	closedAt := time.Now()
	c.srv.metrics.ConnClosed(metrics.SideServer, closeLabel(c.closeCode))

	if c.srv.journal != nil {
		c.srv.journal.Record(journal.Record{
			ConnID:      c.peer.ID(),
			RemoteAddr:  c.peer.RemoteAddr(),
			UserAgent:   c.userAgent,
			OpenedAt:    c.peer.OpenedAt(),
			ClosedAt:    closedAt,
			CloseCode:   c.closeCode,
			CloseReason: c.closeReason,
			Calls:       c.calls.Load(),
			Violations:  c.violations.Load(),
		})
	}

	c.logger.Info("connection closed",
		"code", c.closeCode,
		"reason", c.closeReason,
		"calls", c.calls.Load(),
		"duration", closedAt.Sub(c.peer.OpenedAt()),
	)
}

func closeLabel(code int) string {
	switch code {
	case wire.CloseNormal:
		return "normal"
	case wire.CloseGoingAway:
		return "going_away"
	case wire.CloseProtocolViolation:
		return "protocol_violation"
	case wire.CloseAbnormal:
		return "abnormal"
	default:
		return "other"
	}
}
