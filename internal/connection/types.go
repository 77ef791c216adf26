package connection

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rickgao/wsrpc/internal/wire"
)

// Errors
var (
	ErrClientClosed       = errors.New("client closed")
	ErrHandshake          = errors.New("handshake failed")
	ErrConnectionLost     = errors.New("connection lost")
	ErrPongTimeout        = errors.New("pong timeout")
	ErrIdleTimeout        = errors.New("idle timeout")
	ErrRequestTimeout     = errors.New("request timeout")
	ErrSubscriptionClosed = errors.New("subscription closed")

	// ErrProtocolViolation is shared with the wire codec so that decode
	// failures and correlation failures match the same sentinel.
	ErrProtocolViolation = wire.ErrProtocolViolation
)

// Config configures a Client.
type Config struct {
	URL    string      // ws:// or wss:// endpoint
	Header http.Header // sent with the handshake

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration // write deadline for each frame
	MaxMessageSize   int64         // read limit, 0 = unlimited

	PingInterval   time.Duration // silence before a ping is sent, <= 0 disables health checks
	PongTimeout    time.Duration // wait for the matching pong
	IdleTimeout    time.Duration // close after this long with no active operations, <= 0 disables
	RequestTimeout time.Duration // per request, 0 disables

	MaxRetries   int           // extra attempts for requests that hit a transient failure
	RetryBackoff time.Duration // initial backoff, doubled per attempt

	BreakerFailures uint32        // consecutive handshake failures that open the breaker, 0 disables
	BreakerTimeout  time.Duration // open period before a probe dial is allowed
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		MaxMessageSize:   1 << 20,
		PingInterval:     30 * time.Second,
		PongTimeout:      10 * time.Second,
		IdleTimeout:      60 * time.Second,
		RequestTimeout:   30 * time.Second,
		MaxRetries:       0,
		RetryBackoff:     500 * time.Millisecond,
		BreakerFailures:  5,
		BreakerTimeout:   30 * time.Second,
	}
}

// Stats provides statistics about a client.
type Stats struct {
	State             string // "idle", "connecting", "open"
	ConnID            string // empty when no connection exists
	Active            int    // pending requests and subscriptions
	Abandoned         int    // ids cancelled locally still awaiting a terminal frame
	Dials             int64
	HandshakeFailures int64
	Retries           int64
}

// CloseEvent describes the teardown of one connection.
type CloseEvent struct {
	ConnID string
	Code   int
	Reason error
}

// Category classifies an operation error.
type Category int

const (
	CategoryNone Category = iota
	CategoryProtocol
	CategoryHandler
	CategoryLiveness
	CategoryTransport
	CategoryCancelled
)

func (c Category) String() string {
	switch c {
	case CategoryProtocol:
		return "protocol"
	case CategoryHandler:
		return "handler"
	case CategoryLiveness:
		return "liveness"
	case CategoryTransport:
		return "transport"
	case CategoryCancelled:
		return "cancelled"
	default:
		return "none"
	}
}

// CategoryOf reports which failure class err belongs to.
func CategoryOf(err error) Category {
	if err == nil {
		return CategoryNone
	}

	var we *wire.Error
	switch {
	case errors.Is(err, ErrPongTimeout):
		return CategoryLiveness
	case errors.Is(err, ErrProtocolViolation):
		return CategoryProtocol
	case errors.As(err, &we):
		if we.IsProtocolViolation() {
			return CategoryProtocol
		}
		return CategoryHandler
	case errors.Is(err, ErrHandshake), errors.Is(err, ErrConnectionLost):
		return CategoryTransport
	case errors.Is(err, ErrRequestTimeout),
		errors.Is(err, ErrSubscriptionClosed),
		errors.Is(err, ErrClientClosed),
		errors.Is(err, ErrIdleTimeout),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return CategoryCancelled
	default:
		return CategoryNone
	}
}

// closeReason is the metrics label for a teardown error.
func closeReason(err error) string {
	switch {
	case errors.Is(err, ErrClientClosed):
		return "client_closed"
	case errors.Is(err, ErrIdleTimeout):
		return "idle"
	case errors.Is(err, ErrHandshake):
		return "handshake"
	default:
		return CategoryOf(err).String()
	}
}
