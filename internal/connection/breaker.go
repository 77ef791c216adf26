package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker/v2"
)

// newBreaker returns nil when BreakerFailures is 0.
func newBreaker(cfg Config, logger *slog.Logger) *gobreaker.CircuitBreaker[*websocket.Conn] {
	if cfg.BreakerFailures == 0 {
		return nil
	}
	maxFailures := cfg.BreakerFailures

	return gobreaker.NewCircuitBreaker[*websocket.Conn](gobreaker.Settings{
		Name:        "dial:" + cfg.URL,
		MaxRequests: 1, // one probe dial while half-open
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// A dial aborted by Close says nothing about the server.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
}

// dial performs the websocket handshake through the breaker.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	if c.breaker == nil {
		return c.handshake(ctx)
	}
	return c.breaker.Execute(func() (*websocket.Conn, error) {
		return c.handshake(ctx)
	})
}

func (c *Client) handshake(ctx context.Context) (*websocket.Conn, error) {
	ws, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", c.cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	return ws, nil
}
