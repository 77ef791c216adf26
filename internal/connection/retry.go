package connection

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// withRetry runs fn, repeating it with exponential backoff while it fails
// with a transient error.
func (c *Client) withRetry(ctx context.Context, method string, fn func() error) error {
	var lastErr error
	backoff := c.cfg.RetryBackoff

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			// Add jitter: backoff * (0.5 to 1.5)
			var jitter time.Duration
			if backoff > 0 {
				jitter = backoff/2 + time.Duration(rand.Int64N(int64(backoff)))
			}
			c.logger.Debug("retrying request",
				"attempt", attempt,
				"backoff", jitter,
				"method", method,
				"error", lastErr,
			)
			c.retries.Add(1)
			c.metrics.Retry()

			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: %w", method, context.Cause(ctx))
			case <-time.After(jitter):
			}

			backoff *= 2
		}

		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err
		if !retryable(err) {
			return err
		}
	}

	if c.cfg.MaxRetries == 0 {
		return lastErr
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// retryable reports whether a request may be repeated: the handshake
// failed or the connection was lost before a terminal frame arrived.
func retryable(err error) bool {
	if errors.Is(err, ErrClientClosed) {
		return false
	}
	switch CategoryOf(err) {
	case CategoryTransport, CategoryLiveness:
		return true
	default:
		return false
	}
}
