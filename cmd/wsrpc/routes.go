package main

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"time"

	"github.com/rickgao/wsrpc/internal/peer"
	"github.com/rickgao/wsrpc/internal/route"
	"github.com/rickgao/wsrpc/internal/wire"
)

type countParams struct {
	N        int    `json:"n"`
	Interval string `json:"interval"` // Go duration, default 100ms
}

// demoRoutes is the method table served by "wsrpc serve".
func demoRoutes(logger *slog.Logger) *route.Table {
	return route.MustTable(
		route.Request("echo", func(ctx context.Context, pc *peer.Context, params json.RawMessage) (any, error) {
			return params, nil
		}),

		route.RequestOf("sum", func(ctx context.Context, pc *peer.Context, nums []float64) (float64, error) {
			var total float64
			for _, n := range nums {
				total += n
			}
			return total, nil
		}),

		route.SubscriptionOf("count", func(ctx context.Context, pc *peer.Context, p countParams) (iter.Seq2[int, error], error) {
			if p.N < 0 {
				return nil, wire.NewError(wire.CodeInvalidParams, "n must be >= 0")
			}
			interval := 100 * time.Millisecond
			if p.Interval != "" {
				d, err := time.ParseDuration(p.Interval)
				if err != nil {
					return nil, wire.Errorf(wire.CodeInvalidParams, "invalid interval: %v", err)
				}
				interval = d
			}

			return func(yield func(int, error) bool) {
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for i := 1; i <= p.N; i++ {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
					}
					if !yield(i, nil) {
						return
					}
				}
			}, nil
		}),

		route.Notification("log", func(ctx context.Context, pc *peer.Context, params json.RawMessage) error {
			logger.Info("client log", "conn_id", pc.ConnID(), "remote_addr", pc.RemoteAddr(), "message", string(params))
			return nil
		}),
	)
}
