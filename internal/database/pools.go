package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rickgao/wsrpc/internal/config"
)

// Connect creates a connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	connStr := BuildConnString(cfg)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// EnsureSchema creates the journal table if it does not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create journal schema: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS wsrpc_connections (
	conn_id      TEXT PRIMARY KEY,
	remote_addr  TEXT NOT NULL,
	user_agent   TEXT NOT NULL DEFAULT '',
	opened_at    TIMESTAMPTZ NOT NULL,
	closed_at    TIMESTAMPTZ NOT NULL,
	close_code   INTEGER NOT NULL,
	close_reason TEXT NOT NULL DEFAULT '',
	calls        BIGINT NOT NULL DEFAULT 0,
	violations   BIGINT NOT NULL DEFAULT 0
)`
