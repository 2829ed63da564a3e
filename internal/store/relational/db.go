package relational

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/veridoc/veridoc-ops/internal/config"
)

// OpenPool opens a pgx pool against the configured relational store with
// sane defaults for an operator tool: few connections, short connect
// timeout so an unreachable store fails fast.
func OpenPool(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.PostgresDSN())
	if err != nil {
		return nil, err
	}
	pc.MaxConns = 4
	pc.ConnConfig.ConnectTimeout = 10 * time.Second
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
