// Package db implements Postgres-backed persistence for every §3 aggregate
// (applications, accounts, authorization codes, UID tracking rows,
// connection health records, and the webhook log). Adapted from
// vdavid-vmail's internal/db/db.go (pgxpool sizing) and internal/db/user.go
// (the INSERT ... ON CONFLICT ... RETURNING upsert idiom).
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolConfig carries the pgxpool tuning knobs. Zero values fall back to
// the same defaults vdavid-vmail hardcodes.
type PoolConfig struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// NewPool opens a Postgres connection pool against databaseURL, applying
// cfg's tuning (or its defaults) and verifying connectivity with a ping.
func NewPool(ctx context.Context, databaseURL string, cfg PoolConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("db: parse database url: %w", err)
	}

	poolConfig.MaxConns = orDefaultInt32(cfg.MaxConns, 25)
	poolConfig.MinConns = orDefaultInt32(cfg.MinConns, 5)
	poolConfig.MaxConnLifetime = orDefaultDuration(cfg.MaxConnLifetime, time.Hour)
	poolConfig.MaxConnIdleTime = orDefaultDuration(cfg.MaxConnIdleTime, 30*time.Minute)
	poolConfig.HealthCheckPeriod = orDefaultDuration(cfg.HealthCheckPeriod, time.Minute)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("db: create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db: ping: %w", err)
	}

	return pool, nil
}

// Close releases the pool's connections.
func Close(pool *pgxpool.Pool) {
	if pool != nil {
		pool.Close()
	}
}

func orDefaultInt32(v int32, def int32) int32 {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
