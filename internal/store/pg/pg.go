// Package pg implements the "optional Postgres mirror for
// transport-health.json / release-update-state.json" named in
// SPEC_FULL.md §5: a thin read/write mirror letting multiple taucore
// replicas behind a load balancer observe a shared health/update view.
// The file-backed stores (internal/health, internal/release) remain
// authoritative and are the only stores a standalone deployment needs —
// this package is additive, grounded on the teacher's
// internal/store/pg/factory.go connection-construction idiom
// (pgxpool.New over a DSN supplied only through the environment, never
// the JSON5 config file).
package pg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// OpenDB opens a pooled Postgres connection. dsn is expected to come from
// an env-only config field (internal/config.Config never round-trips a
// DSN through its on-disk JSON5 file), matching the teacher's
// DatabaseConfig.PostgresDSN handling.
func OpenDB(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pg: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg: ping: %w", err)
	}
	return pool, nil
}
