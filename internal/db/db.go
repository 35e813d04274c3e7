// Package db keeps a PostgreSQL log of run and stage events.
package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a PostgreSQL connection pool.
type DB struct {
	pool *pgxpool.Pool
}

// Open connects to the database at url and verifies the connection.
func Open(ctx context.Context, url string) (*DB, error) {
	if url == "" {
		return nil, fmt.Errorf("open database: no database url (set database.url or TESTFORGE_DATABASE_URL)")
	}
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{pool: pool}, nil
}

// Close releases every pooled connection.
func (d *DB) Close() {
	d.pool.Close()
}

// Pool returns the underlying pool for advanced queries.
func (d *DB) Pool() *pgxpool.Pool {
	return d.pool
}

const schemaVersionTable = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const schemaV1 = `
CREATE TABLE IF NOT EXISTS runs (
    run_id         TEXT PRIMARY KEY,
    status         TEXT NOT NULL,
    detail         TEXT NOT NULL DEFAULT '',
    failure_reason TEXT NOT NULL DEFAULT '',
    started_at     TIMESTAMPTZ NOT NULL,
    finished_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);

CREATE TABLE IF NOT EXISTS run_events (
    id       BIGSERIAL PRIMARY KEY,
    run_id   TEXT NOT NULL,
    kind     TEXT NOT NULL CHECK(kind IN ('run_started','stage_started','stage_attempt','stage_finished','confirmation','run_finished')),
    stage    TEXT NOT NULL DEFAULT '',
    attempt  INTEGER NOT NULL DEFAULT 0,
    status   TEXT NOT NULL DEFAULT '',
    detail   TEXT NOT NULL DEFAULT '',
    at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id, id);
CREATE INDEX IF NOT EXISTS idx_run_events_kind ON run_events(kind, at);
`

// Migrate applies the schema once.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.pool.Exec(ctx, schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	var applied bool
	if err := d.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM schema_version WHERE version = 1)`).Scan(&applied); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if applied {
		return nil
	}

	return pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, schemaV1); err != nil {
			return fmt.Errorf("apply schema v1: %w", err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_version (version) VALUES (1) ON CONFLICT DO NOTHING`); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return nil
	})
}

// Reset drops all tables and re-applies the schema.
func (d *DB) Reset(ctx context.Context) error {
	for _, t := range []string{"run_events", "runs", "schema_version"} {
		if _, err := d.pool.Exec(ctx, "DROP TABLE IF EXISTS "+t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return d.Migrate(ctx)
}

// SchemaVersion returns the applied schema version, or 0.
func (d *DB) SchemaVersion(ctx context.Context) (int, error) {
	var v *int
	err := d.pool.QueryRow(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if v == nil {
		return 0, nil
	}
	return *v, nil
}
