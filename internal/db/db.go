package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DB wraps the Postgres connection holding the pipeline event log. A nil *DB
// is valid and means persistence is disabled: every method is a no-op, so
// callers never branch on whether a database was configured.
type DB struct {
	conn *sql.DB
}

// Open connects to Postgres at dsn. An empty dsn returns (nil, nil), the
// disabled-persistence mode.
func Open(ctx context.Context, dsn string) (*DB, error) {
	if dsn == "" {
		return nil, nil
	}
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(4)
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	if d == nil {
		return nil
	}
	return d.conn.Close()
}

// Conn returns the underlying *sql.DB for advanced queries, nil when
// persistence is disabled.
func (d *DB) Conn() *sql.DB {
	if d == nil {
		return nil
	}
	return d.conn
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS pipeline_events (
    id          BIGSERIAL PRIMARY KEY,
    eval_id     TEXT NOT NULL DEFAULT '',
    owner       TEXT NOT NULL,
    repo        TEXT NOT NULL,
    issue       INTEGER NOT NULL,
    event       TEXT NOT NULL,
    from_stage  TEXT NOT NULL DEFAULT '',
    to_stage    TEXT NOT NULL DEFAULT '',
    signal      TEXT NOT NULL DEFAULT '',
    detail      TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_pipeline_events_issue
    ON pipeline_events(owner, repo, issue, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_pipeline_events_created
    ON pipeline_events(created_at);
`

// Migrate applies the database schema.
func (d *DB) Migrate(ctx context.Context) error {
	if d == nil {
		return nil
	}

	var count int
	err := d.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_version WHERE version = 1").Scan(&count)
	if err == nil && count > 0 {
		return nil
	}

	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schemaV1); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (1) ON CONFLICT DO NOTHING"); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// Reset drops all tables and re-applies the schema.
func (d *DB) Reset(ctx context.Context) error {
	if d == nil {
		return nil
	}
	for _, t := range []string{"pipeline_events", "schema_version"} {
		if _, err := d.conn.ExecContext(ctx, "DROP TABLE IF EXISTS "+t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return d.Migrate(ctx)
}
