package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is the part of pgxpool.Pool the queries use.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type DB struct {
	Pool *pgxpool.Pool
	q    querier
}

func NewDB(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	return &DB{Pool: pool, q: pool}, nil
}

func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS oauth_tokens (
        tenant_id     TEXT PRIMARY KEY,
        access_token  TEXT NOT NULL,
        refresh_token TEXT NOT NULL DEFAULT '',
        expiry_date   TIMESTAMPTZ NOT NULL,
        updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
    )`,
	`CREATE TABLE IF NOT EXISTS rate_limit_logs (
        id         BIGSERIAL PRIMARY KEY,
        limit_type TEXT NOT NULL,
        count      INTEGER NOT NULL,
        threshold  INTEGER NOT NULL,
        created_at TIMESTAMPTZ NOT NULL
    )`,
	`CREATE TABLE IF NOT EXISTS reply_audit_logs (
        id            UUID PRIMARY KEY,
        tenant_id     TEXT NOT NULL,
        target_id     TEXT NOT NULL,
        payload       TEXT NOT NULL,
        success       BOOLEAN NOT NULL,
        error_message TEXT,
        created_at    TIMESTAMPTZ NOT NULL
    )`,
	`CREATE INDEX IF NOT EXISTS reply_audit_logs_tenant_idx ON reply_audit_logs (tenant_id, created_at)`,
}

// Migrate creates the tables this service owns if they are missing.
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.q.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
