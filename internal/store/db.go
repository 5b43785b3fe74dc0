// Package store owns the PostgreSQL connection pool, schema migrations,
// and the advisory-lock helpers used to make the Spine Loader and
// Dimension Registry Builder exclusive phases.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DB wraps a *sql.DB opened against PostgreSQL via the pgx stdlib driver.
type DB struct {
	*sql.DB
	logger *slog.Logger
}

// Open connects to PostgreSQL using dsn (a standard libpq key=value or URL
// connection string) and verifies connectivity with a ping.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	logger.Debug("connecting to postgres")

	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &DB{DB: sqlDB, logger: logger}, nil
}

// WithAdvisoryLock runs fn while holding a session-level PostgreSQL
// advisory lock keyed by lockID. The lock blocks re-entry of the same
// exclusive phase (Spine Loader, Registry Builder) but never blocks
// fetchers, which never take this lock, per the concurrency model.
func (db *DB) WithAdvisoryLock(ctx context.Context, lockID int64, fn func(ctx context.Context) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection for advisory lock: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", lockID); err != nil {
		return fmt.Errorf("acquire advisory lock %d: %w", lockID, err)
	}
	defer func() {
		_, unlockErr := conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", lockID)
		if unlockErr != nil {
			db.logger.Warn("failed to release advisory lock", "lock_id", lockID, "error", unlockErr)
		}
	}()

	return fn(ctx)
}

// Lock IDs for the exclusive phases. Arbitrary but fixed so every process
// sharing this database agrees on their meaning.
const (
	LockSpineLoader     int64 = 0x5310_0001
	LockRegistryBuilder int64 = 0x5310_0002
)
