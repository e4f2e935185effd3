// Package store is the embedded Local Store behind the cache and the sync
// queue: a single SQLite database holding entity documents, nested-object
// references, pending operations, per-query watermarks and engine settings.
//
// The database is opened with one connection (sole-writer pattern), so every
// Update runs alone and a View never observes a half-written transaction.
// Callers must not start a transaction from inside another one.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// DB is the Local Store handle. Safe for concurrent use.
type DB struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
}

// Open opens (creating if needed) the SQLite database at path and applies
// migrations. WAL mode with synchronous=FULL keeps committed transactions
// durable across crashes.
func Open(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"+
			"&_pragma=journal_size_limit(67108864)",
		path,
	)

	if path == MemoryPath {
		dsn = "file::memory:?_pragma=foreign_keys(ON)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening database %s: %w", path, err)
	}

	// Sole-writer pattern: one connection serializes every transaction.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("local store opened", slog.String("db_path", path))

	return &DB{db: db, logger: logger, nowFunc: time.Now}, nil
}

// Close releases the database.
func (d *DB) Close() error {
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("store: closing database: %w", err)
	}

	return nil
}

// SetNowFunc replaces the clock used for saved_at and updated_at columns.
func (d *DB) SetNowFunc(fn func() time.Time) {
	d.nowFunc = fn
}

// Update runs fn inside one write transaction. fn's error (or a panic)
// rolls everything back; otherwise the transaction commits.
func (d *DB) Update(ctx context.Context, fn func(tx *Tx) error) error {
	return d.withTx(ctx, fn)
}

// View runs fn inside a transaction that is always rolled back. Use it for
// multi-statement reads that need a consistent snapshot.
func (d *DB) View(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: beginning read transaction: %w", err)
	}
	defer sqlTx.Rollback()

	return fn(&Tx{tx: sqlTx, ctx: ctx, now: d.nowFunc()})
}

func (d *DB) withTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: beginning transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{tx: sqlTx, ctx: ctx, now: d.nowFunc()}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("store: committing transaction: %w", err)
	}

	return nil
}

// Tx is one open transaction. It is only valid inside the Update or View
// callback that produced it.
type Tx struct {
	tx  *sql.Tx
	ctx context.Context
	now time.Time
}

// Now is the clock reading taken when the transaction began.
func (t *Tx) Now() time.Time {
	return t.now
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}

	return sql.NullString{String: s, Valid: true}
}
