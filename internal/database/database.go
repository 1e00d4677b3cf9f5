// Package database stores users and slots in SQLite or PostgreSQL.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	_ "github.com/mattn/go-sqlite3"    // sqlite3 driver
	"github.com/rs/zerolog"
)

// Dialect selects SQL flavour differences.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

// DB wraps sql.DB with the dialect and a clock.
type DB struct {
	*sql.DB
	dialect Dialect
	now     func() time.Time
	logger  zerolog.Logger
}

// Option configures DB.
type Option func(*DB)

// WithClock overrides time.Now for timestamps written by the store.
func WithClock(now func() time.Time) Option {
	return func(db *DB) { db.now = now }
}

// Open connects to driver ("sqlite" or "postgres") and runs migrations.
func Open(ctx context.Context, driver, path, dsn string, logger zerolog.Logger, opts ...Option) (*DB, error) {
	switch driver {
	case "", "sqlite":
		return NewSQLite(ctx, path, logger, opts...)
	case "postgres":
		return NewPostgres(ctx, dsn, logger, opts...)
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
}

// NewSQLite opens the database file at path.
func NewSQLite(ctx context.Context, path string, logger zerolog.Logger, opts ...Option) (*DB, error) {
	// WAL for concurrent readers; immediate transactions so writers queue on busy_timeout.
	dsn := path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_txlock=immediate"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(time.Hour)

	return initDB(ctx, conn, SQLite, path, logger, opts)
}

// NewPostgres opens a PostgreSQL database through the pgx stdlib driver.
func NewPostgres(ctx context.Context, dsn string, logger zerolog.Logger, opts ...Option) (*DB, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	conn.SetMaxOpenConns(20)
	conn.SetConnMaxLifetime(time.Hour)

	return initDB(ctx, conn, Postgres, "postgres", logger, opts)
}

func initDB(ctx context.Context, conn *sql.DB, dialect Dialect, target string, logger zerolog.Logger, opts []Option) (*DB, error) {
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	db := &DB{
		DB:      conn,
		dialect: dialect,
		now:     time.Now,
		logger:  logger.With().Str("component", "database").Logger(),
	}
	for _, opt := range opts {
		opt(db)
	}

	if err := db.createTables(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	db.logger.Info().Str("dialect", dialect.String()).Str("target", target).Msg("Database initialized")
	return db, nil
}

// Dialect returns the SQL flavour in use.
func (db *DB) Dialect() Dialect {
	return db.dialect
}

func (db *DB) createTables(ctx context.Context) error {
	queries := sqliteSchema
	if db.dialect == Postgres {
		queries = postgresSchema
	}
	for _, q := range queries {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("exec migration %s: %w", trimSQL(q), err)
		}
	}
	return nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		seq_id INTEGER PRIMARY KEY AUTOINCREMENT,
		telegram_id INTEGER UNIQUE NOT NULL,
		username TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		services TEXT NOT NULL DEFAULT '{}',
		is_master BOOLEAN NOT NULL DEFAULT FALSE,
		is_admin BOOLEAN NOT NULL DEFAULT FALSE,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		state TEXT NOT NULL DEFAULT '',
		context TEXT NOT NULL DEFAULT '{}',
		last_activity_at DATETIME,
		flood_count INTEGER NOT NULL DEFAULT 0,
		flood_at DATETIME,
		non_recognized_count INTEGER NOT NULL DEFAULT 0,
		non_recognized_at DATETIME,
		ban_count INTEGER NOT NULL DEFAULT 0,
		banned_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS slots (
		id TEXT PRIMARY KEY,
		master_id INTEGER NOT NULL,
		client_id INTEGER,
		starts_at DATETIME NOT NULL,
		service TEXT NOT NULL DEFAULT '',
		is_reserved BOOLEAN NOT NULL DEFAULT FALSE,
		notifications INTEGER NOT NULL DEFAULT 0,
		notified_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (master_id, starts_at)
	)`,

	`CREATE TABLE IF NOT EXISTS master_services (
		master_id INTEGER NOT NULL,
		service TEXT NOT NULL,
		sub_service TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (master_id, service, sub_service)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_slots_client ON slots(client_id, starts_at)`,
	`CREATE INDEX IF NOT EXISTS idx_slots_reserved ON slots(is_reserved, starts_at)`,
	`CREATE INDEX IF NOT EXISTS idx_users_masters ON users(is_master, is_active, seq_id)`,
	`CREATE INDEX IF NOT EXISTS idx_master_services_lookup ON master_services(service, sub_service)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		seq_id BIGSERIAL PRIMARY KEY,
		telegram_id BIGINT UNIQUE NOT NULL,
		username TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		services TEXT NOT NULL DEFAULT '{}',
		is_master BOOLEAN NOT NULL DEFAULT FALSE,
		is_admin BOOLEAN NOT NULL DEFAULT FALSE,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		state TEXT NOT NULL DEFAULT '',
		context TEXT NOT NULL DEFAULT '{}',
		last_activity_at TIMESTAMPTZ,
		flood_count INTEGER NOT NULL DEFAULT 0,
		flood_at TIMESTAMPTZ,
		non_recognized_count INTEGER NOT NULL DEFAULT 0,
		non_recognized_at TIMESTAMPTZ,
		ban_count INTEGER NOT NULL DEFAULT 0,
		banned_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS slots (
		id TEXT PRIMARY KEY,
		master_id BIGINT NOT NULL,
		client_id BIGINT,
		starts_at TIMESTAMPTZ NOT NULL,
		service TEXT NOT NULL DEFAULT '',
		is_reserved BOOLEAN NOT NULL DEFAULT FALSE,
		notifications INTEGER NOT NULL DEFAULT 0,
		notified_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (master_id, starts_at)
	)`,

	`CREATE TABLE IF NOT EXISTS master_services (
		master_id BIGINT NOT NULL,
		service TEXT NOT NULL,
		sub_service TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (master_id, service, sub_service)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_slots_client ON slots(client_id, starts_at)`,
	`CREATE INDEX IF NOT EXISTS idx_slots_reserved ON slots(is_reserved, starts_at)`,
	`CREATE INDEX IF NOT EXISTS idx_users_masters ON users(is_master, is_active, seq_id)`,
	`CREATE INDEX IF NOT EXISTS idx_master_services_lookup ON master_services(service, sub_service)`,
}

func trimSQL(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 60 {
		return s[:60] + "..."
	}
	return s
}

// rebind converts ? placeholders to $n for PostgreSQL.
func (db *DB) rebind(q string) string {
	if db.dialect != Postgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (db *DB) exec(ctx context.Context, q querier, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, db.rebind(query), args...)
}

func (db *DB) query(ctx context.Context, q querier, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, db.rebind(query), args...)
}

func (db *DB) queryRow(ctx context.Context, q querier, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, db.rebind(query), args...)
}

// inTx runs fn in a transaction; any error rolls it back.
func (db *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// utc normalizes times before they are bound. SQLite compares stored
// timestamps as text, so every value must share one zone.
func utc(t time.Time) time.Time {
	return t.UTC()
}

// slotTime normalizes slot datetimes to whole seconds in UTC.
func slotTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: utc(t), Valid: true}
}

func fromNullTime(nt sql.NullTime) time.Time {
	if !nt.Valid {
		return time.Time{}
	}
	return nt.Time.UTC()
}
