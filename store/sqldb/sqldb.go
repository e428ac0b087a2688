/*
Package sqldb provides the SQL-backed implementation of the engine's storage.

PURPOSE:
  Implements core.Store plus the user and scan records the tracker needs,
  on SQLite (default, file or ":memory:") or PostgreSQL. Queries are written
  with "?" placeholders and rebound per driver by sqlx.

INTERFACES IMPLEMENTED:
  core.UserLister, core.PreferenceStore, core.DayStore, core.LedgerStore

WRITE SEMANTICS:
  preference_history: append-only, no UPDATE, no DELETE
  daily_limits:       INSERT ... ON CONFLICT DO NOTHING, never rewritten
  daily_intake:       col = col + ? increments, never overwritten
  red_flags:          counter increments
  points_ledger:      append-only
  leaderboard:        single-statement upsert inside the ledger append tx

UNITS:
  Day accumulators and limits are INTEGER milligrams so increments are exact
  integer additions in SQL. Per-100 snapshots on scans keep their decimal
  text form.

KEY TABLES:
  users, preference_history, daily_limits, daily_intake, red_flags,
  streak_history, points_ledger, leaderboard, scans

CONCURRENCY:
  SQLite is opened with a single connection, which serializes writers.
  PostgreSQL relies on row-level locking of the upsert and increment
  statements.

USAGE:
  store, err := sqldb.New(":memory:")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - core/store.go: Interface definitions
  - core/store/memory.go: In-memory implementation for engine tests
*/
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/intake-engine/core"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements all storage interfaces on a SQL database.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ core.Store = (*Store)(nil)

// New opens a SQLite database at path. Use ":memory:" for an in-memory database.
func New(path string) (*Store, error) {
	return Open(DriverSQLite, path)
}

// Open connects to driver/dsn and migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite:
		dsn = sqliteDSN(dsn)
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// One connection: ":memory:" databases are per-connection, and SQLite
		// allows a single writer anyway.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, now: time.Now}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// NewWithDB wraps an already-open handle without migrating. driverName
// selects the placeholder style.
func NewWithDB(db *sql.DB, driverName string) *Store {
	return &Store{db: sqlx.NewDb(db, driverName), now: time.Now}
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_foreign_keys=on&_journal_mode=WAL"
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SetClock overrides the store's clock for created_at columns.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// WithTx executes fn within a database transaction. fn must only use tx.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// =============================================================================
// SCHEMA
// =============================================================================

// migrate creates the database schema. The statements are valid on both
// SQLite and PostgreSQL.
func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Append-only preference history
	CREATE TABLE IF NOT EXISTS preference_history (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		preference TEXT NOT NULL,
		effective_from TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_preference_history_user_from
		ON preference_history(user_id, effective_from);

	-- Immutable per-day limits with the preference snapshot that produced them
	CREATE TABLE IF NOT EXISTS daily_limits (
		user_id TEXT NOT NULL REFERENCES users(id),
		day TEXT NOT NULL,
		sugar_mg BIGINT NOT NULL,
		fat_mg BIGINT NOT NULL,
		sat_fat_mg BIGINT NOT NULL,
		salt_mg BIGINT NOT NULL,
		preference TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (user_id, day)
	);

	-- Increment-only accumulators
	CREATE TABLE IF NOT EXISTS daily_intake (
		user_id TEXT NOT NULL REFERENCES users(id),
		day TEXT NOT NULL,
		free_sugar_mg BIGINT NOT NULL DEFAULT 0,
		natural_sugar_mg BIGINT NOT NULL DEFAULT 0,
		fat_mg BIGINT NOT NULL DEFAULT 0,
		sat_fat_mg BIGINT NOT NULL DEFAULT 0,
		salt_mg BIGINT NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (user_id, day)
	);

	CREATE TABLE IF NOT EXISTS red_flags (
		user_id TEXT NOT NULL REFERENCES users(id),
		day TEXT NOT NULL,
		red_fat_items INTEGER NOT NULL DEFAULT 0,
		red_salt_items INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, day)
	);

	CREATE TABLE IF NOT EXISTS streak_history (
		user_id TEXT NOT NULL REFERENCES users(id),
		day TEXT NOT NULL,
		earned BOOLEAN NOT NULL DEFAULT FALSE,
		streak_count INTEGER NOT NULL DEFAULT 0,
		ended_reason TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (user_id, day)
	);

	-- Append-only points ledger; day is set for once-per-day events
	CREATE TABLE IF NOT EXISTS points_ledger (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		event_type TEXT NOT NULL,
		delta INTEGER NOT NULL,
		payload_json TEXT NOT NULL,
		day TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_points_ledger_user_type_day
		ON points_ledger(user_id, event_type, day);
	CREATE INDEX IF NOT EXISTS idx_points_ledger_user_created
		ON points_ledger(user_id, created_at);

	CREATE TABLE IF NOT EXISTS leaderboard (
		user_id TEXT PRIMARY KEY REFERENCES users(id),
		points INTEGER NOT NULL,
		reached_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_leaderboard_rank
		ON leaderboard(points DESC, reached_at ASC);

	-- Scan history with the trusted per-100 snapshot used at consumption time
	CREATE TABLE IF NOT EXISTS scans (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		source TEXT NOT NULL,
		confidence INTEGER NOT NULL,
		kind TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		barcode TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL DEFAULT '',
		sugar_g TEXT,
		fat_g TEXT,
		sat_fat_g TEXT,
		salt_g TEXT,
		grade_json TEXT,
		consumed BOOLEAN,
		consumed_at TEXT,
		quantity TEXT,
		unit TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_scans_user_created
		ON scans(user_id, created_at DESC);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

// toMilli converts grams to integer milligrams, rounding half away from zero.
func toMilli(g decimal.Decimal) int64 {
	return g.Shift(3).Round(0).IntPart()
}

func fromMilli(mg int64) decimal.Decimal {
	return decimal.New(mg, -3)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDecimalText(v decimal.NullDecimal) sql.NullString {
	if !v.Valid {
		return sql.NullString{}
	}
	return sql.NullString{String: v.Decimal.String(), Valid: true}
}

func parseNullDecimal(s sql.NullString) (decimal.NullDecimal, error) {
	if !s.Valid {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
