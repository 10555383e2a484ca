package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/hyperengineering/tether/internal/clock"
	_ "modernc.org/sqlite"
)

// timeFormat is fixed-width so that TEXT comparisons order timestamps
// correctly (RFC3339Nano trims trailing zeros).
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// bookkeepingTables are owned by the sync subsystem and never treated as
// domain tables.
var bookkeepingTables = map[string]bool{
	"schema_versions":   true,
	"migration_records": true,
	"outbox_events":     true,
	"conflict_records":  true,
	"cache_entries":     true,
	"row_versions":      true,
	"sync_meta":         true,
	"goose_db_version":  true,
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// execContext is satisfied by both *sql.DB and *sql.Tx.
type execContext interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// queryContext is satisfied by both *sql.DB and *sql.Tx.
type queryContext interface {
	execContext
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore is the embedded local store of one tenant.
type SQLiteStore struct {
	db       *sql.DB
	path     string
	tenantID string
	clock    clock.Clock
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithClock sets the clock used for timestamps. Defaults to clock.Real.
func WithClock(c clock.Clock) Option {
	return func(s *SQLiteStore) { s.clock = c }
}

// WithTenant sets the tenant the store belongs to. Domain rows materialized
// locally get this value in their tenant_id column when the payload omits it.
func WithTenant(tenantID string) Option {
	return func(s *SQLiteStore) { s.tenantID = tenantID }
}

// NewSQLiteStore creates a new SQLiteStore instance.
// It initializes the database with WAL mode, applies pragmas, and runs migrations.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	// Ensure parent directory exists
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection: the engine is the single writer, pragmas are
	// per-connection and :memory: databases are per-connection too.
	db.SetMaxOpenConns(1)

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &SQLiteStore{db: db, path: dbPath, clock: clock.Real{}}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// enablePragmas sets SQLite pragmas for optimal performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// TenantID returns the tenant the store belongs to.
func (s *SQLiteStore) TenantID() string {
	return s.tenantID
}

// Now returns the store clock's current time.
func (s *SQLiteStore) Now() time.Time {
	return s.clock.Now()
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return storageErr("ping", s.db.PingContext(ctx))
}

// withTx runs fn inside a transaction, committing when fn returns nil.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ValidIdentifier reports whether name can be used as a table or column
// name in generated SQL.
func ValidIdentifier(name string) bool {
	return identPattern.MatchString(name)
}

// quoteIdent quotes a validated identifier.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullableTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func parseNullableInt(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nullablePayload(p []byte) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
