package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	tethersync "github.com/hyperengineering/tether/internal/sync"
	"github.com/hyperengineering/tether/internal/types"
)

// CurrentSchemaVersion returns the schema version the local store conforms
// to, or ErrNotFound when the store was never bootstrapped.
func (s *SQLiteStore) CurrentSchemaVersion(ctx context.Context) (*types.SchemaVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT version, canonical_fingerprint, applied_at, is_current
		FROM schema_versions WHERE is_current = 1
	`)
	v, err := scanSchemaVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get current schema version", err)
	}
	return v, nil
}

// ListSchemaVersions returns every version ever recorded, oldest first.
func (s *SQLiteStore) ListSchemaVersions(ctx context.Context) ([]types.SchemaVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, canonical_fingerprint, applied_at, is_current
		FROM schema_versions ORDER BY applied_at ASC, version ASC
	`)
	if err != nil {
		return nil, storageErr("list schema versions", err)
	}
	defer rows.Close()

	var versions []types.SchemaVersion
	for rows.Next() {
		v, err := scanSchemaVersion(rows)
		if err != nil {
			return nil, storageErr("scan schema version", err)
		}
		versions = append(versions, *v)
	}
	return versions, storageErr("iterate schema versions", rows.Err())
}

func scanSchemaVersion(scanner interface{ Scan(...any) error }) (*types.SchemaVersion, error) {
	var v types.SchemaVersion
	var appliedAt string
	var current int
	if err := scanner.Scan(&v.Version, &v.CanonicalFingerprint, &appliedAt, &current); err != nil {
		return nil, err
	}
	v.AppliedAt = parseTime(appliedAt)
	v.Current = current == 1
	return &v, nil
}

// recordSchemaVersionTx supersedes the current version with a new one.
// Older rows are kept.
func recordSchemaVersionTx(ctx context.Context, tx *sql.Tx, version, fingerprint string, at time.Time) error {
	if _, err := tx.ExecContext(ctx, `UPDATE schema_versions SET is_current = 0 WHERE is_current = 1`); err != nil {
		return fmt.Errorf("clear current schema version: %w", err)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO schema_versions (version, canonical_fingerprint, applied_at, is_current)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(version) DO UPDATE SET
			canonical_fingerprint = excluded.canonical_fingerprint,
			applied_at = excluded.applied_at,
			is_current = 1
	`, version, fingerprint, formatTime(at))
	if err != nil {
		return fmt.Errorf("insert schema version: %w", err)
	}
	return nil
}

// PutMigrationRecord stores a migration record. Storing the same record twice
// is a no-op; storing different content under an existing version fails with
// ErrMigrationImmutable.
func (s *SQLiteStore) PutMigrationRecord(ctx context.Context, rec types.MigrationRecord) error {
	return storageErr("put migration record", putMigrationRecordTx(ctx, s.db, rec, s.clock.Now()))
}

func putMigrationRecordTx(ctx context.Context, q queryContext, rec types.MigrationRecord, now time.Time) error {
	var from, to, forward, rollback string
	err := q.QueryRowContext(ctx, `
		SELECT from_fingerprint, to_fingerprint, forward_script, rollback_script
		FROM migration_records WHERE version = ?
	`, rec.Version).Scan(&from, &to, &forward, &rollback)
	switch {
	case err == nil:
		if from != rec.FromFingerprint || to != rec.ToFingerprint || forward != rec.ForwardScript || rollback != rec.RollbackScript {
			return fmt.Errorf("migration %s: %w", rec.Version, ErrMigrationImmutable)
		}
		return nil
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("lookup migration record: %w", err)
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO migration_records (version, from_fingerprint, to_fingerprint, forward_script, rollback_script, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.Version, rec.FromFingerprint, rec.ToFingerprint, rec.ForwardScript, rec.RollbackScript, formatTime(createdAt))
	if err != nil {
		return fmt.Errorf("insert migration record: %w", err)
	}
	return nil
}

// ListMigrationRecords returns all stored migration records ordered by version.
func (s *SQLiteStore) ListMigrationRecords(ctx context.Context) ([]types.MigrationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, from_fingerprint, to_fingerprint, forward_script, rollback_script, created_at, applied_at
		FROM migration_records ORDER BY version ASC
	`)
	if err != nil {
		return nil, storageErr("list migration records", err)
	}
	defer rows.Close()

	var records []types.MigrationRecord
	for rows.Next() {
		var rec types.MigrationRecord
		var createdAt string
		var appliedAt sql.NullString
		if err := rows.Scan(&rec.Version, &rec.FromFingerprint, &rec.ToFingerprint,
			&rec.ForwardScript, &rec.RollbackScript, &createdAt, &appliedAt); err != nil {
			return nil, storageErr("scan migration record", err)
		}
		rec.CreatedAt = parseTime(createdAt)
		rec.AppliedAt = parseNullableTime(appliedAt)
		records = append(records, rec)
	}
	return records, storageErr("iterate migration records", rows.Err())
}

// ApplyMigrations runs the forward scripts of chain in order and records the
// target as the current schema version, all in one transaction. Records in
// chain that are not yet stored are stored first. Nothing is applied if any
// script fails.
func (s *SQLiteStore) ApplyMigrations(ctx context.Context, chain []types.MigrationRecord, version, fingerprint string) error {
	now := s.clock.Now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range chain {
			if err := putMigrationRecordTx(ctx, tx, rec, now); err != nil {
				return err
			}
			var appliedAt sql.NullString
			if err := tx.QueryRowContext(ctx, `SELECT applied_at FROM migration_records WHERE version = ?`, rec.Version).Scan(&appliedAt); err != nil {
				return fmt.Errorf("lookup migration %s: %w", rec.Version, err)
			}
			if appliedAt.Valid {
				return fmt.Errorf("migration %s already applied: %w", rec.Version, ErrMigrationImmutable)
			}
			if strings.TrimSpace(rec.ForwardScript) != "" {
				if _, err := tx.ExecContext(ctx, rec.ForwardScript); err != nil {
					return fmt.Errorf("apply migration %s: %w", rec.Version, err)
				}
			}
			if _, err := tx.ExecContext(ctx, `UPDATE migration_records SET applied_at = ? WHERE version = ?`,
				formatTime(now), rec.Version); err != nil {
				return fmt.Errorf("mark migration %s applied: %w", rec.Version, err)
			}
		}
		return recordSchemaVersionTx(ctx, tx, version, fingerprint, now)
	})
	return storageErr("apply migrations", err)
}

// Bootstrap creates the canonical domain tables on an uninitialized store and
// records its first schema version.
func (s *SQLiteStore) Bootstrap(ctx context.Context, version, fingerprint string, tables []tethersync.TableDef) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range tables {
			stmt, err := CreateTableSQL(table)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("create table %s: %w", table.Name, err)
			}
		}
		return recordSchemaVersionTx(ctx, tx, version, fingerprint, s.clock.Now())
	})
	return storageErr("bootstrap schema", err)
}

// Rebuild drops every domain table and recreates the canonical ones, resets
// the pull cursor, forgets known row versions and purges the cache. The
// outbox and conflict records are kept. Used by an explicit full resync.
func (s *SQLiteStore) Rebuild(ctx context.Context, version, fingerprint string, tables []tethersync.TableDef) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := domainTables(ctx, tx)
		if err != nil {
			return err
		}
		for _, name := range existing {
			if _, err := tx.ExecContext(ctx, "DROP TABLE "+quoteIdent(name)); err != nil {
				return fmt.Errorf("drop table %s: %w", name, err)
			}
		}
		for _, table := range tables {
			stmt, err := CreateTableSQL(table)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("create table %s: %w", table.Name, err)
			}
		}
		for _, stmt := range []string{
			`DELETE FROM row_versions`,
			`DELETE FROM cache_entries`,
		} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("reset local state: %w", err)
			}
		}
		if err := setMetaTx(ctx, tx, tethersync.SyncMetaPullCursor, "0"); err != nil {
			return err
		}
		return recordSchemaVersionTx(ctx, tx, version, fingerprint, s.clock.Now())
	})
	return storageErr("rebuild schema", err)
}

// CreateTableSQL renders a CREATE TABLE IF NOT EXISTS statement for def.
func CreateTableSQL(def tethersync.TableDef) (string, error) {
	if !ValidIdentifier(def.Name) {
		return "", fmt.Errorf("invalid table name %q", def.Name)
	}
	if bookkeepingTables[def.Name] {
		return "", fmt.Errorf("table name %q is reserved", def.Name)
	}
	if len(def.Columns) == 0 {
		return "", fmt.Errorf("table %s has no columns", def.Name)
	}
	cols := make([]string, 0, len(def.Columns))
	for _, col := range def.Columns {
		clause, err := ColumnSQL(col)
		if err != nil {
			return "", fmt.Errorf("table %s: %w", def.Name, err)
		}
		cols = append(cols, clause)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(def.Name), strings.Join(cols, ", ")), nil
}

// ColumnSQL renders a column definition clause.
func ColumnSQL(col tethersync.ColumnDef) (string, error) {
	if !ValidIdentifier(col.Name) {
		return "", fmt.Errorf("invalid column name %q", col.Name)
	}
	typ := strings.ToUpper(strings.TrimSpace(col.Type))
	if typ != "" && !ValidIdentifier(typ) {
		return "", fmt.Errorf("invalid column type %q", col.Type)
	}
	clause := quoteIdent(col.Name)
	if typ != "" {
		clause += " " + typ
	}
	if col.PrimaryKey {
		clause += " PRIMARY KEY"
	}
	if col.NotNull {
		clause += " NOT NULL"
	}
	return clause, nil
}

// DomainTables lists the tables the local store holds for domain data.
func (s *SQLiteStore) DomainTables(ctx context.Context) ([]string, error) {
	tables, err := domainTables(ctx, s.db)
	return tables, storageErr("list domain tables", err)
}

func domainTables(ctx context.Context, q queryContext) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		if !bookkeepingTables[name] {
			names = append(names, name)
		}
	}
	return names, rows.Err()
}

// TableColumns describes the columns of a local table. A missing table
// yields ErrUnknownTable.
func (s *SQLiteStore) TableColumns(ctx context.Context, table string) ([]types.ColumnInfo, error) {
	cols, err := tableColumns(ctx, s.db, table)
	return cols, storageErr("describe table", err)
}

func tableColumns(ctx context.Context, q queryContext, table string) ([]types.ColumnInfo, error) {
	if !ValidIdentifier(table) {
		return nil, fmt.Errorf("table %q: %w", table, ErrUnknownTable)
	}
	rows, err := q.QueryContext(ctx, "PRAGMA table_info("+quoteIdent(table)+")")
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	var cols []types.ColumnInfo
	for rows.Next() {
		var (
			cid     int
			col     types.ColumnInfo
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &col.Name, &col.Type, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan table info: %w", err)
		}
		col.NotNull = notNull == 1
		col.PrimaryKey = pk > 0
		cols = append(cols, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate table info: %w", err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %q: %w", table, ErrUnknownTable)
	}
	return cols, nil
}
