package schema

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/hyperengineering/tether/internal/store"
	tethersync "github.com/hyperengineering/tether/internal/sync"
)

// DefaultTenantColumn marks a domain table as tenant-scoped.
const DefaultTenantColumn = "tenant_id"

// syncTables lists the bookkeeping columns sync cannot run without.
var syncTables = map[string][]string{
	"schema_versions":   {"version", "canonical_fingerprint", "is_current"},
	"migration_records": {"version", "from_fingerprint", "to_fingerprint", "forward_script"},
	"outbox_events":     {"id", "aggregate_type", "aggregate_id", "sequence_no", "status", "base_version"},
	"conflict_records":  {"id", "outbox_event_id", "kind", "resolution", "resolved_at"},
	"cache_entries":     {"key", "value", "size_bytes", "expires_at"},
	"row_versions":      {"aggregate_type", "aggregate_id", "version"},
	"sync_meta":         {"key", "value"},
}

// Requirements describes what the domain layer depends on.
type Requirements struct {
	// Tables and columns the domain layer reads or writes.
	Tables []tethersync.TableDef
	// TenantColumn must exist on every required table. Defaults to tenant_id.
	TenantColumn string
	// OptionalColumns are bookkeeping columns whose absence only warrants a
	// warning, e.g. updated_at or deleted_at.
	OptionalColumns []string
}

// Issue is one conformity finding.
type Issue struct {
	Table   string `json:"table"`
	Column  string `json:"column,omitempty"`
	Message string `json:"message"`
}

// Report lists blocking errors and non-blocking warnings.
type Report struct {
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

// OK reports whether no blocking error was found.
func (r *Report) OK() bool {
	return len(r.Errors) == 0
}

func (r *Report) errorf(table, column, format string, args ...any) {
	r.Errors = append(r.Errors, Issue{Table: table, Column: column, Message: fmt.Sprintf(format, args...)})
}

func (r *Report) warnf(table, column, format string, args ...any) {
	r.Warnings = append(r.Warnings, Issue{Table: table, Column: column, Message: fmt.Sprintf(format, args...)})
}

// ValidateConformity checks the local structure against req without
// modifying anything. Only storage failures are returned as errors; findings
// go in the report.
func (a *Applier) ValidateConformity(ctx context.Context, req Requirements) (*Report, error) {
	report := &Report{}
	tenantColumn := req.TenantColumn
	if tenantColumn == "" {
		tenantColumn = DefaultTenantColumn
	}

	if _, err := a.registry.CurrentVersion(ctx); err != nil {
		if !errors.Is(err, ErrUninitialized) {
			return nil, err
		}
		report.errorf("schema_versions", "", "store has no current schema version")
	}

	for _, table := range sortedKeys(syncTables) {
		have, err := a.columnSet(ctx, table)
		if err != nil {
			return nil, err
		}
		if have == nil {
			report.errorf(table, "", "sync table missing")
			continue
		}
		for _, col := range syncTables[table] {
			if !have[col] {
				report.errorf(table, col, "sync column missing")
			}
		}
	}

	for _, table := range req.Tables {
		have, err := a.columnSet(ctx, table.Name)
		if err != nil {
			return nil, err
		}
		if have == nil {
			report.errorf(table.Name, "", "required table missing")
			continue
		}
		for _, col := range table.Columns {
			if !have[col.Name] {
				report.errorf(table.Name, col.Name, "required column missing")
			}
		}
		if !have["id"] {
			report.errorf(table.Name, "id", "aggregate id column missing")
		}
		if !have[tenantColumn] {
			report.errorf(table.Name, tenantColumn, "tenant marker column missing")
		}
		for _, col := range req.OptionalColumns {
			if !have[col] {
				report.warnf(table.Name, col, "optional bookkeeping column missing")
			}
		}
	}

	return report, nil
}

// columnSet returns the column names of table, or nil if it does not exist.
func (a *Applier) columnSet(ctx context.Context, table string) (map[string]bool, error) {
	cols, err := a.store.TableColumns(ctx, table)
	if errors.Is(err, store.ErrUnknownTable) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("describe table %s: %w", table, err)
	}
	set := make(map[string]bool, len(cols))
	for _, c := range cols {
		set[c.Name] = true
	}
	return set, nil
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
