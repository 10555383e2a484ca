package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/hyperengineering/tether/internal/store"
	tethersync "github.com/hyperengineering/tether/internal/sync"
	"github.com/hyperengineering/tether/internal/types"
)

// Target is the canonical schema the local store should conform to.
type Target struct {
	Version     string
	Fingerprint string
	Tables      []tethersync.TableDef
	// Migrations are server-published records that may bridge fingerprints.
	Migrations []tethersync.MigrationScript
}

// TargetFromResponse converts the server's schema description.
func TargetFromResponse(resp *tethersync.SchemaResponse) Target {
	return Target{
		Version:     resp.Version,
		Fingerprint: resp.Fingerprint,
		Tables:      resp.Tables,
		Migrations:  resp.Migrations,
	}
}

// Result describes what Reconcile did.
type Result struct {
	Applied         bool
	FromFingerprint string
	ToFingerprint   string
	Migrations      []string
	Synthesized     bool
}

// Applier moves the local store forward to a target schema.
type Applier struct {
	registry *Registry
	store    Store
	logger   *slog.Logger
}

// NewApplier creates an Applier.
func NewApplier(r *Registry, s Store, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{registry: r, store: s, logger: logger}
}

// Reconcile brings the local store to target. Equal fingerprints are a
// no-op. Otherwise a chain of unapplied migration records from the local
// fingerprint to the target is applied; failing that, an additive migration
// is synthesized from the target tables. All structural changes and the new
// schema version commit in one transaction. When neither works the result is
// ErrUnbridgeable.
func (a *Applier) Reconcile(ctx context.Context, target Target) (*Result, error) {
	current, err := a.registry.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}

	result := &Result{FromFingerprint: current.CanonicalFingerprint, ToFingerprint: target.Fingerprint}
	if current.CanonicalFingerprint == target.Fingerprint {
		return result, nil
	}

	for _, m := range target.Migrations {
		rec := types.MigrationRecord{
			Version:         m.Version,
			FromFingerprint: m.FromFingerprint,
			ToFingerprint:   m.ToFingerprint,
			ForwardScript:   m.Forward,
			RollbackScript:  m.Rollback,
		}
		if err := a.store.PutMigrationRecord(ctx, rec); err != nil {
			if errors.Is(err, store.ErrMigrationImmutable) {
				a.logger.Warn("server migration differs from stored record",
					"component", "schema",
					"action", "migration_ignored",
					"version", m.Version,
				)
				continue
			}
			return nil, fmt.Errorf("store migration record: %w", err)
		}
	}

	records, err := a.store.ListMigrationRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("list migration records: %w", err)
	}

	chain := findChain(records, current.CanonicalFingerprint, target.Fingerprint)
	if chain == nil {
		synthesized, err := a.synthesize(ctx, current.CanonicalFingerprint, target)
		if err != nil {
			return nil, err
		}
		if synthesized == nil {
			a.logger.Error("no migration path to canonical schema",
				"component", "schema",
				"action", "unbridgeable",
				"from", current.CanonicalFingerprint,
				"to", target.Fingerprint,
			)
			return nil, fmt.Errorf("%w: no migration from %s to %s", ErrUnbridgeable, current.CanonicalFingerprint, target.Fingerprint)
		}
		chain = []types.MigrationRecord{*synthesized}
		result.Synthesized = true
	}

	if err := a.store.ApplyMigrations(ctx, chain, target.Version, target.Fingerprint); err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	result.Applied = true
	for _, rec := range chain {
		result.Migrations = append(result.Migrations, rec.Version)
	}
	a.logger.Info("schema migrated",
		"component", "schema",
		"action", "migration_applied",
		"from", result.FromFingerprint,
		"to", result.ToFingerprint,
		"version", target.Version,
		"migrations", len(chain),
		"synthesized", result.Synthesized,
	)
	return result, nil
}

// Bootstrap initializes an empty store with the target tables.
func (a *Applier) Bootstrap(ctx context.Context, target Target) error {
	if err := a.store.Bootstrap(ctx, target.Version, target.Fingerprint, target.Tables); err != nil {
		return fmt.Errorf("bootstrap schema: %w", err)
	}
	a.logger.Info("schema bootstrapped",
		"component", "schema",
		"action", "bootstrap",
		"version", target.Version,
		"fingerprint", target.Fingerprint,
		"tables", len(target.Tables),
	)
	return nil
}

// Rebuild discards local domain tables and recreates them from target. Only
// for an explicit full resync.
func (a *Applier) Rebuild(ctx context.Context, target Target) error {
	if len(target.Tables) == 0 {
		return fmt.Errorf("rebuild schema: target %s has no tables", target.Version)
	}
	if err := a.store.Rebuild(ctx, target.Version, target.Fingerprint, target.Tables); err != nil {
		return fmt.Errorf("rebuild schema: %w", err)
	}
	a.logger.Warn("local schema rebuilt",
		"component", "schema",
		"action", "rebuild",
		"version", target.Version,
		"fingerprint", target.Fingerprint,
	)
	return nil
}

// findChain returns the shortest sequence of unapplied records leading from
// one fingerprint to another, or nil. Ties resolve by version order.
func findChain(records []types.MigrationRecord, from, to string) []types.MigrationRecord {
	edges := make(map[string][]types.MigrationRecord)
	for _, rec := range records {
		if rec.AppliedAt != nil {
			continue
		}
		edges[rec.FromFingerprint] = append(edges[rec.FromFingerprint], rec)
	}
	for fp := range edges {
		sort.Slice(edges[fp], func(i, j int) bool { return edges[fp][i].Version < edges[fp][j].Version })
	}

	type node struct {
		fingerprint string
		path        []types.MigrationRecord
	}
	visited := map[string]bool{from: true}
	queue := []node{{fingerprint: from}}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, rec := range edges[n.fingerprint] {
			if visited[rec.ToFingerprint] {
				continue
			}
			path := append(append([]types.MigrationRecord{}, n.path...), rec)
			if rec.ToFingerprint == to {
				return path
			}
			visited[rec.ToFingerprint] = true
			queue = append(queue, node{fingerprint: rec.ToFingerprint, path: path})
		}
	}
	return nil
}

// synthesize builds a migration record that adds the tables and nullable
// columns target has and the local store lacks. It returns nil when target
// describes no tables or the difference is not purely additive.
func (a *Applier) synthesize(ctx context.Context, from string, target Target) (*types.MigrationRecord, error) {
	if len(target.Tables) == 0 {
		return nil, nil
	}

	local, err := a.store.DomainTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("list local tables: %w", err)
	}
	wanted := make(map[string]bool, len(target.Tables))
	for _, t := range target.Tables {
		wanted[t.Name] = true
	}
	for _, name := range local {
		if !wanted[name] {
			return nil, nil
		}
	}

	var forward, rollback []string
	for _, table := range target.Tables {
		cols, err := a.store.TableColumns(ctx, table.Name)
		if errors.Is(err, store.ErrUnknownTable) {
			stmt, err := store.CreateTableSQL(table)
			if err != nil {
				return nil, nil
			}
			forward = append(forward, stmt+";")
			rollback = append([]string{fmt.Sprintf("DROP TABLE %q;", table.Name)}, rollback...)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("describe table %s: %w", table.Name, err)
		}

		have := make(map[string]types.ColumnInfo, len(cols))
		for _, c := range cols {
			have[c.Name] = c
		}
		for _, col := range table.Columns {
			existing, ok := have[col.Name]
			if ok {
				if !strings.EqualFold(existing.Type, col.Type) || existing.PrimaryKey != col.PrimaryKey {
					return nil, nil
				}
				delete(have, col.Name)
				continue
			}
			if col.NotNull || col.PrimaryKey {
				return nil, nil
			}
			clause, err := store.ColumnSQL(col)
			if err != nil {
				return nil, nil
			}
			forward = append(forward, fmt.Sprintf("ALTER TABLE %q ADD COLUMN %s;", table.Name, clause))
			rollback = append([]string{fmt.Sprintf("ALTER TABLE %q DROP COLUMN %q;", table.Name, col.Name)}, rollback...)
		}
		if len(have) > 0 {
			// Dropping local columns loses data.
			return nil, nil
		}
	}

	return &types.MigrationRecord{
		Version:         target.Version + "-local",
		FromFingerprint: from,
		ToFingerprint:   target.Fingerprint,
		ForwardScript:   strings.Join(forward, "\n"),
		RollbackScript:  strings.Join(rollback, "\n"),
	}, nil
}
