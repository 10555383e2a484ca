package schema

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/tether/internal/store"
	tethersync "github.com/hyperengineering/tether/internal/sync"
	"github.com/hyperengineering/tether/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var studentsV1 = tethersync.TableDef{
	Name: "students",
	Columns: []tethersync.ColumnDef{
		{Name: "id", Type: "TEXT", PrimaryKey: true},
		{Name: "tenant_id", Type: "TEXT"},
		{Name: "name", Type: "TEXT"},
	},
}

func studentsWith(cols ...tethersync.ColumnDef) tethersync.TableDef {
	t := tethersync.TableDef{Name: "students", Columns: append([]tethersync.ColumnDef{}, studentsV1.Columns...)}
	t.Columns = append(t.Columns, cols...)
	return t
}

func newTestApplier(t *testing.T) (*Applier, *Registry, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	reg := NewRegistry(s)
	return NewApplier(reg, s, slog.New(slog.NewTextHandler(io.Discard, nil))), reg, s
}

func bootstrapAt(t *testing.T, a *Applier, fingerprint string) {
	t.Helper()
	require.NoError(t, a.Bootstrap(context.Background(), Target{
		Version: "2026.01.01-" + fingerprint, Fingerprint: fingerprint, Tables: []tethersync.TableDef{studentsV1},
	}))
}

func TestRegistry_UninitializedStore(t *testing.T) {
	a, reg, _ := newTestApplier(t)
	ctx := context.Background()

	_, err := reg.CurrentVersion(ctx)
	assert.ErrorIs(t, err, ErrUninitialized)

	_, err = a.Reconcile(ctx, Target{Version: "v1", Fingerprint: "v1"})
	assert.ErrorIs(t, err, ErrUninitialized)
}

func TestReconcile_EqualFingerprintIsNoop(t *testing.T) {
	a, _, _ := newTestApplier(t)
	bootstrapAt(t, a, "v3")

	result, err := a.Reconcile(context.Background(), Target{Version: "again", Fingerprint: "v3"})

	require.NoError(t, err)
	assert.False(t, result.Applied)
}

func TestReconcile_UnbridgeableWithoutMigrationRecord(t *testing.T) {
	a, reg, _ := newTestApplier(t)
	ctx := context.Background()
	bootstrapAt(t, a, "v3")

	// When: the canonical schema is v5 and nothing bridges v3 to v5
	_, err := a.Reconcile(ctx, Target{Version: "2026.05.01-v5", Fingerprint: "v5"})

	// Then: reconcile fails and the store stays at v3
	assert.ErrorIs(t, err, ErrUnbridgeable)
	current, err := reg.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v3", current.CanonicalFingerprint)
}

func TestReconcile_AppliesChainOfServerMigrations(t *testing.T) {
	a, reg, s := newTestApplier(t)
	ctx := context.Background()
	bootstrapAt(t, a, "v3")

	// When: the server publishes v3->v4 and v4->v5 (plus an unrelated record)
	result, err := a.Reconcile(ctx, Target{
		Version:     "2026.05.01-v5",
		Fingerprint: "v5",
		Migrations: []tethersync.MigrationScript{
			{Version: "2026.04.01-v4", FromFingerprint: "v3", ToFingerprint: "v4", Forward: `ALTER TABLE students ADD COLUMN email TEXT;`},
			{Version: "2026.05.01-v5", FromFingerprint: "v4", ToFingerprint: "v5", Forward: `ALTER TABLE students ADD COLUMN phone TEXT;`},
			{Version: "2026.03.01-v2", FromFingerprint: "v1", ToFingerprint: "v2", Forward: `SELECT 1;`},
		},
	})

	// Then: both steps apply in order and v5 becomes current
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.Equal(t, []string{"2026.04.01-v4", "2026.05.01-v5"}, result.Migrations)

	current, err := reg.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v5", current.CanonicalFingerprint)

	cols, err := s.TableColumns(ctx, "students")
	require.NoError(t, err)
	assert.Len(t, cols, 5)

	history, err := reg.History(ctx)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestReconcile_FailedScriptLeavesStoreUntouched(t *testing.T) {
	a, reg, s := newTestApplier(t)
	ctx := context.Background()
	bootstrapAt(t, a, "v3")

	_, err := a.Reconcile(ctx, Target{
		Version:     "v5",
		Fingerprint: "v5",
		Migrations: []tethersync.MigrationScript{
			{Version: "m4", FromFingerprint: "v3", ToFingerprint: "v4", Forward: `ALTER TABLE students ADD COLUMN email TEXT;`},
			{Version: "m5", FromFingerprint: "v4", ToFingerprint: "v5", Forward: `ALTER TABLE nope ADD COLUMN x TEXT;`},
		},
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnbridgeable)

	current, err := reg.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v3", current.CanonicalFingerprint)
	cols, err := s.TableColumns(ctx, "students")
	require.NoError(t, err)
	assert.Len(t, cols, 3)
}

func TestReconcile_SynthesizesAdditiveMigration(t *testing.T) {
	a, reg, s := newTestApplier(t)
	ctx := context.Background()
	bootstrapAt(t, a, "v3")

	fees := tethersync.TableDef{Name: "fees", Columns: []tethersync.ColumnDef{
		{Name: "id", Type: "TEXT", PrimaryKey: true},
		{Name: "tenant_id", Type: "TEXT"},
		{Name: "amount", Type: "INTEGER"},
	}}
	result, err := a.Reconcile(ctx, Target{
		Version:     "2026.06.01-v6",
		Fingerprint: "v6",
		Tables:      []tethersync.TableDef{studentsWith(tethersync.ColumnDef{Name: "email", Type: "TEXT"}), fees},
	})

	require.NoError(t, err)
	assert.True(t, result.Synthesized)
	current, err := reg.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v6", current.CanonicalFingerprint)

	tables, err := s.DomainTables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"fees", "students"}, tables)

	records, err := s.ListMigrationRecords(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Contains(t, records[0].RollbackScript, "DROP TABLE")
}

func TestReconcile_NonAdditiveChangeIsUnbridgeable(t *testing.T) {
	a, _, _ := newTestApplier(t)
	ctx := context.Background()
	bootstrapAt(t, a, "v3")

	tests := []struct {
		name   string
		tables []tethersync.TableDef
	}{
		{"not null column", []tethersync.TableDef{studentsWith(tethersync.ColumnDef{Name: "dob", Type: "TEXT", NotNull: true})}},
		{"type change", []tethersync.TableDef{{Name: "students", Columns: []tethersync.ColumnDef{
			{Name: "id", Type: "TEXT", PrimaryKey: true}, {Name: "tenant_id", Type: "TEXT"}, {Name: "name", Type: "BLOB"},
		}}}},
		{"dropped column", []tethersync.TableDef{{Name: "students", Columns: []tethersync.ColumnDef{
			{Name: "id", Type: "TEXT", PrimaryKey: true}, {Name: "tenant_id", Type: "TEXT"},
		}}}},
		{"dropped table", []tethersync.TableDef{{Name: "fees", Columns: []tethersync.ColumnDef{{Name: "id", Type: "TEXT", PrimaryKey: true}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Reconcile(ctx, Target{Version: "v9", Fingerprint: "v9", Tables: tt.tables})
			assert.ErrorIs(t, err, ErrUnbridgeable)
		})
	}
}

func TestFindChain_PrefersShortestPath(t *testing.T) {
	applied := time.Now()
	records := []types.MigrationRecord{
		{Version: "1", FromFingerprint: "a", ToFingerprint: "b"},
		{Version: "2", FromFingerprint: "b", ToFingerprint: "c"},
		{Version: "3", FromFingerprint: "a", ToFingerprint: "c"},
		{Version: "4", FromFingerprint: "c", ToFingerprint: "d", AppliedAt: &applied},
	}

	chain := findChain(records, "a", "c")
	require.Len(t, chain, 1)
	assert.Equal(t, "3", chain[0].Version)

	assert.Nil(t, findChain(records, "a", "d"), "applied records are never reused")
	assert.Nil(t, findChain(records, "c", "a"))
}
