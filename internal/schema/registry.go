// Package schema keeps the local store structurally compatible with the
// canonical schema: it records which canonical version the store conforms to,
// finds or synthesizes forward migrations, and validates conformity.
package schema

import (
	"context"
	"errors"
	"fmt"

	"github.com/hyperengineering/tether/internal/store"
	tethersync "github.com/hyperengineering/tether/internal/sync"
	"github.com/hyperengineering/tether/internal/types"
)

// Store is the persistence the registry and applier need.
type Store interface {
	CurrentSchemaVersion(ctx context.Context) (*types.SchemaVersion, error)
	ListSchemaVersions(ctx context.Context) ([]types.SchemaVersion, error)
	ListMigrationRecords(ctx context.Context) ([]types.MigrationRecord, error)
	PutMigrationRecord(ctx context.Context, rec types.MigrationRecord) error
	ApplyMigrations(ctx context.Context, chain []types.MigrationRecord, version, fingerprint string) error
	Bootstrap(ctx context.Context, version, fingerprint string, tables []tethersync.TableDef) error
	Rebuild(ctx context.Context, version, fingerprint string, tables []tethersync.TableDef) error
	DomainTables(ctx context.Context) ([]string, error)
	TableColumns(ctx context.Context, table string) ([]types.ColumnInfo, error)
}

// Registry reports the canonical schema version the local store conforms to.
type Registry struct {
	store Store
}

// NewRegistry creates a Registry over s.
func NewRegistry(s Store) *Registry {
	return &Registry{store: s}
}

// CurrentVersion returns the current schema version, or ErrUninitialized.
func (r *Registry) CurrentVersion(ctx context.Context) (*types.SchemaVersion, error) {
	v, err := r.store.CurrentSchemaVersion(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUninitialized
	}
	if err != nil {
		return nil, fmt.Errorf("get current schema version: %w", err)
	}
	return v, nil
}

// Initialized reports whether the store has been bootstrapped.
func (r *Registry) Initialized(ctx context.Context) (bool, error) {
	_, err := r.CurrentVersion(ctx)
	if errors.Is(err, ErrUninitialized) {
		return false, nil
	}
	return err == nil, err
}

// History returns every version the store has conformed to, oldest first.
func (r *Registry) History(ctx context.Context) ([]types.SchemaVersion, error) {
	return r.store.ListSchemaVersions(ctx)
}
