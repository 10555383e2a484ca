package multistore

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/hyperengineering/tether/internal/store"
)

const (
	dbFileName   = "tether.db"
	metaFileName = "meta.yaml"
)

// ManagedTenant wraps one tenant's SQLiteStore with metadata and access
// tracking.
type ManagedTenant struct {
	ID       string
	Store    *store.SQLiteStore
	Meta     *TenantMeta
	BasePath string // Directory containing this tenant's files

	mu        sync.Mutex
	metaDirty bool
}

// NewManagedTenant opens the tenant store found in basePath.
func NewManagedTenant(id, basePath string, opts ...store.Option) (*ManagedTenant, error) {
	meta, err := LoadTenantMeta(filepath.Join(basePath, metaFileName))
	if err != nil {
		return nil, fmt.Errorf("load tenant metadata: %w", err)
	}

	opts = append([]store.Option{store.WithTenant(id)}, opts...)
	st, err := store.NewSQLiteStore(filepath.Join(basePath, dbFileName), opts...)
	if err != nil {
		return nil, fmt.Errorf("open tenant database: %w", err)
	}

	return &ManagedTenant{
		ID:       id,
		Store:    st,
		Meta:     meta,
		BasePath: basePath,
	}, nil
}

// TouchAccessed updates the last_accessed timestamp. The change reaches
// disk on FlushMeta or Close.
func (m *ManagedTenant) TouchAccessed() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Meta.LastAccessed = time.Now().UTC()
	m.metaDirty = true
}

// FlushMeta saves metadata to disk if dirty.
func (m *ManagedTenant) FlushMeta() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.metaDirty {
		return nil
	}

	if err := SaveTenantMeta(filepath.Join(m.BasePath, metaFileName), m.Meta); err != nil {
		return err
	}

	m.metaDirty = false
	return nil
}

// Close closes the underlying store and flushes metadata.
func (m *ManagedTenant) Close() error {
	if err := m.FlushMeta(); err != nil {
		slog.Warn("failed to flush tenant metadata", "tenant_id", m.ID, "error", err)
	}
	return m.Store.Close()
}

// SchemaVersion returns the local schema version, or "" when the store was
// never bootstrapped.
func (m *ManagedTenant) SchemaVersion(ctx context.Context) string {
	v, err := m.Store.CurrentSchemaVersion(ctx)
	if err != nil {
		return ""
	}
	return v.Version
}
