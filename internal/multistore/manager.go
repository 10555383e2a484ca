// Package multistore keeps one isolated local store per tenant under a
// common root directory, opened lazily and cached for the process lifetime.
package multistore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/hyperengineering/tether/internal/store"
)

// Manager manages per-tenant local stores with lazy loading.
type Manager struct {
	rootPath  string
	storeOpts []store.Option

	mu      sync.RWMutex
	tenants map[string]*ManagedTenant
}

// Option configures a Manager.
type Option func(*Manager)

// WithStoreOptions passes opts to every store the manager opens.
func WithStoreOptions(opts ...store.Option) Option {
	return func(m *Manager) { m.storeOpts = append(m.storeOpts, opts...) }
}

// NewManager creates a manager with the given root path.
// Creates the root directory if it doesn't exist.
func NewManager(rootPath string, opts ...Option) (*Manager, error) {
	// Expand ~ to home directory
	if strings.HasPrefix(rootPath, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		rootPath = filepath.Join(home, rootPath[2:])
	}

	if err := os.MkdirAll(rootPath, 0755); err != nil {
		return nil, fmt.Errorf("create stores root directory: %w", err)
	}

	m := &Manager{
		rootPath: rootPath,
		tenants:  make(map[string]*ManagedTenant),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// RootPath returns the directory holding all tenant stores.
func (m *Manager) RootPath() string {
	return m.rootPath
}

// GetTenant returns the store for the given tenant, loading it if necessary.
// Returns ErrTenantNotFound if the tenant was never created.
func (m *Manager) GetTenant(ctx context.Context, tenantID string) (*ManagedTenant, error) {
	if err := ValidateTenantID(tenantID); err != nil {
		return nil, err
	}

	// Fast path: check if already loaded
	m.mu.RLock()
	if managed, ok := m.tenants[tenantID]; ok {
		m.mu.RUnlock()
		managed.TouchAccessed()
		return managed, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if managed, ok := m.tenants[tenantID]; ok {
		managed.TouchAccessed()
		return managed, nil
	}

	tenantPath := m.tenantPath(tenantID)
	if _, err := os.Stat(filepath.Join(tenantPath, metaFileName)); os.IsNotExist(err) {
		return nil, ErrTenantNotFound
	}

	managed, err := NewManagedTenant(tenantID, tenantPath, m.storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("load tenant %q: %w", tenantID, err)
	}
	m.tenants[tenantID] = managed

	slog.Info("tenant loaded",
		"component", "multistore",
		"action", "tenant_loaded",
		"tenant_id", tenantID,
	)

	managed.TouchAccessed()
	return managed, nil
}

// CreateTenant creates a local store for the given tenant.
// Returns ErrTenantExists if the tenant already has one.
func (m *Manager) CreateTenant(ctx context.Context, tenantID, description string) (*ManagedTenant, error) {
	if err := ValidateTenantID(tenantID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tenantPath := m.tenantPath(tenantID)
	if _, err := os.Stat(tenantPath); err == nil {
		return nil, ErrTenantExists
	}

	if err := m.createTenantDir(tenantID, description); err != nil {
		return nil, err
	}

	managed, err := NewManagedTenant(tenantID, tenantPath, m.storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("load new tenant %q: %w", tenantID, err)
	}
	m.tenants[tenantID] = managed

	slog.Info("tenant created",
		"component", "multistore",
		"action", "tenant_created",
		"tenant_id", tenantID,
	)

	return managed, nil
}

// OpenOrCreate returns the tenant's store, creating it on first use.
func (m *Manager) OpenOrCreate(ctx context.Context, tenantID string) (*ManagedTenant, error) {
	managed, err := m.GetTenant(ctx, tenantID)
	if errors.Is(err, ErrTenantNotFound) {
		managed, err = m.CreateTenant(ctx, tenantID, "")
		if errors.Is(err, ErrTenantExists) {
			return m.GetTenant(ctx, tenantID)
		}
	}
	return managed, err
}

// DeleteTenant closes and removes a tenant's local store, including any
// queued mutations that were never delivered.
// Returns ErrTenantNotFound if the tenant doesn't exist.
func (m *Manager) DeleteTenant(ctx context.Context, tenantID string) error {
	if err := ValidateTenantID(tenantID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tenantPath := m.tenantPath(tenantID)
	if _, err := os.Stat(tenantPath); os.IsNotExist(err) {
		return ErrTenantNotFound
	}

	if managed, ok := m.tenants[tenantID]; ok {
		if err := managed.Close(); err != nil {
			slog.Warn("error closing tenant before deletion",
				"tenant_id", tenantID, "error", err)
		}
		delete(m.tenants, tenantID)
	}

	if err := os.RemoveAll(tenantPath); err != nil {
		return fmt.Errorf("remove tenant directory: %w", err)
	}

	slog.Info("tenant deleted",
		"component", "multistore",
		"action", "tenant_deleted",
		"tenant_id", tenantID,
	)

	return nil
}

// ListTenants returns metadata for all existing tenants, sorted by ID.
func (m *Manager) ListTenants(ctx context.Context) ([]TenantInfo, error) {
	entries, err := os.ReadDir(m.rootPath)
	if err != nil {
		return nil, fmt.Errorf("read stores directory: %w", err)
	}

	var result []TenantInfo
	for _, entry := range entries {
		if !entry.IsDir() || ValidateTenantID(entry.Name()) != nil {
			continue
		}
		info, err := m.tenantInfo(entry.Name())
		if err != nil {
			if !os.IsNotExist(err) {
				slog.Warn("error reading tenant metadata",
					"tenant_id", entry.Name(), "error", err)
			}
			continue
		}
		result = append(result, info)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// TenantInfo returns summary information for one tenant.
func (m *Manager) TenantInfo(ctx context.Context, tenantID string) (TenantInfo, error) {
	if err := ValidateTenantID(tenantID); err != nil {
		return TenantInfo{}, err
	}
	info, err := m.tenantInfo(tenantID)
	if os.IsNotExist(err) {
		return TenantInfo{}, ErrTenantNotFound
	}
	return info, err
}

func (m *Manager) tenantInfo(tenantID string) (TenantInfo, error) {
	basePath := m.tenantPath(tenantID)
	meta, err := LoadTenantMeta(filepath.Join(basePath, metaFileName))
	if err != nil {
		return TenantInfo{}, err
	}

	// The WAL holds recent writes until checkpoint.
	var sizeBytes int64
	for _, name := range []string{dbFileName, dbFileName + "-wal"} {
		if fi, err := os.Stat(filepath.Join(basePath, name)); err == nil {
			sizeBytes += fi.Size()
		}
	}

	return TenantInfo{
		ID:           tenantID,
		Created:      meta.Created,
		LastAccessed: meta.LastAccessed,
		Description:  meta.Description,
		SizeBytes:    sizeBytes,
	}, nil
}

func (m *Manager) tenantPath(tenantID string) string {
	return filepath.Join(m.rootPath, tenantID)
}

// createTenantDir creates a new tenant directory with metadata.
func (m *Manager) createTenantDir(tenantID, description string) error {
	tenantPath := m.tenantPath(tenantID)

	if err := os.MkdirAll(tenantPath, 0755); err != nil {
		return fmt.Errorf("create tenant directory: %w", err)
	}

	if err := SaveTenantMeta(filepath.Join(tenantPath, metaFileName), NewTenantMeta(description)); err != nil {
		os.RemoveAll(tenantPath)
		return fmt.Errorf("write tenant metadata: %w", err)
	}

	return nil
}

// Close closes all loaded tenant stores.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var lastErr error
	for id, managed := range m.tenants {
		if err := managed.Close(); err != nil {
			slog.Error("error closing tenant store", "tenant_id", id, "error", err)
			lastErr = err
		}
	}
	m.tenants = make(map[string]*ManagedTenant)

	return lastErr
}
