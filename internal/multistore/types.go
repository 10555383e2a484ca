package multistore

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TenantMeta contains tenant-level metadata persisted in meta.yaml next to
// the tenant's database.
type TenantMeta struct {
	// Created is when the tenant's local store was first created.
	Created time.Time `yaml:"created"`
	// LastAccessed is when the tenant was last opened.
	LastAccessed time.Time `yaml:"last_accessed"`
	// Description is an optional human-readable description.
	Description string `yaml:"description,omitempty"`
}

// TenantInfo contains summary information about a tenant's local store.
type TenantInfo struct {
	ID           string    `json:"id"`
	Created      time.Time `json:"created"`
	LastAccessed time.Time `json:"last_accessed"`
	Description  string    `json:"description,omitempty"`
	SizeBytes    int64     `json:"size_bytes"`
}

// NewTenantMeta creates metadata for a new tenant.
func NewTenantMeta(description string) *TenantMeta {
	now := time.Now().UTC()
	return &TenantMeta{
		Created:      now,
		LastAccessed: now,
		Description:  description,
	}
}

// LoadTenantMeta reads tenant metadata from a file path.
// Returns an error if the file doesn't exist or is malformed.
func LoadTenantMeta(path string) (*TenantMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var meta TenantMeta
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse tenant metadata: %w", err)
	}

	return &meta, nil
}

// SaveTenantMeta writes tenant metadata to a file path.
func SaveTenantMeta(path string, meta *TenantMeta) error {
	data, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal tenant metadata: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}
