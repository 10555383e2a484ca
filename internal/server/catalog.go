package server

import (
	"fmt"
	"os"

	tethersync "github.com/hyperengineering/tether/internal/sync"
	"gopkg.in/yaml.v3"
)

// catalogFile is the YAML layout of a schema catalog.
type catalogFile struct {
	Version     string                       `yaml:"version"`
	Fingerprint string                       `yaml:"fingerprint,omitempty"`
	Tables      []tethersync.TableDef        `yaml:"tables"`
	Migrations  []tethersync.MigrationScript `yaml:"migrations,omitempty"`
}

// LoadCatalog reads a schema catalog from a YAML file. A missing fingerprint
// is computed from the tables.
func LoadCatalog(path string) (tethersync.SchemaResponse, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tethersync.SchemaResponse{}, fmt.Errorf("read catalog: %w", err)
	}

	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return tethersync.SchemaResponse{}, fmt.Errorf("parse catalog: %w", err)
	}
	if f.Version == "" {
		return tethersync.SchemaResponse{}, fmt.Errorf("parse catalog: version is required")
	}
	if f.Fingerprint == "" {
		f.Fingerprint = tethersync.Fingerprint(f.Tables)
	}

	return tethersync.SchemaResponse{
		Version:     f.Version,
		Fingerprint: f.Fingerprint,
		Tables:      f.Tables,
		Migrations:  f.Migrations,
	}, nil
}
