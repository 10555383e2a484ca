package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

// Helper to clear all config-related env vars
func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"TETHER_PORT",
		"TETHER_READ_TIMEOUT",
		"TETHER_WRITE_TIMEOUT",
		"TETHER_SHUTDOWN_TIMEOUT",
		"TETHER_CATALOG_PATH",
		"TETHER_SERVER_URL",
		"TETHER_TENANT",
		"TETHER_REQUEST_TIMEOUT",
		"TETHER_API_KEY",
		"TETHER_STORES_ROOT",
		"TETHER_SYNC_INTERVAL",
		"TETHER_SYNC_BATCH_SIZE",
		"TETHER_SYNC_MAX_ATTEMPTS",
		"TETHER_SYNC_BACKOFF_BASE",
		"TETHER_SYNC_BACKOFF_MAX",
		"TETHER_SYNC_JITTER",
		"TETHER_CACHE_BUDGET_BYTES",
		"TETHER_CACHE_TTL",
		"TETHER_RETENTION_ACKNOWLEDGED",
		"TETHER_RETENTION_SWEEP_INTERVAL",
		"TETHER_RETENTION_MAX_ACKNOWLEDGED",
		"TETHER_METRICS_ADDRESS",
		"TETHER_LOG_LEVEL",
		"TETHER_LOG_FORMAT",
		"TETHER_CONFIG_PATH",
		"TETHER_DEV_MODE",
	}
	for _, v := range envVars {
		t.Setenv(v, "")
		os.Unsetenv(v)
	}
}

// dur converts Duration to time.Duration for comparison
func dur(d Duration) time.Duration {
	return time.Duration(d)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tether.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

// Test: Default values when no config file and no env vars
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("TETHER_CONFIG_PATH", "/nonexistent/tether.yaml")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Server defaults
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if dur(cfg.Server.ShutdownTimeout) != 15*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want 15s", cfg.Server.ShutdownTimeout)
	}

	// Client defaults
	if cfg.Client.ServerURL != "http://localhost:8080" {
		t.Errorf("Client.ServerURL = %q, want %q", cfg.Client.ServerURL, "http://localhost:8080")
	}
	if dur(cfg.Client.RequestTimeout) != 15*time.Second {
		t.Errorf("Client.RequestTimeout = %v, want 15s", cfg.Client.RequestTimeout)
	}

	// Sync defaults
	if dur(cfg.Sync.Interval) != 30*time.Second {
		t.Errorf("Sync.Interval = %v, want 30s", cfg.Sync.Interval)
	}
	if cfg.Sync.BatchSize != 50 {
		t.Errorf("Sync.BatchSize = %d, want 50", cfg.Sync.BatchSize)
	}
	if cfg.Sync.MaxAttempts != 5 {
		t.Errorf("Sync.MaxAttempts = %d, want 5", cfg.Sync.MaxAttempts)
	}
	if dur(cfg.Sync.BackoffMax) != 5*time.Minute {
		t.Errorf("Sync.BackoffMax = %v, want 5m", cfg.Sync.BackoffMax)
	}
	if cfg.Sync.Jitter != 0.2 {
		t.Errorf("Sync.Jitter = %v, want 0.2", cfg.Sync.Jitter)
	}

	// Cache defaults
	if cfg.Cache.BudgetBytes != 64<<20 {
		t.Errorf("Cache.BudgetBytes = %d, want %d", cfg.Cache.BudgetBytes, 64<<20)
	}
	if dur(cfg.Cache.DefaultTTL) != 10*time.Minute {
		t.Errorf("Cache.DefaultTTL = %v, want 10m", cfg.Cache.DefaultTTL)
	}

	// Retention defaults
	if dur(cfg.Retention.Acknowledged) != 7*24*time.Hour {
		t.Errorf("Retention.Acknowledged = %v, want 168h", cfg.Retention.Acknowledged)
	}
	if cfg.Retention.MaxAcknowledged != 10000 {
		t.Errorf("Retention.MaxAcknowledged = %d, want 10000", cfg.Retention.MaxAcknowledged)
	}

	// Log defaults
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "json")
	}

	if cfg.Metrics.Address != "" {
		t.Errorf("Metrics.Address = %q, want empty", cfg.Metrics.Address)
	}
}

// Test: API key is read from the environment only
func TestLoad_APIKeyFromEnv(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
auth:
  api_key: from-yaml
`)
	t.Setenv("TETHER_CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.APIKey != "" {
		t.Errorf("Auth.APIKey = %q, want empty (yaml must be ignored)", cfg.Auth.APIKey)
	}

	t.Setenv("TETHER_API_KEY", "test-api-key")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.APIKey != "test-api-key" {
		t.Errorf("Auth.APIKey = %q, want %q", cfg.Auth.APIKey, "test-api-key")
	}
}

// Test: Environment variables override defaults
func TestLoad_EnvVarOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("TETHER_CONFIG_PATH", "/nonexistent/tether.yaml")
	t.Setenv("TETHER_PORT", "9090")
	t.Setenv("TETHER_STORES_ROOT", "/custom/stores")
	t.Setenv("TETHER_LOG_LEVEL", "debug")
	t.Setenv("TETHER_SYNC_INTERVAL", "2m")
	t.Setenv("TETHER_SYNC_MAX_ATTEMPTS", "8")
	t.Setenv("TETHER_SYNC_JITTER", "0.5")
	t.Setenv("TETHER_CACHE_BUDGET_BYTES", "1048576")
	t.Setenv("TETHER_TENANT", "school-1")
	t.Setenv("TETHER_RETENTION_MAX_ACKNOWLEDGED", "500")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Stores.RootPath != "/custom/stores" {
		t.Errorf("Stores.RootPath = %q, want %q", cfg.Stores.RootPath, "/custom/stores")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if dur(cfg.Sync.Interval) != 2*time.Minute {
		t.Errorf("Sync.Interval = %v, want 2m", cfg.Sync.Interval)
	}
	if cfg.Sync.MaxAttempts != 8 {
		t.Errorf("Sync.MaxAttempts = %d, want 8", cfg.Sync.MaxAttempts)
	}
	if cfg.Sync.Jitter != 0.5 {
		t.Errorf("Sync.Jitter = %v, want 0.5", cfg.Sync.Jitter)
	}
	if cfg.Cache.BudgetBytes != 1<<20 {
		t.Errorf("Cache.BudgetBytes = %d, want %d", cfg.Cache.BudgetBytes, 1<<20)
	}
	if cfg.Client.Tenant != "school-1" {
		t.Errorf("Client.Tenant = %q, want %q", cfg.Client.Tenant, "school-1")
	}
	if cfg.Retention.MaxAcknowledged != 500 {
		t.Errorf("Retention.MaxAcknowledged = %d, want 500", cfg.Retention.MaxAcknowledged)
	}
}

// Test: Unparseable env values are ignored
func TestLoad_MalformedEnvVarIgnored(t *testing.T) {
	clearEnv(t)
	t.Setenv("TETHER_CONFIG_PATH", "/nonexistent/tether.yaml")
	t.Setenv("TETHER_PORT", "eighty")
	t.Setenv("TETHER_SYNC_INTERVAL", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080 (default)", cfg.Server.Port)
	}
	if dur(cfg.Sync.Interval) != 30*time.Second {
		t.Errorf("Sync.Interval = %v, want 30s (default)", cfg.Sync.Interval)
	}
}

// Test: YAML file loading
func TestLoadFromFile_ValidYAML(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `
server:
  port: 9999
  catalog_path: /etc/tether/catalog.yaml
client:
  server_url: https://sync.example.org
  tenant: school-7
sync:
  interval: 45s
  batch_size: 10
cache:
  default_ttl: 1m
retention:
  acknowledged: 24h
metrics:
  address: ":9100"
log:
  level: warn
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Server.CatalogPath != "/etc/tether/catalog.yaml" {
		t.Errorf("Server.CatalogPath = %q", cfg.Server.CatalogPath)
	}
	if cfg.Client.ServerURL != "https://sync.example.org" {
		t.Errorf("Client.ServerURL = %q", cfg.Client.ServerURL)
	}
	if cfg.Client.Tenant != "school-7" {
		t.Errorf("Client.Tenant = %q, want %q", cfg.Client.Tenant, "school-7")
	}
	if dur(cfg.Sync.Interval) != 45*time.Second {
		t.Errorf("Sync.Interval = %v, want 45s", cfg.Sync.Interval)
	}
	if cfg.Sync.BatchSize != 10 {
		t.Errorf("Sync.BatchSize = %d, want 10", cfg.Sync.BatchSize)
	}
	if dur(cfg.Cache.DefaultTTL) != time.Minute {
		t.Errorf("Cache.DefaultTTL = %v, want 1m", cfg.Cache.DefaultTTL)
	}
	if dur(cfg.Retention.Acknowledged) != 24*time.Hour {
		t.Errorf("Retention.Acknowledged = %v, want 24h", cfg.Retention.Acknowledged)
	}
	if cfg.Metrics.Address != ":9100" {
		t.Errorf("Metrics.Address = %q, want %q", cfg.Metrics.Address, ":9100")
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "warn")
	}
	// Untouched sections keep defaults
	if cfg.Sync.MaxAttempts != 5 {
		t.Errorf("Sync.MaxAttempts = %d, want 5 (default)", cfg.Sync.MaxAttempts)
	}
}

// Test: Env vars override YAML values
func TestLoad_EnvOverridesYAML(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `
server:
  port: 9000
log:
  level: warn
`)
	t.Setenv("TETHER_CONFIG_PATH", path)
	t.Setenv("TETHER_PORT", "8888")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8888 {
		t.Errorf("Server.Port = %d, want 8888 (env override)", cfg.Server.Port)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q (from YAML)", cfg.Log.Level, "warn")
	}
}

// Test: Invalid YAML returns error
func TestLoadFromFile_InvalidYAML(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `
server:
  port: not_a_number
  this is invalid yaml [
`)

	_, err := LoadFromFile(path)
	if err == nil {
		t.Error("LoadFromFile() expected error for invalid YAML, got nil")
	}
}

func TestLoadFromFile_InvalidDuration(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `
sync:
  interval: forever
`)

	_, err := LoadFromFile(path)
	if err == nil {
		t.Fatal("LoadFromFile() expected error for invalid duration, got nil")
	}
	if !strings.Contains(err.Error(), "invalid duration") {
		t.Errorf("error = %v, want invalid duration", err)
	}
}

func TestLoadFromFile_Missing(t *testing.T) {
	clearEnv(t)

	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("LoadFromFile() expected error for missing file, got nil")
	}
}

// Test: Range validation rejects nonsensical values
func TestLoadFromFile_Validation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "jitter above one",
			yaml:    "sync:\n  jitter: 1.5\n",
			wantErr: "sync.jitter",
		},
		{
			name:    "zero attempts",
			yaml:    "sync:\n  max_attempts: 0\n",
			wantErr: "sync.max_attempts",
		},
		{
			name:    "zero batch",
			yaml:    "sync:\n  batch_size: 0\n",
			wantErr: "sync.batch_size",
		},
		{
			name:    "backoff base above max",
			yaml:    "sync:\n  backoff_base: 10m\n  backoff_max: 1m\n",
			wantErr: "sync.backoff_base",
		},
		{
			name:    "entry larger than budget",
			yaml:    "cache:\n  budget_bytes: 100\n  max_entry_bytes: 200\n",
			wantErr: "cache.max_entry_bytes",
		},
		{
			name:    "zero sweep interval",
			yaml:    "retention:\n  sweep_interval: 0s\n",
			wantErr: "retention.sweep_interval",
		},
		{
			name:    "negative acknowledged cap",
			yaml:    "retention:\n  max_acknowledged: -1\n",
			wantErr: "retention.max_acknowledged",
		},
		{
			name:    "unknown log level",
			yaml:    "log:\n  level: loud\n",
			wantErr: "log.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := LoadFromFile(writeConfig(t, tt.yaml))
			if err == nil {
				t.Fatalf("LoadFromFile() expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestDevMode(t *testing.T) {
	clearEnv(t)
	if DevMode() {
		t.Error("DevMode() = true with TETHER_DEV_MODE unset")
	}
	t.Setenv("TETHER_DEV_MODE", "true")
	if !DevMode() {
		t.Error("DevMode() = false with TETHER_DEV_MODE=true")
	}
}

func TestDuration_RoundTrip(t *testing.T) {
	var holder struct {
		D Duration `yaml:"d"`
	}
	if err := yaml.Unmarshal([]byte("d: 90s\n"), &holder); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if holder.D.Std() != 90*time.Second {
		t.Errorf("D = %v, want 1m30s", holder.D.Std())
	}

	out, err := yaml.Marshal(holder)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if strings.TrimSpace(string(out)) != "d: 1m30s" {
		t.Errorf("Marshal() = %q, want %q", out, "d: 1m30s")
	}
}
