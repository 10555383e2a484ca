package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Client    ClientConfig    `yaml:"client"`
	Stores    StoresConfig    `yaml:"stores"`
	Sync      SyncConfig      `yaml:"sync"`
	Cache     CacheConfig     `yaml:"cache"`
	Retention RetentionConfig `yaml:"retention"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
	Auth      AuthConfig      `yaml:"auth"`
}

// ServerConfig contains reference server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	CatalogPath     string   `yaml:"catalog_path"`
}

// ClientConfig contains settings for reaching the canonical server.
type ClientConfig struct {
	ServerURL      string   `yaml:"server_url"`
	Tenant         string   `yaml:"tenant"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

// AuthConfig contains authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// StoresConfig contains per-tenant local store settings.
type StoresConfig struct {
	RootPath string `yaml:"root_path"`
}

// SyncConfig contains sync engine and outbox retry settings.
type SyncConfig struct {
	Interval         Duration `yaml:"interval"`
	ProbeBase        Duration `yaml:"probe_base"`
	BatchSize        int      `yaml:"batch_size"`
	PullPageSize     int      `yaml:"pull_page_size"`
	RequestQueueSize int      `yaml:"request_queue_size"`
	MaxAttempts      int      `yaml:"max_attempts"`
	BackoffBase      Duration `yaml:"backoff_base"`
	BackoffMax       Duration `yaml:"backoff_max"`
	Jitter           float64  `yaml:"jitter"`
}

// CacheConfig contains expiring cache settings.
type CacheConfig struct {
	BudgetBytes   int64    `yaml:"budget_bytes"`
	MaxEntryBytes int64    `yaml:"max_entry_bytes"`
	DefaultTTL    Duration `yaml:"default_ttl"`
}

// RetentionConfig contains background retention settings.
type RetentionConfig struct {
	Acknowledged  Duration `yaml:"acknowledged"`
	SweepInterval Duration `yaml:"sweep_interval"`
	// MaxAcknowledged caps the acknowledged events kept per store; older
	// ones are reclaimed before their retention window ends. Zero disables
	// the cap.
	MaxAcknowledged int `yaml:"max_acknowledged"`
}

// MetricsConfig contains the Prometheus listener settings. An empty address
// disables the listener.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("TETHER_CONFIG_PATH", "config/tether.yaml")

	// Missing file is not an error
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
			CatalogPath:     "config/catalog.yaml",
		},
		Client: ClientConfig{
			ServerURL:      "http://localhost:8080",
			RequestTimeout: Duration(15 * time.Second),
		},
		Stores: StoresConfig{
			RootPath: "~/.tether/stores",
		},
		Sync: SyncConfig{
			Interval:         Duration(30 * time.Second),
			ProbeBase:        Duration(1 * time.Second),
			BatchSize:        50,
			PullPageSize:     500,
			RequestQueueSize: 64,
			MaxAttempts:      5,
			BackoffBase:      Duration(2 * time.Second),
			BackoffMax:       Duration(5 * time.Minute),
			Jitter:           0.2,
		},
		Cache: CacheConfig{
			BudgetBytes:   64 << 20,
			MaxEntryBytes: 1 << 20,
			DefaultTTL:    Duration(10 * time.Minute),
		},
		Retention: RetentionConfig{
			Acknowledged:    Duration(7 * 24 * time.Hour),
			SweepInterval:   Duration(1 * time.Hour),
			MaxAcknowledged: 10000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("TETHER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	envDuration("TETHER_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("TETHER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("TETHER_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	if v := os.Getenv("TETHER_CATALOG_PATH"); v != "" {
		cfg.Server.CatalogPath = v
	}

	// Client
	if v := os.Getenv("TETHER_SERVER_URL"); v != "" {
		cfg.Client.ServerURL = v
	}
	if v := os.Getenv("TETHER_TENANT"); v != "" {
		cfg.Client.Tenant = v
	}
	envDuration("TETHER_REQUEST_TIMEOUT", &cfg.Client.RequestTimeout)

	// Auth
	if v := os.Getenv("TETHER_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	// Stores
	if v := os.Getenv("TETHER_STORES_ROOT"); v != "" {
		cfg.Stores.RootPath = v
	}

	// Sync
	envDuration("TETHER_SYNC_INTERVAL", &cfg.Sync.Interval)
	envInt("TETHER_SYNC_BATCH_SIZE", &cfg.Sync.BatchSize)
	envInt("TETHER_SYNC_MAX_ATTEMPTS", &cfg.Sync.MaxAttempts)
	envDuration("TETHER_SYNC_BACKOFF_BASE", &cfg.Sync.BackoffBase)
	envDuration("TETHER_SYNC_BACKOFF_MAX", &cfg.Sync.BackoffMax)
	if v := os.Getenv("TETHER_SYNC_JITTER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Sync.Jitter = f
		}
	}

	// Cache
	if v := os.Getenv("TETHER_CACHE_BUDGET_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Cache.BudgetBytes = n
		}
	}
	envDuration("TETHER_CACHE_TTL", &cfg.Cache.DefaultTTL)

	// Retention
	envDuration("TETHER_RETENTION_ACKNOWLEDGED", &cfg.Retention.Acknowledged)
	envDuration("TETHER_RETENTION_SWEEP_INTERVAL", &cfg.Retention.SweepInterval)
	envInt("TETHER_RETENTION_MAX_ACKNOWLEDGED", &cfg.Retention.MaxAcknowledged)

	// Metrics
	if v := os.Getenv("TETHER_METRICS_ADDRESS"); v != "" {
		cfg.Metrics.Address = v
	}

	// Log
	if v := os.Getenv("TETHER_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("TETHER_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// validate checks value ranges.
func (c *Config) validate() error {
	var errs []error
	if c.Sync.Jitter < 0 || c.Sync.Jitter > 1 {
		errs = append(errs, fmt.Errorf("sync.jitter must be within [0,1], got %v", c.Sync.Jitter))
	}
	if c.Sync.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("sync.max_attempts must be positive, got %d", c.Sync.MaxAttempts))
	}
	if c.Sync.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("sync.batch_size must be positive, got %d", c.Sync.BatchSize))
	}
	if c.Sync.BackoffBase <= 0 || c.Sync.BackoffMax < c.Sync.BackoffBase {
		errs = append(errs, errors.New("sync.backoff_base must be positive and not exceed sync.backoff_max"))
	}
	if c.Cache.BudgetBytes > 0 && c.Cache.MaxEntryBytes > c.Cache.BudgetBytes {
		errs = append(errs, errors.New("cache.max_entry_bytes must not exceed cache.budget_bytes"))
	}
	if c.Retention.SweepInterval <= 0 {
		errs = append(errs, errors.New("retention.sweep_interval must be positive"))
	}
	if c.Retention.MaxAcknowledged < 0 {
		errs = append(errs, errors.New("retention.max_acknowledged must not be negative"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level))
	}
	return errors.Join(errs...)
}

// DevMode reports whether TETHER_DEV_MODE=true, which lets the reference
// server run without an API key.
func DevMode() bool {
	return os.Getenv("TETHER_DEV_MODE") == "true"
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
