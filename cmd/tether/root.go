package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"text/tabwriter"

	"github.com/hyperengineering/tether/internal/config"
	"github.com/hyperengineering/tether/internal/engine"
	"github.com/hyperengineering/tether/internal/outbox"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var (
	rootOverride   string
	tenantOverride string
	jsonOutput     bool
)

var rootCmd = &cobra.Command{
	Use:           "tether",
	Short:         "Tether - offline-first local sync",
	Long:          "Tether keeps per-tenant local stores in sync with a canonical server: a durable outbox for local writes, conflict surfacing, schema migration and an expiring read cache.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootOverride, "root", "",
		"Store root path (overrides config and TETHER_STORES_ROOT)")
	rootCmd.PersistentFlags().StringVar(&tenantOverride, "tenant", "",
		"Tenant ID (overrides config and TETHER_TENANT)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(conflictsCmd)
	rootCmd.AddCommand(outboxCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(tenantCmd)
}

// loadConfig loads configuration and applies command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if rootOverride != "" {
		cfg.Stores.RootPath = rootOverride
	}
	if tenantOverride != "" {
		cfg.Client.Tenant = tenantOverride
	}
	return cfg, nil
}

// setupLogger installs the process-wide logger described by cfg.
func setupLogger(w io.Writer, cfg config.LogConfig) {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// engineConfig translates the sync and cache sections into engine settings.
func engineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		Interval:         cfg.Sync.Interval.Std(),
		ProbeBase:        cfg.Sync.ProbeBase.Std(),
		BatchSize:        cfg.Sync.BatchSize,
		PullPageSize:     cfg.Sync.PullPageSize,
		RequestQueueSize: cfg.Sync.RequestQueueSize,
		CacheTTL:         cfg.Cache.DefaultTTL.Std(),
		MaxAcknowledged:  cfg.Retention.MaxAcknowledged,
		Retry: outbox.RetryPolicy{
			MaxAttempts: cfg.Sync.MaxAttempts,
			BaseDelay:   cfg.Sync.BackoffBase.Std(),
			MaxDelay:    cfg.Sync.BackoffMax.Std(),
			Jitter:      cfg.Sync.Jitter,
		},
		Cache: cacheConfig(cfg.Cache),
	}
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// quietLogger keeps one-shot commands from mixing JSON logs into their
// output unless debug logging is asked for.
func quietLogger(cfg config.LogConfig) {
	if cfg.Level == "debug" {
		setupLogger(os.Stderr, cfg)
		return
	}
	setupLogger(os.Stderr, config.LogConfig{Level: "warn", Format: cfg.Format})
}
