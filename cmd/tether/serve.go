package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hyperengineering/tether/internal/config"
	"github.com/hyperengineering/tether/internal/server"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reference canonical server",
	Long:  "Serve the sync protocol from memory: idempotent event push with version checks, a per-tenant delta feed and the schema catalog loaded from server.catalog_path.",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.APIKey == "" && !config.DevMode() {
		return errors.New("TETHER_API_KEY is required (set TETHER_DEV_MODE=true to serve without auth)")
	}
	slog.Info("configuration loaded")

	// 3. Initialize logger
	setupLogger(os.Stdout, cfg.Log)
	slog.Info("logger initialized", "level", cfg.Log.Level)

	// 4. Load schema catalog
	catalog, err := server.LoadCatalog(cfg.Server.CatalogPath)
	if err != nil {
		return err
	}
	slog.Info("catalog loaded",
		"path", cfg.Server.CatalogPath,
		"version", catalog.Version,
		"tables", len(catalog.Tables),
		"migrations", len(catalog.Migrations),
	)

	// 5. Initialize HTTP router
	s, err := server.New(catalog, cfg.Auth.APIKey, server.WithVersion(Version))
	if err != nil {
		return err
	}
	router := server.NewRouter(s)
	slog.Info("router initialized")

	// 6. Configure HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}

	// 7. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	// 8. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 9. Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}
