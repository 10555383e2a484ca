package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hyperengineering/tether/internal/engine"
	"github.com/hyperengineering/tether/internal/metrics"
	"github.com/hyperengineering/tether/internal/multistore"
	"github.com/hyperengineering/tether/internal/remote"
	"github.com/hyperengineering/tether/internal/worker"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync agent for every local tenant",
	Long:  "Run one sync engine per tenant store until interrupted, with periodic cycles, offline reprobing, retention sweeps and an optional metrics/status listener.",
	Args:  cobra.NoArgs,
	RunE:  runAgent,
}

func runAgent(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// 3. Initialize logger
	setupLogger(os.Stdout, cfg.Log)
	slog.Info("logger initialized", "level", cfg.Log.Level)

	// 4. Open tenant stores
	manager, err := multistore.NewManager(cfg.Stores.RootPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := manager.Close(); err != nil {
			slog.Error("store close error", "error", err)
		}
	}()

	tenants, err := agentTenants(ctx, manager, cfg.Client.Tenant)
	if err != nil {
		return err
	}
	slog.Info("stores opened", "root", manager.RootPath(), "tenants", len(tenants))

	// 5. Initialize engines
	client := remote.New(cfg.Client.ServerURL, cfg.Auth.APIKey,
		remote.WithTimeout(cfg.Client.RequestTimeout.Std()),
	)
	m := metrics.NewDefault()
	registry := worker.NewEngineRegistry()
	for _, managed := range tenants {
		eng := engine.NewForStore(managed.Store, client, engineConfig(cfg),
			engine.WithLogger(slog.Default()),
			engine.WithRecorder(m.ForTenant(managed.ID)),
		)
		if err := eng.Init(ctx); err != nil {
			return fmt.Errorf("tenant %s: %w", managed.ID, err)
		}
		registry.Register(managed.ID, eng)
	}
	slog.Info("engines initialized", "server_url", cfg.Client.ServerURL)

	g, gctx := errgroup.WithContext(ctx)

	// 6. Run engines; each syncs once at startup, then on its interval.
	for _, id := range registry.TenantIDs() {
		eng, _ := registry.Engine(id)
		g.Go(func() error {
			if err := eng.Run(gctx); err != nil {
				return fmt.Errorf("engine %s: %w", id, err)
			}
			return nil
		})
		eng.Trigger()
	}

	// 7. Metrics and status listener
	if cfg.Metrics.Address != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           newAgentRouter(registry, m),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			slog.Info("metrics listener starting", "address", cfg.Metrics.Address)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	// 8. Background workers
	var wg sync.WaitGroup
	retention := worker.NewRetentionCoordinator(registry,
		cfg.Retention.SweepInterval.Std(), cfg.Retention.Acknowledged.Std())
	startWorker(gctx, &wg, "retention", retention.Run)

	// 9. Block until signal or failure
	err = g.Wait()
	slog.Info("shutdown initiated")
	cancel()
	wg.Wait()

	slog.Info("shutdown complete")
	return err
}

// agentTenants returns the tenant to run when one is configured, creating
// its store on first use, or every existing tenant otherwise.
func agentTenants(ctx context.Context, manager *multistore.Manager, tenantID string) ([]*multistore.ManagedTenant, error) {
	if tenantID != "" {
		managed, err := manager.OpenOrCreate(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		return []*multistore.ManagedTenant{managed}, nil
	}

	infos, err := manager.ListTenants(ctx)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, errors.New("no tenants: create one with 'tether tenant create' or pass --tenant")
	}
	tenants := make([]*multistore.ManagedTenant, 0, len(infos))
	for _, info := range infos {
		managed, err := manager.GetTenant(ctx, info.ID)
		if err != nil {
			return nil, fmt.Errorf("tenant %s: %w", info.ID, err)
		}
		tenants = append(tenants, managed)
	}
	return tenants, nil
}
