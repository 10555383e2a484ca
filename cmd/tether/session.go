package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/tether/internal/config"
	"github.com/hyperengineering/tether/internal/engine"
	"github.com/hyperengineering/tether/internal/multistore"
	"github.com/hyperengineering/tether/internal/remote"
)

// sessionShutdownTimeout bounds how long a one-shot command waits for the
// engine to stop.
const sessionShutdownTimeout = 10 * time.Second

// session is one running engine over one tenant's store, for commands that
// do a single thing and exit.
type session struct {
	cfg     *config.Config
	manager *multistore.Manager
	tenant  *multistore.ManagedTenant
	engine  *engine.Engine

	cancel context.CancelFunc
	done   chan error
}

// openSession opens the configured tenant's store, creating it on first
// use, and starts an engine over it.
func openSession(ctx context.Context) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	quietLogger(cfg.Log)

	if cfg.Client.Tenant == "" {
		return nil, errors.New("no tenant: set --tenant, TETHER_TENANT or client.tenant")
	}

	manager, err := multistore.NewManager(cfg.Stores.RootPath)
	if err != nil {
		return nil, err
	}
	managed, err := manager.OpenOrCreate(ctx, cfg.Client.Tenant)
	if err != nil {
		manager.Close()
		return nil, err
	}

	client := remote.New(cfg.Client.ServerURL, cfg.Auth.APIKey,
		remote.WithTimeout(cfg.Client.RequestTimeout.Std()),
		remote.WithLogger(slog.Default()),
	)
	ecfg := engineConfig(cfg)
	// One-shot commands never sync on a timer.
	ecfg.Interval = 0
	eng := engine.NewForStore(managed.Store, client, ecfg, engine.WithLogger(slog.Default()))
	if err := eng.Init(ctx); err != nil {
		manager.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		cfg:     cfg,
		manager: manager,
		tenant:  managed,
		engine:  eng,
		cancel:  cancel,
		done:    make(chan error, 1),
	}
	go func() { s.done <- eng.Run(runCtx) }()
	return s, nil
}

// Close stops the engine and closes the store.
func (s *session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), sessionShutdownTimeout)
	defer cancel()

	err := s.engine.Shutdown(ctx)
	s.cancel()
	if runErr := <-s.done; runErr != nil && err == nil {
		err = runErr
	}
	if closeErr := s.manager.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}
