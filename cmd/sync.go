package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/desertthunder/m3usync/internal/engine"
	"github.com/desertthunder/m3usync/internal/repositories"
	"github.com/desertthunder/m3usync/internal/shared"
	"github.com/urfave/cli/v3"
)

// Sync drains the change log and reconciles remote playlists. A single pass
// by default; --loop repeats at the configured worker interval until
// interrupted.
func (r *Runner) Sync(ctx context.Context, cmd *cli.Command) error {
	config := r.loadConfig(cmd)

	db, closeDB, err := r.openDB(config)
	if err != nil {
		return err
	}
	defer closeDB()

	if err := shared.RunMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	store := repositories.NewCredentialRepository(db)
	prov, err := selectProvider(r.authenticatedProviders(config, store), config.Sync.Provider)
	if err != nil {
		return err
	}

	workerOnly := cmd.Bool("worker-only")
	reconcileOnly := cmd.Bool("reconcile-only")
	if workerOnly && reconcileOnly {
		return fmt.Errorf("%w: --worker-only and --reconcile-only are mutually exclusive", shared.ErrInvalidConfig)
	}

	worker := engine.NewWorker(config, db, prov, shared.ComponentLogger(r.logger, "worker"))
	reconciler := engine.NewReconciler(config, db, prov, shared.ComponentLogger(r.logger, "reconciler"))

	pass := func(ctx context.Context) error {
		if !reconcileOnly {
			if err := worker.RunOnce(ctx); err != nil {
				return fmt.Errorf("worker pass failed: %w", err)
			}
		}
		if !workerOnly {
			if err := reconciler.RunOnce(ctx); err != nil {
				return fmt.Errorf("reconcile pass failed: %w", err)
			}
		}
		return nil
	}

	if !cmd.Bool("loop") {
		return pass(ctx)
	}

	interval := time.Duration(config.Sync.WorkerIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("sync loop started", "interval", interval)
	for {
		if err := pass(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error("sync pass failed", "error", err)
		}

		select {
		case <-ctx.Done():
			r.logger.Info("sync loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}
