package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/desertthunder/m3usync/internal/repositories"
	"github.com/desertthunder/m3usync/internal/shared"
	"github.com/desertthunder/m3usync/internal/watcher"
	"github.com/urfave/cli/v3"
)

// Watch runs the filesystem watcher until the process is interrupted. Changes
// land in the change log; a separate sync pass pushes them out.
func (r *Runner) Watch(ctx context.Context, cmd *cli.Command) error {
	config := r.loadConfig(cmd)

	if config.Library.RootFolder == "" {
		return fmt.Errorf("%w: library.root_folder must be set", shared.ErrInvalidConfig)
	}

	db, closeDB, err := r.openDB(config)
	if err != nil {
		return err
	}
	defer closeDB()

	if err := shared.RunMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events := repositories.NewEventRepository(db)
	w := watcher.NewWatcher(config, events, shared.ComponentLogger(r.logger, "watcher"))

	r.logger.Info("watching library", "root", config.Library.RootFolder)
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("watcher failed: %w", err)
	}

	r.logger.Info("watcher stopped")
	return nil
}
