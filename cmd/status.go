package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/desertthunder/m3usync/internal/repositories"
	"github.com/desertthunder/m3usync/internal/shared"
	"github.com/desertthunder/m3usync/internal/ui"
	"github.com/urfave/cli/v3"
)

// Status prints authenticated providers, queue depth, and playlist mappings.
func (r *Runner) Status(ctx context.Context, cmd *cli.Command) error {
	config := r.loadConfig(cmd)

	db, closeDB, err := r.openDB(config)
	if err != nil {
		return err
	}
	defer closeDB()

	if err := shared.RunMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	creds := repositories.NewCredentialRepository(db)
	events := repositories.NewEventRepository(db)
	mappings := repositories.NewPlaylistMapRepository(db)
	cache := repositories.NewTrackCacheRepository(db)

	r.writePlain("%s\n", ui.Title("m3usync status"))

	names, err := creds.Providers()
	if err != nil {
		return fmt.Errorf("failed to read credentials: %w", err)
	}
	if len(names) == 0 {
		r.writePlain("Providers: %s\n", ui.Warn("none authenticated"))
	} else {
		r.writePlain("Providers: %s\n", ui.OK(strings.Join(names, ", ")))
	}

	pending, err := events.CountUnsynced()
	if err != nil {
		return fmt.Errorf("failed to count events: %w", err)
	}
	queue := ui.OK(strconv.Itoa(pending))
	if threshold := config.Sync.QueueStopThreshold; threshold > 0 && pending > threshold {
		queue = ui.Err(fmt.Sprintf("%d (over threshold %d)", pending, threshold))
	} else if pending > 0 {
		queue = ui.Warn(strconv.Itoa(pending))
	}
	r.writePlain("Pending events: %s\n", queue)

	resolved, err := cache.Count()
	if err != nil {
		return fmt.Errorf("failed to count track cache: %w", err)
	}
	r.writePlain("Resolved tracks: %d\n", resolved)

	all, err := mappings.All()
	if err != nil {
		return fmt.Errorf("failed to read mappings: %w", err)
	}
	r.writePlainln("Playlists (%d):", len(all))
	for _, m := range all {
		r.writePlain("  %s → %s %s\n", m.PlaylistName, m.RemoteID,
			ui.Help("synced "+m.LastSyncedAt.Format(time.RFC3339)))
	}
	if len(all) == 0 {
		r.writePlain("  %s\n", ui.Help("no playlists mapped yet"))
	}

	return nil
}

// Prune deletes synced events older than the cutoff.
func (r *Runner) Prune(ctx context.Context, cmd *cli.Command) error {
	config := r.loadConfig(cmd)

	db, closeDB, err := r.openDB(config)
	if err != nil {
		return err
	}
	defer closeDB()

	if err := shared.RunMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	days := cmd.Int("days")
	cutoff := time.Now().AddDate(0, 0, -int(days))

	events := repositories.NewEventRepository(db)
	deleted, err := events.PruneSynced(cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune events: %w", err)
	}

	r.writePlain("✓ Pruned %d synced events older than %d days\n", deleted, days)
	return nil
}
