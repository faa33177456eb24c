package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/m3usync/internal/models"
	"github.com/desertthunder/m3usync/internal/playlist"
	"github.com/desertthunder/m3usync/internal/providers"
	"github.com/desertthunder/m3usync/internal/repositories"
	"github.com/desertthunder/m3usync/internal/shared"
)

// Worker drains the change log: it groups pending events by playlist,
// acquires the playlist's lease, folds the run into minimal operations,
// resolves tracks, and applies the result to the active provider under
// snapshot compare-and-swap.
//
// A store binds to exactly one provider: playlist_map and track_cache hold a
// single remote id per row, so the ids of a second service would corrupt
// them. Syncing another service needs its own database.
type Worker struct {
	cfg      *shared.Config
	logger   *log.Logger
	events   *repositories.EventRepository
	mappings *repositories.PlaylistMapRepository
	leases   *repositories.LeaseRepository
	resolver *Resolver
	guard    *RefreshGuard
	provider providers.Provider
	id       string
}

// NewWorker wires a worker over the store with a fresh holder identity.
func NewWorker(cfg *shared.Config, db *sql.DB, provider providers.Provider, logger *log.Logger) *Worker {
	leases := repositories.NewLeaseRepository(db)
	return &Worker{
		cfg:      cfg,
		logger:   logger,
		events:   repositories.NewEventRepository(db),
		mappings: repositories.NewPlaylistMapRepository(db),
		leases:   leases,
		resolver: NewResolver(repositories.NewTrackCacheRepository(db), logger),
		guard:    NewRefreshGuard(leases, logger),
		provider: provider,
		id:       shared.GenerateID(),
	}
}

// RunOnce performs one worker pass over every playlist with pending events.
// Per-playlist failures are logged and leave that playlist's events unsynced;
// they do not abort the pass.
func (w *Worker) RunOnce(ctx context.Context) error {
	count, err := w.events.CountUnsynced()
	if err != nil {
		return err
	}
	if count == 0 {
		w.logger.Info("no pending events")
		return nil
	}

	if threshold := w.cfg.Sync.QueueStopThreshold; threshold > 0 && count > threshold {
		w.logger.Warn("queue length over threshold, skipping cycle", "pending", count, "threshold", threshold)
		return nil
	}

	if w.provider == nil {
		w.logger.Warn("no authenticated provider, queue will not be consumed")
		return nil
	}

	names, err := w.events.UnsyncedPlaylists()
	if err != nil {
		return err
	}

	w.logger.Info("processing pending events", "provider", w.provider.Name(), "playlists", len(names))
	for _, name := range names {
		if err := w.processPlaylist(ctx, w.provider, name); err != nil {
			if ctx.Err() != nil {
				return err
			}
			if errors.Is(err, shared.ErrLeaseBusy) {
				w.logger.Info("lease busy, skipping", "playlist", name)
				continue
			}
			w.logger.Error("failed to process playlist", "provider", w.provider.Name(), "playlist", name, "error", err)
		}
	}

	return nil
}

// processPlaylist handles one playlist's pending run against one provider.
func (w *Worker) processPlaylist(ctx context.Context, p providers.Provider, name string) error {
	ok, err := w.leases.Acquire(name, w.id, w.cfg.LeaseTTL())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("playlist %s: %w", name, shared.ErrLeaseBusy)
	}
	defer func() {
		if err := w.leases.Release(name, w.id); err != nil {
			w.logger.Warn("failed to release lease", "playlist", name, "error", err)
		}
	}()

	// re-read under the lease so a concurrent drain is not double-applied
	events, err := w.events.UnsyncedForPlaylist(name)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	ids := make([]int64, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}

	folded := Fold(events)

	mapping, err := w.mappings.Get(name)
	if errors.Is(err, shared.ErrNotFound) {
		mapping = nil
	} else if err != nil {
		return err
	}

	if folded.Delete {
		return w.deletePlaylist(ctx, p, name, mapping, ids)
	}

	if mapping == nil || mapping.RemoteID == "" {
		snap, err := w.createRemote(ctx, p, name)
		if err != nil {
			return err
		}
		mapping = &models.Mapping{PlaylistName: name, RemoteID: snap.RemoteID, SnapshotID: snap.SnapshotID}
	}

	if folded.Rename != nil {
		rename := folded.Rename
		err := retryOp(ctx, w.cfg, w.logger, w.guard, p, func() error {
			return p.RenamePlaylist(ctx, mapping.RemoteID, remoteDisplayName(w.cfg, rename.To))
		})
		if err != nil {
			return err
		}
		if rename.To != name {
			if err := w.mappings.Rename(name, rename.To); err != nil && !errors.Is(err, shared.ErrNotFound) {
				return err
			}
			mapping.PlaylistName = rename.To
		}
	}

	addIDs, err := w.resolver.ResolveAll(ctx, p, folded.Adds)
	if err != nil {
		return err
	}
	removeIDs, err := w.resolver.ResolveAll(ctx, p, folded.Removes)
	if err != nil {
		return err
	}

	diff := models.Diff{Add: addIDs, Remove: removeIDs}
	if folded.Order != nil {
		orderIDs, err := w.resolver.ResolveAll(ctx, p, folded.Order)
		if err != nil {
			return err
		}
		diff.Order = orderIDs
	}

	if !diff.Empty() {
		if err := w.applyDiff(ctx, p, mapping, diff); err != nil {
			if errors.Is(err, shared.ErrTrackNotFound) {
				// a cached remote id the provider no longer knows; clear it
				// so the next cycle re-resolves
				w.resolver.InvalidateAll(append(folded.Adds, folded.Order...))
			}
			return err
		}
	}

	return w.events.MarkSynced(ids)
}

// deletePlaylist removes the remote playlist and the local mapping. Local
// cleanup proceeds even when the remote delete keeps failing; a mapping left
// behind would resurrect the playlist on the next create.
func (w *Worker) deletePlaylist(ctx context.Context, p providers.Provider, name string, mapping *models.Mapping, ids []int64) error {
	if mapping != nil && mapping.RemoteID != "" {
		err := retryOp(ctx, w.cfg, w.logger, w.guard, p, func() error {
			err := p.DeletePlaylist(ctx, mapping.RemoteID)
			if errors.Is(err, shared.ErrPlaylistNotFound) {
				return nil
			}
			return err
		})
		if err != nil {
			w.logger.Error("failed to delete remote playlist", "playlist", name, "remote_id", mapping.RemoteID, "error", err)
		} else {
			w.logger.Info("deleted remote playlist", "playlist", name, "remote_id", mapping.RemoteID)
		}
	}

	if err := w.mappings.Delete(name); err != nil {
		return err
	}
	return w.events.MarkSynced(ids)
}

// createRemote creates the remote playlist and persists the new mapping.
func (w *Worker) createRemote(ctx context.Context, p providers.Provider, name string) (*providers.Snapshot, error) {
	var snap *providers.Snapshot
	err := retryOp(ctx, w.cfg, w.logger, w.guard, p, func() error {
		s, err := p.CreatePlaylist(ctx, remoteDisplayName(w.cfg, name), "")
		if err == nil {
			snap = s
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := w.mappings.Upsert(name, snap.RemoteID, snap.SnapshotID); err != nil {
		return nil, err
	}

	w.logger.Info("created remote playlist", "playlist", name, "remote_id", snap.RemoteID)
	return snap, nil
}

// applyDiff applies the diff under snapshot compare-and-swap.
func (w *Worker) applyDiff(ctx context.Context, p providers.Provider, mapping *models.Mapping, diff models.Diff) error {
	return applyWithCAS(ctx, w.cfg, w.logger, w.guard, p, w.mappings, mapping, diff)
}

// applyWithCAS applies a diff under snapshot compare-and-swap. The remote is
// read first and the diff recomputed against what is actually there, so a
// re-delivered diff whose operations already landed applies nothing; this is
// what makes a crash between the remote write and MarkSynced safe to replay.
// The write is guarded by the token just observed; if another editor slips in
// between the read and the write the provider reports a stale snapshot and
// the read-recompute-write sequence runs once more. The mapping row is
// updated with the new token on success.
func applyWithCAS(ctx context.Context, cfg *shared.Config, logger *log.Logger, guard *RefreshGuard, p providers.Provider, mappings *repositories.PlaylistMapRepository, mapping *models.Mapping, diff models.Diff) error {
	var newSnapshot string

	for attempt := 0; ; attempt++ {
		var snap *providers.Snapshot
		err := retryOp(ctx, cfg, logger, guard, p, func() error {
			s, gerr := p.GetPlaylist(ctx, mapping.RemoteID)
			if gerr == nil {
				snap = s
			}
			return gerr
		})
		if err != nil {
			return err
		}

		effective := recomputeDiff(diff, snap.TrackIDs)
		if effective.Empty() {
			newSnapshot = snap.SnapshotID
			break
		}

		err = retryOp(ctx, cfg, logger, guard, p, func() error {
			s, aerr := p.ApplyDiff(ctx, mapping.RemoteID, snap.SnapshotID, effective)
			if aerr == nil {
				newSnapshot = s
			}
			return aerr
		})
		if errors.Is(err, shared.ErrStaleSnapshot) && attempt == 0 {
			logger.Info("remote changed underneath, recomputing", "playlist", mapping.PlaylistName)
			continue
		}
		if err != nil {
			return err
		}
		break
	}

	mapping.SnapshotID = newSnapshot
	return mappings.Upsert(mapping.PlaylistName, mapping.RemoteID, newSnapshot)
}

// recomputeDiff drops operations the observed remote state already
// satisfies. A full-order replace survives unless the remote is already in
// that exact sequence.
func recomputeDiff(diff models.Diff, remoteTrackIDs []string) models.Diff {
	if diff.Order != nil {
		if slices.Equal(diff.Order, remoteTrackIDs) {
			return models.Diff{}
		}
		return diff
	}

	remote := make(map[string]bool, len(remoteTrackIDs))
	for _, id := range remoteTrackIDs {
		remote[id] = true
	}

	out := models.Diff{}
	for _, id := range diff.Add {
		if !remote[id] {
			out.Add = append(out.Add, id)
		}
	}
	for _, id := range diff.Remove {
		if remote[id] {
			out.Remove = append(out.Remove, id)
		}
	}
	return out
}

// remoteDisplayName derives the remote-facing playlist name from the local
// playlist name via the remote template; the .m3u suffix never travels to
// providers.
func remoteDisplayName(cfg *shared.Config, localName string) string {
	base := localName
	switch strings.ToLower(filepath.Ext(base)) {
	case ".m3u", ".m3u8":
		base = strings.TrimSuffix(base, filepath.Ext(base))
	}

	template := cfg.Library.RemotePlaylistTemplate
	if template == "" {
		return base
	}
	return playlist.ExpandTemplate(template, filepath.Base(base), parentOf(base))
}

// parentOf returns the logical parent prefix of a slash-separated playlist
// name, empty when it has none.
func parentOf(name string) string {
	dir := filepath.Dir(name)
	if dir == "." || dir == string(filepath.Separator) {
		return ""
	}
	return dir + string(filepath.Separator)
}

// retryOp runs op with bounded retries. Rate limits honor the provider's
// delay capped by config, falling back to exponential backoff capped at a
// minute. Expired auth triggers one serialized credential refresh. Stale
// snapshots, missing playlists, and unknown tracks return immediately;
// retrying cannot change those outcomes and the caller knows how to recover.
func retryOp(ctx context.Context, cfg *shared.Config, logger *log.Logger, guard *RefreshGuard, p providers.Provider, op func() error) error {
	maxAttempts := cfg.Sync.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	refreshed := false
	var err error
	for attempt := 1; ; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if errors.Is(err, shared.ErrStaleSnapshot) || errors.Is(err, shared.ErrPlaylistNotFound) || errors.Is(err, shared.ErrTrackNotFound) {
			return err
		}
		if attempt >= maxAttempts {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}

		var wait time.Duration
		var rl *providers.RateLimitError
		switch {
		case errors.As(err, &rl):
			wait = rl.RetryAfter
			if wait <= 0 {
				wait = backoff(attempt)
			}
			if max := cfg.MaxRetryAfter(); wait > max {
				wait = max
			}
			logger.Warn("rate limited", "provider", p.Name(), "wait", wait)

		case errors.Is(err, shared.ErrAuthExpired) && !refreshed:
			refreshed = true
			if rerr := guard.Refresh(ctx, p); rerr != nil {
				return fmt.Errorf("%w: %v", shared.ErrAuthFailed, rerr)
			}
			continue

		case errors.Is(err, shared.ErrAuthExpired):
			return err

		default:
			wait = backoff(attempt)
			logger.Warn("retrying after error", "provider", p.Name(), "attempt", attempt, "wait", wait, "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// backoff is exponential in the attempt number, capped at a minute.
func backoff(attempt int) time.Duration {
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<attempt) * time.Second
}
