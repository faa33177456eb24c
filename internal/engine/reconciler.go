package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/m3usync/internal/models"
	"github.com/desertthunder/m3usync/internal/playlist"
	"github.com/desertthunder/m3usync/internal/providers"
	"github.com/desertthunder/m3usync/internal/repositories"
	"github.com/desertthunder/m3usync/internal/shared"
	"github.com/desertthunder/m3usync/internal/watcher"
)

// Reconciler converges remote playlists to the local library regardless of
// what the change log says: per folder it reads the local .m3u as the
// authority, reads the remote playlist, and applies the element-wise
// difference. Two consecutive runs over an unchanged library make zero
// mutation calls on the second run.
type Reconciler struct {
	cfg      *shared.Config
	logger   *log.Logger
	mappings *repositories.PlaylistMapRepository
	leases   *repositories.LeaseRepository
	resolver *Resolver
	guard    *RefreshGuard
	provider providers.Provider
	id       string
}

// NewReconciler wires a reconciler over the store with a fresh holder
// identity. Like the worker it binds to a single provider; the mapping and
// cache tables hold one remote id per row.
func NewReconciler(cfg *shared.Config, db *sql.DB, provider providers.Provider, logger *log.Logger) *Reconciler {
	leases := repositories.NewLeaseRepository(db)
	return &Reconciler{
		cfg:      cfg,
		logger:   logger,
		mappings: repositories.NewPlaylistMapRepository(db),
		leases:   leases,
		resolver: NewResolver(repositories.NewTrackCacheRepository(db), logger),
		guard:    NewRefreshGuard(leases, logger),
		provider: provider,
		id:       shared.GenerateID(),
	}
}

// RunOnce performs one reconciliation pass over every folder in the library.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	if r.provider == nil {
		r.logger.Warn("no authenticated provider, nothing to reconcile")
		return nil
	}

	root := r.cfg.Library.RootFolder
	tree, err := watcher.BuildTree(root, watcher.SplitWhitelist(r.cfg.Library.Whitelist), r.cfg.Library.FileExtensions)
	if err != nil {
		return err
	}

	for folder := range tree.Nodes {
		if err := r.reconcileFolder(ctx, r.provider, folder); err != nil {
			if ctx.Err() != nil {
				return err
			}
			if errors.Is(err, shared.ErrLeaseBusy) {
				r.logger.Info("lease busy, skipping", "folder", folder)
				continue
			}
			r.logger.Error("failed to reconcile folder", "provider", r.provider.Name(), "folder", folder, "error", err)
		}
	}

	return nil
}

// reconcileFolder converges one folder's playlist on one provider.
func (r *Reconciler) reconcileFolder(ctx context.Context, p providers.Provider, folder string) error {
	name := r.playlistName(folder)

	ok, err := r.leases.Acquire(name, r.id, r.cfg.LeaseTTL())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("playlist %s: %w", name, shared.ErrLeaseBusy)
	}
	defer func() {
		if err := r.leases.Release(name, r.id); err != nil {
			r.logger.Warn("failed to release lease", "playlist", name, "error", err)
		}
	}()

	desired, err := r.desiredTracks(folder, name)
	if err != nil {
		return err
	}
	if len(desired) == 0 {
		// empty folders are not pushed; deletion flows through the change log
		return nil
	}

	desiredIDs, err := r.resolver.ResolveAll(ctx, p, desired)
	if err != nil {
		return err
	}

	mapping, err := r.mappings.Get(name)
	if errors.Is(err, shared.ErrNotFound) {
		mapping = nil
	} else if err != nil {
		return err
	}

	var snap *providers.Snapshot
	if mapping != nil && mapping.RemoteID != "" {
		err = retryOp(ctx, r.cfg, r.logger, r.guard, p, func() error {
			s, gerr := p.GetPlaylist(ctx, mapping.RemoteID)
			if gerr == nil {
				snap = s
			}
			return gerr
		})
		if errors.Is(err, shared.ErrPlaylistNotFound) {
			// remote vanished; recreate under the same local name
			r.logger.Warn("remote playlist vanished, recreating", "playlist", name, "remote_id", mapping.RemoteID)
			mapping = nil
			err = nil
		}
		if err != nil {
			return err
		}
	}

	if mapping == nil {
		created, err := r.createRemote(ctx, p, name)
		if err != nil {
			return err
		}
		mapping = &models.Mapping{PlaylistName: name, RemoteID: created.RemoteID, SnapshotID: created.SnapshotID}
		snap = created
	}

	if slices.Equal(desiredIDs, snap.TrackIDs) {
		r.logger.Debug("playlist in sync", "playlist", name)
		return nil
	}

	diff := reconcileDiff(desiredIDs, snap.TrackIDs)

	// CAS against the token just observed, not a possibly older stored one
	mapping.SnapshotID = snap.SnapshotID
	if err := applyWithCAS(ctx, r.cfg, r.logger, r.guard, p, r.mappings, mapping, diff); err != nil {
		if errors.Is(err, shared.ErrTrackNotFound) {
			r.resolver.InvalidateAll(desired)
		}
		return err
	}
	return nil
}

// desiredTracks reads the folder's .m3u as the desired track order, writing
// it fresh from the folder contents when absent. Entries that are not audio
// files (linked-mode playlist references) are dropped.
func (r *Reconciler) desiredTracks(folder, name string) ([]string, error) {
	path := filepath.Join(folder, name)

	if _, err := os.Stat(path); err != nil {
		if err := playlist.WriteFlat(folder, path, r.cfg.Library.PlaylistOrderMode, r.cfg.Library.FileExtensions); err != nil {
			return nil, err
		}
	}

	entries, err := playlist.ParseM3UFile(path)
	if err != nil {
		return nil, err
	}

	var tracks []string
	for _, entry := range entries {
		if !filepath.IsAbs(entry) {
			entry = filepath.Join(folder, entry)
		}
		if playlist.MatchesExtension(entry, r.cfg.Library.FileExtensions) {
			tracks = append(tracks, entry)
		}
	}
	return tracks, nil
}

// createRemote creates the remote playlist and persists the mapping.
func (r *Reconciler) createRemote(ctx context.Context, p providers.Provider, name string) (*providers.Snapshot, error) {
	var snap *providers.Snapshot
	err := retryOp(ctx, r.cfg, r.logger, r.guard, p, func() error {
		s, cerr := p.CreatePlaylist(ctx, remoteDisplayName(r.cfg, name), "")
		if cerr == nil {
			snap = s
		}
		return cerr
	})
	if err != nil {
		return nil, err
	}

	if err := r.mappings.Upsert(name, snap.RemoteID, snap.SnapshotID); err != nil {
		return nil, err
	}

	r.logger.Info("created remote playlist", "playlist", name, "remote_id", snap.RemoteID)
	return snap, nil
}

// playlistName derives a folder's playlist name from the local template, the
// same way the watcher names it.
func (r *Reconciler) playlistName(folder string) string {
	folderName := filepath.Base(folder)

	parent := ""
	if folder != r.cfg.Library.RootFolder {
		if rel, err := filepath.Rel(r.cfg.Library.RootFolder, filepath.Dir(folder)); err == nil && rel != "." {
			parent = rel + string(filepath.Separator)
		}
	}

	return playlist.ExpandTemplate(r.cfg.Library.LocalPlaylistTemplate, folderName, parent)
}

// reconcileDiff computes the element-wise change set that turns remote into
// desired. Membership changes become adds and removes; when the shared
// elements also disagree on order the whole desired sequence is written
// instead.
func reconcileDiff(desired, remote []string) models.Diff {
	desiredSet := make(map[string]bool, len(desired))
	for _, id := range desired {
		desiredSet[id] = true
	}
	remoteSet := make(map[string]bool, len(remote))
	for _, id := range remote {
		remoteSet[id] = true
	}

	var adds, removes []string
	for _, id := range desired {
		if !remoteSet[id] {
			adds = append(adds, id)
		}
	}
	for _, id := range remote {
		if !desiredSet[id] {
			removes = append(removes, id)
		}
	}

	// providers append adds at the tail; simulate the outcome and fall back
	// to a full-order write when adds/removes alone cannot land on desired
	var result []string
	for _, id := range remote {
		if desiredSet[id] {
			result = append(result, id)
		}
	}
	result = append(result, adds...)

	if !slices.Equal(result, desired) {
		return models.Diff{Order: desired}
	}
	return models.Diff{Add: adds, Remove: removes}
}
