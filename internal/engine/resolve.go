package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/m3usync/internal/playlist"
	"github.com/desertthunder/m3usync/internal/providers"
	"github.com/desertthunder/m3usync/internal/repositories"
	"github.com/desertthunder/m3usync/internal/shared"
)

// Resolver turns local track paths into remote track ids, memoizing through
// the track cache so repeated cycles skip the provider search.
type Resolver struct {
	cache  *repositories.TrackCacheRepository
	logger *log.Logger
}

// NewResolver creates a resolver backed by the track cache.
func NewResolver(cache *repositories.TrackCacheRepository, logger *log.Logger) *Resolver {
	return &Resolver{cache: cache, logger: logger}
}

// Resolve maps a local path to a remote track id for the given provider.
//
// Resolution order: cache hit, then ISRC lookup (cached or extracted from the
// file's tags), then a metadata search derived from tags or the filename. A
// successful resolution is persisted; a miss wraps [shared.ErrTrackNotFound]
// and leaves the cache row unresolved so a later pass can try again.
func (r *Resolver) Resolve(ctx context.Context, p providers.Provider, localPath string) (string, error) {
	var isrc string

	cached, err := r.cache.GetByPath(localPath)
	switch {
	case err == nil:
		if cached.Resolved() {
			return cached.RemoteID, nil
		}
		isrc = cached.ISRC
	case errors.Is(err, shared.ErrNotFound):
		// cache miss
	default:
		return "", err
	}

	tags, err := playlist.ReadTags(localPath)
	if err != nil {
		r.logger.Debug("failed to read tags", "path", localPath, "error", err)
	}

	if isrc == "" && tags.ISRC != "" {
		isrc = tags.ISRC
		// remember the extracted code even before the search succeeds
		if err := r.cache.Upsert(localPath, isrc, ""); err != nil {
			r.logger.Warn("failed to cache ISRC", "path", localPath, "error", err)
		}
	}

	query := providers.TrackQuery{Title: tags.Title, Artist: tags.Artist, ISRC: isrc}
	if query.Title == "" {
		query.Title, query.Artist = playlist.FallbackQuery(localPath)
	}

	remoteID, err := p.SearchTrack(ctx, query)
	if err != nil {
		if errors.Is(err, shared.ErrTrackNotFound) {
			return "", fmt.Errorf("resolve %s: %w", localPath, err)
		}
		return "", err
	}

	if err := r.cache.Upsert(localPath, isrc, remoteID); err != nil {
		r.logger.Warn("failed to cache resolution", "path", localPath, "error", err)
	}

	return remoteID, nil
}

// InvalidateAll clears the cached remote ids for the given paths, keeping
// their ISRCs. Called when the provider rejects a cached id as unknown; the
// next cycle re-resolves from scratch.
func (r *Resolver) InvalidateAll(paths []string) {
	for _, path := range paths {
		if err := r.cache.Invalidate(path); err != nil {
			r.logger.Warn("failed to invalidate cache entry", "path", path, "error", err)
		}
	}
}

// ResolveAll resolves a list of paths, skipping tracks the provider cannot
// find. Any other error aborts so the events stay unsynced for a later cycle.
func (r *Resolver) ResolveAll(ctx context.Context, p providers.Provider, paths []string) ([]string, error) {
	ids := make([]string, 0, len(paths))
	for _, path := range paths {
		id, err := r.Resolve(ctx, p, path)
		if errors.Is(err, shared.ErrTrackNotFound) {
			r.logger.Warn("track not found on provider, skipping", "provider", p.Name(), "path", path)
			continue
		}
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
