package repositories

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/desertthunder/m3usync/internal/models"
	"github.com/desertthunder/m3usync/internal/shared"
)

// TrackCacheRepository memoizes local track path to remote track id
// resolutions so repeated sync cycles skip the provider search.
//
// local_path is the unique key. A row may carry an ISRC without a remote id
// when the code was extracted locally but the search has not succeeded yet.
type TrackCacheRepository struct {
	db *sql.DB
}

// NewTrackCacheRepository creates a new TrackCacheRepository with the given database connection
func NewTrackCacheRepository(db *sql.DB) *TrackCacheRepository {
	return &TrackCacheRepository{db: db}
}

// GetByPath retrieves the cached resolution for a local path.
// Returns [shared.ErrNotFound] on a cache miss.
func (r *TrackCacheRepository) GetByPath(localPath string) (*models.Resolution, error) {
	query := `
		SELECT isrc, local_path, remote_id, resolved_at
		FROM track_cache
		WHERE local_path = ?
	`

	var (
		isrc       sql.NullString
		path       string
		remoteID   sql.NullString
		resolvedAt sql.NullInt64
	)

	err := r.db.QueryRow(query, localPath).Scan(&isrc, &path, &remoteID, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan track cache entry: %w", err)
	}

	return &models.Resolution{
		LocalPath:  path,
		ISRC:       isrc.String,
		RemoteID:   remoteID.String,
		ResolvedAt: time.Unix(resolvedAt.Int64, 0),
	}, nil
}

// Upsert stores or refreshes a resolution keyed by local path.
func (r *TrackCacheRepository) Upsert(localPath, isrc, remoteID string) error {
	query := `
		INSERT INTO track_cache (isrc, local_path, remote_id, resolved_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(local_path) DO UPDATE SET
			isrc = excluded.isrc,
			remote_id = excluded.remote_id,
			resolved_at = excluded.resolved_at
	`

	_, err := r.db.Exec(query, nullable(isrc), localPath, nullable(remoteID), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert track cache entry: %w", err)
	}

	return nil
}

// Invalidate clears the remote id for a local path while keeping the ISRC,
// used when the provider reports the cached remote id as gone.
func (r *TrackCacheRepository) Invalidate(localPath string) error {
	if _, err := r.db.Exec("UPDATE track_cache SET remote_id = NULL WHERE local_path = ?", localPath); err != nil {
		return fmt.Errorf("failed to invalidate track cache entry: %w", err)
	}
	return nil
}

// Count returns the number of cached resolutions.
func (r *TrackCacheRepository) Count() (int, error) {
	var count int
	if err := r.db.QueryRow("SELECT COUNT(*) FROM track_cache").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count track cache entries: %w", err)
	}
	return count, nil
}
