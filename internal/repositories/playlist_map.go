package repositories

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/desertthunder/m3usync/internal/models"
	"github.com/desertthunder/m3usync/internal/shared"
)

// PlaylistMapRepository maintains the local-to-remote playlist identity map.
//
// The remote_snapshot_id column holds the provider's opaque version token as
// last observed by a successful write; it is the optimistic-concurrency guard
// for every remote mutation.
type PlaylistMapRepository struct {
	db *sql.DB
}

// NewPlaylistMapRepository creates a new PlaylistMapRepository with the given database connection
func NewPlaylistMapRepository(db *sql.DB) *PlaylistMapRepository {
	return &PlaylistMapRepository{db: db}
}

// Get retrieves the mapping for a playlist name.
// Returns [shared.ErrNotFound] when no mapping exists yet.
func (r *PlaylistMapRepository) Get(playlistName string) (*models.Mapping, error) {
	query := `
		SELECT playlist_name, remote_id, remote_snapshot_id, last_synced_at
		FROM playlist_map
		WHERE playlist_name = ?
	`

	return scanMapping(r.db.QueryRow(query, playlistName))
}

// All returns every known mapping, ordered by playlist name.
func (r *PlaylistMapRepository) All() ([]models.Mapping, error) {
	query := `
		SELECT playlist_name, remote_id, remote_snapshot_id, last_synced_at
		FROM playlist_map
		ORDER BY playlist_name ASC
	`

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query playlist map: %w", err)
	}
	defer rows.Close()

	var mappings []models.Mapping
	for rows.Next() {
		var (
			name     string
			remoteID sql.NullString
			snapshot sql.NullString
			syncedAt sql.NullInt64
		)
		if err := rows.Scan(&name, &remoteID, &snapshot, &syncedAt); err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		mappings = append(mappings, models.Mapping{
			PlaylistName: name,
			RemoteID:     remoteID.String,
			SnapshotID:   snapshot.String,
			LastSyncedAt: time.Unix(syncedAt.Int64, 0),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return mappings, nil
}

// Upsert records the remote identity and snapshot token for a playlist,
// stamping last_synced_at with the current time.
func (r *PlaylistMapRepository) Upsert(playlistName, remoteID, snapshotID string) error {
	query := `
		INSERT INTO playlist_map (playlist_name, remote_id, remote_snapshot_id, last_synced_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(playlist_name) DO UPDATE SET
			remote_id = excluded.remote_id,
			remote_snapshot_id = excluded.remote_snapshot_id,
			last_synced_at = excluded.last_synced_at
	`

	_, err := r.db.Exec(query, playlistName, remoteID, snapshotID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert playlist mapping: %w", err)
	}

	return nil
}

// Rename moves a mapping to a new playlist name, keeping remote identity and
// snapshot. Used when a local folder rename produces a rename event.
func (r *PlaylistMapRepository) Rename(oldName, newName string) error {
	result, err := r.db.Exec("UPDATE playlist_map SET playlist_name = ? WHERE playlist_name = ?", newName, oldName)
	if err != nil {
		return fmt.Errorf("failed to rename playlist mapping: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("mapping for %q: %w", oldName, shared.ErrNotFound)
	}

	return nil
}

// Delete removes the mapping for a playlist name. Deleting an absent mapping
// is not an error; a crash between remote delete and local cleanup must be
// retryable.
func (r *PlaylistMapRepository) Delete(playlistName string) error {
	if _, err := r.db.Exec("DELETE FROM playlist_map WHERE playlist_name = ?", playlistName); err != nil {
		return fmt.Errorf("failed to delete playlist mapping: %w", err)
	}
	return nil
}

// scanMapping scans a single row into a [models.Mapping]
func scanMapping(row *sql.Row) (*models.Mapping, error) {
	var (
		name     string
		remoteID sql.NullString
		snapshot sql.NullString
		syncedAt sql.NullInt64
	)

	err := row.Scan(&name, &remoteID, &snapshot, &syncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan mapping: %w", err)
	}

	return &models.Mapping{
		PlaylistName: name,
		RemoteID:     remoteID.String,
		SnapshotID:   snapshot.String,
		LastSyncedAt: time.Unix(syncedAt.Int64, 0),
	}, nil
}
