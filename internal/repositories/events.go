package repositories

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/desertthunder/m3usync/internal/models"
)

// EventRepository handles the append-only change log in event_queue.
//
// Events are appended by the watcher and drained (marked synced) by the
// worker and reconciler. Rows are never mutated apart from the is_synced
// flag; pruning of synced rows is a maintenance operation outside the sync
// critical path.
type EventRepository struct {
	db *sql.DB
}

// NewEventRepository creates a new EventRepository with the given database connection
func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Append inserts a new unsynced change event. The stored timestamp has
// millisecond precision so same-second edits keep their relative order.
func (r *EventRepository) Append(playlistName string, action models.Action, trackPath, extra string) error {
	if !action.Valid() {
		return fmt.Errorf("invalid action %q", action)
	}

	query := `
		INSERT INTO event_queue (timestamp, playlist_name, action, track_path, extra, is_synced)
		VALUES (?, ?, ?, ?, ?, 0)
	`

	_, err := r.db.Exec(query, time.Now().UnixMilli(), playlistName, string(action), nullable(trackPath), nullable(extra))
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// UnsyncedPlaylists returns the distinct playlist names that have pending
// events, in order of their oldest pending event.
func (r *EventRepository) UnsyncedPlaylists() ([]string, error) {
	query := `
		SELECT playlist_name FROM event_queue
		WHERE is_synced = 0
		GROUP BY playlist_name
		ORDER BY MIN(timestamp) ASC
	`

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsynced playlists: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan playlist name: %w", err)
		}
		names = append(names, name)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return names, nil
}

// UnsyncedForPlaylist returns all pending events for one playlist ordered by
// timestamp ascending, the order in which they must be folded and applied.
func (r *EventRepository) UnsyncedForPlaylist(playlistName string) ([]models.Event, error) {
	query := `
		SELECT id, timestamp, playlist_name, action, track_path, extra, is_synced
		FROM event_queue
		WHERE is_synced = 0 AND playlist_name = ?
		ORDER BY timestamp ASC, id ASC
	`

	rows, err := r.db.Query(query, playlistName)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsynced events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return events, nil
}

// CountUnsynced returns the total number of pending events across all
// playlists, used for the worker's backpressure check.
func (r *EventRepository) CountUnsynced() (int, error) {
	var count int
	err := r.db.QueryRow("SELECT COUNT(*) FROM event_queue WHERE is_synced = 0").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unsynced events: %w", err)
	}
	return count, nil
}

// MarkSynced flips the synced flag for the given event ids in one transaction.
func (r *EventRepository) MarkSynced(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.Exec("UPDATE event_queue SET is_synced = 1 WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to mark event %d synced: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	return nil
}

// PruneSynced removes synced rows older than the cutoff and returns the
// number of rows deleted. Compaction only; never touches unsynced rows.
func (r *EventRepository) PruneSynced(olderThan time.Time) (int64, error) {
	result, err := r.db.Exec("DELETE FROM event_queue WHERE is_synced = 1 AND timestamp < ?", olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune synced events: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	return removed, nil
}

// scanEvent scans a row from [sql.Rows] into a [models.Event]
func scanEvent(rows *sql.Rows) (models.Event, error) {
	var (
		id        int64
		ts        int64
		name      string
		action    string
		trackPath sql.NullString
		extra     sql.NullString
		synced    int64
	)

	if err := rows.Scan(&id, &ts, &name, &action, &trackPath, &extra, &synced); err != nil {
		return models.Event{}, fmt.Errorf("failed to scan event: %w", err)
	}

	return models.Event{
		ID:           id,
		Timestamp:    time.UnixMilli(ts),
		PlaylistName: name,
		Action:       models.Action(action),
		TrackPath:    trackPath.String,
		Extra:        extra.String,
		Synced:       synced != 0,
	}, nil
}

// nullable maps empty strings to NULL so optional columns stay NULL-clean.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
