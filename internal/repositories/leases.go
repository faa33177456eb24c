package repositories

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/desertthunder/m3usync/internal/models"
	"github.com/desertthunder/m3usync/internal/shared"
)

// LeaseRepository arbitrates which process may act on a playlist at a time.
//
// A lease is a row in processing_locks valid while now < expires_at. Expired
// rows are reclaimed in place. Acquire and Release are each a single store
// transaction so holders in separate processes cannot interleave.
type LeaseRepository struct {
	db *sql.DB
}

// NewLeaseRepository creates a new LeaseRepository with the given database connection
func NewLeaseRepository(db *sql.DB) *LeaseRepository {
	return &LeaseRepository{db: db}
}

// Acquire attempts to take (or renew) the lease on playlistName for holder
// workerID with the given TTL. It returns true when the caller holds the
// lease afterward: no lease existed, the existing lease expired, or the
// caller already held it (expiry is extended). It returns false when an
// unexpired lease belongs to someone else.
//
// A busy sqlite transaction is retried once; if it is still busy the error
// wraps [shared.ErrStoreContention].
func (r *LeaseRepository) Acquire(playlistName, workerID string, ttl time.Duration) (bool, error) {
	acquired, err := r.tryAcquire(playlistName, workerID, ttl)
	if err != nil && isBusy(err) {
		acquired, err = r.tryAcquire(playlistName, workerID, ttl)
		if err != nil && isBusy(err) {
			return false, fmt.Errorf("%w: %v", shared.ErrStoreContention, err)
		}
	}
	return acquired, err
}

func (r *LeaseRepository) tryAcquire(playlistName, workerID string, ttl time.Duration) (bool, error) {
	now := time.Now()

	tx, err := r.db.Begin()
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		holder    string
		expiresAt int64
	)
	err = tx.QueryRow("SELECT worker_id, expires_at FROM processing_locks WHERE playlist_name = ?", playlistName).
		Scan(&holder, &expiresAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("failed to read lease: %w", err)
	}

	if err == nil && holder != workerID && now.Unix() < expiresAt {
		// active lease held elsewhere
		return false, tx.Commit()
	}

	query := `
		INSERT INTO processing_locks (playlist_name, worker_id, locked_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(playlist_name) DO UPDATE SET
			worker_id = excluded.worker_id,
			locked_at = excluded.locked_at,
			expires_at = excluded.expires_at
	`

	if _, err := tx.Exec(query, playlistName, workerID, now.Unix(), now.Add(ttl).Unix()); err != nil {
		return false, fmt.Errorf("failed to write lease: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit lease: %w", err)
	}

	return true, nil
}

// Release clears the lease only when still held by workerID. Releasing a
// lease someone else reclaimed after expiry is a no-op, never an error.
func (r *LeaseRepository) Release(playlistName, workerID string) error {
	_, err := r.db.Exec("DELETE FROM processing_locks WHERE playlist_name = ? AND worker_id = ?", playlistName, workerID)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// Get returns the current lease row for a playlist, or nil when none exists.
func (r *LeaseRepository) Get(playlistName string) (*models.Lease, error) {
	query := `
		SELECT playlist_name, worker_id, locked_at, expires_at
		FROM processing_locks
		WHERE playlist_name = ?
	`

	var (
		name      string
		holder    string
		lockedAt  int64
		expiresAt int64
	)

	err := r.db.QueryRow(query, playlistName).Scan(&name, &holder, &lockedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan lease: %w", err)
	}

	return &models.Lease{
		PlaylistName: name,
		WorkerID:     holder,
		LockedAt:     time.Unix(lockedAt, 0),
		ExpiresAt:    time.Unix(expiresAt, 0),
	}, nil
}

// isBusy detects sqlite lock contention surfaced as SQLITE_BUSY/SQLITE_LOCKED.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}
