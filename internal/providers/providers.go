package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/desertthunder/m3usync/internal/models"
	"github.com/desertthunder/m3usync/internal/shared"
)

// Provider defines the capability surface the sync engine needs from a
// remote music service.
type Provider interface {
	// Name returns the provider's name (e.g., "spotify", "tidal")
	Name() string

	// RefreshCredentials exchanges the stored refresh token for a fresh
	// access token and persists the result. Failure wraps
	// [shared.ErrAuthFailed]; affected events stay unsynced for a later cycle.
	RefreshCredentials(ctx context.Context) error

	// SearchTrack resolves a track query to a remote track id. A miss wraps
	// [shared.ErrTrackNotFound].
	SearchTrack(ctx context.Context, q TrackQuery) (string, error)

	// GetPlaylist reads the current remote snapshot: version token plus the
	// ordered track ids.
	GetPlaylist(ctx context.Context, remoteID string) (*Snapshot, error)

	// CreatePlaylist creates an empty remote playlist and returns its id and
	// initial snapshot token.
	CreatePlaylist(ctx context.Context, name, description string) (*Snapshot, error)

	// RenamePlaylist renames the remote playlist in place.
	RenamePlaylist(ctx context.Context, remoteID, newName string) error

	// DeletePlaylist removes (or unfollows) the remote playlist.
	DeletePlaylist(ctx context.Context, remoteID string) error

	// ApplyDiff applies the ordered diff against the given snapshot token and
	// returns the new token. When the remote changed underneath the caller it
	// wraps [shared.ErrStaleSnapshot] and performs no mutation.
	ApplyDiff(ctx context.Context, remoteID, expectedSnapshot string, diff models.Diff) (string, error)
}

// TrackQuery carries the identities available for resolving one local track.
// ISRC is preferred when present; title/artist are the metadata fallback.
type TrackQuery struct {
	Title  string
	Artist string
	ISRC   string
}

// Snapshot is a point-in-time view of a remote playlist: the provider's
// opaque version token and the full track order.
type Snapshot struct {
	RemoteID   string
	SnapshotID string
	TrackIDs   []string
}

// RateLimitError reports a provider 429 with the server-specified delay.
// It unwraps to [shared.ErrRateLimited] so callers can match either way.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return shared.ErrRateLimited }
