package shared

import "fmt"

var (
	// Configuration errors
	ErrInvalidConfig      = fmt.Errorf("invalid configuration")
	ErrMissingCredentials = fmt.Errorf("missing credentials")

	// Authentication errors
	ErrAuthExpired = fmt.Errorf("access token expired")
	ErrAuthFailed  = fmt.Errorf("authentication failed")
	ErrNotAuthed   = fmt.Errorf("not authenticated")
	ErrNoRefresh   = fmt.Errorf("no refresh token available")
	ErrRefreshBusy = fmt.Errorf("credential refresh already in progress")

	// Provider outcome categories. Every provider implementation maps its
	// wire-level failures onto these so worker and reconciler retry logic
	// stays provider-agnostic.
	ErrStaleSnapshot    = fmt.Errorf("remote snapshot is stale")
	ErrRateLimited      = fmt.Errorf("rate limited by provider")
	ErrTrackNotFound    = fmt.Errorf("track not found")
	ErrPlaylistNotFound = fmt.Errorf("playlist not found")
	ErrAPIRequest       = fmt.Errorf("API request failed")

	// Lease errors
	ErrLeaseBusy = fmt.Errorf("playlist lease held by another worker")

	// Store errors
	ErrStoreContention = fmt.Errorf("store transaction contention")
	ErrNotFound        = fmt.Errorf("record not found")
)
