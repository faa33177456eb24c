// package providers defines the Provider capability interface and its
// Spotify and Tidal implementations.
//
// The worker and reconciler consume this interface exclusively; every
// implementation maps its wire-level failures onto the shared outcome
// categories (stale snapshot, rate limited, auth expired, track not found)
// so retry logic never branches on provider identity.
package providers
