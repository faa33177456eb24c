// package models defines the data model for the playlist sync engine: the
// durable change log entry, the local-to-remote playlist mapping, the track
// resolution cache entry, provider credentials, processing leases, and the
// ordered diff applied to remote playlists.
package models
