// package repositories provides the persistence layer over the sqlite store.
//
// One repository per table: change events (event_queue), playlist mappings
// (playlist_map), track resolutions (track_cache), provider credentials
// (credentials) and processing leases (processing_locks). The store is the
// single source of truth for sync state; all cross-process coordination goes
// through these tables, never through in-process locks.
package repositories
