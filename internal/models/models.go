package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Action identifies the kind of local mutation a change event records.
type Action string

const (
	ActionAdd     Action = "add"
	ActionRemove  Action = "remove"
	ActionReorder Action = "reorder"
	ActionRename  Action = "rename"
	ActionCreate  Action = "create"
	ActionDelete  Action = "delete"
)

// Valid reports whether a is one of the recognized actions. Rows written by
// newer versions with unknown actions are skipped, not fatal.
func (a Action) Valid() bool {
	switch a {
	case ActionAdd, ActionRemove, ActionReorder, ActionRename, ActionCreate, ActionDelete:
		return true
	}
	return false
}

// Event is one detected local mutation, appended by the watcher and drained
// by the worker. Immutable once created except for the Synced flag.
type Event struct {
	ID           int64
	Timestamp    time.Time
	PlaylistName string
	Action       Action
	TrackPath    string
	Extra        string
	Synced       bool
}

// RenamePayload is the structured extra carried by rename events.
type RenamePayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ReorderPayload is the structured extra carried by reorder events: the full
// desired track order as local paths.
type ReorderPayload struct {
	Order []string `json:"order"`
}

// Rename decodes the rename payload from the event's extra field.
func (e Event) Rename() (RenamePayload, error) {
	var p RenamePayload
	if e.Action != ActionRename {
		return p, fmt.Errorf("event %d is %q, not a rename", e.ID, e.Action)
	}
	if err := json.Unmarshal([]byte(e.Extra), &p); err != nil {
		return p, fmt.Errorf("failed to decode rename payload: %w", err)
	}
	return p, nil
}

// Reorder decodes the reorder payload from the event's extra field.
func (e Event) Reorder() (ReorderPayload, error) {
	var p ReorderPayload
	if e.Action != ActionReorder {
		return p, fmt.Errorf("event %d is %q, not a reorder", e.ID, e.Action)
	}
	if err := json.Unmarshal([]byte(e.Extra), &p); err != nil {
		return p, fmt.Errorf("failed to decode reorder payload: %w", err)
	}
	return p, nil
}

// EncodeRename builds the extra payload for a rename event.
func EncodeRename(from, to string) string {
	b, _ := json.Marshal(RenamePayload{From: from, To: to})
	return string(b)
}

// EncodeReorder builds the extra payload for a reorder event.
func EncodeReorder(order []string) string {
	b, _ := json.Marshal(ReorderPayload{Order: order})
	return string(b)
}

// Mapping is the authoritative local-to-remote identity for one playlist.
//
// SnapshotID is the opaque version token last observed from the provider; a
// mismatch on write means someone else changed the remote playlist and the
// worker must re-fetch before writing.
type Mapping struct {
	PlaylistName string
	RemoteID     string
	SnapshotID   string
	LastSyncedAt time.Time
}

// Resolution memoizes the mapping from a local track identity to a remote
// track id. LocalPath is the unique key; ISRC is kept when extractable so a
// later provider can re-resolve without a metadata search.
type Resolution struct {
	LocalPath  string
	ISRC       string
	RemoteID   string
	ResolvedAt time.Time
}

// Resolved reports whether the entry carries a usable remote id.
func (r Resolution) Resolved() bool { return r.RemoteID != "" }

// Credential is one set of provider tokens, stored as the JSON encoding of
// an oauth2 token.
type Credential struct {
	Provider      string
	TokenJSON     string
	LastRefreshed time.Time
}

// Lease is the mutual-exclusion record for a playlist. A lease is valid only
// while now < ExpiresAt; an expired lease may be reclaimed by any holder.
type Lease struct {
	PlaylistName string
	WorkerID     string
	LockedAt     time.Time
	ExpiresAt    time.Time
}

// Expired reports whether the lease has lapsed at the given instant.
func (l Lease) Expired(now time.Time) bool { return !now.Before(l.ExpiresAt) }

// Diff is the minimal ordered change set to apply to a remote playlist.
// Add and Remove carry remote track ids. A non-nil Order means the remote
// playlist should end up as exactly that sequence of remote ids.
type Diff struct {
	Add    []string
	Remove []string
	Order  []string
}

// Empty reports whether applying the diff would be a no-op.
func (d Diff) Empty() bool {
	return len(d.Add) == 0 && len(d.Remove) == 0 && d.Order == nil
}
