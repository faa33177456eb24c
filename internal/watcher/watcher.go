package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/m3usync/internal/models"
	"github.com/desertthunder/m3usync/internal/playlist"
	"github.com/desertthunder/m3usync/internal/repositories"
	"github.com/desertthunder/m3usync/internal/shared"
	"github.com/fsnotify/fsnotify"
)

// flushInterval is how often due debounce entries and stale pending renames
// are swept.
const flushInterval = 50 * time.Millisecond

// pendingRename remembers a rename's vacated path until its destination
// create arrives. Stale entries degrade to plain removes.
type pendingRename struct {
	path  string
	isDir bool
	at    time.Time
}

// Watcher runs the long-lived library watch loop: it mirrors the folder tree
// in memory, rewrites local .m3u files after a quiet period, and appends
// change events to the store for the worker to drain.
type Watcher struct {
	cfg    *shared.Config
	events *repositories.EventRepository
	logger *log.Logger

	mu         sync.Mutex
	tree       *Tree
	debounce   map[string]time.Time
	pending    *pendingRename
	selfWrites map[string]time.Time
}

// NewWatcher creates a watcher over the configured library root.
func NewWatcher(cfg *shared.Config, events *repositories.EventRepository, logger *log.Logger) *Watcher {
	return &Watcher{
		cfg:        cfg,
		events:     events,
		logger:     logger,
		debounce:   make(map[string]time.Time),
		selfWrites: make(map[string]time.Time),
	}
}

// Run blocks until ctx is cancelled. It scans the root, writes the initial
// playlists, then processes filesystem events as they arrive.
func (w *Watcher) Run(ctx context.Context) error {
	root := w.cfg.Library.RootFolder
	if root == "" {
		return fmt.Errorf("watch: %w: library.root_folder is empty", shared.ErrInvalidConfig)
	}

	tree, err := BuildTree(root, SplitWhitelist(w.cfg.Library.Whitelist), w.cfg.Library.FileExtensions)
	if err != nil {
		return err
	}
	w.tree = tree
	w.logger.Info("initial scan complete", "folders", len(tree.Nodes))

	for folder := range tree.Nodes {
		if err := w.writePlaylist(folder); err != nil {
			w.logger.Warn("failed to write initial playlist", "folder", folder, "error", err)
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	defer fsw.Close()

	for folder := range tree.Nodes {
		if err := fsw.Add(folder); err != nil {
			w.logger.Warn("failed to watch folder", "folder", folder, "error", err)
		}
	}

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	w.logger.Info("watching", "root", root)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(fsw, ev)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("filesystem watcher error", "error", err)

		case <-ticker.C:
			w.flush()
		}
	}
}

// handleEvent interprets one raw fsnotify event into tree changes, applies
// them, and records the resulting logical operations.
func (w *Watcher) handleEvent(fsw *fsnotify.Watcher, ev fsnotify.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, change := range w.interpret(ev) {
		if change.Kind == PlaylistEdited {
			w.handlePlaylistEdit(change.Path)
			continue
		}

		ops := w.tree.Apply(change)

		if change.Kind == FolderCreated || change.Kind == FolderRenamed {
			target := change.Path
			if change.Kind == FolderRenamed {
				target = change.To
			}
			if err := fsw.Add(target); err != nil {
				w.logger.Warn("failed to watch new folder", "folder", target, "error", err)
			}
		}

		w.recordOps(ops)
	}
}

// interpret maps a raw event to zero or more changes, pairing Rename+Create
// sequences back into a single rename when they arrive within the debounce
// window.
func (w *Watcher) interpret(ev fsnotify.Event) []Change {
	now := time.Now()

	switch {
	case ev.Has(fsnotify.Create):
		info, err := os.Stat(ev.Name)
		if err != nil {
			return nil
		}

		if w.pending != nil && now.Sub(w.pending.at) <= w.cfg.Debounce() {
			from := *w.pending
			w.pending = nil
			if from.isDir && info.IsDir() {
				return []Change{{Kind: FolderRenamed, Path: from.path, To: ev.Name}}
			}
			if !from.isDir && !info.IsDir() {
				return []Change{{Kind: FileRenamed, Path: from.path, To: ev.Name}}
			}
			// mismatched kinds: surface the vacated path as a remove first
			removed := Change{Kind: FileRemoved, Path: from.path}
			if from.isDir {
				removed = Change{Kind: FolderRemoved, Path: from.path}
			}
			created := Change{Kind: FileCreated, Path: ev.Name}
			if info.IsDir() {
				created = Change{Kind: FolderCreated, Path: ev.Name}
			}
			return []Change{removed, created}
		}

		if info.IsDir() {
			return []Change{{Kind: FolderCreated, Path: ev.Name}}
		}
		if !playlist.MatchesExtension(ev.Name, w.cfg.Library.FileExtensions) {
			return nil
		}
		return []Change{{Kind: FileCreated, Path: ev.Name}}

	case ev.Has(fsnotify.Remove):
		if w.tree.IsFolder(ev.Name) {
			return []Change{{Kind: FolderRemoved, Path: ev.Name}}
		}
		if !playlist.MatchesExtension(ev.Name, w.cfg.Library.FileExtensions) {
			return nil
		}
		return []Change{{Kind: FileRemoved, Path: ev.Name}}

	case ev.Has(fsnotify.Rename):
		// the destination arrives as a separate Create; hold the old path
		w.pending = &pendingRename{
			path:  ev.Name,
			isDir: w.tree.IsFolder(ev.Name),
			at:    now,
		}
		return nil

	case ev.Has(fsnotify.Write):
		info, err := os.Stat(ev.Name)
		if err != nil || info.IsDir() {
			return nil
		}
		if isPlaylistFile(ev.Name) {
			if at, ok := w.selfWrites[ev.Name]; ok && now.Sub(at) <= 2*time.Second {
				return nil
			}
			return []Change{{Kind: PlaylistEdited, Path: ev.Name}}
		}
		if !playlist.MatchesExtension(ev.Name, w.cfg.Library.FileExtensions) {
			return nil
		}
		// a rewrite of a known track is not a membership change
		return []Change{{Kind: FileCreated, Path: ev.Name}}
	}

	return nil
}

// recordOps appends store events for each logical operation and schedules the
// affected folders for a playlist rewrite. Caller holds w.mu.
func (w *Watcher) recordOps(ops []Op) {
	for _, op := range ops {
		w.schedule(op.Folder)
		if op.ToFolder != "" {
			w.schedule(op.ToFolder)
		}

		name := w.playlistName(op.Folder)

		var err error
		switch op.Action {
		case models.ActionAdd, models.ActionRemove:
			err = w.events.Append(name, op.Action, op.Track, "")
		case models.ActionCreate, models.ActionDelete:
			err = w.events.Append(name, op.Action, "", "")
		case models.ActionRename:
			toName := w.playlistName(op.ToFolder)
			err = w.events.Append(name, op.Action, "", models.EncodeRename(name, toName))
		}
		if err != nil {
			w.logger.Warn("failed to enqueue event", "playlist", name, "action", op.Action, "error", err)
		}
	}
}

// schedule marks a folder (and its tree ancestors, so linked playlists
// rebuild too) due for a rewrite after the debounce window.
func (w *Watcher) schedule(folder string) {
	due := time.Now().Add(w.cfg.Debounce())
	if _, ok := w.tree.Nodes[folder]; ok {
		w.debounce[folder] = due
	}
	for _, ancestor := range w.tree.Ancestors(folder) {
		w.debounce[ancestor] = due
	}
}

// flush rewrites playlists whose debounce window elapsed and expires a stale
// pending rename into a plain remove.
func (w *Watcher) flush() {
	w.mu.Lock()

	now := time.Now()

	if w.pending != nil && now.Sub(w.pending.at) > w.cfg.Debounce() {
		stale := *w.pending
		w.pending = nil
		kind := FileRemoved
		if stale.isDir {
			kind = FolderRemoved
		}
		w.recordOps(w.tree.Apply(Change{Kind: kind, Path: stale.path}))
	}

	var due []string
	for folder, at := range w.debounce {
		if !at.After(now) {
			due = append(due, folder)
			delete(w.debounce, folder)
		}
	}
	w.mu.Unlock()

	for _, folder := range due {
		if err := w.writePlaylist(folder); err != nil {
			w.logger.Warn("failed to write playlist", "folder", folder, "error", err)
		}
	}
}

// handlePlaylistEdit interprets a hand-edited .m3u against the tree: changed
// membership becomes add/remove events, an unchanged set in a new order
// becomes a reorder event carrying the full desired order. The tree keeps
// reflecting the filesystem, and the edited file is not rewritten. Caller
// holds w.mu.
func (w *Watcher) handlePlaylistEdit(path string) {
	folder := filepath.Dir(path)
	node, ok := w.tree.Nodes[folder]
	if !ok {
		return
	}

	entries, err := playlist.ParseM3UFile(path)
	if err != nil {
		w.logger.Warn("failed to parse edited playlist", "path", path, "error", err)
		return
	}

	seen := make(map[string]bool, len(entries))
	order := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !filepath.IsAbs(entry) {
			entry = filepath.Join(folder, entry)
		}
		if !seen[entry] {
			seen[entry] = true
			order = append(order, entry)
		}
	}

	name := w.playlistName(folder)

	changed := false
	for _, track := range order {
		if !node.Tracks[track] {
			changed = true
			if err := w.events.Append(name, models.ActionAdd, track, ""); err != nil {
				w.logger.Warn("failed to enqueue event", "playlist", name, "error", err)
			}
		}
	}
	for track := range node.Tracks {
		if !seen[track] {
			changed = true
			if err := w.events.Append(name, models.ActionRemove, track, ""); err != nil {
				w.logger.Warn("failed to enqueue event", "playlist", name, "error", err)
			}
		}
	}

	if changed || len(order) == 0 {
		return
	}
	if w.cfg.Library.PlaylistOrderMode != playlist.OrderSync && sortedOrder(order) {
		// canonical alphabetical order; a rewrite, not a reorder
		return
	}
	if err := w.events.Append(name, models.ActionReorder, "", models.EncodeReorder(order)); err != nil {
		w.logger.Warn("failed to enqueue event", "playlist", name, "error", err)
	}
}

// writePlaylist rewrites the folder's local .m3u in the configured mode.
func (w *Watcher) writePlaylist(folder string) error {
	if _, err := os.Stat(folder); err != nil {
		// folder vanished between scheduling and flush
		return nil
	}

	name := w.playlistName(folder)
	path := filepath.Join(folder, name)

	w.mu.Lock()
	w.selfWrites[path] = time.Now()
	w.mu.Unlock()

	if w.cfg.Library.PlaylistMode == "linked" {
		return playlist.WriteLinked(folder, path, w.cfg.Library.LinkedReferenceFormat, w.cfg.Library.LocalPlaylistTemplate)
	}
	return playlist.WriteFlat(folder, path, w.cfg.Library.PlaylistOrderMode, w.cfg.Library.FileExtensions)
}

// playlistName derives a folder's playlist name from the local template.
func (w *Watcher) playlistName(folder string) string {
	folderName := filepath.Base(folder)

	parent := ""
	if folder != w.cfg.Library.RootFolder {
		if rel, err := filepath.Rel(w.cfg.Library.RootFolder, filepath.Dir(folder)); err == nil && rel != "." {
			parent = rel + string(filepath.Separator)
		}
	}

	return playlist.ExpandTemplate(w.cfg.Library.LocalPlaylistTemplate, folderName, parent)
}

// isPlaylistFile reports whether a path looks like a playlist file.
func isPlaylistFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".m3u", ".m3u8":
		return true
	}
	return false
}

// sortedOrder reports whether paths are already in ascending order.
func sortedOrder(paths []string) bool {
	return sort.StringsAreSorted(paths)
}

// SplitWhitelist parses the colon-separated whitelist config value.
func SplitWhitelist(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ":") {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
