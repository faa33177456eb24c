// package watcher mirrors the library folder structure and turns filesystem
// activity into durable sync events
package watcher

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/desertthunder/m3usync/internal/models"
	"github.com/desertthunder/m3usync/internal/playlist"
)

// FolderNode is one folder in the library: its immediate child folders and
// immediate track files.
type FolderNode struct {
	Path     string
	Children map[string]bool
	Tracks   map[string]bool
}

func newFolderNode(path string) *FolderNode {
	return &FolderNode{
		Path:     path,
		Children: make(map[string]bool),
		Tracks:   make(map[string]bool),
	}
}

// Tree is the in-memory model of the watched root. One node per folder keyed
// by absolute path.
type Tree struct {
	Root  string
	Nodes map[string]*FolderNode

	whitelist  []string
	extensions []string
}

// ChangeKind classifies one filesystem change after the raw events have been
// interpreted.
type ChangeKind int

const (
	FileCreated ChangeKind = iota
	FileRemoved
	FileRenamed
	FolderCreated
	FolderRemoved
	FolderRenamed
	// PlaylistEdited marks a hand-edited .m3u; it is interpreted against the
	// tree rather than applied to it.
	PlaylistEdited
)

// Change is one interpreted filesystem change. To is set for renames only.
type Change struct {
	Kind ChangeKind
	Path string
	To   string
}

// Op is one logical playlist operation derived from a change: the action to
// enqueue, the folder whose playlist it belongs to, and (for track ops) the
// track path. ToFolder is set for folder renames.
type Op struct {
	Action   models.Action
	Folder   string
	Track    string
	ToFolder string
}

// BuildTree scans the filesystem under root. When the whitelist is non-empty
// only folders under a whitelisted prefix become nodes; relative entries are
// resolved against root.
func BuildTree(root string, whitelist, extensions []string) (*Tree, error) {
	resolved := make([]string, 0, len(whitelist))
	for _, w := range whitelist {
		if w == "" {
			continue
		}
		if !filepath.IsAbs(w) {
			w = filepath.Join(root, w)
		}
		resolved = append(resolved, w)
	}

	t := &Tree{
		Root:       root,
		Nodes:      make(map[string]*FolderNode),
		whitelist:  resolved,
		extensions: extensions,
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			if !t.allowed(path) {
				return filepath.SkipDir
			}
			if _, ok := t.Nodes[path]; !ok {
				t.Nodes[path] = newFolderNode(path)
			}
			return nil
		}

		if !playlist.MatchesExtension(path, extensions) {
			return nil
		}

		parent := filepath.Dir(path)
		node, ok := t.Nodes[parent]
		if !ok {
			node = newFolderNode(parent)
			t.Nodes[parent] = node
		}
		node.Tracks[path] = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}

	for path := range t.Nodes {
		parent := filepath.Dir(path)
		if parentNode, ok := t.Nodes[parent]; ok && parent != path {
			parentNode.Children[path] = true
		}
	}

	return t, nil
}

// allowed reports whether a folder passes the whitelist. The root itself and
// ancestors of whitelisted folders always pass so the tree stays connected.
func (t *Tree) allowed(path string) bool {
	if len(t.whitelist) == 0 || path == t.Root {
		return true
	}
	for _, w := range t.whitelist {
		if strings.HasPrefix(path, w+string(filepath.Separator)) || path == w {
			return true
		}
		if strings.HasPrefix(w, path+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// FolderFor returns the nearest ancestor folder of path that exists in the
// tree. For directories that is the path itself when present.
func (t *Tree) FolderFor(path string) (string, bool) {
	p := path
	if _, ok := t.Nodes[p]; !ok {
		p = filepath.Dir(p)
	}

	for {
		if _, ok := t.Nodes[p]; ok {
			return p, true
		}
		if p == t.Root {
			return "", false
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", false
		}
		p = parent
	}
}

// IsFolder reports whether path is a known folder node.
func (t *Tree) IsFolder(path string) bool {
	_, ok := t.Nodes[path]
	return ok
}

// Apply updates the tree for one change and returns the logical operations it
// implies. A file rename decomposes into remove-then-add; a folder rename
// moves the node and yields a single rename op.
func (t *Tree) Apply(c Change) []Op {
	var ops []Op

	switch c.Kind {
	case FileCreated:
		if folder, ok := t.FolderFor(c.Path); ok {
			node, exists := t.Nodes[folder]
			if !exists {
				node = newFolderNode(folder)
				t.Nodes[folder] = node
			}
			if node.Tracks[c.Path] {
				break
			}
			node.Tracks[c.Path] = true
			ops = append(ops, Op{Action: models.ActionAdd, Folder: folder, Track: c.Path})
		}

	case FileRemoved:
		if folder, ok := t.FolderFor(c.Path); ok {
			if node, exists := t.Nodes[folder]; exists {
				delete(node.Tracks, c.Path)
			}
			ops = append(ops, Op{Action: models.ActionRemove, Folder: folder, Track: c.Path})
		}

	case FileRenamed:
		ops = append(ops, t.Apply(Change{Kind: FileRemoved, Path: c.Path})...)
		ops = append(ops, t.Apply(Change{Kind: FileCreated, Path: c.To})...)

	case FolderCreated:
		if _, exists := t.Nodes[c.Path]; !exists {
			t.Nodes[c.Path] = newFolderNode(c.Path)
		}
		if parentNode, ok := t.Nodes[filepath.Dir(c.Path)]; ok {
			parentNode.Children[c.Path] = true
		}
		ops = append(ops, Op{Action: models.ActionCreate, Folder: c.Path})

	case FolderRemoved:
		delete(t.Nodes, c.Path)
		if parentNode, ok := t.Nodes[filepath.Dir(c.Path)]; ok {
			delete(parentNode.Children, c.Path)
		}
		ops = append(ops, Op{Action: models.ActionDelete, Folder: c.Path})

	case FolderRenamed:
		if node, exists := t.Nodes[c.Path]; exists {
			delete(t.Nodes, c.Path)
			node.Path = c.To
			t.Nodes[c.To] = node
		} else if _, exists := t.Nodes[c.To]; !exists {
			t.Nodes[c.To] = newFolderNode(c.To)
		}
		if parentNode, ok := t.Nodes[filepath.Dir(c.Path)]; ok {
			delete(parentNode.Children, c.Path)
		}
		if parentNode, ok := t.Nodes[filepath.Dir(c.To)]; ok {
			parentNode.Children[c.To] = true
		}
		ops = append(ops, Op{Action: models.ActionRename, Folder: c.Path, ToFolder: c.To})
	}

	return ops
}

// Ancestors returns every tree folder strictly above folder, nearest first,
// stopping at the root.
func (t *Tree) Ancestors(folder string) []string {
	var out []string
	p := filepath.Dir(folder)
	for strings.HasPrefix(p, t.Root) {
		if _, ok := t.Nodes[p]; ok {
			out = append(out, p)
		}
		if p == t.Root {
			break
		}
		parent := filepath.Dir(p)
		if parent == p {
			break
		}
		p = parent
	}
	return out
}
