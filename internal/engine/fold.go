// package engine folds change events and drives the worker and reconciler
package engine

import (
	"github.com/desertthunder/m3usync/internal/models"
)

// RenameOp is a composed rename: the earliest source name and the latest
// destination.
type RenameOp struct {
	From string
	To   string
}

// FoldResult is the minimal set of operations left after collapsing one
// playlist's ordered event run.
type FoldResult struct {
	Create  bool
	Delete  bool
	Rename  *RenameOp
	Adds    []string
	Removes []string
	// Order non-nil means a reorder survived: the desired final sequence of
	// local paths. The last reorder in the run wins.
	Order []string
}

// Empty reports whether the fold left nothing to apply.
func (r FoldResult) Empty() bool {
	return !r.Create && !r.Delete && r.Rename == nil &&
		len(r.Adds) == 0 && len(r.Removes) == 0 && r.Order == nil
}

// Fold collapses events for one playlist, oldest first, into the minimal
// operations to apply. An add followed by a remove of the same path cancels
// (and vice versa), rename chains compose, the last reorder wins, and a
// delete marks the whole playlist for removal. Output order of track paths is
// first-seen order, so folding is deterministic.
func Fold(events []models.Event) FoldResult {
	var result FoldResult

	state := make(map[string]models.Action)
	var order []string

	record := func(path string, action models.Action) {
		if _, seen := state[path]; !seen {
			order = append(order, path)
		}
		state[path] = action
	}

	for _, ev := range events {
		switch ev.Action {
		case models.ActionAdd:
			if ev.TrackPath == "" {
				continue
			}
			if state[ev.TrackPath] == models.ActionRemove {
				delete(state, ev.TrackPath)
				continue
			}
			record(ev.TrackPath, models.ActionAdd)

		case models.ActionRemove:
			if ev.TrackPath == "" {
				continue
			}
			if state[ev.TrackPath] == models.ActionAdd {
				delete(state, ev.TrackPath)
				continue
			}
			record(ev.TrackPath, models.ActionRemove)

		case models.ActionReorder:
			payload, err := ev.Reorder()
			if err != nil {
				continue
			}
			result.Order = payload.Order

		case models.ActionRename:
			payload, err := ev.Rename()
			if err != nil {
				continue
			}
			if result.Rename == nil {
				result.Rename = &RenameOp{From: payload.From, To: payload.To}
			} else {
				result.Rename.To = payload.To
			}

		case models.ActionCreate:
			result.Create = true

		case models.ActionDelete:
			result.Delete = true
		}
	}

	// a cancel-then-reinstate run can list a path twice
	emitted := make(map[string]bool, len(order))
	for _, path := range order {
		if emitted[path] {
			continue
		}
		emitted[path] = true
		switch state[path] {
		case models.ActionAdd:
			result.Adds = append(result.Adds, path)
		case models.ActionRemove:
			result.Removes = append(result.Removes, path)
		}
	}

	return result
}
