package engine

import (
	"testing"

	"github.com/desertthunder/m3usync/internal/models"
)

func event(action models.Action, track, extra string) models.Event {
	return models.Event{PlaylistName: "p", Action: action, TrackPath: track, Extra: extra}
}

func TestFold(t *testing.T) {
	t.Run("add then remove cancels", func(t *testing.T) {
		result := Fold([]models.Event{
			event(models.ActionAdd, "/m/a.mp3", ""),
			event(models.ActionRemove, "/m/a.mp3", ""),
		})

		if !result.Empty() {
			t.Errorf("expected empty result, got %+v", result)
		}
	})

	t.Run("remove then add cancels", func(t *testing.T) {
		result := Fold([]models.Event{
			event(models.ActionRemove, "/m/a.mp3", ""),
			event(models.ActionAdd, "/m/a.mp3", ""),
		})

		if !result.Empty() {
			t.Errorf("expected empty result, got %+v", result)
		}
	})

	t.Run("survivors keep first-seen order", func(t *testing.T) {
		result := Fold([]models.Event{
			event(models.ActionAdd, "/m/c.mp3", ""),
			event(models.ActionAdd, "/m/a.mp3", ""),
			event(models.ActionAdd, "/m/b.mp3", ""),
		})

		want := []string{"/m/c.mp3", "/m/a.mp3", "/m/b.mp3"}
		if len(result.Adds) != 3 {
			t.Fatalf("expected 3 adds, got %+v", result.Adds)
		}
		for i := range want {
			if result.Adds[i] != want[i] {
				t.Errorf("add %d: expected %s, got %s", i, want[i], result.Adds[i])
			}
		}
	})

	t.Run("cancel then reinstate keeps one add", func(t *testing.T) {
		result := Fold([]models.Event{
			event(models.ActionAdd, "/m/a.mp3", ""),
			event(models.ActionRemove, "/m/a.mp3", ""),
			event(models.ActionAdd, "/m/a.mp3", ""),
		})

		if len(result.Adds) != 1 || result.Adds[0] != "/m/a.mp3" {
			t.Errorf("expected single add, got %+v", result.Adds)
		}
		if len(result.Removes) != 0 {
			t.Errorf("expected no removes, got %+v", result.Removes)
		}
	})

	t.Run("last reorder wins", func(t *testing.T) {
		result := Fold([]models.Event{
			event(models.ActionReorder, "", models.EncodeReorder([]string{"/m/a.mp3", "/m/b.mp3"})),
			event(models.ActionReorder, "", models.EncodeReorder([]string{"/m/b.mp3", "/m/a.mp3"})),
		})

		if len(result.Order) != 2 || result.Order[0] != "/m/b.mp3" {
			t.Errorf("unexpected order: %v", result.Order)
		}
	})

	t.Run("rename chain composes", func(t *testing.T) {
		result := Fold([]models.Event{
			event(models.ActionRename, "", models.EncodeRename("A", "B")),
			event(models.ActionRename, "", models.EncodeRename("B", "C")),
		})

		if result.Rename == nil {
			t.Fatal("expected a rename")
		}
		if result.Rename.From != "A" || result.Rename.To != "C" {
			t.Errorf("unexpected rename: %+v", result.Rename)
		}
	})

	t.Run("delete and create flags", func(t *testing.T) {
		result := Fold([]models.Event{
			event(models.ActionCreate, "", ""),
			event(models.ActionAdd, "/m/a.mp3", ""),
			event(models.ActionDelete, "", ""),
		})

		if !result.Create || !result.Delete {
			t.Errorf("expected both flags, got %+v", result)
		}
	})

	t.Run("folding folded output is stable", func(t *testing.T) {
		input := []models.Event{
			event(models.ActionAdd, "/m/a.mp3", ""),
			event(models.ActionAdd, "/m/b.mp3", ""),
			event(models.ActionRemove, "/m/c.mp3", ""),
			event(models.ActionRemove, "/m/b.mp3", ""),
		}

		first := Fold(input)

		var replay []models.Event
		for _, path := range first.Adds {
			replay = append(replay, event(models.ActionAdd, path, ""))
		}
		for _, path := range first.Removes {
			replay = append(replay, event(models.ActionRemove, path, ""))
		}
		second := Fold(replay)

		if len(second.Adds) != len(first.Adds) || len(second.Removes) != len(first.Removes) {
			t.Fatalf("refold changed the result: %+v vs %+v", first, second)
		}
		for i := range first.Adds {
			if second.Adds[i] != first.Adds[i] {
				t.Errorf("add %d changed: %s vs %s", i, first.Adds[i], second.Adds[i])
			}
		}
		for i := range first.Removes {
			if second.Removes[i] != first.Removes[i] {
				t.Errorf("remove %d changed: %s vs %s", i, first.Removes[i], second.Removes[i])
			}
		}
	})

	t.Run("unknown actions are skipped", func(t *testing.T) {
		result := Fold([]models.Event{
			event(models.Action("vacuum"), "/m/a.mp3", ""),
			event(models.ActionAdd, "/m/b.mp3", ""),
		})

		if len(result.Adds) != 1 || result.Adds[0] != "/m/b.mp3" {
			t.Errorf("unexpected adds: %+v", result.Adds)
		}
	})
}
