package engine

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/desertthunder/m3usync/internal/shared"
	tu "github.com/desertthunder/m3usync/internal/testing"
)

func setupReconciler(t *testing.T) (*Reconciler, *tu.MockProvider, string) {
	t.Helper()

	root := t.TempDir()
	for _, name := range []string{"Song A.mp3", "Song B.mp3"} {
		if err := os.WriteFile(filepath.Join(root, name), []byte("audio"), 0o644); err != nil {
			t.Fatalf("failed to write track: %v", err)
		}
	}

	db := setupTestDB(t)
	cfg := testConfig()
	cfg.Library.RootFolder = root

	mock := tu.NewMockProvider()
	mock.Tracks["Song A"] = "T1"
	mock.Tracks["Song B"] = "T2"

	r := NewReconciler(cfg, db, mock, shared.NewLogger(io.Discard))
	return r, mock, root
}

func TestReconcilerRunOnce(t *testing.T) {
	t.Run("first run creates, second run converges", func(t *testing.T) {
		r, mock, root := setupReconciler(t)

		if err := r.RunOnce(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if mock.CreateCalls != 1 {
			t.Fatalf("expected 1 create, got %d", mock.CreateCalls)
		}
		tu.AssertFileExists(t, filepath.Join(root, filepath.Base(root)+".m3u"))

		mapping, err := r.mappings.Get(r.playlistName(root))
		if err != nil {
			t.Fatalf("expected mapping: %v", err)
		}
		snap := mock.Playlists[mapping.RemoteID]
		if len(snap.TrackIDs) != 2 || snap.TrackIDs[0] != "T1" || snap.TrackIDs[1] != "T2" {
			t.Fatalf("unexpected remote state: %v", snap.TrackIDs)
		}

		applies, creates := mock.ApplyCalls, mock.CreateCalls
		if err := r.RunOnce(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if mock.ApplyCalls != applies || mock.CreateCalls != creates {
			t.Errorf("second run mutated remote state: %d applies, %d creates", mock.ApplyCalls-applies, mock.CreateCalls-creates)
		}
	})

	t.Run("vanished remote is recreated", func(t *testing.T) {
		r, mock, _ := setupReconciler(t)

		if err := r.RunOnce(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		var gone string
		for id := range mock.Playlists {
			gone = id
		}
		delete(mock.Playlists, gone)

		if err := r.RunOnce(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if mock.CreateCalls != 2 {
			t.Errorf("expected a recreate, got %d creates", mock.CreateCalls)
		}
		mapping, err := r.mappings.Get(r.playlistName(r.cfg.Library.RootFolder))
		if err != nil {
			t.Fatalf("expected mapping: %v", err)
		}
		if mapping.RemoteID == gone {
			t.Error("mapping still points at the vanished playlist")
		}
	})

	t.Run("external reorder is written back", func(t *testing.T) {
		r, mock, _ := setupReconciler(t)

		if err := r.RunOnce(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		mapping, err := r.mappings.Get(r.playlistName(r.cfg.Library.RootFolder))
		if err != nil {
			t.Fatalf("expected mapping: %v", err)
		}
		mock.Bump(mapping.RemoteID, "T2", "T1")

		if err := r.RunOnce(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		got := mock.Playlists[mapping.RemoteID].TrackIDs
		if len(got) != 2 || got[0] != "T1" || got[1] != "T2" {
			t.Errorf("expected local order restored, got %v", got)
		}
	})

	t.Run("external membership drift is corrected", func(t *testing.T) {
		r, mock, _ := setupReconciler(t)

		if err := r.RunOnce(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		mapping, _ := r.mappings.Get(r.playlistName(r.cfg.Library.RootFolder))
		mock.Bump(mapping.RemoteID, "T1", "T2", "T9")

		if err := r.RunOnce(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		got := mock.Playlists[mapping.RemoteID].TrackIDs
		if len(got) != 2 || got[0] != "T1" || got[1] != "T2" {
			t.Errorf("expected stray track removed, got %v", got)
		}
	})
}

func TestReconcileDiff(t *testing.T) {
	t.Run("membership changes stay element-wise", func(t *testing.T) {
		diff := reconcileDiff([]string{"A", "B", "C"}, []string{"A", "B", "X"})

		if diff.Order != nil {
			t.Fatalf("expected no order replace, got %v", diff.Order)
		}
		if len(diff.Add) != 1 || diff.Add[0] != "C" {
			t.Errorf("unexpected adds: %v", diff.Add)
		}
		if len(diff.Remove) != 1 || diff.Remove[0] != "X" {
			t.Errorf("unexpected removes: %v", diff.Remove)
		}
	})

	t.Run("order disagreement replaces the sequence", func(t *testing.T) {
		diff := reconcileDiff([]string{"B", "A"}, []string{"A", "B"})

		if len(diff.Order) != 2 || diff.Order[0] != "B" {
			t.Errorf("expected full order write, got %+v", diff)
		}
	})

	t.Run("add at the head forces an order write", func(t *testing.T) {
		diff := reconcileDiff([]string{"C", "A", "B"}, []string{"A", "B"})

		if len(diff.Order) != 3 || diff.Order[0] != "C" {
			t.Errorf("expected full order write, got %+v", diff)
		}
	})

	t.Run("identical sequences yield an empty diff", func(t *testing.T) {
		diff := reconcileDiff([]string{"A", "B"}, []string{"A", "B"})

		if len(diff.Add) != 0 || len(diff.Remove) != 0 || diff.Order != nil {
			t.Errorf("expected empty diff, got %+v", diff)
		}
	})
}
