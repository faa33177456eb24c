package repositories

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/desertthunder/m3usync/internal/models"
	"github.com/desertthunder/m3usync/internal/shared"
)

// setupTestDB creates an in-memory SQLite database with migrations applied
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := shared.NewDatabase(":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}

	if err := shared.RunMigrations(db); err != nil {
		db.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}

	return db
}

func TestEventRepository(t *testing.T) {
	t.Run("Append and read back", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := NewEventRepository(db)
		if err := repo.Append("Rock", models.ActionAdd, "/music/Rock/a.mp3", ""); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}

		events, err := repo.UnsyncedForPlaylist("Rock")
		if err != nil {
			t.Fatalf("failed to read events: %v", err)
		}

		if len(events) != 1 {
			t.Fatalf("expected 1 event, got %d", len(events))
		}
		if events[0].Action != models.ActionAdd || events[0].TrackPath != "/music/Rock/a.mp3" {
			t.Errorf("unexpected event: %+v", events[0])
		}
		if events[0].Synced {
			t.Error("new event should be unsynced")
		}
	})

	t.Run("Append rejects unknown action", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := NewEventRepository(db)
		if err := repo.Append("Rock", models.Action("truncate"), "", ""); err == nil {
			t.Error("expected error for unknown action")
		}
	})

	t.Run("UnsyncedForPlaylist preserves append order", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := NewEventRepository(db)
		tracks := []string{"/m/a.mp3", "/m/b.mp3", "/m/c.mp3"}
		for _, track := range tracks {
			if err := repo.Append("Rock", models.ActionAdd, track, ""); err != nil {
				t.Fatalf("failed to append event: %v", err)
			}
		}

		events, err := repo.UnsyncedForPlaylist("Rock")
		if err != nil {
			t.Fatalf("failed to read events: %v", err)
		}

		if len(events) != 3 {
			t.Fatalf("expected 3 events, got %d", len(events))
		}
		for i, track := range tracks {
			if events[i].TrackPath != track {
				t.Errorf("event %d: expected %s, got %s", i, track, events[i].TrackPath)
			}
		}
	})

	t.Run("UnsyncedPlaylists orders by oldest pending event", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := NewEventRepository(db)
		if err := repo.Append("First", models.ActionAdd, "/m/a.mp3", ""); err != nil {
			t.Fatalf("failed to append: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
		if err := repo.Append("Second", models.ActionAdd, "/m/b.mp3", ""); err != nil {
			t.Fatalf("failed to append: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
		if err := repo.Append("First", models.ActionRemove, "/m/a.mp3", ""); err != nil {
			t.Fatalf("failed to append: %v", err)
		}

		names, err := repo.UnsyncedPlaylists()
		if err != nil {
			t.Fatalf("failed to read playlists: %v", err)
		}

		if len(names) != 2 || names[0] != "First" || names[1] != "Second" {
			t.Errorf("unexpected playlist order: %v", names)
		}
	})

	t.Run("MarkSynced removes events from the pending set", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := NewEventRepository(db)
		if err := repo.Append("Rock", models.ActionAdd, "/m/a.mp3", ""); err != nil {
			t.Fatalf("failed to append: %v", err)
		}
		if err := repo.Append("Rock", models.ActionAdd, "/m/b.mp3", ""); err != nil {
			t.Fatalf("failed to append: %v", err)
		}

		events, err := repo.UnsyncedForPlaylist("Rock")
		if err != nil {
			t.Fatalf("failed to read events: %v", err)
		}

		if err := repo.MarkSynced([]int64{events[0].ID}); err != nil {
			t.Fatalf("failed to mark synced: %v", err)
		}

		remaining, err := repo.UnsyncedForPlaylist("Rock")
		if err != nil {
			t.Fatalf("failed to read events: %v", err)
		}
		if len(remaining) != 1 || remaining[0].ID != events[1].ID {
			t.Errorf("unexpected remaining events: %+v", remaining)
		}

		count, err := repo.CountUnsynced()
		if err != nil {
			t.Fatalf("failed to count: %v", err)
		}
		if count != 1 {
			t.Errorf("expected 1 unsynced, got %d", count)
		}
	})

	t.Run("PruneSynced only removes old synced rows", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := NewEventRepository(db)
		if err := repo.Append("Rock", models.ActionAdd, "/m/a.mp3", ""); err != nil {
			t.Fatalf("failed to append: %v", err)
		}
		if err := repo.Append("Rock", models.ActionAdd, "/m/b.mp3", ""); err != nil {
			t.Fatalf("failed to append: %v", err)
		}

		events, err := repo.UnsyncedForPlaylist("Rock")
		if err != nil {
			t.Fatalf("failed to read events: %v", err)
		}
		if err := repo.MarkSynced([]int64{events[0].ID}); err != nil {
			t.Fatalf("failed to mark synced: %v", err)
		}

		removed, err := repo.PruneSynced(time.Now().Add(time.Minute))
		if err != nil {
			t.Fatalf("failed to prune: %v", err)
		}
		if removed != 1 {
			t.Errorf("expected 1 pruned row, got %d", removed)
		}

		count, err := repo.CountUnsynced()
		if err != nil {
			t.Fatalf("failed to count: %v", err)
		}
		if count != 1 {
			t.Errorf("unsynced row should survive pruning, got %d", count)
		}
	})
}

func TestPlaylistMapRepository(t *testing.T) {
	t.Run("Upsert and Get", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := NewPlaylistMapRepository(db)
		if err := repo.Upsert("Rock", "remote-1", "snap-1"); err != nil {
			t.Fatalf("failed to upsert: %v", err)
		}

		mapping, err := repo.Get("Rock")
		if err != nil {
			t.Fatalf("failed to get mapping: %v", err)
		}
		if mapping.RemoteID != "remote-1" || mapping.SnapshotID != "snap-1" {
			t.Errorf("unexpected mapping: %+v", mapping)
		}
		if mapping.LastSyncedAt.IsZero() {
			t.Error("expected last_synced_at to be stamped")
		}
	})

	t.Run("Upsert replaces the snapshot token", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := NewPlaylistMapRepository(db)
		if err := repo.Upsert("Rock", "remote-1", "snap-1"); err != nil {
			t.Fatalf("failed to upsert: %v", err)
		}
		if err := repo.Upsert("Rock", "remote-1", "snap-2"); err != nil {
			t.Fatalf("failed to upsert: %v", err)
		}

		mapping, err := repo.Get("Rock")
		if err != nil {
			t.Fatalf("failed to get mapping: %v", err)
		}
		if mapping.SnapshotID != "snap-2" {
			t.Errorf("expected snap-2, got %s", mapping.SnapshotID)
		}
	})

	t.Run("Get missing mapping", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := NewPlaylistMapRepository(db)
		if _, err := repo.Get("Nope"); !errors.Is(err, shared.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Rename carries identity to the new name", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := NewPlaylistMapRepository(db)
		if err := repo.Upsert("Rock", "remote-1", "snap-1"); err != nil {
			t.Fatalf("failed to upsert: %v", err)
		}
		if err := repo.Rename("Rock", "Stoner"); err != nil {
			t.Fatalf("failed to rename: %v", err)
		}

		if _, err := repo.Get("Rock"); !errors.Is(err, shared.ErrNotFound) {
			t.Errorf("expected old name gone, got %v", err)
		}

		mapping, err := repo.Get("Stoner")
		if err != nil {
			t.Fatalf("failed to get renamed mapping: %v", err)
		}
		if mapping.RemoteID != "remote-1" || mapping.SnapshotID != "snap-1" {
			t.Errorf("rename must keep remote identity: %+v", mapping)
		}
	})

	t.Run("Rename of missing mapping fails", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := NewPlaylistMapRepository(db)
		if err := repo.Rename("Nope", "Still Nope"); !errors.Is(err, shared.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Delete is idempotent", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := NewPlaylistMapRepository(db)
		if err := repo.Upsert("Rock", "remote-1", "snap-1"); err != nil {
			t.Fatalf("failed to upsert: %v", err)
		}
		if err := repo.Delete("Rock"); err != nil {
			t.Fatalf("failed to delete: %v", err)
		}
		if err := repo.Delete("Rock"); err != nil {
			t.Errorf("second delete should be a no-op, got %v", err)
		}
	})

	t.Run("All orders by name", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := NewPlaylistMapRepository(db)
		for _, name := range []string{"Zeta", "Alpha"} {
			if err := repo.Upsert(name, "r-"+name, "s-"+name); err != nil {
				t.Fatalf("failed to upsert: %v", err)
			}
		}

		mappings, err := repo.All()
		if err != nil {
			t.Fatalf("failed to list mappings: %v", err)
		}
		if len(mappings) != 2 || mappings[0].PlaylistName != "Alpha" {
			t.Errorf("unexpected mappings: %+v", mappings)
		}
	})
}

func TestTrackCacheRepository(t *testing.T) {
	t.Run("Upsert and GetByPath", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := NewTrackCacheRepository(db)
		if err := repo.Upsert("/m/a.mp3", "USUM71703861", "track-1"); err != nil {
			t.Fatalf("failed to upsert: %v", err)
		}

		res, err := repo.GetByPath("/m/a.mp3")
		if err != nil {
			t.Fatalf("failed to get entry: %v", err)
		}
		if res.ISRC != "USUM71703861" || res.RemoteID != "track-1" {
			t.Errorf("unexpected resolution: %+v", res)
		}
		if !res.Resolved() {
			t.Error("expected entry to be resolved")
		}
	})

	t.Run("cache miss", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := NewTrackCacheRepository(db)
		if _, err := repo.GetByPath("/m/missing.mp3"); !errors.Is(err, shared.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Invalidate keeps the ISRC", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := NewTrackCacheRepository(db)
		if err := repo.Upsert("/m/a.mp3", "USUM71703861", "track-1"); err != nil {
			t.Fatalf("failed to upsert: %v", err)
		}
		if err := repo.Invalidate("/m/a.mp3"); err != nil {
			t.Fatalf("failed to invalidate: %v", err)
		}

		res, err := repo.GetByPath("/m/a.mp3")
		if err != nil {
			t.Fatalf("failed to get entry: %v", err)
		}
		if res.Resolved() {
			t.Error("expected remote id cleared")
		}
		if res.ISRC != "USUM71703861" {
			t.Errorf("expected ISRC kept, got %q", res.ISRC)
		}
	})

	t.Run("Count", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := NewTrackCacheRepository(db)
		if err := repo.Upsert("/m/a.mp3", "", "track-1"); err != nil {
			t.Fatalf("failed to upsert: %v", err)
		}
		if err := repo.Upsert("/m/a.mp3", "", "track-2"); err != nil {
			t.Fatalf("failed to upsert: %v", err)
		}

		count, err := repo.Count()
		if err != nil {
			t.Fatalf("failed to count: %v", err)
		}
		if count != 1 {
			t.Errorf("upsert on same path should not duplicate, got %d", count)
		}
	})
}

func TestCredentialRepository(t *testing.T) {
	t.Run("Save and Get", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := NewCredentialRepository(db)
		if err := repo.Save("spotify", `{"access_token":"x"}`); err != nil {
			t.Fatalf("failed to save credential: %v", err)
		}

		cred, err := repo.Get("spotify")
		if err != nil {
			t.Fatalf("failed to get credential: %v", err)
		}
		if cred.TokenJSON != `{"access_token":"x"}` {
			t.Errorf("unexpected token json: %s", cred.TokenJSON)
		}
	})

	t.Run("Get missing provider", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := NewCredentialRepository(db)
		if _, err := repo.Get("tidal"); !errors.Is(err, shared.ErrMissingCredentials) {
			t.Errorf("expected ErrMissingCredentials, got %v", err)
		}
	})

	t.Run("Save replaces the token", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := NewCredentialRepository(db)
		if err := repo.Save("spotify", `{"access_token":"old"}`); err != nil {
			t.Fatalf("failed to save: %v", err)
		}
		if err := repo.Save("spotify", `{"access_token":"new"}`); err != nil {
			t.Fatalf("failed to save: %v", err)
		}

		cred, err := repo.Get("spotify")
		if err != nil {
			t.Fatalf("failed to get: %v", err)
		}
		if cred.TokenJSON != `{"access_token":"new"}` {
			t.Errorf("unexpected token json: %s", cred.TokenJSON)
		}

		providers, err := repo.Providers()
		if err != nil {
			t.Fatalf("failed to list providers: %v", err)
		}
		if len(providers) != 1 || providers[0] != "spotify" {
			t.Errorf("unexpected providers: %v", providers)
		}
	})
}

func TestLeaseRepository(t *testing.T) {
	t.Run("Acquire then conflicting acquire", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := NewLeaseRepository(db)
		ok, err := repo.Acquire("Rock", "worker-a", time.Minute)
		if err != nil {
			t.Fatalf("failed to acquire: %v", err)
		}
		if !ok {
			t.Fatal("first acquire should succeed")
		}

		ok, err = repo.Acquire("Rock", "worker-b", time.Minute)
		if err != nil {
			t.Fatalf("failed to acquire: %v", err)
		}
		if ok {
			t.Error("second holder must not get an active lease")
		}
	})

	t.Run("holder renews its own lease", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := NewLeaseRepository(db)
		if _, err := repo.Acquire("Rock", "worker-a", time.Minute); err != nil {
			t.Fatalf("failed to acquire: %v", err)
		}

		ok, err := repo.Acquire("Rock", "worker-a", time.Minute)
		if err != nil {
			t.Fatalf("failed to renew: %v", err)
		}
		if !ok {
			t.Error("holder should be able to renew")
		}
	})

	t.Run("expired lease is reclaimed", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := NewLeaseRepository(db)
		if _, err := repo.Acquire("Rock", "worker-a", -time.Second); err != nil {
			t.Fatalf("failed to acquire: %v", err)
		}

		ok, err := repo.Acquire("Rock", "worker-b", time.Minute)
		if err != nil {
			t.Fatalf("failed to acquire: %v", err)
		}
		if !ok {
			t.Error("expired lease should be reclaimable")
		}

		lease, err := repo.Get("Rock")
		if err != nil {
			t.Fatalf("failed to get lease: %v", err)
		}
		if lease == nil || lease.WorkerID != "worker-b" {
			t.Errorf("unexpected lease: %+v", lease)
		}
	})

	t.Run("Release only clears the holder's lease", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := NewLeaseRepository(db)
		if _, err := repo.Acquire("Rock", "worker-a", time.Minute); err != nil {
			t.Fatalf("failed to acquire: %v", err)
		}

		if err := repo.Release("Rock", "worker-b"); err != nil {
			t.Fatalf("foreign release should be a no-op: %v", err)
		}

		lease, err := repo.Get("Rock")
		if err != nil {
			t.Fatalf("failed to get lease: %v", err)
		}
		if lease == nil || lease.WorkerID != "worker-a" {
			t.Error("foreign release must not clear the lease")
		}

		if err := repo.Release("Rock", "worker-a"); err != nil {
			t.Fatalf("failed to release: %v", err)
		}

		lease, err = repo.Get("Rock")
		if err != nil {
			t.Fatalf("failed to get lease: %v", err)
		}
		if lease != nil {
			t.Errorf("expected lease cleared, got %+v", lease)
		}
	})
}
