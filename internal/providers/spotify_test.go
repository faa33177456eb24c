package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/desertthunder/m3usync/internal/models"
	"github.com/desertthunder/m3usync/internal/shared"
	"golang.org/x/oauth2"
)

// memStore is an in-memory TokenStore for provider tests.
type memStore struct {
	tokens map[string]string
}

func newMemStore(provider string) *memStore {
	token := oauth2.Token{AccessToken: "test-token", TokenType: "Bearer", Expiry: time.Now().Add(time.Hour)}
	encoded, _ := json.Marshal(token)
	return &memStore{tokens: map[string]string{provider: string(encoded)}}
}

func (s *memStore) Get(provider string) (*models.Credential, error) {
	tokenJSON, ok := s.tokens[provider]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &models.Credential{Provider: provider, TokenJSON: tokenJSON}, nil
}

func (s *memStore) Save(provider, tokenJSON string) error {
	s.tokens[provider] = tokenJSON
	return nil
}

func newTestSpotify(t *testing.T, handler http.Handler) *SpotifyProvider {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	creds := shared.ProviderCredentials{ClientID: "id", ClientSecret: "secret"}
	provider, err := NewSpotifyProvider(creds, newMemStore("spotify"))
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	provider.baseURL = server.URL
	provider.httpClient = server.Client()
	return provider
}

func TestSpotifyProvider(t *testing.T) {
	t.Run("SearchTrack", func(t *testing.T) {
		t.Run("prefers isrc lookup", func(t *testing.T) {
			var gotQuery string
			provider := newTestSpotify(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotQuery = r.URL.Query().Get("q")
				fmt.Fprint(w, `{"tracks":{"items":[{"uri":"spotify:track:abc"}]}}`)
			}))

			uri, err := provider.SearchTrack(context.Background(), TrackQuery{Title: "Song", Artist: "Band", ISRC: "USRC17607839"})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if uri != "spotify:track:abc" {
				t.Errorf("unexpected uri: %s", uri)
			}
			if gotQuery != "isrc:USRC17607839" {
				t.Errorf("expected isrc query, got %q", gotQuery)
			}
		})

		t.Run("empty result is a miss", func(t *testing.T) {
			provider := newTestSpotify(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"tracks":{"items":[]}}`)
			}))

			_, err := provider.SearchTrack(context.Background(), TrackQuery{Title: "Song"})
			if !errors.Is(err, shared.ErrTrackNotFound) {
				t.Errorf("expected ErrTrackNotFound, got %v", err)
			}
		})
	})

	t.Run("GetPlaylist reads snapshot and order", func(t *testing.T) {
		provider := newTestSpotify(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{
				"id": "pl-1",
				"name": "Rock",
				"snapshot_id": "snap-abc",
				"tracks": {"items": [{"track":{"uri":"t1"}},{"track":{"uri":"t2"}}], "next": null}
			}`)
		}))

		snap, err := provider.GetPlaylist(context.Background(), "pl-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if snap.SnapshotID != "snap-abc" {
			t.Errorf("unexpected snapshot: %s", snap.SnapshotID)
		}
		if len(snap.TrackIDs) != 2 || snap.TrackIDs[0] != "t1" || snap.TrackIDs[1] != "t2" {
			t.Errorf("unexpected order: %v", snap.TrackIDs)
		}
	})

	t.Run("ApplyDiff", func(t *testing.T) {
		t.Run("stale snapshot blocks the write", func(t *testing.T) {
			var mutations int
			provider := newTestSpotify(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodGet {
					mutations++
				}
				fmt.Fprint(w, `{"id":"pl-1","snapshot_id":"snap-new","tracks":{"items":[],"next":null}}`)
			}))

			_, err := provider.ApplyDiff(context.Background(), "pl-1", "snap-old", models.Diff{Add: []string{"t1"}})
			if !errors.Is(err, shared.ErrStaleSnapshot) {
				t.Fatalf("expected ErrStaleSnapshot, got %v", err)
			}
			if mutations != 0 {
				t.Errorf("expected no mutation calls, got %d", mutations)
			}
		})

		t.Run("adds after removes return the final snapshot", func(t *testing.T) {
			var methods []string
			provider := newTestSpotify(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method == http.MethodGet {
					fmt.Fprint(w, `{"id":"pl-1","snapshot_id":"snap-1","tracks":{"items":[{"track":{"uri":"t9"}}],"next":null}}`)
					return
				}
				methods = append(methods, r.Method)
				fmt.Fprintf(w, `{"snapshot_id":"snap-%d"}`, len(methods)+1)
			}))

			snapshot, err := provider.ApplyDiff(context.Background(), "pl-1", "snap-1", models.Diff{Add: []string{"t1"}, Remove: []string{"t9"}})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(methods) != 2 || methods[0] != http.MethodDelete || methods[1] != http.MethodPost {
				t.Errorf("expected delete then post, got %v", methods)
			}
			if snapshot != "snap-3" {
				t.Errorf("expected final snapshot token, got %s", snapshot)
			}
		})
	})

	t.Run("error mapping", func(t *testing.T) {
		statusHandler := func(status int, header http.Header) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, vs := range header {
					for _, v := range vs {
						w.Header().Add(k, v)
					}
				}
				w.WriteHeader(status)
			})
		}

		t.Run("401 maps to expired auth", func(t *testing.T) {
			provider := newTestSpotify(t, statusHandler(http.StatusUnauthorized, nil))

			_, err := provider.GetPlaylist(context.Background(), "pl-1")
			if !errors.Is(err, shared.ErrAuthExpired) {
				t.Errorf("expected ErrAuthExpired, got %v", err)
			}
		})

		t.Run("404 maps to missing playlist", func(t *testing.T) {
			provider := newTestSpotify(t, statusHandler(http.StatusNotFound, nil))

			_, err := provider.GetPlaylist(context.Background(), "pl-1")
			if !errors.Is(err, shared.ErrPlaylistNotFound) {
				t.Errorf("expected ErrPlaylistNotFound, got %v", err)
			}
		})

		t.Run("429 carries the retry delay", func(t *testing.T) {
			provider := newTestSpotify(t, statusHandler(http.StatusTooManyRequests, http.Header{"Retry-After": {"7"}}))

			_, err := provider.GetPlaylist(context.Background(), "pl-1")

			var rl *RateLimitError
			if !errors.As(err, &rl) {
				t.Fatalf("expected RateLimitError, got %v", err)
			}
			if rl.RetryAfter != 7*time.Second {
				t.Errorf("unexpected delay: %v", rl.RetryAfter)
			}
			if !errors.Is(err, shared.ErrRateLimited) {
				t.Error("expected RateLimitError to unwrap to ErrRateLimited")
			}
		})
	})

	t.Run("missing token surfaces as not authenticated", func(t *testing.T) {
		provider := newTestSpotify(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		provider.store = &memStore{tokens: map[string]string{}}

		_, err := provider.GetPlaylist(context.Background(), "pl-1")
		if !errors.Is(err, shared.ErrNotAuthed) {
			t.Errorf("expected ErrNotAuthed, got %v", err)
		}
	})
}
