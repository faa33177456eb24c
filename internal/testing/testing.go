// package testing contains shared testing utilities
package testing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"testing"

	"github.com/desertthunder/m3usync/internal/models"
	"github.com/desertthunder/m3usync/internal/providers"
	"github.com/desertthunder/m3usync/internal/shared"
)

// MockProvider is a scripted test double for [providers.Provider].
//
// Playlists holds the simulated remote state keyed by remote id; every
// mutation bumps the playlist's snapshot token, and a mutation carrying the
// wrong expected token fails with [shared.ErrStaleSnapshot] the way a real
// provider would. Tracks resolves search queries by local title, and errors
// can be injected per call site via the Err fields.
type MockProvider struct {
	mu sync.Mutex

	ProviderName string
	Playlists    map[string]*providers.Snapshot
	Tracks       map[string]string // title or ISRC -> remote track id

	SearchErr  error
	ApplyErr   error
	RefreshErr error

	SearchCalls  int
	ApplyCalls   int
	RefreshCalls int
	CreateCalls  int
	DeleteCalls  int
	RenameCalls  int

	nextID int
}

// NewMockProvider creates an empty scripted provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		ProviderName: "mock",
		Playlists:    make(map[string]*providers.Snapshot),
		Tracks:       make(map[string]string),
	}
}

func (m *MockProvider) Name() string {
	if m.ProviderName == "" {
		return "mock"
	}
	return m.ProviderName
}

func (m *MockProvider) RefreshCredentials(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RefreshCalls++
	return m.RefreshErr
}

func (m *MockProvider) SearchTrack(ctx context.Context, q providers.TrackQuery) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SearchCalls++

	if m.SearchErr != nil {
		return "", m.SearchErr
	}
	if q.ISRC != "" {
		if id, ok := m.Tracks[q.ISRC]; ok {
			return id, nil
		}
	}
	if id, ok := m.Tracks[q.Title]; ok {
		return id, nil
	}
	return "", fmt.Errorf("mock search %q: %w", q.Title, shared.ErrTrackNotFound)
}

func (m *MockProvider) GetPlaylist(ctx context.Context, remoteID string) (*providers.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, ok := m.Playlists[remoteID]
	if !ok {
		return nil, fmt.Errorf("mock playlist %s: %w", remoteID, shared.ErrPlaylistNotFound)
	}

	copied := *snap
	copied.TrackIDs = append([]string(nil), snap.TrackIDs...)
	return &copied, nil
}

func (m *MockProvider) CreatePlaylist(ctx context.Context, name, description string) (*providers.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateCalls++

	m.nextID++
	snap := &providers.Snapshot{
		RemoteID:   "remote-" + strconv.Itoa(m.nextID),
		SnapshotID: "snap-0",
	}
	m.Playlists[snap.RemoteID] = snap
	return snap, nil
}

func (m *MockProvider) RenamePlaylist(ctx context.Context, remoteID, newName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RenameCalls++

	if _, ok := m.Playlists[remoteID]; !ok {
		return fmt.Errorf("mock playlist %s: %w", remoteID, shared.ErrPlaylistNotFound)
	}
	return nil
}

func (m *MockProvider) DeletePlaylist(ctx context.Context, remoteID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteCalls++

	if _, ok := m.Playlists[remoteID]; !ok {
		return fmt.Errorf("mock playlist %s: %w", remoteID, shared.ErrPlaylistNotFound)
	}
	delete(m.Playlists, remoteID)
	return nil
}

func (m *MockProvider) ApplyDiff(ctx context.Context, remoteID, expectedSnapshot string, diff models.Diff) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ApplyCalls++

	if m.ApplyErr != nil {
		err := m.ApplyErr
		m.ApplyErr = nil
		return "", err
	}

	snap, ok := m.Playlists[remoteID]
	if !ok {
		return "", fmt.Errorf("mock playlist %s: %w", remoteID, shared.ErrPlaylistNotFound)
	}
	if expectedSnapshot != "" && snap.SnapshotID != expectedSnapshot {
		return "", fmt.Errorf("mock playlist %s: %w", remoteID, shared.ErrStaleSnapshot)
	}

	if diff.Order != nil {
		snap.TrackIDs = append([]string(nil), diff.Order...)
	} else {
		removing := make(map[string]bool, len(diff.Remove))
		for _, id := range diff.Remove {
			removing[id] = true
		}
		var kept []string
		for _, id := range snap.TrackIDs {
			if !removing[id] {
				kept = append(kept, id)
			}
		}
		snap.TrackIDs = append(kept, diff.Add...)
	}

	snap.SnapshotID = "snap-" + strconv.Itoa(len(snap.TrackIDs)) + "-" + strconv.Itoa(m.ApplyCalls)
	return snap.SnapshotID, nil
}

// Bump advances a playlist's snapshot token out from under the caller,
// simulating a concurrent external edit.
func (m *MockProvider) Bump(remoteID string, trackIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, ok := m.Playlists[remoteID]
	if !ok {
		return
	}
	if trackIDs != nil {
		snap.TrackIDs = trackIDs
	}
	snap.SnapshotID = snap.SnapshotID + "-bumped"
}

// FWriter always returns an error on Write
type FWriter struct{}

func (f *FWriter) Write(p []byte) (n int, err error) {
	return 0, errors.New("write failed")
}

// MockRoundTripper allows custom HTTP responses for testing
type MockRoundTripper struct {
	response *http.Response
	err      error
}

func NewMockRoundTripper(r *http.Response, e error) *MockRoundTripper {
	return &MockRoundTripper{response: r, err: e}
}

func (m *MockRoundTripper) RoundTrip(*http.Request) (*http.Response, error) {
	return m.response, m.err
}

func AssertFileExists(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Errorf("File does not exist: %s", path)
	}
}

func MustReadFile(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file %s: %v", path, err)
	}
	return string(content)
}
