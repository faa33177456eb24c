// Spotify implementation of [Provider]
//
// API response types based on https://developer.spotify.com/documentation/web-api/reference/
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/desertthunder/m3usync/internal/models"
	"github.com/desertthunder/m3usync/internal/shared"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	spotifyAuthURL  = "https://accounts.spotify.com/authorize"
	spotifyTokenURL = "https://accounts.spotify.com/api/token"
	spotifyBaseURL  = "https://api.spotify.com/v1"

	// Spotify caps add/remove payloads at 100 uris per call.
	spotifyBatchSize = 100
)

// TokenStore persists provider tokens between processes. Implemented by
// repositories.CredentialRepository.
type TokenStore interface {
	Get(provider string) (*models.Credential, error)
	Save(provider, tokenJSON string) error
}

type spotifyTrackRef struct {
	URI string `json:"uri"`
}

type spotifyPlaylistItem struct {
	Track spotifyTrackRef `json:"track"`
}

type spotifyPagedItems struct {
	Items []spotifyPlaylistItem `json:"items"`
	Next  *string               `json:"next"`
}

// SpotifyPlaylist represents the subset of the playlist object the engine needs.
type SpotifyPlaylist struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	SnapshotID string            `json:"snapshot_id"`
	Tracks     spotifyPagedItems `json:"tracks"`
}

type spotifySearchResponse struct {
	Tracks struct {
		Items []spotifyTrackRef `json:"items"`
	} `json:"tracks"`
}

type spotifySnapshotResponse struct {
	SnapshotID string `json:"snapshot_id"`
}

type spotifyUser struct {
	ID string `json:"id"`
}

// SpotifyProvider implements [Provider] against the Spotify Web API.
//
// Spotify's native snapshot_id is the optimistic-concurrency token: ApplyDiff
// compares it before mutating and remove calls carry it so the API itself
// rejects concurrent edits.
type SpotifyProvider struct {
	config     *oauth2.Config
	store      TokenStore
	token      *oauth2.Token
	httpClient *http.Client
	limiter    *rate.Limiter
	baseURL    string
	userID     string
}

// NewSpotifyProvider creates a Spotify provider from the configured OAuth
// client and the shared token store.
func NewSpotifyProvider(creds shared.ProviderCredentials, store TokenStore) (*SpotifyProvider, error) {
	if creds.ClientID == "" || creds.ClientSecret == "" {
		return nil, fmt.Errorf("spotify: %w", shared.ErrMissingCredentials)
	}

	redirectURI := creds.RedirectURI
	if redirectURI == "" {
		redirectURI = "http://localhost:8080/callback"
	}

	config := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes: []string{
			"playlist-read-private",
			"playlist-modify-private",
			"playlist-modify-public",
		},
		Endpoint: oauth2.Endpoint{
			AuthURL:  spotifyAuthURL,
			TokenURL: spotifyTokenURL,
		},
	}

	return &SpotifyProvider{
		config:     config,
		store:      store,
		httpClient: http.DefaultClient,
		limiter:    rate.NewLimiter(rate.Limit(5), 1),
		baseURL:    spotifyBaseURL,
	}, nil
}

func (s *SpotifyProvider) Name() string { return "spotify" }

// AuthCodeURL builds the browser authorization URL for the interactive flow.
func (s *SpotifyProvider) AuthCodeURL(state string) string {
	return s.config.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// Exchange trades an authorization code for tokens and persists them.
func (s *SpotifyProvider) Exchange(ctx context.Context, code string) error {
	token, err := s.config.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("%w: %v", shared.ErrAuthFailed, err)
	}

	encoded, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}
	if err := s.store.Save(s.Name(), string(encoded)); err != nil {
		return fmt.Errorf("failed to persist token: %w", err)
	}

	s.token = token
	return nil
}

// loadToken lazily reads the persisted token from the store.
func (s *SpotifyProvider) loadToken() (*oauth2.Token, error) {
	if s.token != nil {
		return s.token, nil
	}

	cred, err := s.store.Get(s.Name())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrNotAuthed, err)
	}

	var token oauth2.Token
	if err := json.Unmarshal([]byte(cred.TokenJSON), &token); err != nil {
		return nil, fmt.Errorf("failed to decode stored token: %w", err)
	}

	s.token = &token
	return s.token, nil
}

// RefreshCredentials exchanges the stored refresh token for a fresh access
// token and persists it. Callers serialize this through engine.RefreshGuard.
func (s *SpotifyProvider) RefreshCredentials(ctx context.Context) error {
	token, err := s.loadToken()
	if err != nil {
		return fmt.Errorf("%w: %v", shared.ErrAuthFailed, err)
	}
	if token.RefreshToken == "" {
		return fmt.Errorf("%w: %v", shared.ErrAuthFailed, shared.ErrNoRefresh)
	}

	// Expire the access token so the token source performs a real refresh.
	stale := *token
	stale.Expiry = time.Now().Add(-time.Minute)

	fresh, err := s.config.TokenSource(ctx, &stale).Token()
	if err != nil {
		return fmt.Errorf("%w: %v", shared.ErrAuthFailed, err)
	}

	encoded, err := json.Marshal(fresh)
	if err != nil {
		return fmt.Errorf("failed to encode refreshed token: %w", err)
	}
	if err := s.store.Save(s.Name(), string(encoded)); err != nil {
		return fmt.Errorf("failed to persist refreshed token: %w", err)
	}

	s.token = fresh
	return nil
}

// doRequest performs an authenticated, rate-limited request against the API
// and maps error statuses onto the shared outcome categories.
func (s *SpotifyProvider) doRequest(ctx context.Context, method, endpoint string, body, result any) error {
	token, err := s.loadToken()
	if err != nil {
		return err
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait: %w", err)
	}

	var reqBody *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", shared.ErrAPIRequest, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("spotify %s %s: %w", method, endpoint, shared.ErrAuthExpired)
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: retryAfter(resp)}
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("spotify %s %s: %w", method, endpoint, shared.ErrPlaylistNotFound)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%w: spotify %s %s: status %d", shared.ErrAPIRequest, method, endpoint, resp.StatusCode)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

// retryAfter parses the Retry-After header, defaulting to 5s.
func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 5 * time.Second
}

// currentUser fetches and caches the authenticated user's id, needed for
// playlist creation.
func (s *SpotifyProvider) currentUser(ctx context.Context) (string, error) {
	if s.userID != "" {
		return s.userID, nil
	}

	var user spotifyUser
	if err := s.doRequest(ctx, http.MethodGet, "/me", nil, &user); err != nil {
		return "", err
	}

	s.userID = user.ID
	return s.userID, nil
}

// SearchTrack resolves a query to a track uri, preferring ISRC lookup.
func (s *SpotifyProvider) SearchTrack(ctx context.Context, q TrackQuery) (string, error) {
	query := q.Title
	if q.Artist != "" {
		query = fmt.Sprintf("track:%s artist:%s", q.Title, q.Artist)
	}
	if q.ISRC != "" {
		query = "isrc:" + q.ISRC
	}

	endpoint := fmt.Sprintf("/search?q=%s&type=track&limit=1", url.QueryEscape(query))

	var response spotifySearchResponse
	if err := s.doRequest(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return "", err
	}

	if len(response.Tracks.Items) == 0 {
		return "", fmt.Errorf("spotify search %q: %w", query, shared.ErrTrackNotFound)
	}

	return response.Tracks.Items[0].URI, nil
}

// GetPlaylist reads the playlist's snapshot token and full track order,
// following pagination.
func (s *SpotifyProvider) GetPlaylist(ctx context.Context, remoteID string) (*Snapshot, error) {
	endpoint := fmt.Sprintf("/playlists/%s?fields=id,name,snapshot_id,tracks.items(track(uri)),tracks.next", remoteID)

	var playlist SpotifyPlaylist
	if err := s.doRequest(ctx, http.MethodGet, endpoint, nil, &playlist); err != nil {
		return nil, err
	}

	trackIDs := make([]string, 0, len(playlist.Tracks.Items))
	for _, item := range playlist.Tracks.Items {
		trackIDs = append(trackIDs, item.Track.URI)
	}

	next := playlist.Tracks.Next
	offset := len(trackIDs)
	for next != nil {
		endpoint := fmt.Sprintf("/playlists/%s/tracks?fields=items(track(uri)),next&offset=%d", remoteID, offset)

		var page spotifyPagedItems
		if err := s.doRequest(ctx, http.MethodGet, endpoint, nil, &page); err != nil {
			return nil, err
		}

		for _, item := range page.Items {
			trackIDs = append(trackIDs, item.Track.URI)
		}
		offset = len(trackIDs)
		next = page.Next
	}

	return &Snapshot{RemoteID: playlist.ID, SnapshotID: playlist.SnapshotID, TrackIDs: trackIDs}, nil
}

// CreatePlaylist creates an empty private playlist for the current user.
func (s *SpotifyProvider) CreatePlaylist(ctx context.Context, name, description string) (*Snapshot, error) {
	userID, err := s.currentUser(ctx)
	if err != nil {
		return nil, err
	}

	body := map[string]any{"name": name, "description": description, "public": false}

	var playlist SpotifyPlaylist
	endpoint := fmt.Sprintf("/users/%s/playlists", userID)
	if err := s.doRequest(ctx, http.MethodPost, endpoint, body, &playlist); err != nil {
		return nil, err
	}

	return &Snapshot{RemoteID: playlist.ID, SnapshotID: playlist.SnapshotID}, nil
}

// RenamePlaylist changes the remote playlist's display name.
func (s *SpotifyProvider) RenamePlaylist(ctx context.Context, remoteID, newName string) error {
	endpoint := fmt.Sprintf("/playlists/%s", remoteID)
	return s.doRequest(ctx, http.MethodPut, endpoint, map[string]any{"name": newName}, nil)
}

// DeletePlaylist unfollows the playlist, Spotify's equivalent of deletion.
func (s *SpotifyProvider) DeletePlaylist(ctx context.Context, remoteID string) error {
	endpoint := fmt.Sprintf("/playlists/%s/followers", remoteID)
	return s.doRequest(ctx, http.MethodDelete, endpoint, nil, nil)
}

// ApplyDiff applies the diff guarded by the expected snapshot token.
//
// The current snapshot is compared first so a concurrent remote edit
// surfaces as [shared.ErrStaleSnapshot] before any mutation; remove calls
// additionally carry the token so the API enforces the same guard.
func (s *SpotifyProvider) ApplyDiff(ctx context.Context, remoteID, expectedSnapshot string, diff models.Diff) (string, error) {
	current, err := s.GetPlaylist(ctx, remoteID)
	if err != nil {
		return "", err
	}
	if expectedSnapshot != "" && current.SnapshotID != expectedSnapshot {
		return "", fmt.Errorf("spotify playlist %s: have %s, held %s: %w",
			remoteID, current.SnapshotID, expectedSnapshot, shared.ErrStaleSnapshot)
	}

	snapshot := current.SnapshotID

	if diff.Order != nil {
		// Full-order replace: first call replaces, follow-ups append in order.
		for i := 0; i < len(diff.Order) || i == 0; i += spotifyBatchSize {
			chunk := diff.Order[i:min(i+spotifyBatchSize, len(diff.Order))]
			endpoint := fmt.Sprintf("/playlists/%s/tracks", remoteID)

			var resp spotifySnapshotResponse
			if i == 0 {
				if err := s.doRequest(ctx, http.MethodPut, endpoint, map[string]any{"uris": chunk}, &resp); err != nil {
					return "", err
				}
			} else {
				if err := s.doRequest(ctx, http.MethodPost, endpoint, map[string]any{"uris": chunk}, &resp); err != nil {
					return "", err
				}
			}
			snapshot = resp.SnapshotID
		}
		return snapshot, nil
	}

	for i := 0; i < len(diff.Remove); i += spotifyBatchSize {
		chunk := diff.Remove[i:min(i+spotifyBatchSize, len(diff.Remove))]
		tracks := make([]map[string]string, 0, len(chunk))
		for _, uri := range chunk {
			tracks = append(tracks, map[string]string{"uri": uri})
		}

		endpoint := fmt.Sprintf("/playlists/%s/tracks", remoteID)
		body := map[string]any{"tracks": tracks, "snapshot_id": snapshot}

		var resp spotifySnapshotResponse
		if err := s.doRequest(ctx, http.MethodDelete, endpoint, body, &resp); err != nil {
			return "", err
		}
		snapshot = resp.SnapshotID
	}

	for i := 0; i < len(diff.Add); i += spotifyBatchSize {
		chunk := diff.Add[i:min(i+spotifyBatchSize, len(diff.Add))]
		endpoint := fmt.Sprintf("/playlists/%s/tracks", remoteID)

		var resp spotifySnapshotResponse
		if err := s.doRequest(ctx, http.MethodPost, endpoint, map[string]any{"uris": chunk}, &resp); err != nil {
			return "", err
		}
		snapshot = resp.SnapshotID
	}

	return snapshot, nil
}
