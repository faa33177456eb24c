// Tidal implementation of [Provider]
//
// Tidal versions playlists with an ETag instead of a body-level token: reads
// return the current ETag and every mutation carries If-None-Match, answered
// with 412 when the playlist moved on. The ETag therefore plays the snapshot
// token role here.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/desertthunder/m3usync/internal/models"
	"github.com/desertthunder/m3usync/internal/shared"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	tidalAuthURL  = "https://login.tidal.com/authorize"
	tidalTokenURL = "https://auth.tidal.com/v1/oauth2/token"
	tidalBaseURL  = "https://api.tidal.com/v1"

	tidalBatchSize = 50
)

type tidalTrack struct {
	ID int64 `json:"id"`
}

type tidalPlaylistItem struct {
	Item tidalTrack `json:"item"`
}

type tidalItemsPage struct {
	Items      []tidalPlaylistItem `json:"items"`
	Limit      int                 `json:"limit"`
	Offset     int                 `json:"offset"`
	TotalItems int                 `json:"totalNumberOfItems"`
}

type tidalPlaylist struct {
	UUID  string `json:"uuid"`
	Title string `json:"title"`
}

type tidalSearchResponse struct {
	Tracks struct {
		Items []tidalTrack `json:"items"`
	} `json:"tracks"`
}

type tidalSession struct {
	UserID int64 `json:"userId"`
}

// TidalProvider implements [Provider] against a Tidal-style API.
type TidalProvider struct {
	config     *oauth2.Config
	store      TokenStore
	token      *oauth2.Token
	httpClient *http.Client
	limiter    *rate.Limiter
	baseURL    string
	userID     int64
}

// NewTidalProvider creates a Tidal provider from the configured OAuth client
// and the shared token store.
func NewTidalProvider(creds shared.ProviderCredentials, store TokenStore) (*TidalProvider, error) {
	if creds.ClientID == "" || creds.ClientSecret == "" {
		return nil, fmt.Errorf("tidal: %w", shared.ErrMissingCredentials)
	}

	config := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  creds.RedirectURI,
		Scopes:       []string{"r_usr", "w_usr"},
		Endpoint: oauth2.Endpoint{
			AuthURL:  tidalAuthURL,
			TokenURL: tidalTokenURL,
		},
	}

	return &TidalProvider{
		config:     config,
		store:      store,
		httpClient: http.DefaultClient,
		limiter:    rate.NewLimiter(rate.Limit(5), 1),
		baseURL:    tidalBaseURL,
	}, nil
}

func (t *TidalProvider) Name() string { return "tidal" }

// AuthCodeURL builds the browser authorization URL for the interactive flow.
func (t *TidalProvider) AuthCodeURL(state string) string {
	return t.config.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// Exchange trades an authorization code for tokens and persists them.
func (t *TidalProvider) Exchange(ctx context.Context, code string) error {
	token, err := t.config.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("%w: %v", shared.ErrAuthFailed, err)
	}

	encoded, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}
	if err := t.store.Save(t.Name(), string(encoded)); err != nil {
		return fmt.Errorf("failed to persist token: %w", err)
	}

	t.token = token
	return nil
}

func (t *TidalProvider) loadToken() (*oauth2.Token, error) {
	if t.token != nil {
		return t.token, nil
	}

	cred, err := t.store.Get(t.Name())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrNotAuthed, err)
	}

	var token oauth2.Token
	if err := json.Unmarshal([]byte(cred.TokenJSON), &token); err != nil {
		return nil, fmt.Errorf("failed to decode stored token: %w", err)
	}

	t.token = &token
	return t.token, nil
}

// RefreshCredentials exchanges the stored refresh token for a fresh access
// token and persists it.
func (t *TidalProvider) RefreshCredentials(ctx context.Context) error {
	token, err := t.loadToken()
	if err != nil {
		return fmt.Errorf("%w: %v", shared.ErrAuthFailed, err)
	}
	if token.RefreshToken == "" {
		return fmt.Errorf("%w: %v", shared.ErrAuthFailed, shared.ErrNoRefresh)
	}

	stale := *token
	stale.Expiry = time.Now().Add(-time.Minute)

	fresh, err := t.config.TokenSource(ctx, &stale).Token()
	if err != nil {
		return fmt.Errorf("%w: %v", shared.ErrAuthFailed, err)
	}

	encoded, err := json.Marshal(fresh)
	if err != nil {
		return fmt.Errorf("failed to encode refreshed token: %w", err)
	}
	if err := t.store.Save(t.Name(), string(encoded)); err != nil {
		return fmt.Errorf("failed to persist refreshed token: %w", err)
	}

	t.token = fresh
	return nil
}

// doRequest performs an authenticated, rate-limited request. The etag
// argument becomes an If-None-Match header when non-empty; the response ETag
// (when present) is returned to the caller.
func (t *TidalProvider) doRequest(ctx context.Context, method, endpoint, etag string, form url.Values, result any) (string, error) {
	token, err := t.loadToken()
	if err != nil {
		return "", err
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter wait: %w", err)
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+endpoint, body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", shared.ErrAPIRequest, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return "", fmt.Errorf("tidal %s %s: %w", method, endpoint, shared.ErrAuthExpired)
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", &RateLimitError{RetryAfter: retryAfter(resp)}
	case resp.StatusCode == http.StatusPreconditionFailed:
		return "", fmt.Errorf("tidal %s %s: %w", method, endpoint, shared.ErrStaleSnapshot)
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("tidal %s %s: %w", method, endpoint, shared.ErrPlaylistNotFound)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", fmt.Errorf("%w: tidal %s %s: status %d", shared.ErrAPIRequest, method, endpoint, resp.StatusCode)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return "", fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return resp.Header.Get("ETag"), nil
}

func (t *TidalProvider) currentUser(ctx context.Context) (int64, error) {
	if t.userID != 0 {
		return t.userID, nil
	}

	var session tidalSession
	if _, err := t.doRequest(ctx, http.MethodGet, "/sessions", "", nil, &session); err != nil {
		return 0, err
	}

	t.userID = session.UserID
	return t.userID, nil
}

// SearchTrack resolves a query to a remote track id. Tidal has no ISRC
// filter, so the query falls back to metadata terms.
func (t *TidalProvider) SearchTrack(ctx context.Context, q TrackQuery) (string, error) {
	query := strings.TrimSpace(q.Artist + " " + q.Title)
	if query == "" {
		query = q.ISRC
	}

	endpoint := fmt.Sprintf("/search/tracks?query=%s&limit=1", url.QueryEscape(query))

	var response tidalSearchResponse
	if _, err := t.doRequest(ctx, http.MethodGet, endpoint, "", nil, &response); err != nil {
		return "", err
	}

	if len(response.Tracks.Items) == 0 {
		return "", fmt.Errorf("tidal search %q: %w", query, shared.ErrTrackNotFound)
	}

	return strconv.FormatInt(response.Tracks.Items[0].ID, 10), nil
}

// GetPlaylist reads the playlist's current ETag and full track order,
// following pagination.
func (t *TidalProvider) GetPlaylist(ctx context.Context, remoteID string) (*Snapshot, error) {
	var playlist tidalPlaylist
	etag, err := t.doRequest(ctx, http.MethodGet, "/playlists/"+remoteID, "", nil, &playlist)
	if err != nil {
		return nil, err
	}

	var trackIDs []string
	offset := 0
	for {
		endpoint := fmt.Sprintf("/playlists/%s/items?limit=%d&offset=%d", remoteID, tidalBatchSize, offset)

		var page tidalItemsPage
		if _, err := t.doRequest(ctx, http.MethodGet, endpoint, "", nil, &page); err != nil {
			return nil, err
		}

		for _, item := range page.Items {
			trackIDs = append(trackIDs, strconv.FormatInt(item.Item.ID, 10))
		}

		offset += len(page.Items)
		if offset >= page.TotalItems || len(page.Items) == 0 {
			break
		}
	}

	return &Snapshot{RemoteID: playlist.UUID, SnapshotID: etag, TrackIDs: trackIDs}, nil
}

// CreatePlaylist creates an empty playlist for the current user.
func (t *TidalProvider) CreatePlaylist(ctx context.Context, name, description string) (*Snapshot, error) {
	userID, err := t.currentUser(ctx)
	if err != nil {
		return nil, err
	}

	form := url.Values{"title": {name}, "description": {description}}

	var playlist tidalPlaylist
	endpoint := fmt.Sprintf("/users/%d/playlists", userID)
	etag, err := t.doRequest(ctx, http.MethodPost, endpoint, "", form, &playlist)
	if err != nil {
		return nil, err
	}

	return &Snapshot{RemoteID: playlist.UUID, SnapshotID: etag}, nil
}

// RenamePlaylist changes the playlist title in place.
func (t *TidalProvider) RenamePlaylist(ctx context.Context, remoteID, newName string) error {
	current, err := t.GetPlaylist(ctx, remoteID)
	if err != nil {
		return err
	}

	form := url.Values{"title": {newName}}
	_, err = t.doRequest(ctx, http.MethodPost, "/playlists/"+remoteID, current.SnapshotID, form, nil)
	return err
}

// DeletePlaylist removes the playlist entirely.
func (t *TidalProvider) DeletePlaylist(ctx context.Context, remoteID string) error {
	_, err := t.doRequest(ctx, http.MethodDelete, "/playlists/"+remoteID, "", nil, nil)
	return err
}

// ApplyDiff applies the diff guarded by the expected ETag. Removals are
// index-based, so indices are computed from the remote order the held ETag
// describes; the API answers 412 when that order moved on.
func (t *TidalProvider) ApplyDiff(ctx context.Context, remoteID, expectedSnapshot string, diff models.Diff) (string, error) {
	current, err := t.GetPlaylist(ctx, remoteID)
	if err != nil {
		return "", err
	}
	if expectedSnapshot != "" && current.SnapshotID != expectedSnapshot {
		return "", fmt.Errorf("tidal playlist %s: %w", remoteID, shared.ErrStaleSnapshot)
	}

	etag := current.SnapshotID

	if diff.Order != nil {
		// Replace: clear every current item, then add in order.
		if len(current.TrackIDs) > 0 {
			indices := make([]string, len(current.TrackIDs))
			for i := range current.TrackIDs {
				indices[i] = strconv.Itoa(i)
			}
			endpoint := fmt.Sprintf("/playlists/%s/items/%s", remoteID, strings.Join(indices, ","))
			etag, err = t.doRequest(ctx, http.MethodDelete, endpoint, etag, nil, nil)
			if err != nil {
				return "", err
			}
		}
		return t.addItems(ctx, remoteID, etag, diff.Order)
	}

	if len(diff.Remove) > 0 {
		removeSet := make(map[string]bool, len(diff.Remove))
		for _, id := range diff.Remove {
			removeSet[id] = true
		}

		var indices []string
		for i, id := range current.TrackIDs {
			if removeSet[id] {
				indices = append(indices, strconv.Itoa(i))
			}
		}

		if len(indices) > 0 {
			endpoint := fmt.Sprintf("/playlists/%s/items/%s", remoteID, strings.Join(indices, ","))
			etag, err = t.doRequest(ctx, http.MethodDelete, endpoint, etag, nil, nil)
			if err != nil {
				return "", err
			}
		}
	}

	return t.addItems(ctx, remoteID, etag, diff.Add)
}

// addItems appends track ids in batches, threading the ETag through each call.
func (t *TidalProvider) addItems(ctx context.Context, remoteID, etag string, trackIDs []string) (string, error) {
	for i := 0; i < len(trackIDs); i += tidalBatchSize {
		chunk := trackIDs[i:min(i+tidalBatchSize, len(trackIDs))]
		form := url.Values{
			"trackIds": {strings.Join(chunk, ",")},
			"toIndex":  {"-1"},
			"onDupes":  {"SKIP"},
		}

		next, err := t.doRequest(ctx, http.MethodPost, fmt.Sprintf("/playlists/%s/items", remoteID), etag, form, nil)
		if err != nil {
			return "", err
		}
		if next != "" {
			etag = next
		}
	}

	return etag, nil
}
