package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/desertthunder/m3usync/internal/providers"
	"github.com/desertthunder/m3usync/internal/repositories"
	"github.com/desertthunder/m3usync/internal/shared"
	"github.com/urfave/cli/v3"
)

// oauthProvider is a provider that supports the interactive authorization
// code flow on top of the sync operations.
type oauthProvider interface {
	providers.Provider
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) error
}

// Auth runs the authorization code flow for one provider: it starts a local
// callback server, opens the browser, and persists the exchanged token in the
// credentials table.
func (r *Runner) Auth(ctx context.Context, cmd *cli.Command) error {
	name := cmd.StringArg("provider")
	if name == "" {
		return fmt.Errorf("%w: provider argument required (spotify or tidal)", shared.ErrInvalidConfig)
	}

	config := r.loadConfig(cmd)

	db, closeDB, err := r.openDB(config)
	if err != nil {
		return err
	}
	defer closeDB()

	if err := shared.RunMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	store := repositories.NewCredentialRepository(db)

	var provider oauthProvider
	switch name {
	case "spotify":
		provider, err = providers.NewSpotifyProvider(config.Credentials.Spotify, store)
	case "tidal":
		provider, err = providers.NewTidalProvider(config.Credentials.Tidal, store)
	default:
		return fmt.Errorf("%w: unknown provider %q", shared.ErrInvalidConfig, name)
	}
	if err != nil {
		return fmt.Errorf("failed to create %s client: %w", name, err)
	}

	code, err := r.awaitAuthorization(ctx, cmd.String("listen"), provider)
	if err != nil {
		return err
	}

	if err := provider.Exchange(ctx, code); err != nil {
		return fmt.Errorf("token exchange failed: %w", err)
	}

	r.writePlainln("✓ Authorization successful")
	r.writePlain("Tokens for %s saved to %s\n", provider.Name(), config.Database.Path)
	return nil
}

// awaitAuthorization serves the OAuth callback on addr and returns the
// authorization code once the browser redirect lands.
func (r *Runner) awaitAuthorization(ctx context.Context, addr string, provider oauthProvider) (string, error) {
	state := shared.GenerateID()
	authURL := provider.AuthCodeURL(state)

	type callback struct {
		code string
		err  error
	}
	results := make(chan callback, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		switch {
		case q.Get("state") != state:
			http.Error(w, "state mismatch", http.StatusBadRequest)
			results <- callback{err: fmt.Errorf("%w: state mismatch", shared.ErrAuthFailed)}
		case q.Get("error") != "":
			http.Error(w, q.Get("error"), http.StatusBadRequest)
			results <- callback{err: fmt.Errorf("%w: %s", shared.ErrAuthFailed, q.Get("error"))}
		default:
			fmt.Fprintln(w, "Authorization complete. You can close this tab.")
			results <- callback{code: q.Get("code")}
		}
	})

	server := &http.Server{Addr: addr, Handler: mux}
	serverErrors := make(chan error, 1)
	go func() {
		r.logger.Info("waiting for OAuth callback", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	r.writePlain("→ Opening browser for %s authorization...\n", provider.Name())
	if err := shared.OpenBrowser(authURL); err != nil {
		r.logger.Warn("failed to open browser automatically", "error", err)
		r.writePlainln("⚠ Could not open browser automatically.")
		r.writePlain("Please open this URL in your browser:\n%s\n\n", authURL)
	}

	timeout := time.NewTimer(2 * time.Minute)
	defer timeout.Stop()

	var result callback
	select {
	case result = <-results:
	case err := <-serverErrors:
		return "", fmt.Errorf("callback server error: %w", err)
	case <-timeout.C:
		result = callback{err: fmt.Errorf("%w: authorization timed out", shared.ErrAuthFailed)}
	case <-ctx.Done():
		result = callback{err: ctx.Err()}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		r.logger.Warn("error shutting down callback server", "error", err)
	}

	if result.err != nil {
		return "", result.err
	}
	if result.code == "" {
		return "", fmt.Errorf("%w: no authorization code received", shared.ErrAuthFailed)
	}
	return result.code, nil
}
