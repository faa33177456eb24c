package repositories

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/desertthunder/m3usync/internal/models"
	"github.com/desertthunder/m3usync/internal/shared"
)

// CredentialRepository stores one row of opaque token JSON per provider.
//
// Refreshing is serialized through the lease table (see engine.RefreshGuard)
// so two processes never invalidate each other's refresh token.
type CredentialRepository struct {
	db *sql.DB
}

// NewCredentialRepository creates a new CredentialRepository with the given database connection
func NewCredentialRepository(db *sql.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// Get retrieves the stored credential for a provider.
// Returns [shared.ErrMissingCredentials] when the provider was never authenticated.
func (r *CredentialRepository) Get(provider string) (*models.Credential, error) {
	query := `
		SELECT provider, token_json, last_refreshed
		FROM credentials
		WHERE provider = ?
	`

	var (
		name      string
		tokenJSON string
		refreshed sql.NullInt64
	)

	err := r.db.QueryRow(query, provider).Scan(&name, &tokenJSON, &refreshed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("provider %q: %w", provider, shared.ErrMissingCredentials)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan credential: %w", err)
	}

	return &models.Credential{
		Provider:      name,
		TokenJSON:     tokenJSON,
		LastRefreshed: time.Unix(refreshed.Int64, 0),
	}, nil
}

// Save stores or replaces the credential for a provider, stamping
// last_refreshed with the current time.
func (r *CredentialRepository) Save(provider, tokenJSON string) error {
	query := `
		INSERT INTO credentials (provider, token_json, last_refreshed)
		VALUES (?, ?, ?)
		ON CONFLICT(provider) DO UPDATE SET
			token_json = excluded.token_json,
			last_refreshed = excluded.last_refreshed
	`

	_, err := r.db.Exec(query, provider, tokenJSON, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}

	return nil
}

// Providers returns the names of all providers with stored credentials.
func (r *CredentialRepository) Providers() ([]string, error) {
	rows, err := r.db.Query("SELECT provider FROM credentials ORDER BY provider ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}
	defer rows.Close()

	var providers []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan provider name: %w", err)
		}
		providers = append(providers, name)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return providers, nil
}
