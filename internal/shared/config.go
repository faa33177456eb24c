package shared

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

//go:embed config.example.toml
var exampleConf []byte

// Config represents the application configuration loaded from a TOML file.
type Config struct {
	Library     LibraryConfig     `toml:"library"`
	Database    DatabaseConfig    `toml:"database"`
	Sync        SyncConfig        `toml:"sync"`
	Credentials CredentialsConfig `toml:"credentials"`
}

// LibraryConfig describes the watched music library and how playlist names
// are derived from folders.
type LibraryConfig struct {
	RootFolder string `toml:"root_folder"`
	// Colon-separated list of subtrees to restrict watching to; empty watches everything.
	Whitelist string `toml:"whitelist"`
	// Templates recognize ${folder_name}, ${path_to_parent} and ${relative_path}.
	LocalPlaylistTemplate  string   `toml:"local_playlist_template"`
	RemotePlaylistTemplate string   `toml:"remote_playlist_template"`
	PlaylistMode           string   `toml:"playlist_mode"`       // flat | linked
	PlaylistOrderMode      string   `toml:"playlist_order_mode"` // alphabetical | sync_order
	LinkedReferenceFormat  string   `toml:"linked_reference_format"`
	FileExtensions         []string `toml:"file_extensions"`
	DebounceMS             int      `toml:"debounce_ms"`
}

// DatabaseConfig contains the sqlite store settings.
type DatabaseConfig struct {
	Path         string `toml:"path"`
	MaxOpenConns int    `toml:"max_open_conns"`
	MaxIdleConns int    `toml:"max_idle_conns"`
}

// SyncConfig contains worker and reconciler timing and retry settings.
type SyncConfig struct {
	// Provider names the single service this store syncs against. The
	// playlist_map and track_cache tables hold one remote id per row, so a
	// store can only ever track one provider; syncing a second service
	// needs its own database.
	Provider          string `toml:"provider"`
	WorkerIntervalSec int    `toml:"worker_interval_sec"`
	LeaseTTLSec       int    `toml:"lease_ttl_sec"`
	MaxRetries        int    `toml:"max_retries_on_error"`
	MaxBatchSize      int    `toml:"max_batch_size"`
	// When the unsynced queue grows past this, the worker skips the cycle
	// instead of hammering the provider. Zero disables the check.
	QueueStopThreshold int `toml:"queue_stop_threshold"`
	MaxRetryAfterSec   int `toml:"max_retry_after_sec"`
}

// CredentialsConfig contains per-provider OAuth client settings.
type CredentialsConfig struct {
	Spotify ProviderCredentials `toml:"spotify"`
	Tidal   ProviderCredentials `toml:"tidal"`
}

// ProviderCredentials holds the OAuth client for one provider. Tokens
// themselves live in the credentials table, not in config.
type ProviderCredentials struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	RedirectURI  string `toml:"redirect_uri"`
}

// LoadConfig reads and parses a TOML configuration file from the specified path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &config, nil
}

// DefaultConfig returns a Config with sensible defaults loaded from the embedded example config.
func DefaultConfig() *Config {
	var config Config
	if err := toml.Unmarshal(exampleConf, &config); err != nil {
		panic(fmt.Sprintf("failed to parse embedded default config: %v", err))
	}
	return &config
}

// CreateConfigFile creates a config.toml file at the specified path using the embedded example config.
func CreateConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := os.WriteFile(path, exampleConf, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Debounce returns the watcher debounce window as a [time.Duration].
func (c *Config) Debounce() time.Duration {
	if c.Library.DebounceMS <= 0 {
		return 250 * time.Millisecond
	}
	return time.Duration(c.Library.DebounceMS) * time.Millisecond
}

// LeaseTTL returns the processing lease lifetime as a [time.Duration].
func (c *Config) LeaseTTL() time.Duration {
	if c.Sync.LeaseTTLSec <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.Sync.LeaseTTLSec) * time.Second
}

// MaxRetryAfter caps provider-supplied Retry-After waits so a misbehaving
// provider cannot stall a cycle indefinitely.
func (c *Config) MaxRetryAfter() time.Duration {
	if c.Sync.MaxRetryAfterSec <= 0 {
		return time.Minute
	}
	return time.Duration(c.Sync.MaxRetryAfterSec) * time.Second
}
