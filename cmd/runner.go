package main

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/m3usync/internal/providers"
	"github.com/desertthunder/m3usync/internal/repositories"
	"github.com/desertthunder/m3usync/internal/shared"
	"github.com/urfave/cli/v3"
)

// Runner holds all dependencies for CLI commands and provides methods for each command action.
type Runner struct {
	config *shared.Config
	db     *sql.DB
	logger *log.Logger
	output io.Writer
}

// RunnerOpts contains configuration options for creating a Runner.
type RunnerOpts struct {
	Config *shared.Config
	DB     *sql.DB
	Logger *log.Logger
	Output io.Writer
}

// NewRunner creates a new Runner with the provided configuration
func NewRunner(opts RunnerOpts) *Runner {
	if opts.Config == nil {
		opts.Config = shared.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}

	return &Runner{
		config: opts.Config,
		db:     opts.DB,
		logger: opts.Logger,
		output: opts.Output,
	}
}

func (r *Runner) register() []*cli.Command {
	commands := []*cli.Command{}
	for _, fn := range [](func(*Runner) *cli.Command){
		setupCommand, authCommand, watchCommand, syncCommand, statusCommand, pruneCommand,
	} {
		commands = append(commands, fn(r))
	}

	return commands
}

// loadConfig resolves the effective config for a command: the --config file
// when it exists, otherwise whatever the Runner was constructed with.
func (r *Runner) loadConfig(cmd *cli.Command) *shared.Config {
	configPath := cmd.String("config")
	if configPath == "" {
		return r.config
	}

	if _, err := os.Stat(configPath); err == nil {
		if config, err := shared.LoadConfig(configPath); err == nil {
			return config
		} else {
			r.logger.Warn("failed to load config, using defaults", "path", configPath, "error", err)
		}
	}
	return r.config
}

// openDB opens the configured sqlite store, reusing an injected handle when
// one was provided.
func (r *Runner) openDB(config *shared.Config) (*sql.DB, func(), error) {
	if r.db != nil {
		return r.db, func() {}, nil
	}

	db, err := shared.NewDatabase(config.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	shared.ConfigureDatabase(db, config.Database.MaxOpenConns, config.Database.MaxIdleConns)

	return db, func() { db.Close() }, nil
}

// buildProviders constructs a provider client for every service with OAuth
// client credentials in config. Missing credentials skip the provider; token
// problems surface later as auth errors during a sync pass.
func (r *Runner) buildProviders(config *shared.Config, store providers.TokenStore) []providers.Provider {
	var provs []providers.Provider

	if sp, err := providers.NewSpotifyProvider(config.Credentials.Spotify, store); err == nil {
		provs = append(provs, sp)
	} else {
		r.logger.Debug("spotify not configured", "error", err)
	}

	if tp, err := providers.NewTidalProvider(config.Credentials.Tidal, store); err == nil {
		provs = append(provs, tp)
	} else {
		r.logger.Debug("tidal not configured", "error", err)
	}

	return provs
}

// authenticatedProviders filters the configured providers down to those with
// a stored token.
func (r *Runner) authenticatedProviders(config *shared.Config, store *repositories.CredentialRepository) []providers.Provider {
	var provs []providers.Provider
	for _, p := range r.buildProviders(config, store) {
		if _, err := store.Get(p.Name()); err != nil {
			r.logger.Warn("provider not authenticated, skipping", "provider", p.Name())
			continue
		}
		provs = append(provs, p)
	}
	return provs
}

// selectProvider picks the single provider a sync pass runs against. The
// mapping and cache tables hold one remote id per row, so only one provider
// may ever write through a store; when more than one is authenticated the
// sync.provider config key must name which.
func selectProvider(provs []providers.Provider, configured string) (providers.Provider, error) {
	if configured != "" {
		for _, p := range provs {
			if p.Name() == configured {
				return p, nil
			}
		}
		return nil, fmt.Errorf("%w: configured provider %q, run 'm3usync auth %s' first", shared.ErrNotAuthed, configured, configured)
	}

	switch len(provs) {
	case 0:
		return nil, fmt.Errorf("%w: run 'm3usync auth <provider>' first", shared.ErrNotAuthed)
	case 1:
		return provs[0], nil
	default:
		names := make([]string, len(provs))
		for i, p := range provs {
			names[i] = p.Name()
		}
		return nil, fmt.Errorf("%w: multiple providers authenticated (%s); set sync.provider to pick one per database", shared.ErrInvalidConfig, strings.Join(names, ", "))
	}
}

func (r *Runner) writePlain(format string, args ...any) error {
	text := fmt.Sprintf(format, args...)
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func (r *Runner) writePlainln(format string, args ...any) error {
	text := "\n" + fmt.Sprintf(format, args...) + "\n"
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}
