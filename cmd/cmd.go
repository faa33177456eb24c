// submodule cmd contains command definitions
package main

import "github.com/urfave/cli/v3"

func configFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to configuration file",
		Value:   "config.toml",
	}
}

// setupCommand initializes the database and the config file.
func setupCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:   "setup",
		Usage:  "Initialize configuration and database",
		Flags:  []cli.Flag{configFlag()},
		Action: r.Setup,
	}
}

// authCommand runs the interactive OAuth flow for one provider.
func authCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate with a streaming provider",
		Arguments: []cli.Argument{
			&cli.StringArg{Name: "provider"},
		},
		Flags: []cli.Flag{
			configFlag(),
			&cli.StringFlag{
				Name:  "listen",
				Usage: "Address for the OAuth callback server",
				Value: "localhost:8080",
			},
		},
		Action: r.Auth,
	}
}

// watchCommand runs the filesystem watcher until interrupted.
func watchCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:   "watch",
		Usage:  "Watch the library and record playlist changes",
		Flags:  []cli.Flag{configFlag()},
		Action: r.Watch,
	}
}

// syncCommand drains the change log and reconciles remote playlists.
func syncCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Push pending changes and reconcile remote playlists",
		Flags: []cli.Flag{
			configFlag(),
			&cli.BoolFlag{
				Name:  "worker-only",
				Usage: "Drain the change log without reconciling",
			},
			&cli.BoolFlag{
				Name:  "reconcile-only",
				Usage: "Reconcile without draining the change log",
			},
			&cli.BoolFlag{
				Name:  "loop",
				Usage: "Keep syncing at the configured worker interval",
			},
		},
		Action: r.Sync,
	}
}

// statusCommand prints the local sync state.
func statusCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "Show playlist mappings and queue state",
		Flags:  []cli.Flag{configFlag()},
		Action: r.Status,
	}
}

// pruneCommand deletes old synced events.
func pruneCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "prune",
		Usage: "Delete synced events older than a cutoff",
		Flags: []cli.Flag{
			configFlag(),
			&cli.IntFlag{
				Name:  "days",
				Usage: "Age cutoff in days",
				Value: 30,
			},
		},
		Action: r.Prune,
	}
}
