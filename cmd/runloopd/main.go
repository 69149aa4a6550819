package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/runloopd/internal/config"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := config.LoadDotenv(config.DotenvPath()); err != nil {
		slog.Warn("failed to load .env", "error", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cmd := newRootCommand()
	if err := cmd.Run(ctx, os.Args); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

// newRootCommand returns the top-level CLI command.
func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:    "runloopd",
		Usage:   "Autonomous agent RunLoop daemon",
		Version: version + " (" + commit + ")",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   config.ConfigPath(),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			newRunCommand(),
			newMCPServeCommand(),
		},
	}
}
