package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/szaher/designs/envsandbox/internal/paths"
	"github.com/szaher/designs/envsandbox/internal/telemetry"
	"github.com/szaher/designs/envsandbox/internal/worker"
)

// newWorkerCmd is the child side of the process executor: one request on
// stdin, newline-delimited messages on stdout.
func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Run one target script request from stdin",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			roots, err := paths.DefaultRoots(baseDir)
			if err != nil {
				return err
			}
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			cfg := worker.Config{
				Roots:  roots,
				Logger: telemetry.NewLogger(cmd.ErrOrStderr(), level),
			}
			// The host enforces the time limit by killing the process.
			return worker.Serve(context.Background(), cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}
