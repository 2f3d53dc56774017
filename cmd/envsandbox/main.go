// Package main is the entry point for the envsandbox CLI tool.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version         = "0.1.0"
	protocolVersion = "1"
)

// Global flags.
var (
	baseDir       string
	configFile    string
	verbose       bool
	correlationID string
	metricsAddr   string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "envsandbox",
		Short: "Sandboxed loader and runner for target environment plugins",
		Long: `envsandbox loads target environment plugins under an import policy,
validates their config files and runs their target scripts in isolated
workers, applying the callbacks they send to host state.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&baseDir, "dir", ".", "Base directory holding the plugin layout")
	root.PersistentFlags().StringVar(&configFile, "config", "", "Path to settings file (default <dir>/envsandbox.yaml)")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&correlationID, "correlation-id", "", "Set explicit correlation ID")
	root.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newValidateCmd())
	root.AddCommand(newConfigsCmd())
	root.AddCommand(newLoadCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newWatchCmd())
	root.AddCommand(newWorkerCmd())

	return root
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
