package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/szaher/designs/envsandbox/internal/protocol"
	"github.com/szaher/designs/envsandbox/internal/state"
)

func newRunCmd() *cobra.Command {
	var (
		contextJSON string
		contextFile string
		stateFile   string
	)

	cmd := &cobra.Command{
		Use:   "run <plugin> <target>",
		Short: "Run a plugin target and apply its callbacks to mission state",
		Long: `Run executes one target script in an isolated worker. Callbacks the
script sends are applied, in order, to the mission state loaded from --state
(or an empty mission), and the state is saved back when the run ends. The
result message is printed as JSON.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := readContext(contextJSON, contextFile)
			if err != nil {
				return err
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()

			a, err := newApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			var backend state.Backend
			snapshot := state.NewMission().Snapshot()
			if stateFile != "" {
				backend = state.NewLocalBackend(stateFile)
				if snapshot, err = backend.Load(); err != nil {
					return fmt.Errorf("loading state: %w", err)
				}
			}
			mission := state.FromSnapshot(snapshot)

			result, runErr := a.host.Run(ctx, args[0], args[1], fields, mission)
			if backend != nil {
				if err := backend.Save(mission.Snapshot()); err != nil {
					return fmt.Errorf("saving state: %w", err)
				}
			}
			if runErr != nil {
				return runErr
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(protocol.ResultMessage(result)); err != nil {
				return err
			}
			if !result.Success {
				return fmt.Errorf("target %s/%s failed: %s", args[0], args[1], result.Error.Message)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&contextJSON, "context", "", "Script context fields as a JSON object")
	cmd.Flags().StringVar(&contextFile, "context-file", "", "Read script context fields from a JSON file")
	cmd.Flags().StringVar(&stateFile, "state", "", "Mission state file to load and update")
	return cmd
}

func readContext(inline, file string) (map[string]any, error) {
	if inline != "" && file != "" {
		return nil, fmt.Errorf("--context and --context-file are mutually exclusive")
	}
	data := []byte(inline)
	if file != "" {
		var err error
		if data, err = os.ReadFile(file); err != nil {
			return nil, fmt.Errorf("cannot read %s: %w", file, err)
		}
	}
	if len(data) == 0 {
		return nil, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("script context must be a JSON object: %w", err)
	}
	return fields, nil
}
