package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func newLoadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load <plugin>",
		Short: "Load a plugin's environment schema and print it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			a, err := newApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			env, err := a.host.LoadEnvironment(ctx, args[0])
			if err != nil {
				return err
			}
			out := struct {
				ID          string            `json:"id"`
				Name        string            `json:"name"`
				Description string            `json:"description,omitempty"`
				Version     string            `json:"version,omitempty"`
				Targets     map[string]string `json:"targets"`
			}{
				ID:          env.ID(),
				Name:        env.Name,
				Description: env.Description,
				Version:     env.Version,
				Targets:     env.Targets,
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}
