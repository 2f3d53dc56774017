package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func newConfigsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "configs <plugin>",
		Short: "List a plugin's configs with their data scrubbed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			a, err := newApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			cfgs, err := a.host.Configs(args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfgs)
		},
	}
}
