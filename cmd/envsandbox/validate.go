package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check config permissions and load every environment schema",
		Long: `Validate checks the configs.json permissions of every plugin, then loads
each plugin's environment schema under the import policy and reports the
result per plugin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			a, err := newApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			roots, err := a.host.Plugins()
			if err != nil {
				return err
			}
			var errs []error
			for _, root := range roots {
				env, err := a.host.LoadEnvironment(ctx, root.ID)
				if err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s: %v\n", root.ID, err)
					errs = append(errs, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok   %s (%d targets)\n", root.ID, len(env.Targets))
			}
			if len(errs) > 0 {
				return fmt.Errorf("%d of %d plugins failed to load: %w", len(errs), len(roots), errors.Join(errs...))
			}
			return nil
		},
	}
}
