package main

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"github.com/szaher/designs/envsandbox/internal/plugins"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Revalidate plugin configs whenever they change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			a, err := newApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			err = a.host.Watch(ctx, func(ev plugins.ConfigEvent) {
				out := struct {
					Plugin  string `json:"plugin"`
					Configs int    `json:"configs"`
					Error   string `json:"error,omitempty"`
				}{Plugin: ev.Plugin, Configs: ev.Configs}
				if ev.Err != nil {
					out.Error = ev.Err.Error()
				}
				_ = enc.Encode(out)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}
