package main

import (
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

func newListCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the snapshots of the namespace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, provider, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer a.closeStore(store)

			snaps, err := provider.List(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				return encoder.Encode(snaps)
			}
			for _, snap := range snaps {
				printf(cmd, "%s\t%s\tv%d\t%s\n", snap.ID, snap.Category, snap.Version, snap.ParentID)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output in JSON format")
	return cmd
}
