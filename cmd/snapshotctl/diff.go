package main

import (
	"fmt"

	"github.com/spf13/cobra"

	snapshot "github.com/goliatone/go-snapshot"
)

func newDiffCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "diff [left] [right]",
		Short: "Show field differences between two snapshots",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, provider, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer a.closeStore(store)

			snaps := make([]snapshot.Snapshot[payload, payload], 0, 2)
			for _, id := range args {
				snap, ok, err := provider.GetSnapshot(ctx, id)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("diff: %w", &snapshot.NotFoundError{Kind: "snapshot", ID: id})
				}
				snaps = append(snaps, snap)
			}

			diff, err := snapshot.CompareSnapshots(snaps[0], snaps[1])
			if err != nil {
				return err
			}
			if asJSON {
				raw, err := diff.ToJSON()
				if err != nil {
					return err
				}
				printf(cmd, "%s\n", raw)
				return nil
			}
			if diff.Equal {
				printf(cmd, "%s (v%d) and %s (v%d) are equal\n", diff.LeftID, diff.LeftVersion, diff.RightID, diff.RightVersion)
				return nil
			}
			for _, field := range diff.Fields {
				printf(cmd, "%s\n", field)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output in JSON format")
	return cmd
}
