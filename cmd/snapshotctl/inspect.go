package main

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	snapshot "github.com/goliatone/go-snapshot"
	"github.com/goliatone/go-snapshot/pkg/state"
)

type inspection struct {
	Namespace string       `json:"namespace"`
	Record    state.Record `json:"record"`
	ETag      string       `json:"etag"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

func newInspectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect [id]",
		Short: "Print a stored record with its etag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, _, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer a.closeStore(store)

			ref := state.Ref{Namespace: a.cfg.Persistence.Namespace, ID: args[0]}
			record, meta, ok, err := store.Load(ctx, ref)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("inspect: %w", &snapshot.NotFoundError{Kind: "snapshot", ID: args[0]})
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(inspection{
				Namespace: ref.Namespace,
				Record:    record,
				ETag:      meta.ETag,
				UpdatedAt: meta.UpdatedAt,
			})
		},
	}
}
