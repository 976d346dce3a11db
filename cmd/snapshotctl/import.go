package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	snapshot "github.com/goliatone/go-snapshot"
	"github.com/goliatone/go-snapshot/pkg/provider/fixture"
	"github.com/goliatone/go-snapshot/pkg/provider/persistent"
	"github.com/goliatone/go-snapshot/pkg/validate"
)

func newImportCmd(a *app) *cobra.Command {
	var (
		pattern string
		schema  string
		watch   bool
	)
	cmd := &cobra.Command{
		Use:   "import [dir]",
		Short: "Import YAML fixtures into the namespace",
		Long: `Import loads every fixture file below dir (fixtures.dir when omitted) and
saves the snapshots into the configured namespace, keeping ids and versions.
With --watch the directory is re-imported whenever a fixture changes.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := a.cfg.Fixtures.Dir
			if len(args) == 1 {
				dir = args[0]
			}
			if dir == "" {
				return fmt.Errorf("no fixture directory given")
			}
			if pattern == "" {
				pattern = a.cfg.Fixtures.Pattern
			}
			var validator snapshot.Validator
			if schema != "" {
				compiled, err := validate.Load(schema)
				if err != nil {
					return err
				}
				validator = compiled
			}

			ctx := cmd.Context()
			store, provider, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer a.closeStore(store)

			reloaded := make(chan struct{}, 1)
			fixtures, err := fixture.New[payload, payload](dir,
				fixture.WithPattern(pattern),
				fixture.WithLogger(a.logger),
				fixture.WithReloadHook(func(_ int, err error) {
					if err != nil {
						return
					}
					select {
					case reloaded <- struct{}{}:
					default:
					}
				}),
			)
			if err != nil {
				return err
			}
			if _, err := fixtures.Load(ctx); err != nil {
				return err
			}
			if err := importFixtures(ctx, cmd, provider, fixtures, validator); err != nil {
				return err
			}
			if !watch && !a.cfg.Fixtures.Watch {
				return nil
			}

			if err := fixtures.Watch(ctx); err != nil {
				return err
			}
			printf(cmd, "watching %s\n", dir)
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-reloaded:
					if err := importFixtures(ctx, cmd, provider, fixtures, validator); err != nil {
						a.logger.Warnw("re-import failed", "error", err)
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&pattern, "pattern", "", "Glob selecting fixture files, overrides fixtures.pattern")
	cmd.Flags().StringVar(&schema, "schema", "", "JSON or YAML schema every snapshot's data must satisfy")
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep running and re-import on fixture changes")
	return cmd
}

func importFixtures(
	ctx context.Context,
	cmd *cobra.Command,
	provider *persistent.Provider[payload, payload],
	fixtures *fixture.Provider[payload, payload],
	validator snapshot.Validator,
) error {
	var (
		accepted []snapshot.Snapshot[payload, payload]
		rejected []snapshot.BatchFailure
	)
	for _, snap := range fixtures.Snapshots() {
		if validator != nil {
			if err := validator.Validate(ctx, snap.Data); err != nil {
				rejected = append(rejected, snapshot.BatchFailure{ID: snap.ID, Err: err})
				continue
			}
		}
		accepted = append(accepted, snap)
	}

	// A store with the namespace as its only delegate routes the batch
	// through the regular import path.
	front := snapshot.New[payload, payload](
		snapshot.WithName("snapshotctl"),
		snapshot.WithDelegates(provider.Delegate("namespace")),
	)
	result, err := front.ImportSnapshots(ctx, accepted)
	if err != nil {
		return err
	}
	result.Failed = append(result.Failed, rejected...)

	printf(cmd, "imported %d snapshots\n", len(result.Succeeded))
	for _, failure := range result.Failed {
		printf(cmd, "failed %s: %v\n", failure.ID, failure.Err)
	}
	if len(result.Failed) > 0 {
		return fmt.Errorf("%d snapshots failed to import", len(result.Failed))
	}
	return nil
}
