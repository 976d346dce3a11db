package main

import (
	"bytes"
	"errors"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	snapshot "github.com/goliatone/go-snapshot"
	"github.com/goliatone/go-snapshot/pkg/state"
)

var errUnchanged = errors.New("record unchanged")

func newCompressCmd(a *app) *cobra.Command {
	var (
		dryRun bool
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "compress",
		Short: "Compact metadata and rewrite records through the codec",
		Long: `Compress dedupes keywords and drops empty custom entries of records whose
metadata has the standard snapshot shape, then saves them again. Saving runs
the codec, which drops null and empty payload entries and zstd compresses
payloads above the configured threshold. --force rewrites every record, for
example after changing persistence.compression_threshold.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, _, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer a.closeStore(store)

			namespace := a.cfg.Persistence.Namespace
			records, err := store.List(ctx, namespace)
			if err != nil {
				return err
			}
			var report snapshot.CompressReport
			rewritten := 0
			for _, record := range records {
				removed := 0
				ref := state.Ref{Namespace: namespace, ID: record.ID}
				_, _, err := state.Mutate(ctx, store, ref, func(r *state.Record) error {
					removed = compactMetadata(r)
					if dryRun || (removed == 0 && !force) {
						return errUnchanged
					}
					return nil
				})
				report.Snapshots++
				report.EntriesRemoved += removed
				switch {
				case errors.Is(err, errUnchanged):
					if dryRun && removed > 0 {
						printf(cmd, "would remove %d entries from %s\n", removed, record.ID)
					}
				case err != nil:
					return err
				default:
					rewritten++
					a.logger.Debugw("record rewritten", "namespace", namespace, "id", record.ID, "removed", removed)
				}
			}
			printf(cmd, "%d records, %d entries removed, %d rewritten\n", report.Snapshots, report.EntriesRemoved, rewritten)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report changes without writing")
	cmd.Flags().BoolVar(&force, "force", false, "Rewrite records even when nothing was compacted")
	return cmd
}

// compactMetadata compacts r.Metadata in place when it decodes strictly as
// snapshot.Metadata. Other shapes are left alone.
func compactMetadata(r *state.Record) int {
	if len(r.Metadata) == 0 {
		return 0
	}
	var meta snapshot.Metadata
	decoder := json.NewDecoder(bytes.NewReader(r.Metadata))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&meta); err != nil {
		return 0
	}
	removed := meta.Compact()
	if removed == 0 {
		return 0
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return 0
	}
	r.Metadata = raw
	return removed
}
