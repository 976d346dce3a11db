package main

import (
	"fmt"

	"github.com/spf13/cobra"

	snapshot "github.com/goliatone/go-snapshot"
	"github.com/goliatone/go-snapshot/pkg/provider/cache"
	"github.com/goliatone/go-snapshot/pkg/provider/remote"
)

func newPullCmd(a *app) *cobra.Command {
	var baseURL string
	cmd := &cobra.Command{
		Use:   "pull [id...]",
		Short: "Copy snapshots from the remote service into the namespace",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if baseURL == "" {
				baseURL = a.cfg.Remote.BaseURL
			}
			if baseURL == "" {
				return fmt.Errorf("pull: no remote base url configured")
			}
			opts := []remote.Option{
				remote.WithRetries(a.cfg.Remote.Retries),
				remote.WithTimeout(a.cfg.Remote.Timeout),
				remote.WithLogger(a.logger),
			}
			if a.cfg.Remote.Token != "" {
				opts = append(opts, remote.WithBearerToken(a.cfg.Remote.Token))
			}
			source, err := remote.New[payload, payload](baseURL, opts...)
			if err != nil {
				return err
			}
			return a.pull(cmd, source, args)
		},
	}
	cmd.Flags().StringVar(&baseURL, "remote", "", "Remote base url, overrides remote.base_url")
	return cmd
}

// pull reads ids through a store whose chain is cache, then remote, and
// imports the hits into the namespace.
func (a *app) pull(cmd *cobra.Command, source snapshot.Provider[payload, payload], ids []string) error {
	ctx := cmd.Context()
	store, provider, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer a.closeStore(store)

	delegates := []snapshot.Delegate[payload, payload]{}
	if a.cfg.Cache.Enabled {
		delegates = append(delegates, cache.New(source, cache.WithTTL(a.cfg.Cache.TTL), cache.WithLogger(a.logger)).Delegate("cache"))
	} else {
		delegates = append(delegates, snapshot.Delegate[payload, payload]{Kind: snapshot.KindRemote, Name: "remote", Provider: source})
	}
	front := snapshot.New[payload, payload](
		snapshot.WithName("snapshotctl"),
		snapshot.WithLogger(a.logger),
		snapshot.WithDelegates(delegates...),
	)

	var pulled []snapshot.Snapshot[payload, payload]
	for _, id := range ids {
		snap, ok, err := front.GetSnapshot(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			printf(cmd, "missing %s\n", id)
			continue
		}
		pulled = append(pulled, snap)
	}
	result, err := provider.ImportSnapshots(ctx, pulled)
	if err != nil {
		return err
	}
	printf(cmd, "pulled %d snapshots\n", len(result.Succeeded))
	for _, failure := range result.Failed {
		printf(cmd, "failed %s: %v\n", failure.ID, failure.Err)
	}
	if len(result.Failed) > 0 {
		return fmt.Errorf("%d snapshots failed to save", len(result.Failed))
	}
	return nil
}
