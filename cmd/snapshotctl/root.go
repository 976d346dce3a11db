package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/goliatone/go-snapshot/pkg/config"
	"github.com/goliatone/go-snapshot/pkg/provider/persistent"
	"github.com/goliatone/go-snapshot/pkg/state/sqlstore"
)

// payload is the untyped shape used for data and metadata on the command
// line.
type payload = map[string]any

type app struct {
	configPath string
	database   string
	namespace  string
	verbose    bool

	cfg    config.Config
	logger *zap.SugaredLogger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "snapshotctl",
		Short:         "Inspect and maintain persisted snapshot namespaces",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "Config file or directory holding snapshot.yaml")
	flags.StringVar(&a.database, "database", "", "Database URL, overrides persistence.database_url")
	flags.StringVarP(&a.namespace, "namespace", "n", "", "Namespace, overrides persistence.namespace")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(
		newImportCmd(a),
		newListCmd(a),
		newInspectCmd(a),
		newDiffCmd(a),
		newCompressCmd(a),
		newPullCmd(a),
	)
	return root
}

func (a *app) setup() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.database != "" {
		cfg.Persistence.DatabaseURL = a.database
	}
	if a.namespace != "" {
		cfg.Persistence.Namespace = a.namespace
	}
	if a.verbose {
		cfg.Logging.Level = "debug"
		cfg.Logging.Development = true
	} else if a.configPath == "" {
		cfg.Logging.Level = "warn"
	}
	logger, err := cfg.Logger()
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger.Named("snapshotctl")
	return nil
}

// openStore connects, migrates and returns the record store plus a provider
// bound to the configured namespace.
func (a *app) openStore(ctx context.Context) (*sqlstore.Store, *persistent.Provider[payload, payload], error) {
	store, err := sqlstore.Open(ctx, a.cfg.Persistence.DatabaseURL,
		sqlstore.WithCodec(a.cfg.Codec()),
		sqlstore.WithTable(a.cfg.Persistence.Table),
	)
	if err != nil {
		return nil, nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	a.logger.Debugw("store opened", "dialect", store.Dialect(), "namespace", a.cfg.Persistence.Namespace)
	provider := persistent.New[payload, payload](store, a.cfg.Persistence.Namespace, persistent.WithLogger(a.logger))
	return store, provider, nil
}

func (a *app) closeStore(store *sqlstore.Store) {
	if err := store.Close(); err != nil {
		a.logger.Warnw("close store", "error", err)
	}
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
