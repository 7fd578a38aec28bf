// Package cmd implements the feedreader command line.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bryan-buckman/feedreader/internal/config"
	"github.com/bryan-buckman/feedreader/internal/database"
	"github.com/bryan-buckman/feedreader/internal/logging"
)

type envKeyType struct{}

// env is built once per invocation and shared by the subcommands.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

type rootFlags struct {
	cfgFile string
	dbName  string
	dbDir   string
	debug   bool
}

func newRootCmd() *cobra.Command {
	var flags rootFlags
	cmd := &cobra.Command{
		Use:   "feedreader",
		Short: "Self-hosted feed aggregator",
		Long: `feedreader periodically fetches subscribed RSS/Atom feeds, stores their
entries in a local SQLite database and keeps track of what changed.

Run "feedreader daemon" to keep the subscriptions fresh and use the other
commands to manage them.`,
		Version:       config.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.cfgFile)
			if err != nil {
				return err
			}
			if flags.dbName != "" {
				cfg.DB.Name = flags.dbName
			}
			if flags.dbDir != "" {
				cfg.DB.Dir = flags.dbDir
			}
			if flags.debug {
				cfg.Logging.Development = true
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), envKeyType{}, &env{cfg: cfg, logger: logger}))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e := envFrom(cmd); e != nil {
				_ = e.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&flags.cfgFile, "config", "", "config file (YAML, TOML or JSON)")
	cmd.PersistentFlags().StringVar(&flags.dbName, "db", "", "database name (default \"feeds\")")
	cmd.PersistentFlags().StringVar(&flags.dbDir, "db-dir", "", "database directory")
	cmd.PersistentFlags().BoolVar(&flags.debug, "debug", false, "development logging")

	cmd.AddCommand(
		newDaemonCmd(),
		newRefreshCmd(),
		newListCmd(),
		newAddCmd(),
		newDeleteCmd(),
		newSeenCmd(),
		newItemsCmd(),
		newGetKVCmd(),
		newImportOPMLCmd(),
		newExportOPMLCmd(),
	)
	return cmd
}

func envFrom(cmd *cobra.Command) *env {
	e, _ := cmd.Context().Value(envKeyType{}).(*env)
	return e
}

// openDB opens and initializes the configured database.
func (e *env) openDB(ctx context.Context) (*database.DB, error) {
	path, err := e.cfg.DBPath()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(e.cfg.DB.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	db, err := database.New(ctx, path, database.WithLogger(e.logger))
	if err != nil {
		return nil, err
	}
	if err := db.Init(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	return db, nil
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		return 1
	}
	return 0
}
