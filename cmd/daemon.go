package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bryan-buckman/feedreader/internal/crawler"
	"github.com/bryan-buckman/feedreader/internal/daemon"
	"github.com/bryan-buckman/feedreader/internal/database"
	"github.com/bryan-buckman/feedreader/internal/rss"
	"github.com/bryan-buckman/feedreader/internal/server"
)

func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Refresh feeds periodically until terminated",
		Long: `Run refresh cycles back to back. SIGHUP forces an immediate refresh,
SIGTERM stops after the running cycle and SIGINT stops with an error.
The process exits with an error after repeated failed cycles.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), envFrom(cmd))
		},
	}
}

func newScheduler(e *env, db *database.DB) (*crawler.Scheduler, error) {
	ccfg, err := crawler.ConfigFrom(e.cfg)
	if err != nil {
		return nil, err
	}
	fetcher := rss.NewFetcher(
		rss.WithTimeout(e.cfg.Fetch.Timeout),
		rss.WithUserAgent(e.cfg.Fetch.UserAgent),
		rss.WithHostRate(e.cfg.Fetch.HostRPS, e.cfg.Fetch.HostBurst),
		rss.WithLogger(e.logger),
	)
	return crawler.New(db, fetcher, ccfg, crawler.WithLogger(e.logger)), nil
}

func runDaemon(ctx context.Context, e *env) error {
	logger := e.logger
	if pid := e.cfg.Daemon.PidFile; pid != "" {
		if err := daemon.WritePidFile(pid); err != nil {
			return err
		}
		defer func() {
			if err := daemon.RemovePidFile(pid); err != nil {
				logger.Warn("remove pid file", zap.Error(err))
			}
		}()
	}

	db, err := e.openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Vacuum(ctx); err != nil {
		return fmt.Errorf("vacuum database: %w", err)
	}

	sched, err := newScheduler(e, db)
	if err != nil {
		return err
	}
	sup := daemon.NewSupervisor(sched, daemon.PolicyFrom(e.cfg), logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return sup.RunWithSignals(gctx)
	})
	if addr := e.cfg.Server.Addr; addr != "" {
		srv := server.New(db, sup, logger)
		g.Go(func() error {
			return srv.ListenAndServe(gctx, addr)
		})
	}
	logger.Info("daemon started", zap.String("db", e.cfg.DB.Name))
	return g.Wait()
}
