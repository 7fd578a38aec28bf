package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bryan-buckman/feedreader/internal/daemon"
)

func newRefreshCmd() *cobra.Command {
	var wakeup bool
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Run one refresh cycle now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e := envFrom(cmd)
			if wakeup {
				return daemon.Wakeup(e.cfg.Daemon.PidFile)
			}
			db, err := e.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			sched, err := newScheduler(e, db)
			if err != nil {
				return err
			}
			sleep, err := sched.Refresh(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Refreshed. Next refresh due in %s.\n", sleep.Round(time.Second))
			return nil
		},
	}
	cmd.Flags().BoolVar(&wakeup, "wakeup", false, "ask the running daemon to refresh instead")
	return cmd
}
