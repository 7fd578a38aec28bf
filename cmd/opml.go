package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bryan-buckman/feedreader/internal/opml"
)

func newImportOPMLCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import-opml FILE",
		Short: "Subscribe to every feed of an OPML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			subs, err := opml.Parse(f)
			if err != nil {
				return err
			}

			db, err := envFrom(cmd).openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			feeds, _, err := db.GetFeeds(cmd.Context(), nil)
			if err != nil {
				return err
			}
			fresh := opml.NewURLs(subs, feeds)
			for _, s := range fresh {
				if _, err := db.AddFeed(cmd.Context(), s.URL); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d of %d feeds.\n", len(fresh), len(subs))
			return nil
		},
	}
}

func newExportOPMLCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export-opml [FILE]",
		Short: "Write all subscriptions as OPML to FILE or stdout",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := envFrom(cmd).openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			feeds, _, err := db.GetFeeds(cmd.Context(), nil)
			if err != nil {
				return err
			}
			data, err := opml.Export("feedreader subscriptions", feeds, time.Now())
			if err != nil {
				return err
			}
			if len(args) == 0 {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(args[0], data, 0o644)
		},
	}
}
