package cmd

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bryan-buckman/feedreader/internal/model"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all feeds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := envFrom(cmd).openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			feeds, _, err := db.GetFeeds(cmd.Context(), nil)
			if err != nil {
				return err
			}
			sort.Slice(feeds, func(i, j int) bool { return feeds[i].ID < feeds[j].ID })
			printFeeds(cmd.OutOrStdout(), feeds)
			return nil
		},
	}
}

func printFeeds(w io.Writer, feeds []model.Feed) {
	for _, f := range feeds {
		fmt.Fprintln(w, f.Title)
		if f.Disabled {
			fmt.Fprintln(w, "  DISABLED")
		}
		fmt.Fprintf(w, "  href           = %s\n", f.URL)
		fmt.Fprintf(w, "  last-activity  = %s\n", formatTime(f.LastActivity))
		fmt.Fprintf(w, "  last-retrieval = %s\n", formatTime(f.LastRetrieval))
		fmt.Fprintf(w, "  next-retrieval = %s\n", formatTime(f.NextRetrieval))
		fmt.Fprintf(w, "  updated-items  = %d\n", f.UpdatedItems)
		fmt.Fprintf(w, "  feed-id        = %d\n", f.ID)
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "%d feeds total\n", len(feeds))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

func newAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add URL...",
		Short: "Subscribe to feeds",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := envFrom(cmd).openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			for _, u := range args {
				id, err := db.AddFeed(cmd.Context(), u)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n", id, u)
			}
			return nil
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete FEED-ID...",
		Short: "Unsubscribe from feeds and delete their items",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, a := range args {
				id, err := parseFeedID(a)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			db, err := envFrom(cmd).openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			return db.DeleteFeeds(cmd.Context(), ids)
		},
	}
}

func newSeenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seen FEED-ID|all",
		Short: "Mark the items of one or all feeds as seen",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var feedID *int64
			if id := strings.ToLower(strings.TrimSpace(args[0])); id != "all" {
				v, err := parseFeedID(id)
				if err != nil {
					return err
				}
				feedID = &v
			}
			db, err := envFrom(cmd).openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			return db.SetSeen(cmd.Context(), feedID)
		},
	}
}

func newItemsCmd() *cobra.Command {
	var itemID string
	cmd := &cobra.Command{
		Use:   "items FEED-ID",
		Short: "Show the items of a feed and mark them seen",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			feedID, err := parseFeedID(args[0])
			if err != nil {
				return err
			}
			db, err := envFrom(cmd).openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			w := cmd.OutOrStdout()
			if itemID != "" {
				history, err := db.GetFeedItemsByItemID(cmd.Context(), feedID, itemID)
				if err != nil {
					return err
				}
				for _, it := range history {
					printItem(w, it, "")
				}
				return nil
			}
			items, err := db.GetFeedItems(cmd.Context(), feedID)
			if err != nil {
				return err
			}
			for _, s := range items {
				extra := ""
				if s.Revisions > 1 {
					extra = fmt.Sprintf(" (%d revisions)", s.Revisions)
				}
				if !s.AllSeen {
					extra += " [new]"
				}
				printItem(w, s.Item, extra)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&itemID, "item", "", "show the revision history of the entry with this item id")
	return cmd
}

func printItem(w io.Writer, it model.Item, extra string) {
	fmt.Fprintf(w, "%s%s\n", it.Title, extra)
	fmt.Fprintf(w, "  link      = %s\n", it.Link)
	fmt.Fprintf(w, "  published = %s\n", formatTime(it.Published))
	fmt.Fprintf(w, "  retrieved = %s\n", formatTime(it.Retrieved))
	fmt.Fprintf(w, "  item-id   = %s\n", it.ID)
	fmt.Fprintln(w)
}

var errUnknownKey = errors.New("unknown key")

func newGetKVCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "getkv KEY",
		Short:     "Print a value from the key-value store",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"feed-update-revision"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] != "feed-update-revision" {
				return fmt.Errorf("%w: %q", errUnknownKey, args[0])
			}
			db, err := envFrom(cmd).openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			rev, err := db.GetFeedUpdateRevision(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), rev)
			return nil
		},
	}
}

func parseFeedID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse feed id %q: %w", s, err)
	}
	return id, nil
}
