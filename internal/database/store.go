// Package database provides the storage engine for the feed reader.
package database

import (
	"context"
	"time"

	"github.com/bryan-buckman/feedreader/internal/model"
)

// Store defines the interface for database operations.
// Every operation runs in its own transaction and transparently retries
// while the database is busy or locked by another connection.
type Store interface {
	Close() error

	// Init creates the schema, drops legacy tables, removes dangling items
	// and seeds the revision counter. Safe to call on every start.
	Init(ctx context.Context) error
	// Vacuum reclaims free pages. Run once at startup.
	Vacuum(ctx context.Context) error

	// Feed operations
	AddFeed(ctx context.Context, url string) (int64, error)
	DeleteFeeds(ctx context.Context, feedIDs []int64) error
	GetFeed(ctx context.Context, feedID int64) (*model.Feed, error)
	GetFeedsDue(ctx context.Context, now time.Time) ([]model.Feed, error)
	GetNextDueTime(ctx context.Context) (time.Time, error)
	GetFeeds(ctx context.Context, activeFeedID *int64) ([]model.Feed, int64, error)

	// Item operations
	GetFeedItems(ctx context.Context, feedID int64) ([]model.ItemSummary, error)
	GetFeedItemsByRemoteID(ctx context.Context, feedID int64, feedItemID string) ([]model.Item, error)
	GetFeedItemsByItemID(ctx context.Context, feedID int64, itemID string) ([]model.Item, error)
	SetSeen(ctx context.Context, feedID *int64) error
	ClassifyAndCheck(ctx context.Context, item *model.Item) (model.Classification, error)

	// UpdateFeedAndIngest is the only write path of a refresh cycle.
	UpdateFeedAndIngest(ctx context.Context, feed *model.Feed, items []model.Item, gcThreshold *time.Time, bumpRevision bool) error

	// Revision counter
	GetFeedUpdateRevision(ctx context.Context) (int64, error)
}
