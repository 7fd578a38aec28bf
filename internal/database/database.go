// Package database provides SQLite storage for the feed reader.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/bryan-buckman/feedreader/internal/model"
)

// Integrity errors. They abort the operation without writing anything.
var (
	ErrMissingFeedID = errors.New("invalid feed: no feed id")
	ErrMissingItemID = errors.New("invalid item: no item id")
	ErrFeedMismatch  = errors.New("invalid item: feed id mismatch")
	ErrFeedNotFound  = errors.New("feed not found")
)

// MaxFeedItems caps the number of remote entries returned by GetFeedItems.
const MaxFeedItems = 100

// DB wraps the SQLite connection.
type DB struct {
	conn          *sql.DB
	logger        *zap.Logger
	retryInterval time.Duration
	retryTimeout  time.Duration
	busyTimeout   time.Duration
}

// Ensure DB implements Store interface.
var _ Store = (*DB)(nil)

// Option customizes a DB.
type Option func(*DB)

// WithLogger sets the logger used for retry and maintenance messages.
func WithLogger(l *zap.Logger) Option {
	return func(db *DB) {
		if l != nil {
			db.logger = l
		}
	}
}

// WithRetry overrides the busy-retry interval and budget.
func WithRetry(interval, timeout time.Duration) Option {
	return func(db *DB) {
		db.retryInterval = interval
		db.retryTimeout = timeout
	}
}

// WithBusyTimeout sets how long SQLite itself waits on a lock before
// reporting the database as busy.
func WithBusyTimeout(d time.Duration) Option {
	return func(db *DB) {
		db.busyTimeout = d
	}
}

// New opens or creates an SQLite database at the given path.
// The schema is not touched; call Init for that.
func New(ctx context.Context, path string, opts ...Option) (*DB, error) {
	db := &DB{
		logger:        zap.NewNop(),
		retryInterval: RetryInterval,
		retryTimeout:  RetryTimeout,
		busyTimeout:   RetryTimeout,
	}
	for _, opt := range opts {
		opt(db)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)&_txlock=immediate",
		path, db.busyTimeout.Milliseconds())
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.conn = conn
	// Enable WAL mode for better concurrency.
	_, err = retry(ctx, db, "set wal mode", func() (sql.Result, error) {
		return conn.ExecContext(ctx, "PRAGMA journal_mode=WAL;")
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	return db, nil
}

// Open validates name and opens the database file of that name in dir.
func Open(ctx context.Context, dir, name string, opts ...Option) (*DB, error) {
	path, err := Path(dir, name)
	if err != nil {
		return nil, err
	}
	return New(ctx, path, opts...)
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

const schema = `
	CREATE TABLE IF NOT EXISTS feeds (
		id INTEGER PRIMARY KEY,
		url TEXT NOT NULL,
		title TEXT NOT NULL,
		last_retrieval INTEGER NOT NULL DEFAULT 0,
		next_retrieval INTEGER NOT NULL DEFAULT 0,
		last_activity INTEGER NOT NULL DEFAULT 0,
		disabled INTEGER NOT NULL DEFAULT 0,
		updated_items INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		feed_id INTEGER NOT NULL REFERENCES feeds(id),
		retrieved INTEGER NOT NULL,
		seen INTEGER NOT NULL DEFAULT 0,
		author TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		feed_item_id TEXT NOT NULL,
		link TEXT NOT NULL DEFAULT '',
		published INTEGER NOT NULL,
		summary TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_items_feed_id ON items(feed_id);
	CREATE INDEX IF NOT EXISTS idx_items_feed_item_id ON items(feed_item_id);
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);
	-- Legacy table.
	DROP TABLE IF EXISTS enclosures;
	-- Items whose feed is gone.
	DELETE FROM items WHERE feed_id NOT IN (SELECT id FROM feeds);
	INSERT OR IGNORE INTO kv (key, value) VALUES ('feed_update_revision', 0);
	`

// Init creates the schema.
func (db *DB) Init(ctx context.Context) error {
	return exec(ctx, db, "init", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, schema)
		return err
	})
}

// Vacuum rebuilds the database file. VACUUM cannot run in a transaction.
func (db *DB) Vacuum(ctx context.Context) error {
	_, err := retry(ctx, db, "vacuum", func() (sql.Result, error) {
		return db.conn.ExecContext(ctx, "VACUUM")
	})
	if err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}

// --- Feed Methods ---

// AddFeed subscribes to url. Returns the ID. URLs are not deduplicated here.
func (db *DB) AddFeed(ctx context.Context, url string) (int64, error) {
	return inTx(ctx, db, "add feed", func(tx *sql.Tx) (int64, error) {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO feeds (url, title, last_retrieval, next_retrieval, last_activity, disabled, updated_items)
			VALUES (?, ?, 0, 0, 0, 0, 0)`, url, model.NewFeedTitle)
		if err != nil {
			return 0, err
		}
		return res.LastInsertId()
	})
}

// DeleteFeeds removes the feeds and their items, all or nothing.
func (db *DB) DeleteFeeds(ctx context.Context, feedIDs []int64) error {
	if len(feedIDs) == 0 {
		return nil
	}
	return exec(ctx, db, "delete feeds", func(tx *sql.Tx) error {
		delItems, err := tx.PrepareContext(ctx, "DELETE FROM items WHERE feed_id = ?")
		if err != nil {
			return err
		}
		defer delItems.Close()
		delFeed, err := tx.PrepareContext(ctx, "DELETE FROM feeds WHERE id = ?")
		if err != nil {
			return err
		}
		defer delFeed.Close()
		for _, id := range feedIDs {
			if _, err := delItems.ExecContext(ctx, id); err != nil {
				return err
			}
			if _, err := delFeed.ExecContext(ctx, id); err != nil {
				return err
			}
		}
		return nil
	})
}

const feedColumns = "id, url, title, last_retrieval, next_retrieval, last_activity, disabled, updated_items"

// GetFeed returns one feed.
func (db *DB) GetFeed(ctx context.Context, feedID int64) (*model.Feed, error) {
	return inTx(ctx, db, "get feed", func(tx *sql.Tx) (*model.Feed, error) {
		rows, err := tx.QueryContext(ctx, "SELECT "+feedColumns+" FROM feeds WHERE id = ?", feedID)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		feeds, err := scanFeeds(rows)
		if err != nil {
			return nil, err
		}
		if len(feeds) == 0 {
			return nil, fmt.Errorf("%w: %d", ErrFeedNotFound, feedID)
		}
		return &feeds[0], nil
	})
}

// GetFeedsDue returns the enabled feeds whose next retrieval has passed.
func (db *DB) GetFeedsDue(ctx context.Context, now time.Time) ([]model.Feed, error) {
	return inTx(ctx, db, "get feeds due", func(tx *sql.Tx) ([]model.Feed, error) {
		rows, err := tx.QueryContext(ctx,
			"SELECT "+feedColumns+" FROM feeds WHERE next_retrieval < ? AND disabled = 0",
			toSQL(now))
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		return scanFeeds(rows)
	})
}

// GetNextDueTime returns the earliest next retrieval of all enabled feeds,
// or the zero time if there are none.
func (db *DB) GetNextDueTime(ctx context.Context) (time.Time, error) {
	return inTx(ctx, db, "get next due time", func(tx *sql.Tx) (time.Time, error) {
		var next sql.NullInt64
		err := tx.QueryRowContext(ctx,
			"SELECT min(next_retrieval) FROM feeds WHERE disabled = 0").Scan(&next)
		if err != nil {
			return time.Time{}, err
		}
		if !next.Valid {
			return time.Time{}, nil
		}
		return time.Unix(next.Int64, 0).UTC(), nil
	})
}

// GetFeeds returns all feeds, most recently active first, and the current
// revision. If activeFeedID is set its updated-items counter is reset.
func (db *DB) GetFeeds(ctx context.Context, activeFeedID *int64) ([]model.Feed, int64, error) {
	type result struct {
		feeds []model.Feed
		rev   int64
	}
	res, err := inTx(ctx, db, "get feeds", func(tx *sql.Tx) (result, error) {
		if activeFeedID != nil {
			if _, err := tx.ExecContext(ctx,
				"UPDATE feeds SET updated_items = 0 WHERE id = ?", *activeFeedID); err != nil {
				return result{}, err
			}
		}
		rows, err := tx.QueryContext(ctx,
			"SELECT "+feedColumns+" FROM feeds ORDER BY last_activity DESC")
		if err != nil {
			return result{}, err
		}
		defer rows.Close()
		feeds, err := scanFeeds(rows)
		if err != nil {
			return result{}, err
		}
		rev, err := getRevision(ctx, tx)
		if err != nil {
			return result{}, err
		}
		return result{feeds: feeds, rev: rev}, nil
	})
	return res.feeds, res.rev, err
}

// --- Item Methods ---

const itemColumns = "id, feed_id, retrieved, seen, author, title, feed_item_id, link, published, summary"

// GetFeedItems returns the newest revision of every remote entry of a feed,
// newest publication first, and marks all items of the feed as seen.
func (db *DB) GetFeedItems(ctx context.Context, feedID int64) ([]model.ItemSummary, error) {
	return inTx(ctx, db, "get feed items", func(tx *sql.Tx) ([]model.ItemSummary, error) {
		rows, err := tx.QueryContext(ctx, `
			WITH revs AS (
				SELECT `+itemColumns+`,
					ROW_NUMBER() OVER (PARTITION BY feed_item_id ORDER BY retrieved DESC, rowid DESC) AS rn,
					COUNT(*) OVER (PARTITION BY feed_item_id) AS revisions,
					MAX(seen) OVER (PARTITION BY feed_item_id) AS any_seen,
					MIN(seen) OVER (PARTITION BY feed_item_id) AS all_seen
				FROM items
				WHERE feed_id = ?
			)
			SELECT `+itemColumns+`, revisions, any_seen, all_seen
			FROM revs
			WHERE rn = 1
			ORDER BY published DESC
			LIMIT ?`, feedID, MaxFeedItems)
		if err != nil {
			return nil, err
		}
		var items []model.ItemSummary
		for rows.Next() {
			var s model.ItemSummary
			var retrieved, published, anySeen, allSeen int64
			if err := rows.Scan(&s.ID, &s.FeedID, &retrieved, &s.Seen, &s.Author, &s.Title,
				&s.FeedItemID, &s.Link, &published, &s.Summary,
				&s.Revisions, &anySeen, &allSeen); err != nil {
				rows.Close()
				return nil, err
			}
			s.Retrieved = fromSQL(retrieved)
			s.Published = fromSQL(published)
			s.AnySeen = anySeen != 0
			s.AllSeen = allSeen != 0
			items = append(items, s)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
		if err := markFeedSeen(ctx, tx, feedID); err != nil {
			return nil, err
		}
		return items, nil
	})
}

// GetFeedItemsByRemoteID returns every stored revision of one remote entry,
// newest retrieval first, and marks all items of the feed as seen.
func (db *DB) GetFeedItemsByRemoteID(ctx context.Context, feedID int64, feedItemID string) ([]model.Item, error) {
	return inTx(ctx, db, "get feed items by remote id", func(tx *sql.Tx) ([]model.Item, error) {
		return historyQuery(ctx, tx, feedID,
			"SELECT "+itemColumns+" FROM items WHERE feed_id = ? AND feed_item_id = ? ORDER BY retrieved DESC, rowid DESC",
			feedID, feedItemID)
	})
}

// GetFeedItemsByItemID is GetFeedItemsByRemoteID with the remote entry
// resolved from one of its content identifiers.
func (db *DB) GetFeedItemsByItemID(ctx context.Context, feedID int64, itemID string) ([]model.Item, error) {
	return inTx(ctx, db, "get feed items by item id", func(tx *sql.Tx) ([]model.Item, error) {
		return historyQuery(ctx, tx, feedID, `
			SELECT `+itemColumns+` FROM items
			WHERE feed_id = ? AND feed_item_id IN (SELECT feed_item_id FROM items WHERE id = ?)
			ORDER BY retrieved DESC, rowid DESC`,
			feedID, itemID)
	})
}

func historyQuery(ctx context.Context, tx *sql.Tx, feedID int64, query string, args ...any) ([]model.Item, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	items, err := scanItems(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if err := markFeedSeen(ctx, tx, feedID); err != nil {
		return nil, err
	}
	return items, nil
}

// SetSeen marks the items of one feed, or of all feeds if feedID is nil,
// as seen and clears the updated-items counters.
func (db *DB) SetSeen(ctx context.Context, feedID *int64) error {
	return exec(ctx, db, "set seen", func(tx *sql.Tx) error {
		if feedID == nil {
			if _, err := tx.ExecContext(ctx, "UPDATE items SET seen = 1"); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, "UPDATE feeds SET updated_items = 0")
			return err
		}
		if err := markFeedSeen(ctx, tx, *feedID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "UPDATE feeds SET updated_items = 0 WHERE id = ?", *feedID)
		return err
	})
}

func markFeedSeen(ctx context.Context, tx *sql.Tx, feedID int64) error {
	_, err := tx.ExecContext(ctx, "UPDATE items SET seen = 1 WHERE feed_id = ?", feedID)
	return err
}

// ClassifyAndCheck compares item with the stored revisions.
//
// A content identifier that is already stored anywhere is Exists, since
// identifiers are globally unique. Otherwise the entry is Updated when the
// feed already holds a revision with the same remote id, and New if not.
// If item.FeedID is zero the remote id lookup spans all feeds.
func (db *DB) ClassifyAndCheck(ctx context.Context, item *model.Item) (model.Classification, error) {
	if item.ID == "" {
		return 0, fmt.Errorf("classify item: %w", ErrMissingItemID)
	}
	return inTx(ctx, db, "classify item", func(tx *sql.Tx) (model.Classification, error) {
		var n int64
		if err := tx.QueryRowContext(ctx,
			"SELECT count(*) FROM items WHERE id = ?", item.ID).Scan(&n); err != nil {
			return 0, err
		}
		if n > 0 {
			return model.Exists, nil
		}
		var err error
		if item.FeedID != 0 {
			err = tx.QueryRowContext(ctx,
				"SELECT count(*) FROM items WHERE feed_id = ? AND feed_item_id = ?",
				item.FeedID, item.FeedItemID).Scan(&n)
		} else {
			err = tx.QueryRowContext(ctx,
				"SELECT count(*) FROM items WHERE feed_item_id = ?", item.FeedItemID).Scan(&n)
		}
		if err != nil {
			return 0, err
		}
		if n > 0 {
			return model.Updated, nil
		}
		return model.New, nil
	})
}

// UpdateFeedAndIngest writes the feed row, inserts items, garbage-collects
// seen items published before gcThreshold and optionally bumps the
// revision counter, all in one transaction.
func (db *DB) UpdateFeedAndIngest(ctx context.Context, feed *model.Feed, items []model.Item, gcThreshold *time.Time, bumpRevision bool) error {
	if feed.ID == 0 {
		return fmt.Errorf("update feed: %w", ErrMissingFeedID)
	}
	for i := range items {
		if items[i].ID == "" {
			return fmt.Errorf("update feed %d: %w", feed.ID, ErrMissingItemID)
		}
		if items[i].FeedID != 0 && items[i].FeedID != feed.ID {
			return fmt.Errorf("update feed %d: item %s: %w", feed.ID, items[i].ID, ErrFeedMismatch)
		}
	}
	return exec(ctx, db, "update feed", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE feeds SET
				url = ?, title = ?, last_retrieval = ?, next_retrieval = ?,
				last_activity = ?, disabled = ?, updated_items = ?
			WHERE id = ?`,
			feed.URL, feed.Title, toSQL(feed.LastRetrieval), toSQL(feed.NextRetrieval),
			toSQL(feed.LastActivity), feed.Disabled, feed.UpdatedItems, feed.ID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("%w: %d", ErrFeedNotFound, feed.ID)
		}

		if len(items) > 0 {
			stmt, err := tx.PrepareContext(ctx,
				"INSERT INTO items ("+itemColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
			if err != nil {
				return err
			}
			defer stmt.Close()
			for _, it := range items {
				if _, err := stmt.ExecContext(ctx,
					it.ID, feed.ID, toSQL(it.Retrieved), it.Seen, it.Author, it.Title,
					it.FeedItemID, it.Link, toSQL(it.Published), it.Summary); err != nil {
					return fmt.Errorf("insert item %s: %w", it.ID, err)
				}
			}
		}

		if gcThreshold != nil {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM items WHERE feed_id = ? AND published < ? AND seen = 1",
				feed.ID, toSQL(*gcThreshold)); err != nil {
				return fmt.Errorf("gc items: %w", err)
			}
		}

		if bumpRevision {
			if _, err := tx.ExecContext(ctx,
				"UPDATE kv SET value = value + 1 WHERE key = ?", model.KeyFeedUpdateRevision); err != nil {
				return fmt.Errorf("bump revision: %w", err)
			}
		}
		return nil
	})
}

// --- Revision Methods ---

// GetFeedUpdateRevision returns the global revision counter.
func (db *DB) GetFeedUpdateRevision(ctx context.Context) (int64, error) {
	return inTx(ctx, db, "get revision", func(tx *sql.Tx) (int64, error) {
		return getRevision(ctx, tx)
	})
}

func getRevision(ctx context.Context, tx *sql.Tx) (int64, error) {
	var rev int64
	err := tx.QueryRowContext(ctx,
		"SELECT value FROM kv WHERE key = ?", model.KeyFeedUpdateRevision).Scan(&rev)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return rev, err
}

// --- Helper functions ---

func toSQL(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromSQL(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}

func scanFeeds(rows *sql.Rows) ([]model.Feed, error) {
	var feeds []model.Feed
	for rows.Next() {
		var f model.Feed
		var lastRetrieval, nextRetrieval, lastActivity int64
		if err := rows.Scan(&f.ID, &f.URL, &f.Title, &lastRetrieval, &nextRetrieval,
			&lastActivity, &f.Disabled, &f.UpdatedItems); err != nil {
			return nil, err
		}
		f.LastRetrieval = fromSQL(lastRetrieval)
		f.NextRetrieval = fromSQL(nextRetrieval)
		f.LastActivity = fromSQL(lastActivity)
		feeds = append(feeds, f)
	}
	return feeds, rows.Err()
}

func scanItems(rows *sql.Rows) ([]model.Item, error) {
	var items []model.Item
	for rows.Next() {
		var it model.Item
		var retrieved, published int64
		if err := rows.Scan(&it.ID, &it.FeedID, &retrieved, &it.Seen, &it.Author, &it.Title,
			&it.FeedItemID, &it.Link, &published, &it.Summary); err != nil {
			return nil, err
		}
		it.Retrieved = fromSQL(retrieved)
		it.Published = fromSQL(published)
		items = append(items, it)
	}
	return items, rows.Err()
}
