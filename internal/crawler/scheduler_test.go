package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/bryan-buckman/feedreader/internal/config"
	"github.com/bryan-buckman/feedreader/internal/database"
	"github.com/bryan-buckman/feedreader/internal/model"
	"github.com/bryan-buckman/feedreader/internal/rss"
)

func rssDoc(title string, entries ...string) string {
	doc := `<?xml version="1.0"?><rss version="2.0"><channel><title>` + title + `</title>`
	for _, e := range entries {
		doc += e
	}
	return doc + `</channel></rss>`
}

func rssEntry(guid, title, pubDate string) string {
	return fmt.Sprintf(`<item><guid>%s</guid><title>%s</title><link>https://example.com/%s</link><pubDate>%s</pubDate></item>`,
		guid, title, guid, pubDate)
}

// feedServer serves a mutable document.
type feedServer struct {
	*httptest.Server
	mu     sync.Mutex
	status int
	body   string
}

func newFeedServer(t *testing.T, body string) *feedServer {
	t.Helper()
	fs := &feedServer{status: http.StatusOK, body: body}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		w.WriteHeader(fs.status)
		if fs.status == http.StatusOK {
			_, _ = w.Write([]byte(fs.body))
		}
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *feedServer) set(status int, body string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.status = status
	fs.body = body
}

func newStore(t *testing.T) *database.DB {
	t.Helper()
	ctx := context.Background()
	db, err := database.New(ctx, filepath.Join(t.TempDir(), "feeds.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Init(ctx))
	return db
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() Config {
	return Config{
		Interval:       10 * time.Minute,
		Slack:          0.1,
		GCAge:          8760 * time.Hour,
		SleepMargin:    time.Second,
		MaxConcurrency: 1,
		Highlight:      model.HighlightNew,
	}
}

func newScheduler(db Store, cfg Config, clk *clock) *Scheduler {
	return New(db, rss.NewFetcher(), cfg, WithClock(clk.Now), WithRand(func() float64 { return 0.5 }))
}

func TestRefreshNewThenExists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newStore(t)
	srv := newFeedServer(t, rssDoc("Feed F", rssEntry("e1", "A", "Fri, 01 Mar 2024 10:00:00 +0000")))
	clk := &clock{now: time.Now().UTC().Truncate(time.Second)}

	id, err := db.AddFeed(ctx, srv.URL)
	require.NoError(t, err)

	s := newScheduler(db, testConfig(), clk)
	sleep, err := s.Refresh(ctx)
	require.NoError(t, err)
	// The only feed is due again in exactly one interval with r = 0.5.
	assert.Equal(t, 10*time.Minute+time.Second, sleep)

	feed, err := db.GetFeed(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Feed F", feed.Title)
	assert.Equal(t, int64(1), feed.UpdatedItems)
	assert.True(t, clk.Now().Equal(feed.LastRetrieval))
	assert.True(t, clk.Now().Equal(feed.LastActivity))
	assert.True(t, clk.Now().Add(10*time.Minute).Equal(feed.NextRetrieval))
	rev, err := db.GetFeedUpdateRevision(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rev)

	clk.Advance(time.Hour)
	_, err = s.Refresh(ctx)
	require.NoError(t, err)

	feed, err = db.GetFeed(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), feed.UpdatedItems)
	assert.True(t, clk.Now().Add(-time.Hour).Equal(feed.LastActivity), "no accepted items keeps last activity")
	rev, err = db.GetFeedUpdateRevision(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rev)

	history, err := db.GetFeedItemsByRemoteID(ctx, id, "e1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestRefreshGoneDisablesFeed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newStore(t)
	srv := newFeedServer(t, "")
	srv.set(http.StatusGone, "")
	clk := &clock{now: time.Now().UTC()}

	id, err := db.AddFeed(ctx, srv.URL)
	require.NoError(t, err)

	_, err = newScheduler(db, testConfig(), clk).Refresh(ctx)
	require.NoError(t, err)

	feed, err := db.GetFeed(ctx, id)
	require.NoError(t, err)
	assert.True(t, feed.Disabled)
	assert.Equal(t, model.NewFeedTitle, feed.Title)

	due, err := db.GetFeedsDue(ctx, clk.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)
	items, err := db.GetFeedItems(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRefreshMovedPermanentlyRewritesURL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newStore(t)
	target := newFeedServer(t, rssDoc("Moved", rssEntry("e1", "A", "Fri, 01 Mar 2024 10:00:00 +0000")))
	old := httptest.NewServer(http.RedirectHandler(target.URL+"/feed", http.StatusMovedPermanently))
	defer old.Close()
	clk := &clock{now: time.Now().UTC()}

	id, err := db.AddFeed(ctx, old.URL)
	require.NoError(t, err)

	s := newScheduler(db, testConfig(), clk)
	_, err = s.Refresh(ctx)
	require.NoError(t, err)

	feed, err := db.GetFeed(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, target.URL+"/feed", feed.URL)
	assert.False(t, feed.Disabled)
	assert.True(t, feed.NextRetrieval.IsZero(), "still due, so the new location is fetched next cycle")

	_, err = s.Refresh(ctx)
	require.NoError(t, err)
	feed, err = db.GetFeed(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Moved", feed.Title)
}

func TestRefreshIsolatesFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newStore(t)
	good := newFeedServer(t, rssDoc("Good", rssEntry("g1", "G", "Fri, 01 Mar 2024 10:00:00 +0000")))
	bad := newFeedServer(t, "")
	bad.set(http.StatusInternalServerError, "")
	clk := &clock{now: time.Now().UTC()}

	goodID, err := db.AddFeed(ctx, good.URL)
	require.NoError(t, err)
	badID, err := db.AddFeed(ctx, bad.URL)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.MaxConcurrency = 2
	sleep, err := newScheduler(db, cfg, clk).Refresh(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, rss.ErrUnexpectedStatus)
	assert.Len(t, multierr.Errors(err), 1)
	// The failed feed stays due.
	assert.Equal(t, time.Second, sleep)

	feed, err := db.GetFeed(ctx, goodID)
	require.NoError(t, err)
	assert.Equal(t, "Good", feed.Title)

	feed, err = db.GetFeed(ctx, badID)
	require.NoError(t, err)
	assert.Equal(t, model.NewFeedTitle, feed.Title)
	assert.True(t, feed.LastRetrieval.IsZero())
}

func TestRefreshHighlightModes(t *testing.T) {
	t.Parallel()
	for _, tt := range []struct {
		mode    model.HighlightMode
		wantRev int64
	}{
		{model.HighlightNew, 1},
		{model.HighlightAll, 2},
	} {
		t.Run(string(tt.mode), func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			db := newStore(t)
			srv := newFeedServer(t, rssDoc("F", rssEntry("e1", "A", "Fri, 01 Mar 2024 10:00:00 +0000")))
			clk := &clock{now: time.Now().UTC()}
			id, err := db.AddFeed(ctx, srv.URL)
			require.NoError(t, err)

			cfg := testConfig()
			cfg.Highlight = tt.mode
			s := newScheduler(db, cfg, clk)
			_, err = s.Refresh(ctx)
			require.NoError(t, err)

			srv.set(http.StatusOK, rssDoc("F", rssEntry("e1", "A (edited)", "Fri, 01 Mar 2024 10:00:00 +0000")))
			clk.Advance(time.Hour)
			_, err = s.Refresh(ctx)
			require.NoError(t, err)

			rev, err := db.GetFeedUpdateRevision(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.wantRev, rev)

			feed, err := db.GetFeed(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, tt.wantRev, feed.UpdatedItems)
			assert.True(t, clk.Now().Equal(feed.LastActivity), "edits count as activity in both modes")

			history, err := db.GetFeedItemsByRemoteID(ctx, id, "e1")
			require.NoError(t, err)
			assert.Len(t, history, 2)
		})
	}
}

func TestRefreshDenyFilter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newStore(t)
	srv := newFeedServer(t, rssDoc("F",
		rssEntry("ad", "Sponsored: buy", "Fri, 01 Mar 2024 10:00:00 +0000")))
	clk := &clock{now: time.Now().UTC()}
	id, err := db.AddFeed(ctx, srv.URL)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Deny = config.DenyFilter{Title: []*regexp.Regexp{regexp.MustCompile("^Sponsored")}, MarkSeen: true}
	_, err = newScheduler(db, cfg, clk).Refresh(ctx)
	require.NoError(t, err)

	rev, err := db.GetFeedUpdateRevision(ctx)
	require.NoError(t, err)
	assert.Zero(t, rev)

	feed, err := db.GetFeed(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, feed.UpdatedItems)
	assert.True(t, clk.Now().Equal(feed.LastActivity))

	feeds, _, err := db.GetFeeds(ctx, nil)
	require.NoError(t, err)
	require.Len(t, feeds, 1)
	history, err := db.GetFeedItemsByRemoteID(ctx, id, "ad")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Seen)
}

func TestRefreshNoFeeds(t *testing.T) {
	t.Parallel()
	db := newStore(t)
	clk := &clock{now: time.Now().UTC()}

	sleep, err := newScheduler(db, testConfig(), clk).Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, sleep)
}

func TestRefreshSkipsDuplicateEntriesInDocument(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newStore(t)
	entry := rssEntry("e1", "A", "Fri, 01 Mar 2024 10:00:00 +0000")
	srv := newFeedServer(t, rssDoc("F", entry, entry))
	clk := &clock{now: time.Now().UTC()}
	id, err := db.AddFeed(ctx, srv.URL)
	require.NoError(t, err)

	_, err = newScheduler(db, testConfig(), clk).Refresh(ctx)
	require.NoError(t, err)

	history, err := db.GetFeedItemsByRemoteID(ctx, id, "e1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestJitterBounds(t *testing.T) {
	t.Parallel()
	interval := 10 * time.Minute
	lo := time.Duration(float64(interval) * (1 - 0.1/2))
	hi := time.Duration(float64(interval) * (1 + 0.1/2))
	for _, r := range []float64{0, 0.25, 0.5, 0.75, 0.999999} {
		d := Jitter(interval, 0.1, r)
		assert.GreaterOrEqual(t, d, lo)
		assert.LessOrEqual(t, d, hi)
	}
	assert.Equal(t, lo, Jitter(interval, 0.1, 0))
	assert.Equal(t, interval, Jitter(interval, 0, 0.9))
}

// countingFetcher records the peak number of concurrent fetches.
type countingFetcher struct {
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *countingFetcher) Fetch(_ context.Context, _ string) (rss.Result, error) {
	n := f.inFlight.Add(1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	f.inFlight.Add(-1)
	return &rss.Fetched{Feed: &gofeed.Feed{Title: "T"}}, nil
}

func TestRefreshBoundsConcurrency(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newStore(t)
	for i := range 6 {
		_, err := db.AddFeed(ctx, fmt.Sprintf("https://%d.example.com/feed", i))
		require.NoError(t, err)
	}

	f := &countingFetcher{}
	cfg := testConfig()
	cfg.MaxConcurrency = 2
	_, err := New(db, f, cfg).Refresh(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, f.peak.Load(), int32(2))
	assert.GreaterOrEqual(t, f.peak.Load(), int32(1))
}

func TestConfigFrom(t *testing.T) {
	t.Parallel()
	c, err := config.Load("")
	require.NoError(t, err)
	cfg, err := ConfigFrom(c)
	require.NoError(t, err)
	assert.Equal(t, model.HighlightNew, cfg.Highlight)
	assert.Equal(t, 10*time.Minute, cfg.Interval)

	c.Highlight.Mode = "bogus"
	_, err = ConfigFrom(c)
	require.Error(t, err)
}
