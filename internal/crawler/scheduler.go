// Package crawler runs refresh cycles: it fetches the due feeds, classifies
// their entries and stores the accepted ones.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/bryan-buckman/feedreader/internal/config"
	"github.com/bryan-buckman/feedreader/internal/metrics"
	"github.com/bryan-buckman/feedreader/internal/model"
	"github.com/bryan-buckman/feedreader/internal/rss"
)

// Store is the part of the storage engine a refresh cycle needs.
type Store interface {
	GetFeedsDue(ctx context.Context, now time.Time) ([]model.Feed, error)
	GetNextDueTime(ctx context.Context) (time.Time, error)
	ClassifyAndCheck(ctx context.Context, item *model.Item) (model.Classification, error)
	UpdateFeedAndIngest(ctx context.Context, feed *model.Feed, items []model.Item, gcThreshold *time.Time, bumpRevision bool) error
}

// Fetcher retrieves one feed document.
type Fetcher interface {
	Fetch(ctx context.Context, feedURL string) (rss.Result, error)
}

// Config holds the cycle policy.
type Config struct {
	Interval       time.Duration
	Slack          float64
	GCAge          time.Duration
	SleepMargin    time.Duration
	MaxConcurrency int
	Highlight      model.HighlightMode
	Deny           config.DenyFilter
}

// ConfigFrom extracts the cycle policy from the application config.
func ConfigFrom(c config.Config) (Config, error) {
	mode, err := c.Highlight.HighlightMode()
	if err != nil {
		return Config{}, err
	}
	deny, err := c.Highlight.Filter()
	if err != nil {
		return Config{}, err
	}
	return Config{
		Interval:       c.Refresh.Interval,
		Slack:          c.Refresh.Slack,
		GCAge:          c.Refresh.GCAge,
		SleepMargin:    c.Refresh.SleepMargin,
		MaxConcurrency: c.Refresh.MaxConcurrency,
		Highlight:      mode,
		Deny:           deny,
	}, nil
}

// Scheduler runs refresh cycles against a store.
type Scheduler struct {
	store   Store
	fetcher Fetcher
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
	rand    func() float64
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithRand replaces the jitter source, which must return values in [0, 1).
func WithRand(r func() float64) Option {
	return func(s *Scheduler) { s.rand = r }
}

// New creates a scheduler.
func New(store Store, fetcher Fetcher, cfg Config, opts ...Option) *Scheduler {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.Highlight == "" {
		cfg.Highlight = model.HighlightNew
	}
	s := &Scheduler{
		store:   store,
		fetcher: fetcher,
		cfg:     cfg,
		logger:  zap.NewNop(),
		now:     time.Now,
		rand:    rand.Float64,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Jitter spreads interval uniformly over
// [interval*(1-slack/2), interval*(1+slack/2)) using r in [0, 1).
func Jitter(interval time.Duration, slack float64, r float64) time.Duration {
	spread := time.Duration(float64(interval) * slack)
	if spread <= 0 {
		return interval
	}
	return interval - spread/2 + time.Duration(r*float64(spread))
}

// Refresh runs one cycle over all due feeds and returns how long the caller
// should sleep before the next one. Failures of single feeds do not stop the
// others; they are returned together once every feed was attempted.
func (s *Scheduler) Refresh(ctx context.Context) (time.Duration, error) {
	start := s.now()
	nextRetrieval := start.Add(Jitter(s.cfg.Interval, s.cfg.Slack, s.rand()))

	feeds, err := s.store.GetFeedsDue(ctx, start)
	if err != nil {
		metrics.ObserveCycle(false, time.Since(start))
		return 0, fmt.Errorf("get feeds due: %w", err)
	}
	s.logger.Debug("refresh cycle started", zap.Int("due", len(feeds)))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
		sem  = semaphore.NewWeighted(int64(s.cfg.MaxConcurrency))
	)
	for _, feed := range feeds {
		wg.Add(1)
		go func(feed model.Feed) {
			defer wg.Done()
			if err := s.refreshFeed(ctx, sem, feed, nextRetrieval); err != nil {
				s.logger.Warn("refresh feed failed",
					zap.Int64("feed_id", feed.ID), zap.String("url", feed.URL), zap.Error(err))
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("feed %d (%s): %w", feed.ID, feed.URL, err))
				mu.Unlock()
			}
		}(feed)
	}
	wg.Wait()

	sleep, err := s.sleepDuration(ctx)
	errs = multierr.Append(errs, err)

	metrics.ObserveCycle(errs == nil, time.Since(start))
	s.logger.Info("refresh cycle done",
		zap.Int("feeds", len(feeds)),
		zap.Int("failed", len(multierr.Errors(errs))),
		zap.Duration("sleep", sleep))
	return sleep, errs
}

func (s *Scheduler) sleepDuration(ctx context.Context) (time.Duration, error) {
	next, err := s.store.GetNextDueTime(ctx)
	if err != nil {
		return s.cfg.Interval, fmt.Errorf("get next due time: %w", err)
	}
	if next.IsZero() {
		// Nothing subscribed.
		return s.cfg.Interval, nil
	}
	return max(next.Sub(s.now()), 0) + s.cfg.SleepMargin, nil
}

var errUnknownResult = errors.New("unknown fetch result")

func (s *Scheduler) refreshFeed(ctx context.Context, sem *semaphore.Weighted, feed model.Feed, nextRetrieval time.Time) error {
	if err := sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("wait for fetch slot: %w", err)
	}
	res, err := s.fetcher.Fetch(ctx, feed.URL)
	sem.Release(1)
	if err != nil {
		return err
	}

	switch r := res.(type) {
	case *rss.Fetched:
		return s.ingest(ctx, feed, r, nextRetrieval)
	case *rss.MovedPermanently:
		if r.Location != nil {
			s.logger.Info("feed moved", zap.Int64("feed_id", feed.ID),
				zap.String("from", feed.URL), zap.String("to", *r.Location))
			feed.URL = *r.Location
		} else {
			s.logger.Info("feed moved without location, disabling", zap.Int64("feed_id", feed.ID))
			feed.Disabled = true
		}
	case *rss.Gone:
		s.logger.Info("feed gone, disabling", zap.Int64("feed_id", feed.ID))
		feed.Disabled = true
	default:
		return fmt.Errorf("%w: %T", errUnknownResult, res)
	}
	if err := s.store.UpdateFeedAndIngest(ctx, &feed, nil, nil, false); err != nil {
		return fmt.Errorf("update feed: %w", err)
	}
	return nil
}

func (s *Scheduler) ingest(ctx context.Context, feed model.Feed, r *rss.Fetched, nextRetrieval time.Time) error {
	now := s.now()
	entries, oldest := rss.ToItems(r.Feed, now)

	var (
		accepted    []model.Item
		highlighted int64
		counts      = map[model.Classification]int{}
		batch       = make(map[string]struct{}, len(entries))
	)
	for _, it := range entries {
		if _, dup := batch[it.ID]; dup {
			continue
		}
		it.FeedID = feed.ID
		class, err := s.store.ClassifyAndCheck(ctx, &it)
		if err != nil {
			return fmt.Errorf("classify %q: %w", it.FeedItemID, err)
		}
		counts[class]++
		if class == model.Exists {
			continue
		}
		batch[it.ID] = struct{}{}
		denied := s.cfg.Deny.Denies(&it)
		if denied && s.cfg.Deny.MarkSeen {
			it.Seen = true
		}
		if s.cfg.Highlight.Counts(class) && !denied {
			highlighted++
		}
		accepted = append(accepted, it)
	}

	if r.Feed.Title != "" {
		feed.Title = r.Feed.Title
	}
	feed.LastRetrieval = now
	feed.NextRetrieval = nextRetrieval
	if len(accepted) > 0 {
		feed.LastActivity = now
	}
	feed.UpdatedItems += highlighted

	gc := oldest.Add(-s.cfg.GCAge)
	bump := highlighted > 0
	if err := s.store.UpdateFeedAndIngest(ctx, &feed, accepted, &gc, bump); err != nil {
		return fmt.Errorf("update feed: %w", err)
	}

	for class, n := range counts {
		metrics.ObserveIngest(class.String(), n)
	}
	if bump {
		metrics.ObserveRevisionBump()
	}
	s.logger.Debug("feed refreshed",
		zap.Int64("feed_id", feed.ID),
		zap.String("url", feed.URL),
		zap.Int("new", counts[model.New]),
		zap.Int("updated", counts[model.Updated]),
		zap.Int("exists", counts[model.Exists]),
		zap.Int64("highlighted", highlighted))
	return nil
}
