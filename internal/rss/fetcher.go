// Package rss fetches feed documents and converts their entries to items.
package rss

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/bryan-buckman/feedreader/internal/metrics"
)

// Defaults for NewFetcher.
const (
	DefaultTimeout   = 10 * time.Second
	DefaultUserAgent = "feedreader (feedreader; Go variant)"
	maxRedirects     = 10
)

// ErrUnexpectedStatus is wrapped by StatusError.
var ErrUnexpectedStatus = errors.New("unexpected http status")

// StatusError reports a response status without special handling.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("feed fetch error: %d %s", e.Code, http.StatusText(e.Code))
}

func (e *StatusError) Unwrap() error { return ErrUnexpectedStatus }

// Result is the outcome of a successful fetch. It is one of *Fetched,
// *MovedPermanently or *Gone.
type Result interface {
	isResult()
}

// Fetched carries the parsed document.
type Fetched struct {
	Feed *gofeed.Feed
}

// MovedPermanently carries the new location, or nil if the server gave none.
type MovedPermanently struct {
	Location *string
}

// Gone means the feed was removed for good.
type Gone struct{}

func (*Fetched) isResult()          {}
func (*MovedPermanently) isResult() {}
func (*Gone) isResult()             {}

// Fetcher retrieves feed documents over HTTP.
type Fetcher struct {
	client    *http.Client
	userAgent string
	limiter   *hostLimiter
	logger    *zap.Logger
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) { f.client.Timeout = d }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) {
		if ua != "" {
			f.userAgent = ua
		}
	}
}

// WithHostRate limits requests per host. A non-positive rps disables it.
func WithHostRate(rps float64, burst int) Option {
	return func(f *Fetcher) { f.limiter = newHostLimiter(rps, burst) }
}

// WithTransport replaces the HTTP transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Fetcher) { f.client.Transport = rt }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// NewFetcher creates a fetcher.
func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		client: &http.Client{
			Timeout:       DefaultTimeout,
			CheckRedirect: checkRedirect,
		},
		userAgent: DefaultUserAgent,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// checkRedirect hands permanent redirects back to the caller, which then
// rewrites the feed URL. Other redirects are followed.
func checkRedirect(req *http.Request, via []*http.Request) error {
	if req.Response != nil && req.Response.StatusCode == http.StatusMovedPermanently {
		return http.ErrUseLastResponse
	}
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	return nil
}

// Fetch retrieves and parses the feed at feedURL.
func (f *Fetcher) Fetch(ctx context.Context, feedURL string) (Result, error) {
	if err := f.limiter.wait(ctx, feedURL); err != nil {
		return nil, fmt.Errorf("rate limit wait for %s: %w", feedURL, err)
	}

	metrics.FetchStarted()
	res, err := f.fetch(ctx, feedURL)
	metrics.FetchDone()

	switch res.(type) {
	case *Fetched:
		metrics.ObserveFetch("ok")
	case *MovedPermanently:
		metrics.ObserveFetch("moved")
	case *Gone:
		metrics.ObserveFetch("gone")
	default:
		metrics.ObserveFetch("error")
	}
	return res, err
}

func (f *Fetcher) fetch(ctx context.Context, feedURL string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", feedURL, err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("retrieve feed %s: %w", feedURL, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusMovedPermanently:
		var location *string
		if loc, err := resp.Location(); err == nil {
			s := loc.String()
			location = &s
		}
		f.logger.Info("feed moved permanently",
			zap.String("url", feedURL), zap.Stringp("location", location))
		return &MovedPermanently{Location: location}, nil
	case http.StatusGone:
		f.logger.Info("feed gone", zap.String("url", feedURL))
		return &Gone{}, nil
	default:
		return nil, fmt.Errorf("retrieve feed %s: %w", feedURL, &StatusError{Code: resp.StatusCode})
	}

	doc, err := gofeed.NewParser().Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", feedURL, err)
	}
	return &Fetched{Feed: doc}, nil
}
