package rss

import (
	"context"
	"net/url"
	"sync"

	"golang.org/x/time/rate"
)

// hostLimiter spaces out requests to the same host so that feeds sharing a
// server are not fetched in a burst.
type hostLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// newHostLimiter returns nil when rps is not positive, which disables
// limiting.
func newHostLimiter(rps float64, burst int) *hostLimiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &hostLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(rps),
		burst:    burst,
	}
}

// wait blocks until the host of feedURL may be contacted again.
func (hl *hostLimiter) wait(ctx context.Context, feedURL string) error {
	if hl == nil {
		return nil
	}
	host := extractHost(feedURL)
	hl.mu.Lock()
	l, ok := hl.limiters[host]
	if !ok {
		l = rate.NewLimiter(hl.limit, hl.burst)
		hl.limiters[host] = l
	}
	hl.mu.Unlock()
	return l.Wait(ctx)
}

// extractHost gets the host from a URL.
func extractHost(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Host == "" {
		return feedURL
	}
	return u.Hostname()
}
