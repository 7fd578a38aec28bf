package rss

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:media="http://search.yahoo.com/mrss/">
<channel>
  <title>Example Feed</title>
  <link>https://example.com/</link>
  <item>
    <guid>e1</guid>
    <title>A</title>
    <link>https://example.com/a</link>
    <pubDate>Fri, 01 Mar 2024 10:00:00 +0000</pubDate>
    <description>First entry</description>
  </item>
  <item>
    <guid>e2</guid>
    <title>B</title>
    <link>https://example.com/b</link>
    <media:group>
      <media:description>Video description</media:description>
    </media:group>
  </item>
</channel>
</rss>`

func TestFetchOK(t *testing.T) {
	t.Parallel()
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(sampleRSS))
	}))
	defer srv.Close()

	f := NewFetcher(WithUserAgent("feedreader/test"))
	res, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)

	fetched, ok := res.(*Fetched)
	require.True(t, ok, "got %T", res)
	assert.Equal(t, "Example Feed", fetched.Feed.Title)
	assert.Len(t, fetched.Feed.Items, 2)
	assert.Equal(t, "feedreader/test", gotUA)
}

func TestFetchMovedPermanently(t *testing.T) {
	t.Parallel()
	var followed atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, _ *http.Request) {
		followed.Store(true)
		_, _ = w.Write([]byte(sampleRSS))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	res, err := NewFetcher().Fetch(context.Background(), srv.URL+"/old")
	require.NoError(t, err)
	moved, ok := res.(*MovedPermanently)
	require.True(t, ok, "got %T", res)
	require.NotNil(t, moved.Location)
	assert.Equal(t, srv.URL+"/new", *moved.Location)
	assert.False(t, followed.Load())
}

func TestFetchMovedPermanentlyWithoutLocation(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusMovedPermanently)
	}))
	defer srv.Close()

	res, err := NewFetcher().Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	moved, ok := res.(*MovedPermanently)
	require.True(t, ok, "got %T", res)
	assert.Nil(t, moved.Location)
}

func TestFetchFollowsTemporaryRedirect(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/tmp", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/feed", http.StatusFound)
	})
	mux.HandleFunc("/feed", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(sampleRSS))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	res, err := NewFetcher().Fetch(context.Background(), srv.URL+"/tmp")
	require.NoError(t, err)
	assert.IsType(t, &Fetched{}, res)
}

func TestFetchGone(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	res, err := NewFetcher().Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.IsType(t, &Gone{}, res)
}

func TestFetchErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		handler http.HandlerFunc
		status  int
	}{
		{"server error", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}, http.StatusInternalServerError},
		{"not found", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}, http.StatusNotFound},
		{"garbage body", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("this is not a feed"))
		}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			res, err := NewFetcher().Fetch(context.Background(), srv.URL)
			require.Error(t, err)
			assert.Nil(t, res)

			var se *StatusError
			if tt.status != 0 {
				require.ErrorAs(t, err, &se)
				assert.Equal(t, tt.status, se.Code)
				assert.ErrorIs(t, err, ErrUnexpectedStatus)
			} else {
				assert.False(t, errors.As(err, &se))
			}
		})
	}
}

func TestFetchTimeout(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := NewFetcher(WithTimeout(50*time.Millisecond)).Fetch(context.Background(), srv.URL)
	require.Error(t, err)
}

func TestHostLimiter(t *testing.T) {
	t.Parallel()
	assert.Nil(t, newHostLimiter(0, 1))
	require.NoError(t, (*hostLimiter)(nil).wait(context.Background(), "https://example.com"))

	hl := newHostLimiter(10, 1)
	ctx := context.Background()
	start := time.Now()
	require.NoError(t, hl.wait(ctx, "https://example.com/a"))
	require.NoError(t, hl.wait(ctx, "https://example.com/b"))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	// Other hosts have their own bucket.
	start = time.Now()
	require.NoError(t, hl.wait(ctx, "https://other.example.org/"))
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.Error(t, hl.wait(cancelled, "https://example.com/c"))
}

func TestExtractHost(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "example.com", extractHost("https://example.com:8443/feed"))
	assert.Equal(t, "not a url", extractHost("not a url"))
}
