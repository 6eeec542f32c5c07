package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>Show</title><link>https://example.com</link></channel></rss>`

func testFetcher() *Fetcher {
	cfg := DefaultConfig()
	cfg.Timeout = 2 * time.Second
	cfg.Limiter = LimiterConfig{Rate: 1000, Burst: 100}
	return New(cfg)
}

func TestFetch_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("Accept"), "application/rss+xml")
		assert.Contains(t, r.UserAgent(), "podcore")
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(sampleFeed))
	}))
	defer ts.Close()

	res, err := testFetcher().Fetch(context.Background(), ts.URL+"/feed.xml")
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, res.OK())
	assert.Equal(t, sampleFeed, string(res.Body))
	assert.Equal(t, ts.URL+"/feed.xml", res.FinalURL)
	assert.Equal(t, "application/rss+xml", res.ContentType)
}

func TestFetch_FollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sampleFeed))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	res, err := testFetcher().Fetch(context.Background(), ts.URL+"/old")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, ts.URL+"/new", res.FinalURL)
}

func TestFetch_ErrorStatusIsAResponse(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusGone, http.StatusInternalServerError} {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			_, _ = w.Write([]byte("nope"))
		}))

		res, err := testFetcher().Fetch(context.Background(), ts.URL)
		require.NoError(t, err, "status %d", status)
		assert.Equal(t, status, res.StatusCode)
		assert.False(t, res.OK())
		ts.Close()
	}
}

func TestFetch_InvalidURL(t *testing.T) {
	for _, target := range []string{"", "feed.xml", "ftp://example.com/feed", "http://"} {
		_, err := testFetcher().Fetch(context.Background(), target)
		assert.ErrorIs(t, err, ErrInvalidURL, target)
	}
}

func TestFetch_ContextCancelled(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer ts.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := testFetcher().Fetch(ctx, ts.URL)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFetch_ThrottledHostSlowsDown(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	f := testFetcher()
	host := mustHost(t, ts.URL)
	before := f.Limiter().Rate(host)

	res, err := f.Fetch(context.Background(), ts.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.Less(t, f.Limiter().Rate(host), before)
}

func mustHost(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Host
}
