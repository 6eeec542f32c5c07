// Package fetch retrieves feeds and pages over HTTP.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/rs/zerolog/log"

	"github.com/Harvey-AU/podcore/internal/observability"
)

// Config holds fetcher settings.
type Config struct {
	Timeout      time.Duration // Whole-request timeout
	UserAgent    string        // User agent sent with every request
	MaxBodyBytes int           // Responses are truncated beyond this size
	Limiter      LimiterConfig // Per-host pacing
}

// DefaultConfig returns the fetcher defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		UserAgent:    "podcore/1.0 (+https://github.com/Harvey-AU/podcore)",
		MaxBodyBytes: 20 << 20,
		Limiter:      defaultLimiterConfig(),
	}
}

// Response is a fetched document. FinalURL is the URL after redirects.
type Response struct {
	StatusCode  int
	Body        []byte
	FinalURL    string
	ContentType string
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// ErrInvalidURL is returned for URLs that are not absolute http(s) URLs.
var ErrInvalidURL = errors.New("invalid URL")

// Fetcher performs GET requests through colly with per-host pacing.
type Fetcher struct {
	config  Config
	colly   *colly.Collector
	limiter *HostLimiter
}

// New creates a fetcher. Zero config fields take defaults.
func New(config Config) *Fetcher {
	d := DefaultConfig()
	if config.Timeout <= 0 {
		config.Timeout = d.Timeout
	}
	if config.UserAgent == "" {
		config.UserAgent = d.UserAgent
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = d.MaxBodyBytes
	}

	c := colly.NewCollector(
		colly.UserAgent(config.UserAgent),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.MaxBodySize(config.MaxBodyBytes),
	)

	baseTransport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	c.SetClient(&http.Client{
		Timeout:   config.Timeout,
		Transport: observability.WrapTransport(baseTransport),
	})

	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, text/xml;q=0.9, text/html;q=0.8, */*;q=0.5")
		log.Debug().Str("url", r.URL.String()).Msg("Fetching")
	})

	return &Fetcher{
		config:  config,
		colly:   c,
		limiter: NewHostLimiter(config.Limiter),
	}
}

// Limiter exposes the per-host limiter.
func (f *Fetcher) Limiter() *HostLimiter {
	return f.limiter
}

func validateURL(target string) (*url.URL, error) {
	parsed, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidURL, target, err)
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidURL, target)
	}
	return parsed, nil
}

// Fetch GETs target. Any HTTP status is returned as a Response; only
// transport failures and cancellation are errors.
func (f *Fetcher) Fetch(ctx context.Context, target string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	parsed, err := validateURL(target)
	if err != nil {
		return nil, err
	}

	if err := f.limiter.Wait(ctx, parsed.Host); err != nil {
		return nil, err
	}

	start := time.Now()
	res := &Response{FinalURL: target}
	var fetchErr error

	clone := f.colly.Clone()
	clone.OnResponse(func(r *colly.Response) {
		res.StatusCode = r.StatusCode
		res.Body = r.Body
		res.FinalURL = r.Request.URL.String()
		res.ContentType = r.Headers.Get("Content-Type")
	})
	clone.OnError(func(r *colly.Response, err error) {
		fetchErr = err
		if r != nil {
			res.StatusCode = r.StatusCode
		}
	})

	done := make(chan error, 1)
	go func() {
		done <- clone.Visit(target)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		log.Debug().Err(ctx.Err()).Str("url", target).Msg("Fetch cancelled")
		return nil, ctx.Err()
	}

	duration := time.Since(start)
	observability.RecordFetch(ctx, "get", res.StatusCode, duration)

	if err == nil {
		err = fetchErr
	}
	if err != nil {
		log.Warn().
			Err(err).
			Str("url", target).
			Dur("duration", duration).
			Msg("Fetch failed")
		return nil, fmt.Errorf("failed to fetch %s: %w", target, err)
	}

	f.limiter.Observe(parsed.Host, res.StatusCode)

	log.Debug().
		Str("url", target).
		Str("final_url", res.FinalURL).
		Int("status", res.StatusCode).
		Int("bytes", len(res.Body)).
		Dur("duration", duration).
		Msg("Fetched")
	return res, nil
}
