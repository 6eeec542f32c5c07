// Package directory searches podcast directories and links their results to
// crawled podcasts.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/Harvey-AU/podcore/internal/observability"
)

// DefaultBaseURL is the iTunes Search API.
const DefaultBaseURL = "https://itunes.apple.com"

// Result is one podcast returned by a directory.
type Result struct {
	VendorID string
	Title    string
	FeedURL  *string
	ImageURL *string
}

// SearchClient queries a directory. *Client satisfies it.
type SearchClient interface {
	Search(ctx context.Context, query string) ([]Result, error)
}

// Client talks to the iTunes Search API.
type Client struct {
	http    *resty.Client
	country string
}

// NewClient creates an iTunes client. An empty baseURL uses DefaultBaseURL.
func NewClient(baseURL, country string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	client := resty.New()
	client.SetBaseURL(strings.TrimRight(baseURL, "/"))
	client.SetTimeout(timeout)
	client.SetTransport(observability.WrapTransport(http.DefaultTransport))
	client.SetHeader("Accept", "application/json")
	client.SetRetryCount(2)
	client.SetRetryWaitTime(500 * time.Millisecond)
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		return err == nil && r.StatusCode() >= http.StatusInternalServerError
	})

	return &Client{http: client, country: country}
}

type itunesResponse struct {
	ResultCount int            `json:"resultCount"`
	Results     []itunesResult `json:"results"`
}

type itunesResult struct {
	CollectionID   int64  `json:"collectionId"`
	CollectionName string `json:"collectionName"`
	FeedURL        string `json:"feedUrl"`
	ArtworkURL100  string `json:"artworkUrl100"`
	ArtworkURL600  string `json:"artworkUrl600"`
}

// Search returns podcasts matching query in the directory's rank order.
func (c *Client) Search(ctx context.Context, query string) ([]Result, error) {
	req := c.http.R().
		SetContext(ctx).
		SetQueryParam("media", "podcast").
		SetQueryParam("term", query)
	if c.country != "" {
		req.SetQueryParam("country", c.country)
	}

	start := time.Now()
	resp, err := req.Get("/search")
	if err != nil {
		return nil, fmt.Errorf("failed to call iTunes search: %w", err)
	}
	observability.RecordFetch(ctx, "directory", resp.StatusCode(), time.Since(start))

	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("iTunes search error: status %d", resp.StatusCode())
	}

	// iTunes serves JSON as text/javascript, so the body is decoded here
	// rather than through SetResult.
	var body itunesResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("failed to decode iTunes search results: %w", err)
	}

	results := make([]Result, 0, len(body.Results))
	for _, r := range body.Results {
		res := Result{Title: strings.TrimSpace(r.CollectionName)}
		if r.CollectionID != 0 {
			res.VendorID = strconv.FormatInt(r.CollectionID, 10)
		}
		res.FeedURL = optional(r.FeedURL)
		res.ImageURL = optional(r.ArtworkURL600)
		if res.ImageURL == nil {
			res.ImageURL = optional(r.ArtworkURL100)
		}
		results = append(results, res)
	}

	log.Debug().
		Str("query", query).
		Int("results", len(results)).
		Dur("duration", time.Since(start)).
		Msg("Directory search returned")
	return results, nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
