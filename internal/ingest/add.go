package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/Harvey-AU/podcore/internal/fetch"
	"github.com/Harvey-AU/podcore/internal/util"
)

// ErrNoFeedFound is returned when a page advertises no feed links.
var ErrNoFeedFound = errors.New("no feed found on page")

// AddPodcast ingests the podcast at rawURL. The URL may be the feed itself
// or a web page that links to it, in which case the first advertised feed
// is followed.
func (i *Ingester) AddPodcast(ctx context.Context, rawURL string) (*Result, error) {
	rawURL, err := util.NormaliseFeedURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fetch.ErrInvalidURL, err)
	}

	resp, err := i.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, &StatusError{URL: resp.FinalURL, StatusCode: resp.StatusCode}
	}

	if !fetch.IsHTML(resp) {
		return i.ingest(ctx, 0, rawURL, resp)
	}

	links := fetch.DiscoverFeedURLs(resp.FinalURL, resp.Body)
	if len(links) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoFeedFound, resp.FinalURL)
	}

	log.Info().
		Str("url", rawURL).
		Str("feed_url", links[0]).
		Int("candidates", len(links)).
		Msg("Discovered feed from page")

	return i.Ingest(ctx, 0, links[0])
}
