// Package feed turns RSS and Atom documents into podcasts and episodes.
package feed

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"
	"github.com/rs/zerolog/log"
)

// ErrInvalidFeed is returned for documents that cannot be read as a podcast.
var ErrInvalidFeed = errors.New("invalid feed")

// Podcast is the channel level data of a feed.
type Podcast struct {
	Title       string
	Link        string
	ImageURL    string
	Language    string
	Description string

	// NewFeedURL is the itunes:new-feed-url a publisher uses to announce a move.
	NewFeedURL string

	Episodes []Episode

	// Skipped counts items dropped as invalid or duplicated.
	Skipped int
}

// Episode is a single feed item with a playable enclosure.
type Episode struct {
	GUID        string
	Title       string
	Description string
	Explicit    *bool
	Link        string
	MediaType   string
	MediaURL    string
	PublishedAt time.Time
}

// Parser reads feed documents. It is safe for concurrent use.
type Parser struct{}

// NewParser returns a Parser.
func NewParser() *Parser {
	return &Parser{}
}

// Parse decodes body. A feed without a title or link is rejected; items
// without a GUID, title, enclosure or publish date are skipped, as are
// repeats of a GUID already seen.
func (p *Parser) Parse(body []byte) (*Podcast, error) {
	// gofeed parsers keep per-document state, so one is built per call.
	f, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFeed, err)
	}

	podcast := &Podcast{
		Title:       clean(f.Title),
		Link:        clean(f.Link),
		Language:    clean(f.Language),
		Description: clean(f.Description),
	}
	if podcast.Title == "" {
		return nil, fmt.Errorf("%w: missing title", ErrInvalidFeed)
	}
	if podcast.Link == "" {
		return nil, fmt.Errorf("%w: missing link", ErrInvalidFeed)
	}

	if f.Image != nil {
		podcast.ImageURL = clean(f.Image.URL)
	}
	if it := f.ITunesExt; it != nil {
		if it.Image != "" {
			podcast.ImageURL = clean(it.Image)
		}
		if podcast.Description == "" {
			podcast.Description = clean(it.Summary)
		}
		if isAbsoluteHTTP(it.NewFeedURL) {
			podcast.NewFeedURL = strings.TrimSpace(it.NewFeedURL)
		}
	}

	seen := make(map[string]bool, len(f.Items))
	for _, item := range f.Items {
		ep, reason := convertItem(item)
		if reason != "" {
			podcast.Skipped++
			log.Debug().
				Str("podcast", podcast.Title).
				Str("guid", item.GUID).
				Str("reason", reason).
				Msg("Skipping invalid episode")
			continue
		}
		if seen[ep.GUID] {
			podcast.Skipped++
			log.Debug().Str("guid", ep.GUID).Msg("Skipping duplicate episode GUID")
			continue
		}
		seen[ep.GUID] = true
		podcast.Episodes = append(podcast.Episodes, ep)
	}

	return podcast, nil
}

// convertItem returns the episode or the reason it is invalid.
func convertItem(item *gofeed.Item) (Episode, string) {
	ep := Episode{
		GUID:        clean(item.GUID),
		Title:       clean(item.Title),
		Description: clean(item.Description),
		Link:        clean(item.Link),
	}
	if ep.GUID == "" {
		return ep, "missing GUID"
	}
	if ep.Title == "" {
		return ep, "missing title"
	}

	for _, enc := range item.Enclosures {
		if enc == nil || !isAbsoluteHTTP(enc.URL) {
			continue
		}
		ep.MediaURL = strings.TrimSpace(enc.URL)
		ep.MediaType = clean(enc.Type)
		break
	}
	if ep.MediaURL == "" {
		return ep, "missing media URL"
	}

	if item.PublishedParsed == nil {
		return ep, "missing publish date"
	}
	ep.PublishedAt = item.PublishedParsed.UTC()

	if item.ITunesExt != nil {
		ep.Explicit = parseExplicit(item.ITunesExt)
		if ep.Description == "" {
			ep.Description = clean(item.ITunesExt.Summary)
		}
	}
	return ep, ""
}

func parseExplicit(it *ext.ITunesItemExtension) *bool {
	var v bool
	switch strings.ToLower(strings.TrimSpace(it.Explicit)) {
	case "yes", "true", "explicit":
		v = true
	case "no", "false", "clean":
		v = false
	default:
		return nil
	}
	return &v
}

func clean(s string) string {
	return strings.TrimSpace(s)
}

func isAbsoluteHTTP(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
