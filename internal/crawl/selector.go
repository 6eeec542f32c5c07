// Package crawl decides which podcasts are due for a refresh and queues
// their crawl jobs.
package crawl

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

// Config controls crawl cadence.
type Config struct {
	// ShortInterval applies to podcasts that published recently.
	ShortInterval time.Duration
	// LongInterval applies to everything else.
	LongInterval time.Duration
	// ActiveWindow is how recent the latest content must be for a podcast
	// to count as active.
	ActiveWindow time.Duration
	// JitterWindow spreads refreshes so podcasts added together do not
	// stay in lockstep.
	JitterWindow time.Duration
	// BatchLimit caps candidates per pass.
	BatchLimit int
}

// DefaultConfig returns the crawl defaults.
func DefaultConfig() Config {
	return Config{
		ShortInterval: time.Hour,
		LongInterval:  7 * 24 * time.Hour,
		ActiveWindow:  30 * 24 * time.Hour,
		JitterWindow:  15 * time.Minute,
		BatchLimit:    100,
	}
}

// Candidate is a podcast due for a crawl.
type Candidate struct {
	PodcastID int64
	FeedURL   string
}

type candidateRow struct {
	ID              int64          `db:"id"`
	LastRetrievedAt time.Time      `db:"last_retrieved_at"`
	FeedURL         sql.NullString `db:"feed_url"`
	LatestContentAt sql.NullTime   `db:"latest_content_at"`
}

// Selector pages through podcasts in id order and picks the due ones.
type Selector struct {
	db     *sqlx.DB
	config Config
	now    func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSelector creates a Selector. Zero config fields take defaults.
func NewSelector(client *sqlx.DB, config Config) *Selector {
	d := DefaultConfig()
	if config.ShortInterval <= 0 {
		config.ShortInterval = d.ShortInterval
	}
	if config.LongInterval <= 0 {
		config.LongInterval = d.LongInterval
	}
	if config.ActiveWindow <= 0 {
		config.ActiveWindow = d.ActiveWindow
	}
	if config.JitterWindow < 0 {
		config.JitterWindow = 0
	}
	if config.BatchLimit <= 0 {
		config.BatchLimit = d.BatchLimit
	}

	return &Selector{
		db:     client,
		config: config,
		now:    func() time.Time { return time.Now().UTC() },
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithClock replaces the time source. Used by tests.
func (s *Selector) WithClock(now func() time.Time) *Selector {
	s.now = now
	return s
}

// WithRand replaces the jitter source. Used by tests.
func (s *Selector) WithRand(r *rand.Rand) *Selector {
	s.rng = r
	return s
}

// Config returns the effective configuration.
func (s *Selector) Config() Config {
	return s.config
}

// Select reads the next page of podcasts after afterID and returns the due
// ones in id order. next is the cursor for the following page, or zero when
// the scan reached the end.
func (s *Selector) Select(ctx context.Context, afterID int64) ([]Candidate, int64, error) {
	now := s.now()
	cutoff := now.Add(-s.config.ShortInterval).Add(s.config.JitterWindow)

	var rows []candidateRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT p.id, p.last_retrieved_at,
			(SELECT l.feed_url FROM podcast_feed_location l
				WHERE l.podcast_id = p.id
				ORDER BY l.last_retrieved_at DESC, l.id DESC
				LIMIT 1) AS feed_url,
			(SELECT max(c.retrieved_at) FROM podcast_feed_content c
				WHERE c.podcast_id = p.id) AS latest_content_at
		FROM podcast p
		WHERE p.id > $1
		AND p.last_retrieved_at <= $2
		ORDER BY p.id
		LIMIT $3
	`, afterID, cutoff, s.config.BatchLimit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to select crawl candidates: %w", err)
	}

	var next int64
	if len(rows) == s.config.BatchLimit {
		next = rows[len(rows)-1].ID
	}

	candidates := make([]Candidate, 0, len(rows))
	for _, row := range rows {
		if !row.FeedURL.Valid || row.FeedURL.String == "" {
			log.Warn().Int64("podcast_id", row.ID).Msg("Podcast has no feed location")
			continue
		}
		if !s.due(row, now) {
			continue
		}
		candidates = append(candidates, Candidate{PodcastID: row.ID, FeedURL: row.FeedURL.String})
	}

	log.Debug().
		Int64("after_id", afterID).
		Int64("next_id", next).
		Int("scanned", len(rows)).
		Int("due", len(candidates)).
		Msg("Selected crawl candidates")

	return candidates, next, nil
}

func (s *Selector) due(row candidateRow, now time.Time) bool {
	interval := s.config.LongInterval
	if row.LatestContentAt.Valid && now.Sub(row.LatestContentAt.Time) <= s.config.ActiveWindow {
		interval = s.config.ShortInterval
	}
	offset := s.jitter()
	return !row.LastRetrievedAt.Add(-offset).After(now.Add(-interval))
}

func (s *Selector) jitter() time.Duration {
	if s.config.JitterWindow <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.rng.Int63n(int64(s.config.JitterWindow)))
}
