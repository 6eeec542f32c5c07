package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/Harvey-AU/podcore/internal/cache"
	"github.com/Harvey-AU/podcore/internal/db"
	"github.com/Harvey-AU/podcore/internal/jobs"
	"github.com/Harvey-AU/podcore/internal/queue"
)

// ITunes is the name of the seeded iTunes directory row.
const ITunes = "Apple iTunes"

// ErrEmptyQuery is returned for blank search terms.
var ErrEmptyQuery = errors.New("search query is empty")

// Enqueuer is the part of the job store the searcher uses. *queue.Store
// satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, q db.Querier, name string, args any, opts ...queue.EnqueueOption) (int64, error)
	PendingWith(ctx context.Context, q db.Querier, name string, args any) (bool, error)
}

// Config controls search caching and ranking.
type Config struct {
	Directory string        // directory row name
	Freshness time.Duration // how long a stored search is served without a network call
	MaxRank   int           // results at or beyond this position are dropped
}

// DefaultConfig returns the search defaults.
func DefaultConfig() Config {
	return Config{Directory: ITunes, Freshness: time.Hour, MaxRank: 1000}
}

// DirectoryPodcast is a directory's listing of a podcast, ranked within a
// search.
type DirectoryPodcast struct {
	ID          int64   `db:"id" json:"id"`
	DirectoryID int64   `db:"directory_id" json:"directory_id"`
	VendorID    string  `db:"vendor_id" json:"vendor_id"`
	FeedURL     *string `db:"feed_url" json:"feed_url,omitempty"`
	PodcastID   *int64  `db:"podcast_id" json:"podcast_id,omitempty"`
	Title       string  `db:"title" json:"title"`
	ImageURL    *string `db:"image_url" json:"image_url,omitempty"`
	Position    int     `db:"position" json:"position"`
}

// SearchOutcome is the result of Search.
type SearchOutcome struct {
	SearchID int64              `json:"search_id"`
	Cached   bool               `json:"cached"`
	Podcasts []DirectoryPodcast `json:"podcasts"`
	Failed   int                `json:"failed"`
	Dropped  int                `json:"dropped"`
	Queued   int                `json:"queued"`
}

// Searcher stores directory search results and queues their resolution.
type Searcher struct {
	db     *sqlx.DB
	client SearchClient
	queue  Enqueuer
	config Config
	dirs   *cache.TTLCache[string, int64]
	now    func() time.Time
}

// NewSearcher creates a Searcher. Zero config fields take defaults.
func NewSearcher(client *sqlx.DB, api SearchClient, enq Enqueuer, config Config) *Searcher {
	d := DefaultConfig()
	if config.Directory == "" {
		config.Directory = d.Directory
	}
	if config.Freshness <= 0 {
		config.Freshness = d.Freshness
	}
	if config.MaxRank <= 0 || config.MaxRank > d.MaxRank {
		config.MaxRank = d.MaxRank
	}

	return &Searcher{
		db:     client,
		client: api,
		queue:  enq,
		config: config,
		dirs:   cache.New[string, int64](time.Hour),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. Used by tests.
func (s *Searcher) WithClock(now func() time.Time) *Searcher {
	s.now = now
	return s
}

func (s *Searcher) directoryID(ctx context.Context) (int64, error) {
	return s.dirs.GetOrLoad(s.config.Directory, func() (int64, error) {
		var id int64
		err := s.db.QueryRowContext(ctx, `SELECT id FROM directory WHERE name = $1`, s.config.Directory).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("directory %q: %w", s.config.Directory, db.ErrNotFound)
		}
		if err != nil {
			return 0, fmt.Errorf("failed to select directory: %w", err)
		}
		return id, nil
	})
}

// Search returns ranked directory podcasts for query. A search stored within
// the freshness window is served from the database. Otherwise the directory
// is called and every result is stored in its own savepoint, so one bad
// result does not lose the rest.
func (s *Searcher) Search(ctx context.Context, query string) (*SearchOutcome, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	logger := log.With().Str("query", query).Logger()

	dirID, err := s.directoryID(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	cachedID, err := s.freshSearch(ctx, dirID, query, now)
	if err != nil {
		return nil, err
	}
	if cachedID != 0 {
		podcasts, err := s.Ranked(ctx, cachedID)
		if err != nil {
			return nil, err
		}
		logger.Debug().Int64("search_id", cachedID).Msg("Serving fresh cached search")
		return &SearchOutcome{SearchID: cachedID, Cached: true, Podcasts: podcasts}, nil
	}

	results, err := s.client.Search(ctx, query)
	if err != nil {
		return nil, err
	}

	out := &SearchOutcome{}
	if len(results) > s.config.MaxRank {
		out.Dropped = len(results) - s.config.MaxRank
		results = results[:s.config.MaxRank]
	}

	err = db.Execute(ctx, s.db, func(tx *sql.Tx) error {
		out.Failed, out.Queued = 0, 0

		if err := tx.QueryRowContext(ctx, `
			INSERT INTO directory_search (directory_id, query, retrieved_at)
			VALUES ($1, $2, $3)
			RETURNING id
		`, dirID, query, now).Scan(&out.SearchID); err != nil {
			return fmt.Errorf("failed to insert directory search: %w", err)
		}

		for position, r := range results {
			queued := false
			err := db.Savepoint(ctx, tx, "directory_result", func() error {
				var err error
				queued, err = s.storeResult(ctx, tx, dirID, out.SearchID, position, r)
				return err
			})
			if err != nil {
				out.Failed++
				s.recordResultFailure(ctx, tx, dirID, r, err)
				continue
			}
			if queued {
				out.Queued++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if out.Podcasts, err = s.Ranked(ctx, out.SearchID); err != nil {
		return nil, err
	}

	logger.Info().
		Int64("search_id", out.SearchID).
		Int("results", len(out.Podcasts)).
		Int("failed", out.Failed).
		Int("dropped", out.Dropped).
		Int("queued", out.Queued).
		Msg("Stored directory search")
	return out, nil
}

func (s *Searcher) freshSearch(ctx context.Context, dirID int64, query string, now time.Time) (int64, error) {
	var (
		id          int64
		retrievedAt time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, retrieved_at FROM directory_search
		WHERE directory_id = $1 AND query = $2
		ORDER BY retrieved_at DESC
		LIMIT 1
	`, dirID, query).Scan(&id, &retrievedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to select directory search: %w", err)
	}
	if now.Sub(retrievedAt) >= s.config.Freshness {
		return 0, nil
	}
	return id, nil
}

func validateResult(r Result) error {
	switch {
	case r.VendorID == "":
		return errors.New("result has no vendor id")
	case r.Title == "":
		return fmt.Errorf("result %s has no title", r.VendorID)
	case r.FeedURL == nil:
		return fmt.Errorf("result %s has no feed URL", r.VendorID)
	}
	return nil
}

// storeResult upserts one result and links it to the search. A listing keeps
// its podcast once linked; otherwise it is linked to whatever podcast already
// owns the feed URL, and unlinked listings get a resolve job.
func (s *Searcher) storeResult(ctx context.Context, tx *sql.Tx, dirID, searchID int64, position int, r Result) (bool, error) {
	if err := validateResult(r); err != nil {
		return false, err
	}

	var (
		id        int64
		podcastID sql.NullInt64
	)
	err := tx.QueryRowContext(ctx, `
		WITH known AS (
			SELECT podcast_id FROM podcast_feed_location
			WHERE feed_url = $3
			ORDER BY last_retrieved_at DESC
			LIMIT 1
		)
		INSERT INTO directory_podcast (directory_id, vendor_id, feed_url, podcast_id, title, image_url)
		VALUES ($1, $2,
			CASE WHEN (SELECT podcast_id FROM known) IS NULL THEN $3::text END,
			(SELECT podcast_id FROM known), $4, $5)
		ON CONFLICT (directory_id, vendor_id) DO UPDATE
		SET title = EXCLUDED.title,
			image_url = EXCLUDED.image_url,
			podcast_id = COALESCE(directory_podcast.podcast_id, EXCLUDED.podcast_id),
			feed_url = CASE
				WHEN COALESCE(directory_podcast.podcast_id, EXCLUDED.podcast_id) IS NULL THEN $3::text
			END
		RETURNING id, podcast_id
	`, dirID, r.VendorID, *r.FeedURL, r.Title, r.ImageURL).Scan(&id, &podcastID)
	if err != nil {
		return false, fmt.Errorf("failed to upsert directory podcast %s: %w", r.VendorID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO directory_podcast_directory_search (directory_podcast_id, directory_search_id, position)
		VALUES ($1, $2, $3)
	`, id, searchID, position); err != nil {
		return false, fmt.Errorf("failed to link directory podcast %d at position %d: %w", id, position, err)
	}

	if podcastID.Valid {
		return false, nil
	}

	args := jobs.ResolveDirectoryPodcastArgs{DirectoryPodcastID: id}
	pending, err := s.queue.PendingWith(ctx, tx, jobs.KindResolveDirectoryPodcast, args)
	if err != nil {
		return false, err
	}
	if pending {
		return false, nil
	}
	if _, err := s.queue.Enqueue(ctx, tx, jobs.KindResolveDirectoryPodcast, args); err != nil {
		return false, fmt.Errorf("failed to enqueue resolve for directory podcast %d: %w", id, err)
	}
	return true, nil
}

// recordResultFailure runs after the result's savepoint was rolled back, so
// the row created inside it is gone; only a listing that existed before this
// search can carry the exception.
func (s *Searcher) recordResultFailure(ctx context.Context, tx *sql.Tx, dirID int64, r Result, cause error) {
	logger := log.With().Str("vendor_id", r.VendorID).Str("title", r.Title).Logger()
	logger.Warn().Err(cause).Msg("Skipping directory result")

	if r.VendorID == "" {
		return
	}

	var existing int64
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM directory_podcast WHERE directory_id = $1 AND vendor_id = $2
	`, dirID, r.VendorID).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return
	}
	if err == nil {
		err = upsertException(ctx, tx, existing, cause, s.now())
	}
	if err != nil {
		logger.Error().Err(err).Msg("Failed to record directory podcast exception")
	}
}

func upsertException(ctx context.Context, q db.Querier, directoryPodcastID int64, cause error, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO directory_podcast_exception (directory_podcast_id, errors, occurred_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (directory_podcast_id) DO UPDATE
		SET errors = EXCLUDED.errors, occurred_at = EXCLUDED.occurred_at
	`, directoryPodcastID, pq.Array(jobs.ErrorChain(cause)), now)
	if err != nil {
		return fmt.Errorf("failed to upsert directory podcast exception: %w", err)
	}
	return nil
}

// Ranked returns the podcasts of a stored search in position order.
func (s *Searcher) Ranked(ctx context.Context, searchID int64) ([]DirectoryPodcast, error) {
	podcasts := []DirectoryPodcast{}
	err := s.db.SelectContext(ctx, &podcasts, `
		SELECT dp.id, dp.directory_id, dp.vendor_id, dp.feed_url, dp.podcast_id, dp.title, dp.image_url, j.position
		FROM directory_podcast_directory_search j
		JOIN directory_podcast dp ON dp.id = j.directory_podcast_id
		WHERE j.directory_search_id = $1
		ORDER BY j.position
	`, searchID)
	if err != nil {
		return nil, fmt.Errorf("failed to select ranked directory podcasts: %w", err)
	}
	return podcasts, nil
}
