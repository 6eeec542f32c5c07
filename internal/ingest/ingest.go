// Package ingest fetches podcast feeds and stores their contents.
package ingest

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/Harvey-AU/podcore/internal/db"
	"github.com/Harvey-AU/podcore/internal/feed"
	"github.com/Harvey-AU/podcore/internal/fetch"
	"github.com/Harvey-AU/podcore/internal/jobs"
	"github.com/Harvey-AU/podcore/internal/util"
)

// Fetcher retrieves a URL. *fetch.Fetcher satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*fetch.Response, error)
}

// Parser decodes a feed document. *feed.Parser satisfies it.
type Parser interface {
	Parse(body []byte) (*feed.Podcast, error)
}

// Result describes a successful ingest.
type Result struct {
	PodcastID int64
	FeedURL   string // URL the content was finally served from
	Created   bool   // a new podcast row was inserted
	Unchanged bool   // content matched a stored hash, so episodes were not touched
	Episodes  int
}

// Ingester runs the fetch, parse and store pipeline for one feed at a time.
type Ingester struct {
	db      *sql.DB
	fetcher Fetcher
	parser  Parser
	now     func() time.Time
}

// New creates an Ingester.
func New(client *sql.DB, fetcher Fetcher, parser Parser) *Ingester {
	return &Ingester{
		db:      client,
		fetcher: fetcher,
		parser:  parser,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. Used by tests.
func (i *Ingester) WithClock(now func() time.Time) *Ingester {
	i.now = now
	return i
}

// StatusError is returned when a feed URL answers with a non-2xx status.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	if e.StatusCode == http.StatusNotFound {
		return fmt.Sprintf("feed not found at %s (404)", e.URL)
	}
	return fmt.Sprintf("unexpected status %d fetching %s", e.StatusCode, e.URL)
}

// Ingest refreshes a podcast from feedURL. podcastID may be zero, in which
// case the podcast is found through an existing feed location or created.
//
// On failure the podcast's last_retrieved_at is still advanced and the error
// is recorded as its exception, so the crawler backs off instead of retrying
// a broken feed on every pass.
func (i *Ingester) Ingest(ctx context.Context, podcastID int64, feedURL string) (*Result, error) {
	return i.ingest(ctx, podcastID, feedURL, nil)
}

func (i *Ingester) ingest(ctx context.Context, podcastID int64, feedURL string, prefetched *fetch.Response) (*Result, error) {
	start := time.Now()
	logger := log.With().Int64("podcast_id", podcastID).Str("url", feedURL).Logger()

	res, err := i.run(ctx, podcastID, feedURL, prefetched)
	if err != nil {
		logger.Warn().Err(err).Msg("Feed ingest failed")
		i.recordFailure(ctx, podcastID, feedURL, err)
		return nil, err
	}

	logger.Info().
		Int64("podcast_id", res.PodcastID).
		Str("final_url", res.FeedURL).
		Bool("created", res.Created).
		Bool("unchanged", res.Unchanged).
		Int("episodes", res.Episodes).
		Dur("duration", time.Since(start)).
		Msg("Feed ingested")
	return res, nil
}

func (i *Ingester) run(ctx context.Context, podcastID int64, feedURL string, resp *fetch.Response) (*Result, error) {
	known, err := findPodcast(ctx, i.db, podcastID, feedURL)
	if err != nil {
		return nil, err
	}

	if resp == nil {
		target := feedURL
		if known != 0 {
			if target, err = latestLocation(ctx, i.db, known, feedURL); err != nil {
				return nil, err
			}
		}
		if resp, err = i.fetcher.Fetch(ctx, target); err != nil {
			return nil, err
		}
	}
	if !resp.OK() {
		return nil, &StatusError{URL: resp.FinalURL, StatusCode: resp.StatusCode}
	}
	if util.IsSignificantRedirect(feedURL, resp.FinalURL) {
		log.Info().
			Int64("podcast_id", known).
			Str("url", feedURL).
			Str("final_url", resp.FinalURL).
			Msg("Feed moved, recording new location")
	}

	hash := contentHash(resp.Body)
	parsed, err := i.parser.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed %s: %w", resp.FinalURL, err)
	}
	compressed, err := gzipBytes(resp.Body)
	if err != nil {
		return nil, err
	}

	now := i.now()
	res := &Result{FeedURL: resp.FinalURL}

	err = db.Execute(ctx, i.db, func(tx *sql.Tx) error {
		id := known
		if id == 0 {
			// Serialise discovery of this URL so two jobs cannot both create it.
			if err := lockFeedURL(ctx, tx, resp.FinalURL); err != nil {
				return err
			}
			// The redirect target may already belong to a podcast.
			if id, err = findPodcast(ctx, tx, 0, resp.FinalURL); err != nil {
				return err
			}
		}
		if id == 0 {
			if id, err = insertPodcast(ctx, tx, parsed, now); err != nil {
				return err
			}
			res.Created = true
		}
		res.PodcastID = id

		if err := upsertLocation(ctx, tx, id, resp.FinalURL, now); err != nil {
			return err
		}
		if parsed.NewFeedURL != "" && parsed.NewFeedURL != resp.FinalURL {
			// Stamped just after the fetched URL so the next crawl prefers it.
			if err := upsertLocation(ctx, tx, id, parsed.NewFeedURL, now.Add(time.Microsecond)); err != nil {
				return err
			}
		}

		inserted, err := insertContent(ctx, tx, id, hash, compressed, now)
		if err != nil {
			return err
		}
		if !inserted {
			res.Unchanged = true
			return touchPodcast(ctx, tx, id, now)
		}

		if !res.Created {
			if err := updatePodcast(ctx, tx, id, parsed, sql.NullTime{Time: now, Valid: true}); err != nil {
				return err
			}
		}
		if err := upsertEpisodes(ctx, tx, id, parsed.Episodes); err != nil {
			return err
		}
		res.Episodes = len(parsed.Episodes)

		return deleteException(ctx, tx, id)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// recordFailure runs in its own transaction after the main one rolled back.
// Problems here are logged and reported but never replace the original error.
func (i *Ingester) recordFailure(ctx context.Context, podcastID int64, feedURL string, cause error) {
	ctx = context.WithoutCancel(ctx)
	now := i.now()

	err := db.Execute(ctx, i.db, func(tx *sql.Tx) error {
		id, err := findPodcast(ctx, tx, podcastID, feedURL)
		if err != nil || id == 0 {
			return err
		}
		if err := touchPodcast(ctx, tx, id, now); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO podcast_exception (podcast_id, errors, occurred_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (podcast_id) DO UPDATE
			SET errors = EXCLUDED.errors, occurred_at = EXCLUDED.occurred_at
		`, id, pq.Array(jobs.ErrorChain(cause)), now)
		if err != nil {
			return fmt.Errorf("failed to upsert podcast exception: %w", err)
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("url", feedURL).Msg("Failed to record feed failure")
		sentry.CaptureException(err)
	}
}

// findPodcast returns podcastID when set, otherwise the podcast owning any of
// urls, or zero when none does.
func findPodcast(ctx context.Context, q db.Querier, podcastID int64, urls ...string) (int64, error) {
	if podcastID != 0 {
		return podcastID, nil
	}
	var id int64
	err := q.QueryRowContext(ctx, `
		SELECT podcast_id FROM podcast_feed_location
		WHERE feed_url = ANY($1)
		ORDER BY last_retrieved_at DESC
		LIMIT 1
	`, pq.Array(urls)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up podcast by feed URL: %w", err)
	}
	return id, nil
}

// latestLocation returns the most recently retrieved URL for the podcast,
// falling back to the URL we were given.
func latestLocation(ctx context.Context, q db.Querier, podcastID int64, fallback string) (string, error) {
	var url string
	err := q.QueryRowContext(ctx, `
		SELECT feed_url FROM podcast_feed_location
		WHERE podcast_id = $1
		ORDER BY last_retrieved_at DESC, id DESC
		LIMIT 1
	`, podcastID).Scan(&url)
	if errors.Is(err, sql.ErrNoRows) {
		return fallback, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to select latest feed URL: %w", err)
	}
	if url != fallback {
		log.Debug().Int64("podcast_id", podcastID).Str("url", url).Msg("Using newer feed location")
	}
	return url, nil
}

func insertPodcast(ctx context.Context, tx *sql.Tx, p *feed.Podcast, now time.Time) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO podcast (title, link_url, image_url, language, description, last_retrieved_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, p.Title, nullString(p.Link), nullString(p.ImageURL), nullString(p.Language), nullString(p.Description), now).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert podcast: %w", err)
	}
	return id, nil
}

// lockFeedURL holds a transaction-scoped advisory lock keyed on url.
func lockFeedURL(ctx context.Context, tx *sql.Tx, url string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, url); err != nil {
		return fmt.Errorf("failed to lock feed URL: %w", err)
	}
	return nil
}

// updatePodcast rewrites the channel attributes. A null retrievedAt leaves
// last_retrieved_at alone.
func updatePodcast(ctx context.Context, tx *sql.Tx, id int64, p *feed.Podcast, retrievedAt sql.NullTime) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE podcast
		SET title = $2, link_url = $3, image_url = $4, language = $5, description = $6,
			last_retrieved_at = COALESCE($7, last_retrieved_at)
		WHERE id = $1
	`, id, p.Title, nullString(p.Link), nullString(p.ImageURL), nullString(p.Language), nullString(p.Description), retrievedAt)
	if err != nil {
		return fmt.Errorf("failed to update podcast: %w", err)
	}
	if db.RowsAffected(res) == 0 {
		return fmt.Errorf("podcast %d: %w", id, db.ErrNotFound)
	}
	return nil
}

func touchPodcast(ctx context.Context, q db.Querier, id int64, now time.Time) error {
	if _, err := q.ExecContext(ctx, `UPDATE podcast SET last_retrieved_at = $2 WHERE id = $1`, id, now); err != nil {
		return fmt.Errorf("failed to update podcast last_retrieved_at: %w", err)
	}
	return nil
}

// upsertLocation never rewrites history: an existing row only has its
// last_retrieved_at moved forward.
func upsertLocation(ctx context.Context, q db.Querier, podcastID int64, url string, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO podcast_feed_location (podcast_id, feed_url, first_retrieved_at, last_retrieved_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (podcast_id, feed_url) DO UPDATE
		SET last_retrieved_at = GREATEST(podcast_feed_location.last_retrieved_at, EXCLUDED.last_retrieved_at)
	`, podcastID, url, at)
	if err != nil {
		return fmt.Errorf("failed to upsert feed location: %w", err)
	}
	return nil
}

// insertContent stores the compressed body and reports whether it was new.
func insertContent(ctx context.Context, tx *sql.Tx, podcastID int64, hash string, content []byte, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO podcast_feed_content (podcast_id, retrieved_at, sha256_hash, content_gzip)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (podcast_id, sha256_hash) DO NOTHING
	`, podcastID, now, hash, content)
	if err != nil {
		return false, fmt.Errorf("failed to insert feed content: %w", err)
	}
	return db.RowsAffected(res) > 0, nil
}

func upsertEpisodes(ctx context.Context, tx *sql.Tx, podcastID int64, episodes []feed.Episode) error {
	for _, ep := range episodes {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO episode (podcast_id, guid, title, description, explicit, link_url, media_type, media_url, published_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (podcast_id, guid) DO UPDATE
			SET title = EXCLUDED.title,
				description = EXCLUDED.description,
				explicit = EXCLUDED.explicit,
				link_url = EXCLUDED.link_url,
				media_type = EXCLUDED.media_type,
				media_url = EXCLUDED.media_url,
				published_at = EXCLUDED.published_at
		`, podcastID, ep.GUID, ep.Title, nullString(ep.Description), ep.Explicit,
			nullString(ep.Link), nullString(ep.MediaType), ep.MediaURL, ep.PublishedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert episode %q: %w", ep.GUID, err)
		}
	}
	return nil
}

func deleteException(ctx context.Context, tx *sql.Tx, podcastID int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM podcast_exception WHERE podcast_id = $1`, podcastID); err != nil {
		return fmt.Errorf("failed to delete podcast exception: %w", err)
	}
	return nil
}

func gunzipBytes(compressed []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress feed: %w", err)
	}
	defer zr.Close()
	body, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress feed: %w", err)
	}
	return body, nil
}

func contentHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func gzipBytes(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("failed to compress feed: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress feed: %w", err)
	}
	return buf.Bytes(), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
