package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Harvey-AU/podcore/internal/db"
	"github.com/Harvey-AU/podcore/internal/feed"
	"github.com/Harvey-AU/podcore/internal/jobs"
	"github.com/Harvey-AU/podcore/internal/queue"
)

// DefaultReingestPageSize is the number of podcasts one reingest job covers.
const DefaultReingestPageSize = 100

// Enqueuer queues reingest continuations. *queue.Store satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, q db.Querier, name string, args any, opts ...queue.EnqueueOption) (int64, error)
}

// ReingestPage is the outcome of one page of a reingest pass.
type ReingestPage struct {
	Reingested int
	Skipped    int   // no stored content
	Invalid    int   // stored content that no longer parses
	Episodes   int
	NextID     int64 // cursor of the next page, zero once the pass is done
}

// Reingester reparses stored feed content without touching the network, so
// parser changes reach podcasts before their next crawl.
type Reingester struct {
	db       *sql.DB
	parser   Parser
	queue    Enqueuer
	pageSize int
}

// NewReingester creates a Reingester. A pageSize of zero takes the default.
func NewReingester(client *sql.DB, parser Parser, enq Enqueuer, pageSize int) *Reingester {
	if pageSize <= 0 {
		pageSize = DefaultReingestPageSize
	}
	return &Reingester{db: client, parser: parser, queue: enq, pageSize: pageSize}
}

type storedFeed struct {
	podcastID int64
	content   []byte
}

// Page reingests the newest stored content of up to pageSize podcasts with
// ids above afterID. Content that fails to decode or parse is logged and
// counted; database errors abort the page.
func (r *Reingester) Page(ctx context.Context, afterID int64) (*ReingestPage, error) {
	start := time.Now()

	stored, err := r.selectPage(ctx, afterID)
	if err != nil {
		return nil, err
	}

	page := &ReingestPage{}
	for _, s := range stored {
		if s.content == nil {
			page.Skipped++
			continue
		}
		n, err := r.reingest(ctx, s)
		if errors.Is(err, feed.ErrInvalidFeed) || errors.Is(err, errUnreadableContent) {
			log.Warn().Err(err).Int64("podcast_id", s.podcastID).Msg("Stored feed could not be reingested")
			page.Invalid++
			continue
		}
		if err != nil {
			return nil, err
		}
		page.Reingested++
		page.Episodes += n
	}
	if len(stored) == r.pageSize {
		page.NextID = stored[len(stored)-1].podcastID
	}

	log.Info().
		Int64("after_id", afterID).
		Int64("next_id", page.NextID).
		Int("reingested", page.Reingested).
		Int("skipped", page.Skipped).
		Int("invalid", page.Invalid).
		Dur("duration", time.Since(start)).
		Msg("Reingested podcasts")
	return page, nil
}

// Run reingests one page and queues the next one.
func (r *Reingester) Run(ctx context.Context, afterID int64) (*ReingestPage, error) {
	page, err := r.Page(ctx, afterID)
	if err != nil {
		return nil, err
	}
	if page.NextID != 0 {
		if _, err := r.queue.Enqueue(ctx, nil, jobs.KindReingestPodcasts, jobs.ReingestPodcastsArgs{AfterID: page.NextID}); err != nil {
			return nil, fmt.Errorf("failed to enqueue reingest continuation: %w", err)
		}
	}
	return page, nil
}

func (r *Reingester) selectPage(ctx context.Context, afterID int64) ([]storedFeed, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT p.id, (
			SELECT c.content_gzip FROM podcast_feed_content c
			WHERE c.podcast_id = p.id
			ORDER BY c.retrieved_at DESC, c.id DESC
			LIMIT 1
		)
		FROM podcast p
		WHERE p.id > $1
		ORDER BY p.id
		LIMIT $2
	`, afterID, r.pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to select podcasts to reingest: %w", err)
	}
	defer rows.Close()

	var stored []storedFeed
	for rows.Next() {
		var s storedFeed
		if err := rows.Scan(&s.podcastID, &s.content); err != nil {
			return nil, fmt.Errorf("failed to scan stored feed: %w", err)
		}
		stored = append(stored, s)
	}
	return stored, rows.Err()
}

var errUnreadableContent = errors.New("unreadable stored content")

func (r *Reingester) reingest(ctx context.Context, s storedFeed) (int, error) {
	body, err := gunzipBytes(s.content)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errUnreadableContent, err)
	}
	parsed, err := r.parser.Parse(body)
	if err != nil {
		return 0, err
	}

	err = db.Execute(ctx, r.db, func(tx *sql.Tx) error {
		if err := updatePodcast(ctx, tx, s.podcastID, parsed, sql.NullTime{}); err != nil {
			return err
		}
		return upsertEpisodes(ctx, tx, s.podcastID, parsed.Episodes)
	})
	if err != nil {
		return 0, err
	}
	return len(parsed.Episodes), nil
}
