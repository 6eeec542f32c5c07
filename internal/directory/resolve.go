package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/Harvey-AU/podcore/internal/db"
	"github.com/Harvey-AU/podcore/internal/ingest"
	"github.com/Harvey-AU/podcore/internal/jobs"
)

// Ingester runs a feed ingest. *ingest.Ingester satisfies it.
type Ingester interface {
	Ingest(ctx context.Context, podcastID int64, feedURL string) (*ingest.Result, error)
}

// Resolver links directory listings to podcasts by ingesting their feeds.
type Resolver struct {
	searcher *Searcher
	ingester Ingester
}

// NewResolver creates a Resolver sharing the searcher's database and clock.
func NewResolver(s *Searcher, ing Ingester) *Resolver {
	return &Resolver{searcher: s, ingester: ing}
}

// Resolve ingests the listing's feed and links the listing to the resulting
// podcast. A listing that is already linked is left untouched. It returns
// the linked podcast id.
func (r *Resolver) Resolve(ctx context.Context, directoryPodcastID int64) (int64, error) {
	client := r.searcher.db
	logger := log.With().Int64("directory_podcast_id", directoryPodcastID).Logger()

	var (
		podcastID sql.NullInt64
		feedURL   sql.NullString
	)
	err := client.QueryRowContext(ctx, `
		SELECT podcast_id, feed_url FROM directory_podcast WHERE id = $1
	`, directoryPodcastID).Scan(&podcastID, &feedURL)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("directory podcast %d: %w", directoryPodcastID, db.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to select directory podcast: %w", err)
	}

	if podcastID.Valid {
		logger.Debug().Int64("podcast_id", podcastID.Int64).Msg("Directory podcast already resolved")
		return podcastID.Int64, nil
	}
	if !feedURL.Valid || feedURL.String == "" {
		return 0, jobs.Permanentf("directory podcast %d has no feed URL", directoryPodcastID)
	}

	res, err := r.ingester.Ingest(ctx, 0, feedURL.String)
	if err != nil {
		if exErr := upsertException(context.WithoutCancel(ctx), client, directoryPodcastID, err, r.searcher.now()); exErr != nil {
			logger.Error().Err(exErr).Msg("Failed to record directory podcast exception")
		}
		return 0, err
	}

	err = db.Execute(ctx, client, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE directory_podcast SET podcast_id = $2, feed_url = NULL
			WHERE id = $1 AND podcast_id IS NULL
		`, directoryPodcastID, res.PodcastID); err != nil {
			return fmt.Errorf("failed to link directory podcast: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM directory_podcast_exception WHERE directory_podcast_id = $1
		`, directoryPodcastID); err != nil {
			return fmt.Errorf("failed to delete directory podcast exception: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	logger.Info().Int64("podcast_id", res.PodcastID).Msg("Resolved directory podcast")
	return res.PodcastID, nil
}

// Register binds directory_search and resolve_directory_podcast.
func Register(r *jobs.Registry, s *Searcher, res *Resolver) {
	jobs.Register(r, jobs.KindDirectorySearch, func(ctx context.Context, args jobs.DirectorySearchArgs) error {
		_, err := s.Search(ctx, args.Query)
		if errors.Is(err, ErrEmptyQuery) {
			return jobs.Permanent(err)
		}
		return err
	})

	jobs.Register(r, jobs.KindResolveDirectoryPodcast, func(ctx context.Context, args jobs.ResolveDirectoryPodcastArgs) error {
		_, err := res.Resolve(ctx, args.DirectoryPodcastID)
		if errors.Is(err, db.ErrNotFound) {
			return jobs.Permanent(err)
		}
		return err
	})
}
