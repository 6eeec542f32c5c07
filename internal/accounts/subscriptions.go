package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Harvey-AU/podcore/internal/db"
)

// Subscribe subscribes or unsubscribes accountID from podcastID.
// Unsubscribing from a podcast never subscribed to is a no-op.
func (s *Service) Subscribe(ctx context.Context, accountID, podcastID int64, subscribed bool) error {
	now := s.now()

	if subscribed {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO account_podcast (account_id, podcast_id, subscribed_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (account_id, podcast_id)
			DO UPDATE SET subscribed_at = EXCLUDED.subscribed_at, unsubscribed_at = NULL
		`, accountID, podcastID, now)
		if err != nil {
			return fmt.Errorf("failed to subscribe account %d to podcast %d: %w", accountID, podcastID, err)
		}
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE account_podcast SET unsubscribed_at = $3
		WHERE account_id = $1 AND podcast_id = $2
	`, accountID, podcastID, now)
	if err != nil {
		return fmt.Errorf("failed to unsubscribe account %d from podcast %d: %w", accountID, podcastID, err)
	}
	return nil
}

// Progress is one playback update for an episode.
type Progress struct {
	ListenedSeconds *int64
	Played          bool
	Favorited       bool
}

// RecordProgress upserts the account's state for episodeID, creating the
// account_podcast link without subscribing when it does not exist yet.
func (s *Service) RecordProgress(ctx context.Context, accountID, episodeID int64, p Progress) (int64, error) {
	var id int64
	err := db.Execute(ctx, s.db, func(tx *sql.Tx) error {
		var podcastID int64
		err := tx.QueryRowContext(ctx, `SELECT podcast_id FROM episode WHERE id = $1`, episodeID).Scan(&podcastID)
		if errors.Is(err, sql.ErrNoRows) {
			return db.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load episode %d: %w", episodeID, err)
		}

		accountPodcastID, err := linkPodcast(ctx, tx, accountID, podcastID)
		if err != nil {
			return err
		}

		err = tx.QueryRowContext(ctx, `
			INSERT INTO account_podcast_episode (account_podcast_id, episode_id, listened_seconds, played, favorited, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (account_podcast_id, episode_id) DO UPDATE SET
				listened_seconds = EXCLUDED.listened_seconds,
				played = EXCLUDED.played,
				favorited = EXCLUDED.favorited,
				updated_at = EXCLUDED.updated_at
			RETURNING id
		`, accountPodcastID, episodeID, p.ListenedSeconds, p.Played, p.Favorited, s.now()).Scan(&id)
		if err != nil {
			return fmt.Errorf("failed to upsert episode progress: %w", err)
		}
		return nil
	})
	return id, err
}

// linkPodcast returns the account_podcast id, inserting an unsubscribed row
// when missing. ON CONFLICT DO NOTHING returns no row on conflict, so the
// existing one is selected after.
func linkPodcast(ctx context.Context, tx *sql.Tx, accountID, podcastID int64) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO account_podcast (account_id, podcast_id)
		VALUES ($1, $2)
		ON CONFLICT (account_id, podcast_id) DO NOTHING
		RETURNING id
	`, accountID, podcastID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to link account podcast: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		SELECT id FROM account_podcast WHERE account_id = $1 AND podcast_id = $2
	`, accountID, podcastID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to select account podcast: %w", err)
	}
	return id, nil
}
