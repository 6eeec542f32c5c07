//go:build integration

package cleaner_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Harvey-AU/podcore/internal/cleaner"
	"github.com/Harvey-AU/podcore/internal/jobs"
	"github.com/Harvey-AU/podcore/internal/queue"
	"github.com/Harvey-AU/podcore/internal/testutil"
)

func TestAccounts_RemovesStaleEphemeralAccountsAndDependents(t *testing.T) {
	pg := testutil.OpenTestDB(t)
	ctx := context.Background()
	client := pg.GetDB()
	now := time.Now().UTC()

	var stale, fresh, persistent, podcastID, episodeID, apID int64
	insertAccount := func(dst *int64, seen time.Time) {
		require.NoError(t, client.QueryRowContext(ctx, `
			INSERT INTO account (ephemeral, last_ip, last_seen_at) VALUES (TRUE, '1.2.3.4', $1) RETURNING id
		`, seen).Scan(dst))
	}
	insertAccount(&stale, now.Add(-45*24*time.Hour))
	insertAccount(&fresh, now.Add(-time.Hour))
	require.NoError(t, client.QueryRowContext(ctx, `
		INSERT INTO account (email, password_hash, ephemeral, last_ip, last_seen_at)
		VALUES ('a@example.com', 'x', FALSE, '1.2.3.4', $1) RETURNING id
	`, now.Add(-90*24*time.Hour)).Scan(&persistent))

	require.NoError(t, client.QueryRowContext(ctx, `INSERT INTO podcast (title) VALUES ('p') RETURNING id`).Scan(&podcastID))
	require.NoError(t, client.QueryRowContext(ctx, `
		INSERT INTO episode (podcast_id, guid, title, media_url, published_at)
		VALUES ($1, 'g', 't', 'https://media.example.com/1.mp3', NOW()) RETURNING id
	`, podcastID).Scan(&episodeID))
	require.NoError(t, client.QueryRowContext(ctx, `
		INSERT INTO account_podcast (account_id, podcast_id) VALUES ($1, $2) RETURNING id
	`, stale, podcastID).Scan(&apID))
	_, err := client.ExecContext(ctx, `INSERT INTO account_podcast_episode (account_podcast_id, episode_id) VALUES ($1, $2)`, apID, episodeID)
	require.NoError(t, err)
	_, err = client.ExecContext(ctx, `INSERT INTO key (account_id, secret) VALUES ($1, 'k1'), ($2, 'k2')`, stale, fresh)
	require.NoError(t, err)

	store := queue.NewStore(client)
	c := cleaner.New(client, store, cleaner.Config{BatchLimit: 1})
	res, err := c.Accounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Deleted)
	assert.Equal(t, int64(3), res.Related)
	assert.True(t, res.FollowUp)

	pending, err := store.CountPending(ctx, jobs.KindCleanAccounts)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	// The follow-up run finds nothing left and queues nothing more.
	res, err = c.Accounts(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Deleted)
	assert.False(t, res.FollowUp)

	var remaining []int64
	rows, err := client.QueryContext(ctx, `SELECT id FROM account ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var id int64
		require.NoError(t, rows.Scan(&id))
		remaining = append(remaining, id)
	}
	assert.Equal(t, []int64{fresh, persistent}, remaining)

	var keys int
	require.NoError(t, client.QueryRowContext(ctx, `SELECT count(*) FROM key`).Scan(&keys))
	assert.Equal(t, 1, keys)
}
