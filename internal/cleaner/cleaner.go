// Package cleaner deletes stale rows in bounded batches.
package cleaner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/Harvey-AU/podcore/internal/db"
	"github.com/Harvey-AU/podcore/internal/jobs"
	"github.com/Harvey-AU/podcore/internal/queue"
)

// Enqueuer queues the follow-up run of a cleaner that filled its batch.
// *queue.Store satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, q db.Querier, name string, args any, opts ...queue.EnqueueOption) (int64, error)
}

// Config holds retention settings.
type Config struct {
	AccountRetention         time.Duration
	DirectorySearchRetention time.Duration
	KeyRetention             time.Duration
	FeedContentsKeep         int // contents kept per podcast
	BatchLimit               int // ids deleted per run
}

// DefaultConfig returns the retention defaults.
func DefaultConfig() Config {
	return Config{
		AccountRetention:         30 * 24 * time.Hour,
		DirectorySearchRetention: 7 * 24 * time.Hour,
		KeyRetention:             7 * 24 * time.Hour,
		FeedContentsKeep:         10,
		BatchLimit:               1000,
	}
}

// Result reports what one cleaner run removed. Deleted counts the target
// rows; Related counts dependent rows removed before them. FollowUp is set
// when the batch was full and another run of the same job was queued.
type Result struct {
	Name     string `json:"name"`
	Deleted  int64  `json:"deleted"`
	Related  int64  `json:"related"`
	FollowUp bool   `json:"follow_up"`
}

// Cleaner runs the retention deletes.
type Cleaner struct {
	db     db.TxBeginner
	queue  Enqueuer
	config Config
	now    func() time.Time
}

// New creates a Cleaner. Zero config fields take defaults. A nil enq leaves
// the rest of a full batch to the next scheduled run.
func New(client db.TxBeginner, enq Enqueuer, config Config) *Cleaner {
	d := DefaultConfig()
	if config.AccountRetention <= 0 {
		config.AccountRetention = d.AccountRetention
	}
	if config.DirectorySearchRetention <= 0 {
		config.DirectorySearchRetention = d.DirectorySearchRetention
	}
	if config.KeyRetention <= 0 {
		config.KeyRetention = d.KeyRetention
	}
	if config.FeedContentsKeep <= 0 {
		config.FeedContentsKeep = d.FeedContentsKeep
	}
	if config.BatchLimit <= 0 {
		config.BatchLimit = d.BatchLimit
	}
	return &Cleaner{db: client, queue: enq, config: config, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock replaces the time source. Used by tests.
func (c *Cleaner) WithClock(now func() time.Time) *Cleaner {
	c.now = now
	return c
}

// plan selects a batch of ids and deletes them. Deletes run in order, the
// last one removing the target rows; each takes the ids as $1.
type plan struct {
	name      string
	selectSQL string
	args      []any
	deletes   []string
}

// Accounts removes ephemeral accounts not seen within the retention window,
// along with their subscriptions, keys and verification codes.
func (c *Cleaner) Accounts(ctx context.Context) (Result, error) {
	return c.run(ctx, plan{
		name: jobs.KindCleanAccounts,
		selectSQL: `
			SELECT id FROM account
			WHERE ephemeral AND email IS NULL AND last_seen_at < $1
			ORDER BY id
			LIMIT $2
			FOR UPDATE SKIP LOCKED`,
		args: []any{c.now().Add(-c.config.AccountRetention)},
		deletes: []string{
			`DELETE FROM account_podcast_episode WHERE account_podcast_id IN (
				SELECT id FROM account_podcast WHERE account_id = ANY($1))`,
			`DELETE FROM account_podcast WHERE account_id = ANY($1)`,
			`DELETE FROM key WHERE account_id = ANY($1)`,
			`DELETE FROM verification_code WHERE account_id = ANY($1)`,
			`DELETE FROM account WHERE id = ANY($1)`,
		},
	})
}

// FeedContents keeps the newest FeedContentsKeep contents of each podcast.
func (c *Cleaner) FeedContents(ctx context.Context) (Result, error) {
	return c.run(ctx, plan{
		name: jobs.KindCleanFeedContents,
		selectSQL: `
			SELECT id FROM (
				SELECT id, row_number() OVER (PARTITION BY podcast_id ORDER BY retrieved_at DESC, id DESC) AS rank
				FROM podcast_feed_content
			) ranked
			WHERE rank > $1
			ORDER BY id
			LIMIT $2`,
		args:    []any{c.config.FeedContentsKeep},
		deletes: []string{`DELETE FROM podcast_feed_content WHERE id = ANY($1)`},
	})
}

// DirectorySearches removes searches older than the retention window.
func (c *Cleaner) DirectorySearches(ctx context.Context) (Result, error) {
	return c.run(ctx, plan{
		name: jobs.KindCleanDirectorySearches,
		selectSQL: `
			SELECT id FROM directory_search
			WHERE retrieved_at < $1
			ORDER BY id
			LIMIT $2
			FOR UPDATE SKIP LOCKED`,
		args: []any{c.now().Add(-c.config.DirectorySearchRetention)},
		deletes: []string{
			`DELETE FROM directory_podcast_directory_search WHERE directory_search_id = ANY($1)`,
			`DELETE FROM directory_search WHERE id = ANY($1)`,
		},
	})
}

// Keys removes keys that expired before the retention window.
func (c *Cleaner) Keys(ctx context.Context) (Result, error) {
	return c.run(ctx, plan{
		name: jobs.KindCleanKeys,
		selectSQL: `
			SELECT id FROM key
			WHERE expire_at < $1
			ORDER BY id
			LIMIT $2
			FOR UPDATE SKIP LOCKED`,
		args:    []any{c.now().Add(-c.config.KeyRetention)},
		deletes: []string{`DELETE FROM key WHERE id = ANY($1)`},
	})
}

// DirectoryPodcasts removes unlinked listings that no search, exception or
// pending resolve job refers to.
func (c *Cleaner) DirectoryPodcasts(ctx context.Context) (Result, error) {
	return c.run(ctx, plan{
		name: jobs.KindCleanDirectoryPodcasts,
		selectSQL: `
			SELECT dp.id FROM directory_podcast dp
			WHERE dp.podcast_id IS NULL
			AND NOT EXISTS (
				SELECT 1 FROM directory_podcast_directory_search j WHERE j.directory_podcast_id = dp.id)
			AND NOT EXISTS (
				SELECT 1 FROM directory_podcast_exception e WHERE e.directory_podcast_id = dp.id)
			AND NOT EXISTS (
				SELECT 1 FROM job
				WHERE live AND name = $1
				AND args @> jsonb_build_object('directory_podcast_id', dp.id))
			ORDER BY dp.id
			LIMIT $2
			FOR UPDATE OF dp SKIP LOCKED`,
		args:    []any{jobs.KindResolveDirectoryPodcast},
		deletes: []string{`DELETE FROM directory_podcast WHERE id = ANY($1)`},
	})
}

// All runs every cleaner once. A failing cleaner does not stop the others.
func (c *Cleaner) All(ctx context.Context) ([]Result, error) {
	steps := []func(context.Context) (Result, error){
		c.Accounts,
		c.DirectoryPodcasts,
		c.DirectorySearches,
		c.FeedContents,
		c.Keys,
	}

	var (
		results []Result
		errs    []error
	)
	for _, step := range steps {
		res, err := step(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// run deletes at most one batch in one transaction. A full batch queues a
// follow-up job of the same name in that transaction, so each run's cost is
// bounded by BatchLimit and the backlog drains through the queue.
func (c *Cleaner) run(ctx context.Context, p plan) (Result, error) {
	start := time.Now()
	res := Result{Name: p.name}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	err := db.Execute(ctx, c.db, func(tx *sql.Tx) error {
		res.Deleted, res.Related, res.FollowUp = 0, 0, false

		ids, err := selectIDs(ctx, tx, p.selectSQL, append(append([]any{}, p.args...), c.config.BatchLimit)...)
		if err != nil {
			return fmt.Errorf("%s: failed to select batch: %w", p.name, err)
		}
		if len(ids) == 0 {
			return nil
		}

		for i, stmt := range p.deletes {
			out, err := tx.ExecContext(ctx, stmt, pq.Array(ids))
			if err != nil {
				return fmt.Errorf("%s: failed to delete: %w", p.name, err)
			}
			if i == len(p.deletes)-1 {
				res.Deleted = db.RowsAffected(out)
			} else {
				res.Related += db.RowsAffected(out)
			}
		}

		if len(ids) >= c.config.BatchLimit && c.queue != nil {
			if _, err := c.queue.Enqueue(ctx, tx, p.name, jobs.NoArgs{}); err != nil {
				return fmt.Errorf("%s: failed to queue follow-up: %w", p.name, err)
			}
			res.FollowUp = true
		}
		return nil
	})
	if err != nil {
		return Result{Name: p.name}, err
	}

	log.Info().
		Str("cleaner", p.name).
		Int64("deleted", res.Deleted).
		Int64("related", res.Related).
		Bool("follow_up", res.FollowUp).
		Dur("duration", time.Since(start)).
		Msg("Cleaner finished")
	return res, nil
}

func selectIDs(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Register binds the five clean_* jobs.
func Register(r *jobs.Registry, c *Cleaner) {
	bind := func(name string, fn func(context.Context) (Result, error)) {
		jobs.Register(r, name, func(ctx context.Context, _ jobs.NoArgs) error {
			_, err := fn(ctx)
			return err
		})
	}
	bind(jobs.KindCleanAccounts, c.Accounts)
	bind(jobs.KindCleanFeedContents, c.FeedContents)
	bind(jobs.KindCleanDirectorySearches, c.DirectorySearches)
	bind(jobs.KindCleanKeys, c.Keys)
	bind(jobs.KindCleanDirectoryPodcasts, c.DirectoryPodcasts)
}
