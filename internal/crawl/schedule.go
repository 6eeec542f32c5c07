package crawl

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/Harvey-AU/podcore/internal/db"
	"github.com/Harvey-AU/podcore/internal/jobs"
	"github.com/Harvey-AU/podcore/internal/queue"
)

// Enqueuer is the part of the job store the planner uses. *queue.Store
// satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, q db.Querier, name string, args any, opts ...queue.EnqueueOption) (int64, error)
	PendingWith(ctx context.Context, q db.Querier, name string, args any) (bool, error)
}

// Plan is the outcome of one scheduling pass.
type Plan struct {
	Enqueued      int
	AlreadyQueued int
	NextID        int64 // cursor of the queued continuation, zero when none
}

// Planner turns selector output into crawl jobs.
type Planner struct {
	db       db.TxBeginner
	selector *Selector
	queue    Enqueuer
}

// NewPlanner creates a Planner.
func NewPlanner(client db.TxBeginner, selector *Selector, enq Enqueuer) *Planner {
	return &Planner{db: client, selector: selector, queue: enq}
}

// Schedule queues a crawl_podcast job for every due podcast after afterID,
// skipping podcasts whose crawl is already pending. When more podcasts remain
// a schedule_crawls continuation is queued in the same transaction.
func (p *Planner) Schedule(ctx context.Context, afterID int64) (*Plan, error) {
	candidates, next, err := p.selector.Select(ctx, afterID)
	if err != nil {
		return nil, err
	}

	plan := &Plan{NextID: next}
	err = db.Execute(ctx, p.db, func(tx *sql.Tx) error {
		plan.Enqueued, plan.AlreadyQueued = 0, 0

		for _, c := range candidates {
			pending, err := p.queue.PendingWith(ctx, tx, jobs.KindCrawlPodcast, map[string]int64{"podcast_id": c.PodcastID})
			if err != nil {
				return err
			}
			if pending {
				plan.AlreadyQueued++
				continue
			}
			args := jobs.CrawlPodcastArgs{PodcastID: c.PodcastID, FeedURL: c.FeedURL}
			if _, err := p.queue.Enqueue(ctx, tx, jobs.KindCrawlPodcast, args); err != nil {
				return fmt.Errorf("failed to enqueue crawl for podcast %d: %w", c.PodcastID, err)
			}
			plan.Enqueued++
		}

		if next != 0 {
			if _, err := p.queue.Enqueue(ctx, tx, jobs.KindScheduleCrawls, jobs.ScheduleCrawlsArgs{AfterID: next}); err != nil {
				return fmt.Errorf("failed to enqueue crawl continuation: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Int64("after_id", afterID).
		Int64("next_id", next).
		Int("enqueued", plan.Enqueued).
		Int("already_queued", plan.AlreadyQueued).
		Msg("Scheduled crawls")
	return plan, nil
}

// Register binds schedule_crawls.
func Register(r *jobs.Registry, p *Planner) {
	jobs.Register(r, jobs.KindScheduleCrawls, func(ctx context.Context, args jobs.ScheduleCrawlsArgs) error {
		if args.AfterID < 0 {
			return jobs.Permanentf("after_id must not be negative, got %d", args.AfterID)
		}
		_, err := p.Schedule(ctx, args.AfterID)
		return err
	})
}
