package queue

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Claim is a batch of jobs locked by one executor. The row locks last until
// Commit or Rollback. If the process dies first, the connection drops, the
// locks are released and the jobs become claimable again with try_at
// unchanged.
//
// The claim keeps its pooled connection while the handlers for its jobs run,
// and those handlers take connections of their own. The connection pool must
// therefore hold at least two connections per executor, or handlers wait on
// a connection until their timeout.
type Claim struct {
	mu   sync.Mutex
	tx   *sql.Tx
	jobs []Job
	now  func() time.Time
}

// Jobs returns the claimed jobs in try_at order.
func (c *Claim) Jobs() []Job {
	return c.jobs
}

// Empty reports whether nothing was due.
func (c *Claim) Empty() bool {
	return len(c.jobs) == 0
}

func (c *Claim) find(id int64) (*Job, error) {
	for i := range c.jobs {
		if c.jobs[i].ID == id {
			return &c.jobs[i], nil
		}
	}
	return nil, fmt.Errorf("job %d is not part of this claim", id)
}

// Complete deletes a claimed job and its exception.
func (c *Claim) Complete(ctx context.Context, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.find(id); err != nil {
		return err
	}
	return completeJob(ctx, c.tx, id)
}

// Fail increments the job's error count, pushes try_at out by the backoff
// and overwrites its exception. It returns the new error count.
func (c *Claim) Fail(ctx context.Context, id int64, messages []string, backoff Backoff) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	j, err := c.find(id)
	if err != nil {
		return 0, err
	}
	if err := failJob(ctx, c.tx, j, messages, backoff, c.now()); err != nil {
		return 0, err
	}
	return j.NumErrors, nil
}

// Disable marks a claimed job as not live.
func (c *Claim) Disable(ctx context.Context, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	j, err := c.find(id)
	if err != nil {
		return err
	}
	if err := setLive(ctx, c.tx, id, false); err != nil {
		return err
	}
	j.Live = false
	return nil
}

// Commit records every outcome and releases the locks.
func (c *Claim) Commit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tx == nil {
		return nil
	}
	if err := c.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit claim: %w", err)
	}
	return nil
}

// Rollback discards every outcome and releases the locks. Calling it after
// Commit is a no-op.
func (c *Claim) Rollback() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tx == nil {
		return nil
	}
	if err := c.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("failed to roll back claim: %w", err)
	}
	return nil
}
