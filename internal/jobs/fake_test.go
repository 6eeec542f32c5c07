package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Harvey-AU/podcore/internal/queue"
)

// memQueue is an in-memory Source with the same locking contract as the
// Postgres claim: locked rows are skipped and outcomes apply on Commit.
type memQueue struct {
	mu         sync.Mutex
	now        time.Time
	nextID     int64
	jobs       map[int64]*queue.Job
	locked     map[int64]bool
	exceptions map[int64][]string
	claims     int

	failComplete bool
}

func newMemQueue(now time.Time) *memQueue {
	return &memQueue{
		now:        now,
		jobs:       make(map[int64]*queue.Job),
		locked:     make(map[int64]bool),
		exceptions: make(map[int64][]string),
	}
}

func (q *memQueue) add(name string, args string, numErrors int) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextID++
	q.jobs[q.nextID] = &queue.Job{
		ID:        q.nextID,
		Name:      name,
		Args:      json.RawMessage(args),
		CreatedAt: q.now,
		Live:      true,
		NumErrors: numErrors,
		TryAt:     q.now,
	}
	return q.nextID
}

func (q *memQueue) get(id int64) (queue.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return queue.Job{}, false
	}
	return *j, true
}

func (q *memQueue) exception(id int64) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.exceptions[id]
}

func (q *memQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func (q *memQueue) claimCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.claims
}

func (q *memQueue) Claim(ctx context.Context, limit int) (Batch, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.claims++

	var due []queue.Job
	for id, j := range q.jobs {
		if q.locked[id] || !j.Due(q.now) {
			continue
		}
		due = append(due, *j)
	}
	sort.Slice(due, func(a, b int) bool {
		if due[a].TryAt.Equal(due[b].TryAt) {
			return due[a].ID < due[b].ID
		}
		return due[a].TryAt.Before(due[b].TryAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	for _, j := range due {
		q.locked[j.ID] = true
	}
	return &memBatch{q: q, jobs: due}, nil
}

type memBatch struct {
	q    *memQueue
	mu   sync.Mutex
	jobs []queue.Job
	ops  []func()
	done bool
}

func (b *memBatch) Jobs() []queue.Job { return b.jobs }

func (b *memBatch) find(id int64) (*queue.Job, error) {
	for i := range b.jobs {
		if b.jobs[i].ID == id {
			return &b.jobs[i], nil
		}
	}
	return nil, errors.New("not in batch")
}

func (b *memBatch) Complete(ctx context.Context, id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.q.failComplete {
		return errors.New("connection reset")
	}
	if _, err := b.find(id); err != nil {
		return err
	}
	b.ops = append(b.ops, func() {
		delete(b.q.jobs, id)
		delete(b.q.exceptions, id)
	})
	return nil
}

func (b *memBatch) Fail(ctx context.Context, id int64, messages []string, backoff queue.Backoff) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, err := b.find(id)
	if err != nil {
		return 0, err
	}
	j.NumErrors++
	next := b.q.now.Add(backoff.Delay(j.NumErrors))
	if next.Before(j.TryAt) {
		next = j.TryAt
	}
	j.TryAt = next

	numErrors, tryAt := j.NumErrors, j.TryAt
	msgs := append([]string(nil), messages...)
	b.ops = append(b.ops, func() {
		row := b.q.jobs[id]
		row.NumErrors = numErrors
		row.TryAt = tryAt
		b.q.exceptions[id] = msgs
	})
	return numErrors, nil
}

func (b *memBatch) Disable(ctx context.Context, id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.find(id); err != nil {
		return err
	}
	b.ops = append(b.ops, func() { b.q.jobs[id].Live = false })
	return nil
}

func (b *memBatch) finish(apply bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return
	}
	b.done = true

	b.q.mu.Lock()
	defer b.q.mu.Unlock()
	if apply {
		for _, op := range b.ops {
			op()
		}
	}
	for _, j := range b.jobs {
		delete(b.q.locked, j.ID)
	}
}

func (b *memBatch) Commit() error {
	b.finish(true)
	return nil
}

func (b *memBatch) Rollback() error {
	b.finish(false)
	return nil
}
