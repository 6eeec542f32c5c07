package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Harvey-AU/podcore/internal/db"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// Store is the PostgreSQL job table.
type Store struct {
	db  *sql.DB
	x   *sqlx.DB
	now func() time.Time
}

// NewStore creates a job store on the given pool.
func NewStore(client *sql.DB) *Store {
	return &Store{
		db:  client,
		x:   sqlx.NewDb(client, "pgx"),
		now: time.Now,
	}
}

// WithClock replaces the store's time source. Used for deterministic tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Now returns the store's current time.
func (s *Store) Now() time.Time {
	return s.now()
}

type enqueueOptions struct {
	runAt time.Time
	live  bool
}

// EnqueueOption adjusts a single Enqueue call.
type EnqueueOption func(*enqueueOptions)

// RunAt delays the job until t.
func RunAt(t time.Time) EnqueueOption {
	return func(o *enqueueOptions) { o.runAt = t }
}

// Live sets whether the job is eligible for claiming at all.
func Live(live bool) EnqueueOption {
	return func(o *enqueueOptions) { o.live = live }
}

// marshalArgs turns a typed payload into the JSON stored in job.args.
func marshalArgs(args any) ([]byte, error) {
	switch v := args.(type) {
	case nil:
		return []byte("{}"), nil
	case json.RawMessage:
		if len(v) == 0 {
			return []byte("{}"), nil
		}
		if !json.Valid(v) {
			return nil, fmt.Errorf("args are not valid JSON")
		}
		return v, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal args: %w", err)
		}
		return b, nil
	}
}

// Enqueue inserts a job and signals waiting pollers. Pass a *sql.Tx as q to
// make the enqueue part of the caller's transaction; nil uses the pool.
// Duplicate (name, args) pairs are allowed.
func (s *Store) Enqueue(ctx context.Context, q db.Querier, name string, args any, opts ...EnqueueOption) (int64, error) {
	if name == "" {
		return 0, fmt.Errorf("job name is required")
	}
	if q == nil {
		q = s.db
	}

	o := enqueueOptions{runAt: s.now(), live: true}
	for _, opt := range opts {
		opt(&o)
	}

	payload, err := marshalArgs(args)
	if err != nil {
		return 0, err
	}

	var id int64
	err = q.QueryRowContext(ctx, `
		INSERT INTO job (name, args, created_at, live, num_errors, try_at)
		VALUES ($1, $2, $3, $4, 0, $5)
		RETURNING id
	`, name, string(payload), s.now(), o.live, o.runAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert job: %w", err)
	}

	if o.live {
		if _, err := q.ExecContext(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, name); err != nil {
			// Pollers still find the job on their next interval.
			log.Warn().Err(err).Str("job_name", name).Msg("Failed to notify job listeners")
		}
	}

	log.Debug().
		Int64("job_id", id).
		Str("job_name", name).
		Time("try_at", o.runAt).
		Msg("Enqueued job")

	return id, nil
}

// ClaimDue locks up to limit due jobs, oldest try_at first, and returns them
// inside an open transaction. Rows locked by another claim are skipped, so
// concurrent callers never receive the same job. The caller must Commit or
// Rollback the claim.
func (s *Store) ClaimDue(ctx context.Context, limit int) (*Claim, error) {
	if limit <= 0 {
		limit = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	now := s.now()
	rows, err := tx.QueryContext(ctx, `
		SELECT id, name, args, created_at, live, num_errors, try_at
		FROM job
		WHERE live AND try_at <= $1
		ORDER BY try_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, now, limit)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}

	jobs, err := scanJobs(rows)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if len(jobs) == 0 {
		if err := tx.Rollback(); err != nil {
			return nil, fmt.Errorf("failed to release empty claim: %w", err)
		}
		return &Claim{now: s.now}, nil
	}

	return &Claim{tx: tx, jobs: jobs, now: s.now}, nil
}

func scanJobs(rows *sql.Rows) ([]Job, error) {
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		var args []byte
		if err := rows.Scan(&j.ID, &j.Name, &args, &j.CreatedAt, &j.Live, &j.NumErrors, &j.TryAt); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		j.Args = json.RawMessage(args)
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read jobs: %w", err)
	}
	return jobs, nil
}

// Complete deletes a job and its exception outside of any claim.
func (s *Store) Complete(ctx context.Context, id int64) error {
	return db.Execute(ctx, s.db, func(tx *sql.Tx) error {
		return completeJob(ctx, tx, id)
	})
}

// Fail records a failure for a job outside of any claim and returns the new
// error count.
func (s *Store) Fail(ctx context.Context, id int64, messages []string, backoff Backoff) (int, error) {
	var numErrors int
	err := db.Execute(ctx, s.db, func(tx *sql.Tx) error {
		var current int
		var tryAt time.Time
		err := tx.QueryRowContext(ctx, `SELECT num_errors, try_at FROM job WHERE id = $1 FOR UPDATE`, id).Scan(&current, &tryAt)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("job %d: %w", id, db.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to lock job: %w", err)
		}

		j := Job{ID: id, NumErrors: current, TryAt: tryAt}
		if err := failJob(ctx, tx, &j, messages, backoff, s.now()); err != nil {
			return err
		}
		numErrors = j.NumErrors
		return nil
	})
	return numErrors, err
}

// Disable stops a job from being claimed until it is enabled again.
func (s *Store) Disable(ctx context.Context, id int64) error {
	return setLive(ctx, s.db, id, false)
}

// Enable makes a disabled job claimable again.
func (s *Store) Enable(ctx context.Context, id int64) error {
	return setLive(ctx, s.db, id, true)
}

// Get returns a job and its last exception, which may be nil.
func (s *Store) Get(ctx context.Context, id int64) (*Job, *JobException, error) {
	var row jobRow
	err := s.x.GetContext(ctx, &row, `
		SELECT id, name, args, created_at, live, num_errors, try_at
		FROM job WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("job %d: %w", id, db.ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get job: %w", err)
	}

	var exc JobException
	err = s.x.GetContext(ctx, &exc, `
		SELECT id, job_id, errors, occurred_at
		FROM job_exception WHERE job_id = $1
	`, id)
	j := row.job()
	if errors.Is(err, sql.ErrNoRows) {
		return &j, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get job exception: %w", err)
	}
	return &j, &exc, nil
}

// ListFailing returns jobs with at least minErrors failures, worst first.
func (s *Store) ListFailing(ctx context.Context, minErrors, limit int) ([]FailingJob, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows []failingRow
	err := s.x.SelectContext(ctx, &rows, `
		SELECT j.id, j.name, j.args, j.created_at, j.live, j.num_errors, j.try_at,
			e.errors, e.occurred_at
		FROM job j
		LEFT JOIN job_exception e ON e.job_id = j.id
		WHERE j.num_errors >= $1
		ORDER BY j.num_errors DESC, j.id ASC
		LIMIT $2
	`, minErrors, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list failing jobs: %w", err)
	}

	out := make([]FailingJob, 0, len(rows))
	for _, r := range rows {
		out = append(out, FailingJob{Job: r.job(), Errors: r.Errors, OccurredAt: r.OccurredAt})
	}
	return out, nil
}

// CountPending returns the number of live jobs with the given name.
func (s *Store) CountPending(ctx context.Context, name string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM job WHERE live AND name = $1`, name).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending jobs: %w", err)
	}
	return n, nil
}

// PendingWith reports whether a live job with this name already carries args
// containing the given fields. Producers use it to avoid piling up duplicates.
func (s *Store) PendingWith(ctx context.Context, q db.Querier, name string, args any) (bool, error) {
	if q == nil {
		q = s.db
	}
	payload, err := marshalArgs(args)
	if err != nil {
		return false, err
	}

	var exists bool
	err = q.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM job WHERE live AND name = $1 AND args @> $2::jsonb)
	`, name, string(payload)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check pending jobs: %w", err)
	}
	return exists, nil
}

func completeJob(ctx context.Context, q db.Querier, id int64) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM job_exception WHERE job_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete job exception: %w", err)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM job WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

// failJob advances num_errors and try_at on a locked row and overwrites its
// exception. try_at never moves backward.
func failJob(ctx context.Context, q db.Querier, j *Job, messages []string, backoff Backoff, now time.Time) error {
	if backoff == nil {
		backoff = DefaultBackoff
	}
	if len(messages) == 0 {
		messages = []string{"unknown error"}
	}

	numErrors := j.NumErrors + 1
	next := now.Add(backoff.Delay(numErrors))
	if next.Before(j.TryAt) {
		next = j.TryAt
	}

	_, err := q.ExecContext(ctx, `
		UPDATE job SET num_errors = $2, try_at = $3 WHERE id = $1
	`, j.ID, numErrors, next)
	if err != nil {
		return fmt.Errorf("failed to reschedule job: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO job_exception (job_id, errors, occurred_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (job_id) DO UPDATE
		SET errors = EXCLUDED.errors, occurred_at = EXCLUDED.occurred_at
	`, j.ID, pq.Array(messages), now)
	if err != nil {
		return fmt.Errorf("failed to record job exception: %w", err)
	}

	j.NumErrors = numErrors
	j.TryAt = next
	return nil
}

func setLive(ctx context.Context, q db.Querier, id int64, live bool) error {
	res, err := q.ExecContext(ctx, `UPDATE job SET live = $2 WHERE id = $1`, id, live)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if db.RowsAffected(res) == 0 {
		return fmt.Errorf("job %d: %w", id, db.ErrNotFound)
	}

	log.Info().Int64("job_id", id).Bool("live", live).Msg("Changed job state")
	return nil
}
