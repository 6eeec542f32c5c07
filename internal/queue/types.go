package queue

import (
	"encoding/json"
	"time"

	"github.com/lib/pq"
)

// NotifyChannel is the LISTEN/NOTIFY channel signalled on every enqueue.
const NotifyChannel = "job_enqueued"

// Job is a unit of pending work.
type Job struct {
	ID        int64           `db:"id" json:"id"`
	Name      string          `db:"name" json:"name"`
	Args      json.RawMessage `db:"args" json:"args"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	Live      bool            `db:"live" json:"live"`
	NumErrors int             `db:"num_errors" json:"num_errors"`
	TryAt     time.Time       `db:"try_at" json:"try_at"`
}

// Due reports whether the job may be claimed at now.
func (j Job) Due(now time.Time) bool {
	return j.Live && !j.TryAt.After(now)
}

// JobException is the most recent failure recorded for a job.
type JobException struct {
	ID         int64          `db:"id" json:"id"`
	JobID      int64          `db:"job_id" json:"job_id"`
	Errors     pq.StringArray `db:"errors" json:"errors"`
	OccurredAt time.Time      `db:"occurred_at" json:"occurred_at"`
}

// FailingJob pairs a job with its last exception.
type FailingJob struct {
	Job
	Errors     pq.StringArray `db:"errors" json:"errors"`
	OccurredAt *time.Time     `db:"occurred_at" json:"occurred_at,omitempty"`
}

// jobRow scans job.args as bytes so either driver representation of jsonb
// is accepted.
type jobRow struct {
	ID        int64     `db:"id"`
	Name      string    `db:"name"`
	Args      []byte    `db:"args"`
	CreatedAt time.Time `db:"created_at"`
	Live      bool      `db:"live"`
	NumErrors int       `db:"num_errors"`
	TryAt     time.Time `db:"try_at"`
}

func (r jobRow) job() Job {
	return Job{
		ID:        r.ID,
		Name:      r.Name,
		Args:      json.RawMessage(r.Args),
		CreatedAt: r.CreatedAt,
		Live:      r.Live,
		NumErrors: r.NumErrors,
		TryAt:     r.TryAt,
	}
}

type failingRow struct {
	jobRow
	Errors     pq.StringArray `db:"errors"`
	OccurredAt *time.Time     `db:"occurred_at"`
}
