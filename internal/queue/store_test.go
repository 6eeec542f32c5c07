package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Harvey-AU/podcore/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	store := NewStore(mockDB).WithClock(func() time.Time { return fixedNow })
	return store, mock, mockDB
}

var jobColumns = []string{"id", "name", "args", "created_at", "live", "num_errors", "try_at"}

func TestEnqueue(t *testing.T) {
	t.Parallel()

	type crawlArgs struct {
		PodcastID int64  `json:"podcast_id"`
		FeedURL   string `json:"feed_url"`
	}

	tests := []struct {
		name        string
		jobName     string
		args        any
		opts        []EnqueueOption
		setupMock   func(sqlmock.Sqlmock)
		expectID    int64
		expectError string
	}{
		{
			name:    "typed_args_and_notify",
			jobName: "crawl_podcast",
			args:    crawlArgs{PodcastID: 7, FeedURL: "https://example.com/feed"},
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("INSERT INTO job").
					WithArgs("crawl_podcast", `{"podcast_id":7,"feed_url":"https://example.com/feed"}`, fixedNow, true, fixedNow).
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))
				mock.ExpectExec(regexp.QuoteMeta("SELECT pg_notify($1, $2)")).
					WithArgs(NotifyChannel, "crawl_podcast").
					WillReturnResult(sqlmock.NewResult(0, 0))
			},
			expectID: 42,
		},
		{
			name:    "nil_args_become_empty_object",
			jobName: "no_op",
			args:    nil,
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("INSERT INTO job").
					WithArgs("no_op", "{}", fixedNow, true, fixedNow).
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
				mock.ExpectExec("pg_notify").WillReturnResult(sqlmock.NewResult(0, 0))
			},
			expectID: 1,
		},
		{
			name:    "disabled_job_is_not_announced",
			jobName: "no_op",
			opts:    []EnqueueOption{Live(false), RunAt(fixedNow.Add(time.Hour))},
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("INSERT INTO job").
					WithArgs("no_op", "{}", fixedNow, false, fixedNow.Add(time.Hour)).
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(2)))
			},
			expectID: 2,
		},
		{
			name:        "empty_name",
			jobName:     "",
			setupMock:   func(mock sqlmock.Sqlmock) {},
			expectError: "job name is required",
		},
		{
			name:        "invalid_raw_args",
			jobName:     "no_op",
			args:        json.RawMessage(`{not json`),
			setupMock:   func(mock sqlmock.Sqlmock) {},
			expectError: "not valid JSON",
		},
		{
			name:    "insert_failure",
			jobName: "no_op",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("INSERT INTO job").WillReturnError(errors.New("connection reset"))
			},
			expectError: "failed to insert job",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store, mock, _ := newMockStore(t)
			tt.setupMock(mock)

			id, err := store.Enqueue(context.Background(), nil, tt.jobName, tt.args, tt.opts...)
			if tt.expectError != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.expectError)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.expectID, id)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestEnqueue_InsideCallerTransaction(t *testing.T) {
	t.Parallel()

	store, mock, mockDB := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO job").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(9)))
	mock.ExpectExec("pg_notify").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := db.Execute(context.Background(), mockDB, func(tx *sql.Tx) error {
		_, err := store.Enqueue(context.Background(), tx, "no_op", nil)
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimDue(t *testing.T) {
	t.Parallel()

	t.Run("returns_locked_jobs", func(t *testing.T) {
		t.Parallel()
		store, mock, _ := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).
			WithArgs(fixedNow, 5).
			WillReturnRows(sqlmock.NewRows(jobColumns).
				AddRow(int64(1), "no_op", []byte(`{}`), fixedNow, true, 0, fixedNow.Add(-time.Minute)).
				AddRow(int64(2), "clean_keys", []byte(`{}`), fixedNow, true, 3, fixedNow))
		mock.ExpectCommit()

		claim, err := store.ClaimDue(context.Background(), 5)
		require.NoError(t, err)
		require.Len(t, claim.Jobs(), 2)
		assert.Equal(t, "no_op", claim.Jobs()[0].Name)
		assert.Equal(t, 3, claim.Jobs()[1].NumErrors)
		assert.JSONEq(t, `{}`, string(claim.Jobs()[0].Args))

		require.NoError(t, claim.Commit())
		assert.NoError(t, claim.Rollback(), "rollback after commit is a no-op")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty_claim_releases_transaction", func(t *testing.T) {
		t.Parallel()
		store, mock, _ := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, name, args").WillReturnRows(sqlmock.NewRows(jobColumns))
		mock.ExpectRollback()

		claim, err := store.ClaimDue(context.Background(), 10)
		require.NoError(t, err)
		assert.True(t, claim.Empty())
		assert.NoError(t, claim.Commit())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("query_failure", func(t *testing.T) {
		t.Parallel()
		store, mock, _ := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, name, args").WillReturnError(errors.New("canceling statement"))
		mock.ExpectRollback()

		_, err := store.ClaimDue(context.Background(), 10)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to claim jobs")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func claimOne(t *testing.T, store *Store, mock sqlmock.Sqlmock, numErrors int, tryAt time.Time) *Claim {
	t.Helper()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, name, args").
		WillReturnRows(sqlmock.NewRows(jobColumns).
			AddRow(int64(5), "crawl_podcast", []byte(`{"podcast_id":1}`), fixedNow, true, numErrors, tryAt))

	claim, err := store.ClaimDue(context.Background(), 1)
	require.NoError(t, err)
	return claim
}

func TestClaim_Fail(t *testing.T) {
	t.Parallel()

	t.Run("advances_try_at_by_backoff", func(t *testing.T) {
		t.Parallel()
		store, mock, _ := newMockStore(t)
		claim := claimOne(t, store, mock, 2, fixedNow.Add(-time.Hour))

		mock.ExpectExec("UPDATE job SET num_errors").
			WithArgs(int64(5), 3, fixedNow.Add(8*time.Minute)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO job_exception").
			WithArgs(int64(5), sqlmock.AnyArg(), fixedNow).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		n, err := claim.Fail(context.Background(), 5, []string{"fetch failed: 503"}, DefaultBackoff)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		assert.Equal(t, fixedNow.Add(8*time.Minute), claim.Jobs()[0].TryAt)

		require.NoError(t, claim.Commit())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("try_at_never_moves_backward", func(t *testing.T) {
		t.Parallel()
		store, mock, _ := newMockStore(t)
		later := fixedNow.Add(48 * time.Hour)
		claim := claimOne(t, store, mock, 0, later)

		mock.ExpectExec("UPDATE job SET num_errors").
			WithArgs(int64(5), 1, later).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO job_exception").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectRollback()

		_, err := claim.Fail(context.Background(), 5, []string{"boom"}, DefaultBackoff)
		require.NoError(t, err)
		require.NoError(t, claim.Rollback())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown_job", func(t *testing.T) {
		t.Parallel()
		store, mock, _ := newMockStore(t)
		claim := claimOne(t, store, mock, 0, fixedNow)
		mock.ExpectRollback()

		_, err := claim.Fail(context.Background(), 99, []string{"boom"}, DefaultBackoff)
		assert.Error(t, err)
		require.NoError(t, claim.Rollback())
	})
}

func TestClaim_CompleteAndDisable(t *testing.T) {
	t.Parallel()

	store, mock, _ := newMockStore(t)
	claim := claimOne(t, store, mock, 0, fixedNow)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE job SET live = $2 WHERE id = $1")).
		WithArgs(int64(5), false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM job_exception WHERE job_id = $1")).
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM job WHERE id = $1")).
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, claim.Disable(context.Background(), 5))
	assert.False(t, claim.Jobs()[0].Live)
	require.NoError(t, claim.Complete(context.Background(), 5))
	require.NoError(t, claim.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_DisableEnable(t *testing.T) {
	t.Parallel()

	store, mock, _ := newMockStore(t)

	mock.ExpectExec("UPDATE job SET live").WithArgs(int64(3), true).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE job SET live").WithArgs(int64(4), false).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.Enable(context.Background(), 3))

	err := store.Disable(context.Background(), 4)
	require.Error(t, err)
	assert.ErrorIs(t, err, db.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Fail(t *testing.T) {
	t.Parallel()

	store, mock, _ := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT num_errors, try_at FROM job WHERE id = $1 FOR UPDATE")).
		WithArgs(int64(8)).
		WillReturnRows(sqlmock.NewRows([]string{"num_errors", "try_at"}).AddRow(0, fixedNow))
	mock.ExpectExec("UPDATE job SET num_errors").
		WithArgs(int64(8), 1, fixedNow.Add(2*time.Minute)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO job_exception").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	n, err := store.Fail(context.Background(), 8, []string{"operator retry"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Get(t *testing.T) {
	t.Parallel()

	store, mock, _ := newMockStore(t)

	mock.ExpectQuery("FROM job WHERE id").
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(jobColumns).
			AddRow(int64(5), "crawl_podcast", []byte(`{"podcast_id":1}`), fixedNow, true, 2, fixedNow))
	mock.ExpectQuery("FROM job_exception WHERE job_id").
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "job_id", "errors", "occurred_at"}).
			AddRow(int64(1), int64(5), "{\"fetch failed\",timeout}", fixedNow))

	j, exc, err := store.Get(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, "crawl_podcast", j.Name)
	require.NotNil(t, exc)
	assert.Equal(t, []string{"fetch failed", "timeout"}, []string(exc.Errors))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ListFailing(t *testing.T) {
	t.Parallel()

	store, mock, _ := newMockStore(t)

	cols := append(append([]string{}, jobColumns...), "errors", "occurred_at")
	mock.ExpectQuery("LEFT JOIN job_exception").
		WithArgs(10, 50).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(5), "crawl_podcast", []byte(`{}`), fixedNow, true, 12, fixedNow, "{boom}", fixedNow).
			AddRow(int64(6), "no_op", []byte(`{}`), fixedNow, false, 10, fixedNow, nil, nil))

	failing, err := store.ListFailing(context.Background(), 10, 50)
	require.NoError(t, err)
	require.Len(t, failing, 2)
	assert.Equal(t, 12, failing[0].NumErrors)
	assert.Equal(t, []string{"boom"}, []string(failing[0].Errors))
	assert.Nil(t, failing[1].OccurredAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_PendingWith(t *testing.T) {
	t.Parallel()

	store, mock, _ := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("args @> $2::jsonb")).
		WithArgs("crawl_podcast", `{"podcast_id":3}`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := store.PendingWith(context.Background(), nil, "crawl_podcast", map[string]int64{"podcast_id": 3})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
