package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		setupMock   func(sqlmock.Sqlmock)
		fn          func(*sql.Tx) error
		expectError string
	}{
		{
			name: "commits_on_success",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("UPDATE podcast").WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			},
			fn: func(tx *sql.Tx) error {
				_, err := tx.Exec("UPDATE podcast SET title = 'x'")
				return err
			},
		},
		{
			name: "rolls_back_on_error",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectRollback()
			},
			fn: func(tx *sql.Tx) error {
				return errors.New("handler failed")
			},
			expectError: "handler failed",
		},
		{
			name: "begin_failure",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin().WillReturnError(errors.New("pool exhausted"))
			},
			fn:          func(tx *sql.Tx) error { return nil },
			expectError: "failed to begin transaction",
		},
		{
			name: "commit_failure",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectCommit().WillReturnError(errors.New("serialization failure"))
			},
			fn:          func(tx *sql.Tx) error { return nil },
			expectError: "failed to commit transaction",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mockDB, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer mockDB.Close()

			tt.setupMock(mock)

			err = Wrap(mockDB).Execute(context.Background(), tt.fn)
			if tt.expectError != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.expectError)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestSavepoint(t *testing.T) {
	t.Parallel()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectBegin()
	mock.ExpectExec("SAVEPOINT item_0").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("RELEASE SAVEPOINT item_0").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SAVEPOINT item_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("ROLLBACK TO SAVEPOINT item_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err = Execute(context.Background(), mockDB, func(tx *sql.Tx) error {
		ctx := context.Background()
		require.NoError(t, Savepoint(ctx, tx, "item_0", func() error { return nil }))

		itemErr := Savepoint(ctx, tx, "item_1", func() error { return errors.New("bad item") })
		assert.EqualError(t, itemErr, "bad item")
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
