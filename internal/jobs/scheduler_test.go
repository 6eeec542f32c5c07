package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Harvey-AU/podcore/internal/db"
	"github.com/Harvey-AU/podcore/internal/queue"
)

type mockEnqueuer struct {
	mock.Mock
}

func (m *mockEnqueuer) Enqueue(ctx context.Context, q db.Querier, name string, args any, opts ...queue.EnqueueOption) (int64, error) {
	called := m.Called(ctx, name, args)
	return called.Get(0).(int64), called.Error(1)
}

func (m *mockEnqueuer) CountPending(ctx context.Context, name string) (int, error) {
	called := m.Called(ctx, name)
	return called.Int(0), called.Error(1)
}

func TestScheduler_Tick(t *testing.T) {
	t.Parallel()

	r := Recurring{Name: KindScheduleCrawls, Spec: "@every 5m", Args: ScheduleCrawlsArgs{}}

	t.Run("enqueues when nothing pending", func(t *testing.T) {
		t.Parallel()

		enq := &mockEnqueuer{}
		enq.On("CountPending", mock.Anything, KindScheduleCrawls).Return(0, nil)
		enq.On("Enqueue", mock.Anything, KindScheduleCrawls, ScheduleCrawlsArgs{}).Return(int64(12), nil)

		enqueued, err := NewScheduler(enq).tick(context.Background(), r)
		require.NoError(t, err)
		assert.True(t, enqueued)
		enq.AssertExpectations(t)
	})

	t.Run("skips when one is pending", func(t *testing.T) {
		t.Parallel()

		enq := &mockEnqueuer{}
		enq.On("CountPending", mock.Anything, KindScheduleCrawls).Return(1, nil)

		enqueued, err := NewScheduler(enq).tick(context.Background(), r)
		require.NoError(t, err)
		assert.False(t, enqueued)
		enq.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("count failure", func(t *testing.T) {
		t.Parallel()

		enq := &mockEnqueuer{}
		enq.On("CountPending", mock.Anything, KindScheduleCrawls).Return(0, errors.New("db down"))

		_, err := NewScheduler(enq).tick(context.Background(), r)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to count pending")
	})
}

func TestScheduler_Add(t *testing.T) {
	t.Parallel()

	s := NewScheduler(&mockEnqueuer{})
	defer s.Stop()

	require.NoError(t, s.Add(Recurring{Name: KindCleanKeys, Spec: "@hourly"}))
	require.NoError(t, s.Add(Recurring{Name: KindCleanAccounts, Spec: "0 * * * *"}))
	require.NoError(t, s.Add(Recurring{Name: KindUpgradeFeedLocations, Spec: "off"}))
	require.NoError(t, s.Add(Recurring{Name: KindCleanFeedContents, Spec: ""}))

	assert.Len(t, s.entries, 2)

	err := s.Add(Recurring{Name: KindCleanKeys, Spec: "@hourly"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already scheduled")

	err = s.Add(Recurring{Name: KindCleanDirectorySearches, Spec: "every tuesday"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid schedule")
}
