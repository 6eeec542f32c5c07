package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Harvey-AU/podcore/internal/db"
	"github.com/Harvey-AU/podcore/internal/directory"
	"github.com/Harvey-AU/podcore/internal/jobs"
	"github.com/Harvey-AU/podcore/internal/queue"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Enqueue(ctx context.Context, q db.Querier, name string, args any, opts ...queue.EnqueueOption) (int64, error) {
	a := m.Called(ctx, name, args, len(opts))
	return a.Get(0).(int64), a.Error(1)
}

func (m *mockStore) Get(ctx context.Context, id int64) (*queue.Job, *queue.JobException, error) {
	a := m.Called(ctx, id)
	job, _ := a.Get(0).(*queue.Job)
	exc, _ := a.Get(1).(*queue.JobException)
	return job, exc, a.Error(2)
}

func (m *mockStore) ListFailing(ctx context.Context, minErrors, limit int) ([]queue.FailingJob, error) {
	a := m.Called(ctx, minErrors, limit)
	out, _ := a.Get(0).([]queue.FailingJob)
	return out, a.Error(1)
}

func (m *mockStore) Disable(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockStore) Enable(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

type fakeSearcher struct {
	out   *directory.SearchOutcome
	err   error
	query string
}

func (f *fakeSearcher) Search(_ context.Context, q string) (*directory.SearchOutcome, error) {
	f.query = q
	if strings.TrimSpace(q) == "" {
		return nil, directory.ErrEmptyQuery
	}
	return f.out, f.err
}

type fakePinger struct{ err error }

func (f fakePinger) PingContext(context.Context) error { return f.err }

type testServer struct {
	store    *mockStore
	searcher *fakeSearcher
	handler  http.Handler
	token    string
}

func newTestServer(t *testing.T, pingErr error) *testServer {
	t.Helper()

	registry := jobs.NewRegistry()
	jobs.RegisterNoOp(registry)
	jobs.Register(registry, jobs.KindCrawlPodcast, func(context.Context, jobs.CrawlPodcastArgs) error { return nil })

	token, err := IssueOpsToken(testSecret, "ops-test", time.Hour)
	require.NoError(t, err)

	store := &mockStore{}
	searcher := &fakeSearcher{}
	h := NewHandler(store, registry, searcher, fakePinger{err: pingErr}, Config{
		JWTSecret: testSecret,
		Version:   "test",
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("podcore_jobs_total 1\n"))
		}),
	})
	return &testServer{store: store, searcher: searcher, handler: h.Routes(), token: token}
}

func (s *testServer) do(t *testing.T, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if authed {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.NoError(t, json.Unmarshal(env.Data, dst))
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)
	w := s.do(t, http.MethodGet, "/health", "", false)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy"`)

	w = s.do(t, http.MethodGet, "/metrics", "", false)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "podcore_jobs_total")

	down := newTestServer(t, errors.New("connection refused"))
	w = down.do(t, http.MethodGet, "/health", "", false)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestV1RequiresToken(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)
	w := s.do(t, http.MethodGet, "/v1/jobs/1", "", false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	s.store.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
}

func TestEnqueueJob(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)
	s.store.On("Enqueue", mock.Anything, jobs.KindCrawlPodcast,
		json.RawMessage(`{"podcast_id":3,"feed_url":"https://feeds.example.com/a"}`), 1).
		Return(int64(77), nil)

	w := s.do(t, http.MethodPost, "/v1/jobs",
		`{"name":"crawl_podcast","args":{"podcast_id":3,"feed_url":"https://feeds.example.com/a"},"run_at":"2026-03-01T12:00:00Z"}`, true)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var out enqueueResponse
	decodeData(t, w, &out)
	assert.Equal(t, int64(77), out.ID)
	s.store.AssertExpectations(t)
}

func TestEnqueueJob_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"malformed json", `{`, http.StatusBadRequest},
		{"unknown field", `{"name":"no_op","priority":1}`, http.StatusBadRequest},
		{"missing name", `{"args":{}}`, http.StatusUnprocessableEntity},
		{"unknown job", `{"name":"mine_bitcoin"}`, http.StatusUnprocessableEntity},
		{"bad args", `{"name":"crawl_podcast","args":{"podcast":3}}`, http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newTestServer(t, nil)
			w := s.do(t, http.MethodPost, "/v1/jobs", tt.body, true)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			s.store.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestGetJob(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)
	job := &queue.Job{ID: 5, Name: jobs.KindNoOp, Args: json.RawMessage(`{}`), NumErrors: 2}
	exc := &queue.JobException{ID: 1, JobID: 5, Errors: []string{"timeout"}}
	s.store.On("Get", mock.Anything, int64(5)).Return(job, exc, nil)
	s.store.On("Get", mock.Anything, int64(6)).Return(nil, nil, fmt.Errorf("job 6: %w", db.ErrNotFound))

	w := s.do(t, http.MethodGet, "/v1/jobs/5", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	var out jobResponse
	decodeData(t, w, &out)
	assert.Equal(t, 2, out.Job.NumErrors)
	assert.Equal(t, []string{"timeout"}, []string(out.Exception.Errors))

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/v1/jobs/6", "", true).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/v1/jobs/abc", "", true).Code)
}

func TestListFailing(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)
	s.store.On("ListFailing", mock.Anything, 3, 10).Return([]queue.FailingJob{{Job: queue.Job{ID: 9, NumErrors: 4}}}, nil)
	s.store.On("ListFailing", mock.Anything, 1, 100).Return([]queue.FailingJob{}, nil)

	w := s.do(t, http.MethodGet, "/v1/jobs/failing?min_errors=3&limit=10", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	var out []queue.FailingJob
	decodeData(t, w, &out)
	require.Len(t, out, 1)
	assert.Equal(t, int64(9), out[0].ID)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/v1/jobs/failing", "", true).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/v1/jobs/failing?limit=-1", "", true).Code)
	s.store.AssertExpectations(t)
}

func TestDisableEnable(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)
	s.store.On("Disable", mock.Anything, int64(5)).Return(nil)
	s.store.On("Enable", mock.Anything, int64(5)).Return(nil)
	s.store.On("Enable", mock.Anything, int64(8)).Return(fmt.Errorf("job 8: %w", db.ErrNotFound))

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/jobs/5/disable", "", true).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/jobs/5/enable", "", true).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/v1/jobs/8/enable", "", true).Code)
	s.store.AssertExpectations(t)
}

func TestDirectorySearch(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)
	s.searcher.out = &directory.SearchOutcome{SearchID: 50, Cached: true, Podcasts: []directory.DirectoryPodcast{{Title: "History Show"}}}

	w := s.do(t, http.MethodGet, "/v1/directory/search?q=history", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "history", s.searcher.query)

	var out directory.SearchOutcome
	decodeData(t, w, &out)
	assert.Equal(t, int64(50), out.SearchID)
	require.Len(t, out.Podcasts, 1)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/v1/directory/search", "", true).Code)

	s.searcher.err = errors.New("iTunes search error: status 503")
	assert.Equal(t, http.StatusInternalServerError, s.do(t, http.MethodGet, "/v1/directory/search?q=x", "", true).Code)
}
