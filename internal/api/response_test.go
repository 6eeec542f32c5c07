package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseHelpers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		testFunc     func(*httptest.ResponseRecorder, *http.Request)
		validateFunc func(*testing.T, *httptest.ResponseRecorder)
	}{
		{
			name: "write_success_with_data",
			testFunc: func(w *httptest.ResponseRecorder, r *http.Request) {
				WriteSuccess(w, r, map[string]string{"result": "ok"}, "operation completed")
			},
			validateFunc: func(t *testing.T, w *httptest.ResponseRecorder) {
				assert.Equal(t, http.StatusOK, w.Code)
				assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

				var response SuccessResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
				assert.Equal(t, "success", response.Status)
				assert.Equal(t, "operation completed", response.Message)
				assert.Equal(t, map[string]any{"result": "ok"}, response.Data)
			},
		},
		{
			name: "write_created",
			testFunc: func(w *httptest.ResponseRecorder, r *http.Request) {
				WriteCreated(w, r, enqueueResponse{ID: 4}, "job enqueued")
			},
			validateFunc: func(t *testing.T, w *httptest.ResponseRecorder) {
				assert.Equal(t, http.StatusCreated, w.Code)
				assert.JSONEq(t, `{"status":"success","data":{"id":4},"message":"job enqueued"}`, w.Body.String())
			},
		},
		{
			name: "write_healthy",
			testFunc: func(w *httptest.ResponseRecorder, r *http.Request) {
				WriteHealthy(w, r, "podcore", "1.0.0")
			},
			validateFunc: func(t *testing.T, w *httptest.ResponseRecorder) {
				assert.Equal(t, http.StatusOK, w.Code)

				var response HealthResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
				assert.Equal(t, "healthy", response.Status)
				assert.Equal(t, "podcore", response.Service)
				assert.Equal(t, "1.0.0", response.Version)
				assert.NotEmpty(t, response.Timestamp)
				assert.Empty(t, response.Error)
			},
		},
		{
			name: "write_unhealthy",
			testFunc: func(w *httptest.ResponseRecorder, r *http.Request) {
				WriteUnhealthy(w, r, "podcore", errors.New("connection refused"))
			},
			validateFunc: func(t *testing.T, w *httptest.ResponseRecorder) {
				assert.Equal(t, http.StatusServiceUnavailable, w.Code)

				var response HealthResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
				assert.Equal(t, "unhealthy", response.Status)
				assert.Equal(t, "connection refused", response.Error)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/test", nil)

			tt.testFunc(w, r)
			tt.validateFunc(t, w)
		})
	}
}
