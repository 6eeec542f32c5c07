package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Harvey-AU/podcore/internal/db"
)

func TestErrorHelpers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		write      func(http.ResponseWriter, *http.Request)
		wantStatus int
		wantCode   ErrorCode
		wantMsg    string
	}{
		{"bad request", func(w http.ResponseWriter, r *http.Request) { BadRequest(w, r, "bad") }, http.StatusBadRequest, ErrCodeBadRequest, "bad"},
		{"unauthorised", func(w http.ResponseWriter, r *http.Request) { Unauthorised(w, r, "who") }, http.StatusUnauthorized, ErrCodeUnauthorised, "who"},
		{"forbidden", func(w http.ResponseWriter, r *http.Request) { Forbidden(w, r, "no") }, http.StatusForbidden, ErrCodeForbidden, "no"},
		{"validation", func(w http.ResponseWriter, r *http.Request) { Validation(w, r, "name is required") }, http.StatusUnprocessableEntity, ErrCodeValidation, "name is required"},
		{"internal hides cause", func(w http.ResponseWriter, r *http.Request) { InternalError(w, r, errors.New("secret detail")) }, http.StatusInternalServerError, ErrCodeInternal, "internal server error"},
		{"lookup not found", func(w http.ResponseWriter, r *http.Request) {
			WriteLookupError(w, r, fmt.Errorf("job 9: %w", db.ErrNotFound))
		}, http.StatusNotFound, ErrCodeNotFound, "job 9: not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/test", nil)

			tt.write(w, r)

			assert.Equal(t, tt.wantStatus, w.Code)
			var response ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
			assert.Equal(t, tt.wantStatus, response.Status)
			assert.Equal(t, string(tt.wantCode), response.Code)
			assert.Equal(t, tt.wantMsg, response.Message)
		})
	}
}

func TestTooManyRequests_SetsRetryAfter(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	TooManyRequests(w, httptest.NewRequest(http.MethodGet, "/", nil), "slow down", 1500*time.Millisecond)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))

	w = httptest.NewRecorder()
	TooManyRequests(w, httptest.NewRequest(http.MethodGet, "/", nil), "slow down", 0)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}
