package mail

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClientWithServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New("test-api-key", server.URL+"/api/v1/")
}

func TestSendTransactional_Success(t *testing.T) {
	t.Parallel()

	var (
		receivedBody map[string]any
		receivedAuth string
		receivedKey  string
	)
	client := newClientWithServer(t, func(w http.ResponseWriter, r *http.Request) {
		receivedAuth = r.Header.Get("Authorization")
		receivedKey = r.Header.Get("Idempotency-Key")
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/transactional", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&receivedBody))
		_, _ = w.Write([]byte(`{"success": true}`))
	})

	err := client.SendTransactional(context.Background(), &TransactionalRequest{
		Email:           "user@example.com",
		TransactionalID: "tmpl_123",
		DataVariables:   map[string]any{"code": "abc"},
		IdempotencyKey:  "verification-7",
	})

	require.NoError(t, err)
	assert.Equal(t, "Bearer test-api-key", receivedAuth)
	assert.Equal(t, "verification-7", receivedKey)
	assert.Equal(t, "user@example.com", receivedBody["email"])
	assert.Equal(t, "tmpl_123", receivedBody["transactionalId"])
	assert.Equal(t, map[string]any{"code": "abc"}, receivedBody["dataVariables"])
	assert.NotContains(t, receivedBody, "IdempotencyKey")
}

func TestSendTransactional_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		status      int
		body        string
		wantMessage string
		temporary   bool
	}{
		{"structured message", http.StatusBadRequest, `{"success": false, "message": "Invalid email address"}`, "Invalid email address", false},
		{"plain body", http.StatusNotFound, "not here", "not here", false},
		{"rate limited", http.StatusTooManyRequests, `{"message": "Rate limit exceeded"}`, "Rate limit exceeded", true},
		{"server error", http.StatusBadGateway, "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			client := newClientWithServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			err := client.SendTransactional(context.Background(), &TransactionalRequest{Email: "a@example.com", TransactionalID: "t"})
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.wantMessage, apiErr.Message)
			assert.Equal(t, tt.temporary, apiErr.Temporary())
		})
	}
}

func TestEnabled(t *testing.T) {
	t.Parallel()

	assert.True(t, New("key", "").Enabled())
	assert.False(t, New("", "").Enabled())
	assert.Equal(t, DefaultBaseURL, New("key", "").baseURL)

	var nilClient *Client
	assert.False(t, nilClient.Enabled())
}
