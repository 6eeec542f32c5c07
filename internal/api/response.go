package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// SuccessResponse wraps every successful payload.
type SuccessResponse struct {
	Status    string `json:"status"`
	Data      any    `json:"data,omitempty"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteJSON writes data as JSON with the given status code
func WriteJSON(w http.ResponseWriter, r *http.Request, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().
			Err(err).
			Str("request_id", GetRequestID(r)).
			Msg("Failed to encode JSON response")
	}
}

// WriteSuccess writes a 200 success envelope
func WriteSuccess(w http.ResponseWriter, r *http.Request, data any, message string) {
	WriteJSON(w, r, SuccessResponse{
		Status:    "success",
		Data:      data,
		Message:   message,
		RequestID: GetRequestID(r),
	}, http.StatusOK)
}

// WriteCreated writes a 201 success envelope
func WriteCreated(w http.ResponseWriter, r *http.Request, data any, message string) {
	WriteJSON(w, r, SuccessResponse{
		Status:    "success",
		Data:      data,
		Message:   message,
		RequestID: GetRequestID(r),
	}, http.StatusCreated)
}

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Service   string `json:"service"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
}

func WriteHealthy(w http.ResponseWriter, r *http.Request, service, version string) {
	WriteJSON(w, r, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Service:   service,
		Version:   version,
	}, http.StatusOK)
}

func WriteUnhealthy(w http.ResponseWriter, r *http.Request, service string, err error) {
	WriteJSON(w, r, HealthResponse{
		Status:    "unhealthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Service:   service,
		Error:     err.Error(),
	}, http.StatusServiceUnavailable)
}
