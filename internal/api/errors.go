package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jamesjordanmarketing/train-data-sub012/internal/service"
	"github.com/jamesjordanmarketing/train-data-sub012/internal/store"
	"github.com/jamesjordanmarketing/train-data-sub012/internal/worker"
)

// ErrorResponse is the JSON error envelope returned by every endpoint.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Success: false,
		Error:   http.StatusText(status),
		Code:    code,
		Message: message,
	})
}

// writeServiceError maps domain errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "batch job not found")
	case errors.Is(err, store.ErrInvalidState):
		writeError(w, http.StatusBadRequest, "invalid_state", err.Error())
	case errors.Is(err, service.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation", err.Error())
	case errors.Is(err, service.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many items submitted, retry later")
	case errors.Is(err, worker.ErrNoPending):
		writeError(w, http.StatusConflict, "no_pending_items", "no pending items to process")
	default:
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
