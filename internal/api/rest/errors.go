package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/plogdev/plog-backend/internal/openapi"
	"github.com/plogdev/plog-backend/internal/pkg/logger"
	"github.com/plogdev/plog-backend/internal/repository"
)

// APIError is the structured error body every failing endpoint returns.
type APIError struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeInternalError  = "INTERNAL_ERROR"
)

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func respondErrorWithCode(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	respondJSON(w, status, APIError{
		Error:     message,
		Code:      code,
		Message:   message,
		RequestID: logger.FromContext(r.Context()),
	})
}

// respondError maps domain errors onto status codes: absent entities are 404,
// invalid upstream documents are 400, invariant violations are 409, and
// everything else is a generic 500.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		respondErrorWithCode(w, r, http.StatusNotFound, ErrCodeNotFound, "resource not found")
	case errors.Is(err, openapi.ErrSpecNotFound):
		respondErrorWithCode(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
	case errors.Is(err, repository.ErrConflict):
		respondErrorWithCode(w, r, http.StatusConflict, ErrCodeConflict, "conflicting state")
	default:
		respondErrorWithCode(w, r, http.StatusInternalServerError, ErrCodeInternalError, "internal server error")
	}
}
