package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/cllghn/csg-docs-llm/internal/retriever"
	"github.com/cllghn/csg-docs-llm/internal/service"
	"github.com/cllghn/csg-docs-llm/internal/session"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, statusCode int, err string, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: err, Message: message})
}

// classify maps service errors to a status and an error code.
func classify(err error) (int, string) {
	var initErr *retriever.InitError
	switch {
	case errors.As(err, &initErr):
		return http.StatusServiceUnavailable, "document_set_unavailable"
	case errors.Is(err, session.ErrHalted):
		return http.StatusServiceUnavailable, "session_halted"
	case errors.Is(err, retriever.ErrUnknownSet):
		return http.StatusBadRequest, "unknown_document_set"
	case errors.Is(err, service.ErrEmptyQuestion):
		return http.StatusBadRequest, "invalid_request"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func handleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.Error(err))
	}
	respondError(w, status, code, err.Error())
}
