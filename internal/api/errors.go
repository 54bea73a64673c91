package api

import (
	"errors"
	"net/http"

	"github.com/seantiz/agentrun/internal/backend"
	"github.com/seantiz/agentrun/internal/model"
	"github.com/seantiz/agentrun/internal/store"
)

// Machine-readable error codes returned in the "code" field.
const (
	codeNotFound            = "NOT_FOUND"
	codeInvalidInput        = "INVALID_INPUT"
	codeInvalidState        = "INVALID_STATE"
	codeInvalidTransition   = "INVALID_TRANSITION"
	codeConflict            = "CONFLICT"
	codeBackendUnconfigured = "BACKEND_UNCONFIGURED"
	codeBackendError        = "BACKEND_ERROR"
	codeInternal            = "INTERNAL"
)

// errorResponse is the JSON body of every non-2xx response.
type errorResponse struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	s.writeJSON(w, status, errorResponse{Error: message, Code: code, Details: details})
}

// writeEngineError maps an engine or store error to a status code and body.
// Unexpected errors are logged under op and reported as 500.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var (
		verr *model.ValidationError
		serr *model.StateError
		terr *model.TransitionError
	)
	switch {
	case errors.As(err, &verr):
		s.writeError(w, http.StatusBadRequest, codeInvalidInput, err.Error(),
			map[string]any{"field": verr.Field})
	case errors.As(err, &serr):
		s.writeError(w, http.StatusConflict, codeInvalidState, err.Error(), map[string]any{
			"currentStatus":   serr.Current,
			"allowedStatuses": serr.Allowed,
		})
	case errors.As(err, &terr):
		s.writeError(w, http.StatusConflict, codeInvalidTransition, err.Error(), map[string]any{
			"currentStatus":   terr.Current,
			"attemptedStatus": terr.Attempted,
			"allowedStatuses": model.AllowedTransitions(terr.Current),
		})
	case errors.Is(err, model.ErrNotFound):
		s.writeError(w, http.StatusNotFound, codeNotFound, "execution not found", nil)
	case errors.Is(err, store.ErrConflict):
		s.writeError(w, http.StatusConflict, codeConflict, "execution was modified concurrently, retry", nil)
	case errors.Is(err, backend.ErrUnconfigured):
		s.writeError(w, http.StatusServiceUnavailable, codeBackendUnconfigured, "job backend is not configured", nil)
	case errors.Is(err, backend.ErrBackend):
		s.logger.Warn(op, "error", err, "request_id", requestID(r))
		s.writeError(w, http.StatusServiceUnavailable, codeBackendError, "job backend request failed", nil)
	default:
		s.logger.Error(op, "error", err, "request_id", requestID(r))
		s.writeError(w, http.StatusInternalServerError, codeInternal, "internal error", nil)
	}
}
