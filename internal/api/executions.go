package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/agentrun/internal/engine"
	"github.com/seantiz/agentrun/internal/model"
	"github.com/seantiz/agentrun/internal/store"
)

const maxBodySize = 1 << 20 // 1 MB

// cancelRequest is the optional JSON body for POST /v1/executions/{id}/cancel.
type cancelRequest struct {
	Reason string `json:"reason"`
}

// updateStatusRequest is the JSON body for POST /internal/executions/{id}/status.
type updateStatusRequest struct {
	Status        string         `json:"status"`
	Reason        string         `json:"reason"`
	PodName       *string        `json:"podName"`
	Output        *string        `json:"output"`
	InputTokens   *int           `json:"inputTokens"`
	OutputTokens  *int           `json:"outputTokens"`
	EstimatedCost *float64       `json:"estimatedCost"`
	ErrorCode     *string        `json:"errorCode"`
	ErrorMessage  *string        `json:"errorMessage"`
	ErrorDetails  map[string]any `json:"errorDetails"`
}

type logsResponse struct {
	Logs string `json:"logs"`
}

func (s *Server) handleCreateExecution(w http.ResponseWriter, r *http.Request) {
	var req engine.CreateInput
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, codeInvalidInput, "invalid JSON body", nil)
		return
	}

	x, err := s.engine.Create(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, r, "create execution", err)
		return
	}

	w.Header().Set("Location", "/v1/executions/"+x.ID)
	s.writeJSON(w, http.StatusCreated, x)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := s.executionID(w, r)
	if !ok {
		return
	}

	opts, err := parseInclude(r.URL.Query().Get("include"))
	if err != nil {
		s.writeEngineError(w, r, "get execution", err)
		return
	}

	x, err := s.engine.Get(r.Context(), id, opts)
	if err != nil {
		s.writeEngineError(w, r, "get execution", err)
		return
	}

	s.writeJSON(w, http.StatusOK, x)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	f, err := parseListFilter(r)
	if err != nil {
		s.writeEngineError(w, r, "list executions", err)
		return
	}
	p := store.Pagination{
		Page:     parseIntQuery(r, "page", 1),
		PageSize: parseIntQuery(r, "page_size", store.DefaultPageSize),
	}

	res, err := s.engine.List(r.Context(), f, p)
	if err != nil {
		s.writeEngineError(w, r, "list executions", err)
		return
	}

	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := s.executionID(w, r)
	if !ok {
		return
	}

	var req cancelRequest
	if err := decodeBody(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, codeInvalidInput, "invalid JSON body", nil)
		return
	}

	res, err := s.engine.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		s.writeEngineError(w, r, "cancel execution", err)
		return
	}

	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := s.executionID(w, r)
	if !ok {
		return
	}

	logs, err := s.engine.GetLogs(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, "get execution logs", err)
		return
	}

	s.writeJSON(w, http.StatusOK, logsResponse{Logs: logs})
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.executionID(w, r)
	if !ok {
		return
	}

	var req updateStatusRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, codeInvalidInput, "invalid JSON body", nil)
		return
	}
	to, err := model.ParseStatus(req.Status)
	if err != nil {
		s.writeEngineError(w, r, "update execution status", err)
		return
	}

	upd := model.TransitionUpdate{
		PodName:       req.PodName,
		Output:        req.Output,
		InputTokens:   req.InputTokens,
		OutputTokens:  req.OutputTokens,
		EstimatedCost: req.EstimatedCost,
		ErrorCode:     req.ErrorCode,
		ErrorMessage:  req.ErrorMessage,
		ErrorDetails:  req.ErrorDetails,
	}
	x, err := s.engine.UpdateStatus(r.Context(), id, to, upd, req.Reason)
	if err != nil {
		s.writeEngineError(w, r, "update execution status", err)
		return
	}

	s.writeJSON(w, http.StatusOK, x)
}

// executionID validates the {id} URL parameter. A malformed id is answered
// with 400 and never reaches the store.
func (s *Server) executionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := model.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, r, "parse execution id", err)
		return "", false
	}
	return id, true
}

// decodeBody decodes a size-limited JSON request body into v. An empty body
// yields io.EOF.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	return json.NewDecoder(r.Body).Decode(v)
}

func parseInclude(raw string) (store.GetOptions, error) {
	var opts store.GetOptions
	for _, part := range splitList(raw) {
		switch part {
		case "transitions":
			opts.IncludeTransitions = true
		case "artifacts":
			opts.IncludeArtifacts = true
		default:
			return opts, &model.ValidationError{Field: "include", Message: "unknown value " + part}
		}
	}
	return opts, nil
}

// parseListFilter reads the list filters from the query string. status may be
// repeated or given as a comma-separated list.
func parseListFilter(r *http.Request) (store.ListFilter, error) {
	q := r.URL.Query()
	f := store.ListFilter{
		Model:  strings.TrimSpace(q.Get("model")),
		Search: strings.TrimSpace(q.Get("q")),
	}

	for _, raw := range q["status"] {
		for _, part := range splitList(raw) {
			st, err := model.ParseStatus(part)
			if err != nil {
				return f, err
			}
			f.Statuses = append(f.Statuses, st)
		}
	}

	var err error
	if f.CreatedAfter, err = parseTimeQuery(q.Get("created_after"), "created_after"); err != nil {
		return f, err
	}
	if f.CreatedBefore, err = parseTimeQuery(q.Get("created_before"), "created_before"); err != nil {
		return f, err
	}

	if raw := q.Get("has_artifacts"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return f, &model.ValidationError{Field: "has_artifacts", Message: "must be a boolean"}
		}
		f.HasArtifacts = &v
	}
	return f, nil
}

func parseTimeQuery(raw, field string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, &model.ValidationError{Field: field, Message: "must be an RFC 3339 timestamp"}
	}
	t = t.UTC()
	return &t, nil
}

func splitList(raw string) []string {
	var out []string
	for part := range strings.SplitSeq(raw, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
