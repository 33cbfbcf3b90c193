package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/crucible-labs/crucible/internal/dispatch"
	"github.com/crucible-labs/crucible/internal/engine"
	"github.com/crucible-labs/crucible/internal/model"
	"github.com/crucible-labs/crucible/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// submitRunRequest is the JSON body for POST /v1/runs.
type submitRunRequest struct {
	Repository  string            `json:"repository"`
	Environment string            `json:"environment"`
	Kind        string            `json:"kind"`
	Runner      string            `json:"runner"`
	Target      string            `json:"target"`
	Branch      string            `json:"branch"`
	IncludeTags []string          `json:"include_tags"`
	ExcludeTags []string          `json:"exclude_tags"`
	Variables   map[string]string `json:"variables"`
	Parallel    bool              `json:"parallel"`
	TimeoutS    int               `json:"timeout_s"`
	MaxRetries  int               `json:"max_retries"`
	TriggeredBy string            `json:"triggered_by"`
}

// listRunsResponse wraps the filtered list response.
type listRunsResponse struct {
	Runs  []*model.Run `json:"runs"`
	Count int          `json:"count"`
	Limit int          `json:"limit"`
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRunRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	run, err := s.engine.Submit(r.Context(), engine.SubmitRequest{
		Repository:  req.Repository,
		Environment: req.Environment,
		Kind:        req.Kind,
		Runner:      req.Runner,
		Target:      req.Target,
		Branch:      req.Branch,
		IncludeTags: req.IncludeTags,
		ExcludeTags: req.ExcludeTags,
		Variables:   req.Variables,
		Parallel:    req.Parallel,
		TimeoutS:    req.TimeoutS,
		MaxRetries:  req.MaxRetries,
		TriggeredBy: req.TriggeredBy,
	})
	if err != nil {
		if errors.Is(err, engine.ErrInvalidRequest) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if errors.Is(err, dispatch.ErrQueueFull) || errors.Is(err, dispatch.ErrStopped) {
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.logger.Error("submit run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit run")
		return
	}

	s.writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.engine.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}

	runs, err := s.engine.List(r.Context(), store.ListFilter{
		Status: r.URL.Query().Get("status"),
		Runner: r.URL.Query().Get("runner"),
		Limit:  limit,
	})
	if err != nil {
		s.logger.Error("list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	if runs == nil {
		runs = []*model.Run{}
	}

	s.writeJSON(w, http.StatusOK, listRunsResponse{
		Runs:  runs,
		Count: len(runs),
		Limit: limit,
	})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.engine.Cancel(r.Context(), id)
	if err != nil {
		s.writeRunOpError(w, "cancel run", err)
		return
	}

	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRetryRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.engine.Retry(r.Context(), id)
	if err != nil {
		s.writeRunOpError(w, "retry run", err)
		return
	}

	s.writeJSON(w, http.StatusCreated, run)
}

// writeRunOpError maps cancel/retry failures onto HTTP statuses. Lifecycle
// conflicts (already finished, not retryable, budget spent) are 409s.
func (s *Server) writeRunOpError(w http.ResponseWriter, op string, err error) {
	var terr *model.TransitionError
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "run not found")
	case errors.As(err, &terr):
		s.writeError(w, http.StatusConflict, terr.Error())
	case errors.Is(err, engine.ErrRetriesExhausted):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error(op, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
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
