package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/openfroyo/agentd/pkg/agent"
	"github.com/openfroyo/agentd/pkg/engine"
	"github.com/openfroyo/agentd/pkg/stores"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type runResponse struct {
	RunID string `json:"run_id"`
}

type dryRunRequest struct {
	Payload map[string]interface{} `json:"payload"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.HealthCheck(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listWorkers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.runtime.Workers())
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := agentID(w, r)
	if !ok {
		return
	}
	a, err := s.store.GetAgent(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) listLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := agentID(w, r)
	if !ok {
		return
	}
	limit, offset, ok := page(w, r)
	if !ok {
		return
	}

	var level *agent.LogLevel
	if raw := r.URL.Query().Get("level"); raw != "" {
		l := agent.LogLevel(raw)
		switch l {
		case agent.LogInfo, agent.LogWarn, agent.LogError:
		default:
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("unknown level %q", raw)})
			return
		}
		level = &l
	}

	if _, err := s.store.GetAgent(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	logs, err := s.store.ListLogs(r.Context(), id, level, limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := agentID(w, r)
	if !ok {
		return
	}
	limit, offset, ok := page(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetAgent(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	events, err := s.store.ListEvents(r.Context(), id, limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) runAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := agentID(w, r)
	if !ok {
		return
	}
	runID, err := s.runtime.Run(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, runResponse{RunID: runID})
}

func (s *Server) setDisabled(disabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := agentID(w, r)
		if !ok {
			return
		}
		if err := s.runtime.SetDisabled(r.Context(), id, disabled); err != nil {
			s.writeError(w, err)
			return
		}
		a, err := s.store.GetAgent(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

func (s *Server) dryRun(w http.ResponseWriter, r *http.Request) {
	id, ok := agentID(w, r)
	if !ok {
		return
	}

	var req dryRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
		return
	}

	result, err := s.runtime.DryRun(r.Context(), id, req.Payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func agentID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid agent id %q", raw)})
		return 0, false
	}
	return id, true
}

func page(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	limit, offset = defaultLimit, 0
	q := r.URL.Query()
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid limit %q", raw)})
			return 0, 0, false
		}
		limit = min(n, maxLimit)
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid offset %q", raw)})
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}

// writeError maps engine and store errors to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := engine.CodeOf(err)
	switch {
	case errors.Is(err, stores.ErrNotFound), code == engine.ErrCodeNotFound:
		status = http.StatusNotFound
		if code == "" {
			code = engine.ErrCodeNotFound
		}
	case code == engine.ErrCodeDisabled, code == engine.ErrCodeUnsupported:
		status = http.StatusConflict
	case code == engine.ErrCodeValidation:
		status = http.StatusUnprocessableEntity
	case code == engine.ErrCodeTimeout:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.WithError(err).Error("Request failed")
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
