// Package api is the HTTP/WebSocket bridge in front of the orchestration
// control plane: REST endpoints for agents, jobs, events and decisions,
// plus a websocket stream feeding live dashboards.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aegisops/aegis/internal/checkpoint"
	"github.com/aegisops/aegis/internal/eventbus"
	"github.com/aegisops/aegis/internal/jobs"
	"github.com/aegisops/aegis/internal/orchestrator"
	"github.com/aegisops/aegis/internal/state"
)

type Server struct {
	Store        *state.Store
	Jobs         *jobs.Manager
	Checkpoints  *checkpoint.Manager
	Orchestrator *orchestrator.Orchestrator
	Bus          *eventbus.Bus
	Hub          *Hub
	StartedAt    time.Time
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/agents", s.handleAgents)
	mux.HandleFunc("/api/agents/", s.handleAgentItem)
	mux.HandleFunc("/api/jobs", s.handleJobs)
	mux.HandleFunc("/api/jobs/", s.handleJobItem)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/decisions", s.handleDecisions)
	mux.HandleFunc("/api/decisions/", s.handleDecisionItem)
	mux.HandleFunc("/api/streams/ws", s.handleStreamWS)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"time":    time.Now().UTC(),
		"started": s.StartedAt,
	})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		var states []state.AgentState
		if v := r.URL.Query().Get("state"); v != "" {
			states = append(states, state.AgentState(v))
		}
		limit := parseInt(r.URL.Query().Get("limit"), 100)
		agents, err := s.Store.ListAgents(r.Context(), states, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, agents)
	case http.MethodPost:
		var payload struct {
			Type   string         `json:"type"`
			Config map[string]any `json:"config"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		agentID, err := s.Orchestrator.SpawnAgent(r.Context(), payload.Type, payload.Config)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"agent_id": agentID})
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleAgentItem(w http.ResponseWriter, r *http.Request) {
	agentID, action := splitItemPath(r.URL.Path, "/api/agents/")
	if agentID == "" {
		writeError(w, http.StatusNotFound, errNotFound("agent"))
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		status, err := s.Orchestrator.GetAgentState(r.Context(), agentID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	case action == "pause" && r.Method == http.MethodPost:
		s.agentAction(w, r, agentID, s.Orchestrator.PauseAgent)
	case action == "resume" && r.Method == http.MethodPost:
		s.agentAction(w, r, agentID, s.Orchestrator.ResumeAgent)
	case action == "terminate" && r.Method == http.MethodPost:
		s.agentAction(w, r, agentID, s.Orchestrator.TerminateAgent)
	case action == "heartbeat" && r.Method == http.MethodPost:
		s.agentAction(w, r, agentID, s.Orchestrator.Heartbeat)
	case action == "jobs" && r.Method == http.MethodPost:
		var payload struct {
			Type   string         `json:"type"`
			Params map[string]any `json:"params"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		jobID, err := s.Orchestrator.StartJob(r.Context(), agentID, payload.Type, payload.Params)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"job_id": jobID})
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) agentAction(w http.ResponseWriter, r *http.Request, agentID string, fn func(context.Context, string) error) {
	if err := fn(r.Context(), agentID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	items, err := s.Jobs.List(r.Context(), jobs.ListFilter{
		AgentID: r.URL.Query().Get("agent_id"),
		Status:  jobs.Status(r.URL.Query().Get("status")),
		Limit:   parseInt(r.URL.Query().Get("limit"), 100),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleJobItem(w http.ResponseWriter, r *http.Request) {
	jobID, action := splitItemPath(r.URL.Path, "/api/jobs/")
	if jobID == "" {
		writeError(w, http.StatusNotFound, errNotFound("job"))
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		job, err := s.Jobs.Get(r.Context(), jobID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	case action == "status" && r.Method == http.MethodPost:
		var payload struct {
			Status string         `json:"status"`
			Result map[string]any `json:"result"`
			Error  string         `json:"error"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.Jobs.SetStatus(r.Context(), jobID, jobs.Status(payload.Status), payload.Result, payload.Error); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case action == "checkpoint" && r.Method == http.MethodGet:
		data, err := s.Checkpoints.Load(r.Context(), jobID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"checkpoint": data})
	case action == "checkpoint" && r.Method == http.MethodPost:
		var payload struct {
			StepIndex          int            `json:"step_index"`
			AccumulatedResults map[string]any `json:"accumulated_results"`
			MemorySnapshot     map[string]any `json:"memory_snapshot"`
			Progress           int            `json:"progress"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		data := checkpoint.Data{
			StepIndex:          payload.StepIndex,
			AccumulatedResults: payload.AccumulatedResults,
			MemorySnapshot:     payload.MemorySnapshot,
		}
		if err := s.Checkpoints.Save(r.Context(), jobID, data, payload.Progress); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case action == "yield" && r.Method == http.MethodGet:
		yield, err := s.Jobs.ShouldYield(r.Context(), jobID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"should_yield": yield})
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	events, err := s.Bus.List(r.Context(), eventbus.ListFilter{
		TypePrefix:    r.URL.Query().Get("type_prefix"),
		CorrelationID: r.URL.Query().Get("correlation_id"),
		Level:         eventbus.Level(r.URL.Query().Get("level")),
		Limit:         parseInt(r.URL.Query().Get("limit"), 100),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		items, err := s.Store.ListDecisions(r.Context(),
			r.URL.Query().Get("job_id"),
			state.DecisionStatus(r.URL.Query().Get("status")),
			parseInt(r.URL.Query().Get("limit"), 100))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case http.MethodPost:
		var payload struct {
			JobID       string         `json:"job_id"`
			Type        string         `json:"type"`
			ContextData map[string]any `json:"context_data"`
			Options     []string       `json:"options"`
			ExpiresAt   time.Time      `json:"expires_at"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		decision, err := s.Store.CreateDecision(r.Context(), payload.JobID, payload.Type,
			payload.ContextData, payload.Options, payload.ExpiresAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, decision)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleDecisionItem(w http.ResponseWriter, r *http.Request) {
	decisionID, action := splitItemPath(r.URL.Path, "/api/decisions/")
	if decisionID == "" {
		writeError(w, http.StatusNotFound, errNotFound("decision"))
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		decision, err := s.Store.GetDecision(r.Context(), decisionID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, decision)
	case action == "resolve" && r.Method == http.MethodPost:
		var payload struct {
			Status         string `json:"status"`
			SelectedOption string `json:"selected_option"`
			ApproverID     string `json:"approver_id"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		err := s.Store.ResolveDecision(r.Context(), decisionID,
			state.DecisionStatus(payload.Status), payload.SelectedOption, payload.ApproverID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeMethodNotAllowed(w)
	}
}

// splitItemPath returns the item id and an optional trailing action from a
// path like "/api/agents/{id}/pause".
func splitItemPath(path, prefix string) (string, string) {
	rest := strings.TrimPrefix(path, prefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return "", ""
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrAgentNotFound),
		errors.Is(err, jobs.ErrJobNotFound),
		errors.Is(err, state.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, jobs.ErrInvalidStatusTransition):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, checkpoint.ErrSaveFailed),
		errors.Is(err, checkpoint.ErrCorrupted):
		writeError(w, http.StatusUnprocessableEntity, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}
