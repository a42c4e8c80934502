package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/chatbridge/internal/channel"
	"github.com/ent0n29/chatbridge/internal/orchestrator"
	"github.com/ent0n29/chatbridge/internal/tasks"
	"github.com/ent0n29/chatbridge/internal/workspace"
)

type postMessageRequest struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

// handlePostMessage injects a chat message as if it came from the agent's
// channel. It backs console agents and smoke tests.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}
	var req postMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.Text = strings.TrimSpace(req.Text)
	if req.UserID == "" || req.Text == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "user_id and text are required")
		return
	}
	if strings.TrimSpace(req.ChatID) == "" {
		req.ChatID = req.UserID
	}
	agentID := chi.URLParam(r, "agent")
	if _, err := s.orchestrator.QueueStatus(agentID, req.UserID); errors.Is(err, orchestrator.ErrUnknownAgent) {
		respondError(w, http.StatusNotFound, "unknown_agent", err.Error())
		return
	}

	s.orchestrator.HandleMessage(r.Context(), channel.Message{
		AgentID:    agentID,
		ChatID:     req.ChatID,
		UserID:     req.UserID,
		Text:       req.Text,
		ReceivedAt: time.Now(),
	})
	respondJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}
	status, err := s.orchestrator.QueueStatus(chi.URLParam(r, "agent"), chi.URLParam(r, "user"))
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrUnknownAgent), errors.Is(err, workspace.ErrUnknownAgent):
			respondError(w, http.StatusNotFound, "unknown_agent", err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "queue_status_failed", err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "task queue not configured")
		return
	}
	task, err := s.tasks.Find(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, tasks.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "task_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "task_lookup_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, task)
}

// handleCancelTask drops a waiting task. Running tasks are stopped from chat
// with /stop.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "task queue not configured")
		return
	}
	id := chi.URLParam(r, "id")
	task, err := s.tasks.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "task_not_found", err.Error())
		return
	}
	if !s.tasks.Cancel(id) {
		respondError(w, http.StatusConflict, "task_not_waiting", "only waiting tasks can be cancelled; current status is "+string(task.Status))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"task_id": id, "status": tasks.TaskStatusCancelled})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.Latency())
}
