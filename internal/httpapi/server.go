package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/chatbridge/internal/channel"
	"github.com/ent0n29/chatbridge/internal/events"
	"github.com/ent0n29/chatbridge/internal/logger"
	"github.com/ent0n29/chatbridge/internal/observability"
	"github.com/ent0n29/chatbridge/internal/orchestrator"
	"github.com/ent0n29/chatbridge/internal/tasks"
)

// Orchestrator is the part of the engine exposed over HTTP.
type Orchestrator interface {
	HandleMessage(ctx context.Context, msg channel.Message)
	QueueStatus(agentID, userID string) (orchestrator.QueueStatus, error)
}

// TaskQueue is the read and cancel side of the task queue.
type TaskQueue interface {
	Get(taskID string) (tasks.Task, error)
	// Find also looks in the history store.
	Find(ctx context.Context, taskID string) (tasks.Task, error)
	Cancel(taskID string) bool
}

type Options struct {
	Orchestrator Orchestrator
	Tasks        TaskQueue
	Bus          events.Bus
	Metrics      *observability.Metrics
	Logger       *logger.Logger
	// CardCallbacks maps agent ids to their card callback endpoints.
	CardCallbacks map[string]http.Handler
	// StoreMode is reported by the health endpoints.
	StoreMode string
	// EventSubject is the bus pattern streamed by /v1/events.
	EventSubject string
}

type Server struct {
	orchestrator  Orchestrator
	tasks         TaskQueue
	bus           events.Bus
	metrics       *observability.Metrics
	log           *logger.Logger
	cardCallbacks map[string]http.Handler
	storeMode     string
	eventSubject  string
	upgrader      websocket.Upgrader
}

func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	subject := strings.TrimSpace(opts.EventSubject)
	if subject == "" {
		subject = ">"
	}
	return &Server{
		orchestrator:  opts.Orchestrator,
		tasks:         opts.Tasks,
		bus:           opts.Bus,
		metrics:       opts.Metrics,
		log:           log.WithComponent("httpapi"),
		cardCallbacks: opts.CardCallbacks,
		storeMode:     opts.StoreMode,
		eventSubject:  subject,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			http.NotFound(w, r)
			return
		}
		s.metrics.Handler().ServeHTTP(w, r)
	})

	r.Post("/lark/card/{agent}", s.handleCardCallback)

	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Get("/v1/events", s.handleEventsWS)
	r.Post("/v1/agents/{agent}/messages", s.handlePostMessage)
	r.Get("/v1/agents/{agent}/users/{user}/queue", s.handleQueueStatus)
	r.Get("/v1/tasks/{id}", s.handleGetTask)
	r.Post("/v1/tasks/{id}/cancel", s.handleCancelTask)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"task_store_mode": s.taskStoreMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.orchestrator == nil || s.tasks == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "starting"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"task_store_mode": s.taskStoreMode(),
	})
}

func (s *Server) handleCardCallback(w http.ResponseWriter, r *http.Request) {
	h, ok := s.cardCallbacks[chi.URLParam(r, "agent")]
	if !ok || h == nil {
		respondError(w, http.StatusNotFound, "unknown_agent", "no card callback for this agent")
		return
	}
	h.ServeHTTP(w, r)
}

func (s *Server) taskStoreMode() string {
	if strings.TrimSpace(s.storeMode) == "" {
		return "in-memory"
	}
	return s.storeMode
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
