// Package api implements the HTTP API: chat with approval flow, task
// and calendar operations, guided sessions, and operational endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mfield/valet/internal/agent"
	"github.com/mfield/valet/internal/buildinfo"
	"github.com/mfield/valet/internal/calendar"
	"github.com/mfield/valet/internal/events"
	"github.com/mfield/valet/internal/guided"
	"github.com/mfield/valet/internal/llm"
	"github.com/mfield/valet/internal/observability"
	"github.com/mfield/valet/internal/tasks"
	"github.com/mfield/valet/internal/todoist"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	engine   *agent.Engine
	tasks    *tasks.Service
	calendar *calendar.Service
	guided   *guided.Manager
	llm      llm.Client
	bus      *events.Bus
	logger   *slog.Logger
	server   *http.Server
}

// NewServer creates the API server. bus may be nil, which disables the
// event stream endpoint's output (clients connect and see nothing).
// llmClient may be nil, in which case /health skips the provider probe.
func NewServer(address string, port int, engine *agent.Engine, taskSvc *tasks.Service, calSvc *calendar.Service, sessions *guided.Manager, llmClient llm.Client, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:  address,
		port:     port,
		engine:   engine,
		tasks:    taskSvc,
		calendar: calSvc,
		guided:   sessions,
		llm:      llmClient,
		bus:      bus,
		logger:   logger,
	}
}

// Handler builds the route table. Exposed separately from Start so
// tests can drive the mux through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Conversation
	mux.HandleFunc("POST /v1/chat/message", s.handleChatMessage)
	mux.HandleFunc("POST /v1/chat/approve", s.handleApprove)
	mux.HandleFunc("POST /v1/chat/reject", s.handleReject)
	mux.HandleFunc("GET /v1/chat/threads", s.handleThreadList)
	mux.HandleFunc("GET /v1/chat/threads/{id}", s.handleThreadGet)

	// Tasks
	mux.HandleFunc("GET /v1/tasks", s.handleTaskList)
	mux.HandleFunc("POST /v1/tasks", s.handleTaskCreate)
	mux.HandleFunc("PATCH /v1/tasks/{id}", s.handleTaskUpdate)
	mux.HandleFunc("DELETE /v1/tasks/{id}", s.handleTaskDelete)
	mux.HandleFunc("POST /v1/tasks/{id}/complete", s.handleTaskComplete)
	mux.HandleFunc("POST /v1/tasks/sync", s.handleTaskSync)

	// Calendar
	mux.HandleFunc("GET /v1/calendar/events", s.handleEventList)
	mux.HandleFunc("POST /v1/calendar/events", s.handleEventCreate)
	mux.HandleFunc("GET /v1/calendar/free", s.handleFreeBlocks)
	mux.HandleFunc("POST /v1/calendar/sync", s.handleCalendarSync)

	// Guided sessions
	mux.HandleFunc("POST /v1/sessions", s.handleSessionStart)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleSessionGet)
	mux.HandleFunc("POST /v1/sessions/{id}/complete", s.handleSessionComplete)
	mux.HandleFunc("POST /v1/sessions/{id}/skip", s.handleSessionSkip)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleSessionEnd)

	// Operational
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/events", s.handleEventStream)
	mux.Handle("GET /metrics", observability.Handler())
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	return s.withLogging(mux)
}

// Start runs the server until it fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // LLM turns can be slow
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// agentError maps engine errors to HTTP responses.
func (s *Server) agentError(w http.ResponseWriter, err error) {
	var unknown *agent.UnknownCallError
	switch {
	case errors.Is(err, agent.ErrNoPendingAction):
		s.errorResponse(w, http.StatusConflict, err.Error())
	case errors.As(err, &unknown):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("agent error", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "agent error")
	}
}

// --- conversation handlers ---

type chatMessageRequest struct {
	ThreadID string `json:"thread_id,omitempty"`
	Message  string `json:"message"`
}

func (s *Server) handleChatMessage(w http.ResponseWriter, r *http.Request) {
	var req chatMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.ThreadID == "" {
		req.ThreadID = uuid.New().String()
	}

	result, err := s.engine.Send(r.Context(), req.ThreadID, req.Message)
	if err != nil {
		s.agentError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, result, s.logger)
}

type approveRequest struct {
	ThreadID string   `json:"thread_id"`
	CallIDs  []string `json:"call_ids,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ThreadID == "" {
		s.errorResponse(w, http.StatusBadRequest, "thread_id is required")
		return
	}

	result, err := s.engine.Approve(r.Context(), req.ThreadID, req.CallIDs)
	if err != nil {
		s.agentError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, result, s.logger)
}

type rejectRequest struct {
	ThreadID string `json:"thread_id"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ThreadID == "" {
		s.errorResponse(w, http.StatusBadRequest, "thread_id is required")
		return
	}

	result, err := s.engine.Reject(r.Context(), req.ThreadID, req.Reason)
	if err != nil {
		s.agentError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, result, s.logger)
}

func (s *Server) handleThreadList(w http.ResponseWriter, r *http.Request) {
	threads, err := s.engine.Threads()
	if err != nil {
		s.logger.Error("list threads", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "storage error")
		return
	}
	if threads == nil {
		threads = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"threads": threads}, s.logger)
}

func (s *Server) handleThreadGet(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.State(r.Context(), r.PathValue("id"))
	if err != nil {
		s.logger.Error("thread state", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "storage error")
		return
	}
	if snap == nil {
		s.errorResponse(w, http.StatusNotFound, "thread not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, snap, s.logger)
}

// --- task handlers ---

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	list, err := s.tasks.List(r.Context())
	if err != nil {
		s.logger.Error("list tasks", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "storage error")
		return
	}
	if list == nil {
		list = []todoist.Task{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"tasks": list}, s.logger)
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	var p todoist.TaskParams
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if p.Content == "" {
		s.errorResponse(w, http.StatusBadRequest, "content is required")
		return
	}

	task, err := s.tasks.Create(r.Context(), p)
	if err != nil {
		s.errorResponse(w, http.StatusBadGateway, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, task, s.logger)
}

func (s *Server) handleTaskUpdate(w http.ResponseWriter, r *http.Request) {
	var p todoist.TaskParams
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	task, err := s.tasks.Update(r.Context(), r.PathValue("id"), p)
	if err != nil {
		s.errorResponse(w, http.StatusBadGateway, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, task, s.logger)
}

func (s *Server) handleTaskDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.errorResponse(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTaskComplete(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.Complete(r.Context(), r.PathValue("id")); err != nil {
		s.errorResponse(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTaskSync(w http.ResponseWriter, r *http.Request) {
	upserted, deleted, err := s.tasks.Sync(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusBadGateway, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"upserted": upserted, "deleted": deleted}, s.logger)
}

// --- calendar handlers ---

func (s *Server) handleEventList(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 7)
	list, err := s.calendar.ListEvents(r.Context(), days)
	if err != nil {
		s.logger.Error("list events", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "storage error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"events": list}, s.logger)
}

type eventCreateRequest struct {
	Summary     string    `json:"summary"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Description string    `json:"description,omitempty"`
}

func (s *Server) handleEventCreate(w http.ResponseWriter, r *http.Request) {
	var req eventCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Summary == "" || req.Start.IsZero() || req.End.IsZero() {
		s.errorResponse(w, http.StatusBadRequest, "summary, start, and end are required")
		return
	}
	if !req.End.After(req.Start) {
		s.errorResponse(w, http.StatusBadRequest, "end must be after start")
		return
	}

	ev, err := s.calendar.CreateEvent(r.Context(), req.Summary, req.Start, req.End, req.Description)
	if err != nil {
		s.errorResponse(w, http.StatusBadGateway, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, ev, s.logger)
}

func (s *Server) handleFreeBlocks(w http.ResponseWriter, r *http.Request) {
	durationMin := queryInt(r, "duration_min", 0)
	if durationMin <= 0 {
		s.errorResponse(w, http.StatusBadRequest, "duration_min is required")
		return
	}
	days := queryInt(r, "days", 7)

	blocks, err := s.calendar.FindFreeBlocks(r.Context(), durationMin, days)
	if err != nil {
		s.errorResponse(w, http.StatusBadGateway, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"free": blocks}, s.logger)
}

func (s *Server) handleCalendarSync(w http.ResponseWriter, r *http.Request) {
	upserted, deleted, err := s.calendar.Sync(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusBadGateway, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"upserted": upserted, "deleted": deleted}, s.logger)
}

// --- guided session handlers ---

type sessionStartRequest struct {
	Label string `json:"label,omitempty"`
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req sessionStartRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	session, err := s.guided.Start(r.Context(), req.Label)
	if err != nil {
		s.errorResponse(w, http.StatusConflict, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, session, s.logger)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	session, err := s.guided.Get(r.PathValue("id"))
	if err != nil {
		s.guidedError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, session, s.logger)
}

func (s *Server) handleSessionComplete(w http.ResponseWriter, r *http.Request) {
	session, err := s.guided.Complete(r.Context(), r.PathValue("id"))
	if err != nil {
		s.guidedError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, session, s.logger)
}

func (s *Server) handleSessionSkip(w http.ResponseWriter, r *http.Request) {
	session, err := s.guided.Skip(r.Context(), r.PathValue("id"))
	if err != nil {
		s.guidedError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, session, s.logger)
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	if err := s.guided.End(r.PathValue("id")); err != nil {
		s.guidedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) guidedError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, guided.ErrSessionNotFound):
		s.errorResponse(w, http.StatusNotFound, err.Error())
	case errors.Is(err, guided.ErrSessionDone):
		s.errorResponse(w, http.StatusConflict, err.Error())
	default:
		s.errorResponse(w, http.StatusBadGateway, err.Error())
	}
}

// --- operational handlers ---

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Valet",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status := "healthy"
	if s.llm != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.llm.Ping(ctx); err != nil {
			s.logger.Warn("llm ping failed", "error", err)
			status = "degraded"
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}
	writeJSON(w, map[string]string{"status": status}, s.logger)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
