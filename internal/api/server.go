// Package api implements the HTTP API for driving turns and
// inspecting sessions.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golemcore/agentd/internal/buildinfo"
	"github.com/golemcore/agentd/internal/conversation"
	"github.com/golemcore/agentd/internal/events"
	"github.com/golemcore/agentd/internal/llm"
	"github.com/golemcore/agentd/internal/loop"
	"github.com/golemcore/agentd/internal/store"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address      string
	port         int
	orchestrator *loop.Orchestrator
	sessions     *SessionManager
	store        store.Store
	usage        *llm.UsageTracker
	builder      *conversation.ViewBuilder
	bus          *events.Bus
	defaultModel string
	logger       *slog.Logger
	server       *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, orch *loop.Orchestrator, sessions *SessionManager, st store.Store, defaultModel string, logger *slog.Logger) *Server {
	return &Server{
		address:      address,
		port:         port,
		orchestrator: orch,
		sessions:     sessions,
		store:        st,
		builder:      conversation.NewViewBuilder(),
		defaultModel: defaultModel,
		logger:       logger,
	}
}

// SetUsageTracker wires the tracker behind the /v1/usage endpoint.
func (s *Server) SetUsageTracker(t *llm.UsageTracker) {
	s.usage = t
}

// SetEventBus wires the bus behind the /v1/events WebSocket endpoint.
func (s *Server) SetEventBus(b *events.Bus) {
	s.bus = b
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/turn", s.handleTurn)

	mux.HandleFunc("GET /v1/sessions", s.handleSessionList)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleSessionGet)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleSessionDelete)
	mux.HandleFunc("POST /v1/sessions/{id}/interrupt", s.handleSessionInterrupt)
	mux.HandleFunc("GET /v1/sessions/{id}/view", s.handleSessionView)

	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 600 * time.Second, // Turns can run for minutes
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

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "agentd",
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
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

// TurnRequest drives one turn of the tool loop.
type TurnRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
	Model     string `json:"model,omitempty"`
}

// TurnResponse reports the outcome of one turn.
type TurnResponse struct {
	SessionID    string `json:"session_id"`
	Response     string `json:"response"`
	Status       string `json:"status"`
	AbortReason  string `json:"abort_reason,omitempty"`
	Model        string `json:"model"`
	Iterations   int    `json:"iterations"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	ElapsedMS    int64  `json:"elapsed_ms"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	model := req.Model
	if model == "" {
		model = s.defaultModel
	}

	sess, err := s.sessions.GetOrCreate(req.SessionID)
	if err != nil {
		s.logger.Error("session load failed", "session_id", req.SessionID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "session load failed")
		return
	}

	// One turn at a time per session.
	lock := s.sessions.TurnLock(sess.ID())
	lock.Lock()
	defer lock.Unlock()

	result, err := s.orchestrator.ProcessTurn(r.Context(), sess, req.Message, model)
	if err != nil {
		s.logger.Error("turn failed", "session_id", sess.ID(), "error", err)
		s.errorResponse(w, http.StatusBadGateway, "turn failed: "+err.Error())
		return
	}

	if err := s.store.SaveMetadata(sess.ID(), sess.Metadata()); err != nil {
		s.logger.Warn("metadata save failed", "session_id", sess.ID(), "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, TurnResponse{
		SessionID:    sess.ID(),
		Response:     result.FinalMessage.Content,
		Status:       string(result.Status),
		AbortReason:  result.AbortReason,
		Model:        model,
		Iterations:   result.Iterations,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
		ElapsedMS:    result.Elapsed.Milliseconds(),
	}, s.logger)
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	infos, err := s.store.ListSessions()
	if err != nil {
		s.logger.Error("session list failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "list sessions failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"sessions": infos,
		"count":    len(infos),
	}, s.logger)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.sessions.Get(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Error("session get failed", "session_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "session get failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"id":         sess.ID(),
		"created_at": sess.CreatedAt(),
		"metadata":   sess.Metadata(),
		"messages":   sess.Messages(),
	}, s.logger)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sessions.Drop(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Error("session delete failed", "session_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "session delete failed")
		return
	}
	s.bus.Publish(events.Event{
		Timestamp: time.Now().UTC(),
		Source:    events.SourceAPI,
		Kind:      events.KindSessionDeleted,
		Data:      map[string]any{"session_id": id},
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionInterrupt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.sessions.Get(id)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}
	sess.RequestInterrupt()
	s.logger.Info("interrupt requested", "session_id", id)
	s.bus.Publish(events.Event{
		Timestamp: time.Now().UTC(),
		Source:    events.SourceAPI,
		Kind:      events.KindInterruptRequested,
		Data:      map[string]any{"session_id": id},
	})

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"status": "ok", "session_id": id}, s.logger)
}

// handleSessionView renders the conversation exactly as it would be
// sent to the given model, masking included.
// GET /v1/sessions/{id}/view?model=qwen3:8b
func (s *Server) handleSessionView(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	model := r.URL.Query().Get("model")
	if model == "" {
		model = s.defaultModel
	}

	sess, err := s.sessions.Get(id)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}

	view := s.builder.BuildSessionView(sess, model)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"session_id":  id,
		"model":       model,
		"masked":      view.Masked(),
		"diagnostics": view.Diagnostics(),
		"messages":    view.Messages(),
	}, s.logger)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage tracking not configured")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.usage.Snapshot(), s.logger)
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
