// Package api exposes the agent over HTTP: a JSON chat endpoint, an SSE
// streaming variant, a WebSocket transport, and small operational
// endpoints (health, version, session stats, audit tail).
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/openfolio/advisor-agent/internal/agent"
	"github.com/openfolio/advisor-agent/internal/audit"
	"github.com/openfolio/advisor-agent/internal/buildinfo"
	"github.com/openfolio/advisor-agent/internal/llm"
)

// ChatService is what the transport needs from the agent.
type ChatService interface {
	Chat(ctx context.Context, userID, convID, message string, callback llm.StreamCallback) (*agent.Reply, error)
	NewConversationID() string
}

// AuditReader serves the audit tail endpoint. Optional.
type AuditReader interface {
	Recent(ctx context.Context, limit int) ([]audit.Entry, error)
}

// Server is the HTTP transport for the agent.
type Server struct {
	svc    ChatService
	audit  AuditReader
	logger *slog.Logger
	mux    *http.ServeMux
	stats  sessionStats
}

// NewServer creates the HTTP server. auditReader may be nil, which
// disables the audit endpoint.
func NewServer(svc ChatService, auditReader AuditReader, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:    svc,
		audit:  auditReader,
		logger: logger.With("component", "api"),
		mux:    http.NewServeMux(),
	}
	s.stats.started = time.Now()

	s.mux.HandleFunc("POST /v1/chat", s.handleChat)
	s.mux.HandleFunc("POST /v1/chat/stream", s.handleChatStream)
	s.mux.HandleFunc("GET /v1/chat/ws", s.handleChatWS)
	s.mux.HandleFunc("GET /v1/stats", s.handleStats)
	s.mux.HandleFunc("GET /v1/audit", s.handleAudit)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /version", s.handleVersion)
	return s
}

// Handler returns the root handler with logging middleware applied.
func (s *Server) Handler() http.Handler {
	return s.withLogging(s.mux)
}

type chatRequest struct {
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
}

// userID extracts the caller identity. Authentication itself lives in
// the gateway in front of this service; we trust its header here.
func userID(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	return "anonymous"
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	s.stats.inc(&s.stats.chatRequests)

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	reply, err := s.svc.Chat(r.Context(), userID(r), req.ConversationID, req.Message, nil)
	if err != nil {
		s.chatError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, reply)
}

// handleChatStream streams the reply as server-sent events. The first
// event carries the conversation id, then one event per text chunk,
// then [DONE]. Errors at any point produce an {"error": …} event.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	s.stats.inc(&s.stats.streamRequests)

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	convID := req.ConversationID
	if convID == "" {
		convID = s.svc.NewConversationID()
	}
	s.writeSSE(w, flusher, map[string]any{"conversationId": convID})

	_, err := s.svc.Chat(r.Context(), userID(r), convID, req.Message, func(ev llm.StreamEvent) {
		if ev.Kind == llm.KindToken && ev.Token != "" {
			s.writeSSE(w, flusher, map[string]any{"chunk": ev.Token})
		}
	})
	if err != nil {
		s.stats.inc(&s.stats.errors)
		s.writeSSE(w, flusher, map[string]any{"error": userFacingError(err)})
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.stats.snapshot())
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		s.errorResponse(w, http.StatusNotFound, "audit log not enabled")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	entries, err := s.audit.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("audit query failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, buildinfo.Info())
}

// chatError maps service errors to status codes: configuration problems
// are 503, everything else 500. Raw internals stay out of the body.
func (s *Server) chatError(w http.ResponseWriter, err error) {
	s.stats.inc(&s.stats.errors)
	if errors.Is(err, agent.ErrNotConfigured) {
		s.errorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.logger.Error("chat request failed", "error", err)
	s.errorResponse(w, http.StatusInternalServerError, "chat request failed")
}

func userFacingError(err error) string {
	if errors.Is(err, agent.ErrNotConfigured) {
		return err.Error()
	}
	return "chat request failed"
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writing response failed", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeSSE(w http.ResponseWriter, flusher http.Flusher, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("marshal SSE payload failed", "error", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

// withLogging logs each request with method, path, status, and duration.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the WebSocket upgrade work through the logging wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := w.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijack not supported")
}

// sessionStats tracks per-process request counters.
type sessionStats struct {
	mu             sync.Mutex
	started        time.Time
	chatRequests   int64
	streamRequests int64
	wsRequests     int64
	errors         int64
}

func (s *sessionStats) inc(counter *int64) {
	s.mu.Lock()
	*counter++
	s.mu.Unlock()
}

func (s *sessionStats) snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"uptime":         time.Since(s.started).Round(time.Second).String(),
		"chatRequests":   s.chatRequests,
		"streamRequests": s.streamRequests,
		"wsRequests":     s.wsRequests,
		"errors":         s.errors,
	}
}
