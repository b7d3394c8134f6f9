// Package api implements the assistant's HTTP surface: the streaming
// turn endpoint (SSE and WebSocket), conversation reads, and usage.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/driveline/al-assistant/internal/agent"
	"github.com/driveline/al-assistant/internal/auth"
	"github.com/driveline/al-assistant/internal/buildinfo"
	"github.com/driveline/al-assistant/internal/config"
	"github.com/driveline/al-assistant/internal/conversation"
	"github.com/driveline/al-assistant/internal/ledger"
	"github.com/driveline/al-assistant/internal/usage"
)

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	logger   *slog.Logger
	verifier auth.Verifier
	ledger   *ledger.Store
	convs    *conversation.Store
	guard    *conversation.Guard
	usage    *usage.Store
	loop     *agent.Loop
	cfg      config.AssistantConfig
	server   *http.Server
}

// NewServer creates the API server.
func NewServer(address string, port int, logger *slog.Logger, verifier auth.Verifier,
	led *ledger.Store, convs *conversation.Store, usageStore *usage.Store,
	loop *agent.Loop, cfg config.AssistantConfig) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:  address,
		port:     port,
		logger:   logger,
		verifier: verifier,
		ledger:   led,
		convs:    convs,
		guard:    conversation.NewGuard(),
		usage:    usageStore,
		loop:     loop,
		cfg:      cfg,
	}
}

// Handler returns the routed handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/assistant/turns", s.handleTurn)
	mux.HandleFunc("GET /v1/assistant/ws", s.handleWebSocket)
	mux.HandleFunc("GET /v1/assistant/conversations/{id}", s.handleConversationGet)
	mux.HandleFunc("GET /v1/assistant/usage", s.handleUsage)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.withLogging(mux)
}

// Start begins listening. Blocks until the server exits.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses manage their own deadlines
	}

	s.logger.Info("api server listening", "address", s.address, "port", s.port)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": buildinfo.Uptime().Round(time.Second).String(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, buildinfo.Info())
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.FromRequest(s.verifier, r)
	if err != nil {
		s.errorResponse(w, http.StatusUnauthorized, "unauthorized", "invalid or missing token")
		return
	}

	u, err := s.ledger.GetUsage(r.Context(), userID)
	if err != nil {
		s.logger.Error("usage read failed", "user", userID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal", "usage unavailable")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"balance_cents": u.BalanceCents,
		"daily_usage": map[string]any{
			"queries_today": u.QueriesToday,
			"daily_cap":     s.cfg.DailyQueryCap,
			"is_unlimited":  u.IsUnlimited,
			"is_beta":       u.IsBeta,
		},
		"monthly_message_count": u.MonthlyMessageCount,
	})
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.FromRequest(s.verifier, r)
	if err != nil {
		s.errorResponse(w, http.StatusUnauthorized, "unauthorized", "invalid or missing token")
		return
	}

	convID := r.PathValue("id")
	msgs, err := s.convs.History(r.Context(), convID, userID, 0)
	if errors.Is(err, conversation.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "not_found", "conversation not found")
		return
	}
	if err != nil {
		s.logger.Error("history read failed", "conversation", convID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal", "history unavailable")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": convID,
		"messages":        msgs,
	})
}

// writeJSON encodes v to w. Encoding errors typically mean the client
// disconnected mid-response, which is not actionable.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
