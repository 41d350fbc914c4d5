// Package web provides the HTTP surface: message ingress, conversation
// and approval queries, observability endpoints, the event WebSocket,
// and a small dashboard. All request and error bodies are JSON except
// the dashboard page.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/ember-agent/internal/buildinfo"
	"github.com/nugget/ember-agent/internal/convo"
	"github.com/nugget/ember-agent/internal/energy"
	"github.com/nugget/ember-agent/internal/events"
)

// maxBodyBytes caps request bodies before JSON decoding.
const maxBodyBytes = 10 << 20

// LoopControl is the slice of the cognitive loop the HTTP surface
// touches.
type LoopControl interface {
	EnqueueMessage(id string)
	Wake()
	FocusOn(id string)
}

// Config tunes the server.
type Config struct {
	Address            string
	Port               int
	MaxMessageLength   int
	RateLimitPerMinute int
	RateLimitBurst     int
}

// Server is the HTTP server over the agent's state.
type Server struct {
	cfg    Config
	store  *convo.Store
	energy *energy.Regulator
	loop   LoopControl
	bus    *events.Bus
	logger *slog.Logger

	limiter *rateLimiter
	server  *http.Server

	// now is a clock seam for approval timestamps.
	now func() time.Time
}

// NewServer creates the server. bus may be nil; the events endpoint
// then serves no traffic.
func NewServer(cfg Config, store *convo.Store, reg *energy.Regulator, loop LoopControl, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = 10000
	}
	return &Server{
		cfg:     cfg,
		store:   store,
		energy:  reg,
		loop:    loop,
		bus:     bus,
		logger:  logger,
		limiter: newRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitBurst),
		now:     time.Now,
	}
}

// Handler builds the route table. Split from Start for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /message", s.handleMessage)
	mux.HandleFunc("GET /conversations", s.handleConversationList)
	mux.HandleFunc("GET /conversations/{id}", s.handleConversationGet)
	mux.HandleFunc("GET /conversations/{id}/approvals", s.handleApprovalList)
	mux.HandleFunc("POST /conversations/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /conversations/{id}/reject", s.handleReject)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleHealth)
	mux.HandleFunc("GET /live", s.handleHealth)
	mux.HandleFunc("GET /energy", s.handleEnergy)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /version", s.handleVersion)

	mux.HandleFunc("POST /admin/trigger-reflection", s.handleTriggerReflection)
	mux.HandleFunc("POST /admin/process-conversation/{id}", s.handleProcessConversation)

	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /{$}", s.handleDashboard)

	return s.withLogging(s.withRateLimit(mux))
}

// Start begins serving. Blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start(ctx context.Context) error {
	s.limiter.startEviction(ctx, time.Minute, 10*time.Minute)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}
	s.logger.Info("starting HTTP server", "address", s.cfg.Address, "port", s.cfg.Port)
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
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// writeJSON encodes v to w, logging encode failures at debug level.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("response encode failed", "error", err)
	}
}

func (s *Server) errorJSON(w http.ResponseWriter, status int, format string, args ...any) {
	s.writeJSON(w, status, map[string]any{
		"error": fmt.Sprintf(format, args...),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleEnergy(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"level":      s.energy.Current(),
		"percentage": s.energy.Percentage(),
		"status":     s.energy.Status(),
		"rate":       s.energy.Rate(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.Stats())
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, buildinfo.Info())
}

func (s *Server) handleTriggerReflection(w http.ResponseWriter, r *http.Request) {
	s.loop.Wake()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "triggered"})
}

func (s *Server) handleProcessConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.store.Exists(id) {
		s.errorJSON(w, http.StatusNotFound, "conversation %s not found", id)
		return
	}
	s.loop.FocusOn(id)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "focused", "requestId": id})
}
