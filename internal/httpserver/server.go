package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/tokligence/chatstream-gateway/internal/auth"
	"github.com/tokligence/chatstream-gateway/internal/health"
	"github.com/tokligence/chatstream-gateway/internal/metrics"
	"github.com/tokligence/chatstream-gateway/internal/provider"
	"github.com/tokligence/chatstream-gateway/internal/ratelimit"
	"github.com/tokligence/chatstream-gateway/internal/session"
	"github.com/tokligence/chatstream-gateway/internal/store"
	"github.com/tokligence/chatstream-gateway/internal/validation"
	"github.com/tokligence/chatstream-gateway/internal/version"
)

const (
	defaultMaxBodyBytes = 1 << 20
	defaultKeepAlive    = 15 * time.Second
	defaultMaxHistory   = 100
)

// Deps are the collaborators a Server routes requests through.
type Deps struct {
	Validator *validation.Validator
	Limiter   *ratelimit.Limiter
	Provider  *provider.Client
	Sessions  *session.Registry
	Store     store.Store
	Auth      *auth.Manager
	Health    *health.Checker
	Metrics   *metrics.Recorder
	Logger    logrus.FieldLogger

	// MaxBodyBytes caps the POST /chat body. Default 1 MiB.
	MaxBodyBytes int64
	// KeepAlive is the interval of `: ping` comments while the provider is
	// silent. Default 15s.
	KeepAlive time.Duration
	// MaxHistory bounds prior turns loaded from storage when the client sends
	// a conversation id without a history. Default 100.
	MaxHistory int
	Now        func() time.Time
}

// Server exposes the chat endpoints.
type Server struct {
	validator *validation.Validator
	limiter   *ratelimit.Limiter
	provider  *provider.Client
	sessions  *session.Registry
	store     store.Store
	auth      *auth.Manager
	health    *health.Checker
	metrics   *metrics.Recorder
	logger    logrus.FieldLogger

	maxBody    int64
	keepAlive  time.Duration
	maxHistory int
	now        func() time.Time
}

// New validates deps and applies defaults.
func New(d Deps) (*Server, error) {
	switch {
	case d.Validator == nil:
		return nil, errors.New("httpserver: validator is required")
	case d.Limiter == nil:
		return nil, errors.New("httpserver: limiter is required")
	case d.Provider == nil:
		return nil, errors.New("httpserver: provider client is required")
	case d.Sessions == nil:
		return nil, errors.New("httpserver: session registry is required")
	case d.Store == nil:
		return nil, errors.New("httpserver: store is required")
	case d.Auth == nil:
		return nil, errors.New("httpserver: auth manager is required")
	}
	if d.Logger == nil {
		d.Logger = logrus.StandardLogger()
	}
	if d.MaxBodyBytes <= 0 {
		d.MaxBodyBytes = defaultMaxBodyBytes
	}
	if d.KeepAlive <= 0 {
		d.KeepAlive = defaultKeepAlive
	}
	if d.MaxHistory <= 0 {
		d.MaxHistory = defaultMaxHistory
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Server{
		validator:  d.Validator,
		limiter:    d.Limiter,
		provider:   d.Provider,
		sessions:   d.Sessions,
		store:      d.Store,
		auth:       d.Auth,
		health:     d.Health,
		metrics:    d.Metrics,
		logger:     d.Logger.WithField("component", "httpserver"),
		maxBody:    d.MaxBodyBytes,
		keepAlive:  d.KeepAlive,
		maxHistory: d.MaxHistory,
		now:        d.Now,
	}, nil
}

// Router returns a configured chi router for embedding in HTTP servers.
func (s *Server) Router() http.Handler {
	r := s.newBaseRouter()
	r.Post("/chat", s.handleChatPost)
	r.Delete("/chat", s.handleChatDelete)
	r.Get("/chat", s.handleChatStatus)
	r.Get("/usage", s.handleUsage)
	r.Get("/health", s.handleHealth)
	return r
}

func (s *Server) newBaseRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	return r
}

// Shutdown cancels every live session and waits until their handlers have
// unregistered them, or ctx ends.
func (s *Server) Shutdown(ctx context.Context) {
	if n := s.sessions.CancelAll(); n > 0 {
		s.logger.WithField("sessions", n).Info("cancelled active sessions for shutdown")
	}
	poll := time.NewTicker(20 * time.Millisecond)
	defer poll.Stop()
	for s.sessions.Count() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.respondJSON(w, http.StatusOK, map[string]any{
			"status":  health.StatusHealthy,
			"version": version.Version,
		})
		return
	}
	status := s.health.Check(r.Context())
	s.respondJSON(w, status.HTTPStatus(), map[string]any{
		"status":          status.Status,
		"timestamp":       status.Timestamp,
		"components":      status.Components,
		"active_sessions": s.sessions.Count(),
		"version":         version.Version,
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondError writes {"error":{"type","message"}}. An empty message selects
// the fallback text for kind.
func (s *Server) respondError(w http.ResponseWriter, status int, kind, message string) {
	if message == "" {
		message = provider.FallbackMessage(kind)
	}
	s.respondJSON(w, status, map[string]any{
		"error": map[string]string{"type": kind, "message": message},
	})
}
