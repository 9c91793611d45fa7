// Package server provides the HTTP surface: the provider proxy mount,
// the admin read API over interaction records, and health.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bastion-ai/bastion/internal/otel"
	"github.com/bastion-ai/bastion/internal/store"
)

const defaultTimeout = 30 * time.Second

// Server holds the dependencies for the HTTP API.
type Server struct {
	router    *chi.Mux
	gateway   http.Handler
	store     *store.Store
	apiKeys   []string
	version   string
	startTime time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithAdminKeys sets the API keys accepted by the admin read API. When
// none are set the admin API rejects every request.
func WithAdminKeys(keys []string) Option {
	return func(s *Server) { s.apiKeys = keys }
}

// WithVersion sets the version string reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// New builds a Server. The gateway handler is mounted at the root so
// provider paths stay short (/{provider}/...); the admin API lives
// under /v1.
func New(gateway http.Handler, st *store.Store, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		gateway:   gateway,
		store:     st,
		version:   "dev",
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the configured http.Handler. Proxy routes carry no
// request timeout: streaming responses outlive any fixed budget and the
// gateway enforces its own upstream timeouts.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otel.Middleware())

	r.Get("/health", s.handleHealth)
	r.Get("/v1/health", s.handleHealth)

	// Admin read API. Consumers of the records, not participants in the
	// proxy control flow.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.apiKeys))
		r.Use(middleware.Timeout(defaultTimeout))

		r.Get("/v1/interactions", s.handleInteractionsList)
		r.Get("/v1/interactions/{id}", s.handleInteractionGet)
		r.Get("/v1/interactions/{id}/verify", s.handleInteractionVerify)
		r.Get("/v1/quarantine/{toolCallID}", s.handleQuarantineResults)
	})

	// Provider proxy: agent identification happens inside the gateway,
	// not through the admin auth middleware.
	if s.gateway != nil {
		r.Mount("/", s.gateway)
	}

	return r
}
