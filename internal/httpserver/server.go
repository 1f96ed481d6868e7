// Package httpserver hosts the protected application routes behind the
// authentication filter.
package httpserver

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/al-bashkir/keycloak-authfilter/internal/config"
	"github.com/al-bashkir/keycloak-authfilter/internal/filter"
)

// EndSessionURLer builds the identity provider logout URL.
type EndSessionURLer interface {
	EndSessionURL(idTokenHint, postLogoutRedirectURI string) string
}

// SessionCounter reports the number of local sessions.
type SessionCounter interface {
	Count() int
}

// RegistryCounter reports the number of Keycloak-bound sessions.
type RegistryCounter interface {
	Count(ctx context.Context) (int, error)
}

// Deps are the components the server routes to.
type Deps struct {
	// Filter protects every route except health and logout
	Filter *filter.Filter

	// EndSession is optional; without it logout stays local
	EndSession EndSessionURLer

	// Sessions and Registry are optional and only feed the health report
	Sessions SessionCounter
	Registry RegistryCounter

	// Version is reported by the health check
	Version string
}

// Server is the HTTP server hosting the filtered routes.
type Server struct {
	cfg        *config.Config
	deps       Deps
	router     chi.Router
	httpServer *http.Server
	limiter    *IPRateLimiter

	// public holds the exact paths served without authentication
	public map[string]bool
}

// NewServer creates a new HTTP server.
func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.Filter == nil {
		return nil, errors.New("httpserver: filter is required")
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		limiter: newIPRateLimiter(rateLimitPerSecond, rateLimitBurst),
	}

	contextPath := strings.TrimSuffix(cfg.Filter.ContextPath, "/")
	s.public = map[string]bool{
		"/health":               true,
		contextPath + "/logout": true,
	}

	r := chi.NewRouter()
	r.Use(securityHeadersMiddleware)
	r.Use(chimw.RequestID)
	r.Use(s.limiter.Middleware)
	r.Use(recoveryMiddleware)
	r.Use(loggingMiddleware)
	r.Use(s.publicRoutes)
	r.Use(deps.Filter.Middleware)

	r.Get("/health", s.handleHealth)
	if contextPath == "" {
		s.routes(r)
	} else {
		r.Route(contextPath, s.routes)
	}
	s.router = r

	s.httpServer = &http.Server{
		Addr:         cfg.Listen.HTTP,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.TLS.Enabled {
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CipherSuites: []uint16{
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			},
		}
	}

	return s, nil
}

// routes registers the application routes below the context path.
// Keycloak adapter actions never reach the router; the filter answers them.
func (s *Server) routes(r chi.Router) {
	r.Get("/logout", s.handleLogout)
	r.Post("/logout", s.handleLogout)
	r.Get("/api/whoami", s.handleWhoami)
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	slog.Info("starting HTTP server",
		"addr", s.cfg.Listen.HTTP,
		"tls", s.cfg.TLS.Enabled,
		"context_path", s.cfg.Filter.ContextPath,
	)

	if s.cfg.TLS.Enabled {
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// publicRoutes marks the routes that bypass authentication. Logout must
// work for sessions the filter would reject.
func (s *Server) publicRoutes(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.public[r.URL.Path] {
			r = r.WithContext(filter.WithNoAuthRequired(r.Context()))
		}
		next.ServeHTTP(w, r)
	})
}
