// Package server exposes the sanitize and rehydrate operations over HTTP
// for agent tooling. Responses carry sanitized documents, counts and paths;
// original values only ever reach the local filesystem.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/moltshield/internal/config"
	"github.com/raaihank/moltshield/internal/events"
	"github.com/raaihank/moltshield/internal/gatekeeper"
	"github.com/raaihank/moltshield/internal/logger"
)

// Server is the HTTP tool surface
type Server struct {
	config  *config.Config
	logger  *logger.Logger
	service *gatekeeper.Service
	hub     *events.Hub
	limiter *RateLimiter
	router  *mux.Router
	server  *http.Server
}

// New creates a server. hub may be nil when the event stream is disabled.
func New(cfg *config.Config, log *logger.Logger, svc *gatekeeper.Service, hub *events.Hub) (*Server, error) {
	if cfg == nil || svc == nil {
		return nil, errors.New("server requires a config and a sanitize service")
	}
	if log == nil {
		log = logger.Nop()
	}

	s := &Server{
		config:  cfg,
		logger:  log.WithComponent("server"),
		service: svc,
		hub:     hub,
		router:  mux.NewRouter(),
	}
	if cfg.RateLimit.Enabled {
		s.limiter = NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return s, nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	// The websocket upgrade needs the raw writer, so it skips the middleware.
	if s.hub != nil {
		s.router.HandleFunc(s.config.Events.Path, s.hub.HandleWebSocket).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/v1").Subrouter()
	api.Use(s.loggingMiddleware)
	api.Use(s.rateLimitMiddleware)
	api.Use(s.bodyLimitMiddleware)
	api.HandleFunc("/sanitize", s.handleSanitize).Methods(http.MethodPost)
	api.HandleFunc("/optimizations", s.handleOptimization).Methods(http.MethodPost)
	api.HandleFunc("/rehydrate", s.handleRehydrate).Methods(http.MethodPost)
	api.HandleFunc("/policies", s.handlePolicies).Methods(http.MethodGet)
	api.HandleFunc("/vaults", s.handleVaults).Methods(http.MethodGet)
	api.HandleFunc("/vaults/{session}", s.handleVault).Methods(http.MethodGet)
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the event hub and serves until Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting moltshield server",
		zap.Int("port", s.config.Server.Port),
		zap.String("input_dir", s.config.Paths.InputDir),
		zap.String("output_dir", s.config.Paths.OutputDir),
		zap.Bool("events", s.hub != nil),
	)

	if s.hub != nil {
		go s.hub.Run(ctx)
	}
	if s.limiter != nil {
		s.limiter.StartCleanupRoutine(ctx)
	}

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping moltshield server")
	return s.server.Shutdown(ctx)
}

// publish forwards an event to the hub when one is attached.
func (s *Server) publish(t events.EventType, data interface{}) {
	if s.hub != nil {
		s.hub.Publish(t, data)
	}
}
