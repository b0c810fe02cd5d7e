package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/pii-sentinel/internal/config"
	"github.com/raaihank/pii-sentinel/internal/logger"
	"github.com/raaihank/pii-sentinel/internal/pipeline"
	"github.com/raaihank/pii-sentinel/internal/websocket"
)

// Version is reported by /info
const Version = "0.2.0"

// RuleLister reports which pattern rules are active
type RuleLister interface {
	GetEnabledRules() []string
}

// Server represents the HTTP API
type Server struct {
	config    *config.Config
	logger    *logger.Logger
	pipeline  *pipeline.Pipeline
	rules     RuleLister
	wsHub     *websocket.Hub
	limiter   *RateLimiter
	router    *mux.Router
	server    *http.Server
	startedAt time.Time
}

// New creates the API server. hub may be nil when websocket events are off.
func New(cfg *config.Config, pipe *pipeline.Pipeline, rules RuleLister, hub *websocket.Hub, log *logger.Logger) *Server {
	s := &Server{
		config:    cfg,
		logger:    log.WithComponent("server"),
		pipeline:  pipe,
		rules:     rules,
		wsHub:     hub,
		router:    mux.NewRouter(),
		startedAt: time.Now(),
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

	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)

	if s.wsHub != nil && s.config.WebSocket.Enabled {
		path := s.config.WebSocket.Path
		if path == "" {
			path = "/ws"
		}
		s.router.HandleFunc(path, s.wsHub.HandleWebSocket).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/v1").Subrouter()
	api.Use(s.loggingMiddleware)
	api.Use(s.rateLimitMiddleware)
	api.Use(s.bodyLimitMiddleware)

	api.HandleFunc("/detect", s.handleDetect).Methods(http.MethodPost)
	api.HandleFunc("/tokenize", s.handleTokenize).Methods(http.MethodPost)
	api.HandleFunc("/detokenize", s.handleDetokenize).Methods(http.MethodPost)
	api.HandleFunc("/documents/{id}/detect", s.handleDocumentDetect).Methods(http.MethodPost)
	api.HandleFunc("/documents/{id}/pii", s.handleDocumentPII).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}/tokenize", s.handleDocumentTokenize).Methods(http.MethodPost)
	api.HandleFunc("/documents/{id}/tokenized", s.handleDocumentTokenized).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}/activity", s.handleDocumentActivity).Methods(http.MethodGet)
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Stop is called
func (s *Server) Start() error {
	s.logger.Info("Starting PII-Sentinel API server",
		zap.Int("port", s.config.Server.Port),
		zap.Float64("threshold", s.pipeline.Threshold()),
		zap.String("model", s.pipeline.ModelName()),
		zap.Bool("rate_limit", s.limiter != nil),
	)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping PII-Sentinel API server")
	return s.server.Shutdown(ctx)
}
