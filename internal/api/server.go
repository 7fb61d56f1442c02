// Package api serves the generated feed and read-only views of the ledger over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/therealutkarshpriyadarshi/podmirror/internal/logging"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/metrics"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/middleware"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/monitoring"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/scheduler"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/state"
)

// RunTrigger starts pipeline runs on demand
type RunTrigger interface {
	TriggerAsync() bool
	Status() scheduler.Status
}

// HealthReporter summarises pipeline health for /api/v1/health
type HealthReporter interface {
	Snapshot() monitoring.Snapshot
	Health() string
	Alerts() []string
}

// Option configures optional server collaborators
type Option func(*Server)

// WithMonitor exposes a health monitor at /api/v1/health
func WithMonitor(m HealthReporter) Option {
	return func(s *Server) {
		s.monitor = m
	}
}

// Config holds API settings
type Config struct {
	Addr            string
	FeedPath        string
	JWTSecret       string
	RateLimitRPS    int
	RateLimitBurst  int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server is the HTTP front of a podmirror deployment
type Server struct {
	cfg     Config
	store   state.Store
	runner  RunTrigger
	monitor HealthReporter
	auth    *middleware.Authenticator
	limiter *middleware.RateLimiter
	logger  *logging.Logger
	router  *gin.Engine
	server  *http.Server
}

// New creates the server and its routes. runner may be nil, in which case
// manual runs are rejected.
func New(cfg Config, store state.Store, runner RunTrigger, logger *logging.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 10
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = cfg.RateLimitRPS * 2
	}

	s := &Server{
		cfg:     cfg,
		store:   store,
		runner:  runner,
		auth:    middleware.NewAuthenticator(cfg.JWTSecret),
		limiter: middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		logger:  logger.WithField("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.setupRouter()
	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) setupRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(s.logger))
	router.Use(middleware.RateLimit(s.limiter))

	router.GET("/healthz", s.healthCheck)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/feed.xml", s.serveFeed)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/episodes", s.listEpisodes)
		v1.GET("/episodes/:id", s.getEpisode)
		v1.GET("/releases", s.listReleases)
		v1.GET("/status", s.getStatus)
		v1.GET("/health", s.getHealth)

		v1.GET("/runs", s.getRuns)
		v1.POST("/runs", s.auth.JWTAuth(middleware.ScopeRun), s.createRun)
	}

	return router
}

// Handler exposes the router for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go s.limiter.Cleanup(done, time.Minute)

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.cfg.Addr).Info("Starting API server")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("failed to start server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server...")
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	s.logger.Info("Server stopped")
	return nil
}
