// Package http implements the REST API of the companion hub: catalog reads,
// companion cards, challenge steps, evolution notifications (list, ack and an
// SSE stream) and health checks.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/soulpet/companion-hub/config"
	"github.com/soulpet/companion-hub/internal/application/command"
	"github.com/soulpet/companion-hub/internal/application/query"
	"github.com/soulpet/companion-hub/internal/application/session"
	"github.com/soulpet/companion-hub/internal/interface/http/handlers"
	"github.com/soulpet/companion-hub/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// SERVER CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config contains HTTP server configuration.
type Config struct {
	// Addr - address to bind (default: ":8080").
	Addr string

	// ReadTimeout - maximum duration for reading the entire request.
	ReadTimeout time.Duration

	// WriteTimeout - maximum duration for writing the response. Zero keeps
	// evolution streams open indefinitely.
	WriteTimeout time.Duration

	// IdleTimeout - maximum duration for idle connections.
	IdleTimeout time.Duration

	// MaxHeaderBytes - maximum size of request headers.
	MaxHeaderBytes int

	// RequestTimeout bounds a single step, including its store writes.
	RequestTimeout time.Duration

	// StreamHeartbeat - interval of keep-alive pings on evolution streams.
	StreamHeartbeat time.Duration

	// AllowedOrigins - allowed origins for CORS. "*" allows all.
	AllowedOrigins []string

	// APIKeyHeader - header name for API key authentication.
	APIKeyHeader string

	// APIKeyHashes - bcrypt hashes of valid API keys. Empty disables auth.
	APIKeyHashes []string

	// StepRate - sustained steps per second allowed per user; zero disables.
	StepRate float64

	// StepBurst - steps a user may send at once before StepRate applies.
	StepBurst int

	// Version reported by health endpoints.
	Version string
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     10 * time.Second,
		IdleTimeout:     60 * time.Second,
		MaxHeaderBytes:  1 << 20, // 1 MB
		RequestTimeout:  10 * time.Second,
		StreamHeartbeat: 25 * time.Second,
		AllowedOrigins:  []string{"*"},
		APIKeyHeader:    "X-API-Key",
		Version:         "dev",
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// FeatureGate decides whether a feature is on for a user.
type FeatureGate interface {
	IsEnabled(featureName string, ctx *config.FeatureContext) bool
}

// Dependencies contains all dependencies required by HTTP handlers.
type Dependencies struct {
	// Live sessions, loaded on first request per user
	Sessions *session.Registry

	// Command side
	Coordinator *command.ProgressionCoordinator

	// Query side
	Progression *query.ProgressionQueries
	Catalog     *query.CatalogQueries

	// Feature flags; nil enables everything
	Features FeatureGate

	// Health Check Dependencies
	HealthChecker handlers.HealthChecker

	Logger *logger.Logger
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER
// ══════════════════════════════════════════════════════════════════════════════

// Server represents the HTTP server.
type Server struct {
	config     Config
	deps       Dependencies
	engine     *gin.Engine
	httpServer *http.Server
	logger     *logger.Logger
	tracer     trace.Tracer

	stepLimiter *userLimiter

	mu        sync.RWMutex
	running   bool
	startedAt time.Time
}

// NewServer creates a new HTTP server with the given configuration and dependencies.
func NewServer(cfg Config, deps Dependencies) (*Server, error) {
	if deps.Sessions == nil || deps.Coordinator == nil || deps.Progression == nil || deps.Catalog == nil {
		return nil, errors.New("http: sessions, coordinator and queries are required")
	}
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.StreamHeartbeat <= 0 {
		cfg.StreamHeartbeat = def.StreamHeartbeat
	}
	if cfg.MaxHeaderBytes <= 0 {
		cfg.MaxHeaderBytes = def.MaxHeaderBytes
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = def.APIKeyHeader
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if deps.HealthChecker == nil {
		deps.HealthChecker = handlers.NewNoopHealthChecker()
	}

	s := &Server{
		config: cfg,
		deps:   deps,
		logger: deps.Logger.With(logger.Component("http")),
		tracer: otel.Tracer("companion-hub/http"),
	}

	engine := gin.New()
	engine.Use(s.requestIDMiddleware(), s.recoveryMiddleware(), s.loggingMiddleware(), s.tracingMiddleware())
	engine.Use(s.corsMiddleware())

	var auth *handlers.APIKeyAuth
	if len(cfg.APIKeyHashes) > 0 {
		var err error
		auth, err = handlers.NewAPIKeyAuth(cfg.APIKeyHeader, cfg.APIKeyHashes)
		if err != nil {
			return nil, fmt.Errorf("http: api keys: %w", err)
		}
	}

	s.engine = engine
	s.setupRoutes(auth)

	s.httpServer = &http.Server{
		Addr:           cfg.Addr,
		Handler:        engine,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}

	return s, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// ROUTES
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) setupRoutes(auth *handlers.APIKeyAuth) {
	// Health endpoints (no auth required)
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/ready", s.handleReady)
	s.engine.GET("/live", s.handleLive)

	api := s.engine.Group("/api/v1")
	if auth != nil {
		api.Use(auth.Middleware())
	}

	// Catalog
	api.GET("/catalog/companions", s.handleCatalogCompanions)
	api.GET("/catalog/challenges", s.handleCatalogChallenges)

	// Per-user progression
	users := api.Group("/users/:userID")
	users.Use(s.sessionMiddleware())
	{
		users.GET("/companions", s.handleListCompanions)
		users.GET("/companions/:companion", s.handleGetCompanion)
		users.GET("/companions/:companion/challenges", s.handleGetBoard)
		users.POST("/companions/:companion/challenges/:challengeID/steps", s.stepRateLimitMiddleware(), s.handleCompleteStep)

		users.PUT("/active-companion", s.handleSetActiveCompanion)

		users.GET("/evolutions", s.handleListEvolutions)
		users.GET("/evolutions/stream", s.handleEvolutionStream)
		users.POST("/evolutions/:eventID/ack", s.handleAcknowledgeEvolution)

		users.POST("/sync", s.handleSync)
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// MIDDLEWARE
// ══════════════════════════════════════════════════════════════════════════════

const (
	headerRequestID = "X-Request-ID"
	keyRequestID    = "request_id"
	keySession      = "session"
)

// requestIDMiddleware adds a request ID and a request-scoped logger to the context.
func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(headerRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(keyRequestID, requestID)
		c.Header(headerRequestID, requestID)

		ctx := logger.WithContext(c.Request.Context(), s.logger.WithRequestID(requestID))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// loggingMiddleware logs all HTTP requests.
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []logger.Field{
			logger.String("method", c.Request.Method),
			logger.String("path", c.Request.URL.Path),
			logger.Int("status", c.Writer.Status()),
			logger.Latency(time.Since(start)),
			logger.String("client_ip", c.ClientIP()),
		}
		log := logger.FromContext(c.Request.Context())
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			log.Error("HTTP request", fields...)
		case c.Writer.Status() >= http.StatusBadRequest:
			log.Warn("HTTP request", fields...)
		default:
			log.Debug("HTTP request", fields...)
		}
	}
}

// recoveryMiddleware recovers from panics.
func (s *Server) recoveryMiddleware() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, recovered any) {
		logger.FromContext(c.Request.Context()).Error("panic recovered",
			logger.Any("error", recovered),
			logger.String("path", c.Request.URL.Path),
		)
		writeError(c, http.StatusInternalServerError, "internal_error", "Internal server error")
		c.Abort()
	})
}

// tracingMiddleware opens one span per request.
func (s *Server) tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := s.tracer.Start(c.Request.Context(), c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.route", route),
			),
		)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}

// corsMiddleware handles CORS preflight and headers.
func (s *Server) corsMiddleware() gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:  []string{"Authorization", "Content-Type", "X-Requested-With", headerRequestID, s.config.APIKeyHeader},
		ExposeHeaders: []string{headerRequestID},
		MaxAge:        12 * time.Hour,
	}
	allowAll := len(s.config.AllowedOrigins) == 0
	for _, o := range s.config.AllowedOrigins {
		if o == "*" {
			allowAll = true
		}
	}
	if allowAll {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = s.config.AllowedOrigins
	}
	return cors.New(cfg)
}

// sessionMiddleware resolves the user's live session.
func (s *Server) sessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, err := s.deps.Sessions.Get(c.Request.Context(), userIDParam(c))
		if err != nil {
			s.fail(c, err)
			c.Abort()
			return
		}
		c.Set(keySession, sess)
		c.Next()
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start starts the HTTP server. Blocks until the server is stopped.
func (s *Server) Start() error {
	s.mu.Lock()
	s.running = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("HTTP server starting", logger.String("address", s.config.Addr))

	err := s.httpServer.ListenAndServe()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server error: %w", err)
	}
	return nil
}

// StartAsync starts the HTTP server in a goroutine.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Start()
		close(errCh)
	}()
	return errCh
}

// Shutdown gracefully shuts down the server. Open evolution streams end
// when their request contexts are cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Uptime returns how long the server has been running.
func (s *Server) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return 0
	}
	return time.Since(s.startedAt)
}

// Address returns the server address.
func (s *Server) Address() string {
	return s.config.Addr
}
