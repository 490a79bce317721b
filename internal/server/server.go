// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/tobioke/escrowd/internal/config"
	"github.com/tobioke/escrowd/internal/events"
	"github.com/tobioke/escrowd/internal/fees"
	"github.com/tobioke/escrowd/internal/health"
	"github.com/tobioke/escrowd/internal/logging"
	"github.com/tobioke/escrowd/internal/metrics"
	"github.com/tobioke/escrowd/internal/ratelimit"
	"github.com/tobioke/escrowd/internal/realtime"
	"github.com/tobioke/escrowd/internal/security"
	"github.com/tobioke/escrowd/internal/traces"
	"github.com/tobioke/escrowd/internal/trade"
	"github.com/tobioke/escrowd/internal/user"
	"github.com/tobioke/escrowd/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	store        trade.Store
	engine       *trade.Engine
	builder      *trade.Builder
	analytics    *trade.AnalyticsService
	tradeTimer   *trade.Timer
	userSvc      *user.Service
	bus          *events.Bus
	hub          *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	healthReg    *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	traceFlush   func(context.Context) error

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStore sets a custom trade store (for testing)
func WithStore(st trade.Store) Option {
	return func(s *Server) {
		s.store = st
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set store/logger)
	for _, opt := range opts {
		opt(s)
	}

	var userStore user.Store

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	switch {
	case s.store != nil:
		userStore = user.NewMemoryStore()

	case cfg.DatabaseURL != "":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.store = trade.NewPostgresStore(db)
		userStore = user.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

	default:
		s.store = trade.NewMemoryStore()
		userStore = user.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Event fan-out: bus feeds the websocket hub and the event log
	s.bus = events.NewBus(s.logger)
	s.hub = realtime.NewHub(s.logger)
	s.bus.Subscribe(s.hub)
	s.bus.Subscribe(events.LogSink(s.logger))
	s.logger.Info("realtime streaming enabled")

	// Trade engine
	policy := fees.NewFlatPolicy(cfg.FeeBps)
	s.engine = trade.NewEngine(s.store, policy).
		WithAdminSet(cfg.IsAdmin).
		WithLocation(cfg.Location()).
		WithLockWait(cfg.LockWait).
		WithPublisher(s.bus).
		WithLogger(s.logger).
		WithForceReleaseFromVerified(cfg.ForceReleaseFromVerified)
	s.logger.Info("trade engine enabled",
		"fee_bps", cfg.FeeBps,
		"timezone", cfg.Timezone,
		"force_release_from_verified", cfg.ForceReleaseFromVerified,
	)

	// Multi-step trade drafting
	s.builder = trade.NewBuilder(s.engine)

	// Deadline sweeper (expiry + terminal finalization)
	s.tradeTimer = trade.NewTimer(s.engine, s.store, s.logger).
		WithInterval(cfg.SweepInterval).
		WithBuilder(s.builder)

	// Analytics over the trade store
	s.analytics = trade.NewAnalyticsService(s.store, cfg.Location())

	// Actor directory (register-on-first-sight)
	s.userSvc = user.NewService(userStore).
		WithAdminSet(cfg.IsAdmin).
		WithLogger(s.logger)

	// Health probes
	s.healthReg = health.NewRegistry()
	if s.db != nil {
		s.healthReg.Register("database", health.DBProbe(s.db))
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())

	// Reject malformed actor headers before any handler sees them
	s.router.Use(validation.ActorHeaderMiddleware())

	// Resolve the calling actor for downstream handlers
	s.router.Use(s.actorMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// actorMiddleware resolves the calling actor from the X-Actor-ID header
// and records them in the actor directory. Identity is header-asserted;
// the engine's per-role guards decide what each actor may do.
func (s *Server) actorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		actorID := c.GetHeader("X-Actor-ID")
		if actorID == "" {
			c.Next()
			return
		}

		admin := s.cfg.IsAdmin(actorID)

		// A valid admin secret grants admin capability to any actor.
		if !admin && s.cfg.AdminSecret != "" {
			secret := c.GetHeader("X-Admin-Secret")
			if secret != "" && subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.AdminSecret)) == 1 {
				admin = true
			}
		}

		c.Set("actorID", actorID)
		c.Set("actorAdmin", admin)

		// Register-on-first-sight; a directory failure never blocks the request
		if _, err := s.userSvc.Touch(c.Request.Context(), actorID, c.GetHeader("X-Actor-Name")); err != nil {
			logging.L(c.Request.Context()).Warn("actor directory update failed",
				"actor", actorID, "error", err)
		}

		c.Next()
	}
}

// requireActor rejects requests without an X-Actor-ID header.
func (s *Server) requireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString("actorID") == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "missing_actor",
				"message": "X-Actor-ID header is required",
			})
			return
		}
		c.Next()
	}
}

// requireAdmin rejects actors without admin capability.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !c.GetBool("actorAdmin") {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin capability required",
			})
			return
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthReg.Handler())
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	// WebSocket for real-time trade event streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})
	s.router.GET("/ws/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Stats())
	})

	// V1 API group
	v1 := s.router.Group("/v1")

	tradeHandler := trade.NewHandler(s.engine, s.builder, s.analytics)
	userHandler := user.NewHandler(s.userSvc)

	// PROTECTED ROUTES (require an actor identity)
	protected := v1.Group("")
	protected.Use(s.requireActor())
	{
		tradeHandler.RegisterRoutes(protected)
		userHandler.RegisterRoutes(protected)
	}

	// ADMIN ROUTES (require admin capability)
	admin := v1.Group("/admin")
	admin.Use(s.requireActor(), s.requireAdmin())
	{
		tradeHandler.RegisterAdminRoutes(admin)
		userHandler.RegisterAdminRoutes(admin)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "escrowd",
		"description": "Escrowed peer-to-peer trade lifecycle engine",
		"version":     "0.1.0",
		"timezone":    s.cfg.Timezone,
		"feeBps":      s.cfg.FeeBps,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing is optional; without an OTLP endpoint Init installs a no-op provider.
	flush, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing disabled", "error", err)
	} else {
		s.traceFlush = flush
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start event dispatch
	go s.bus.Run(runCtx)

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Start deadline sweeper
	go s.tradeTimer.Start(runCtx)

	// Collect database pool stats
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (bus, hub, sweeper)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop deadline sweeper
	if s.tradeTimer != nil {
		s.tradeTimer.Stop()
		s.logger.Info("deadline sweeper stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush any buffered spans
	if s.traceFlush != nil {
		if err := s.traceFlush(ctx); err != nil {
			s.logger.Error("trace flush error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
