// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
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

	"github.com/telanks/wallet-guard/internal/broker"
	"github.com/telanks/wallet-guard/internal/chain"
	"github.com/telanks/wallet-guard/internal/config"
	"github.com/telanks/wallet-guard/internal/health"
	"github.com/telanks/wallet-guard/internal/logging"
	"github.com/telanks/wallet-guard/internal/metrics"
	"github.com/telanks/wallet-guard/internal/monitor"
	"github.com/telanks/wallet-guard/internal/notify"
	"github.com/telanks/wallet-guard/internal/ratelimit"
	"github.com/telanks/wallet-guard/internal/realtime"
	"github.com/telanks/wallet-guard/internal/risk"
	"github.com/telanks/wallet-guard/internal/scanner"
	"github.com/telanks/wallet-guard/internal/security"
	"github.com/telanks/wallet-guard/internal/validation"
	"github.com/telanks/wallet-guard/internal/whitelist"
	"github.com/telanks/wallet-guard/migrations"
)

// DefaultShutdownDelay gives load balancers time to stop sending traffic.
const DefaultShutdownDelay = 5 * time.Second

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg        *config.Config
	version    string
	adapter    chain.Adapter
	eth        *chain.EthAdapter // nil when an adapter is injected
	whitelist  *whitelist.Service
	events     risk.Store
	hub        *realtime.Hub
	broker     *broker.AMQP
	dispatcher *notify.Dispatcher
	monitor    *monitor.Manager
	reporter   *scanner.Reporter
	health     *health.Registry
	limiter    *ratelimit.Limiter
	db         *sql.DB // nil if using in-memory
	router     *gin.Engine
	httpSrv    *http.Server
	logger     *slog.Logger

	shutdownDelay time.Duration
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

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

// WithAdapter sets the chain adapter instead of dialing cfg.RPCURL (for testing)
func WithAdapter(a chain.Adapter) Option {
	return func(s *Server) {
		s.adapter = a
	}
}

// WithVersion sets the version reported by /health
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithShutdownDelay overrides DefaultShutdownDelay
func WithShutdownDelay(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:           cfg,
		version:       "dev",
		shutdownDelay: DefaultShutdownDelay,
		health:        health.NewRegistry(),
	}

	// Apply options first (may set adapter/logger)
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	// Context for initialization
	ctx := context.Background()

	// Initialize storage (Postgres if GUARD_DATABASE_URL set, otherwise in-memory)
	var whitelistStore whitelist.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}

		s.db = db
		whitelistStore = whitelist.NewPostgresStore(db)
		s.events = risk.NewPostgresStore(db)
		s.health.Register("database", health.DatabaseChecker(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		whitelistStore = whitelist.NewMemoryStore()
		s.events = risk.NewMemoryStore(cfg.EventHistoryLimit)
		s.logger.Info("using in-memory storage (data will not persist)")
	}
	s.whitelist = whitelist.NewService(whitelistStore)

	// Chain adapter
	if s.adapter == nil {
		eth, err := chain.New(ctx, chain.Config{
			RPCURL:              cfg.RPCURL,
			WSURL:               cfg.WSRPCURL,
			PollInterval:        cfg.PollInterval,
			DefaultDecimals:     uint8(cfg.TokenDecimals),
			MaxAttempts:         cfg.RPCMaxAttempts,
			RetryDelay:          cfg.RPCRetryDelay,
			BreakerThreshold:    cfg.BreakerThreshold,
			BreakerOpenDuration: cfg.BreakerOpenDuration,
		}, chain.WithLogger(s.logger))
		if err != nil {
			s.closeDB()
			return nil, err
		}
		s.eth = eth
		s.adapter = eth
		s.health.Register("rpc_breaker", health.BreakerChecker("rpc_breaker", eth.Breaker()))
		s.logger.Info("chain adapter connected", "rpc", cfg.RPCURL, "streaming", cfg.WSRPCURL != "")
	}
	if p, ok := s.adapter.(health.Pinger); ok {
		s.health.Register("rpc", health.PingChecker("rpc", p))
	}

	// Realtime hub for WebSocket subscribers
	s.hub = realtime.NewHub(s.logger, cfg.MaxClients)

	// Optional message broker
	dispatchOpts := []notify.Option{
		notify.WithStore(s.events),
		notify.WithDedupeWindow(cfg.DedupeWindow),
	}
	if cfg.AMQPURL != "" {
		b, err := broker.Dial(cfg.AMQPURL, cfg.AMQPExchange, s.logger)
		if err != nil {
			s.closeAll()
			return nil, fmt.Errorf("failed to connect to message broker: %w", err)
		}
		s.broker = b
		dispatchOpts = append(dispatchOpts, notify.WithBroker(b))
		s.health.Register("broker", health.PingChecker("broker", b))
		s.logger.Info("risk events published to broker", "exchange", cfg.AMQPExchange)
	}
	s.dispatcher = notify.NewDispatcher(s.hub, s.logger, dispatchOpts...)

	// Monitoring sessions follow live subscribers
	m, err := monitor.NewManager(monitor.Config{
		Token:           cfg.TokenAddress,
		ScanInterval:    cfg.ScanInterval,
		ScanConcurrency: cfg.ScanConcurrency,
		ScannerPublish:  cfg.ScannerPublish,
	}, s.adapter, s.whitelist, s.dispatcher, s.logger)
	if err != nil {
		s.closeAll()
		return nil, err
	}
	s.monitor = m
	s.hub.SetHooks(m.HubHooks())

	s.reporter, err = scanner.NewReporter(s.adapter, s.whitelist, cfg.TokenAddress, cfg.ScanConcurrency, s.logger)
	if err != nil {
		s.closeAll()
		return nil, err
	}

	s.limiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitRPM,
		BurstSize:         cfg.RateLimitBurst,
	})

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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(security.ParseOrigins(s.cfg.CORSOrigins)))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}

		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		case path == "/metrics" || path == "/health/live" || path == "/health/ready":
			logger.Debug("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket subscription: /ws?owner=0x...
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// V1 API group
	v1 := s.router.Group("/v1", s.limiter.Middleware())
	whitelist.NewHandler(s.whitelist).RegisterRoutes(v1)
	scanner.NewHandler(s.reporter).RegisterRoutes(v1)
	monitor.NewHandler(s.monitor).RegisterRoutes(v1)
	risk.NewHandler(s.events, s.cfg.EventHistoryLimit).RegisterRoutes(v1)
	v1.GET("/stats", s.statsHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

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

func (s *Server) statsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"token":    s.cfg.TokenAddress,
		"sessions": len(s.monitor.Sessions()),
		"realtime": s.hub.Stats(),
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

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"token", s.cfg.TokenAddress,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)

	s.ready.Store(true)
	s.logger.Info("server ready")

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	var shutdownErr error
	if s.httpSrv != nil {
		// Give load balancers time to stop sending traffic
		time.Sleep(s.shutdownDelay)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Sessions first so nothing publishes into a closed hub or broker
	s.monitor.Shutdown()
	s.hub.Close()
	s.limiter.Stop()
	s.closeAll()

	s.logger.Info("server stopped")
	return shutdownErr
}

// closeAll releases the broker, chain and database connections.
func (s *Server) closeAll() {
	if s.broker != nil {
		if err := s.broker.Close(); err != nil {
			s.logger.Error("broker close error", "error", err)
		}
		s.broker = nil
	}
	if s.eth != nil {
		s.eth.Close()
		s.eth = nil
	}
	s.closeDB()
}

func (s *Server) closeDB() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	} else {
		s.logger.Info("database connection closed")
	}
	s.db = nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
