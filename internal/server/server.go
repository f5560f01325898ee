// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
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
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/watchmarket/internal/auth"
	"github.com/mbd888/watchmarket/internal/circuitbreaker"
	"github.com/mbd888/watchmarket/internal/config"
	"github.com/mbd888/watchmarket/internal/evaluation"
	"github.com/mbd888/watchmarket/internal/health"
	"github.com/mbd888/watchmarket/internal/idgen"
	"github.com/mbd888/watchmarket/internal/ledger"
	"github.com/mbd888/watchmarket/internal/logging"
	"github.com/mbd888/watchmarket/internal/metrics"
	"github.com/mbd888/watchmarket/internal/money"
	"github.com/mbd888/watchmarket/internal/notify"
	"github.com/mbd888/watchmarket/internal/ratelimit"
	"github.com/mbd888/watchmarket/internal/realtime"
	"github.com/mbd888/watchmarket/internal/reconciliation"
	"github.com/mbd888/watchmarket/internal/registry"
	"github.com/mbd888/watchmarket/internal/resell"
	"github.com/mbd888/watchmarket/internal/sale"
	"github.com/mbd888/watchmarket/internal/secrets"
	"github.com/mbd888/watchmarket/internal/security"
	"github.com/mbd888/watchmarket/internal/syncutil"
	"github.com/mbd888/watchmarket/internal/traces"
	"github.com/mbd888/watchmarket/internal/validation"
	"github.com/mbd888/watchmarket/internal/wallet"
)

const version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg        *config.Config
	wallet     wallet.Service
	simulated  *wallet.Simulated // nil unless LEDGER_MODE=simulated
	registry   registry.Store
	ledger     *ledger.Ledger
	vault      *secrets.Vault
	resell     *resell.Service
	evaluation *evaluation.Service
	sales      *sale.Service
	notifier   *notify.Dispatcher
	notifStore notify.Store
	reconciler *reconciliation.Service
	reconTimer *reconciliation.Timer

	realtimeHub   *realtime.Hub
	rateLimiter   *ratelimit.Limiter
	health        *health.Registry
	redis         *redis.Client // nil unless REDIS_URL set
	db            *sql.DB       // nil if using in-memory
	traceShutdown func(context.Context) error

	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithWallet sets a custom Ledger Service client (for testing)
func WithWallet(w wallet.Service) Option {
	return func(s *Server) {
		s.wallet = w
	}
}

// stores groups the persistence layer chosen at startup.
type stores struct {
	registry   registry.Store
	ledger     ledger.Store
	resell     resell.Store
	evaluation evaluation.Store
	sale       sale.Store
	notify     notify.Store
	secrets    secrets.Store
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	// Apply options first (may set wallet/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.traceShutdown = shutdown

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var st stores
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.health.Register("database", health.PingChecker(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		regStore := registry.NewPostgresStore(db)
		ledgerStore := ledger.NewPostgresStore(db)
		st = stores{
			registry:   regStore,
			ledger:     ledgerStore,
			resell:     resell.NewPostgresStore(db, ledgerStore, regStore),
			evaluation: evaluation.NewPostgresStore(db, ledgerStore),
			sale:       sale.NewPostgresStore(db, ledgerStore, regStore),
			notify:     notify.NewPostgresStore(db),
			secrets:    secrets.NewPostgresStore(db),
		}
	} else {
		regStore := registry.NewMemoryStore()
		ledgerStore := ledger.NewMemoryStore()
		st = stores{
			registry:   regStore,
			ledger:     ledgerStore,
			resell:     resell.NewMemoryStore(ledgerStore, regStore),
			evaluation: evaluation.NewMemoryStore(ledgerStore),
			sale:       sale.NewMemoryStore(ledgerStore, regStore),
			notify:     notify.NewMemoryStore(),
			secrets:    secrets.NewMemoryStore(),
		}
		s.logger.Info("using in-memory storage (data will not persist)")
	}
	s.registry = st.registry
	s.notifStore = st.notify

	// Commission ledger
	policy, err := ledger.DefaultPolicy(money.Rate(cfg.ResaleAdminRateBps), money.Rate(cfg.EvaluationAdminRateBps))
	if err != nil {
		return nil, fmt.Errorf("invalid commission policy: %w", err)
	}
	s.ledger = ledger.New(policy, st.registry, st.ledger, s.logger)
	s.logger.Info("commission ledger enabled",
		"resaleAdminBps", cfg.ResaleAdminRateBps,
		"evaluationAdminBps", cfg.EvaluationAdminRateBps,
	)

	// Credential vault
	vault, err := s.openVault(st.secrets)
	if err != nil {
		return nil, err
	}
	s.vault = vault

	// Ledger Service client, unless injected
	if s.wallet == nil {
		w, err := s.newWallet()
		if err != nil {
			return nil, err
		}
		s.wallet = w
	}
	if sim, ok := s.wallet.(*wallet.Simulated); ok {
		s.simulated = sim
	}
	s.wallet = wallet.Instrument(s.wallet)

	if cfg.PlatformAccount == "" || cfg.PlatformAdminID == "" {
		s.logger.Warn("platform account or admin not configured; releases will fail until set",
			"account", cfg.PlatformAccount, "admin", cfg.PlatformAdminID)
	}

	// Realtime hub and notifications
	s.realtimeHub = realtime.NewHub(s.logger)
	s.notifier = notify.NewDispatcher(st.notify, s.realtimeHub, s.logger)
	s.logger.Info("realtime notifications enabled")

	// Offers and escrow
	s.resell = resell.NewService(st.resell, st.registry, s.ledger, s.wallet, s.vault, resell.Config{
		PlatformAccount: cfg.PlatformAccount,
		PlatformUserID:  cfg.PlatformAdminID,
	}, s.logger).WithNotifier(s.notifier)

	if cfg.RedisURL != "" {
		client, err := syncutil.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		s.health.Register("redis", health.PingChecker(redisPinger{client}))

		locker := syncutil.NewRedisLocker(client, "watchmarket:lock:", 30*time.Second)
		locker.OnLost(func(key string, err error) {
			s.logger.Error("payment lock lost", "key", key, "error", err)
		})
		s.resell.WithLocker(locker)
		s.logger.Info("distributed payment locks enabled")
	}

	// Evaluations and sales reuse the payment locker
	s.evaluation = evaluation.NewService(st.evaluation, st.registry, s.ledger, s.wallet, cfg.PlatformAdminID, s.logger).
		WithNotifier(s.notifier).
		WithLocker(s.resell.Locker())
	s.sales = sale.NewService(st.sale, st.registry, s.ledger, s.wallet, cfg.PlatformAdminID, s.logger).
		WithNotifier(s.notifier).
		WithLocker(s.resell.Locker())

	// Reconciliation
	s.reconciler = reconciliation.NewService(st.resell)
	s.reconciler.SetReleasingAfter(cfg.StuckAfter)
	if s.simulated != nil {
		s.reconciler.WithBalances(s.simulated)
	}
	s.reconTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

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

func (s *Server) openVault(store secrets.Store) (*secrets.Vault, error) {
	var key []byte
	if s.cfg.VaultKey != "" {
		k, err := secrets.KeyFromHex(s.cfg.VaultKey)
		if err != nil {
			return nil, fmt.Errorf("invalid vault key: %w", err)
		}
		key = k
	} else {
		k, err := secrets.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate vault key: %w", err)
		}
		key = k
		s.logger.Warn("VAULT_KEY not set; sealed credentials will not survive a restart")
	}
	return secrets.NewVault(key, store)
}

func (s *Server) newWallet() (wallet.Service, error) {
	switch s.cfg.LedgerMode {
	case config.LedgerModeGateway:
		breaker := circuitbreaker.New(5, 30*time.Second)
		breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
			s.logger.Warn("ledger circuit breaker transition", "key", key, "from", from.String(), "to", to.String())
		})
		g, err := wallet.NewGateway(wallet.GatewayConfig{
			BaseURL: s.cfg.LedgerGatewayURL,
			APIKey:  s.cfg.LedgerAPIKey,
		}, breaker, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create ledger gateway: %w", err)
		}
		s.logger.Info("ledger service: gateway", "url", s.cfg.LedgerGatewayURL)
		return g, nil
	default:
		s.logger.Info("ledger service: simulated")
		return wallet.NewSimulated(s.logger), nil
	}
}

// redisPinger adapts a redis client to health.Pinger.
type redisPinger struct{ client *redis.Client }

func (r redisPinger) PingContext(ctx context.Context) error { return r.client.Ping(ctx).Err() }

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

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Honor an ID set by the load balancer
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.Hex(16)
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

		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())

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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(auth.NewVerifier(s.cfg.JWTSecret, "")))
	v1.GET("/info", s.infoHandler)

	authed := v1.Group("", auth.RequireAuth())
	resell.NewHandler(s.resell).RegisterRoutes(authed)
	evaluation.NewHandler(s.evaluation).RegisterRoutes(authed)
	sale.NewHandler(s.sales).RegisterRoutes(authed)
	ledger.NewHandler(s.ledger, s.logger).RegisterRoutes(authed)
	registry.NewHandler(s.registry).RegisterRoutes(authed)
	notify.NewHandler(s.notifStore, s.realtimeHub).RegisterRoutes(authed)

	admin := authed.Group("/admin", auth.RequireRole(auth.RoleAdmin))
	resell.NewHandler(s.resell).RegisterAdminRoutes(admin)
	ledger.NewHandler(s.ledger, s.logger).RegisterAdminRoutes(admin)
	registry.NewHandler(s.registry).RegisterAdminRoutes(admin)
	reconciliation.NewHandler(s.reconciler).RegisterAdminRoutes(admin)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.health.CheckAll(ctx)
	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   version,
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

func (s *Server) infoHandler(c *gin.Context) {
	policy := s.ledger.Policy()
	c.JSON(http.StatusOK, gin.H{
		"name":       "watchmarket",
		"version":    version,
		"ledgerMode": s.cfg.LedgerMode,
		"commissions": gin.H{
			"resaleAdminBps":     policy.Rate(ledger.EventResale, ledger.RolePlatform),
			"evaluationAdminBps": policy.Rate(ledger.EventEvaluation, ledger.RolePlatform),
		},
		"realtime": s.realtimeHub.Stats(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"ledgerMode", s.cfg.LedgerMode,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	s.notifier.Start(runCtx)
	go s.reconTimer.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// In-flight requests are done; stop background work and drain notifications
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.reconTimer.Stop()
	s.notifier.Wait()
	s.logger.Info("background workers stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

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
