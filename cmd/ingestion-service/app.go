package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	_ "github.com/lib/pq" // PostgreSQL driver

	"pulse/internal/action"
	"pulse/internal/broker"
	"pulse/internal/config"
	"pulse/internal/config_handler"
	"pulse/internal/constants"
	"pulse/internal/event"
	"pulse/internal/hook"
	"pulse/internal/identity"
	"pulse/internal/logger"
	"pulse/internal/plugin"
	"pulse/internal/sandbox"
	"pulse/internal/storage"
	"pulse/internal/tenant"
	"pulse/pkg/bootstrap"
	"pulse/pkg/circuitbreaker"
	"pulse/pkg/health"
	"pulse/pkg/metrics"
	"pulse/pkg/middleware"
	"pulse/pkg/models"
	"pulse/pkg/ratelimit"
	"pulse/pkg/tracing"
)

type App struct {
	config      *config.Config
	logger      logger.Logger
	base        *bootstrap.Base
	dbConnector *bootstrap.DatabaseConnector

	db          *sql.DB
	redisClient *redis.Client

	batcher     *broker.Batcher
	registry    *plugin.Registry
	actionCache *action.Cache
	processor   *event.Processor
	dispatcher  *hook.Dispatcher
	reload      *config_handler.Handler
	tenants     tenant.Repository
	persons     identity.Repository

	server         *http.Server
	router         *gin.Engine
	tracerProvider *tracing.TracerProvider
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugared, ok := log.(*logger.SugaredLogger); ok {
		sugared.SetServiceName("ingestion-service")
	}

	return &App{
		config:      cfg,
		logger:      log,
		base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	if err := a.initDatabases(ctx); err != nil {
		return fmt.Errorf("failed to initialize databases: %w", err)
	}

	if err := a.base.InitBroker("ingestion-service"); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	if err := a.initPipeline(ctx); err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	if err := a.initRouter(); err != nil {
		return fmt.Errorf("failed to initialize router: %w", err)
	}

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.config.Server.Port),
		Handler:      a.router,
		ReadTimeout:  a.config.Server.ReadTimeoutSeconds,
		WriteTimeout: a.config.Server.WriteTimeoutSeconds,
	}

	tp, err := tracing.Init(a.config.Tracing, "ingestion-service")
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	return nil
}

func (a *App) initDatabases(ctx context.Context) error {
	db, err := a.dbConnector.InitPostgreSQL(ctx)
	if err != nil {
		return err
	}
	a.db = db

	if a.config.Database.RunMigrations {
		if err := a.dbConnector.RunMigrations(db, "migrations"); err != nil {
			return err
		}
	}

	redisClient, err := a.dbConnector.InitRedis(ctx)
	if err != nil {
		return err
	}
	a.redisClient = redisClient
	return nil
}

func (a *App) initPipeline(ctx context.Context) error {
	metrics.RegisterProcessorMetrics()
	metrics.RegisterActionMetrics()
	metrics.RegisterPluginMetrics()
	metrics.RegisterWebhookMetrics()
	metrics.RegisterBrokerMetrics()
	metrics.RegisterStorageMetrics()
	metrics.RegisterHTTPMetrics()

	flushInterval := constants.DefaultFlushInterval
	if a.config.Batch.FlushIntervalMs > 0 {
		flushInterval = time.Duration(a.config.Batch.FlushIntervalMs) * time.Millisecond
	}
	maxQueue := constants.DefaultMaxQueueSize
	if a.config.Batch.MaxQueueSize > 0 {
		maxQueue = a.config.Batch.MaxQueueSize
	}
	a.batcher = broker.NewBatcher(a.base.Producer, flushInterval, maxQueue, a.logger)

	cache := storage.NewCache(a.redisClient, a.logger)
	gw := storage.NewGateway(a.db, a.batcher, a.logger)

	a.tenants = tenant.NewRepository(gw)
	a.persons = identity.NewRepository(gw)

	kafkaCfg := a.config.Broker.Kafka
	resolver := identity.NewResolver(a.persons, cache, gw, a.logger, identity.ResolverOptions{
		PersonsTopic:     kafkaCfg.PersonsTopic,
		DistinctIDsTopic: kafkaCfg.DistinctIDsTopic,
	})

	a.registry = plugin.NewRegistry(plugin.NewRepository(gw), a.capabilityFactory(cache), a.logger)
	if err := a.registry.Resync(ctx); err != nil {
		return fmt.Errorf("failed to load plugin configs: %w", err)
	}

	actionRepo := action.NewRepository(gw)
	a.actionCache = action.NewCache(actionRepo, a.logger)
	if err := a.actionCache.LoadAll(ctx); err != nil {
		return fmt.Errorf("failed to load actions: %w", err)
	}
	matcher := action.NewMatcher(a.actionCache, actionRepo)

	webhookTimeout := a.config.Webhooks.Timeout
	if webhookTimeout <= 0 {
		webhookTimeout = constants.DefaultHTTPTimeout
	}
	var breaker *circuitbreaker.Wrapper
	if a.config.CircuitBreaker.Enabled {
		breakerCfg := circuitbreaker.DefaultConfig("webhooks")
		if a.config.CircuitBreaker.MaxRequests > 0 {
			breakerCfg.MaxRequests = a.config.CircuitBreaker.MaxRequests
		}
		if a.config.CircuitBreaker.Interval > 0 {
			breakerCfg.Interval = a.config.CircuitBreaker.Interval
		}
		if a.config.CircuitBreaker.Timeout > 0 {
			breakerCfg.Timeout = a.config.CircuitBreaker.Timeout
		}
		breaker = circuitbreaker.NewWrapper(breakerCfg)
	}
	a.dispatcher = hook.NewDispatcher(
		hook.NewRepository(gw),
		&http.Client{Timeout: webhookTimeout},
		breaker,
		a.logger,
	)

	a.processor = event.NewProcessor(
		a.config.Processor,
		event.Topics{
			Events:            kafkaCfg.EventsTopic,
			SessionRecordings: kafkaCfg.SessionRecordingsTopic,
			WebhookTasks:      kafkaCfg.WebhookTasksTopic,
		},
		resolver,
		a.registry,
		matcher,
		a.dispatcher,
		a.tenants,
		gw,
		gw,
		a.logger,
	)

	a.reload = config_handler.NewHandler(a.registry, a.actionCache, a.logger)
	return nil
}

// capabilityFactory scopes each plugin config's host surface: its own rate
// limiter and cache namespace, shared HTTP client settings.
func (a *App) capabilityFactory(cache *storage.Cache) plugin.CapabilityFactory {
	sandboxCfg := a.config.Sandbox
	fetchTimeout := sandboxCfg.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = constants.DefaultHTTPTimeout
	}
	fetchRPS := sandboxCfg.FetchRPS
	if fetchRPS <= 0 {
		fetchRPS = 5
	}
	fetchBurst := sandboxCfg.FetchBurst
	if fetchBurst <= 0 {
		fetchBurst = 10
	}

	return func(cfg *plugin.Config) sandbox.Capabilities {
		caps := sandbox.Capabilities{
			HTTPClient:    &http.Client{Timeout: fetchTimeout},
			FetchLimiter:  rate.NewLimiter(rate.Limit(fetchRPS), fetchBurst),
			Cache:         cache,
			CacheScope:    strconv.FormatInt(cfg.ID, 10),
			Logger:        a.logger,
			InvokeTimeout: sandboxCfg.InvokeTimeout,
		}
		if cfg.TenantID != nil {
			caps.Capture = a.pluginCapture(*cfg.TenantID, cfg.ID)
		}
		return caps
	}
}

// pluginCapture re-ingests plugin-captured events through the same raw topic
// external capture feeds, stamped with the config's tenant. Tenants without
// an API token cannot capture.
func (a *App) pluginCapture(tenantID, configID int64) sandbox.CaptureFunc {
	return func(ctx context.Context, eventName string, properties map[string]interface{}) error {
		tn, err := a.tenants.Get(ctx, tenantID)
		if err != nil {
			return err
		}
		if tn == nil || tn.APIToken == "" {
			return sandbox.ErrCaptureUnavailable
		}

		distinctID, _ := properties["distinct_id"].(string)
		if distinctID == "" {
			distinctID = "plugin-" + strconv.FormatInt(configID, 10)
		}

		return a.batcher.Enqueue(ctx, a.rawEventsTopic(), distinctID, models.RawEventMessage{
			UUID:       uuid.NewString(),
			DistinctID: distinctID,
			TenantID:   tenantID,
			Now:        time.Now().UTC(),
			Data: map[string]interface{}{
				"event":      eventName,
				"properties": properties,
			},
		})
	}
}

func (a *App) rawEventsTopic() string {
	if topic := a.config.Broker.Kafka.RawEventsTopic; topic != "" {
		return topic
	}
	return constants.DefaultRawEventsTopic
}

func (a *App) initRouter() error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if a.config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware("ingestion-service"))
	}

	router.Use(middleware.RecoveryMiddleware(a.logger))
	router.Use(middleware.LoggerMiddleware(a.logger))
	router.Use(middleware.RequestIDMiddleware())

	if a.config.RateLimit.Enabled {
		rateLimitConfig := ratelimit.RateLimitConfig{
			RPS:             a.config.RateLimit.RPS,
			Burst:           a.config.RateLimit.Burst,
			CleanupInterval: time.Duration(a.config.RateLimit.CleanupInterval) * time.Second,
			MaxAge:          time.Duration(a.config.RateLimit.MaxAge) * time.Second,
		}
		router.Use(ratelimit.RateLimitMiddleware(rateLimitConfig))
	}

	router.POST("/capture", a.handleCapture)

	healthRegistry := health.NewCheckerRegistry()
	healthRegistry.Register(health.NewPostgreSQLChecker(a.db))
	healthRegistry.Register(health.NewRedisChecker(a.redisClient))
	healthRegistry.Register(health.NewKafkaChecker(a.config.Broker.Kafka.Brokers))

	router.GET("/health", func(c *gin.Context) {
		h := healthRegistry.Check(c.Request.Context())
		statusCode := http.StatusOK
		if h.Status == health.StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, h)
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.router = router
	return nil
}

type captureRequest struct {
	APIKey     string                 `json:"api_key"`
	Event      string                 `json:"event"`
	DistinctID string                 `json:"distinct_id"`
	Properties map[string]interface{} `json:"properties"`
	Timestamp  string                 `json:"timestamp,omitempty"`
	SentAt     *time.Time             `json:"sent_at,omitempty"`
	UUID       string                 `json:"uuid,omitempty"`
	Set        map[string]interface{} `json:"$set,omitempty"`
	SetOnce    map[string]interface{} `json:"$set_once,omitempty"`
}

// handleCapture authenticates by API token and publishes the event onto the
// raw events topic; the consumer side runs the full processing pipeline.
func (a *App) handleCapture(c *gin.Context) {
	var req captureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload", "error_code": "INVALID_PAYLOAD"})
		return
	}
	if req.Event == "" || req.DistinctID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "event and distinct_id are required", "error_code": "INVALID_PAYLOAD"})
		return
	}

	tn, err := a.tenants.GetByToken(c.Request.Context(), req.APIKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "tenant lookup failed", "error_code": "INTERNAL_ERROR"})
		return
	}
	if tn == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid api key", "error_code": "INVALID_API_KEY"})
		return
	}

	eventUUID := req.UUID
	if eventUUID == "" {
		eventUUID = uuid.NewString()
	}

	data := map[string]interface{}{
		"event":      req.Event,
		"properties": req.Properties,
	}
	if req.Timestamp != "" {
		data["timestamp"] = req.Timestamp
	}
	if req.Set != nil {
		data["$set"] = req.Set
	}
	if req.SetOnce != nil {
		data["$set_once"] = req.SetOnce
	}

	msg := models.RawEventMessage{
		UUID:       eventUUID,
		DistinctID: req.DistinctID,
		IP:         c.ClientIP(),
		SiteURL:    c.GetHeader("Origin"),
		TenantID:   tn.ID,
		Now:        time.Now().UTC(),
		SentAt:     req.SentAt,
		Data:       data,
	}

	if err := a.batcher.Enqueue(c.Request.Context(), a.rawEventsTopic(), req.DistinctID, msg); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event not accepted", "error_code": "ENQUEUE_FAILED"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": 1, "uuid": eventUUID})
}

func (a *App) Run(ctx context.Context) error {
	g, runCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.InfowCtx(runCtx, "Server listening", "port", a.config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-runCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return a.batcher.Run(runCtx)
	})

	kafkaCfg := a.config.Broker.Kafka
	rawTopic := a.rawEventsTopic()

	workers := a.config.Processor.Workers
	if workers <= 0 {
		workers = 1
	}
	rawHandler := event.NewRawEventHandler(a.processor, a.logger)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			return a.base.Consumer.Consume(runCtx, rawTopic, rawHandler)
		})
	}

	if kafkaCfg.WebhookTasksTopic != "" {
		webhookHandler := event.NewWebhookTaskHandler(
			a.actionCache,
			a.tenants,
			a.persons,
			a.dispatcher,
			a.logger,
		)
		g.Go(func() error {
			return a.base.Consumer.Consume(runCtx, kafkaCfg.WebhookTasksTopic, webhookHandler)
		})
	}

	if kafkaCfg.ReloadTopic != "" {
		g.Go(func() error {
			return a.base.Consumer.Consume(runCtx, kafkaCfg.ReloadTopic, a.reload.HandleReloadEvent)
		})
	}

	g.Go(func() error {
		interval := time.Duration(a.config.Plugins.ReloadIntervalSeconds) * time.Second
		return a.registry.Run(runCtx, interval)
	})

	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()
	if shutdownErr := a.Shutdown(shutdownCtx); shutdownErr != nil {
		a.logger.ErrorwCtx(shutdownCtx, "Shutdown finished with errors", "error", shutdownErr)
	}
	return err
}

func (a *App) Shutdown(ctx context.Context) error {
	a.logger.InfowCtx(ctx, "Shutting down ingestion service")

	var errs []error

	errs = append(errs, a.base.ShutdownBroker()...)

	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
		}
	}

	errs = append(errs, a.dbConnector.ShutdownDatabases(a.redisClient, a.db)...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	a.logger.InfowCtx(ctx, "Ingestion service exited successfully")
	return nil
}
