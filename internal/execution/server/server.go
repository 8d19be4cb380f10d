package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/adapters/ai"
	execcache "github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/adapters/cache"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/adapters/db/repository"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/adapters/http/handlers"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/adapters/lease"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/adapters/memory"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/adapters/notify"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/nodes"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/service"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/ports"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/cache"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/clock"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/config"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/database"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/events"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/logger"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/metrics"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/ratelimit"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/resilience"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/telemetry"
)

const serviceName = "workflow-engine"

type Server struct {
	config     *config.Config
	logger     logger.Logger
	httpServer *http.Server
	db         *database.DB
	redis      *redis.Client
	eventBus   events.EventBus
	telemetry  *telemetry.Telemetry
	engine     *service.Engine
}

func New(cfg *config.Config, log logger.Logger) (*Server, error) {
	s := &Server{config: cfg, logger: log}

	tel, err := telemetry.New(cfg.Telemetry.ToTelemetryConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	s.telemetry = tel

	// The memory driver keeps everything in process, for local runs and demos.
	var (
		store   ports.Store
		records nodes.RecordStore
	)
	if cfg.Database.Driver == "memory" {
		store = memory.NewStore()
		records = memory.NewRecordStore()
	} else {
		db, err := database.New(cfg.Database.ToDatabaseConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		repo := repository.New(db)
		if err := repo.Migrate(); err != nil {
			s.closeResources()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		store = repo
		records = repository.NewRecordStore(db)
	}

	var (
		checkpointCache ports.CheckpointCache
		leaser          ports.Leaser
	)
	if cfg.Redis.Enabled {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := s.redis.Ping(context.Background()).Err(); err != nil {
			s.closeResources()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		retention := time.Duration(cfg.Recovery.CheckpointRetentionHours) * time.Hour
		checkpointCache = execcache.NewCheckpointCache(cache.NewRedisCache(s.redis, "engine", cache.DefaultOptions()), retention)
		leaser = lease.NewRedisLeaser(s.redis, "engine")
	}

	if cfg.Kafka.Enabled {
		bus, err := events.NewKafkaEventBus(cfg.Kafka.ToKafkaConfig(), log.Named("events"))
		if err != nil {
			s.closeResources()
			return nil, fmt.Errorf("failed to create event bus: %w", err)
		}
		s.eventBus = bus
	} else {
		s.eventBus = events.NewInMemoryEventBus()
	}

	breakers := resilience.NewCircuitBreakerRegistry(resilience.DefaultCircuitBreakerConfig("collaborator"))
	clk := clock.Real()

	aiRouter := ai.NewRouter(cfg.AI.Provider, breakers, log.Named("ai"))
	if cfg.AI.AnthropicAPIKey != "" {
		aiRouter.Register("anthropic", ai.NewAnthropicClient(cfg.AI.AnthropicAPIKey, cfg.AI.DefaultModel, cfg.AI.MaxTokens))
	}
	if cfg.AI.OpenAIAPIKey != "" {
		aiRouter.Register("openai", ai.NewOpenAIClient(cfg.AI.OpenAIAPIKey, cfg.AI.DefaultModel, cfg.AI.MaxTokens))
	}

	processors := nodes.NewBuiltinRegistry(nodes.Dependencies{
		AI:       aiRouter,
		HTTP:     nodes.NewDefaultHTTPClient(time.Duration(cfg.Engine.HTTPTimeoutSeconds)*time.Second, breakers),
		Records:  records,
		Notifier: notify.NewEventNotifier(s.eventBus),
		Clock:    clk,
	})

	s.engine = service.New(service.Dependencies{
		Store:      store,
		Cache:      checkpointCache,
		Processors: processors,
		EventBus:   s.eventBus,
		Telemetry:  tel,
		Clock:      clk,
		Logger:     log,
		Leaser:     leaser,
	}, service.Config{
		Queue:          cfg.Engine.ToQueueConfig(),
		Orchestrator:   cfg.Engine.ToOrchestratorConfig(cfg.Recovery),
		RecoverOnStart: cfg.Recovery.AutoRecovery,
	})

	if err := subscribeToEvents(s.eventBus, s.engine); err != nil {
		s.closeResources()
		return nil, fmt.Errorf("failed to subscribe to events: %w", err)
	}

	h := handlers.NewExecutionHandlers(s.engine, breakers, log.Named("http"))
	s.httpServer = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      s.setupRouter(h),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	return s, nil
}

func (s *Server) setupRouter(h *handlers.ExecutionHandlers) *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(s.telemetry.HTTPMiddleware())
	router.Use(loggingMiddleware(s.logger))
	router.Use(metricsMiddleware())

	router.GET("/health/live", h.Health)
	router.GET("/health/ready", h.Ready)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	if rps := s.config.Server.RateLimitRPS; rps > 0 {
		v1.Use(startLimiter(s.rateLimiter(), v1.BasePath()+"/executions"))
	}
	h.Routes(v1)

	return router
}

func (s *Server) rateLimiter() ratelimit.RateLimiter {
	cfg := s.config.Server
	if s.redis != nil {
		// Shared across instances: burst requests per second window.
		return ratelimit.NewRedisRateLimiter(s.redis, cfg.RateLimitBurst, time.Second)
	}
	return ratelimit.NewKeyedLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
}

// startLimiter throttles only execution starts; reads and streams are unlimited.
func startLimiter(limiter ratelimit.RateLimiter, startPath string) gin.HandlerFunc {
	limit := ratelimit.Middleware(limiter, ratelimit.UserKeyFunc)
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodPost && c.FullPath() == startPath {
			limit(c)
			return
		}
		c.Next()
	}
}

func subscribeToEvents(eventBus events.EventBus, engine *service.Engine) error {
	if err := eventBus.Subscribe(events.ExecutionRequested, engine.HandleExecutionRequested); err != nil {
		return err
	}
	return eventBus.Subscribe(events.ApprovalDecided, engine.HandleApprovalDecided)
}

// Start resumes interrupted executions, then serves HTTP until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	if err := s.engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	s.logger.Info("Starting HTTP server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Failed to shutdown HTTP server", "error", err)
	}

	// Running executions are persisted as interrupted and picked up on next start.
	if err := s.engine.Stop(ctx); err != nil {
		s.logger.Error("Failed to stop engine", "error", err)
	}

	s.closeResources()
	return nil
}

func (s *Server) closeResources() {
	if s.eventBus != nil {
		if err := s.eventBus.Close(); err != nil {
			s.logger.Error("Failed to close event bus", "error", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("Failed to close Redis", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("Failed to close database", "error", err)
		}
	}
	if s.telemetry != nil {
		if err := s.telemetry.Close(context.Background()); err != nil {
			s.logger.Error("Failed to flush traces", "error", err)
		}
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-User-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func loggingMiddleware(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}

		log.Info("HTTP Request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"ip", c.ClientIP(),
		)
	}
}

func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		// Route templates keep label cardinality bounded.
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordHTTPRequest(serviceName, c.Request.Method, path, strconv.Itoa(c.Writer.Status()), time.Since(start).Seconds())
	}
}
