// Package server wires every component of the lifecycle service and runs the
// HTTP listener.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/aegisshield/lifecycle-engine/internal/anomaly"
	"github.com/aegisshield/lifecycle-engine/internal/archive"
	"github.com/aegisshield/lifecycle-engine/internal/config"
	"github.com/aegisshield/lifecycle-engine/internal/events"
	"github.com/aegisshield/lifecycle-engine/internal/handlers"
	"github.com/aegisshield/lifecycle-engine/internal/lifecycle"
	"github.com/aegisshield/lifecycle-engine/internal/metrics"
	"github.com/aegisshield/lifecycle-engine/internal/middleware"
	"github.com/aegisshield/lifecycle-engine/internal/realtime"
	"github.com/aegisshield/lifecycle-engine/internal/scheduler"
	"github.com/aegisshield/lifecycle-engine/internal/sla"
	"github.com/aegisshield/lifecycle-engine/internal/stats"
	"github.com/aegisshield/lifecycle-engine/internal/store"
	"github.com/aegisshield/lifecycle-engine/internal/workflow"
)

// kpiRefreshSpec recomputes the exported KPI gauges every minute.
const kpiRefreshSpec = "30 * * * * *"

// Server represents the lifecycle engine server
type Server struct {
	config   *config.Config
	logger   *zap.Logger
	registry prometheus.Registerer
	gatherer prometheus.Gatherer

	redis     *redis.Client
	archiver  *archive.Archiver
	kafka     *events.KafkaPublisher
	hub       *realtime.Hub
	scheduler *scheduler.Scheduler
	metrics   *metrics.Collector
	stores    *store.Stores

	router     *gin.Engine
	httpServer *http.Server
	stopHub    context.CancelFunc
	errs       chan error
}

// Option configures a Server.
type Option func(*Server)

// WithRegistry registers metrics on reg instead of the default registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.registry = reg
		s.gatherer = reg
	}
}

// New creates a new server instance
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) *Server {
	s := &Server{
		config:   cfg,
		logger:   logger.Named("server"),
		registry: prometheus.DefaultRegisterer,
		gatherer: prometheus.DefaultGatherer,
		errs:     make(chan error, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize connects the backends and builds every component.
func (s *Server) Initialize(ctx context.Context) error {
	s.logger.Info("Initializing lifecycle engine server")
	cfg := s.config
	logger := s.logger
	checks := map[string]handlers.HealthCheck{}

	s.metrics = metrics.NewCollector(s.registry, s.gatherer)

	storeOpts := []store.Option{
		store.WithLogger(logger),
		store.WithSLACalculator(sla.NewCalculator(cfg.SLA.BaseDays)),
	}
	if cfg.Redis.Enabled {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		persister := store.NewRedisPersister(s.redis, cfg.Redis.KeyPrefix)
		if err := persister.Ping(ctx); err != nil {
			return errors.Wrap(err, "failed to connect to redis")
		}
		storeOpts = append(storeOpts, store.WithPersister(persister))
		checks["redis"] = persister.Ping
	}
	s.stores = store.New(storeOpts...)
	if cfg.Redis.Enabled {
		if err := s.stores.Hydrate(ctx); err != nil {
			logger.Warn("Failed to hydrate stores from snapshot", zap.Error(err))
		}
	}

	publishers := events.Multi{}
	if cfg.Kafka.Enabled {
		s.kafka = events.NewKafkaPublisher(cfg.Kafka, logger)
		publishers = append(publishers, s.kafka)
	}
	if cfg.Realtime.Enabled {
		s.hub = realtime.NewHub(cfg.Realtime, logger)
		publishers = append(publishers, s.hub)
	}
	bus := events.NewBus(publishers, logger, func(t events.Type, err error) {
		s.metrics.EventPublished(string(t), err)
	})

	engineOpts := []lifecycle.Option{lifecycle.WithEvents(bus), lifecycle.WithMetrics(s.metrics)}
	if len(cfg.Lifecycle.Rules) > 0 {
		rules, err := lifecycle.NewRuleSet(cfg.Lifecycle.Rules)
		if err != nil {
			return errors.Wrap(err, "invalid lifecycle rules")
		}
		engineOpts = append(engineOpts, lifecycle.WithRules(rules))
	}
	engine := lifecycle.NewEngine(s.stores.Cycles, s.stores.Transitions, logger, engineOpts...)

	detector := anomaly.NewDetector(s.stores.Cycles, s.stores.Anomalies, cfg.Anomaly, logger,
		anomaly.WithEvents(bus), anomaly.WithMetrics(s.metrics))

	var (
		archiver    workflow.Archiver
		historiques handlers.HistoriqueReader
	)
	if cfg.Database.Enabled {
		db, err := archive.Open(cfg.Database, cfg.Debug)
		if err != nil {
			return err
		}
		s.archiver = archive.New(db, logger)
		if err := s.archiver.Migrate(ctx); err != nil {
			return err
		}
		archiver, historiques = s.archiver, s.archiver
		checks["database"] = s.archiver.Health
	} else {
		mem := workflow.NewMemoryArchiver(nil)
		archiver, historiques = mem, mem
	}
	dispatcher := workflow.NewDispatcher(s.stores.Demandes, s.stores.Cases, archiver, logger,
		workflow.WithEvents(bus), workflow.WithMetrics(s.metrics))

	aggregator := stats.NewAggregator(stats.Sources{
		Demandes:  s.stores.Demandes,
		Cycles:    s.stores.Cycles,
		Anomalies: s.stores.Anomalies,
		Alerts:    s.stores.Alerts,
		Cases:     s.stores.Cases,
	}, s.metrics, nil)

	if cfg.Scheduler.Enabled {
		s.scheduler = scheduler.New(logger, 0)
		if err := s.scheduler.AddTask("anomaly_sweep", "Anomaly sweep", cfg.Scheduler.SweepSpec, func(ctx context.Context) error {
			_, err := detector.Detect(ctx)
			return err
		}); err != nil {
			return err
		}
		if err := s.scheduler.AddTask("kpi_refresh", "KPI refresh", kpiRefreshSpec, func(ctx context.Context) error {
			_, err := aggregator.Overview(ctx)
			return err
		}); err != nil {
			return err
		}
	}

	handler := handlers.NewHandler(handlers.Dependencies{
		Stores:      s.stores,
		Engine:      engine,
		Detector:    detector,
		Dispatcher:  dispatcher,
		Historiques: historiques,
		Stats:       aggregator,
		Events:      bus,
		Scheduler:   s.scheduler,
		Checks:      checks,
	}, logger)

	s.initRouter(handler)
	s.logger.Info("Server initialized successfully",
		zap.Bool("redis", cfg.Redis.Enabled),
		zap.Bool("database", cfg.Database.Enabled),
		zap.Bool("kafka", cfg.Kafka.Enabled),
		zap.Bool("realtime", cfg.Realtime.Enabled),
		zap.Bool("scheduler", cfg.Scheduler.Enabled))
	return nil
}

func (s *Server) initRouter(handler *handlers.Handler) {
	if s.config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(middleware.CORS())
	s.router.Use(middleware.RequestID())
	s.router.Use(s.metrics.GinMiddleware())
	s.router.Use(middleware.Logging(s.logger))

	s.router.GET("/health", handler.Health)
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	auth := middleware.Auth(s.config.Security)
	if s.hub != nil {
		s.router.GET("/ws", auth, s.hub.ServeWS)
	}
	handler.RegisterRoutes(s.router.Group("/api/v1", auth))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}
}

// Handler returns the HTTP handler. Initialize must have been called.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Errors reports a listener failure after Start.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Start runs the realtime hub, the scheduler and the HTTP listener.
func (s *Server) Start() {
	if s.hub != nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.stopHub = cancel
		go s.hub.Run(ctx)
	}
	if s.scheduler != nil {
		s.scheduler.Start()
	}

	go func() {
		s.logger.Info("HTTP server listening", zap.String("address", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.errs <- errors.Wrap(err, "HTTP server failed")
		}
	}()
}

// Shutdown stops accepting requests, then stops the background components
// and closes the backends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down lifecycle engine server")

	var err error
	if s.httpServer != nil {
		err = multierr.Append(err, s.httpServer.Shutdown(ctx))
	}
	if s.scheduler != nil {
		s.scheduler.Stop(ctx)
	}
	if s.stopHub != nil {
		s.stopHub()
	}
	if s.kafka != nil {
		err = multierr.Append(err, s.kafka.Close())
	}
	if s.archiver != nil {
		err = multierr.Append(err, s.archiver.Close())
	}
	if s.redis != nil {
		err = multierr.Append(err, s.redis.Close())
	}

	s.logger.Info("Lifecycle engine server shutdown completed")
	return err
}
