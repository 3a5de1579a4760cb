package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"agentmesh/internal/common"
	"agentmesh/internal/config"
	"agentmesh/internal/domain/entities"
	"agentmesh/internal/domain/services"
	"agentmesh/internal/infrastructure/eventstore"
	"agentmesh/internal/infrastructure/loadbalancer"
	"agentmesh/internal/infrastructure/logging"
	"agentmesh/internal/infrastructure/messaging"
	"agentmesh/internal/infrastructure/observability"
	"agentmesh/internal/infrastructure/statestore"
	httpapi "agentmesh/internal/interfaces/http"
	"agentmesh/internal/interfaces/websocket"
)

// Application holds the wired components. Everything is an explicit
// dependency; there are no package-level singletons, so tests assemble their
// own instances the same way this does.
type Application struct {
	config    *config.Config
	logger    common.Logger
	telemetry *observability.TelemetryManager
	bus       *services.EventBus
	store     *eventstore.Store
	registry  *services.StatefulAgentRegistry
	workflows *services.WorkflowEngine
	balancer  *loadbalancer.LoadBalancer
	consumer  *messaging.KafkaConsumer
	publisher *messaging.KafkaPublisher
	hub       *websocket.Hub
	server    *http.Server
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "agentmesh: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.NewStructuredLogger(logging.Config{
		Level:       logging.ParseLevel(cfg.Logging.Level),
		ServiceName: "agentmesh",
		Environment: cfg.Logging.Environment,
	})

	app, err := buildApplication(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("Server listening", "host", cfg.Server.Host, "port", cfg.Server.Port)
		if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server stopped", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	return app.shutdown()
}

func buildApplication(cfg *config.Config, logger common.Logger) (*Application, error) {
	ctx := context.Background()

	telemetry, err := observability.NewTelemetryManager(observability.TelemetryConfig{
		ServiceName:   "agentmesh",
		Environment:   cfg.Logging.Environment,
		EnableTracing: cfg.Telemetry.EnableTracing,
		EnableMetrics: cfg.Telemetry.EnableMetrics,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	bus := services.NewEventBus(services.EventBusConfig{
		MaxHistorySize: cfg.Bus.MaxHistorySize,
		Source:         "agentmesh",
		Logger:         logger,
	})
	bus.Use(&services.BusMiddleware{
		Name: "telemetry",
		AfterPublish: func(ctx context.Context, event *entities.Event) {
			telemetry.RecordEventPublished(ctx, event.Type)
		},
	})

	var backend eventstore.Backend
	switch cfg.Store.Backend {
	case "postgres":
		backend, err = eventstore.NewPostgresBackend(ctx, cfg.Store.DatabaseURL, cfg.Store.MaxOpenConns)
		if err != nil {
			return nil, fmt.Errorf("failed to open event store: %w", err)
		}
	default:
		backend = eventstore.NewMemoryBackend()
	}
	store := eventstore.New(backend, eventstore.Config{
		BatchSize:     cfg.Store.BatchSize,
		FlushInterval: cfg.Store.FlushInterval,
		Logger:        logger,
		OnFlushError: func(err error, batchSize int) {
			_, pubErr := bus.Publish(context.Background(), entities.EventTypePersistenceError, map[string]interface{}{
				"operation":  "event_store_flush",
				"batch_size": batchSize,
				"error":      err.Error(),
			}, &services.PublishOptions{Source: "event-store"})
			if pubErr != nil {
				logger.Error("Failed to publish persistence error", pubErr)
			}
		},
	})
	bus.Use(&services.BusMiddleware{
		Name: "event-store",
		AfterPublish: func(ctx context.Context, event *entities.Event) {
			if err := store.Append(ctx, event); err != nil {
				logger.Error("Failed to append event", err, "event_id", event.ID)
			}
		},
	})

	var storage services.StateStorage
	switch cfg.Persist.Backend {
	case "file":
		storage, err = statestore.NewFileStore(cfg.Persist.Directory)
		if err != nil {
			return nil, fmt.Errorf("failed to open state store: %w", err)
		}
	case "redis":
		storage, err = statestore.NewRedisStore(ctx, statestore.RedisStoreConfig{URL: cfg.Persist.RedisURL})
		if err != nil {
			return nil, fmt.Errorf("failed to open state store: %w", err)
		}
	default:
		storage = statestore.NewMemoryStore()
	}

	quotas := services.NewQuotaManager(services.QuotaManagerConfig{Bus: bus, Logger: logger})

	directory := services.NewAgentDirectory(services.AgentDirectoryConfig{
		HeartbeatTimeout:  cfg.State.HeartbeatTimeout,
		HeartbeatInterval: cfg.State.HeartbeatInterval,
		Logger:            logger,
	})

	balancer := loadbalancer.New(loadbalancer.Config{
		CircuitBreakerThreshold: cfg.Balancer.CircuitBreakerThreshold,
		MaxAlternatives:         cfg.Balancer.MaxAlternatives,
		AffinityTTL:             cfg.Balancer.AffinityTTL,
		Logger:                  logger,
	})

	registry := services.NewStatefulAgentRegistry(services.StatefulRegistryConfig{
		Directory:       directory,
		Bus:             bus,
		Storage:         storage,
		Quotas:          quotas,
		Logger:          logger,
		SaveDebounce:    cfg.Persist.SaveDebounce,
		ErrorRetryLimit: cfg.State.ErrorRetryLimit,
	})

	selector := services.NewAgentSelector(directory, logger)

	executorEndpoint := os.Getenv("EXECUTOR_URL")
	if executorEndpoint == "" {
		executorEndpoint = "http://localhost:9090"
	}
	taskExecutor := newHTTPTaskExecutor(executorEndpoint, logger)

	allocator := &services.RegistryAllocator{Selector: selector, Registry: registry}

	engine := services.NewExecutionEngine(allocator, taskExecutor, bus, services.ExecutionEngineConfig{
		MaxConcurrency:    cfg.Exec.MaxConcurrency,
		RetryAttempts:     cfg.Exec.RetryAttempts,
		RetryDelay:        cfg.Exec.RetryDelay,
		ContinueOnFailure: cfg.Exec.ContinueOnFailure,
	}, logger)

	workflows := services.NewWorkflowEngine(bus, allocator, taskExecutor, services.WorkflowEngineConfig{
		MaxConcurrentNodes:  cfg.Workflow.MaxConcurrentNodes,
		DefaultTaskTimeout:  cfg.Workflow.DefaultTaskTimeout,
		SubWorkflowTimeout:  cfg.Workflow.SubWorkflowTimeout,
		MaxSubWorkflowDepth: cfg.Workflow.MaxSubWorkflowDepth,
	}, logger)

	resolver := services.NewDependencyResolver(logger)

	app := &Application{
		config:    cfg,
		logger:    logger,
		telemetry: telemetry,
		bus:       bus,
		store:     store,
		registry:  registry,
		workflows: workflows,
		balancer:  balancer,
	}

	if cfg.Messaging.Enabled {
		app.publisher = messaging.NewKafkaPublisher(messaging.KafkaPublisherConfig{
			Brokers: cfg.Messaging.Brokers,
			Topic:   cfg.Messaging.PublishTopic,
			Logger:  logger,
		})
		bus.Use(app.publisher.Middleware())

		app.consumer, err = messaging.NewKafkaConsumer(messaging.KafkaConsumerConfig{
			Brokers: cfg.Messaging.Brokers,
			Topics:  cfg.Messaging.ConsumeTopics,
			GroupID: cfg.Messaging.ConsumerGroup,
			Logger:  logger,
		}, bus)
		if err != nil {
			return nil, fmt.Errorf("failed to start kafka consumer: %w", err)
		}
		app.consumer.Start(ctx)
	}

	app.hub = websocket.NewHub(bus, logger)
	go app.hub.Run()

	handlers := httpapi.NewOrchestrationHandlers(
		workflows, registry, selector, resolver, engine, balancer, quotas, bus, logger)

	router := mux.NewRouter()
	handlers.Register(router)
	router.HandleFunc("/ws", app.hub.ServeWS)
	router.Handle("/metrics", telemetry.Handler())
	router.Use(httpapi.RecoveryMiddleware(logger))
	router.Use(httpapi.LoggingMiddleware(logger))
	router.Use(httpapi.AuthMiddleware(cfg.Server.AuthSecret, logger))

	app.server = &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return app, nil
}

// shutdown drains the server, the bridges and the stores in dependency order
func (app *Application) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("HTTP shutdown failed", err)
	}
	app.hub.Stop()

	for _, id := range app.registry.GetAgentsInState(entities.AgentStateIdle) {
		if err := app.registry.StopAgent(ctx, id, false); err != nil {
			app.logger.Warn("Failed to stop agent during shutdown", "agent_id", id, "error", err.Error())
		}
	}

	if app.consumer != nil {
		if err := app.consumer.Close(); err != nil {
			app.logger.Error("Kafka consumer close failed", err)
		}
	}
	if app.publisher != nil {
		if err := app.publisher.Close(); err != nil {
			app.logger.Error("Kafka publisher close failed", err)
		}
	}

	if err := app.store.Close(); err != nil {
		app.logger.Error("Event store close failed", err)
	}
	if err := app.telemetry.Shutdown(ctx); err != nil {
		app.logger.Error("Telemetry shutdown failed", err)
	}
	app.logger.Info("Shutdown complete")
	return nil
}
