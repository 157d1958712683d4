package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/phrazzld/enrich-api/internal/api"
	"github.com/phrazzld/enrich-api/internal/config"
	"github.com/phrazzld/enrich-api/internal/domain"
	"github.com/phrazzld/enrich-api/internal/events"
	"github.com/phrazzld/enrich-api/internal/generation"
	"github.com/phrazzld/enrich-api/internal/platform/backend"
	"github.com/phrazzld/enrich-api/internal/platform/gemini"
	"github.com/phrazzld/enrich-api/internal/platform/postgres"
	"github.com/phrazzld/enrich-api/internal/service"
	"github.com/phrazzld/enrich-api/internal/service/auth"
	"github.com/phrazzld/enrich-api/internal/service/dedup"
	"github.com/phrazzld/enrich-api/internal/service/dispatch"
	"github.com/phrazzld/enrich-api/internal/service/progress"
	"github.com/phrazzld/enrich-api/internal/service/quota"
	"github.com/phrazzld/enrich-api/internal/service/reconcile"
	"github.com/phrazzld/enrich-api/internal/store"
	"github.com/phrazzld/enrich-api/internal/task"
)

// application holds all the shared application dependencies to simplify management
// and ensure proper cleanup on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger
	db     *sql.DB

	batchStore    store.BatchStore
	artifactStore store.ArtifactStore
	taskStore     task.TaskStore

	jwtService   auth.JWTService
	batchService service.BatchService
	dispatcher   *dispatch.Service
	deduplicator *dedup.Service
	reconciler   *reconcile.Reconciler

	eventEmitter *events.InMemoryEventEmitter
	taskRunner   *task.TaskRunner
}

// newApplication wires stores, services and the task runner. The runner is
// started last so that recovered tasks find every factory registered.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *sql.DB) (*application, error) {
	app := &application{
		config: cfg,
		logger: logger,
		db:     db,
	}

	var err error
	app.jwtService, err = auth.NewJWTService(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize JWT service: %w", err)
	}
	logger.Info("JWT authentication service initialized",
		"token_lifetime_minutes", cfg.Auth.TokenLifetimeMinutes)

	registry := task.NewRegistry()
	app.batchStore = postgres.NewPostgresBatchStore(db, logger)
	app.artifactStore = postgres.NewPostgresArtifactStore(db, logger)
	app.taskStore = postgres.NewPostgresTaskStore(db, registry, logger)

	generator, err := newGenerator(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	var handoff dispatch.Backend
	if cfg.Backend.URL != "" {
		handoff = backend.NewClient(cfg.Backend, logger)
	}

	mode := domain.DispatchMode(cfg.Dispatch.Mode)
	switch {
	case mode == domain.DispatchModeInline && generator == nil:
		logger.Warn("inline dispatch without a Gemini API key, batches will fail")
	case mode == domain.DispatchModeExternal && (handoff == nil || cfg.Server.PublicURL == ""):
		logger.Warn("external dispatch needs backend.url and server.public_url, batches will fail")
	}

	app.eventEmitter = events.NewInMemoryEventEmitter(logger)
	app.taskRunner = task.NewTaskRunner(app.taskStore, task.TaskRunnerConfig{
		WorkerCount:            cfg.Task.WorkerCount,
		QueueSize:              cfg.Task.QueueSize,
		StuckTaskAge:           cfg.Task.StuckTaskAge,
		StuckTaskCheckInterval: cfg.Task.StuckTaskCheckInterval,
	}, logger)

	app.dispatcher = dispatch.NewService(
		app.batchStore,
		generator,
		handoff,
		generation.NewRetryPolicy(cfg.LLM),
		app.eventEmitter,
		dispatch.ConfigFrom(cfg),
		logger,
	)
	app.deduplicator = dedup.NewService(app.artifactStore, app.batchStore, logger)
	app.reconciler = reconcile.NewReconciler(app.batchStore, app.eventEmitter, cfg.Webhook, logger)

	app.batchService, err = service.NewBatchService(
		app.batchStore,
		quota.NewGuard(app.batchStore, cfg.Quota, logger),
		progress.NewEstimator(app.batchStore, cfg.Dispatch.AvgRowDuration, logger),
		app.eventEmitter,
		mode,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch service: %w", err)
	}

	registerTaskFactories(registry, app.dispatcher, app.deduplicator, logger)
	app.eventEmitter.RegisterHandler(task.NewTaskFactoryEventHandler(registry, app.taskRunner, logger))

	if err := app.taskRunner.Start(); err != nil {
		return nil, fmt.Errorf("failed to start task runner: %w", err)
	}

	logger.Info("application initialized", "dispatch_mode", mode)
	return app, nil
}

// newGenerator returns nil without an API key so that a service running
// only external batches does not need Gemini credentials.
func newGenerator(ctx context.Context, cfg *config.Config, logger *slog.Logger) (generation.Generator, error) {
	if cfg.LLM.GeminiAPIKey == "" {
		return nil, nil
	}
	g, err := gemini.NewGeminiGenerator(ctx, logger, cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM generator: %w", err)
	}
	logger.Info("LLM generator initialized", "model", cfg.LLM.ModelName)
	return g, nil
}

// batchRunner and materializer are the task handlers registered below.
type batchRunner interface {
	Run(ctx context.Context, batchID uuid.UUID) error
}

type materializer interface {
	MaterializeBatch(ctx context.Context, batchID uuid.UUID) (dedup.Result, error)
}

func registerTaskFactories(registry *task.Registry, runner batchRunner, m materializer, logger *slog.Logger) {
	registry.Register(task.TaskTypeBatchDispatch,
		task.NewBatchTaskFactory(task.TaskTypeBatchDispatch, runner.Run, logger))
	registry.Register(task.TaskTypeArtifactMaterialization,
		task.NewBatchTaskFactory(task.TaskTypeArtifactMaterialization,
			func(ctx context.Context, batchID uuid.UUID) error {
				_, err := m.MaterializeBatch(ctx, batchID)
				return err
			}, logger))
}

// Run serves HTTP until ctx is cancelled, then shuts down.
func (app *application) Run(ctx context.Context) error {
	router := setupRouter(routerDeps{
		logger:         app.logger,
		jwtService:     app.jwtService,
		batchHandler:   api.NewBatchHandler(app.batchService, app.logger),
		webhookHandler: api.NewWebhookHandler(app.reconciler, app.logger),
	})

	if err := app.startHTTPServer(ctx, router); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// cleanup stops background work before closing the database.
func (app *application) cleanup() {
	if app.taskRunner != nil {
		app.taskRunner.Stop()
	}

	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("error closing database connection", "error", err)
		}
	}

	app.logger.Info("application shutdown completed")
}
