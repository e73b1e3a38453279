// -------------------------------------------------------------------------
// App - wires storage, queue, services, workers, and HTTP handlers
// -------------------------------------------------------------------------

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/dproc-io/dproc/internal/common"
	"github.com/dproc-io/dproc/internal/events"
	"github.com/dproc-io/dproc/internal/executor"
	"github.com/dproc-io/dproc/internal/handlers"
	"github.com/dproc-io/dproc/internal/interfaces"
	"github.com/dproc-io/dproc/internal/jobs"
	"github.com/dproc-io/dproc/internal/llm"
	"github.com/dproc-io/dproc/internal/pipeline"
	"github.com/dproc-io/dproc/internal/processors"
	"github.com/dproc-io/dproc/internal/queue"
	"github.com/dproc-io/dproc/internal/render"
	"github.com/dproc-io/dproc/internal/secrets"
	storebadger "github.com/dproc-io/dproc/internal/storage/badger"
	storepostgres "github.com/dproc-io/dproc/internal/storage/postgres"
	"github.com/dproc-io/dproc/internal/validation"
	"github.com/dproc-io/dproc/internal/worker"
	"github.com/dproc-io/dproc/pkg/processor"
)

// App holds all application components and dependencies.
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	// db is the shared embedded backend. Nil when both the store and the
	// queue run on external services (Postgres + Redis).
	db *storebadger.BadgerDB

	Store interfaces.ExecutionStore
	Queue interfaces.Queue

	Secrets   *secrets.Service
	Pipelines *pipeline.Service
	Validator *validation.Validator
	LLM       interfaces.LLMService
	Renderer  *render.Engine
	Registry  *processor.Registry
	Cache     *processors.TTLCache
	Events    interfaces.EventService

	Executor *executor.Executor
	Jobs     *jobs.Service
	Pool     *worker.Pool

	janitor *cron.Cron

	// HTTP handlers
	JobHandler      *handlers.JobHandler
	PipelineHandler *handlers.PipelineHandler
	StatusHandler   *handlers.StatusHandler
	EventsHandler   *handlers.EventsHandler
}

// New initializes the application with all dependencies. The worker pool
// and janitor are wired but not started; call StartWorkers when this
// process should claim jobs.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := app.initServices(); err != nil {
		app.closeStorage()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initHandlers()

	if err := app.initJanitor(); err != nil {
		app.closeStorage()
		return nil, fmt.Errorf("failed to initialize janitor: %w", err)
	}

	logger.Info().
		Str("store", app.storeBackend()).
		Str("queue", app.queueBackend()).
		Str("workspace", cfg.WorkspaceDir()).
		Msg("Application initialization complete")

	return app, nil
}

// initStorage selects the execution store and queue backends. The embedded
// Badger database is opened once and shared when both sides run on it.
func (a *App) initStorage() error {
	needBadger := !a.Config.UseRelationalStore() || a.Config.RedisAddr() == ""
	if needBadger {
		db, err := storebadger.NewBadgerDB(a.Config.BadgerDir(), a.Logger)
		if err != nil {
			return fmt.Errorf("failed to open badger at %s: %w", a.Config.BadgerDir(), err)
		}
		a.db = db
	}

	if a.Config.UseRelationalStore() {
		store, err := storepostgres.NewExecutionStore(a.Config.Storage.DatabaseURL, a.Logger)
		if err != nil {
			a.closeStorage()
			return fmt.Errorf("failed to connect execution store: %w", err)
		}
		a.Store = store
	} else {
		a.Store = storebadger.NewExecutionStore(a.db, a.Logger)
	}

	visibility := a.Config.Queue.Visibility()
	if addr := a.Config.RedisAddr(); addr != "" {
		q, err := queue.NewRedisQueue(addr, a.Config.Queue.Redis.Password, a.Config.Queue.Redis.DB, visibility, a.Logger)
		if err != nil {
			a.closeStorage()
			return fmt.Errorf("failed to connect queue: %w", err)
		}
		a.Queue = q
	} else {
		q, err := queue.NewBadgerQueue(a.db.Badger(), visibility, a.Logger)
		if err != nil {
			a.closeStorage()
			return fmt.Errorf("failed to open queue: %w", err)
		}
		a.Queue = q
	}

	a.Logger.Debug().
		Str("store", a.storeBackend()).
		Str("queue", a.queueBackend()).
		Msg("Storage layer initialized")

	return nil
}

// initServices builds the business services in dependency order.
func (a *App) initServices() error {
	secretsService, err := secrets.NewService("", a.Logger)
	if err != nil {
		return fmt.Errorf("failed to load secrets: %w", err)
	}
	a.Secrets = secretsService

	a.Pipelines = pipeline.NewService(a.Config.PipelinesDir(), a.Config.OutputsDir(), a.Logger)
	a.Validator = validation.New(a.Secrets, a.Logger)
	a.LLM = llm.NewService(a.Secrets, a.Logger)
	a.Renderer = render.NewEngine(a.Logger)

	a.Registry = processor.NewRegistry()
	processors.RegisterBuiltins(a.Registry)

	cache, err := processors.NewTTLCache()
	if err != nil {
		return fmt.Errorf("failed to create processor cache: %w", err)
	}
	a.Cache = cache

	a.Events = events.NewService(a.Logger)

	a.Executor = executor.NewExecutor(
		a.Store,
		a.Pipelines,
		a.Validator,
		a.LLM,
		a.Renderer,
		a.Registry,
		a.Cache,
		a.Events,
		a.Logger,
	)

	a.Jobs = jobs.NewService(
		a.Store,
		a.Queue,
		a.Pipelines,
		a.Validator,
		a.Executor,
		a.Events,
		a.Logger,
	)

	a.Pool = worker.NewPool(a.Queue, a.Executor, a.Events, a.Logger, worker.Options{
		Concurrency:  a.Config.Worker.Concurrency,
		PollInterval: a.Config.Queue.PollIntervalDuration(),
		Heartbeat:    a.Config.Worker.Heartbeat(),
	})

	return nil
}

// initHandlers builds the HTTP handler layer over the services.
func (a *App) initHandlers() {
	a.JobHandler = handlers.NewJobHandler(a.Jobs, a.Store, a.Logger)
	a.PipelineHandler = handlers.NewPipelineHandler(a.Pipelines, a.Logger)
	a.StatusHandler = handlers.NewStatusHandler(a.Jobs, a.Logger)
	a.EventsHandler = handlers.NewEventsHandler(a.Events, a.Logger)
}

// initJanitor schedules the queue sweep and the stale execution pass.
// Schedules use six-field cron expressions (seconds first).
func (a *App) initJanitor() error {
	c := cron.New(cron.WithSeconds())

	_, err := c.AddFunc(a.Config.Janitor.SweepSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		result, err := a.Queue.Sweep(ctx)
		if err != nil {
			a.Logger.Warn().Err(err).Msg("Queue sweep failed")
			return
		}
		if result.Redelivered > 0 || result.MovedToFailed > 0 {
			a.Logger.Info().
				Int("redelivered", result.Redelivered).
				Int("movedToFailed", result.MovedToFailed).
				Msg("Queue sweep reclaimed jobs")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", a.Config.Janitor.SweepSchedule, err)
	}

	_, err = c.AddFunc(a.Config.Janitor.StaleSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		cutoff := time.Now().UTC().Add(-a.Config.Janitor.StaleCutoff())
		marked, err := a.Store.MarkStale(ctx, cutoff, "Execution abandoned: no worker heartbeat")
		if err != nil {
			a.Logger.Warn().Err(err).Msg("Stale execution pass failed")
			return
		}
		if marked > 0 {
			a.Logger.Warn().
				Int("marked", marked).
				Dur("staleAfter", a.Config.Janitor.StaleCutoff()).
				Msg("Marked abandoned executions as failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid stale schedule %q: %w", a.Config.Janitor.StaleSchedule, err)
	}

	a.janitor = c
	return nil
}

// StartWorkers starts the worker pool and the janitor. Safe to skip in
// processes that only submit or serve HTTP.
func (a *App) StartWorkers() {
	a.Pool.Start()
	a.janitor.Start()
	a.Logger.Debug().
		Int("concurrency", a.Config.Worker.Concurrency).
		Msg("Worker pool and janitor started")
}

// Close releases all application resources. Workers drain first so
// in-flight executions can checkpoint before the stores go away.
func (a *App) Close() error {
	if a.janitor != nil {
		stopCtx := a.janitor.Stop()
		<-stopCtx.Done()
	}

	if a.Pool != nil {
		a.Pool.Stop()
	}

	if a.EventsHandler != nil {
		a.EventsHandler.Close()
	}

	if a.Events != nil {
		if err := a.Events.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	if a.Cache != nil {
		a.Cache.Close()
	}

	return a.closeStorage()
}

// closeStorage tears down the queue, store, and shared embedded backend.
func (a *App) closeStorage() error {
	var firstErr error

	if a.Queue != nil {
		if err := a.Queue.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close queue")
			if firstErr == nil {
				firstErr = err
			}
		}
		a.Queue = nil
	}

	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close execution store")
			if firstErr == nil {
				firstErr = err
			}
		}
		a.Store = nil
	}

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close badger")
			if firstErr == nil {
				firstErr = err
			}
		}
		a.db = nil
	}

	return firstErr
}

func (a *App) storeBackend() string {
	if a.Config.UseRelationalStore() {
		return "postgres"
	}
	return "badger"
}

func (a *App) queueBackend() string {
	if a.Config.RedisAddr() != "" {
		return "redis"
	}
	return "badger"
}
