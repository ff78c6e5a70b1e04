// Package app wires the configured components of a fern process.
package app

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/db"
	"github.com/Ramsey-B/fern/internal/repositories/errorlog"
	"github.com/Ramsey-B/fern/internal/repositories/rawresponse"
	"github.com/Ramsey-B/fern/internal/repositories/runrecord"
	selections "github.com/Ramsey-B/fern/internal/repositories/selection"
	"github.com/Ramsey-B/fern/internal/repositories/staged"
	"github.com/Ramsey-B/fern/internal/repositories/versioned"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/entity"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/health"
	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/locking"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/orchestrator"
	"github.com/Ramsey-B/fern/pkg/parser"
	"github.com/Ramsey-B/fern/pkg/query"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/scheduler"
	"github.com/Ramsey-B/fern/pkg/selection"
	"github.com/Ramsey-B/fern/pkg/staging"
	"github.com/Ramsey-B/fern/pkg/startup"
	"github.com/Ramsey-B/fern/pkg/suppression"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	DepTracing    = "tracing"
	DepDatabase   = "database"
	DepMigrations = "migrations"
	DepRedis      = "redis"
	DepKafka      = "kafka"
	DepServices   = "services"
)

// App holds the components built from a Config. Fields are populated by Open.
type App struct {
	Config  *config.Config
	Logger  ectologger.Logger
	Catalog *entity.Catalog
	Version string

	DB       database.DB
	Redis    *redis.Client
	Producer *kafka.Producer

	Runs         *runrecord.Repository
	Errors       *errorlog.Repository
	Orchestrator *orchestrator.Orchestrator
	Selections   *selection.Manager
	Query        *query.Service
	Health       *health.Checker
	Scheduler    *scheduler.Scheduler

	startup *startup.Startup
}

func New(cfg *config.Config, logger ectologger.Logger, version string) *App {
	a := &App{
		Config:  cfg,
		Logger:  logger,
		Catalog: entity.Default,
		Version: version,
		startup: startup.NewStartup(logger, cfg.StartupMaxAttempts),
	}

	if cfg.OTLPEnabled {
		var shutdown func(context.Context) error
		a.startup.AddDependency(startup.Func{
			Name: DepTracing,
			StartFunc: func(ctx context.Context) (err error) {
				shutdown, err = tracing.Setup(ctx, cfg.AppName, cfg.OTLP())
				return err
			},
			StopFunc: func(ctx context.Context) error { return shutdown(ctx) },
		})
	}

	a.startup.AddDependency(startup.Func{
		Name:      DepDatabase,
		StartFunc: a.openDatabase,
		StopFunc:  func(context.Context) error { return a.DB.Close() },
	})
	a.startup.AddDependency(startup.Func{
		Name:      DepMigrations,
		Requires:  []string{DepDatabase},
		StartFunc: func(context.Context) error { return a.Migrate() },
	})

	services := []string{DepMigrations}
	if cfg.RedisEnabled {
		services = append(services, DepRedis)
		a.startup.AddDependency(startup.Func{
			Name: DepRedis,
			StartFunc: func(ctx context.Context) (err error) {
				a.Redis, err = redis.NewClient(ctx, cfg.Redis(), logger)
				return err
			},
			StopFunc: func(context.Context) error { return a.Redis.Close() },
		})
	}
	if cfg.KafkaEnabled {
		services = append(services, DepKafka)
		a.startup.AddDependency(startup.Func{
			Name: DepKafka,
			StartFunc: func(context.Context) error {
				a.Producer = kafka.NewProducer(cfg.Kafka(), logger)
				return nil
			},
			StopFunc: func(context.Context) error { return a.Producer.Close() },
		})
	}

	a.startup.AddDependency(startup.Func{
		Name:      DepServices,
		Requires:  services,
		StartFunc: a.buildServices,
	})
	return a
}

// Open starts every dependency and builds the services.
func (a *App) Open(ctx context.Context) error {
	return a.startup.Start(ctx)
}

// Close stops dependencies in reverse start order.
func (a *App) Close(ctx context.Context) error {
	return a.startup.Stop(ctx)
}

func (a *App) openDatabase(ctx context.Context) error {
	if a.DB != nil {
		return nil
	}
	store, err := database.Connect(ctx, a.Config.Database(), a.Logger)
	if err != nil {
		return err
	}
	a.DB = store
	return nil
}

// Migrate runs the schema migrations of the configured driver. It is idempotent.
func (a *App) Migrate() error {
	migrations := database.NewMigrationService(a.Logger, a.Config.Migration(db.Migrations))
	if err := migrations.Migrate(a.Config.DatabaseName, a.DB); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

func (a *App) buildServices(ctx context.Context) error {
	cfg := a.Config
	logger := a.Logger

	stagedRepo := staged.NewRepository(a.DB, logger)
	versionedRepo := versioned.NewRepository(a.DB, logger)
	rawRepo := rawresponse.NewRepository(a.DB, logger)
	a.Runs = runrecord.NewRepository(a.DB, logger)
	a.Errors = errorlog.NewRepository(a.DB, logger)

	// runs still marked running were interrupted by a previous process exit
	if n, err := a.Runs.FailAbandoned(ctx, "interrupted by restart"); err != nil {
		return err
	} else if n > 0 {
		logger.WithContext(ctx).Warnf("Marked %d abandoned runs as failed", n)
	}

	var locker locking.Locker = locking.NewKeyedLocker()
	var schedulerLock *redis.Locker
	if a.Redis != nil {
		schedulerLock = redis.NewLocker(a.Redis, redis.DefaultKeyPrefix)
		locker = locking.NewRedisLocker(schedulerLock, cfg.RedisLockTTL, logger)
	}

	engine := merging.NewEngine(a.DB, stagedRepo, versionedRepo, logger)
	suppressor := suppression.NewSuppressor(rawRepo, cfg.DuplicateSuppressionEnabled, logger)
	a.Selections = selection.NewManager(selection.Dependencies{
		DB:         a.DB,
		Selections: selections.NewRepository(a.DB, logger),
		Runs:       a.Runs,
		Engine:     engine,
		Catalog:    a.Catalog,
		Locker:     locker,
		Suppressor: suppressor,
	}, cfg.Selection(), logger)
	a.Query = query.NewService(a.Catalog, versionedRepo, stagedRepo, a.Runs, a.Errors, logger)

	var publisher events.Publisher
	if a.Producer != nil {
		publisher = a.Producer
	}

	client := httpclient.NewClient(cfg.HTTPClient(), logger)
	a.Orchestrator = orchestrator.New(orchestrator.Dependencies{
		DB:           a.DB,
		Catalog:      a.Catalog,
		Fetcher:      httpclient.NewAPIFetcher(client, cfg.Fetcher(), logger),
		Parser:       parser.NewParser(),
		Suppressor:   suppressor,
		Loader:       staging.NewLoader(stagedRepo, logger),
		Engine:       engine,
		Staged:       stagedRepo,
		Versioned:    versionedRepo,
		RawResponses: rawRepo,
		Runs:         a.Runs,
		Errors:       a.Errors,
		Selections:   a.Selections,
		Locker:       locker,
		Emitter:      events.NewEmitter(publisher, logger),
	}, cfg.Orchestrator(), logger)

	a.Scheduler = scheduler.NewScheduler(a.Orchestrator, schedulerLock, cfg.Scheduler(), logger)
	a.Health = health.NewChecker(a.DB, a.Redis, a.Version)
	a.Health.SetReady(true)
	return nil
}
