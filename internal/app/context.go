// Package app wires configuration into a running engine: store, external
// scheduler backend, dispatcher and the local fire loop.
package app

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"tributary/internal/config"
	"tributary/internal/db"
	"tributary/internal/dispatch"
	"tributary/internal/engine"
	"tributary/internal/engine/auth"
	"tributary/internal/logging"
	"tributary/internal/migrate"
	"tributary/internal/repo"
	"tributary/internal/scheduler"
	"tributary/internal/templater"
)

// App is everything a command or the HTTP server needs.
type App struct {
	Config *config.Config
	DB     *sqlx.DB
	Engine engine.Engine
	Auth   auth.Service
	// Runner is set for the local scheduler backend only.
	Runner *scheduler.Runner
	Logger *zap.Logger
}

// Build opens and migrates the store and assembles the engine for cfg.
func Build(ctx context.Context, workspace string, cfg *config.Config, logger *zap.Logger) (*App, error) {
	logger = logging.OrNop(logger)
	conn, err := db.Open(db.Config{Workspace: workspace, Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	applied, err := migrate.Migrate(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if applied > 0 {
		logger.Info("migrations applied", zap.Int("count", applied))
	}
	r := repo.Repo{DB: conn}

	awsCfg, err := dispatch.LoadAWSConfig(ctx, cfg.Dispatch.AWSRegion)
	if err != nil {
		conn.Close()
		return nil, err
	}

	var (
		sched  scheduler.Scheduler
		runner *scheduler.Runner
	)
	switch cfg.Scheduler.Backend {
	case config.BackendEventBridge:
		sched = scheduler.NewEventBridge(awsCfg, cfg.Scheduler.Group, cfg.Scheduler.TargetArn, cfg.Scheduler.RoleArn)
	default:
		local := scheduler.NewLocal(r)
		sched = local
		runner = &scheduler.Runner{Local: local, Interval: cfg.Scheduler.PollInterval, Logger: logger.Named("scheduler")}
	}

	d := dispatch.NewAWS(dispatch.NewAWSClients(awsCfg), dispatch.NewHTTPTarget(cfg.Dispatch.Timeout), logger.Named("dispatch"))
	eng := engine.New(conn, sched, d, templater.New(), logger.Named("engine"))
	if cfg.Scheduler.NamePrefix != "" {
		eng.NamePrefix = cfg.Scheduler.NamePrefix
	}
	eng.DispatchTimeout = cfg.Dispatch.Timeout

	if runner != nil {
		runner.Fire = func(ctx context.Context, scheduleID string) error {
			res, err := eng.DispatchOnFire(ctx, scheduleID)
			if err != nil {
				return err
			}
			if res.Error != "" {
				logger.Warn("fired schedule failed", zap.String("schedule_id", scheduleID), zap.String("error", res.Error))
			}
			return nil
		}
	}

	return &App{
		Config: cfg,
		DB:     conn,
		Engine: eng,
		Auth:   auth.Service{Repo: r},
		Runner: runner,
		Logger: logger,
	}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}
