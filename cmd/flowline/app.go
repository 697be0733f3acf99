package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"

	"github.com/hashicorp/go-multierror"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/flowline"
	"github.com/petrijr/flowline/internal/config"
	"github.com/petrijr/flowline/internal/history"
	"github.com/petrijr/flowline/internal/metrics"
	"github.com/petrijr/flowline/internal/persistence"
	"github.com/petrijr/flowline/pkg/api"
)

// app is a Runtime built from configuration plus the resources it owns.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	rt      *flowline.Runtime
	events  persistence.EventStore
	metrics *metrics.PrometheusObserver

	closers []func(context.Context) error
}

func newApp(ctx context.Context, cfg *config.Config, logOut io.Writer) (a *app, err error) {
	logger, err := cfg.Logging.NewLogger(logOut)
	if err != nil {
		return nil, err
	}
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(ctx)
		}
	}()

	var db *sql.DB
	if cfg.Database.Driver != "memory" {
		if db, err = a.openDB(ctx); err != nil {
			return nil, err
		}
	}
	if a.events, err = a.openEventStore(ctx, db); err != nil {
		return nil, err
	}

	observers := []api.Observer{api.NewLoggingObserver(logger)}
	if cfg.History.Backend != "none" {
		observers = append(observers, history.NewObserver(a.events, logger, nil))
	}
	if cfg.Metrics.Enabled {
		a.metrics = metrics.NewPrometheusObserver()
		observers = append(observers, a.metrics)
	}

	s := cfg.Scheduler
	opts := flowline.Options{
		Observer: api.NewCompositeObserver(observers...),
		Logger:   logger,
		Worker: flowline.WorkerConfig{
			LockOwner:    s.LockOwner,
			LockTTL:      s.LockTTL,
			AcquireSize:  s.AcquireSize,
			PollInterval: s.PollInterval,
			Concurrency:  s.Concurrency,
			Retry: api.RetryPolicy{
				MaxAttempts:       s.JobRetries,
				InitialBackoff:    s.InitialBackoff,
				BackoffMultiplier: s.BackoffMultiplier,
				MaxBackoff:        s.MaxBackoff,
			},
		},
		MaxAgendaSteps:    s.MaxAgendaSteps,
		BatchPollInterval: cfg.Batch.PollInterval,
		DefaultBatchSize:  cfg.Batch.DefaultBatchSize,
	}

	switch cfg.Database.Driver {
	case "memory":
		a.rt = flowline.NewInMemory(opts)
	case "sqlite":
		a.rt, err = flowline.NewSQLite(db, opts)
	case "postgres":
		a.rt, err = flowline.NewPostgres(db, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	for _, path := range cfg.Definitions {
		def, err := flowline.LoadDefinitionFile(path)
		if err != nil {
			return nil, err
		}
		deployed, err := a.rt.Engine.Deploy(ctx, def)
		if err != nil {
			return nil, fmt.Errorf("deploy %s: %w", path, err)
		}
		logger.Debug("definition deployed", slog.String("id", deployed.ID), slog.String("file", path))
	}
	return a, nil
}

func (a *app) openDB(ctx context.Context) (*sql.DB, error) {
	driver := "sqlite"
	if a.cfg.Database.Driver == "postgres" {
		driver = "pgx"
	}
	db, err := sql.Open(driver, a.cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", a.cfg.Database.Driver, err)
	}
	a.closers = append(a.closers, func(context.Context) error { return db.Close() })
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping %s: %w", a.cfg.Database.Driver, err)
	}
	return db, nil
}

func (a *app) openEventStore(ctx context.Context, db *sql.DB) (persistence.EventStore, error) {
	h := a.cfg.History
	switch h.Backend {
	case "none":
		return persistence.NoopEventStore{}, nil
	case "memory":
		return persistence.NewMemoryEventStore(), nil
	case "sql":
		if a.cfg.Database.Driver == "postgres" {
			return persistence.NewPostgresEventStore(db)
		}
		return persistence.NewSQLiteEventStore(db)
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: h.RedisAddr})
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return persistence.NewRedisEventStore(client, h.RedisPrefix, h.RedisTTL), nil
	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(h.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		a.closers = append(a.closers, client.Disconnect)
		if err := client.Ping(ctx, nil); err != nil {
			return nil, fmt.Errorf("ping mongo: %w", err)
		}
		return persistence.NewMongoEventStore(client, h.MongoDatabase, h.MongoCollection), nil
	}
	return nil, fmt.Errorf("unknown history backend %q", h.Backend)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var result *multierror.Error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	a.closers = nil
	return result.ErrorOrNil()
}
