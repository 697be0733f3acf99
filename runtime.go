package flowline

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/petrijr/flowline/internal/batch"
	"github.com/petrijr/flowline/internal/engine"
	"github.com/petrijr/flowline/internal/persistence"
	"github.com/petrijr/flowline/pkg/worker"
)

// Options configures a Runtime. Zero values select defaults.
type Options struct {
	Observer Observer
	Logger   *slog.Logger
	Clock    Clock

	// Worker configures the job worker. Its Retry.MaxAttempts is also the
	// retry budget of new jobs.
	Worker WorkerConfig

	MaxAgendaSteps    int
	BatchPollInterval time.Duration
	DefaultBatchSize  int
}

// Runtime wires together a ProcessEngine, a BatchManager and a Worker that
// executes the jobs of both, all sharing one store.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:flowline.db?_pragma=journal_mode(WAL)")
//	rt, err := flowline.NewSQLite(db, flowline.Options{})
//	// deploy definitions and register delegates on rt.Engine
//	go rt.Run(ctx)
type Runtime struct {
	Engine  *ProcessEngine
	Batches *BatchManager
	Worker  *Worker

	store persistence.Store
}

// NewInMemory returns a Runtime whose state lives in process memory.
func NewInMemory(opts Options) *Runtime {
	rt, err := newRuntime(persistence.NewMemoryStore(), opts)
	if err != nil {
		// Only delegate registration can fail, and it cannot here.
		panic(err)
	}
	return rt
}

// NewSQLite returns a Runtime persisting executions, jobs and batches in
// SQLite. Definitions are kept in memory and must be deployed on startup.
func NewSQLite(db *sql.DB, opts Options) (*Runtime, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return newRuntime(store, opts)
}

// NewPostgres returns a Runtime persisting its state in PostgreSQL.
func NewPostgres(db *sql.DB, opts Options) (*Runtime, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	return newRuntime(store, opts)
}

func newRuntime(store persistence.Store, opts Options) (*Runtime, error) {
	wcfg := opts.Worker
	if wcfg.Observer == nil {
		wcfg.Observer = opts.Observer
	}
	if wcfg.Logger == nil {
		wcfg.Logger = opts.Logger
	}
	if wcfg.Clock == nil {
		wcfg.Clock = opts.Clock
	}
	retries := wcfg.Retry.MaxAttempts

	eng := engine.New(engine.Config{
		Store:          store,
		Observer:       opts.Observer,
		Logger:         opts.Logger,
		Clock:          opts.Clock,
		JobRetries:     retries,
		MaxAgendaSteps: opts.MaxAgendaSteps,
	})
	batches := batch.NewManager(batch.Config{
		Store:            store,
		Observer:         opts.Observer,
		Logger:           opts.Logger,
		Clock:            opts.Clock,
		PollInterval:     opts.BatchPollInterval,
		DefaultBatchSize: opts.DefaultBatchSize,
		JobRetries:       retries,
	})
	if err := batches.RegisterOperation(batch.DeleteProcessInstances{Engine: eng}); err != nil {
		return nil, err
	}
	if err := batches.RegisterOperation(batch.MigrateProcessInstances{Engine: eng}); err != nil {
		return nil, err
	}

	w := worker.New(store, wcfg)
	if err := w.Register(eng.Handlers()...); err != nil {
		return nil, err
	}
	if err := w.Register(batches.Handlers()...); err != nil {
		return nil, err
	}

	return &Runtime{Engine: eng, Batches: batches, Worker: w, store: store}, nil
}

// Run executes jobs until ctx is cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	return r.Worker.Run(ctx)
}

// ExecuteDueJobs runs every job that is due now, including jobs created
// while doing so, and returns how many ran. Job failures are aggregated
// into the returned error; they have already been retried or
// dead-lettered.
func (r *Runtime) ExecuteDueJobs(ctx context.Context) (int, error) {
	var (
		n      int
		result *multierror.Error
	)
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		processed, err := r.Worker.ProcessOne(ctx)
		if err != nil {
			result = multierror.Append(result, err)
		}
		if !processed {
			return n, result.ErrorOrNil()
		}
		n++
	}
}

// DeleteProcessInstancesAsync creates a batch deleting every instance
// matched by q.
func (r *Runtime) DeleteProcessInstancesAsync(ctx context.Context, q ProcessInstanceQuery, batchSize int, mode BatchMode) (*Batch, error) {
	return r.Batches.CreateBatch(ctx, batch.Request{
		Operation: batch.OperationDeleteProcessInstances,
		Query:     q,
		BatchSize: batchSize,
		Mode:      mode,
	})
}

// MigrateProcessInstancesAsync creates a batch moving every instance
// matched by q to q.TargetDefinitionID.
func (r *Runtime) MigrateProcessInstancesAsync(ctx context.Context, q ProcessInstanceQuery, batchSize int, mode BatchMode) (*Batch, error) {
	return r.Batches.CreateBatch(ctx, batch.Request{
		Operation: batch.OperationMigrateProcessInstances,
		Query:     q,
		BatchSize: batchSize,
		Mode:      mode,
	})
}
