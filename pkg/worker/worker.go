package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/petrijr/flowline/internal/metrics"
	"github.com/petrijr/flowline/internal/persistence"
	"github.com/petrijr/flowline/pkg/api"
)

// Handler executes jobs of one type. Execute runs inside the transaction
// that also completes the job, so its writes commit only if the job is
// still leased by this worker.
//
// A handler may clear job.Repeat to stop a recurring job.
type Handler interface {
	Type() string
	Execute(ctx context.Context, tx persistence.Tx, job *api.Job) error
}

// DeadLetterHandler is implemented by handlers that settle their own state
// when one of their jobs is dead-lettered. OnDeadLetter runs in the
// transaction that moves the job.
type DeadLetterHandler interface {
	OnDeadLetter(ctx context.Context, tx persistence.Tx, job *api.DeadLetterJob) error
}

// Config controls leasing, polling and retries of a Worker.
type Config struct {
	// LockOwner identifies this worker on leased jobs. A random id is used
	// when empty.
	LockOwner string
	// LockTTL is how long a lease lasts before other workers may take the
	// job over.
	LockTTL time.Duration
	// AcquireSize caps the number of jobs leased per poll. Run leases no
	// more than it has idle goroutines for.
	AcquireSize int
	// PollInterval is the pause between polls that found no work.
	PollInterval time.Duration
	// Concurrency is the number of jobs executed in parallel by Run.
	Concurrency int

	// Retry supplies the backoff between attempts. The retry budget itself
	// travels with each job.
	Retry api.RetryPolicy

	Observer api.Observer
	Logger   *slog.Logger
	Clock    api.Clock
}

// DefaultConfig returns the configuration used for zero fields.
func DefaultConfig() Config {
	return Config{
		LockTTL:      5 * time.Minute,
		AcquireSize:  10,
		PollInterval: time.Second,
		Concurrency:  1,
		Retry:        api.DefaultRetryPolicy,
	}
}

// Worker leases due jobs from a Store and runs them through registered
// handlers: acquire, lock, execute, then complete, retry or dead-letter.
type Worker struct {
	store persistence.Store
	cfg   Config

	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates a Worker on store.
func New(store persistence.Store, cfg Config) *Worker {
	def := DefaultConfig()
	if cfg.LockOwner == "" {
		cfg.LockOwner = "worker-" + ksuid.New().String()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.AcquireSize <= 0 {
		cfg.AcquireSize = def.AcquireSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Retry == (api.RetryPolicy{}) {
		cfg.Retry = def.Retry
	}
	if cfg.Observer == nil {
		cfg.Observer = api.NoopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = api.SystemClock
	}
	return &Worker{
		store:    store,
		cfg:      cfg,
		handlers: make(map[string]Handler),
	}
}

// LockOwner returns the id this worker leases jobs under.
func (w *Worker) LockOwner() string { return w.cfg.LockOwner }

// Register adds handlers. Registering a second handler for a job type is
// an error.
func (w *Worker) Register(handlers ...Handler) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, h := range handlers {
		if _, exists := w.handlers[h.Type()]; exists {
			return fmt.Errorf("handler already registered for job type %q", h.Type())
		}
		w.handlers[h.Type()] = h
	}
	return nil
}

func (w *Worker) handler(jobType string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[jobType]
	return h, ok
}

// AcquireJobs leases up to AcquireSize due jobs.
func (w *Worker) AcquireJobs(ctx context.Context) ([]*api.Job, error) {
	return w.acquire(ctx, w.cfg.AcquireSize)
}

func (w *Worker) acquire(ctx context.Context, limit int) ([]*api.Job, error) {
	var jobs []*api.Job
	err := persistence.InTx(ctx, w.store, func(tx persistence.Tx) error {
		var err error
		jobs, err = tx.Jobs().Acquire(ctx, w.cfg.LockOwner, w.cfg.Clock.Now(), w.cfg.LockTTL, limit)
		return err
	})
	return jobs, err
}

// ProcessOne leases and executes a single due job.
// Returns (processed, error):
//   - processed == false, err == nil: no job was due
//   - processed == true: a job ran; err is the handler's error, or
//     api.ErrJobLockLost when the lease expired before it finished.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	jobs, err := w.acquire(ctx, 1)
	if err != nil {
		return false, err
	}
	if len(jobs) == 0 {
		return false, nil
	}
	return true, w.Execute(ctx, jobs[0])
}

// Execute runs a leased job. On success the job is deleted, or
// rescheduled when it repeats. On failure its retry budget is charged in a
// separate transaction and it is either rescheduled with backoff or moved
// to the dead-letter table. A conflicting concurrent write only makes the
// job due again; it costs no retry.
func (w *Worker) Execute(ctx context.Context, job *api.Job) error {
	ctx, span := metrics.StartSpan(ctx, "worker/"+job.Type,
		attribute.String("job.id", job.ID),
		attribute.String("job.type", job.Type),
		attribute.String("job.correlation_id", job.CorrelationID),
	)
	defer span.End()

	started := time.Now()

	h, ok := w.handler(job.Type)
	if !ok {
		runErr := fmt.Errorf("%w: %s", api.ErrNoHandler, job.Type)
		w.cfg.Observer.OnJobExecuted(ctx, job, runErr, time.Since(started))
		metrics.RecordError(span, runErr)
		return w.fail(ctx, nil, job, runErr, "")
	}

	// The store's copy must stay untouched if the attempt fails.
	attempt := job.Clone()
	var stack string
	err := persistence.InTx(ctx, w.store, func(tx persistence.Tx) error {
		var herr error
		stack, herr = invoke(ctx, h, tx, attempt)
		if herr != nil {
			return herr
		}
		return w.settle(ctx, tx, attempt)
	})
	if isContention(err) {
		return w.retryContended(ctx, job, err)
	}
	w.cfg.Observer.OnJobExecuted(ctx, job, err, time.Since(started))

	if err == nil {
		return nil
	}
	metrics.RecordError(span, err)
	if errors.Is(err, api.ErrJobLockLost) {
		w.cfg.Logger.Warn("job lease lost; work rolled back",
			slog.String("job_id", job.ID),
			slog.String("type", job.Type),
		)
		return err
	}
	if ferr := w.fail(ctx, h, job, err, stack); ferr != nil && !errors.Is(ferr, err) {
		return errors.Join(err, ferr)
	}
	return err
}

// invoke calls the handler, turning a panic into an error with its stack.
func invoke(ctx context.Context, h Handler, tx persistence.Tx, job *api.Job) (stack string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler %q panicked: %v", job.Type, r)
			stack = string(debug.Stack())
		}
	}()
	return "", h.Execute(ctx, tx, job)
}

// settle deletes a finished job, or releases it with its next due date
// when it repeats.
func (w *Worker) settle(ctx context.Context, tx persistence.Tx, job *api.Job) error {
	interval, err := job.RepeatInterval()
	if err != nil {
		return fmt.Errorf("job %s: invalid repeat %q: %w", job.ID, job.Repeat, err)
	}
	if interval <= 0 {
		return tx.Jobs().Complete(ctx, job)
	}
	next := job.DueDate.Add(interval)
	if now := w.cfg.Clock.Now(); next.Before(now) {
		next = now.Add(interval)
	}
	job.DueDate = next
	job.Attempts = 0
	job.ExceptionMessage = ""
	job.ExceptionStack = ""
	return tx.Jobs().Release(ctx, job)
}

// isFatal reports errors that no retry can fix. Partition failures are
// business outcomes: the dead-letter hook records them on the batch part.
func isFatal(err error) bool {
	return api.IsPartitionFailure(err) ||
		errors.Is(err, api.ErrNoHandler) ||
		errors.Is(err, api.ErrRoutingFailed) ||
		errors.Is(err, api.ErrUnsupportedConfiguration)
}

// isContention reports a conflicting concurrent write: another command
// changed a row this job read.
func isContention(err error) bool {
	return err != nil && errors.Is(err, api.ErrOptimisticLock) && !isFatal(err)
}

// retryContended makes job due again at once without charging its retry
// budget.
func (w *Worker) retryContended(ctx context.Context, job *api.Job, cause error) error {
	again := job.Clone()
	again.DueDate = w.cfg.Clock.Now()
	err := persistence.InTx(ctx, w.store, func(tx persistence.Tx) error {
		return tx.Jobs().Release(ctx, again)
	})
	if err != nil {
		return err
	}
	w.cfg.Logger.Debug("job hit a concurrent update; rescheduled",
		slog.String("job_id", job.ID),
		slog.String("type", job.Type),
		slog.Any("cause", cause),
	)
	return nil
}

// fail charges one attempt to job and either reschedules it after the
// backoff or dead-letters it.
func (w *Worker) fail(ctx context.Context, h Handler, job *api.Job, cause error, stack string) error {
	now := w.cfg.Clock.Now()
	failed := job.Clone()
	failed.Attempts++
	failed.RetriesLeft--
	if isFatal(cause) {
		failed.RetriesLeft = 0
	}
	failed.ExceptionMessage = cause.Error()
	if stack == "" {
		stack = fmt.Sprintf("%+v", cause)
	}
	failed.ExceptionStack = stack

	var dead *api.DeadLetterJob
	err := persistence.InTx(ctx, w.store, func(tx persistence.Tx) error {
		if failed.RetriesLeft > 0 {
			failed.DueDate = now.Add(w.cfg.Retry.Backoff(failed.Attempts))
			return tx.Jobs().Release(ctx, failed)
		}

		dl, err := tx.Jobs().DeadLetter(ctx, failed, now)
		if err != nil {
			return err
		}
		if dh, ok := h.(DeadLetterHandler); ok {
			if err := dh.OnDeadLetter(ctx, tx, dl); err != nil {
				return fmt.Errorf("dead letter hook for job %s: %w", job.ID, err)
			}
		}
		dead = dl
		return nil
	})
	if err != nil {
		w.cfg.Logger.Error("failed to record job failure",
			slog.String("job_id", job.ID),
			slog.String("type", job.Type),
			slog.Any("error", err),
		)
		return err
	}

	if dead != nil {
		w.cfg.Observer.OnJobDeadLettered(ctx, dead)
		return nil
	}
	w.cfg.Logger.Debug("job rescheduled after failure",
		slog.String("job_id", job.ID),
		slog.Int("retries_left", failed.RetriesLeft),
		slog.Time("due", failed.DueDate),
	)
	return nil
}

// Run polls for due jobs and executes them on Concurrency goroutines until
// ctx is cancelled. A poll leases at most as many jobs as there are idle
// goroutines, so every leased job starts right away. Jobs already started
// run to completion.
func (w *Worker) Run(ctx context.Context) error {
	slots := make(chan struct{}, w.cfg.Concurrency)
	for i := 0; i < w.cfg.Concurrency; i++ {
		slots <- struct{}{}
	}
	var wg sync.WaitGroup
	defer wg.Wait()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-slots:
		}
		if ctx.Err() != nil {
			return nil
		}
		idle := 1 + w.takeIdle(slots, w.cfg.AcquireSize-1)

		acquired, err := w.acquire(ctx, idle)
		for i := len(acquired); i < idle; i++ {
			slots <- struct{}{}
		}
		for _, job := range acquired {
			wg.Add(1)
			go func(job *api.Job) {
				defer wg.Done()
				defer func() { slots <- struct{}{} }()
				_ = w.Execute(context.WithoutCancel(ctx), job)
			}(job)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.cfg.Logger.Error("acquire jobs failed", slog.Any("error", err))
		}

		if err == nil && len(acquired) == idle {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// takeIdle claims up to max further free slots without blocking.
func (w *Worker) takeIdle(slots chan struct{}, max int) int {
	n := 0
	for n < max {
		select {
		case <-slots:
			n++
		default:
			return n
		}
	}
	return n
}
