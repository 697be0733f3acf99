package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/flowline/internal/persistence"
	"github.com/petrijr/flowline/internal/testutil"
	"github.com/petrijr/flowline/pkg/api"
)

var testStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type funcHandler struct {
	jobType string
	fn      func(ctx context.Context, tx persistence.Tx, job *api.Job) error

	deadLetters []*api.DeadLetterJob
}

func (h *funcHandler) Type() string { return h.jobType }

func (h *funcHandler) Execute(ctx context.Context, tx persistence.Tx, job *api.Job) error {
	return h.fn(ctx, tx, job)
}

func (h *funcHandler) OnDeadLetter(ctx context.Context, tx persistence.Tx, job *api.DeadLetterJob) error {
	h.deadLetters = append(h.deadLetters, job)
	return nil
}

type jobObserver struct {
	api.NoopObserver

	mu       sync.Mutex
	executed []error
	dead     []string
}

func (o *jobObserver) OnJobExecuted(ctx context.Context, job *api.Job, err error, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.executed = append(o.executed, err)
}

func (o *jobObserver) OnJobDeadLettered(ctx context.Context, job *api.DeadLetterJob) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dead = append(o.dead, job.ID)
}

type fixture struct {
	store    persistence.Store
	clock    *testutil.Clock
	observer *jobObserver
	worker   *Worker
}

func newFixture(t *testing.T, handlers ...Handler) *fixture {
	t.Helper()
	f := &fixture{
		store:    persistence.NewMemoryStore(),
		clock:    testutil.NewClock(testStart),
		observer: &jobObserver{},
	}
	f.worker = New(f.store, Config{
		LockOwner: "w1",
		LockTTL:   time.Minute,
		Retry: api.RetryPolicy{
			InitialBackoff:    10 * time.Second,
			BackoffMultiplier: 2,
			MaxBackoff:        time.Minute,
		},
		Observer: f.observer,
		Clock:    f.clock,
	})
	require.NoError(t, f.worker.Register(handlers...))
	return f
}

func (f *fixture) insert(t *testing.T, job *api.Job) {
	t.Helper()
	if job.DueDate.IsZero() {
		job.DueDate = f.clock.Now()
	}
	err := persistence.InTx(context.Background(), f.store, func(tx persistence.Tx) error {
		return tx.Jobs().Insert(context.Background(), job)
	})
	require.NoError(t, err)
}

func (f *fixture) job(t *testing.T, id string) (*api.Job, error) {
	t.Helper()
	var job *api.Job
	err := persistence.InTx(context.Background(), f.store, func(tx persistence.Tx) error {
		var err error
		job, err = tx.Jobs().Get(context.Background(), id)
		return err
	})
	return job, err
}

func (f *fixture) deadLetter(t *testing.T, id string) *api.DeadLetterJob {
	t.Helper()
	var dl *api.DeadLetterJob
	err := persistence.InTx(context.Background(), f.store, func(tx persistence.Tx) error {
		var err error
		dl, err = tx.Jobs().GetDeadLetter(context.Background(), id)
		return err
	})
	require.NoError(t, err)
	return dl
}

func TestWorker_SuccessDeletesJob(t *testing.T) {
	calls := 0
	h := &funcHandler{jobType: "noop", fn: func(ctx context.Context, tx persistence.Tx, job *api.Job) error {
		calls++
		return nil
	}}
	f := newFixture(t, h)
	f.insert(t, &api.Job{ID: "j1", Type: "noop", RetriesLeft: 3})

	processed, err := f.worker.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, 1, calls)

	_, err = f.job(t, "j1")
	assert.ErrorIs(t, err, api.ErrJobNotFound)

	processed, err = f.worker.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestWorker_FutureJobsAreNotAcquired(t *testing.T) {
	f := newFixture(t)
	f.insert(t, &api.Job{ID: "later", Type: "noop", RetriesLeft: 1, DueDate: testStart.Add(time.Hour)})

	jobs, err := f.worker.AcquireJobs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestWorker_RetriesWithBackoffThenDeadLetters(t *testing.T) {
	boom := errors.New("temporary failure")
	h := &funcHandler{jobType: "flaky", fn: func(ctx context.Context, tx persistence.Tx, job *api.Job) error {
		return boom
	}}
	f := newFixture(t, h)
	f.insert(t, &api.Job{ID: "j1", Type: "flaky", RetriesLeft: 3})

	// First failure: retry after 10s.
	processed, err := f.worker.ProcessOne(context.Background())
	assert.True(t, processed)
	require.ErrorIs(t, err, boom)

	job, err := f.job(t, "j1")
	require.NoError(t, err)
	assert.Equal(t, 2, job.RetriesLeft)
	assert.Equal(t, 1, job.Attempts)
	assert.Empty(t, job.LockOwner)
	assert.Equal(t, "temporary failure", job.ExceptionMessage)
	assert.True(t, job.DueDate.Equal(testStart.Add(10*time.Second)), "due %v", job.DueDate)

	processed, _ = f.worker.ProcessOne(context.Background())
	assert.False(t, processed, "retry-wait jobs are not due yet")

	// Second failure: backoff doubles.
	f.clock.Advance(10 * time.Second)
	_, err = f.worker.ProcessOne(context.Background())
	require.ErrorIs(t, err, boom)
	job, err = f.job(t, "j1")
	require.NoError(t, err)
	assert.Equal(t, 1, job.RetriesLeft)
	assert.True(t, job.DueDate.Equal(f.clock.Now().Add(20*time.Second)))

	// Third failure: budget spent.
	f.clock.Advance(20 * time.Second)
	_, err = f.worker.ProcessOne(context.Background())
	require.ErrorIs(t, err, boom)

	_, err = f.job(t, "j1")
	assert.ErrorIs(t, err, api.ErrJobNotFound)

	dl := f.deadLetter(t, "j1")
	assert.Equal(t, 0, dl.RetriesLeft)
	assert.Equal(t, 3, dl.Attempts)
	assert.True(t, dl.FailedAt.Equal(f.clock.Now()))

	require.Len(t, h.deadLetters, 1)
	assert.Equal(t, []string{"j1"}, f.observer.dead)
	assert.Len(t, f.observer.executed, 3)
}

func TestWorker_UnknownTypeIsDeadLetteredImmediately(t *testing.T) {
	f := newFixture(t)
	f.insert(t, &api.Job{ID: "j1", Type: "mystery", RetriesLeft: 5})

	_, err := f.worker.ProcessOne(context.Background())
	require.NoError(t, err, "an unhandled type is settled, not reported as a handler error")

	dl := f.deadLetter(t, "j1")
	assert.Contains(t, dl.ExceptionMessage, api.ErrNoHandler.Error())
	assert.Equal(t, []string{"j1"}, f.observer.dead)
}

func TestWorker_RoutingErrorsAreNotRetried(t *testing.T) {
	h := &funcHandler{jobType: "route", fn: func(ctx context.Context, tx persistence.Tx, job *api.Job) error {
		return &api.RoutingError{NodeID: "gw", Reason: "no flow"}
	}}
	f := newFixture(t, h)
	f.insert(t, &api.Job{ID: "j1", Type: "route", RetriesLeft: 5})

	_, err := f.worker.ProcessOne(context.Background())
	require.ErrorIs(t, err, api.ErrRoutingFailed)

	dl := f.deadLetter(t, "j1")
	assert.Equal(t, 1, dl.Attempts)
}

func TestWorker_PanicIsRecordedAsFailure(t *testing.T) {
	h := &funcHandler{jobType: "panicky", fn: func(ctx context.Context, tx persistence.Tx, job *api.Job) error {
		panic("kaboom")
	}}
	f := newFixture(t, h)
	f.insert(t, &api.Job{ID: "j1", Type: "panicky", RetriesLeft: 2})

	_, err := f.worker.ProcessOne(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	job, err := f.job(t, "j1")
	require.NoError(t, err)
	assert.Equal(t, 1, job.RetriesLeft)
	assert.Contains(t, job.ExceptionStack, "goroutine")
}

func TestWorker_FailedAttemptRollsBackHandlerWrites(t *testing.T) {
	h := &funcHandler{jobType: "half", fn: func(ctx context.Context, tx persistence.Tx, job *api.Job) error {
		if err := tx.Jobs().Insert(ctx, &api.Job{ID: "side-effect", Type: "noop", DueDate: testStart}); err != nil {
			return err
		}
		return errors.New("then failed")
	}}
	f := newFixture(t, h)
	f.insert(t, &api.Job{ID: "j1", Type: "half", RetriesLeft: 2})

	_, err := f.worker.ProcessOne(context.Background())
	require.Error(t, err)

	_, err = f.job(t, "side-effect")
	assert.ErrorIs(t, err, api.ErrJobNotFound)
}

func TestWorker_RepeatingJobIsRescheduled(t *testing.T) {
	runs := 0
	h := &funcHandler{jobType: "poll", fn: func(ctx context.Context, tx persistence.Tx, job *api.Job) error {
		runs++
		if runs == 2 {
			job.Repeat = ""
		}
		return nil
	}}
	f := newFixture(t, h)
	f.insert(t, &api.Job{ID: "p1", Type: "poll", RetriesLeft: 1, Repeat: "30s"})

	_, err := f.worker.ProcessOne(context.Background())
	require.NoError(t, err)

	job, err := f.job(t, "p1")
	require.NoError(t, err)
	assert.True(t, job.DueDate.Equal(testStart.Add(30*time.Second)))
	assert.Empty(t, job.LockOwner)

	f.clock.Advance(30 * time.Second)
	_, err = f.worker.ProcessOne(context.Background())
	require.NoError(t, err)

	_, err = f.job(t, "p1")
	assert.ErrorIs(t, err, api.ErrJobNotFound, "clearing Repeat stops the job")
}

func TestWorker_ExpiredLeaseIsRejected(t *testing.T) {
	h := &funcHandler{jobType: "slow", fn: func(ctx context.Context, tx persistence.Tx, job *api.Job) error {
		return tx.Jobs().Insert(ctx, &api.Job{ID: "marker-" + job.LockOwner, Type: "noop", DueDate: testStart.Add(time.Hour)})
	}}
	f := newFixture(t, h)
	f.insert(t, &api.Job{ID: "j1", Type: "slow", RetriesLeft: 3})

	jobs, err := f.worker.AcquireJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	stale := jobs[0]

	// The lease expires and a second worker takes the job over.
	f.clock.Advance(2 * time.Minute)
	other := New(f.store, Config{LockOwner: "w2", LockTTL: time.Minute, Clock: f.clock})
	require.NoError(t, other.Register(h))
	taken, err := other.AcquireJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, taken, 1)

	err = f.worker.Execute(context.Background(), stale)
	require.ErrorIs(t, err, api.ErrJobLockLost)

	_, err = f.job(t, "marker-w1")
	assert.ErrorIs(t, err, api.ErrJobNotFound, "the stale attempt was rolled back")

	job, err := f.job(t, "j1")
	require.NoError(t, err)
	assert.Equal(t, "w2", job.LockOwner)
	assert.Equal(t, 3, job.RetriesLeft, "a lost lease is not charged")

	require.NoError(t, other.Execute(context.Background(), taken[0]))
	_, err = f.job(t, "marker-w2")
	assert.NoError(t, err)
}

func TestWorker_RegisterRejectsDuplicates(t *testing.T) {
	h := &funcHandler{jobType: "x"}
	w := New(persistence.NewMemoryStore(), Config{})
	require.NoError(t, w.Register(h))
	require.Error(t, w.Register(h))
	assert.NotEmpty(t, w.LockOwner())
}

func TestWorker_RunProcessesConcurrently(t *testing.T) {
	var done atomic.Int32
	h := &funcHandler{jobType: "count", fn: func(ctx context.Context, tx persistence.Tx, job *api.Job) error {
		done.Add(1)
		return nil
	}}
	store := persistence.NewMemoryStore()
	w := New(store, Config{
		AcquireSize:  5,
		PollInterval: 5 * time.Millisecond,
		Concurrency:  4,
	})
	require.NoError(t, w.Register(h))

	now := time.Now()
	err := persistence.InTx(context.Background(), store, func(tx persistence.Tx) error {
		for i := 0; i < 20; i++ {
			job := &api.Job{ID: "job-" + string(rune('a'+i)), Type: "count", RetriesLeft: 1, DueDate: now}
			if err := tx.Jobs().Insert(context.Background(), job); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return done.Load() == 20 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-result)
}

func TestWorker_ContentionIsRescheduledWithoutCharge(t *testing.T) {
	calls := 0
	h := &funcHandler{jobType: "contended", fn: func(ctx context.Context, tx persistence.Tx, job *api.Job) error {
		calls++
		if calls == 1 {
			return fmt.Errorf("update execution e1: %w", api.ErrOptimisticLock)
		}
		return nil
	}}
	f := newFixture(t, h)
	f.insert(t, &api.Job{ID: "j1", Type: "contended", RetriesLeft: 3})

	processed, err := f.worker.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	job, err := f.job(t, "j1")
	require.NoError(t, err)
	assert.Equal(t, 3, job.RetriesLeft)
	assert.Zero(t, job.Attempts)
	assert.Empty(t, job.ExceptionMessage)
	assert.Empty(t, job.LockOwner)
	assert.True(t, job.DueDate.Equal(f.clock.Now()))
	assert.Empty(t, f.observer.executed)
	assert.Empty(t, f.observer.dead)

	processed, err = f.worker.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, 2, calls)
	_, err = f.job(t, "j1")
	assert.ErrorIs(t, err, api.ErrJobNotFound)
}

func TestWorker_RunLeasesOnlyForIdleGoroutines(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	h := &funcHandler{jobType: "slow", fn: func(ctx context.Context, tx persistence.Tx, job *api.Job) error {
		calls.Add(1)
		started <- struct{}{}
		<-release
		return nil
	}}
	store := persistence.NewMemoryStore()
	clock := testutil.NewClock(testStart)
	w := New(store, Config{
		LockOwner:    "w1",
		LockTTL:      5 * time.Minute,
		AcquireSize:  10,
		PollInterval: 10 * time.Millisecond,
		Concurrency:  1,
		Clock:        clock,
	})
	require.NoError(t, w.Register(h))

	err := persistence.InTx(context.Background(), store, func(tx persistence.Tx) error {
		for i := 0; i < 5; i++ {
			job := &api.Job{ID: fmt.Sprintf("job-%d", i), Type: "slow", RetriesLeft: 1, DueDate: testStart}
			if err := tx.Jobs().Insert(context.Background(), job); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- w.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("no job started")
	}
	cancel()
	close(release)
	require.NoError(t, <-result)
	assert.Equal(t, int32(1), calls.Load())

	var left []*api.Job
	err = persistence.InTx(context.Background(), store, func(tx persistence.Tx) error {
		var err error
		left, err = tx.Jobs().List(context.Background(), api.JobQuery{})
		return err
	})
	require.NoError(t, err)
	require.Len(t, left, 4)
	for _, job := range left {
		assert.Empty(t, job.LockOwner, job.ID)
	}
}
