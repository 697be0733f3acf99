package persistence

import (
	"context"
	"time"

	"github.com/petrijr/flowline/pkg/api"
)

// Store is the transactional source of truth for the execution tree, the
// job table and batches. Every mutation happens inside a Tx; nothing is
// visible to other transactions before Commit.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one unit of work. Rollback after Commit is a no-op, so callers can
// always defer Rollback.
type Tx interface {
	Executions() ExecutionStore
	Jobs() JobStore
	Batches() BatchStore

	// AfterCommit registers fn to run once the transaction committed.
	// Callbacks are dropped on rollback.
	AfterCommit(fn func())

	Commit() error
	Rollback() error
}

// ExecutionStore handles storage of execution tree nodes.
type ExecutionStore interface {
	// Insert stores a new execution and sets its Version to 1.
	Insert(ctx context.Context, ex *api.Execution) error
	// Update writes ex if its Version still matches the stored row and
	// increments ex.Version. It returns api.ErrOptimisticLock otherwise.
	Update(ctx context.Context, ex *api.Execution) error
	Get(ctx context.Context, id string) (*api.Execution, error)
	// Delete removes an execution. Deleting a missing execution is not an error.
	Delete(ctx context.Context, id string) error
	// List returns matching executions ordered by id.
	List(ctx context.Context, q api.ExecutionQuery) ([]*api.Execution, error)
	Count(ctx context.Context, q api.ExecutionQuery) (int, error)
	DeleteByProcessInstance(ctx context.Context, processInstanceID string) (int, error)
	// DecrementPendingBranches atomically decrements the fan-in counter of
	// a container execution and returns the post-decrement value. The
	// stored version is incremented as well.
	DecrementPendingBranches(ctx context.Context, id string) (int, error)
}

// JobStore handles storage of jobs and dead-letter jobs.
//
// Complete, Release and DeadLetter are checked against the lock owner and
// version carried by job; a mismatch means another worker took over the
// lease and yields api.ErrJobLockLost.
type JobStore interface {
	Insert(ctx context.Context, job *api.Job) error
	Get(ctx context.Context, id string) (*api.Job, error)
	// List returns matching jobs ordered by due date.
	List(ctx context.Context, q api.JobQuery) ([]*api.Job, error)

	// Acquire leases up to limit due jobs whose lock is free or expired,
	// oldest due date first. Rows taken concurrently by another worker are
	// skipped silently.
	Acquire(ctx context.Context, owner string, now time.Time, ttl time.Duration, limit int) ([]*api.Job, error)
	// Complete deletes a finished job.
	Complete(ctx context.Context, job *api.Job) error
	// Release writes the job's schedule, retry and exception fields back,
	// clears the lock and increments job.Version.
	Release(ctx context.Context, job *api.Job) error
	// DeadLetter moves the job into the dead-letter table.
	DeadLetter(ctx context.Context, job *api.Job, failedAt time.Time) (*api.DeadLetterJob, error)

	Delete(ctx context.Context, id string) error
	// DeleteByCorrelation removes jobs of the given type (any type when
	// jobType is empty) correlated to correlationID.
	DeleteByCorrelation(ctx context.Context, correlationID, jobType string) (int, error)
	// DeleteByProcessInstance removes the instance's jobs and dead letters.
	DeleteByProcessInstance(ctx context.Context, processInstanceID string) (int, error)

	ListDeadLetters(ctx context.Context, q api.JobQuery) ([]*api.DeadLetterJob, error)
	GetDeadLetter(ctx context.Context, id string) (*api.DeadLetterJob, error)
	// Restore moves a dead letter back into the job table, due at now.
	Restore(ctx context.Context, id string, retries int, now time.Time) (*api.Job, error)
}

// BatchStore handles storage of batches and their parts.
type BatchStore interface {
	InsertBatch(ctx context.Context, b *api.Batch) error
	// UpdateBatch is version checked like ExecutionStore.Update.
	UpdateBatch(ctx context.Context, b *api.Batch) error
	GetBatch(ctx context.Context, id string) (*api.Batch, error)
	ListBatches(ctx context.Context, q api.BatchQuery) ([]*api.Batch, error)

	InsertPart(ctx context.Context, p *api.BatchPart) error
	UpdatePart(ctx context.Context, p *api.BatchPart) error
	GetPart(ctx context.Context, id string) (*api.BatchPart, error)
	// ListParts returns the parts of a batch, filtered by phase when
	// partType is not empty, in creation order.
	ListParts(ctx context.Context, batchID, partType string) ([]*api.BatchPart, error)
}

// InTx runs fn inside a new transaction and commits when fn returns nil.
func InTx(ctx context.Context, s Store, fn func(tx Tx) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
