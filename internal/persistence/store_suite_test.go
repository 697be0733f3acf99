package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/flowline/pkg/api"
)

// runStoreSuite exercises a Store implementation. Every backend must pass it.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("ExecutionInsertGetUpdate", func(t *testing.T) { testExecutionInsertGetUpdate(t, newStore(t)) })
	t.Run("ExecutionOptimisticLock", func(t *testing.T) { testExecutionOptimisticLock(t, newStore(t)) })
	t.Run("ExecutionListAndCount", func(t *testing.T) { testExecutionListAndCount(t, newStore(t)) })
	t.Run("DecrementPendingBranches", func(t *testing.T) { testDecrementPendingBranches(t, newStore(t)) })
	t.Run("RollbackDiscardsWrites", func(t *testing.T) { testRollbackDiscardsWrites(t, newStore(t)) })
	t.Run("AfterCommitCallbacks", func(t *testing.T) { testAfterCommitCallbacks(t, newStore(t)) })
	t.Run("JobAcquireAndComplete", func(t *testing.T) { testJobAcquireAndComplete(t, newStore(t)) })
	t.Run("JobLeaseExpiry", func(t *testing.T) { testJobLeaseExpiry(t, newStore(t)) })
	t.Run("JobReleaseReschedules", func(t *testing.T) { testJobReleaseReschedules(t, newStore(t)) })
	t.Run("JobDeadLetterAndRestore", func(t *testing.T) { testJobDeadLetterAndRestore(t, newStore(t)) })
	t.Run("JobDeleteByCorrelation", func(t *testing.T) { testJobDeleteByCorrelation(t, newStore(t)) })
	t.Run("BatchesAndParts", func(t *testing.T) { testBatchesAndParts(t, newStore(t)) })
}

var suiteNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func inTx(t *testing.T, s Store, fn func(tx Tx)) {
	t.Helper()
	err := InTx(context.Background(), s, func(tx Tx) error {
		fn(tx)
		return nil
	})
	require.NoError(t, err)
}

func rootExecution(id string) *api.Execution {
	return &api.Execution{
		ID:                  id,
		ProcessInstanceID:   id,
		ProcessDefinitionID: "order:1",
		CurrentNodeID:       "start",
		IsActive:            true,
		IsScope:             true,
		Variables:           map[string]any{"amount": 42, "customer": "acme"},
		CreatedAt:           suiteNow,
	}
}

func testJob(id, typ string, due time.Time) *api.Job {
	return &api.Job{
		ID:                id,
		Type:              typ,
		CorrelationID:     "ex-" + id,
		ProcessInstanceID: "pi-1",
		Configuration:     `{"phase":"before"}`,
		DueDate:           due,
		RetriesLeft:       3,
		CreatedAt:         suiteNow,
	}
}

func testExecutionInsertGetUpdate(t *testing.T, s Store) {
	ctx := context.Background()
	ex := rootExecution("pi-1")

	inTx(t, s, func(tx Tx) {
		require.NoError(t, tx.Executions().Insert(ctx, ex))
	})
	require.Equal(t, int64(1), ex.Version)

	inTx(t, s, func(tx Tx) {
		got, err := tx.Executions().Get(ctx, "pi-1")
		require.NoError(t, err)
		require.Equal(t, "order:1", got.ProcessDefinitionID)
		require.True(t, got.IsActive)
		require.True(t, got.IsProcessInstance())
		// Numbers come back as JSON numbers on every backend.
		require.Equal(t, float64(42), got.Variables["amount"])
		require.Equal(t, "acme", got.Variables["customer"])

		got.CurrentNodeID = "review"
		got.IsParked = true
		got.Variables["approved"] = true
		require.NoError(t, tx.Executions().Update(ctx, got))
		require.Equal(t, int64(2), got.Version)
	})

	inTx(t, s, func(tx Tx) {
		got, err := tx.Executions().Get(ctx, "pi-1")
		require.NoError(t, err)
		require.Equal(t, "review", got.CurrentNodeID)
		require.True(t, got.IsParked)
		require.Equal(t, true, got.Variables["approved"])
		require.Equal(t, int64(2), got.Version)

		require.NoError(t, tx.Executions().Delete(ctx, "pi-1"))
		require.NoError(t, tx.Executions().Delete(ctx, "pi-1"), "deleting a missing execution is not an error")

		_, err = tx.Executions().Get(ctx, "pi-1")
		require.ErrorIs(t, err, api.ErrExecutionNotFound)
	})
}

func testExecutionOptimisticLock(t *testing.T, s Store) {
	ctx := context.Background()
	inTx(t, s, func(tx Tx) {
		require.NoError(t, tx.Executions().Insert(ctx, rootExecution("pi-1")))
	})

	var stale *api.Execution
	inTx(t, s, func(tx Tx) {
		var err error
		stale, err = tx.Executions().Get(ctx, "pi-1")
		require.NoError(t, err)

		fresh := stale.Clone()
		fresh.CurrentNodeID = "a"
		require.NoError(t, tx.Executions().Update(ctx, fresh))
	})

	inTx(t, s, func(tx Tx) {
		stale.CurrentNodeID = "b"
		err := tx.Executions().Update(ctx, stale)
		require.ErrorIs(t, err, api.ErrOptimisticLock)

		err = tx.Executions().Update(ctx, &api.Execution{ID: "missing", Version: 1})
		require.ErrorIs(t, err, api.ErrExecutionNotFound)
	})
}

func testExecutionListAndCount(t *testing.T, s Store) {
	ctx := context.Background()
	inTx(t, s, func(tx Tx) {
		es := tx.Executions()
		require.NoError(t, es.Insert(ctx, rootExecution("pi-1")))
		require.NoError(t, es.Insert(ctx, rootExecution("pi-2")))
		other := rootExecution("pi-3")
		other.ProcessDefinitionID = "invoice:2"
		require.NoError(t, es.Insert(ctx, other))
		for _, id := range []string{"pi-1-a", "pi-1-b"} {
			require.NoError(t, es.Insert(ctx, &api.Execution{
				ID:                  id,
				ParentID:            "pi-1",
				ProcessInstanceID:   "pi-1",
				ProcessDefinitionID: "order:1",
				IsActive:            true,
				IsConcurrent:        true,
				CreatedAt:           suiteNow,
			}))
		}
	})

	inTx(t, s, func(tx Tx) {
		es := tx.Executions()

		roots, err := es.List(ctx, api.ExecutionQuery{RootsOnly: true})
		require.NoError(t, err)
		require.Len(t, roots, 3)
		require.Equal(t, "pi-1", roots[0].ID)

		byKey, err := es.List(ctx, api.ExecutionQuery{ProcessDefinitionKey: "order", RootsOnly: true})
		require.NoError(t, err)
		require.Len(t, byKey, 2)

		children, err := es.List(ctx, api.ExecutionQuery{ParentID: "pi-1"})
		require.NoError(t, err)
		require.Len(t, children, 2)
		require.True(t, children[0].IsConcurrent)

		page, err := es.List(ctx, api.ExecutionQuery{RootsOnly: true, Offset: 1, Limit: 1})
		require.NoError(t, err)
		require.Len(t, page, 1)
		require.Equal(t, "pi-2", page[0].ID)

		after, err := es.List(ctx, api.ExecutionQuery{RootsOnly: true, AfterID: "pi-1", Limit: 5})
		require.NoError(t, err)
		require.Len(t, after, 2)
		require.Equal(t, "pi-2", after[0].ID)

		n, err := es.Count(ctx, api.ExecutionQuery{ProcessInstanceID: "pi-1"})
		require.NoError(t, err)
		require.Equal(t, 3, n)

		deleted, err := es.DeleteByProcessInstance(ctx, "pi-1")
		require.NoError(t, err)
		require.Equal(t, 3, deleted)

		n, err = es.Count(ctx, api.ExecutionQuery{})
		require.NoError(t, err)
		require.Equal(t, 2, n)
	})
}

func testDecrementPendingBranches(t *testing.T, s Store) {
	ctx := context.Background()
	container := rootExecution("pi-1")
	container.IsActive = false
	container.PendingBranches = 2

	inTx(t, s, func(tx Tx) {
		require.NoError(t, tx.Executions().Insert(ctx, container))
	})

	inTx(t, s, func(tx Tx) {
		n, err := tx.Executions().DecrementPendingBranches(ctx, "pi-1")
		require.NoError(t, err)
		require.Equal(t, 1, n)
	})
	inTx(t, s, func(tx Tx) {
		n, err := tx.Executions().DecrementPendingBranches(ctx, "pi-1")
		require.NoError(t, err)
		require.Equal(t, 0, n)

		got, err := tx.Executions().Get(ctx, "pi-1")
		require.NoError(t, err)
		require.Equal(t, int64(3), got.Version, "each decrement bumps the version")

		_, err = tx.Executions().DecrementPendingBranches(ctx, "missing")
		require.ErrorIs(t, err, api.ErrExecutionNotFound)
	})

	// A stale copy taken before the decrements must not overwrite them.
	err := InTx(ctx, s, func(tx Tx) error {
		container.PendingBranches = 2
		return tx.Executions().Update(ctx, container)
	})
	require.ErrorIs(t, err, api.ErrOptimisticLock)
}

func testRollbackDiscardsWrites(t *testing.T, s Store) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := InTx(ctx, s, func(tx Tx) error {
		if err := tx.Executions().Insert(ctx, rootExecution("pi-1")); err != nil {
			return err
		}
		if err := tx.Jobs().Insert(ctx, testJob("job-1", "async-continuation", suiteNow)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	inTx(t, s, func(tx Tx) {
		n, err := tx.Executions().Count(ctx, api.ExecutionQuery{})
		require.NoError(t, err)
		require.Zero(t, n)

		jobs, err := tx.Jobs().List(ctx, api.JobQuery{})
		require.NoError(t, err)
		require.Empty(t, jobs)
	})
}

func testAfterCommitCallbacks(t *testing.T, s Store) {
	ctx := context.Background()
	var calls []string

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	tx.AfterCommit(func() { calls = append(calls, "first") })
	tx.AfterCommit(func() { calls = append(calls, "second") })
	require.Empty(t, calls)
	require.NoError(t, tx.Commit())
	require.Equal(t, []string{"first", "second"}, calls)
	require.NoError(t, tx.Rollback(), "rollback after commit is a no-op")

	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	tx.AfterCommit(func() { calls = append(calls, "dropped") })
	require.NoError(t, tx.Rollback())
	require.Len(t, calls, 2)
}

func testJobAcquireAndComplete(t *testing.T, s Store) {
	ctx := context.Background()
	inTx(t, s, func(tx Tx) {
		require.NoError(t, tx.Jobs().Insert(ctx, testJob("job-b", "timer-transition", suiteNow.Add(-time.Minute))))
		require.NoError(t, tx.Jobs().Insert(ctx, testJob("job-a", "async-continuation", suiteNow.Add(-2*time.Minute))))
		require.NoError(t, tx.Jobs().Insert(ctx, testJob("job-future", "timer-transition", suiteNow.Add(time.Hour))))
	})

	var acquired []*api.Job
	inTx(t, s, func(tx Tx) {
		var err error
		acquired, err = tx.Jobs().Acquire(ctx, "worker-1", suiteNow, time.Minute, 10)
		require.NoError(t, err)
	})
	require.Len(t, acquired, 2)
	require.Equal(t, "job-a", acquired[0].ID, "oldest due date first")
	require.Equal(t, "job-b", acquired[1].ID)
	require.Equal(t, "worker-1", acquired[0].LockOwner)
	require.Equal(t, int64(2), acquired[0].Version)

	inTx(t, s, func(tx Tx) {
		again, err := tx.Jobs().Acquire(ctx, "worker-2", suiteNow, time.Minute, 10)
		require.NoError(t, err)
		require.Empty(t, again, "leased jobs are not acquired twice")
	})

	inTx(t, s, func(tx Tx) {
		require.NoError(t, tx.Jobs().Complete(ctx, acquired[0]))
		_, err := tx.Jobs().Get(ctx, "job-a")
		require.ErrorIs(t, err, api.ErrJobNotFound)
	})

	inTx(t, s, func(tx Tx) {
		jobs, err := tx.Jobs().List(ctx, api.JobQuery{Type: "timer-transition"})
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		require.Equal(t, "job-b", jobs[0].ID)
	})
}

func testJobLeaseExpiry(t *testing.T, s Store) {
	ctx := context.Background()
	inTx(t, s, func(tx Tx) {
		require.NoError(t, tx.Jobs().Insert(ctx, testJob("job-1", "async-continuation", suiteNow)))
	})

	var first []*api.Job
	inTx(t, s, func(tx Tx) {
		var err error
		first, err = tx.Jobs().Acquire(ctx, "worker-a", suiteNow, 30*time.Second, 1)
		require.NoError(t, err)
		require.Len(t, first, 1)
	})

	var second []*api.Job
	inTx(t, s, func(tx Tx) {
		var err error
		second, err = tx.Jobs().Acquire(ctx, "worker-b", suiteNow.Add(time.Minute), 30*time.Second, 1)
		require.NoError(t, err)
		require.Len(t, second, 1, "expired lease is reclaimable")
		require.Equal(t, "worker-b", second[0].LockOwner)
	})

	err := InTx(ctx, s, func(tx Tx) error {
		return tx.Jobs().Complete(ctx, first[0])
	})
	require.ErrorIs(t, err, api.ErrJobLockLost, "the previous owner must not complete a reclaimed job")

	inTx(t, s, func(tx Tx) {
		require.NoError(t, tx.Jobs().Complete(ctx, second[0]))
	})
}

func testJobReleaseReschedules(t *testing.T, s Store) {
	ctx := context.Background()
	inTx(t, s, func(tx Tx) {
		require.NoError(t, tx.Jobs().Insert(ctx, testJob("job-1", "batch-status-poll", suiteNow)))
	})

	inTx(t, s, func(tx Tx) {
		jobs, err := tx.Jobs().Acquire(ctx, "w", suiteNow, time.Minute, 1)
		require.NoError(t, err)
		require.Len(t, jobs, 1)

		job := jobs[0]
		job.RetriesLeft = 2
		job.Attempts = 1
		job.ExceptionMessage = "transient"
		job.DueDate = suiteNow.Add(10 * time.Second)
		require.NoError(t, tx.Jobs().Release(ctx, job))
		require.Empty(t, job.LockOwner)
	})

	inTx(t, s, func(tx Tx) {
		none, err := tx.Jobs().Acquire(ctx, "w", suiteNow.Add(5*time.Second), time.Minute, 1)
		require.NoError(t, err)
		require.Empty(t, none, "released job is not due yet")

		got, err := tx.Jobs().Get(ctx, "job-1")
		require.NoError(t, err)
		require.Equal(t, 2, got.RetriesLeft)
		require.Equal(t, 1, got.Attempts)
		require.Equal(t, "transient", got.ExceptionMessage)
		require.True(t, got.DueDate.Equal(suiteNow.Add(10*time.Second)))
		require.False(t, got.IsLocked(suiteNow))
	})
}

func testJobDeadLetterAndRestore(t *testing.T, s Store) {
	ctx := context.Background()
	inTx(t, s, func(tx Tx) {
		require.NoError(t, tx.Jobs().Insert(ctx, testJob("job-1", "async-continuation", suiteNow)))
	})

	inTx(t, s, func(tx Tx) {
		jobs, err := tx.Jobs().Acquire(ctx, "w", suiteNow, time.Minute, 1)
		require.NoError(t, err)
		require.Len(t, jobs, 1)

		job := jobs[0]
		job.RetriesLeft = 0
		job.ExceptionMessage = "permanent"
		dl, err := tx.Jobs().DeadLetter(ctx, job, suiteNow)
		require.NoError(t, err)
		require.Equal(t, "permanent", dl.ExceptionMessage)
	})

	inTx(t, s, func(tx Tx) {
		none, err := tx.Jobs().Acquire(ctx, "w", suiteNow.Add(time.Hour), time.Minute, 10)
		require.NoError(t, err)
		require.Empty(t, none, "dead letters are never acquired")

		dls, err := tx.Jobs().ListDeadLetters(ctx, api.JobQuery{ProcessInstanceID: "pi-1"})
		require.NoError(t, err)
		require.Len(t, dls, 1)
		require.True(t, dls[0].FailedAt.Equal(suiteNow))

		restored, err := tx.Jobs().Restore(ctx, "job-1", 2, suiteNow.Add(time.Hour))
		require.NoError(t, err)
		require.Equal(t, 2, restored.RetriesLeft)
		require.Empty(t, restored.ExceptionMessage)

		_, err = tx.Jobs().GetDeadLetter(ctx, "job-1")
		require.ErrorIs(t, err, api.ErrJobNotFound)
	})

	inTx(t, s, func(tx Tx) {
		jobs, err := tx.Jobs().Acquire(ctx, "w", suiteNow.Add(time.Hour), time.Minute, 10)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
	})
}

func testJobDeleteByCorrelation(t *testing.T, s Store) {
	ctx := context.Background()
	inTx(t, s, func(tx Tx) {
		boundary := testJob("job-1", "timer-boundary", suiteNow)
		boundary.CorrelationID = "ex-7"
		cont := testJob("job-2", "async-continuation", suiteNow)
		cont.CorrelationID = "ex-7"
		other := testJob("job-3", "timer-boundary", suiteNow)
		other.ProcessInstanceID = "pi-2"
		for _, j := range []*api.Job{boundary, cont, other} {
			require.NoError(t, tx.Jobs().Insert(ctx, j))
		}
	})

	inTx(t, s, func(tx Tx) {
		n, err := tx.Jobs().DeleteByCorrelation(ctx, "ex-7", "timer-boundary")
		require.NoError(t, err)
		require.Equal(t, 1, n)

		n, err = tx.Jobs().DeleteByCorrelation(ctx, "ex-7", "")
		require.NoError(t, err)
		require.Equal(t, 1, n)

		n, err = tx.Jobs().DeleteByProcessInstance(ctx, "pi-2")
		require.NoError(t, err)
		require.Equal(t, 1, n)

		jobs, err := tx.Jobs().List(ctx, api.JobQuery{})
		require.NoError(t, err)
		require.Empty(t, jobs)
	})
}

func testBatchesAndParts(t *testing.T, s Store) {
	ctx := context.Background()
	b := &api.Batch{
		ID:                "batch-1",
		Type:              "delete-process-instances",
		Mode:              api.BatchModeParallel,
		Status:            api.BatchStatusWaiting,
		Phase:             api.PhaseCompute,
		ConfigurationJSON: `{"processDefinitionKey":"order"}`,
		BatchSize:         10,
		CreateTime:        suiteNow,
	}
	inTx(t, s, func(tx Tx) {
		require.NoError(t, tx.Batches().InsertBatch(ctx, b))
		for i, id := range []string{"part-c", "part-a", "part-b"} {
			require.NoError(t, tx.Batches().InsertPart(ctx, &api.BatchPart{
				ID:         id,
				BatchID:    "batch-1",
				Type:       api.PhaseCompute,
				SearchKey:  string(rune('0' + i)),
				Status:     api.BatchStatusWaiting,
				CreateTime: suiteNow,
			}))
		}
	})

	inTx(t, s, func(tx Tx) {
		parts, err := tx.Batches().ListParts(ctx, "batch-1", api.PhaseCompute)
		require.NoError(t, err)
		require.Len(t, parts, 3)
		require.Equal(t, []string{"part-c", "part-a", "part-b"},
			[]string{parts[0].ID, parts[1].ID, parts[2].ID}, "parts come back in creation order")

		done := suiteNow.Add(time.Second)
		parts[0].Status = api.BatchStatusCompleted
		parts[0].ResultDocumentJSON = `["pi-1","pi-2"]`
		parts[0].CompleteTime = &done
		require.NoError(t, tx.Batches().UpdatePart(ctx, parts[0]))

		none, err := tx.Batches().ListParts(ctx, "batch-1", api.PhaseApply)
		require.NoError(t, err)
		require.Empty(t, none)

		got, err := tx.Batches().GetBatch(ctx, "batch-1")
		require.NoError(t, err)
		got.Status = api.BatchStatusInProgress
		got.TotalItems = 25
		require.NoError(t, tx.Batches().UpdateBatch(ctx, got))
	})

	inTx(t, s, func(tx Tx) {
		p, err := tx.Batches().GetPart(ctx, "part-c")
		require.NoError(t, err)
		require.True(t, p.IsComplete())
		require.Equal(t, `["pi-1","pi-2"]`, p.ResultDocumentJSON)
		require.NotNil(t, p.CompleteTime)

		// b still carries version 1.
		b.Status = api.BatchStatusStopped
		require.ErrorIs(t, tx.Batches().UpdateBatch(ctx, b), api.ErrOptimisticLock)

		list, err := tx.Batches().ListBatches(ctx, api.BatchQuery{Status: api.BatchStatusInProgress})
		require.NoError(t, err)
		require.Len(t, list, 1)
		require.Equal(t, 25, list[0].TotalItems)
		require.Nil(t, list[0].CompleteTime)

		_, err = tx.Batches().GetBatch(ctx, "missing")
		require.ErrorIs(t, err, api.ErrBatchNotFound)
	})
}
