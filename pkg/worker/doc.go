// Package worker provides the job scheduler that drives flowline process
// instances and batches forward.
//
// A Worker leases due jobs from a persistence Store, executes them through
// registered Handlers and settles the outcome. Several workers, in one
// process or many, can safely share a store: a job is only ever executed
// under a lease, and settling it is checked against the lease owner and
// the job's version.
//
// # Job Lifecycle
//
// Every job moves through the same states:
//
//   - due: DueDate has passed and no live lease exists
//   - locked: leased by a worker until LockExpiresAt
//   - completed: the handler returned nil and the job was deleted, or
//     released with its next due date when it repeats
//   - retry-wait: the handler failed; the retry budget was charged and the
//     job is due again after the configured backoff
//   - dead-lettered: the budget is spent, or the failure cannot be fixed by
//     retrying (unknown job type, routing or configuration errors, batch
//     partition failures)
//
// The handler runs inside the transaction that completes the job. When the
// lease expired and another worker took the job over, completion fails with
// api.ErrJobLockLost and everything the handler wrote is rolled back.
//
// # Configuration
//
// Config controls the lock owner id, lease TTL, batch size per poll, poll
// interval, concurrency of Run and the retry backoff.
//
// # Observability
//
// Each execution is wrapped in an OpenTelemetry span and reported to the
// configured api.Observer through OnJobExecuted and OnJobDeadLettered.
//
// # Usage
//
// Most applications use the flowline package, which wires a worker with the
// engine and batch handlers. The worker package is useful when registering
// custom job types or running workers in dedicated processes.
package worker
