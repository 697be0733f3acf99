// Package api contains the core building blocks used by the flowline process
// engine: the runtime data model, the definition graph, error sentinels and
// the observer extension points.
//
// Most users interact with the higher-level flowline package, which
// re-exports selected types and helpers from this package. The api package
// is intended for advanced use cases, custom integrations, or contributors
// extending the engine itself.
//
// # Execution Tree
//
// A running process instance is a tree of Execution records keyed by id.
// The root is the process instance. Fan-out (parallel and inclusive
// gateways, multi-instance activities) creates concurrent children; scopes
// (sub-processes, multi-instance bodies) create scope children. A container
// waiting for children is inactive and tracks the number of outstanding
// branches in PendingBranches.
//
// # Jobs
//
// A Job is a durable continuation pointer. The engine creates one whenever
// an execution must suspend (asynchronous continuation, timers); the batch
// machinery creates one per partition step. Jobs are leased by workers,
// retried with backoff and dead-lettered once their retry budget is spent.
//
// # Batches
//
// A Batch splits a population-scale operation into BatchParts, either
// fanned out in parallel with a polling aggregator or chained sequentially.
//
// # Observability
//
// The Observer interface receives process, activity, job and batch
// lifecycle callbacks. LoggingObserver, BasicMetrics and CompositeObserver
// are ready-made implementations.
package api
