// Package flowline provides an embeddable process engine for Go.
//
// A process is a graph of typed nodes (events, tasks, gateways,
// sub-processes) connected by sequence flows. Running instances are trees
// of executions persisted in a store; the engine advances them through an
// agenda of small operations inside one transaction per command. Whenever
// an execution must wait for time or must continue outside the caller's
// transaction, the engine writes a job and a worker picks it up later.
//
// # Core Concepts
//
//  1. ProcessEngine
//  2. Worker
//  3. BatchManager
//  4. ProcessBuilder
//  5. Runtime and LocalRunner
//
// # ProcessEngine
//
// The ProcessEngine deploys versioned definitions, starts instances,
// delivers triggers to wait states and exposes the execution tree,
// variables and jobs. Service tasks call delegates registered by name or
// evaluate expressions. Flow conditions are expressions over the visible
// variables.
//
// Supported node types:
//
//   - start and end events, including timer start events
//   - service, user and receive tasks
//   - intermediate timers and interrupting boundary timers
//   - exclusive, parallel and inclusive gateways
//   - embedded sub-processes
//   - multi-instance activities, parallel or sequential
//
// Nodes marked asyncBefore or asyncAfter hand their continuation to a job.
//
// # Worker
//
// A Worker leases due jobs from the store, runs their handler in a
// transaction and completes them. Failed jobs are retried with backoff;
// jobs that fail for good (no handler, routing or configuration errors,
// exhausted retries) are moved to the dead-letter table, from where they
// can be retried by hand.
//
// # BatchManager
//
// The BatchManager runs population-scale operations such as deleting or
// migrating process instances. A batch is split into parts, either fanned
// out in parallel and aggregated by a polling job, or chained one after
// another.
//
// # ProcessBuilder
//
// ProcessBuilder is a fluent API for writing definitions in Go:
//
//	flowline.New("invoice").
//	    StartEvent("start").
//	    ServiceTask("charge", "billing.charge").AsyncBefore().
//	    UserTask("review").
//	    EndEvent("end")
//
// Definitions can also be written in YAML and read with ParseDefinition.
//
// # Runtime and LocalRunner
//
// A Runtime wires an engine, a batch manager and a worker over one store:
// in memory, SQLite or PostgreSQL. LocalRunner runs an in-memory Runtime
// with its worker in the background, which is the most convenient way to
// try processes during development.
//
// For a server with configuration, metrics and an admin CLI, see
// cmd/flowline.
package flowline
