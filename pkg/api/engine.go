package api

import (
	"context"
	"math"
	"time"
)

// Clock abstracts time for the engine, the worker and the batch manager.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock reads the wall clock.
var SystemClock Clock = systemClock{}

// DelegateExecution is the view of an execution handed to service task
// delegates. Variable writes are applied when the delegate returns nil.
type DelegateExecution interface {
	ExecutionID() string
	ProcessInstanceID() string
	ActivityID() string
	Variable(name string) (any, bool)
	Variables() map[string]any
	SetVariable(name string, value any)
}

// DelegateFunc is user code bound to a service task by name.
type DelegateFunc func(ctx context.Context, ex DelegateExecution) error

// ExecutionQuery selects executions. Zero fields mean "no filter".
type ExecutionQuery struct {
	ProcessInstanceID   string
	ProcessDefinitionID string
	// ProcessDefinitionKey matches every version of a definition.
	ProcessDefinitionKey string
	ParentID             string
	// RootsOnly restricts the result to process instances.
	RootsOnly bool
	// AfterID returns only ids greater than AfterID (keyset paging).
	AfterID string
	Offset  int
	Limit   int
}

// JobQuery selects jobs or dead-letter jobs.
type JobQuery struct {
	Type              string
	CorrelationID     string
	ProcessInstanceID string
	Limit             int
}

// BatchQuery selects batches.
type BatchQuery struct {
	Type   string
	Status BatchStatus
	Limit  int
}

// RetryPolicy controls the retry budget and backoff of jobs.
// MaxAttempts includes the first attempt:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// DefaultRetryPolicy is used when nothing else is configured.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:       3,
	InitialBackoff:    10 * time.Second,
	BackoffMultiplier: 2.0,
	MaxBackoff:        5 * time.Minute,
}

// Backoff returns the delay before retry number attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.InitialBackoff <= 0 || attempt <= 0 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 1.0
	}
	d := float64(p.InitialBackoff) * math.Pow(mult, float64(attempt-1))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Engine is the high-level process engine API.
type Engine interface {
	// Deploy validates def, binds node behaviors and registers it under the
	// next version of its key. The deployed definition is returned.
	Deploy(ctx context.Context, def ProcessDefinition) (ProcessDefinition, error)

	// RegisterDelegate binds a service task delegate name to user code.
	RegisterDelegate(name string, fn DelegateFunc) error

	// StartProcessInstance starts the latest version of key and drains the
	// agenda until it is empty or every branch is parked.
	StartProcessInstance(ctx context.Context, key string, vars map[string]any) (*Execution, error)

	// Trigger delivers an external event to an execution waiting in a
	// receive task, user task or similar wait state.
	Trigger(ctx context.Context, executionID, event string, payload map[string]any) error

	// DeleteProcessInstance removes an instance with all its executions and
	// jobs.
	DeleteProcessInstance(ctx context.Context, processInstanceID, reason string) error

	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, q ExecutionQuery) ([]*Execution, error)

	// Variables returns the merged variable view of an execution.
	Variables(ctx context.Context, executionID string) (map[string]any, error)

	ListJobs(ctx context.Context, q JobQuery) ([]*Job, error)
	ListDeadLetterJobs(ctx context.Context, q JobQuery) ([]*DeadLetterJob, error)

	// RetryDeadLetterJob moves a dead-lettered job back into the job table
	// with the given retry budget, due immediately.
	RetryDeadLetterJob(ctx context.Context, id string, retries int) (*Job, error)
}
