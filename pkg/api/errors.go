package api

import (
	"errors"
	"fmt"
)

var (
	// ErrExecutionNotFound is returned when an execution id is unknown.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrJobNotFound is returned when a job or dead-letter id is unknown.
	ErrJobNotFound = errors.New("job not found")

	// ErrBatchNotFound is returned when a batch or batch part id is unknown.
	ErrBatchNotFound = errors.New("batch not found")

	// ErrDefinitionNotFound is returned when no deployed definition matches.
	ErrDefinitionNotFound = errors.New("process definition not found")

	// ErrOptimisticLock is returned when a row changed since it was read.
	ErrOptimisticLock = errors.New("optimistic lock failure")

	// ErrJobLockLost is returned when a job's lease was taken over by
	// another worker before the current holder finished.
	ErrJobLockLost = errors.New("job lock lost")

	// ErrExecutionParked is returned when an operation targets an execution
	// whose continuation is owned by a job.
	ErrExecutionParked = errors.New("execution is parked")

	// ErrNotWaiting is returned when a trigger targets a node that cannot
	// receive events.
	ErrNotWaiting = errors.New("execution is not in a wait state")

	// ErrNoHandler is recorded on jobs whose type has no registered handler.
	ErrNoHandler = errors.New("no job handler registered")

	// ErrRoutingFailed is the sentinel matched by every RoutingError.
	ErrRoutingFailed = errors.New("routing failed")

	// ErrUnsupportedConfiguration is the sentinel matched by every
	// ConfigurationError.
	ErrUnsupportedConfiguration = errors.New("unsupported configuration")
)

// RoutingError reports that the graph could not be navigated from a node,
// for example a gateway without any satisfied condition. It is fatal for the
// current command and never retried.
type RoutingError struct {
	NodeID string
	Reason string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("routing failed at node %q: %s", e.NodeID, e.Reason)
}

func (e *RoutingError) Unwrap() error { return ErrRoutingFailed }

// ConfigurationError reports a node whose configuration cannot be bound to
// a behavior. It is returned at deployment time.
type ConfigurationError struct {
	NodeID   string
	NodeType string
	Err      error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("node %q (%s): %v", e.NodeID, e.NodeType, e.Err)
}

func (e *ConfigurationError) Unwrap() []error { return []error{ErrUnsupportedConfiguration, e.Err} }

type partitionFailure struct {
	err error
}

func (p *partitionFailure) Error() string { return p.err.Error() }
func (p *partitionFailure) Unwrap() error { return p.err }

// PartitionFailure marks err as a business failure of a batch partition.
// The batch machinery records it on the part instead of retrying the job.
func PartitionFailure(err error) error {
	if err == nil {
		return nil
	}
	return &partitionFailure{err: err}
}

// IsPartitionFailure reports whether err, or any error it wraps, was
// produced by PartitionFailure.
func IsPartitionFailure(err error) bool {
	var pf *partitionFailure
	return errors.As(err, &pf)
}
