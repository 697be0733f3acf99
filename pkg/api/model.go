package api

import "time"

// Execution is one node of a process instance's runtime tree.
//
// Parent/child relations are expressed as ids. A process instance is the
// root Execution (ParentID == "" and ProcessInstanceID == ID).
type Execution struct {
	ID                  string
	ParentID            string
	ProcessInstanceID   string
	ProcessDefinitionID string
	CurrentNodeID       string
	TenantID            string

	IsActive     bool
	IsConcurrent bool
	IsScope      bool

	// IsParked is set while a Job owns the execution's continuation.
	IsParked bool

	// PendingBranches counts child branches a container is still waiting for.
	PendingBranches int

	// IsMultiInstance marks the body executions of a multi-instance activity.
	IsMultiInstance bool
	LoopCounter     int

	// Variables holds the execution's local scope.
	Variables map[string]any

	Version   int64
	CreatedAt time.Time
}

// IsProcessInstance reports whether e is the root of its tree.
func (e *Execution) IsProcessInstance() bool {
	return e.ParentID == ""
}

// Clone returns a copy of e that does not share its variable map.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	c := *e
	if e.Variables != nil {
		c.Variables = make(map[string]any, len(e.Variables))
		for k, v := range e.Variables {
			c.Variables[k] = v
		}
	}
	return &c
}

// Job is a durable continuation pointer or batch-step descriptor.
type Job struct {
	ID   string
	Type string

	// CorrelationID is an execution id, a batch part id, a batch id or a
	// process definition id, depending on Type.
	CorrelationID       string
	ProcessInstanceID   string
	ProcessDefinitionID string
	TenantID            string

	// Configuration is an opaque payload private to the job's handler.
	Configuration string

	DueDate     time.Time
	RetriesLeft int
	Attempts    int

	LockOwner     string
	LockExpiresAt time.Time

	ExceptionMessage string
	ExceptionStack   string

	// Repeat is a duration string ("30s"); empty for one-shot jobs.
	Repeat string

	Version   int64
	CreatedAt time.Time
}

// IsLocked reports whether the job is leased at time now.
func (j *Job) IsLocked(now time.Time) bool {
	return j.LockOwner != "" && j.LockExpiresAt.After(now)
}

// RepeatInterval parses Repeat. It returns 0 for one-shot jobs.
func (j *Job) RepeatInterval() (time.Duration, error) {
	if j.Repeat == "" {
		return 0, nil
	}
	return time.ParseDuration(j.Repeat)
}

// Clone returns a copy of j.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	return &c
}

// DeadLetterJob is a Job whose retry budget is exhausted. It is never
// acquired again unless explicitly restored.
type DeadLetterJob struct {
	Job
	FailedAt time.Time
}

// BatchStatus is the lifecycle state of a Batch or BatchPart.
type BatchStatus string

const (
	BatchStatusWaiting    BatchStatus = "waiting"
	BatchStatusInProgress BatchStatus = "in-progress"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
	BatchStatusStopped    BatchStatus = "stopped"
)

// IsTerminal reports whether no further work happens in this status.
func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchStatusCompleted, BatchStatusFailed, BatchStatusStopped:
		return true
	}
	return false
}

// BatchMode selects how a batch is partitioned.
type BatchMode string

const (
	BatchModeParallel   BatchMode = "parallel"
	BatchModeSequential BatchMode = "sequential"
)

// Batch part phases.
const (
	PhaseCompute    = "compute"
	PhaseApply      = "apply"
	PhaseSequential = "sequential"
)

// Batch is a population-scale operation envelope.
type Batch struct {
	ID     string
	Type   string
	Mode   BatchMode
	Status BatchStatus
	Phase  string

	// ConfigurationJSON holds the serialized query and partitioning parameters.
	ConfigurationJSON string
	SearchKey         string
	SearchKey2        string
	TenantID          string

	TotalItems int
	BatchSize  int

	CreateTime   time.Time
	CompleteTime *time.Time
	Version      int64
}

// BatchPart is one partition of a Batch.
type BatchPart struct {
	ID      string
	BatchID string

	// Type is the phase tag (PhaseCompute, PhaseApply, PhaseSequential).
	Type string

	// SearchKey is the partition index, or for apply parts the id of the
	// compute part whose result they consume.
	SearchKey  string
	SearchKey2 string
	Status     BatchStatus
	TenantID   string

	ResultDocumentJSON string
	CreateTime         time.Time
	CompleteTime       *time.Time
	Version            int64
}

// IsComplete reports whether the part has finished, successfully or not.
func (p *BatchPart) IsComplete() bool {
	return p.CompleteTime != nil
}
