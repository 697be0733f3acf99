package flowline

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/flowline/internal/batch"
	"github.com/petrijr/flowline/internal/engine"
	"github.com/petrijr/flowline/pkg/api"
	"github.com/petrijr/flowline/pkg/worker"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	ProcessDefinition    = api.ProcessDefinition
	Node                 = api.Node
	SequenceFlow         = api.SequenceFlow
	Execution            = api.Execution
	ExecutionQuery       = api.ExecutionQuery
	Job                  = api.Job
	DeadLetterJob        = api.DeadLetterJob
	JobQuery             = api.JobQuery
	Batch                = api.Batch
	BatchPart            = api.BatchPart
	BatchQuery           = api.BatchQuery
	BatchStatus          = api.BatchStatus
	BatchMode            = api.BatchMode
	DelegateFunc         = api.DelegateFunc
	DelegateExecution    = api.DelegateExecution
	RetryPolicy          = api.RetryPolicy
	Clock                = api.Clock
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Runtime component types.

type (
	ProcessEngine        = engine.Engine
	BatchManager         = batch.Manager
	BatchRequest         = batch.Request
	BatchOperation       = batch.Operation
	ProcessInstanceQuery = batch.ProcessInstanceQuery
	Worker               = worker.Worker
	WorkerConfig         = worker.Config
	JobHandler           = worker.Handler
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	PartitionFailure     = api.PartitionFailure
)

// Node types.

const (
	NodeStartEvent        = api.NodeStartEvent
	NodeEndEvent          = api.NodeEndEvent
	NodeServiceTask       = api.NodeServiceTask
	NodeUserTask          = api.NodeUserTask
	NodeReceiveTask       = api.NodeReceiveTask
	NodeIntermediateTimer = api.NodeIntermediateTimer
	NodeBoundaryTimer     = api.NodeBoundaryTimer
	NodeExclusiveGateway  = api.NodeExclusiveGateway
	NodeParallelGateway   = api.NodeParallelGateway
	NodeInclusiveGateway  = api.NodeInclusiveGateway
	NodeSubProcess        = api.NodeSubProcess
)

// Batch modes and statuses.

const (
	BatchModeParallel     = api.BatchModeParallel
	BatchModeSequential   = api.BatchModeSequential
	BatchStatusInProgress = api.BatchStatusInProgress
	BatchStatusCompleted  = api.BatchStatusCompleted
	BatchStatusFailed     = api.BatchStatusFailed
	BatchStatusStopped    = api.BatchStatusStopped
)

// ParseDefinition decodes a YAML process definition. Unknown keys are
// rejected; node config maps are validated on deployment.
func ParseDefinition(raw []byte) (ProcessDefinition, error) {
	var def ProcessDefinition
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return ProcessDefinition{}, fmt.Errorf("parse process definition: %w", err)
	}
	return def, nil
}

// LoadDefinitionFile reads and parses a YAML process definition.
func LoadDefinitionFile(path string) (ProcessDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ProcessDefinition{}, err
	}
	def, err := ParseDefinition(raw)
	if err != nil {
		return ProcessDefinition{}, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}
