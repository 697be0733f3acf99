package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/petrijr/flowline/internal/persistence"
	"github.com/petrijr/flowline/pkg/api"
)

// Job types owned by the engine.
const (
	JobTypeAsyncContinuation = "async-continuation"
	JobTypeTimerTransition   = "timer-transition"
	JobTypeTimerBoundary     = "timer-boundary"
	JobTypeTimerStart        = "timer-start"
)

const (
	phaseBefore = "before"
	phaseAfter  = "after"
)

type asyncJobConfig struct {
	Phase   string   `json:"phase"`
	FlowIDs []string `json:"flowIds,omitempty"`
	Fork    bool     `json:"fork,omitempty"`
}

type timerJobConfig struct {
	NodeID string `json:"nodeId"`
}

type boundaryJobConfig struct {
	BoundaryID string `json:"boundaryId"`
}

type startTimerJobConfig struct {
	DefinitionID string `json:"definitionId"`
}

func encodeJobConfig(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeJobConfig(job *api.Job, v any) error {
	if err := json.Unmarshal([]byte(job.Configuration), v); err != nil {
		return fmt.Errorf("job %s: decode %s configuration: %w", job.ID, job.Type, err)
	}
	return nil
}

func newJobID() string { return ksuid.New().String() }

func (cc *commandContext) newJob(ex *api.Execution, jobType string, cfg any, due time.Time) (*api.Job, error) {
	config, err := encodeJobConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &api.Job{
		ID:                  newJobID(),
		Type:                jobType,
		CorrelationID:       ex.ID,
		ProcessInstanceID:   ex.ProcessInstanceID,
		ProcessDefinitionID: ex.ProcessDefinitionID,
		TenantID:            ex.TenantID,
		Configuration:       config,
		DueDate:             due,
		RetriesLeft:         cc.engine.jobRetries,
		CreatedAt:           cc.now,
	}, nil
}

// scheduleContinuation parks ex behind a new job, in the current
// transaction, and drops the execution's pending operations. Operations of
// other executions stay planned.
func (cc *commandContext) scheduleContinuation(ex *api.Execution, jobType string, cfg any, due time.Time) error {
	ex.IsParked = true
	if err := cc.update(ex); err != nil {
		return err
	}
	job, err := cc.newJob(ex, jobType, cfg, due)
	if err != nil {
		return err
	}
	if err := cc.tx.Jobs().Insert(cc.ctx, job); err != nil {
		return err
	}
	cc.agenda.dropFor(ex.ID)
	cc.engine.logger.Debug("execution parked",
		"execution_id", ex.ID,
		"job_id", job.ID,
		"type", jobType,
		"due", job.DueDate,
	)
	return nil
}

// armBoundaryTimers creates the timer jobs of the boundary events attached
// to n. The host execution keeps running; the jobs only fire if it is still
// at n when they are due.
func (cc *commandContext) armBoundaryTimers(d *deployedDefinition, n *api.Node, ex *api.Execution) error {
	for _, bn := range d.def.BoundaryEvents(n.ID) {
		bt, ok := d.behaviors[bn.ID].(*boundaryTimerBehavior)
		if !ok {
			continue
		}
		job, err := cc.newJob(ex, JobTypeTimerBoundary, boundaryJobConfig{BoundaryID: bn.ID}, cc.now.Add(bt.duration))
		if err != nil {
			return err
		}
		if err := cc.tx.Jobs().Insert(cc.ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// jobHandler adapts an engine command to the worker's handler contract.
type jobHandler struct {
	jobType string
	engine  *Engine
	run     func(cc *commandContext, job *api.Job) error
}

func (h *jobHandler) Type() string { return h.jobType }

func (h *jobHandler) Execute(ctx context.Context, tx persistence.Tx, job *api.Job) error {
	ctx, span := h.engine.startSpan(ctx, "job/"+h.jobType)
	defer span.End()

	cc := h.engine.newCommand(ctx, tx, job.ID)
	if err := h.run(cc, job); err != nil {
		recordSpanError(span, err)
		return err
	}
	if err := cc.drain(); err != nil {
		recordSpanError(span, err)
		return err
	}
	return nil
}

// resumeParked loads the execution a continuation job points at and
// clears its parked flag. A nil execution means the job is obsolete.
func (cc *commandContext) resumeParked(job *api.Job) (*api.Execution, error) {
	ex, err := cc.execution(job.CorrelationID)
	if errors.Is(err, api.ErrExecutionNotFound) {
		cc.engine.logger.Debug("job target no longer exists", "job_id", job.ID, "execution_id", job.CorrelationID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ex.IsParked = false
	if err := cc.update(ex); err != nil {
		return nil, err
	}
	return ex, nil
}

func runAsyncContinuation(cc *commandContext, job *api.Job) error {
	var cfg asyncJobConfig
	if err := decodeJobConfig(job, &cfg); err != nil {
		return err
	}
	ex, err := cc.resumeParked(job)
	if err != nil || ex == nil {
		return err
	}
	switch cfg.Phase {
	case phaseBefore:
		cc.agenda.plan(operation{kind: opExecuteNode, executionID: ex.ID, resumed: true})
	case phaseAfter:
		cc.agenda.plan(operation{kind: opTakeOutgoingFlow, executionID: ex.ID, flowIDs: cfg.FlowIDs, fork: cfg.Fork, resumed: true})
	default:
		return fmt.Errorf("job %s: unknown continuation phase %q", job.ID, cfg.Phase)
	}
	return nil
}

func runTimerTransition(cc *commandContext, job *api.Job) error {
	var cfg timerJobConfig
	if err := decodeJobConfig(job, &cfg); err != nil {
		return err
	}
	ex, err := cc.resumeParked(job)
	if err != nil || ex == nil {
		return err
	}
	if ex.CurrentNodeID != cfg.NodeID {
		return nil
	}
	cc.agenda.plan(takeOutgoingFlow(ex.ID, nil, false))
	return nil
}

// runBoundaryTimer interrupts the host activity: the host's subtree and
// pending jobs are removed and the execution leaves through the boundary
// event.
func runBoundaryTimer(cc *commandContext, job *api.Job) error {
	var cfg boundaryJobConfig
	if err := decodeJobConfig(job, &cfg); err != nil {
		return err
	}
	ex, err := cc.execution(job.CorrelationID)
	if errors.Is(err, api.ErrExecutionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	d, err := cc.definition(ex.ProcessDefinitionID)
	if err != nil {
		return err
	}
	bt, ok := d.behaviors[cfg.BoundaryID].(*boundaryTimerBehavior)
	if !ok {
		return &api.RoutingError{NodeID: cfg.BoundaryID, Reason: "not a boundary timer"}
	}
	if ex.CurrentNodeID != bt.host {
		// The host already left.
		return nil
	}

	if err := cc.deleteDescendants(ex); err != nil {
		return err
	}
	if err := cc.deleteJobs(api.JobQuery{CorrelationID: ex.ID}); err != nil {
		return err
	}

	cc.activityEnded(ex, bt.host)
	ex.CurrentNodeID = bt.node.ID
	ex.IsActive = true
	ex.IsParked = false
	ex.PendingBranches = 0
	if err := cc.update(ex); err != nil {
		return err
	}
	cc.activityStarted(ex, bt.node.ID)
	cc.agenda.plan(takeOutgoingFlow(ex.ID, nil, false))
	return nil
}

func runStartTimer(cc *commandContext, job *api.Job) error {
	var cfg startTimerJobConfig
	if err := decodeJobConfig(job, &cfg); err != nil {
		return err
	}
	d, err := cc.definition(cfg.DefinitionID)
	if err != nil {
		return err
	}
	_, err = cc.startInstance(d, nil)
	return err
}

// checkJobsAgainst verifies that the node and flow ids carried by the
// pending jobs of an instance exist in target.
func checkJobsAgainst(ctx context.Context, tx persistence.Tx, target *deployedDefinition, processInstanceID string) error {
	jobs, err := tx.Jobs().List(ctx, api.JobQuery{ProcessInstanceID: processInstanceID})
	if err != nil {
		return err
	}
	for _, job := range jobs {
		switch job.Type {
		case JobTypeAsyncContinuation:
			var cfg asyncJobConfig
			if err := decodeJobConfig(job, &cfg); err != nil {
				return err
			}
			for _, id := range cfg.FlowIDs {
				if _, ok := target.def.Flow(id); !ok {
					return fmt.Errorf("job %s: flow %q does not exist in %s", job.ID, id, target.def.ID)
				}
			}
		case JobTypeTimerTransition:
			var cfg timerJobConfig
			if err := decodeJobConfig(job, &cfg); err != nil {
				return err
			}
			if _, ok := target.def.Node(cfg.NodeID); !ok {
				return fmt.Errorf("job %s: node %q does not exist in %s", job.ID, cfg.NodeID, target.def.ID)
			}
		case JobTypeTimerBoundary:
			var cfg boundaryJobConfig
			if err := decodeJobConfig(job, &cfg); err != nil {
				return err
			}
			if _, ok := target.behaviors[cfg.BoundaryID].(*boundaryTimerBehavior); !ok {
				return fmt.Errorf("job %s: boundary timer %q does not exist in %s", job.ID, cfg.BoundaryID, target.def.ID)
			}
		}
	}
	return nil
}
