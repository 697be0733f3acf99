package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/flowline/internal/persistence"
	"github.com/petrijr/flowline/pkg/api"
)

// commandContext carries everything an operation or behavior needs for
// one transactional step: the transaction, the agenda and the engine
// services. It is never shared between goroutines.
type commandContext struct {
	ctx    context.Context
	tx     persistence.Tx
	engine *Engine
	agenda agenda
	now    time.Time

	// jobID is the job driving this command, if any. Job cleanup done by
	// the command never deletes it; the worker settles it.
	jobID string

	defs  map[string]*deployedDefinition
	steps int
}

func (e *Engine) newCommand(ctx context.Context, tx persistence.Tx, jobID string) *commandContext {
	return &commandContext{
		ctx:    ctx,
		tx:     tx,
		engine: e,
		now:    e.clock.Now(),
		jobID:  jobID,
		defs:   make(map[string]*deployedDefinition),
	}
}

// drain runs planned operations in FIFO order until the agenda is empty.
func (cc *commandContext) drain() error {
	for {
		op, ok := cc.agenda.next()
		if !ok {
			return nil
		}
		cc.steps++
		if cc.engine.maxSteps > 0 && cc.steps > cc.engine.maxSteps {
			return fmt.Errorf("agenda exceeded %d operations in one command; the graph may loop without a wait state", cc.engine.maxSteps)
		}
		if err := cc.run(op); err != nil {
			return err
		}
	}
}

func (cc *commandContext) run(op operation) error {
	cc.engine.logger.Debug("agenda operation",
		slog.String("op", op.kind.String()),
		slog.String("execution_id", op.executionID),
	)
	switch op.kind {
	case opExecuteNode:
		return cc.executeNode(op)
	case opTakeOutgoingFlow:
		return cc.takeOutgoingFlow(op)
	case opEndExecution:
		return cc.endExecution(op)
	case opTriggerExecution:
		return cc.triggerExecution(op)
	case opMonitorParallelBranch:
		return cc.monitorParallelBranch(op)
	}
	return fmt.Errorf("unknown operation %d", op.kind)
}

func (cc *commandContext) definition(id string) (*deployedDefinition, error) {
	if d, ok := cc.defs[id]; ok {
		return d, nil
	}
	d, err := cc.engine.defs.Get(id)
	if err != nil {
		return nil, err
	}
	cc.defs[id] = d
	return d, nil
}

func (cc *commandContext) execution(id string) (*api.Execution, error) {
	return cc.tx.Executions().Get(cc.ctx, id)
}

func (cc *commandContext) update(ex *api.Execution) error {
	return cc.tx.Executions().Update(cc.ctx, ex)
}

// childOf builds, without storing, a child of parent positioned at nodeID.
func childOf(parent *api.Execution, nodeID string, now time.Time) *api.Execution {
	return &api.Execution{
		ID:                  uuid.NewString(),
		ParentID:            parent.ID,
		ProcessInstanceID:   parent.ProcessInstanceID,
		ProcessDefinitionID: parent.ProcessDefinitionID,
		CurrentNodeID:       nodeID,
		TenantID:            parent.TenantID,
		IsActive:            true,
		CreatedAt:           now,
	}
}

// newChild inserts a child execution of parent positioned at nodeID.
func (cc *commandContext) newChild(parent *api.Execution, nodeID string, concurrent, scope bool) (*api.Execution, error) {
	child := childOf(parent, nodeID, cc.now)
	child.IsConcurrent = concurrent
	child.IsScope = scope
	if err := cc.tx.Executions().Insert(cc.ctx, child); err != nil {
		return nil, err
	}
	return child, nil
}

// deleteJobs removes the jobs matching q, except the job running this
// command.
func (cc *commandContext) deleteJobs(q api.JobQuery) error {
	jobs, err := cc.tx.Jobs().List(cc.ctx, q)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if j.ID == cc.jobID {
			continue
		}
		if err := cc.tx.Jobs().Delete(cc.ctx, j.ID); err != nil {
			return err
		}
	}
	return nil
}

// deleteDescendants removes every execution below ex together with the
// jobs correlated to them.
func (cc *commandContext) deleteDescendants(ex *api.Execution) error {
	children, err := cc.tx.Executions().List(cc.ctx, api.ExecutionQuery{ParentID: ex.ID})
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := cc.deleteDescendants(child); err != nil {
			return err
		}
		if err := cc.deleteJobs(api.JobQuery{CorrelationID: child.ID}); err != nil {
			return err
		}
		if err := cc.tx.Executions().Delete(cc.ctx, child.ID); err != nil {
			return err
		}
	}
	return nil
}

// notify delivers an observer callback once the transaction commits.
// Observer panics are logged and swallowed.
func (cc *commandContext) notify(fn func(ctx context.Context, obs api.Observer)) {
	obs := cc.engine.observer
	logger := cc.engine.logger
	ctx := context.WithoutCancel(cc.ctx)
	cc.tx.AfterCommit(func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("observer panicked", slog.Any("panic", r))
			}
		}()
		fn(ctx, obs)
	})
}

func (cc *commandContext) activityStarted(ex *api.Execution, nodeID string) {
	snap := ex.Clone()
	cc.notify(func(ctx context.Context, obs api.Observer) { obs.OnActivityStart(ctx, snap, nodeID) })
}

func (cc *commandContext) activityEnded(ex *api.Execution, nodeID string) {
	snap := ex.Clone()
	cc.notify(func(ctx context.Context, obs api.Observer) { obs.OnActivityEnd(ctx, snap, nodeID) })
}
