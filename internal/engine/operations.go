package engine

import (
	"context"
	"fmt"

	"github.com/petrijr/flowline/pkg/api"
)

func (cc *commandContext) executeNode(op operation) error {
	ex, err := cc.execution(op.executionID)
	if err != nil {
		return err
	}
	d, err := cc.definition(ex.ProcessDefinitionID)
	if err != nil {
		return err
	}
	n, err := d.node(ex.CurrentNodeID)
	if err != nil {
		return err
	}

	if n.AsyncBefore && !op.resumed {
		return cc.scheduleContinuation(ex, JobTypeAsyncContinuation, asyncJobConfig{Phase: phaseBefore}, cc.now)
	}

	cc.activityStarted(ex, n.ID)

	if !ex.IsMultiInstance {
		if err := cc.armBoundaryTimers(d, n, ex); err != nil {
			return err
		}
	}

	b, err := d.behaviorOf(n.ID)
	if err != nil {
		return err
	}
	return b.Execute(cc, ex)
}

func (cc *commandContext) takeOutgoingFlow(op operation) error {
	ex, err := cc.execution(op.executionID)
	if err != nil {
		return err
	}
	d, err := cc.definition(ex.ProcessDefinitionID)
	if err != nil {
		return err
	}
	n, err := d.node(ex.CurrentNodeID)
	if err != nil {
		return err
	}

	// A finished multi-instance body does not follow flows; its container
	// does once every instance is done.
	if ex.IsMultiInstance {
		cc.activityEnded(ex, n.ID)
		cc.agenda.plan(endExecution(ex.ID))
		return nil
	}

	if n.AsyncAfter && !op.resumed {
		return cc.scheduleContinuation(ex, JobTypeAsyncContinuation, asyncJobConfig{
			Phase:   phaseAfter,
			FlowIDs: op.flowIDs,
			Fork:    op.fork,
		}, cc.now)
	}

	cc.activityEnded(ex, n.ID)

	if err := cc.deleteJobs(api.JobQuery{CorrelationID: ex.ID, Type: JobTypeTimerBoundary}); err != nil {
		return err
	}

	outgoing := d.def.Outgoing(n.ID)
	if len(outgoing) == 0 {
		cc.agenda.plan(endExecution(ex.ID))
		return nil
	}

	flows, err := cc.selectFlows(d, n, ex, outgoing, op.flowIDs)
	if err != nil {
		return err
	}
	if len(flows) == 0 {
		return &api.RoutingError{NodeID: n.ID, Reason: "no outgoing flow condition holds and there is no default flow"}
	}

	if len(flows) == 1 && !op.fork {
		ex.CurrentNodeID = flows[0].Target
		if err := cc.update(ex); err != nil {
			return err
		}
		cc.agenda.plan(executeNode(ex.ID))
		return nil
	}
	return cc.fork(ex, flows)
}

// selectFlows resolves preselected flow ids, or evaluates the conditions
// of an activity's outgoing flows: every flow whose condition holds is
// taken, the default flow only when none does.
func (cc *commandContext) selectFlows(d *deployedDefinition, n *api.Node, ex *api.Execution, outgoing []api.SequenceFlow, ids []string) ([]api.SequenceFlow, error) {
	if len(ids) > 0 {
		flows := make([]api.SequenceFlow, 0, len(ids))
		for _, id := range ids {
			f, ok := d.def.Flow(id)
			if !ok || f.Source != n.ID {
				return nil, &api.RoutingError{NodeID: n.ID, Reason: fmt.Sprintf("flow %q does not leave this node", id)}
			}
			flows = append(flows, f)
		}
		return flows, nil
	}

	var (
		vars     map[string]any
		selected []api.SequenceFlow
		fallback *api.SequenceFlow
	)
	for i := range outgoing {
		f := outgoing[i]
		if f.Default {
			fallback = &outgoing[i]
			continue
		}
		if f.Condition == "" {
			selected = append(selected, f)
			continue
		}
		if vars == nil {
			v, err := cc.variables(ex)
			if err != nil {
				return nil, err
			}
			vars = v
		}
		ok, err := d.programs.condition(f.Condition, vars)
		if err != nil {
			return nil, err
		}
		if ok {
			selected = append(selected, f)
		}
	}
	if len(selected) == 0 && fallback != nil {
		selected = append(selected, *fallback)
	}
	return selected, nil
}

// fork turns ex into an inactive container and starts one concurrent
// branch per flow.
func (cc *commandContext) fork(ex *api.Execution, flows []api.SequenceFlow) error {
	ex.IsActive = false
	ex.PendingBranches = len(flows)
	if err := cc.update(ex); err != nil {
		return err
	}
	for _, f := range flows {
		child, err := cc.newChild(ex, f.Target, true, false)
		if err != nil {
			return err
		}
		cc.agenda.plan(executeNode(child.ID))
	}
	return nil
}

func (cc *commandContext) endExecution(op operation) error {
	ex, err := cc.execution(op.executionID)
	if err != nil {
		return err
	}

	if err := cc.deleteJobs(api.JobQuery{CorrelationID: ex.ID}); err != nil {
		return err
	}

	if !ex.IsProcessInstance() {
		cc.agenda.plan(monitorParallelBranch(ex.ID, ""))
		return nil
	}

	if _, err := cc.tx.Executions().DeleteByProcessInstance(cc.ctx, ex.ProcessInstanceID); err != nil {
		return err
	}
	if err := cc.deleteJobs(api.JobQuery{ProcessInstanceID: ex.ProcessInstanceID}); err != nil {
		return err
	}
	cc.processInstanceEnded(ex, "completed")
	return nil
}

func (cc *commandContext) processInstanceEnded(root *api.Execution, reason string) {
	snap := root.Clone()
	snap.IsActive = false
	cc.notify(func(ctx context.Context, obs api.Observer) { obs.OnProcessInstanceEnd(ctx, snap, reason) })
}

func (cc *commandContext) triggerExecution(op operation) error {
	ex, err := cc.execution(op.executionID)
	if err != nil {
		return err
	}
	if ex.IsParked {
		return fmt.Errorf("%w: %s", api.ErrExecutionParked, ex.ID)
	}
	if !ex.IsActive {
		return fmt.Errorf("%w: execution %s is a container", api.ErrNotWaiting, ex.ID)
	}
	d, err := cc.definition(ex.ProcessDefinitionID)
	if err != nil {
		return err
	}
	b, err := d.behaviorOf(ex.CurrentNodeID)
	if err != nil {
		return err
	}
	s, ok := b.(signaller)
	if !ok {
		return fmt.Errorf("%w: node %q", api.ErrNotWaiting, ex.CurrentNodeID)
	}
	return s.Signal(cc, ex, op.event, op.payload)
}

// monitorParallelBranch retires a finished branch and performs the fan-in
// accounting on its parent. Only the branch that observes the parent's
// counter reach zero continues the parent, so a join fires exactly once
// whatever order the branches finish in.
func (cc *commandContext) monitorParallelBranch(op operation) error {
	branch, err := cc.execution(op.executionID)
	if err != nil {
		return err
	}
	if branch.IsProcessInstance() {
		return fmt.Errorf("process instance %s cannot join a parent", branch.ID)
	}

	if err := cc.deleteJobs(api.JobQuery{CorrelationID: branch.ID}); err != nil {
		return err
	}
	if err := cc.tx.Executions().Delete(cc.ctx, branch.ID); err != nil {
		return err
	}

	remaining, err := cc.tx.Executions().DecrementPendingBranches(cc.ctx, branch.ParentID)
	if err != nil {
		return err
	}
	if remaining < 0 {
		return fmt.Errorf("execution %s: pending branch counter dropped below zero", branch.ParentID)
	}

	parent, err := cc.execution(branch.ParentID)
	if err != nil {
		return err
	}
	d, err := cc.definition(parent.ProcessDefinitionID)
	if err != nil {
		return err
	}

	if branch.IsMultiInstance {
		if mi, ok := d.behaviors[parent.CurrentNodeID].(*multiInstanceBehavior); ok {
			if err := mi.instanceCompleted(cc, parent, remaining); err != nil {
				return err
			}
		}
	}
	if remaining > 0 {
		return nil
	}

	parent.IsActive = true
	if op.joinNodeID != "" {
		parent.CurrentNodeID = op.joinNodeID
		if err := cc.update(parent); err != nil {
			return err
		}
		n, err := d.node(op.joinNodeID)
		if err != nil {
			return err
		}
		cc.activityStarted(parent, n.ID)
		return cc.leave(d, n, parent)
	}

	if err := cc.update(parent); err != nil {
		return err
	}
	n, err := d.node(parent.CurrentNodeID)
	if err != nil {
		return err
	}
	if isScopeActivity(d, n) {
		cc.agenda.plan(takeOutgoingFlow(parent.ID, nil, false))
		return nil
	}
	// A fork container whose branches all ended without joining.
	cc.agenda.plan(endExecution(parent.ID))
	return nil
}

// leave plans how ex leaves n, letting gateways pick their flows.
func (cc *commandContext) leave(d *deployedDefinition, n *api.Node, ex *api.Execution) error {
	b, err := d.behaviorOf(n.ID)
	if err != nil {
		return err
	}
	if l, ok := b.(leaver); ok {
		return l.Leave(cc, ex)
	}
	cc.agenda.plan(takeOutgoingFlow(ex.ID, nil, false))
	return nil
}
