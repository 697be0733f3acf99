package engine

import (
	"context"

	"github.com/petrijr/flowline/internal/persistence"
	"github.com/petrijr/flowline/pkg/api"
)

// ancestry returns ex followed by its ancestors up to the process instance.
func ancestry(ctx context.Context, es persistence.ExecutionStore, ex *api.Execution) ([]*api.Execution, error) {
	chain := []*api.Execution{ex}
	for cur := ex; cur.ParentID != ""; {
		parent, err := es.Get(ctx, cur.ParentID)
		if err != nil {
			return nil, err
		}
		chain = append(chain, parent)
		cur = parent
	}
	return chain, nil
}

// mergedVariables resolves the variables visible from ex: locals shadow
// the variables of enclosing executions.
func mergedVariables(ctx context.Context, es persistence.ExecutionStore, ex *api.Execution) (map[string]any, error) {
	chain, err := ancestry(ctx, es, ex)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	for i := len(chain) - 1; i >= 0; i-- {
		for k, v := range chain[i].Variables {
			out[k] = v
		}
	}
	return out, nil
}

func (cc *commandContext) variables(ex *api.Execution) (map[string]any, error) {
	return mergedVariables(cc.ctx, cc.tx.Executions(), ex)
}

// setVariables writes each variable into the nearest execution, starting
// at executionID, that already holds it. New variables go to the process
// instance.
func (cc *commandContext) setVariables(executionID string, vars map[string]any) error {
	if len(vars) == 0 {
		return nil
	}
	ex, err := cc.execution(executionID)
	if err != nil {
		return err
	}
	chain, err := ancestry(cc.ctx, cc.tx.Executions(), ex)
	if err != nil {
		return err
	}

	dirty := make(map[int]bool)
	for name, value := range vars {
		target := len(chain) - 1
		for i, holder := range chain {
			if _, ok := holder.Variables[name]; ok {
				target = i
				break
			}
		}
		holder := chain[target]
		if holder.Variables == nil {
			holder.Variables = make(map[string]any)
		}
		holder.Variables[name] = value
		dirty[target] = true
	}

	for i := range chain {
		if !dirty[i] {
			continue
		}
		if err := cc.update(chain[i]); err != nil {
			return err
		}
	}
	return nil
}

// delegateExecution is the DelegateExecution handed to service task code.
type delegateExecution struct {
	ex         *api.Execution
	activityID string
	vars       map[string]any
	writes     map[string]any
}

var _ api.DelegateExecution = (*delegateExecution)(nil)

func newDelegateExecution(ex *api.Execution, activityID string, vars map[string]any) *delegateExecution {
	return &delegateExecution{ex: ex, activityID: activityID, vars: vars, writes: map[string]any{}}
}

func (d *delegateExecution) ExecutionID() string       { return d.ex.ID }
func (d *delegateExecution) ProcessInstanceID() string { return d.ex.ProcessInstanceID }
func (d *delegateExecution) ActivityID() string        { return d.activityID }

func (d *delegateExecution) Variable(name string) (any, bool) {
	if v, ok := d.writes[name]; ok {
		return v, true
	}
	v, ok := d.vars[name]
	return v, ok
}

func (d *delegateExecution) Variables() map[string]any {
	out := make(map[string]any, len(d.vars)+len(d.writes))
	for k, v := range d.vars {
		out[k] = v
	}
	for k, v := range d.writes {
		out[k] = v
	}
	return out
}

func (d *delegateExecution) SetVariable(name string, value any) {
	d.writes[name] = value
}
