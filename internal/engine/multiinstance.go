package engine

import (
	"errors"
	"fmt"
	"math"
	"reflect"

	"github.com/petrijr/flowline/pkg/api"
)

const multiInstanceKey = "multiInstance"

// Variables kept on a multi-instance container and its instances.
const (
	varNrOfInstances          = "nrOfInstances"
	varNrOfCompletedInstances = "nrOfCompletedInstances"
	varLoopCounter            = "loopCounter"
	varElements               = "multiInstanceElements"
)

type multiInstanceConfig struct {
	Cardinality     string `mapstructure:"cardinality"`
	Collection      string `mapstructure:"collection"`
	ElementVariable string `mapstructure:"elementVariable"`
	Sequential      bool   `mapstructure:"sequential"`
}

// multiInstanceBehavior wraps an activity. The execution arriving at the
// node becomes a container; each instance is a child execution at the same
// node that runs the wrapped behavior.
type multiInstanceBehavior struct {
	def   *deployedDefinition
	inner behavior
	cfg   multiInstanceConfig
}

func newMultiInstance(d *deployedDefinition, n *api.Node, inner behavior) (behavior, error) {
	if !isActivity(n.Type) {
		return nil, configError(n, fmt.Errorf("%s nodes cannot be multi-instance", n.Type))
	}
	raw, ok := n.Config[multiInstanceKey].(map[string]any)
	if !ok {
		return nil, configError(n, errors.New("multiInstance must be a map"))
	}
	var cfg multiInstanceConfig
	if err := decodeConfig(&api.Node{ID: n.ID, Type: n.Type, Config: raw}, &cfg); err != nil {
		return nil, err
	}
	switch {
	case cfg.Cardinality != "" && cfg.Collection != "":
		return nil, configError(n, errors.New("multiInstance: cardinality and collection are mutually exclusive"))
	case cfg.Cardinality == "" && cfg.Collection == "":
		return nil, configError(n, errors.New("multiInstance: one of cardinality or collection is required"))
	case cfg.ElementVariable != "" && cfg.Collection == "":
		return nil, configError(n, errors.New("multiInstance: elementVariable requires a collection"))
	}
	for _, src := range []string{cfg.Cardinality, cfg.Collection} {
		if err := d.programs.compile(src, false); err != nil {
			return nil, configError(n, err)
		}
	}
	return &multiInstanceBehavior{def: d, inner: inner, cfg: cfg}, nil
}

func (b *multiInstanceBehavior) Execute(cc *commandContext, ex *api.Execution) error {
	if ex.IsMultiInstance {
		return b.inner.Execute(cc, ex)
	}

	vars, err := cc.variables(ex)
	if err != nil {
		return err
	}
	var (
		elements []any
		total    int
	)
	if b.cfg.Collection != "" {
		out, err := b.def.programs.eval(b.cfg.Collection, vars)
		if err != nil {
			return err
		}
		if elements, err = toSlice(out); err != nil {
			return fmt.Errorf("multi-instance %q: %w", ex.CurrentNodeID, err)
		}
		total = len(elements)
	} else {
		out, err := b.def.programs.eval(b.cfg.Cardinality, vars)
		if err != nil {
			return err
		}
		if total, err = toInt(out); err != nil {
			return fmt.Errorf("multi-instance %q: %w", ex.CurrentNodeID, err)
		}
	}

	if total <= 0 {
		cc.agenda.plan(takeOutgoingFlow(ex.ID, nil, false))
		return nil
	}

	ex.IsActive = false
	ex.PendingBranches = total
	if ex.Variables == nil {
		ex.Variables = map[string]any{}
	}
	ex.Variables[varNrOfInstances] = total
	ex.Variables[varNrOfCompletedInstances] = 0
	if elements != nil {
		ex.Variables[varElements] = elements
	}
	if err := cc.update(ex); err != nil {
		return err
	}

	started := total
	if b.cfg.Sequential {
		started = 1
	}
	for i := 0; i < started; i++ {
		if err := b.startInstance(cc, ex, i, elements); err != nil {
			return err
		}
	}
	return nil
}

func (b *multiInstanceBehavior) Signal(cc *commandContext, ex *api.Execution, event string, payload map[string]any) error {
	s, ok := b.inner.(signaller)
	if !ok || !ex.IsMultiInstance {
		return fmt.Errorf("%w: node %q", api.ErrNotWaiting, ex.CurrentNodeID)
	}
	return s.Signal(cc, ex, event, payload)
}

func (b *multiInstanceBehavior) startInstance(cc *commandContext, container *api.Execution, index int, elements []any) error {
	vars := map[string]any{varLoopCounter: index}
	if b.cfg.ElementVariable != "" && index < len(elements) {
		vars[b.cfg.ElementVariable] = elements[index]
	}
	inst := childOf(container, container.CurrentNodeID, cc.now)
	inst.IsConcurrent = !b.cfg.Sequential
	inst.IsScope = true
	inst.IsMultiInstance = true
	inst.LoopCounter = index
	inst.Variables = vars
	if err := cc.tx.Executions().Insert(cc.ctx, inst); err != nil {
		return err
	}
	// The container already took any asynchronous boundary of the node.
	cc.agenda.plan(operation{kind: opExecuteNode, executionID: inst.ID, resumed: true})
	return nil
}

// instanceCompleted records a finished instance on its container and, for
// sequential activities, starts the next one. remaining is the container's
// counter after the decrement.
func (b *multiInstanceBehavior) instanceCompleted(cc *commandContext, container *api.Execution, remaining int) error {
	total, err := toInt(container.Variables[varNrOfInstances])
	if err != nil {
		return err
	}
	container.Variables[varNrOfCompletedInstances] = total - remaining
	if err := cc.update(container); err != nil {
		return err
	}
	if !b.cfg.Sequential || remaining == 0 {
		return nil
	}
	elements, _ := container.Variables[varElements].([]any)
	return b.startInstance(cc, container, total-remaining, elements)
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int8:
		return int(n), nil
	case int16:
		return int(n), nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case uint:
		return int(n), nil
	case uint8:
		return int(n), nil
	case uint16:
		return int(n), nil
	case uint32:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float32:
		return floatToInt(float64(n))
	case float64:
		return floatToInt(n)
	}
	return 0, fmt.Errorf("expected a number, got %T", v)
}

func floatToInt(f float64) (int, error) {
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("expected an integer, got %v", f)
	}
	return int(f), nil
}

func toSlice(v any) ([]any, error) {
	if v == nil {
		return []any{}, nil
	}
	if s, ok := v.([]any); ok {
		return s, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("collection must be a list, got %T", v)
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}
