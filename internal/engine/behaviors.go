package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/flowline/pkg/api"
)

// behavior is the per-node-type logic the agenda dispatches to.
type behavior interface {
	Execute(cc *commandContext, ex *api.Execution) error
}

// signaller is implemented by behaviors whose executions wait for an
// external event.
type signaller interface {
	Signal(cc *commandContext, ex *api.Execution, event string, payload map[string]any) error
}

// leaver is implemented by behaviors that choose the flows an execution
// leaves by, typically gateways.
type leaver interface {
	Leave(cc *commandContext, ex *api.Execution) error
}

// resolveBehavior binds a node to its behavior. It never returns a nil
// behavior without an error.
func resolveBehavior(d *deployedDefinition, n *api.Node) (behavior, error) {
	var (
		b   behavior
		err error
	)
	switch n.Type {
	case api.NodeStartEvent:
		b, err = newStartEvent(d, n)
	case api.NodeEndEvent:
		b, err = noConfig(n, endEventBehavior{})
	case api.NodeServiceTask:
		b, err = newServiceTask(d, n)
	case api.NodeUserTask:
		b, err = newUserTask(n)
	case api.NodeReceiveTask:
		b, err = newReceiveTask(n)
	case api.NodeIntermediateTimer:
		b, err = newIntermediateTimer(n)
	case api.NodeBoundaryTimer:
		b, err = newBoundaryTimer(d, n)
	case api.NodeExclusiveGateway:
		b, err = noConfig(n, &exclusiveGateway{def: d, node: n})
	case api.NodeParallelGateway:
		b, err = noConfig(n, &parallelGateway{def: d, node: n})
	case api.NodeInclusiveGateway:
		b, err = noConfig(n, &inclusiveGateway{def: d, node: n})
	case api.NodeSubProcess:
		b, err = newSubProcess(d, n)
	default:
		return nil, configError(n, fmt.Errorf("unknown node type %q", n.Type))
	}
	if err != nil {
		return nil, err
	}

	if _, ok := n.Config[multiInstanceKey]; ok {
		return newMultiInstance(d, n, b)
	}
	return b, nil
}

func noConfig(n *api.Node, b behavior) (behavior, error) {
	var empty struct{}
	if err := decodeConfig(n, &empty); err != nil {
		return nil, err
	}
	return b, nil
}

// isActivity reports whether nodes of this type can carry boundary events
// and multi-instance characteristics.
func isActivity(nodeType string) bool {
	switch nodeType {
	case api.NodeServiceTask, api.NodeUserTask, api.NodeReceiveTask, api.NodeSubProcess:
		return true
	}
	return false
}

//
// Events
//

type startEventConfig struct {
	Timer *struct {
		Cycle time.Duration `mapstructure:"cycle"`
	} `mapstructure:"timer"`
}

type startEventBehavior struct{}

func newStartEvent(d *deployedDefinition, n *api.Node) (behavior, error) {
	var cfg startEventConfig
	if err := decodeConfig(n, &cfg); err != nil {
		return nil, err
	}
	if cfg.Timer != nil {
		if n.ParentID != "" {
			return nil, configError(n, errors.New("timer start events are only supported at process level"))
		}
		if cfg.Timer.Cycle <= 0 {
			return nil, configError(n, errors.New("timer cycle must be positive"))
		}
		d.startTimer = cfg.Timer.Cycle
	}
	return startEventBehavior{}, nil
}

func (startEventBehavior) Execute(cc *commandContext, ex *api.Execution) error {
	cc.agenda.plan(takeOutgoingFlow(ex.ID, nil, false))
	return nil
}

type endEventBehavior struct{}

func (endEventBehavior) Execute(cc *commandContext, ex *api.Execution) error {
	cc.agenda.plan(endExecution(ex.ID))
	return nil
}

type intermediateTimerBehavior struct {
	duration time.Duration
}

type timerConfig struct {
	Duration time.Duration `mapstructure:"duration"`
}

func newIntermediateTimer(n *api.Node) (behavior, error) {
	var cfg timerConfig
	if err := decodeConfig(n, &cfg); err != nil {
		return nil, err
	}
	if cfg.Duration <= 0 {
		return nil, configError(n, errors.New("timer duration must be positive"))
	}
	return &intermediateTimerBehavior{duration: cfg.Duration}, nil
}

func (b *intermediateTimerBehavior) Execute(cc *commandContext, ex *api.Execution) error {
	return cc.scheduleContinuation(ex, JobTypeTimerTransition, timerJobConfig{NodeID: ex.CurrentNodeID}, cc.now.Add(b.duration))
}

type boundaryTimerConfig struct {
	AttachedTo     string        `mapstructure:"attachedTo"`
	Duration       time.Duration `mapstructure:"duration"`
	CancelActivity *bool         `mapstructure:"cancelActivity"`
}

// boundaryTimerBehavior interrupts its host activity when the timer fires.
// The timer job is armed when the host starts and disarmed when it leaves.
type boundaryTimerBehavior struct {
	node     *api.Node
	host     string
	duration time.Duration
}

func newBoundaryTimer(d *deployedDefinition, n *api.Node) (behavior, error) {
	var cfg boundaryTimerConfig
	if err := decodeConfig(n, &cfg); err != nil {
		return nil, err
	}
	host, ok := d.def.Node(cfg.AttachedTo)
	if !ok {
		return nil, configError(n, fmt.Errorf("attachedTo references unknown node %q", cfg.AttachedTo))
	}
	if !isActivity(host.Type) {
		return nil, configError(n, fmt.Errorf("boundary events cannot be attached to %s %q", host.Type, host.ID))
	}
	if cfg.CancelActivity != nil && !*cfg.CancelActivity {
		return nil, configError(n, errors.New("non-interrupting boundary timers are not supported"))
	}
	if cfg.Duration <= 0 {
		return nil, configError(n, errors.New("timer duration must be positive"))
	}
	return &boundaryTimerBehavior{node: n, host: host.ID, duration: cfg.Duration}, nil
}

func (b *boundaryTimerBehavior) Execute(cc *commandContext, ex *api.Execution) error {
	cc.agenda.plan(takeOutgoingFlow(ex.ID, nil, false))
	return nil
}

//
// Tasks
//

type serviceTaskConfig struct {
	Delegate       string `mapstructure:"delegate"`
	Expression     string `mapstructure:"expression"`
	ResultVariable string `mapstructure:"resultVariable"`
}

type serviceTaskBehavior struct {
	def *deployedDefinition
	cfg serviceTaskConfig
}

func newServiceTask(d *deployedDefinition, n *api.Node) (behavior, error) {
	var cfg serviceTaskConfig
	if err := decodeConfig(n, &cfg, multiInstanceKey); err != nil {
		return nil, err
	}
	switch {
	case cfg.Delegate != "" && cfg.Expression != "":
		return nil, configError(n, errors.New("delegate and expression are mutually exclusive"))
	case cfg.Delegate == "" && cfg.Expression == "":
		return nil, configError(n, errors.New("one of delegate or expression is required"))
	case cfg.ResultVariable != "" && cfg.Expression == "":
		return nil, configError(n, errors.New("resultVariable requires an expression"))
	}
	if err := d.programs.compile(cfg.Expression, false); err != nil {
		return nil, configError(n, err)
	}
	return &serviceTaskBehavior{def: d, cfg: cfg}, nil
}

func (b *serviceTaskBehavior) Execute(cc *commandContext, ex *api.Execution) error {
	vars, err := cc.variables(ex)
	if err != nil {
		return err
	}

	if b.cfg.Delegate != "" {
		fn, ok := cc.engine.delegate(b.cfg.Delegate)
		if !ok {
			return fmt.Errorf("service task %q: delegate %q is not registered", ex.CurrentNodeID, b.cfg.Delegate)
		}
		de := newDelegateExecution(ex, ex.CurrentNodeID, vars)
		if err := fn(cc.ctx, de); err != nil {
			return fmt.Errorf("service task %q: %w", ex.CurrentNodeID, err)
		}
		if err := cc.setVariables(ex.ID, de.writes); err != nil {
			return err
		}
	} else {
		out, err := b.def.programs.eval(b.cfg.Expression, vars)
		if err != nil {
			return fmt.Errorf("service task %q: %w", ex.CurrentNodeID, err)
		}
		if b.cfg.ResultVariable != "" {
			if err := cc.setVariables(ex.ID, map[string]any{b.cfg.ResultVariable: out}); err != nil {
				return err
			}
		}
	}

	cc.agenda.plan(takeOutgoingFlow(ex.ID, nil, false))
	return nil
}

// waitStateBehavior parks nothing: the execution simply stays at the node
// until Signal is called.
type waitStateBehavior struct {
	message string
}

func newUserTask(n *api.Node) (behavior, error) {
	var cfg struct {
		Assignee string `mapstructure:"assignee"`
		FormKey  string `mapstructure:"formKey"`
	}
	if err := decodeConfig(n, &cfg, multiInstanceKey); err != nil {
		return nil, err
	}
	return &waitStateBehavior{}, nil
}

func newReceiveTask(n *api.Node) (behavior, error) {
	var cfg struct {
		Message string `mapstructure:"message"`
	}
	if err := decodeConfig(n, &cfg, multiInstanceKey); err != nil {
		return nil, err
	}
	return &waitStateBehavior{message: cfg.Message}, nil
}

func (b *waitStateBehavior) Execute(cc *commandContext, ex *api.Execution) error {
	return nil
}

func (b *waitStateBehavior) Signal(cc *commandContext, ex *api.Execution, event string, payload map[string]any) error {
	if b.message != "" && event != b.message {
		return fmt.Errorf("%w: node %q waits for %q, got %q", api.ErrNotWaiting, ex.CurrentNodeID, b.message, event)
	}
	if err := cc.setVariables(ex.ID, payload); err != nil {
		return err
	}
	cc.agenda.plan(takeOutgoingFlow(ex.ID, nil, false))
	return nil
}

//
// Gateways
//

type exclusiveGateway struct {
	def  *deployedDefinition
	node *api.Node
}

func (g *exclusiveGateway) Execute(cc *commandContext, ex *api.Execution) error {
	return g.Leave(cc, ex)
}

// Leave follows the first flow, in declaration order, whose condition
// holds, else the default flow.
func (g *exclusiveGateway) Leave(cc *commandContext, ex *api.Execution) error {
	vars, err := cc.variables(ex)
	if err != nil {
		return err
	}
	var fallback string
	for _, f := range g.def.def.Outgoing(g.node.ID) {
		if f.Default {
			fallback = f.ID
			continue
		}
		ok, err := g.def.programs.condition(f.Condition, vars)
		if err != nil {
			return err
		}
		if ok {
			cc.agenda.plan(takeOutgoingFlow(ex.ID, []string{f.ID}, false))
			return nil
		}
	}
	if fallback != "" {
		cc.agenda.plan(takeOutgoingFlow(ex.ID, []string{fallback}, false))
		return nil
	}
	return &api.RoutingError{NodeID: g.node.ID, Reason: "no outgoing flow condition holds and there is no default flow"}
}

// isJoin reports whether ex arrives at node as one of several concurrent
// branches.
func isJoin(d *deployedDefinition, n *api.Node, ex *api.Execution) bool {
	return ex.IsConcurrent && len(d.def.Incoming(n.ID)) > 1
}

type parallelGateway struct {
	def  *deployedDefinition
	node *api.Node
}

func (g *parallelGateway) Execute(cc *commandContext, ex *api.Execution) error {
	if isJoin(g.def, g.node, ex) {
		cc.agenda.plan(monitorParallelBranch(ex.ID, g.node.ID))
		return nil
	}
	return g.Leave(cc, ex)
}

// Leave follows every outgoing flow. Conditions are ignored.
func (g *parallelGateway) Leave(cc *commandContext, ex *api.Execution) error {
	flows := g.def.def.Outgoing(g.node.ID)
	ids := make([]string, 0, len(flows))
	for _, f := range flows {
		ids = append(ids, f.ID)
	}
	cc.agenda.plan(takeOutgoingFlow(ex.ID, ids, len(ids) > 1))
	return nil
}

type inclusiveGateway struct {
	def  *deployedDefinition
	node *api.Node
}

func (g *inclusiveGateway) Execute(cc *commandContext, ex *api.Execution) error {
	if isJoin(g.def, g.node, ex) {
		cc.agenda.plan(monitorParallelBranch(ex.ID, g.node.ID))
		return nil
	}
	return g.Leave(cc, ex)
}

// Leave follows every flow whose condition holds, else the default flow.
// A splitting gateway always forks so the matching join can count the
// branches, even when a single flow was selected.
func (g *inclusiveGateway) Leave(cc *commandContext, ex *api.Execution) error {
	vars, err := cc.variables(ex)
	if err != nil {
		return err
	}
	var (
		ids      []string
		fallback string
	)
	for _, f := range g.def.def.Outgoing(g.node.ID) {
		if f.Default {
			fallback = f.ID
			continue
		}
		ok, err := g.def.programs.condition(f.Condition, vars)
		if err != nil {
			return err
		}
		if ok {
			ids = append(ids, f.ID)
		}
	}
	if len(ids) == 0 && fallback != "" {
		ids = []string{fallback}
	}
	if len(ids) == 0 {
		return &api.RoutingError{NodeID: g.node.ID, Reason: "no outgoing flow condition holds and there is no default flow"}
	}
	splitting := len(g.def.def.Incoming(g.node.ID)) <= 1
	cc.agenda.plan(takeOutgoingFlow(ex.ID, ids, splitting || len(ids) > 1))
	return nil
}

//
// Scopes
//

type subProcessBehavior struct {
	start string
}

func newSubProcess(d *deployedDefinition, n *api.Node) (behavior, error) {
	if err := decodeConfig(n, &struct{}{}, multiInstanceKey); err != nil {
		return nil, err
	}
	start, ok := d.def.StartEvent(n.ID)
	if !ok {
		return nil, configError(n, errors.New("sub-process has no start event"))
	}
	return &subProcessBehavior{start: start.ID}, nil
}

// Execute turns ex into a container with one scope child positioned at
// the nested start event. The sub-process completes when that child ends.
func (b *subProcessBehavior) Execute(cc *commandContext, ex *api.Execution) error {
	ex.IsActive = false
	ex.PendingBranches = 1
	if err := cc.update(ex); err != nil {
		return err
	}
	child, err := cc.newChild(ex, b.start, false, true)
	if err != nil {
		return err
	}
	cc.agenda.plan(executeNode(child.ID))
	return nil
}

// isScopeActivity reports whether a container positioned at n completes
// by leaving n once its children are done.
func isScopeActivity(d *deployedDefinition, n *api.Node) bool {
	if n.Type == api.NodeSubProcess {
		return true
	}
	_, ok := d.behaviors[n.ID].(*multiInstanceBehavior)
	return ok
}
