package flowline

import (
	"context"
	"fmt"
	"time"

	"github.com/petrijr/flowline/pkg/api"
)

// ProcessBuilder provides a fluent API for defining process graphs. Each
// added node is connected from the cursor, which then moves to the new
// node:
//
//	def := flowline.New("onboarding").
//	    StartEvent("start").
//	    ServiceTask("createAccount", "accounts.create").
//	    ExclusiveGateway("check").
//	    When("vip").UserTask("welcomeCall").EndEvent("endVip").
//	    From("check").Otherwise().EndEvent("end").
//	    Build()
type ProcessBuilder struct {
	def    api.ProcessDefinition
	parent string
	cursor string

	condition string
	isDefault bool
}

// New creates a builder for the definition key.
func New(key string) *ProcessBuilder {
	if key == "" {
		panic("flowline: process key must not be empty")
	}
	return &ProcessBuilder{def: api.ProcessDefinition{Key: key}}
}

// Name sets the human readable name of the definition.
func (b *ProcessBuilder) Name(name string) *ProcessBuilder {
	b.def.Name = name
	return b
}

// Tenant sets the tenant of the definition.
func (b *ProcessBuilder) Tenant(tenantID string) *ProcessBuilder {
	b.def.TenantID = tenantID
	return b
}

// Key returns the definition key.
func (b *ProcessBuilder) Key() string {
	return b.def.Key
}

// Add appends n in the current scope and connects it from the cursor.
func (b *ProcessBuilder) Add(n Node) *ProcessBuilder {
	if n.ID == "" {
		panic("flowline: node id must not be empty")
	}
	if _, exists := b.def.Node(n.ID); exists {
		panic(fmt.Sprintf("flowline: duplicate node id %q", n.ID))
	}
	n.ParentID = b.parent
	b.def.Nodes = append(b.def.Nodes, n)
	if b.cursor != "" {
		b.connect(b.cursor, n.ID)
	}
	b.cursor = n.ID
	return b
}

func (b *ProcessBuilder) connect(source, target string) {
	b.def.Flows = append(b.def.Flows, api.SequenceFlow{
		ID:        fmt.Sprintf("%s-%s", source, target),
		Source:    source,
		Target:    target,
		Condition: b.condition,
		Default:   b.isDefault,
	})
	b.condition = ""
	b.isDefault = false
}

// From moves the cursor to an existing node, typically a gateway, to add
// another outgoing branch.
func (b *ProcessBuilder) From(id string) *ProcessBuilder {
	if _, ok := b.def.Node(id); !ok {
		panic(fmt.Sprintf("flowline: unknown node %q", id))
	}
	b.cursor = id
	return b
}

// To connects the cursor to an existing node, typically a joining
// gateway, and moves the cursor there.
func (b *ProcessBuilder) To(id string) *ProcessBuilder {
	if _, ok := b.def.Node(id); !ok {
		panic(fmt.Sprintf("flowline: unknown node %q", id))
	}
	if b.cursor == "" {
		panic("flowline: To called without a cursor")
	}
	b.connect(b.cursor, id)
	b.cursor = id
	return b
}

// When puts condition on the next flow leaving the cursor.
func (b *ProcessBuilder) When(condition string) *ProcessBuilder {
	b.condition = condition
	return b
}

// Otherwise marks the next flow leaving the cursor as the default flow.
func (b *ProcessBuilder) Otherwise() *ProcessBuilder {
	b.isDefault = true
	return b
}

func (b *ProcessBuilder) last() *Node {
	if b.cursor == "" {
		panic("flowline: no node to modify")
	}
	n, _ := b.def.Node(b.cursor)
	return n
}

// AsyncBefore makes the cursor node start in a job.
func (b *ProcessBuilder) AsyncBefore() *ProcessBuilder {
	b.last().AsyncBefore = true
	return b
}

// AsyncAfter makes the cursor node leave in a job.
func (b *ProcessBuilder) AsyncAfter() *ProcessBuilder {
	b.last().AsyncAfter = true
	return b
}

// MultiInstance repeats the cursor activity. Exactly one of cardinality
// and collection must be set; both are expressions.
func (b *ProcessBuilder) MultiInstance(cardinality, collection, elementVariable string, sequential bool) *ProcessBuilder {
	n := b.last()
	cfg := map[string]any{"sequential": sequential}
	if cardinality != "" {
		cfg["cardinality"] = cardinality
	}
	if collection != "" {
		cfg["collection"] = collection
	}
	if elementVariable != "" {
		cfg["elementVariable"] = elementVariable
	}
	if n.Config == nil {
		n.Config = map[string]any{}
	}
	n.Config["multiInstance"] = cfg
	return b
}

func (b *ProcessBuilder) StartEvent(id string) *ProcessBuilder {
	return b.Add(Node{ID: id, Type: api.NodeStartEvent})
}

// TimerStartEvent adds a start event that starts an instance every cycle.
func (b *ProcessBuilder) TimerStartEvent(id string, cycle time.Duration) *ProcessBuilder {
	return b.Add(Node{ID: id, Type: api.NodeStartEvent, Config: map[string]any{
		"timer": map[string]any{"cycle": cycle.String()},
	}})
}

func (b *ProcessBuilder) EndEvent(id string) *ProcessBuilder {
	return b.Add(Node{ID: id, Type: api.NodeEndEvent})
}

// ServiceTask adds a task running the delegate registered under delegate.
func (b *ProcessBuilder) ServiceTask(id, delegate string) *ProcessBuilder {
	return b.Add(Node{ID: id, Type: api.NodeServiceTask, Config: map[string]any{"delegate": delegate}})
}

// ExpressionTask adds a service task evaluating expression, optionally
// storing the result in resultVariable.
func (b *ProcessBuilder) ExpressionTask(id, expression, resultVariable string) *ProcessBuilder {
	cfg := map[string]any{"expression": expression}
	if resultVariable != "" {
		cfg["resultVariable"] = resultVariable
	}
	return b.Add(Node{ID: id, Type: api.NodeServiceTask, Config: cfg})
}

func (b *ProcessBuilder) UserTask(id string) *ProcessBuilder {
	return b.Add(Node{ID: id, Type: api.NodeUserTask})
}

func (b *ProcessBuilder) ReceiveTask(id, message string) *ProcessBuilder {
	n := Node{ID: id, Type: api.NodeReceiveTask}
	if message != "" {
		n.Config = map[string]any{"message": message}
	}
	return b.Add(n)
}

// Timer adds an intermediate timer waiting d.
func (b *ProcessBuilder) Timer(id string, d time.Duration) *ProcessBuilder {
	return b.Add(Node{ID: id, Type: api.NodeIntermediateTimer, Config: map[string]any{"duration": d.String()}})
}

func (b *ProcessBuilder) ExclusiveGateway(id string) *ProcessBuilder {
	return b.Add(Node{ID: id, Type: api.NodeExclusiveGateway})
}

func (b *ProcessBuilder) ParallelGateway(id string) *ProcessBuilder {
	return b.Add(Node{ID: id, Type: api.NodeParallelGateway})
}

func (b *ProcessBuilder) InclusiveGateway(id string) *ProcessBuilder {
	return b.Add(Node{ID: id, Type: api.NodeInclusiveGateway})
}

// SubProcess adds an embedded sub-process whose body is defined by body
// on a builder scoped to it. The body must start with a start event.
func (b *ProcessBuilder) SubProcess(id string, body func(sub *ProcessBuilder)) *ProcessBuilder {
	b.Add(Node{ID: id, Type: api.NodeSubProcess})
	outer, cursor := b.parent, b.cursor
	b.parent, b.cursor = id, ""
	body(b)
	b.parent, b.cursor = outer, cursor
	return b
}

// BoundaryTimer attaches an interrupting timer to the activity host. The
// cursor moves to the boundary event so its outgoing path can follow.
func (b *ProcessBuilder) BoundaryTimer(id, host string, d time.Duration) *ProcessBuilder {
	if _, ok := b.def.Node(host); !ok {
		panic(fmt.Sprintf("flowline: unknown node %q", host))
	}
	b.cursor = ""
	return b.Add(Node{ID: id, Type: api.NodeBoundaryTimer, Config: map[string]any{
		"attachedTo": host,
		"duration":   d.String(),
	}})
}

// Build returns a copy of the definition built so far.
func (b *ProcessBuilder) Build() ProcessDefinition {
	def := b.def
	def.Nodes = append([]Node(nil), b.def.Nodes...)
	def.Flows = append([]SequenceFlow(nil), b.def.Flows...)
	return def
}

// Deploy deploys the built definition on eng.
func (b *ProcessBuilder) Deploy(ctx context.Context, eng Engine) (ProcessDefinition, error) {
	return eng.Deploy(ctx, b.Build())
}

// MustDeploy is like Deploy but panics on error.
// Useful for initialization in main().
func (b *ProcessBuilder) MustDeploy(ctx context.Context, eng Engine) ProcessDefinition {
	def, err := b.Deploy(ctx, eng)
	if err != nil {
		panic(err)
	}
	return def
}
