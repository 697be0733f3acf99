package api

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// Node type tags understood by the engine.
const (
	NodeStartEvent        = "startEvent"
	NodeEndEvent          = "endEvent"
	NodeServiceTask       = "serviceTask"
	NodeUserTask          = "userTask"
	NodeReceiveTask       = "receiveTask"
	NodeIntermediateTimer = "intermediateTimer"
	NodeBoundaryTimer     = "boundaryTimer"
	NodeExclusiveGateway  = "exclusiveGateway"
	NodeParallelGateway   = "parallelGateway"
	NodeInclusiveGateway  = "inclusiveGateway"
	NodeSubProcess        = "subProcess"
)

// ProcessDefinition is an already-parsed, immutable node graph.
type ProcessDefinition struct {
	// ID is "key:version" and is assigned on deployment.
	ID       string         `yaml:"-"`
	Key      string         `yaml:"key"`
	Version  int            `yaml:"version"`
	Name     string         `yaml:"name"`
	TenantID string         `yaml:"tenantId"`
	Nodes    []Node         `yaml:"nodes"`
	Flows    []SequenceFlow `yaml:"flows"`
}

// Node is one typed element of the graph.
type Node struct {
	ID          string         `yaml:"id"`
	Type        string         `yaml:"type"`
	Name        string         `yaml:"name"`
	ParentID    string         `yaml:"parent"`
	AsyncBefore bool           `yaml:"asyncBefore"`
	AsyncAfter  bool           `yaml:"asyncAfter"`
	Config      map[string]any `yaml:"config"`
}

// SequenceFlow is a directed edge. Condition is an expression evaluated
// against the execution's variables; an empty condition always holds.
type SequenceFlow struct {
	ID        string `yaml:"id"`
	Source    string `yaml:"source"`
	Target    string `yaml:"target"`
	Condition string `yaml:"condition"`
	Default   bool   `yaml:"default"`
}

// DefinitionID builds the id a definition is deployed under.
func DefinitionID(key string, version int) string {
	return key + ":" + strconv.Itoa(version)
}

// ParseDefinitionID splits a definition id into key and version.
func ParseDefinitionID(id string) (string, int, error) {
	i := strings.LastIndex(id, ":")
	if i <= 0 {
		return "", 0, fmt.Errorf("invalid process definition id %q", id)
	}
	v, err := strconv.Atoi(id[i+1:])
	if err != nil {
		return "", 0, fmt.Errorf("invalid process definition id %q: %w", id, err)
	}
	return id[:i], v, nil
}

// Node returns the node with the given id.
func (d *ProcessDefinition) Node(id string) (*Node, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// Outgoing returns the flows leaving nodeID in declaration order.
func (d *ProcessDefinition) Outgoing(nodeID string) []SequenceFlow {
	var out []SequenceFlow
	for _, f := range d.Flows {
		if f.Source == nodeID {
			out = append(out, f)
		}
	}
	return out
}

// Incoming returns the flows entering nodeID.
func (d *ProcessDefinition) Incoming(nodeID string) []SequenceFlow {
	var in []SequenceFlow
	for _, f := range d.Flows {
		if f.Target == nodeID {
			in = append(in, f)
		}
	}
	return in
}

// Flow returns the flow with the given id.
func (d *ProcessDefinition) Flow(id string) (SequenceFlow, bool) {
	for _, f := range d.Flows {
		if f.ID == id {
			return f, true
		}
	}
	return SequenceFlow{}, false
}

// StartEvent returns the start event nested directly under parentID
// ("" for the top level).
func (d *ProcessDefinition) StartEvent(parentID string) (*Node, bool) {
	for i := range d.Nodes {
		n := &d.Nodes[i]
		if n.Type == NodeStartEvent && n.ParentID == parentID {
			return n, true
		}
	}
	return nil, false
}

// BoundaryEvents returns the boundary events attached to hostID.
func (d *ProcessDefinition) BoundaryEvents(hostID string) []*Node {
	var out []*Node
	for i := range d.Nodes {
		n := &d.Nodes[i]
		if n.Type != NodeBoundaryTimer {
			continue
		}
		if attached, _ := n.Config["attachedTo"].(string); attached == hostID {
			out = append(out, n)
		}
	}
	return out
}

// Validate checks the structural integrity of the graph. Behavior-specific
// configuration is checked separately when the definition is deployed.
func (d *ProcessDefinition) Validate() error {
	var result *multierror.Error

	if d.Key == "" {
		result = multierror.Append(result, fmt.Errorf("process definition key is required"))
	}

	ids := make(map[string]bool, len(d.Nodes))
	for _, n := range d.Nodes {
		if n.ID == "" {
			result = multierror.Append(result, fmt.Errorf("node with empty id"))
			continue
		}
		if ids[n.ID] {
			result = multierror.Append(result, fmt.Errorf("duplicate node id %q", n.ID))
		}
		ids[n.ID] = true
	}
	for _, n := range d.Nodes {
		if n.ParentID != "" && !ids[n.ParentID] {
			result = multierror.Append(result, fmt.Errorf("node %q: unknown parent %q", n.ID, n.ParentID))
		}
	}

	flowIDs := make(map[string]bool, len(d.Flows))
	for _, f := range d.Flows {
		if f.ID == "" {
			result = multierror.Append(result, fmt.Errorf("flow %s->%s has empty id", f.Source, f.Target))
		} else if flowIDs[f.ID] {
			result = multierror.Append(result, fmt.Errorf("duplicate flow id %q", f.ID))
		}
		flowIDs[f.ID] = true
		if !ids[f.Source] {
			result = multierror.Append(result, fmt.Errorf("flow %q: unknown source %q", f.ID, f.Source))
		}
		if !ids[f.Target] {
			result = multierror.Append(result, fmt.Errorf("flow %q: unknown target %q", f.ID, f.Target))
		}
	}

	if _, ok := d.StartEvent(""); !ok {
		result = multierror.Append(result, fmt.Errorf("process %q has no start event", d.Key))
	}

	return result.ErrorOrNil()
}
