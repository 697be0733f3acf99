package engine

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"

	"github.com/petrijr/flowline/pkg/api"
)

// deployedDefinition is a validated definition with its behaviors bound.
// It is immutable once registered.
type deployedDefinition struct {
	def       api.ProcessDefinition
	behaviors map[string]behavior
	programs  programs
	// startTimer is the cycle of a timer start event, zero when the
	// definition is started explicitly only.
	startTimer time.Duration
}

func (d *deployedDefinition) node(id string) (*api.Node, error) {
	n, ok := d.def.Node(id)
	if !ok {
		return nil, &api.RoutingError{NodeID: id, Reason: fmt.Sprintf("node does not exist in %s", d.def.ID)}
	}
	return n, nil
}

func (d *deployedDefinition) behaviorOf(nodeID string) (behavior, error) {
	b, ok := d.behaviors[nodeID]
	if !ok {
		return nil, &api.RoutingError{NodeID: nodeID, Reason: fmt.Sprintf("node does not exist in %s", d.def.ID)}
	}
	return b, nil
}

// bindDefinition resolves one behavior per node and compiles every
// expression of the graph. All problems are reported together.
func bindDefinition(def api.ProcessDefinition) (*deployedDefinition, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	d := &deployedDefinition{
		def:       def,
		behaviors: make(map[string]behavior, len(def.Nodes)),
		programs:  programs{},
	}

	var result *multierror.Error
	for i := range def.Nodes {
		n := &def.Nodes[i]
		b, err := resolveBehavior(d, n)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		d.behaviors[n.ID] = b
	}
	for _, f := range def.Flows {
		if err := d.programs.compile(f.Condition, true); err != nil {
			result = multierror.Append(result, fmt.Errorf("flow %q: %w", f.ID, err))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return d, nil
}

// decodeConfig decodes a node's configuration into target. Unknown keys
// are rejected. Keys listed in skip are handled elsewhere.
func decodeConfig(n *api.Node, target any, skip ...string) error {
	raw := make(map[string]any, len(n.Config))
	for k, v := range n.Config {
		raw[k] = v
	}
	for _, k := range skip {
		delete(raw, k)
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           target,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return configError(n, err)
	}
	return nil
}

func configError(n *api.Node, err error) error {
	return &api.ConfigurationError{NodeID: n.ID, NodeType: n.Type, Err: err}
}
