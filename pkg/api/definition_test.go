package api

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDefinition() ProcessDefinition {
	return ProcessDefinition{
		Key: "order",
		Nodes: []Node{
			{ID: "start", Type: NodeStartEvent},
			{ID: "review", Type: NodeUserTask},
			{ID: "escalate", Type: NodeBoundaryTimer, Config: map[string]any{"attachedTo": "review", "duration": "1h"}},
			{ID: "gw", Type: NodeExclusiveGateway},
			{ID: "end", Type: NodeEndEvent},
		},
		Flows: []SequenceFlow{
			{ID: "f1", Source: "start", Target: "review"},
			{ID: "f2", Source: "review", Target: "gw"},
			{ID: "f3", Source: "gw", Target: "end", Condition: "approved"},
			{ID: "f4", Source: "gw", Target: "review", Default: true},
			{ID: "f5", Source: "escalate", Target: "end"},
		},
	}
}

func TestProcessDefinition_Lookups(t *testing.T) {
	def := sampleDefinition()

	n, ok := def.Node("review")
	require.True(t, ok)
	assert.Equal(t, NodeUserTask, n.Type)

	out := def.Outgoing("gw")
	require.Len(t, out, 2)
	assert.Equal(t, "f3", out[0].ID)
	assert.Equal(t, "f4", out[1].ID)

	assert.Len(t, def.Incoming("review"), 2)

	start, ok := def.StartEvent("")
	require.True(t, ok)
	assert.Equal(t, "start", start.ID)

	boundary := def.BoundaryEvents("review")
	require.Len(t, boundary, 1)
	assert.Equal(t, "escalate", boundary[0].ID)
}

func TestProcessDefinition_ValidateAggregatesErrors(t *testing.T) {
	def := ProcessDefinition{
		Key: "broken",
		Nodes: []Node{
			{ID: "a", Type: NodeUserTask},
			{ID: "a", Type: NodeUserTask},
		},
		Flows: []SequenceFlow{
			{ID: "f1", Source: "a", Target: "missing"},
		},
	}

	err := def.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.True(t, strings.Contains(msg, `duplicate node id "a"`), msg)
	assert.True(t, strings.Contains(msg, `unknown target "missing"`), msg)
	assert.True(t, strings.Contains(msg, "no start event"), msg)
}

func TestProcessDefinition_ValidateOK(t *testing.T) {
	def := sampleDefinition()
	require.NoError(t, def.Validate())
}

func TestDefinitionID_RoundTrip(t *testing.T) {
	id := DefinitionID("invoice:eu", 7)
	key, version, err := ParseDefinitionID(id)
	require.NoError(t, err)
	assert.Equal(t, "invoice:eu", key)
	assert.Equal(t, 7, version)

	_, _, err = ParseDefinitionID("nokey")
	assert.Error(t, err)
}

func TestErrors_Classification(t *testing.T) {
	routing := fmt.Errorf("start: %w", &RoutingError{NodeID: "gw", Reason: "no condition matched"})
	assert.True(t, errors.Is(routing, ErrRoutingFailed))

	cfg := &ConfigurationError{NodeID: "t", NodeType: NodeServiceTask, Err: errors.New("both delegate and expression")}
	assert.True(t, errors.Is(cfg, ErrUnsupportedConfiguration))

	pf := fmt.Errorf("apply: %w", PartitionFailure(errors.New("item 3")))
	assert.True(t, IsPartitionFailure(pf))
	assert.False(t, IsPartitionFailure(errors.New("plain")))
	assert.Nil(t, PartitionFailure(nil))
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{InitialBackoff: time.Second, BackoffMultiplier: 2, MaxBackoff: 5 * time.Second}

	assert.Equal(t, time.Duration(0), p.Backoff(0))
	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
	assert.Equal(t, 5*time.Second, p.Backoff(4))

	constant := RetryPolicy{InitialBackoff: time.Second, BackoffMultiplier: 1}
	assert.Equal(t, time.Second, constant.Backoff(10))
}

func TestJob_RepeatAndLock(t *testing.T) {
	now := time.Now()
	j := &Job{Repeat: "30s", LockOwner: "w1", LockExpiresAt: now.Add(time.Second)}

	d, err := j.RepeatInterval()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)
	assert.True(t, j.IsLocked(now))
	assert.False(t, j.IsLocked(now.Add(2*time.Second)))
}
