package engine

type opKind int

const (
	opExecuteNode opKind = iota
	opTakeOutgoingFlow
	opEndExecution
	opTriggerExecution
	opMonitorParallelBranch
)

func (k opKind) String() string {
	switch k {
	case opExecuteNode:
		return "ExecuteNode"
	case opTakeOutgoingFlow:
		return "TakeOutgoingFlow"
	case opEndExecution:
		return "EndExecution"
	case opTriggerExecution:
		return "TriggerExecution"
	case opMonitorParallelBranch:
		return "MonitorParallelBranch"
	}
	return "unknown"
}

// operation is one unit of work against the execution tree. Operations
// refer to executions by id and always read them fresh from the
// transaction.
type operation struct {
	kind        opKind
	executionID string

	// flowIDs preselects the flows TakeOutgoingFlow follows. When empty
	// the flows are chosen by evaluating their conditions.
	flowIDs []string
	// fork makes TakeOutgoingFlow create concurrent children even for a
	// single flow.
	fork bool

	// joinNodeID is the join gateway a branch arrived at; empty when the
	// branch simply ended.
	joinNodeID string

	event   string
	payload map[string]any

	// resumed is set when a job continues the operation, so the
	// asynchronous boundary it was parked at is not taken twice.
	resumed bool
}

func executeNode(executionID string) operation {
	return operation{kind: opExecuteNode, executionID: executionID}
}

func takeOutgoingFlow(executionID string, flowIDs []string, fork bool) operation {
	return operation{kind: opTakeOutgoingFlow, executionID: executionID, flowIDs: flowIDs, fork: fork}
}

func endExecution(executionID string) operation {
	return operation{kind: opEndExecution, executionID: executionID}
}

func triggerExecution(executionID, event string, payload map[string]any) operation {
	return operation{kind: opTriggerExecution, executionID: executionID, event: event, payload: payload}
}

func monitorParallelBranch(executionID, joinNodeID string) operation {
	return operation{kind: opMonitorParallelBranch, executionID: executionID, joinNodeID: joinNodeID}
}

// agenda is the FIFO queue of pending operations of one command.
type agenda struct {
	ops []operation
}

func (a *agenda) plan(op operation) {
	a.ops = append(a.ops, op)
}

func (a *agenda) next() (operation, bool) {
	if len(a.ops) == 0 {
		return operation{}, false
	}
	op := a.ops[0]
	a.ops = a.ops[1:]
	return op, true
}

// dropFor removes the pending operations of one execution. Operations of
// other executions stay planned.
func (a *agenda) dropFor(executionID string) {
	kept := a.ops[:0]
	for _, op := range a.ops {
		if op.executionID != executionID {
			kept = append(kept, op)
		}
	}
	a.ops = kept
}

func (a *agenda) len() int {
	return len(a.ops)
}
