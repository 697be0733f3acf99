package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petrijr/flowline/internal/persistence"
	"github.com/petrijr/flowline/internal/testutil"
	"github.com/petrijr/flowline/pkg/api"
	"github.com/petrijr/flowline/pkg/worker"
)

var testStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type recordingObserver struct {
	api.NoopObserver

	mu     sync.Mutex
	events []string
}

func (o *recordingObserver) record(format string, args ...any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, fmt.Sprintf(format, args...))
}

func (o *recordingObserver) OnProcessInstanceStart(ctx context.Context, pi *api.Execution) {
	o.record("process.started")
}

func (o *recordingObserver) OnProcessInstanceEnd(ctx context.Context, pi *api.Execution, reason string) {
	o.record("process.ended:%s", reason)
}

func (o *recordingObserver) OnActivityStart(ctx context.Context, ex *api.Execution, activityID string) {
	o.record("start:%s", activityID)
}

func (o *recordingObserver) OnActivityEnd(ctx context.Context, ex *api.Execution, activityID string) {
	o.record("end:%s", activityID)
}

func (o *recordingObserver) count(event string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, e := range o.events {
		if e == event {
			n++
		}
	}
	return n
}

type testEngine struct {
	*Engine
	clock    *testutil.Clock
	observer *recordingObserver
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	return newTestEngineOn(t, persistence.NewMemoryStore())
}

func newSQLiteTestEngine(t *testing.T) *testEngine {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	return newTestEngineOn(t, store)
}

func newTestEngineOn(t *testing.T, store persistence.Store) *testEngine {
	t.Helper()
	clock := testutil.NewClock(testStart)
	obs := &recordingObserver{}
	e := New(Config{
		Store:          store,
		Observer:       obs,
		Clock:          clock,
		MaxAgendaSteps: 500,
	})
	return &testEngine{Engine: e, clock: clock, observer: obs}
}

func (te *testEngine) deploy(t *testing.T, def api.ProcessDefinition) api.ProcessDefinition {
	t.Helper()
	deployed, err := te.Deploy(context.Background(), def)
	if err != nil {
		t.Fatalf("Deploy(%s) failed: %v", def.Key, err)
	}
	return deployed
}

func (te *testEngine) start(t *testing.T, key string, vars map[string]any) *api.Execution {
	t.Helper()
	pi, err := te.StartProcessInstance(context.Background(), key, vars)
	if err != nil {
		t.Fatalf("StartProcessInstance(%s) failed: %v", key, err)
	}
	return pi
}

// executionsAt returns the executions of an instance positioned at nodeID.
func (te *testEngine) executionsAt(t *testing.T, processInstanceID, nodeID string) []*api.Execution {
	t.Helper()
	all, err := te.ListExecutions(context.Background(), api.ExecutionQuery{ProcessInstanceID: processInstanceID})
	if err != nil {
		t.Fatalf("ListExecutions failed: %v", err)
	}
	var out []*api.Execution
	for _, ex := range all {
		if ex.CurrentNodeID == nodeID && ex.IsActive {
			out = append(out, ex)
		}
	}
	return out
}

// waitingAt returns the single active execution at nodeID.
func (te *testEngine) waitingAt(t *testing.T, processInstanceID, nodeID string) *api.Execution {
	t.Helper()
	at := te.executionsAt(t, processInstanceID, nodeID)
	if len(at) != 1 {
		t.Fatalf("expected 1 execution at %q, got %d", nodeID, len(at))
	}
	return at[0]
}

func (te *testEngine) signal(t *testing.T, executionID string, payload map[string]any) {
	t.Helper()
	if err := te.Trigger(context.Background(), executionID, "complete", payload); err != nil {
		t.Fatalf("Trigger(%s) failed: %v", executionID, err)
	}
}

func (te *testEngine) instanceEnded(t *testing.T, processInstanceID string) bool {
	t.Helper()
	all, err := te.ListExecutions(context.Background(), api.ExecutionQuery{ProcessInstanceID: processInstanceID})
	if err != nil {
		t.Fatalf("ListExecutions failed: %v", err)
	}
	return len(all) == 0
}

// runDueJobs acquires and runs due jobs one at a time, the way a worker
// does, until none is due. It returns the number of jobs run.
func (te *testEngine) runDueJobs(t *testing.T) int {
	t.Helper()
	ctx := context.Background()

	handlers := make(map[string]worker.Handler)
	for _, h := range te.Handlers() {
		handlers[h.Type()] = h
	}

	ran := 0
	for {
		var jobs []*api.Job
		err := persistence.InTx(ctx, te.store, func(tx persistence.Tx) error {
			var err error
			jobs, err = tx.Jobs().Acquire(ctx, "test-worker", te.clock.Now(), time.Minute, 1)
			return err
		})
		if err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		if len(jobs) == 0 {
			return ran
		}
		job := jobs[0]
		h, ok := handlers[job.Type]
		if !ok {
			t.Fatalf("no handler for job type %q", job.Type)
		}
		err = persistence.InTx(ctx, te.store, func(tx persistence.Tx) error {
			if err := h.Execute(ctx, tx, job); err != nil {
				return err
			}
			return tx.Jobs().Complete(ctx, job)
		})
		if err != nil {
			t.Fatalf("job %s (%s) failed: %v", job.ID, job.Type, err)
		}
		ran++
	}
}

func (te *testEngine) jobs(t *testing.T, q api.JobQuery) []*api.Job {
	t.Helper()
	jobs, err := te.ListJobs(context.Background(), q)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	return jobs
}

//
// Definition helpers
//

func node(id, typ string) api.Node {
	return api.Node{ID: id, Type: typ}
}

func nodeWith(id, typ string, cfg map[string]any) api.Node {
	return api.Node{ID: id, Type: typ, Config: cfg}
}

func flow(source, target string) api.SequenceFlow {
	return api.SequenceFlow{ID: source + "-" + target, Source: source, Target: target}
}

func condFlow(source, target, condition string) api.SequenceFlow {
	f := flow(source, target)
	f.Condition = condition
	return f
}

func defaultFlow(source, target string) api.SequenceFlow {
	f := flow(source, target)
	f.Default = true
	return f
}

// linear builds start -> nodes... -> end.
func linear(key string, nodes ...api.Node) api.ProcessDefinition {
	def := api.ProcessDefinition{Key: key}
	def.Nodes = append(def.Nodes, node("start", api.NodeStartEvent))
	prev := "start"
	for _, n := range nodes {
		def.Nodes = append(def.Nodes, n)
		def.Flows = append(def.Flows, flow(prev, n.ID))
		prev = n.ID
	}
	def.Nodes = append(def.Nodes, node("end", api.NodeEndEvent))
	def.Flows = append(def.Flows, flow(prev, "end"))
	return def
}
