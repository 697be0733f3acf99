package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/flowline/internal/metrics"
	"github.com/petrijr/flowline/internal/persistence"
	"github.com/petrijr/flowline/pkg/api"
	"github.com/petrijr/flowline/pkg/worker"
)

// DefaultMaxAgendaSteps bounds the operations one command may run.
const DefaultMaxAgendaSteps = 10000

// Config describes how to construct an Engine.
type Config struct {
	Store    persistence.Store
	Observer api.Observer
	Logger   *slog.Logger
	Clock    api.Clock

	// JobRetries is the retry budget of jobs created by the engine.
	JobRetries int
	// MaxAgendaSteps guards against graphs that loop without a wait state.
	MaxAgendaSteps int
}

// Engine executes deployed process definitions on top of a Store. Every
// public operation is one transaction: the agenda is drained inside it and
// nothing becomes visible unless the whole drain succeeds.
type Engine struct {
	store    persistence.Store
	defs     *definitionRegistry
	observer api.Observer
	logger   *slog.Logger
	clock    api.Clock

	jobRetries int
	maxSteps   int

	deployMu sync.Mutex

	delegatesMu sync.RWMutex
	delegates   map[string]api.DelegateFunc
}

var _ api.Engine = (*Engine)(nil)

// New creates an Engine. Store is required; every other field has a default.
func New(cfg Config) *Engine {
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = api.SystemClock
	}
	retries := cfg.JobRetries
	if retries <= 0 {
		retries = api.DefaultRetryPolicy.MaxAttempts
	}
	steps := cfg.MaxAgendaSteps
	if steps <= 0 {
		steps = DefaultMaxAgendaSteps
	}
	return &Engine{
		store:      cfg.Store,
		defs:       newDefinitionRegistry(),
		observer:   obs,
		logger:     logger,
		clock:      clock,
		jobRetries: retries,
		maxSteps:   steps,
		delegates:  make(map[string]api.DelegateFunc),
	}
}

// Store returns the store the engine runs on.
func (e *Engine) Store() persistence.Store { return e.store }

func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return metrics.StartSpan(ctx, name, attrs...)
}

func recordSpanError(span trace.Span, err error) {
	metrics.RecordError(span, err)
}

// command runs fn and drains the agenda in a new transaction.
func (e *Engine) command(ctx context.Context, name string, fn func(cc *commandContext) error) error {
	ctx, span := e.startSpan(ctx, "engine/"+name)
	defer span.End()

	err := persistence.InTx(ctx, e.store, func(tx persistence.Tx) error {
		cc := e.newCommand(ctx, tx, "")
		if err := fn(cc); err != nil {
			return err
		}
		return cc.drain()
	})
	recordSpanError(span, err)
	return err
}

func (e *Engine) Deploy(ctx context.Context, def api.ProcessDefinition) (api.ProcessDefinition, error) {
	e.deployMu.Lock()
	defer e.deployMu.Unlock()

	def.Nodes = append([]api.Node(nil), def.Nodes...)
	def.Flows = append([]api.SequenceFlow(nil), def.Flows...)
	def.Version = e.defs.nextVersion(def.Key)
	def.ID = api.DefinitionID(def.Key, def.Version)

	d, err := bindDefinition(def)
	if err != nil {
		return api.ProcessDefinition{}, fmt.Errorf("deploy %s: %w", def.Key, err)
	}

	previous := e.defs.Versions(def.Key)
	err = persistence.InTx(ctx, e.store, func(tx persistence.Tx) error {
		for _, v := range previous {
			if _, err := tx.Jobs().DeleteByCorrelation(ctx, api.DefinitionID(def.Key, v), JobTypeTimerStart); err != nil {
				return err
			}
		}
		if d.startTimer <= 0 {
			return nil
		}
		// A restarted engine redeploys the same ids; keep the schedule.
		existing, err := tx.Jobs().List(ctx, api.JobQuery{Type: JobTypeTimerStart, CorrelationID: def.ID, Limit: 1})
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return nil
		}
		now := e.clock.Now()
		cfg, err := encodeJobConfig(startTimerJobConfig{DefinitionID: def.ID})
		if err != nil {
			return err
		}
		return tx.Jobs().Insert(ctx, &api.Job{
			ID:                  newJobID(),
			Type:                JobTypeTimerStart,
			CorrelationID:       def.ID,
			ProcessDefinitionID: def.ID,
			TenantID:            def.TenantID,
			Configuration:       cfg,
			DueDate:             now.Add(d.startTimer),
			RetriesLeft:         e.jobRetries,
			Repeat:              d.startTimer.String(),
			CreatedAt:           now,
		})
	})
	if err != nil {
		return api.ProcessDefinition{}, err
	}
	if err := e.defs.Register(d); err != nil {
		return api.ProcessDefinition{}, err
	}

	e.logger.Info("process definition deployed",
		slog.String("definition_id", def.ID),
		slog.Int("nodes", len(def.Nodes)),
	)
	return def, nil
}

// Definition returns a deployed definition by id.
func (e *Engine) Definition(id string) (api.ProcessDefinition, error) {
	d, err := e.defs.Get(id)
	if err != nil {
		return api.ProcessDefinition{}, err
	}
	return d.def, nil
}

// LatestDefinition returns the highest deployed version of key.
func (e *Engine) LatestDefinition(key string) (api.ProcessDefinition, error) {
	d, err := e.defs.Latest(key)
	if err != nil {
		return api.ProcessDefinition{}, err
	}
	return d.def, nil
}

func (e *Engine) RegisterDelegate(name string, fn api.DelegateFunc) error {
	if name == "" {
		return errors.New("delegate name is required")
	}
	if fn == nil {
		return fmt.Errorf("delegate %q: nil function", name)
	}
	e.delegatesMu.Lock()
	defer e.delegatesMu.Unlock()
	if _, exists := e.delegates[name]; exists {
		return fmt.Errorf("delegate already registered: %s", name)
	}
	e.delegates[name] = fn
	return nil
}

func (e *Engine) delegate(name string) (api.DelegateFunc, bool) {
	e.delegatesMu.RLock()
	defer e.delegatesMu.RUnlock()
	fn, ok := e.delegates[name]
	return fn, ok
}

func (e *Engine) StartProcessInstance(ctx context.Context, key string, vars map[string]any) (*api.Execution, error) {
	d, err := e.defs.Latest(key)
	if err != nil {
		return nil, err
	}

	var pi *api.Execution
	err = e.command(ctx, "StartProcessInstance", func(cc *commandContext) error {
		root, err := cc.startInstance(d, vars)
		if err != nil {
			return err
		}
		pi = root
		return nil
	})
	if err != nil {
		return nil, err
	}

	current, err := e.GetExecution(ctx, pi.ID)
	if errors.Is(err, api.ErrExecutionNotFound) {
		// Ran to completion within the start command.
		pi.IsActive = false
		return pi, nil
	}
	if err != nil {
		return nil, err
	}
	return current, nil
}

// startInstance inserts the root execution of a new process instance at
// the top-level start event and plans it.
func (cc *commandContext) startInstance(d *deployedDefinition, vars map[string]any) (*api.Execution, error) {
	start, ok := d.def.StartEvent("")
	if !ok {
		return nil, &api.RoutingError{NodeID: d.def.ID, Reason: "no start event"}
	}
	id := uuid.NewString()
	root := &api.Execution{
		ID:                  id,
		ProcessInstanceID:   id,
		ProcessDefinitionID: d.def.ID,
		CurrentNodeID:       start.ID,
		TenantID:            d.def.TenantID,
		IsActive:            true,
		IsScope:             true,
		CreatedAt:           cc.now,
	}
	if len(vars) > 0 {
		root.Variables = make(map[string]any, len(vars))
		for k, v := range vars {
			root.Variables[k] = v
		}
	}
	if err := cc.tx.Executions().Insert(cc.ctx, root); err != nil {
		return nil, err
	}

	snap := root.Clone()
	cc.notify(func(ctx context.Context, obs api.Observer) { obs.OnProcessInstanceStart(ctx, snap) })
	cc.agenda.plan(executeNode(root.ID))
	return root.Clone(), nil
}

func (e *Engine) Trigger(ctx context.Context, executionID, event string, payload map[string]any) error {
	return e.command(ctx, "Trigger", func(cc *commandContext) error {
		cc.agenda.plan(triggerExecution(executionID, event, payload))
		return nil
	})
}

func (e *Engine) DeleteProcessInstance(ctx context.Context, processInstanceID, reason string) error {
	ctx, span := e.startSpan(ctx, "engine/DeleteProcessInstance")
	defer span.End()

	err := persistence.InTx(ctx, e.store, func(tx persistence.Tx) error {
		return e.DeleteProcessInstanceTx(ctx, tx, processInstanceID, reason)
	})
	recordSpanError(span, err)
	return err
}

// DeleteProcessInstanceTx deletes an instance inside tx: every execution,
// job and dead-letter job of the instance is removed.
func (e *Engine) DeleteProcessInstanceTx(ctx context.Context, tx persistence.Tx, processInstanceID, reason string) error {
	cc := e.newCommand(ctx, tx, "")
	root, err := cc.execution(processInstanceID)
	if err != nil {
		return err
	}
	if !root.IsProcessInstance() {
		return fmt.Errorf("execution %s is not a process instance", processInstanceID)
	}
	if _, err := tx.Executions().DeleteByProcessInstance(ctx, processInstanceID); err != nil {
		return err
	}
	if _, err := tx.Jobs().DeleteByProcessInstance(ctx, processInstanceID); err != nil {
		return err
	}
	if reason == "" {
		reason = "deleted"
	}
	cc.processInstanceEnded(root, reason)
	return nil
}

// MigrateProcessInstanceTx moves every execution of an instance to the
// target definition. Each current node must exist in the target.
func (e *Engine) MigrateProcessInstanceTx(ctx context.Context, tx persistence.Tx, processInstanceID, targetDefinitionID string) error {
	target, err := e.defs.Get(targetDefinitionID)
	if err != nil {
		return err
	}
	executions, err := tx.Executions().List(ctx, api.ExecutionQuery{ProcessInstanceID: processInstanceID})
	if err != nil {
		return err
	}
	if len(executions) == 0 {
		return fmt.Errorf("%w: process instance %s", api.ErrExecutionNotFound, processInstanceID)
	}
	for _, ex := range executions {
		if _, ok := target.def.Node(ex.CurrentNodeID); !ok {
			return fmt.Errorf("execution %s: node %q does not exist in %s", ex.ID, ex.CurrentNodeID, targetDefinitionID)
		}
	}
	if err := checkJobsAgainst(ctx, tx, target, processInstanceID); err != nil {
		return err
	}
	for _, ex := range executions {
		if ex.ProcessDefinitionID == targetDefinitionID {
			continue
		}
		ex.ProcessDefinitionID = targetDefinitionID
		if err := tx.Executions().Update(ctx, ex); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	var ex *api.Execution
	err := persistence.InTx(ctx, e.store, func(tx persistence.Tx) error {
		var err error
		ex, err = tx.Executions().Get(ctx, id)
		return err
	})
	return ex, err
}

func (e *Engine) ListExecutions(ctx context.Context, q api.ExecutionQuery) ([]*api.Execution, error) {
	var out []*api.Execution
	err := persistence.InTx(ctx, e.store, func(tx persistence.Tx) error {
		var err error
		out, err = tx.Executions().List(ctx, q)
		return err
	})
	return out, err
}

func (e *Engine) Variables(ctx context.Context, executionID string) (map[string]any, error) {
	var vars map[string]any
	err := persistence.InTx(ctx, e.store, func(tx persistence.Tx) error {
		ex, err := tx.Executions().Get(ctx, executionID)
		if err != nil {
			return err
		}
		vars, err = mergedVariables(ctx, tx.Executions(), ex)
		return err
	})
	return vars, err
}

func (e *Engine) ListJobs(ctx context.Context, q api.JobQuery) ([]*api.Job, error) {
	var out []*api.Job
	err := persistence.InTx(ctx, e.store, func(tx persistence.Tx) error {
		var err error
		out, err = tx.Jobs().List(ctx, q)
		return err
	})
	return out, err
}

func (e *Engine) ListDeadLetterJobs(ctx context.Context, q api.JobQuery) ([]*api.DeadLetterJob, error) {
	var out []*api.DeadLetterJob
	err := persistence.InTx(ctx, e.store, func(tx persistence.Tx) error {
		var err error
		out, err = tx.Jobs().ListDeadLetters(ctx, q)
		return err
	})
	return out, err
}

func (e *Engine) RetryDeadLetterJob(ctx context.Context, id string, retries int) (*api.Job, error) {
	if retries <= 0 {
		retries = e.jobRetries
	}
	var job *api.Job
	err := persistence.InTx(ctx, e.store, func(tx persistence.Tx) error {
		var err error
		job, err = tx.Jobs().Restore(ctx, id, retries, e.clock.Now())
		return err
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("dead letter job restored", slog.String("job_id", id), slog.Int("retries", retries))
	return job, nil
}

// Handlers returns the job handlers of the engine's job types, to be
// registered on a worker.
func (e *Engine) Handlers() []worker.Handler {
	return []worker.Handler{
		&jobHandler{jobType: JobTypeAsyncContinuation, engine: e, run: runAsyncContinuation},
		&jobHandler{jobType: JobTypeTimerTransition, engine: e, run: runTimerTransition},
		&jobHandler{jobType: JobTypeTimerBoundary, engine: e, run: runBoundaryTimer},
		&jobHandler{jobType: JobTypeTimerStart, engine: e, run: runStartTimer},
	}
}
