package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

//
// Helpers
//

// testObserver is a simple Observer implementation used to verify fan-out behavior.
type testObserver struct {
	mu sync.Mutex

	starts         int
	ends           int
	activityStarts int
	activityEnds   int
	jobs           int
	deadLetters    int
	batches        int

	lastEndReason string
	lastActivity  string
	lastJobErr    error
	lastDuration  time.Duration
}

func (o *testObserver) OnProcessInstanceStart(ctx context.Context, pi *Execution) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.starts++
}

func (o *testObserver) OnProcessInstanceEnd(ctx context.Context, pi *Execution, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ends++
	o.lastEndReason = reason
}

func (o *testObserver) OnActivityStart(ctx context.Context, ex *Execution, activityID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.activityStarts++
	o.lastActivity = activityID
}

func (o *testObserver) OnActivityEnd(ctx context.Context, ex *Execution, activityID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.activityEnds++
	o.lastActivity = activityID
}

func (o *testObserver) OnJobExecuted(ctx context.Context, job *Job, err error, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.jobs++
	o.lastJobErr = err
	o.lastDuration = d
}

func (o *testObserver) OnJobDeadLettered(ctx context.Context, job *DeadLetterJob) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deadLetters++
}

func (o *testObserver) OnBatchEnd(ctx context.Context, batch *Batch) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.batches++
}

// recordingHandler is a minimal slog.Handler that just records log records.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	cpy := slog.Record{
		Time:    r.Time,
		Level:   r.Level,
		Message: r.Message,
	}
	r.Attrs(func(a slog.Attr) bool {
		cpy.AddAttrs(a)
		return true
	})
	h.records = append(h.records, cpy)
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }

func (h *recordingHandler) WithGroup(name string) slog.Handler { return h }

func attrsToMap(r slog.Record) map[string]any {
	m := make(map[string]any)
	r.Attrs(func(a slog.Attr) bool {
		m[a.Key] = a.Value.Any()
		return true
	})
	return m
}

func newTestInstance() *Execution {
	return &Execution{
		ID:                  "pi-123",
		ProcessInstanceID:   "pi-123",
		ProcessDefinitionID: "order:1",
		CurrentNodeID:       "start",
		IsActive:            true,
	}
}

//
// NoopObserver
//

func TestNoopObserver_DoesNotPanic(t *testing.T) {
	ctx := context.Background()
	pi := newTestInstance()
	var o Observer = NoopObserver{}

	o.OnProcessInstanceStart(ctx, pi)
	o.OnProcessInstanceEnd(ctx, pi, "completed")
	o.OnActivityStart(ctx, pi, "task")
	o.OnActivityEnd(ctx, pi, "task")
	o.OnJobExecuted(ctx, &Job{ID: "j1"}, errors.New("boom"), time.Second)
	o.OnJobDeadLettered(ctx, &DeadLetterJob{})
	o.OnBatchEnd(ctx, &Batch{})
}

//
// CompositeObserver
//

func TestNewCompositeObserver_EmptyReturnsNoop(t *testing.T) {
	o := NewCompositeObserver()
	if _, ok := o.(NoopObserver); !ok {
		t.Fatalf("expected NewCompositeObserver() to return NoopObserver, got %T", o)
	}
}

func TestNewCompositeObserver_SingleReturnsThatObserver(t *testing.T) {
	single := &testObserver{}
	o := NewCompositeObserver(single, nil)

	if got, ok := o.(*testObserver); !ok || got != single {
		t.Fatalf("expected the single non-nil observer to be returned, got %T (%p)", o, o)
	}
}

func TestCompositeObserver_ForwardsAllEvents(t *testing.T) {
	ctx := context.Background()
	pi := newTestInstance()

	o1 := &testObserver{}
	o2 := &testObserver{}
	co, ok := NewCompositeObserver(o1, o2).(*CompositeObserver)
	if !ok {
		t.Fatalf("expected *CompositeObserver")
	}

	err := errors.New("handler failed")
	co.OnProcessInstanceStart(ctx, pi)
	co.OnActivityStart(ctx, pi, "approve")
	co.OnActivityEnd(ctx, pi, "approve")
	co.OnProcessInstanceEnd(ctx, pi, "deleted")
	co.OnJobExecuted(ctx, &Job{ID: "j1"}, err, 2*time.Second)
	co.OnJobDeadLettered(ctx, &DeadLetterJob{})
	co.OnBatchEnd(ctx, &Batch{})

	for i, o := range []*testObserver{o1, o2} {
		if o.starts != 1 || o.ends != 1 || o.activityStarts != 1 || o.activityEnds != 1 {
			t.Fatalf("observer %d did not receive all engine calls: %+v", i+1, o)
		}
		if o.jobs != 1 || o.deadLetters != 1 || o.batches != 1 {
			t.Fatalf("observer %d did not receive all job calls: %+v", i+1, o)
		}
		if o.lastEndReason != "deleted" || o.lastActivity != "approve" {
			t.Fatalf("observer %d argument mismatch: %+v", i+1, o)
		}
		if o.lastJobErr != err || o.lastDuration != 2*time.Second {
			t.Fatalf("observer %d job callback mismatch: %+v", i+1, o)
		}
	}
}

//
// LoggingObserver
//

func TestNewLoggingObserver_NilLoggerUsesDefault(t *testing.T) {
	o := NewLoggingObserver(nil)
	lo, ok := o.(*LoggingObserver)
	if !ok {
		t.Fatalf("expected *LoggingObserver, got %T", o)
	}
	if lo.Logger == nil {
		t.Fatalf("expected non-nil Logger when created with nil")
	}
}

func TestLoggingObserver_OnProcessInstanceStart_EmitsInfoLog(t *testing.T) {
	ctx := context.Background()
	pi := newTestInstance()

	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))

	o.OnProcessInstanceStart(ctx, pi)

	if len(h.records) != 1 {
		t.Fatalf("expected 1 log record, got %d", len(h.records))
	}
	rec := h.records[0]
	if rec.Level != slog.LevelInfo {
		t.Fatalf("expected LevelInfo, got %v", rec.Level)
	}
	if rec.Message != "process_instance_start" {
		t.Fatalf("expected message process_instance_start, got %q", rec.Message)
	}
	attrs := attrsToMap(rec)
	if attrs["definition"] != pi.ProcessDefinitionID {
		t.Fatalf("expected definition=%q, got %v", pi.ProcessDefinitionID, attrs["definition"])
	}
	if attrs["instance_id"] != pi.ID {
		t.Fatalf("expected instance_id=%q, got %v", pi.ID, attrs["instance_id"])
	}
}

func TestLoggingObserver_OnJobExecuted_LevelDependsOnError(t *testing.T) {
	ctx := context.Background()

	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))

	o.OnJobExecuted(ctx, &Job{ID: "ok", Type: "async-continuation"}, nil, time.Second)
	o.OnJobExecuted(ctx, &Job{ID: "bad", Type: "async-continuation"}, errors.New("boom"), time.Second)

	if len(h.records) != 2 {
		t.Fatalf("expected 2 log records, got %d", len(h.records))
	}
	if h.records[0].Level != slog.LevelDebug {
		t.Fatalf("expected success record LevelDebug, got %v", h.records[0].Level)
	}
	if h.records[1].Level != slog.LevelWarn {
		t.Fatalf("expected failure record LevelWarn, got %v", h.records[1].Level)
	}
	attrs := attrsToMap(h.records[1])
	if attrs["job_id"] != "bad" {
		t.Fatalf("expected job_id=bad, got %v", attrs["job_id"])
	}
	if attrs["error"] == nil {
		t.Fatalf("expected error attribute on failure record, got nil")
	}
}

func TestLoggingObserver_OnBatchEnd_FailedLogsError(t *testing.T) {
	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))

	o.OnBatchEnd(context.Background(), &Batch{ID: "b1", Status: BatchStatusFailed})

	if len(h.records) != 1 || h.records[0].Level != slog.LevelError {
		t.Fatalf("expected one error record, got %+v", h.records)
	}
}

//
// BasicMetrics
//

func TestBasicMetrics_CountersAndSnapshot(t *testing.T) {
	var m BasicMetrics

	ctx := context.Background()
	pi := newTestInstance()

	m.OnProcessInstanceStart(ctx, pi)
	m.OnProcessInstanceStart(ctx, pi)
	m.OnProcessInstanceEnd(ctx, pi, "completed")
	m.OnActivityStart(ctx, pi, "a")
	m.OnActivityStart(ctx, pi, "b")
	m.OnJobDeadLettered(ctx, &DeadLetterJob{})

	s := m.Snapshot()
	if s.InstancesStarted != 2 || s.InstancesEnded != 1 || s.RunningInstances != 1 {
		t.Fatalf("unexpected instance counters: %+v", s)
	}
	if s.ActivitiesRun != 2 {
		t.Fatalf("expected 2 activities, got %d", s.ActivitiesRun)
	}
	if s.JobsDeadLettered != 1 {
		t.Fatalf("expected 1 dead letter, got %d", s.JobsDeadLettered)
	}
}

func TestBasicMetrics_OnlySuccessfulJobsCountDuration(t *testing.T) {
	var m BasicMetrics
	ctx := context.Background()

	m.OnJobExecuted(ctx, &Job{}, nil, 2*time.Second)
	m.OnJobExecuted(ctx, &Job{}, nil, 4*time.Second)
	m.OnJobExecuted(ctx, &Job{}, errors.New("boom"), 100*time.Second)

	s := m.Snapshot()
	if s.JobsSucceeded != 2 || s.JobsFailed != 1 {
		t.Fatalf("unexpected job counters: %+v", s)
	}
	if s.AvgJobDuration != 3*time.Second {
		t.Fatalf("expected avg 3s, got %v", s.AvgJobDuration)
	}
}

func TestBasicMetrics_SnapshotZeroJobsHasZeroAverage(t *testing.T) {
	var m BasicMetrics
	if got := m.Snapshot().AvgJobDuration; got != 0 {
		t.Fatalf("expected zero average, got %v", got)
	}
}
