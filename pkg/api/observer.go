package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine, the job scheduler and the
// batch machinery for history, logging and metrics.
//
// Engine callbacks are delivered after the transaction that produced them
// commits. A panicking observer is recovered and never aborts the agenda.
type Observer interface {
	// OnProcessInstanceStart is called once per started process instance.
	OnProcessInstanceStart(ctx context.Context, pi *Execution)

	// OnProcessInstanceEnd is called when the root execution ends or the
	// instance is deleted.
	OnProcessInstanceEnd(ctx context.Context, pi *Execution, reason string)

	// OnActivityStart is called before a node's behavior runs.
	OnActivityStart(ctx context.Context, ex *Execution, activityID string)

	// OnActivityEnd is called when an execution leaves a node.
	OnActivityEnd(ctx context.Context, ex *Execution, activityID string)

	// OnJobExecuted is called after a job handler returns, for both
	// successes and failures (err != nil).
	OnJobExecuted(ctx context.Context, job *Job, err error, duration time.Duration)

	// OnJobDeadLettered is called when a job exhausted its retries.
	OnJobDeadLettered(ctx context.Context, job *DeadLetterJob)

	// OnBatchEnd is called when a batch reaches a terminal status.
	OnBatchEnd(ctx context.Context, batch *Batch)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnProcessInstanceStart(ctx context.Context, pi *Execution)                {}
func (NoopObserver) OnProcessInstanceEnd(ctx context.Context, pi *Execution, reason string)   {}
func (NoopObserver) OnActivityStart(ctx context.Context, ex *Execution, activityID string)    {}
func (NoopObserver) OnActivityEnd(ctx context.Context, ex *Execution, activityID string)      {}
func (NoopObserver) OnJobExecuted(ctx context.Context, job *Job, err error, d time.Duration)  {}
func (NoopObserver) OnJobDeadLettered(ctx context.Context, job *DeadLetterJob)                {}
func (NoopObserver) OnBatchEnd(ctx context.Context, batch *Batch)                             {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnProcessInstanceStart(ctx context.Context, pi *Execution) {
	for _, o := range c.observers {
		o.OnProcessInstanceStart(ctx, pi)
	}
}

func (c *CompositeObserver) OnProcessInstanceEnd(ctx context.Context, pi *Execution, reason string) {
	for _, o := range c.observers {
		o.OnProcessInstanceEnd(ctx, pi, reason)
	}
}

func (c *CompositeObserver) OnActivityStart(ctx context.Context, ex *Execution, activityID string) {
	for _, o := range c.observers {
		o.OnActivityStart(ctx, ex, activityID)
	}
}

func (c *CompositeObserver) OnActivityEnd(ctx context.Context, ex *Execution, activityID string) {
	for _, o := range c.observers {
		o.OnActivityEnd(ctx, ex, activityID)
	}
}

func (c *CompositeObserver) OnJobExecuted(ctx context.Context, job *Job, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnJobExecuted(ctx, job, err, d)
	}
}

func (c *CompositeObserver) OnJobDeadLettered(ctx context.Context, job *DeadLetterJob) {
	for _, o := range c.observers {
		o.OnJobDeadLettered(ctx, job)
	}
}

func (c *CompositeObserver) OnBatchEnd(ctx context.Context, batch *Batch) {
	for _, o := range c.observers {
		o.OnBatchEnd(ctx, batch)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs engine, job and batch
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnProcessInstanceStart(ctx context.Context, pi *Execution) {
	o.Logger.InfoContext(ctx, "process_instance_start",
		slog.String("definition", pi.ProcessDefinitionID),
		slog.String("instance_id", pi.ID),
	)
}

func (o *LoggingObserver) OnProcessInstanceEnd(ctx context.Context, pi *Execution, reason string) {
	o.Logger.InfoContext(ctx, "process_instance_end",
		slog.String("definition", pi.ProcessDefinitionID),
		slog.String("instance_id", pi.ID),
		slog.String("reason", reason),
	)
}

func (o *LoggingObserver) OnActivityStart(ctx context.Context, ex *Execution, activityID string) {
	o.Logger.DebugContext(ctx, "activity_start",
		slog.String("instance_id", ex.ProcessInstanceID),
		slog.String("execution_id", ex.ID),
		slog.String("activity", activityID),
	)
}

func (o *LoggingObserver) OnActivityEnd(ctx context.Context, ex *Execution, activityID string) {
	o.Logger.DebugContext(ctx, "activity_end",
		slog.String("instance_id", ex.ProcessInstanceID),
		slog.String("execution_id", ex.ID),
		slog.String("activity", activityID),
	)
}

func (o *LoggingObserver) OnJobExecuted(ctx context.Context, job *Job, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "job_executed",
		slog.String("job_id", job.ID),
		slog.String("type", job.Type),
		slog.String("correlation_id", job.CorrelationID),
		slog.Int("retries_left", job.RetriesLeft),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnJobDeadLettered(ctx context.Context, job *DeadLetterJob) {
	o.Logger.ErrorContext(ctx, "job_dead_lettered",
		slog.String("job_id", job.ID),
		slog.String("type", job.Type),
		slog.String("correlation_id", job.CorrelationID),
		slog.String("error", job.ExceptionMessage),
	)
}

func (o *LoggingObserver) OnBatchEnd(ctx context.Context, batch *Batch) {
	level := slog.LevelInfo
	if batch.Status == BatchStatusFailed {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "batch_end",
		slog.String("batch_id", batch.ID),
		slog.String("type", batch.Type),
		slog.String("status", string(batch.Status)),
		slog.Int("total_items", batch.TotalItems),
	)
}

// BasicMetrics collects simple counters and aggregate job durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	instancesStarted atomic.Int64
	instancesEnded   atomic.Int64
	activitiesRun    atomic.Int64
	jobsSucceeded    atomic.Int64
	jobsFailed       atomic.Int64
	jobsDeadLettered atomic.Int64
	totalJobDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	InstancesStarted int64
	InstancesEnded   int64
	RunningInstances int64
	ActivitiesRun    int64

	JobsSucceeded    int64
	JobsFailed       int64
	JobsDeadLettered int64
	AvgJobDuration   time.Duration
}

func (m *BasicMetrics) OnProcessInstanceStart(ctx context.Context, pi *Execution) {
	m.instancesStarted.Add(1)
}

func (m *BasicMetrics) OnProcessInstanceEnd(ctx context.Context, pi *Execution, reason string) {
	m.instancesEnded.Add(1)
}

func (m *BasicMetrics) OnActivityStart(ctx context.Context, ex *Execution, activityID string) {
	m.activitiesRun.Add(1)
}

func (m *BasicMetrics) OnJobExecuted(ctx context.Context, job *Job, err error, d time.Duration) {
	if err != nil {
		m.jobsFailed.Add(1)
		return
	}
	// Only successful jobs count towards the average duration.
	m.jobsSucceeded.Add(1)
	m.totalJobDuration.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnJobDeadLettered(ctx context.Context, job *DeadLetterJob) {
	m.jobsDeadLettered.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.instancesStarted.Load()
	ended := m.instancesEnded.Load()
	succeeded := m.jobsSucceeded.Load()
	totalNs := m.totalJobDuration.Load()

	var avg time.Duration
	if succeeded > 0 {
		avg = time.Duration(totalNs / succeeded)
	}

	return BasicMetricsSnapshot{
		InstancesStarted: started,
		InstancesEnded:   ended,
		RunningInstances: started - ended,
		ActivitiesRun:    m.activitiesRun.Load(),
		JobsSucceeded:    succeeded,
		JobsFailed:       m.jobsFailed.Load(),
		JobsDeadLettered: m.jobsDeadLettered.Load(),
		AvgJobDuration:   avg,
	}
}
