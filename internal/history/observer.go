// Package history records process, job and batch lifecycle events into a
// persistence.EventStore.
package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/petrijr/flowline/internal/persistence"
	"github.com/petrijr/flowline/pkg/api"
)

// Observer appends a HistoryEvent for every callback it receives. Append
// failures are logged and otherwise ignored: history never fails the
// operation that produced it.
//
// Events are keyed by process instance id. Jobs without an instance are
// keyed by their correlation id and batch events by the batch id.
type Observer struct {
	store  persistence.EventStore
	logger *slog.Logger
	clock  api.Clock
}

var _ api.Observer = (*Observer)(nil)

// NewObserver creates an Observer writing to store. A nil logger uses
// slog.Default and a nil clock the system clock.
func NewObserver(store persistence.EventStore, logger *slog.Logger, clock api.Clock) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = api.SystemClock
	}
	return &Observer{store: store, logger: logger, clock: clock}
}

func (o *Observer) append(ctx context.Context, ev api.HistoryEvent) {
	if ev.At.IsZero() {
		ev.At = o.clock.Now()
	}
	if err := o.store.AppendEvent(ctx, ev); err != nil {
		o.logger.WarnContext(ctx, "history append failed",
			slog.String("instance_id", ev.ProcessInstanceID),
			slog.String("type", string(ev.Type)),
			slog.Any("error", err),
		)
	}
}

func (o *Observer) OnProcessInstanceStart(ctx context.Context, pi *api.Execution) {
	o.append(ctx, api.HistoryEvent{
		ProcessInstanceID:   pi.ID,
		ExecutionID:         pi.ID,
		ProcessDefinitionID: pi.ProcessDefinitionID,
		Type:                api.EventProcessInstanceStarted,
	})
}

func (o *Observer) OnProcessInstanceEnd(ctx context.Context, pi *api.Execution, reason string) {
	o.append(ctx, api.HistoryEvent{
		ProcessInstanceID:   pi.ID,
		ExecutionID:         pi.ID,
		ProcessDefinitionID: pi.ProcessDefinitionID,
		Type:                api.EventProcessInstanceEnded,
		Detail:              reason,
	})
}

func (o *Observer) OnActivityStart(ctx context.Context, ex *api.Execution, activityID string) {
	o.append(ctx, api.HistoryEvent{
		ProcessInstanceID:   ex.ProcessInstanceID,
		ExecutionID:         ex.ID,
		ProcessDefinitionID: ex.ProcessDefinitionID,
		Type:                api.EventActivityStarted,
		ActivityID:          activityID,
	})
}

func (o *Observer) OnActivityEnd(ctx context.Context, ex *api.Execution, activityID string) {
	o.append(ctx, api.HistoryEvent{
		ProcessInstanceID:   ex.ProcessInstanceID,
		ExecutionID:         ex.ID,
		ProcessDefinitionID: ex.ProcessDefinitionID,
		Type:                api.EventActivityEnded,
		ActivityID:          activityID,
	})
}

// OnJobExecuted records failed attempts only.
func (o *Observer) OnJobExecuted(ctx context.Context, job *api.Job, err error, d time.Duration) {
	if err == nil {
		return
	}
	o.append(ctx, api.HistoryEvent{
		ProcessInstanceID:   jobKey(job),
		ProcessDefinitionID: job.ProcessDefinitionID,
		Type:                api.EventJobFailed,
		Detail:              job.Type + ": " + err.Error(),
	})
}

func (o *Observer) OnJobDeadLettered(ctx context.Context, job *api.DeadLetterJob) {
	o.append(ctx, api.HistoryEvent{
		ProcessInstanceID:   jobKey(&job.Job),
		ProcessDefinitionID: job.ProcessDefinitionID,
		At:                  job.FailedAt,
		Type:                api.EventJobDeadLettered,
		Detail:              job.Type + ": " + job.ExceptionMessage,
	})
}

func (o *Observer) OnBatchEnd(ctx context.Context, b *api.Batch) {
	ev := api.HistoryEvent{
		ProcessInstanceID: b.ID,
		Type:              api.EventBatchEnded,
		Detail:            b.Type + ": " + string(b.Status),
	}
	if b.CompleteTime != nil {
		ev.At = *b.CompleteTime
	}
	o.append(ctx, ev)
}

func jobKey(job *api.Job) string {
	if job.ProcessInstanceID != "" {
		return job.ProcessInstanceID
	}
	return job.CorrelationID
}
