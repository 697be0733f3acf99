package api

import "time"

// EventType identifies a history event.
type EventType string

const (
	EventProcessInstanceStarted EventType = "process.started"
	EventProcessInstanceEnded   EventType = "process.ended"
	EventActivityStarted        EventType = "activity.started"
	EventActivityEnded          EventType = "activity.ended"
	EventJobFailed              EventType = "job.failed"
	EventJobDeadLettered        EventType = "job.dead_lettered"
	EventBatchEnded             EventType = "batch.ended"
)

// HistoryEvent is a minimal append-only history record for audit/debugging.
type HistoryEvent struct {
	ProcessInstanceID   string    `json:"processInstanceId" bson:"process_instance_id"`
	ExecutionID         string    `json:"executionId,omitempty" bson:"execution_id,omitempty"`
	ProcessDefinitionID string    `json:"processDefinitionId,omitempty" bson:"process_definition_id,omitempty"`
	At                  time.Time `json:"at" bson:"at"`
	Type                EventType `json:"type" bson:"type"`
	ActivityID          string    `json:"activityId,omitempty" bson:"activity_id,omitempty"`

	// Small, human-oriented details (e.g. end reason, error string).
	Detail string `json:"detail,omitempty" bson:"detail,omitempty"`
}
