package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/petrijr/flowline/internal/persistence"
	"github.com/petrijr/flowline/pkg/api"
)

// Names of the built-in operations.
const (
	OperationDeleteProcessInstances  = "delete-process-instances"
	OperationMigrateProcessInstances = "migrate-process-instances"
)

// ProcessInstanceQuery selects process instances for the built-in
// operations. Empty fields do not filter.
type ProcessInstanceQuery struct {
	ProcessDefinitionKey string `json:"processDefinitionKey,omitempty"`
	ProcessDefinitionID  string `json:"processDefinitionId,omitempty"`

	// Reason is recorded when instances are deleted.
	Reason string `json:"reason,omitempty"`
	// TargetDefinitionID is the definition instances are migrated to.
	TargetDefinitionID string `json:"targetDefinitionId,omitempty"`
}

func decodeInstanceQuery(raw json.RawMessage) (ProcessInstanceQuery, error) {
	var q ProcessInstanceQuery
	if len(raw) == 0 || string(raw) == "null" {
		return q, nil
	}
	if err := json.Unmarshal(raw, &q); err != nil {
		return q, fmt.Errorf("decode process instance query: %w", err)
	}
	return q, nil
}

func (q ProcessInstanceQuery) executions() api.ExecutionQuery {
	return api.ExecutionQuery{
		ProcessDefinitionKey: q.ProcessDefinitionKey,
		ProcessDefinitionID:  q.ProcessDefinitionID,
		RootsOnly:            true,
	}
}

// instanceSelection implements Count and Page over root executions.
type instanceSelection struct{}

func (instanceSelection) Count(ctx context.Context, tx persistence.Tx, query json.RawMessage) (int, error) {
	q, err := decodeInstanceQuery(query)
	if err != nil {
		return 0, err
	}
	return tx.Executions().Count(ctx, q.executions())
}

func (instanceSelection) Page(ctx context.Context, tx persistence.Tx, query json.RawMessage, afterID string, offset, limit int) ([]string, error) {
	q, err := decodeInstanceQuery(query)
	if err != nil {
		return nil, err
	}
	eq := q.executions()
	eq.AfterID = afterID
	eq.Offset = offset
	eq.Limit = limit
	roots, err := tx.Executions().List(ctx, eq)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(roots))
	for _, r := range roots {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// InstanceDeleter deletes a process instance inside a transaction.
type InstanceDeleter interface {
	DeleteProcessInstanceTx(ctx context.Context, tx persistence.Tx, processInstanceID, reason string) error
}

// DeleteProcessInstances deletes every matching process instance.
type DeleteProcessInstances struct {
	instanceSelection
	Engine InstanceDeleter
}

func (DeleteProcessInstances) Name() string { return OperationDeleteProcessInstances }

func (op DeleteProcessInstances) Apply(ctx context.Context, tx persistence.Tx, query json.RawMessage, ids []string) error {
	q, err := decodeInstanceQuery(query)
	if err != nil {
		return err
	}
	reason := q.Reason
	if reason == "" {
		reason = "batch deleted"
	}
	for _, id := range ids {
		err := op.Engine.DeleteProcessInstanceTx(ctx, tx, id, reason)
		if errors.Is(err, api.ErrExecutionNotFound) {
			// Ended since the partition was computed.
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// InstanceMigrator moves a process instance to another definition inside
// a transaction.
type InstanceMigrator interface {
	MigrateProcessInstanceTx(ctx context.Context, tx persistence.Tx, processInstanceID, targetDefinitionID string) error
}

// MigrateProcessInstances moves every matching instance to
// TargetDefinitionID. A partition containing an instance that cannot be
// migrated fails as a whole.
type MigrateProcessInstances struct {
	instanceSelection
	Engine InstanceMigrator
}

func (MigrateProcessInstances) Name() string { return OperationMigrateProcessInstances }

func (op MigrateProcessInstances) Apply(ctx context.Context, tx persistence.Tx, query json.RawMessage, ids []string) error {
	q, err := decodeInstanceQuery(query)
	if err != nil {
		return err
	}
	if q.TargetDefinitionID == "" {
		return api.PartitionFailure(errors.New("targetDefinitionId is required"))
	}

	var result *multierror.Error
	for _, id := range ids {
		err := op.Engine.MigrateProcessInstanceTx(ctx, tx, id, q.TargetDefinitionID)
		if errors.Is(err, api.ErrExecutionNotFound) {
			continue
		}
		if errors.Is(err, api.ErrOptimisticLock) {
			return err
		}
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("instance %s: %w", id, err))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return api.PartitionFailure(err)
	}
	return nil
}
