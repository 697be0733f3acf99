package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"

	"github.com/petrijr/flowline/internal/metrics"
	"github.com/petrijr/flowline/internal/persistence"
	"github.com/petrijr/flowline/pkg/api"
)

// Job types owned by the batch machinery.
const (
	JobTypeCompute    = "batch-compute"
	JobTypeApply      = "batch-apply"
	JobTypeSequential = "batch-sequential"
	JobTypeStatusPoll = "batch-status-poll"
)

// Operation is a population-scale operation executed in partitions.
// Items are identified by string ids in ascending order.
type Operation interface {
	Name() string
	// Count returns the number of items matched by query.
	Count(ctx context.Context, tx persistence.Tx, query json.RawMessage) (int, error)
	// Page returns up to limit ids greater than afterID, skipping offset
	// ids first.
	Page(ctx context.Context, tx persistence.Tx, query json.RawMessage, afterID string, offset, limit int) ([]string, error)
	// Apply runs the operation on ids inside tx. A business failure is
	// reported with api.PartitionFailure; the partition's writes are then
	// rolled back and the part is marked failed.
	Apply(ctx context.Context, tx persistence.Tx, query json.RawMessage, ids []string) error
}

// Request describes a batch to create.
type Request struct {
	Operation string
	// Query is marshalled to JSON and handed to the operation.
	Query     any
	BatchSize int
	Mode      api.BatchMode

	SearchKey  string
	SearchKey2 string
	TenantID   string
}

// Config describes how to construct a Manager.
type Config struct {
	Store    persistence.Store
	Observer api.Observer
	Logger   *slog.Logger
	Clock    api.Clock

	// PollInterval is the cycle of the parallel status poller.
	PollInterval time.Duration
	// DefaultBatchSize applies to requests without a batch size.
	DefaultBatchSize int
	// JobRetries is the retry budget of batch jobs.
	JobRetries int
}

// Manager creates, drives and cancels batches.
type Manager struct {
	store    persistence.Store
	observer api.Observer
	logger   *slog.Logger
	clock    api.Clock

	pollInterval time.Duration
	batchSize    int
	jobRetries   int

	mu  sync.RWMutex
	ops map[string]Operation
}

// NewManager creates a Manager. Store is required.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		store:        cfg.Store,
		observer:     cfg.Observer,
		logger:       cfg.Logger,
		clock:        cfg.Clock,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.DefaultBatchSize,
		jobRetries:   cfg.JobRetries,
		ops:          make(map[string]Operation),
	}
	if m.observer == nil {
		m.observer = api.NoopObserver{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.clock == nil {
		m.clock = api.SystemClock
	}
	if m.pollInterval <= 0 {
		m.pollInterval = 30 * time.Second
	}
	if m.batchSize <= 0 {
		m.batchSize = 100
	}
	if m.jobRetries <= 0 {
		m.jobRetries = api.DefaultRetryPolicy.MaxAttempts
	}
	return m
}

// RegisterOperation makes op available to CreateBatch under op.Name().
func (m *Manager) RegisterOperation(op Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.ops[op.Name()]; exists {
		return fmt.Errorf("batch operation already registered: %s", op.Name())
	}
	m.ops[op.Name()] = op
	return nil
}

func (m *Manager) operation(name string) (Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	op, ok := m.ops[name]
	if !ok {
		return nil, fmt.Errorf("unknown batch operation %q", name)
	}
	return op, nil
}

// batchConfig is stored in Batch.ConfigurationJSON.
type batchConfig struct {
	Query json.RawMessage `json:"query,omitempty"`
}

func decodeBatchConfig(b *api.Batch) (batchConfig, error) {
	var cfg batchConfig
	if b.ConfigurationJSON == "" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(b.ConfigurationJSON), &cfg); err != nil {
		return cfg, fmt.Errorf("batch %s: decode configuration: %w", b.ID, err)
	}
	return cfg, nil
}

// CreateBatch counts the matching items and schedules the partitions.
func (m *Manager) CreateBatch(ctx context.Context, req Request) (*api.Batch, error) {
	op, err := m.operation(req.Operation)
	if err != nil {
		return nil, err
	}
	mode := req.Mode
	if mode == "" {
		mode = api.BatchModeParallel
	}
	if mode != api.BatchModeParallel && mode != api.BatchModeSequential {
		return nil, fmt.Errorf("unknown batch mode %q", mode)
	}
	size := req.BatchSize
	if size <= 0 {
		size = m.batchSize
	}
	query, err := json.Marshal(req.Query)
	if err != nil {
		return nil, fmt.Errorf("encode batch query: %w", err)
	}
	cfgJSON, err := json.Marshal(batchConfig{Query: query})
	if err != nil {
		return nil, err
	}

	ctx, span := metrics.StartSpan(ctx, "batch/CreateBatch")
	defer span.End()

	now := m.clock.Now()
	b := &api.Batch{
		ID:                uuid.NewString(),
		Type:              op.Name(),
		Mode:              mode,
		Status:            api.BatchStatusInProgress,
		ConfigurationJSON: string(cfgJSON),
		SearchKey:         req.SearchKey,
		SearchKey2:        req.SearchKey2,
		TenantID:          req.TenantID,
		BatchSize:         size,
		CreateTime:        now,
	}

	err = persistence.InTx(ctx, m.store, func(tx persistence.Tx) error {
		total, err := op.Count(ctx, tx, query)
		if err != nil {
			return err
		}
		b.TotalItems = total

		if mode == api.BatchModeSequential {
			b.Phase = api.PhaseSequential
			if err := tx.Batches().InsertBatch(ctx, b); err != nil {
				return err
			}
			return m.schedulePart(ctx, tx, b, api.PhaseSequential, "1", "", JobTypeSequential)
		}

		b.Phase = api.PhaseCompute
		if total == 0 {
			b.Status = api.BatchStatusCompleted
			b.CompleteTime = &now
			if err := tx.Batches().InsertBatch(ctx, b); err != nil {
				return err
			}
			m.notifyEnd(tx, b)
			return nil
		}
		if err := tx.Batches().InsertBatch(ctx, b); err != nil {
			return err
		}
		parts := (total + size - 1) / size
		for i := 0; i < parts; i++ {
			if err := m.schedulePart(ctx, tx, b, api.PhaseCompute, strconv.Itoa(i), "", JobTypeCompute); err != nil {
				return err
			}
		}
		return tx.Jobs().Insert(ctx, &api.Job{
			ID:            ksuid.New().String(),
			Type:          JobTypeStatusPoll,
			CorrelationID: b.ID,
			TenantID:      b.TenantID,
			DueDate:       now.Add(m.pollInterval),
			RetriesLeft:   m.jobRetries,
			Repeat:        m.pollInterval.String(),
			CreatedAt:     now,
		})
	})
	if err != nil {
		metrics.RecordError(span, err)
		return nil, err
	}

	m.logger.Info("batch created",
		slog.String("batch_id", b.ID),
		slog.String("type", b.Type),
		slog.String("mode", string(b.Mode)),
		slog.Int("total_items", b.TotalItems),
		slog.Int("batch_size", b.BatchSize),
	)
	return b, nil
}

// schedulePart inserts a waiting part and the job that drives it.
func (m *Manager) schedulePart(ctx context.Context, tx persistence.Tx, b *api.Batch, phase, searchKey, searchKey2, jobType string) error {
	now := m.clock.Now()
	p := &api.BatchPart{
		ID:         uuid.NewString(),
		BatchID:    b.ID,
		Type:       phase,
		SearchKey:  searchKey,
		SearchKey2: searchKey2,
		Status:     api.BatchStatusWaiting,
		TenantID:   b.TenantID,
		CreateTime: now,
	}
	if err := tx.Batches().InsertPart(ctx, p); err != nil {
		return err
	}
	return tx.Jobs().Insert(ctx, &api.Job{
		ID:            ksuid.New().String(),
		Type:          jobType,
		CorrelationID: p.ID,
		TenantID:      b.TenantID,
		DueDate:       now,
		RetriesLeft:   m.jobRetries,
		CreatedAt:     now,
	})
}

// CancelBatch stops a batch: its pending jobs are deleted and running
// parts finish without effect.
func (m *Manager) CancelBatch(ctx context.Context, id string) error {
	return persistence.InTx(ctx, m.store, func(tx persistence.Tx) error {
		b, err := tx.Batches().GetBatch(ctx, id)
		if err != nil {
			return err
		}
		if b.Status.IsTerminal() {
			return fmt.Errorf("batch %s is already %s", id, b.Status)
		}
		parts, err := tx.Batches().ListParts(ctx, id, "")
		if err != nil {
			return err
		}
		for _, p := range parts {
			if _, err := tx.Jobs().DeleteByCorrelation(ctx, p.ID, ""); err != nil {
				return err
			}
		}
		if _, err := tx.Jobs().DeleteByCorrelation(ctx, id, JobTypeStatusPoll); err != nil {
			return err
		}
		return m.finish(ctx, tx, b, api.BatchStatusStopped)
	})
}

// finish moves b to a terminal status.
func (m *Manager) finish(ctx context.Context, tx persistence.Tx, b *api.Batch, status api.BatchStatus) error {
	now := m.clock.Now()
	b.Status = status
	b.CompleteTime = &now
	if err := tx.Batches().UpdateBatch(ctx, b); err != nil {
		return err
	}
	m.notifyEnd(tx, b)
	return nil
}

func (m *Manager) notifyEnd(tx persistence.Tx, b *api.Batch) {
	snap := *b
	obs := m.observer
	logger := m.logger
	tx.AfterCommit(func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("observer panicked", slog.Any("panic", r))
			}
		}()
		obs.OnBatchEnd(context.Background(), &snap)
	})
}

func (m *Manager) GetBatch(ctx context.Context, id string) (*api.Batch, error) {
	var b *api.Batch
	err := persistence.InTx(ctx, m.store, func(tx persistence.Tx) error {
		var err error
		b, err = tx.Batches().GetBatch(ctx, id)
		return err
	})
	return b, err
}

func (m *Manager) ListBatches(ctx context.Context, q api.BatchQuery) ([]*api.Batch, error) {
	var out []*api.Batch
	err := persistence.InTx(ctx, m.store, func(tx persistence.Tx) error {
		var err error
		out, err = tx.Batches().ListBatches(ctx, q)
		return err
	})
	return out, err
}

// ListParts returns the parts of a batch, filtered by phase when phase is
// not empty.
func (m *Manager) ListParts(ctx context.Context, batchID, phase string) ([]*api.BatchPart, error) {
	var out []*api.BatchPart
	err := persistence.InTx(ctx, m.store, func(tx persistence.Tx) error {
		if _, err := tx.Batches().GetBatch(ctx, batchID); err != nil {
			return err
		}
		var err error
		out, err = tx.Batches().ListParts(ctx, batchID, phase)
		return err
	})
	if errors.Is(err, api.ErrBatchNotFound) {
		return nil, fmt.Errorf("%w: %s", api.ErrBatchNotFound, batchID)
	}
	return out, err
}
