package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/petrijr/flowline/internal/metrics"
	"github.com/petrijr/flowline/internal/persistence"
	"github.com/petrijr/flowline/pkg/api"
	"github.com/petrijr/flowline/pkg/worker"
)

// partResult is stored in BatchPart.ResultDocumentJSON.
type partResult struct {
	IDs   []string `json:"ids,omitempty"`
	Count int      `json:"count"`
	Last  string   `json:"last,omitempty"`
	Error string   `json:"error,omitempty"`
}

func encodeResult(r partResult) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeResult(p *api.BatchPart) (partResult, error) {
	var r partResult
	if p.ResultDocumentJSON == "" {
		return r, nil
	}
	if err := json.Unmarshal([]byte(p.ResultDocumentJSON), &r); err != nil {
		return r, fmt.Errorf("part %s: decode result: %w", p.ID, err)
	}
	return r, nil
}

// Handlers returns the batch job handlers, to be registered on a worker.
func (m *Manager) Handlers() []worker.Handler {
	return []worker.Handler{
		&partHandler{m: m, jobType: JobTypeCompute, run: m.runCompute},
		&partHandler{m: m, jobType: JobTypeApply, run: m.runApply},
		&partHandler{m: m, jobType: JobTypeSequential, run: m.runSequential},
		&pollHandler{m: m},
	}
}

// partHandler drives one batch part. The job is correlated to the part.
type partHandler struct {
	m       *Manager
	jobType string
	run     func(ctx context.Context, tx persistence.Tx, b *api.Batch, p *api.BatchPart) error
}

func (h *partHandler) Type() string { return h.jobType }

func (h *partHandler) Execute(ctx context.Context, tx persistence.Tx, job *api.Job) error {
	ctx, span := metrics.StartSpan(ctx, "batch/"+h.jobType)
	defer span.End()

	b, p, err := h.m.load(ctx, tx, job.CorrelationID)
	if err != nil {
		metrics.RecordError(span, err)
		return err
	}
	if b == nil || b.Status.IsTerminal() || p.IsComplete() {
		return nil
	}
	if err := h.run(ctx, tx, b, p); err != nil {
		metrics.RecordError(span, err)
		return err
	}
	return nil
}

// OnDeadLetter settles the part as failed. A failed sequential part fails
// its batch at once; parallel batches settle when the poller sees every
// part complete.
func (h *partHandler) OnDeadLetter(ctx context.Context, tx persistence.Tx, job *api.DeadLetterJob) error {
	b, p, err := h.m.load(ctx, tx, job.CorrelationID)
	if err != nil || b == nil || p.IsComplete() {
		return err
	}
	if err := h.m.completePart(ctx, tx, p, api.BatchStatusFailed, partResult{Error: job.ExceptionMessage}); err != nil {
		return err
	}
	h.m.logger.Warn("batch part failed",
		slog.String("batch_id", b.ID),
		slog.String("part_id", p.ID),
		slog.String("phase", p.Type),
		slog.String("error", job.ExceptionMessage),
	)
	if b.Mode == api.BatchModeSequential && !b.Status.IsTerminal() {
		return h.m.finish(ctx, tx, b, api.BatchStatusFailed)
	}
	return nil
}

// load returns the part and its batch. A nil batch means the part is gone.
func (m *Manager) load(ctx context.Context, tx persistence.Tx, partID string) (*api.Batch, *api.BatchPart, error) {
	p, err := tx.Batches().GetPart(ctx, partID)
	if errors.Is(err, api.ErrBatchNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	b, err := tx.Batches().GetBatch(ctx, p.BatchID)
	if err != nil {
		return nil, nil, err
	}
	return b, p, nil
}

func (m *Manager) completePart(ctx context.Context, tx persistence.Tx, p *api.BatchPart, status api.BatchStatus, r partResult) error {
	doc, err := encodeResult(r)
	if err != nil {
		return err
	}
	now := m.clock.Now()
	p.Status = status
	p.ResultDocumentJSON = doc
	p.CompleteTime = &now
	return tx.Batches().UpdatePart(ctx, p)
}

// runCompute resolves the ids of one partition.
func (m *Manager) runCompute(ctx context.Context, tx persistence.Tx, b *api.Batch, p *api.BatchPart) error {
	op, err := m.operation(b.Type)
	if err != nil {
		return err
	}
	cfg, err := decodeBatchConfig(b)
	if err != nil {
		return err
	}
	index, err := strconv.Atoi(p.SearchKey)
	if err != nil {
		return fmt.Errorf("part %s: invalid partition index %q", p.ID, p.SearchKey)
	}
	ids, err := op.Page(ctx, tx, cfg.Query, "", index*b.BatchSize, b.BatchSize)
	if err != nil {
		return err
	}
	return m.completePart(ctx, tx, p, api.BatchStatusCompleted, partResult{IDs: ids, Count: len(ids)})
}

// runApply runs the operation on the ids its compute part resolved.
func (m *Manager) runApply(ctx context.Context, tx persistence.Tx, b *api.Batch, p *api.BatchPart) error {
	op, err := m.operation(b.Type)
	if err != nil {
		return err
	}
	cfg, err := decodeBatchConfig(b)
	if err != nil {
		return err
	}
	source, err := tx.Batches().GetPart(ctx, p.SearchKey)
	if err != nil {
		return fmt.Errorf("part %s: compute part %s: %w", p.ID, p.SearchKey, err)
	}
	computed, err := decodeResult(source)
	if err != nil {
		return err
	}
	if err := op.Apply(ctx, tx, cfg.Query, computed.IDs); err != nil {
		return err
	}
	return m.completePart(ctx, tx, p, api.BatchStatusCompleted, partResult{Count: len(computed.IDs)})
}

// runSequential processes the next page after the part's cursor and
// chains the successor part. One extra id is read ahead so that the last
// full page does not spawn an empty successor.
func (m *Manager) runSequential(ctx context.Context, tx persistence.Tx, b *api.Batch, p *api.BatchPart) error {
	op, err := m.operation(b.Type)
	if err != nil {
		return err
	}
	cfg, err := decodeBatchConfig(b)
	if err != nil {
		return err
	}
	index, err := strconv.Atoi(p.SearchKey)
	if err != nil {
		return fmt.Errorf("part %s: invalid partition index %q", p.ID, p.SearchKey)
	}

	ids, err := op.Page(ctx, tx, cfg.Query, p.SearchKey2, 0, b.BatchSize+1)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		if err := m.completePart(ctx, tx, p, api.BatchStatusCompleted, partResult{}); err != nil {
			return err
		}
		return m.finish(ctx, tx, b, api.BatchStatusCompleted)
	}

	more := len(ids) > b.BatchSize
	if more {
		ids = ids[:b.BatchSize]
	}
	if err := op.Apply(ctx, tx, cfg.Query, ids); err != nil {
		return err
	}
	last := ids[len(ids)-1]
	if err := m.completePart(ctx, tx, p, api.BatchStatusCompleted, partResult{Count: len(ids), Last: last}); err != nil {
		return err
	}
	if !more {
		return m.finish(ctx, tx, b, api.BatchStatusCompleted)
	}
	return m.schedulePart(ctx, tx, b, api.PhaseSequential, strconv.Itoa(index+1), last, JobTypeSequential)
}

// pollHandler aggregates part status of a parallel batch. It runs on a
// repeating job correlated to the batch and stops repeating once the batch
// is terminal.
type pollHandler struct {
	m *Manager
}

func (h *pollHandler) Type() string { return JobTypeStatusPoll }

func (h *pollHandler) Execute(ctx context.Context, tx persistence.Tx, job *api.Job) error {
	m := h.m
	b, err := tx.Batches().GetBatch(ctx, job.CorrelationID)
	if errors.Is(err, api.ErrBatchNotFound) {
		job.Repeat = ""
		return nil
	}
	if err != nil {
		return err
	}
	if b.Status.IsTerminal() {
		job.Repeat = ""
		return nil
	}

	parts, err := tx.Batches().ListParts(ctx, b.ID, b.Phase)
	if err != nil {
		return err
	}
	failed := 0
	for _, p := range parts {
		if !p.IsComplete() {
			return nil
		}
		if p.Status == api.BatchStatusFailed {
			failed++
		}
	}

	if failed > 0 {
		job.Repeat = ""
		return m.finish(ctx, tx, b, api.BatchStatusFailed)
	}
	if b.Phase == api.PhaseApply {
		job.Repeat = ""
		return m.finish(ctx, tx, b, api.BatchStatusCompleted)
	}

	// Every compute part succeeded: fan out one apply part per result.
	scheduled := 0
	for _, p := range parts {
		r, err := decodeResult(p)
		if err != nil {
			return err
		}
		if len(r.IDs) == 0 {
			continue
		}
		if err := m.schedulePart(ctx, tx, b, api.PhaseApply, p.ID, "", JobTypeApply); err != nil {
			return err
		}
		scheduled++
	}
	if scheduled == 0 {
		job.Repeat = ""
		return m.finish(ctx, tx, b, api.BatchStatusCompleted)
	}
	b.Phase = api.PhaseApply
	if err := tx.Batches().UpdateBatch(ctx, b); err != nil {
		return err
	}
	m.logger.Debug("batch apply phase scheduled",
		slog.String("batch_id", b.ID),
		slog.Int("parts", scheduled),
	)
	return nil
}
