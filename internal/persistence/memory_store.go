package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/petrijr/flowline/pkg/api"
)

// ErrTxDone is returned by operations on a committed or rolled back
// transaction.
var ErrTxDone = errors.New("transaction has already been committed or rolled back")

// MemoryStore is a goroutine-safe Store backed by maps.
//
// Transactions are fully serialized: Begin blocks until the previous
// transaction finished, and each transaction works on a private copy of the
// state that replaces the shared state on Commit. A goroutine must therefore
// never open a second transaction while it still holds one.
type MemoryStore struct {
	sem   chan struct{}
	state *memoryState
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

type memoryState struct {
	executions  map[string]*api.Execution
	jobs        map[string]*api.Job
	deadLetters map[string]*api.DeadLetterJob
	batches     map[string]*api.Batch
	parts       map[string]*api.BatchPart
	partOrder   map[string]int64
	seq         int64
}

// Records in the maps are never mutated in place, so copying the maps is
// enough to isolate a transaction.
func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		executions:  make(map[string]*api.Execution, len(s.executions)),
		jobs:        make(map[string]*api.Job, len(s.jobs)),
		deadLetters: make(map[string]*api.DeadLetterJob, len(s.deadLetters)),
		batches:     make(map[string]*api.Batch, len(s.batches)),
		parts:       make(map[string]*api.BatchPart, len(s.parts)),
		partOrder:   make(map[string]int64, len(s.partOrder)),
		seq:         s.seq,
	}
	for k, v := range s.executions {
		c.executions[k] = v
	}
	for k, v := range s.jobs {
		c.jobs[k] = v
	}
	for k, v := range s.deadLetters {
		c.deadLetters[k] = v
	}
	for k, v := range s.batches {
		c.batches[k] = v
	}
	for k, v := range s.parts {
		c.parts[k] = v
	}
	for k, v := range s.partOrder {
		c.partOrder[k] = v
	}
	return c
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sem: make(chan struct{}, 1),
		state: (&memoryState{
			executions:  map[string]*api.Execution{},
			jobs:        map[string]*api.Job{},
			deadLetters: map[string]*api.DeadLetterJob{},
			batches:     map[string]*api.Batch{},
			parts:       map[string]*api.BatchPart{},
			partOrder:   map[string]int64{},
		}),
	}
}

func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &memoryTx{store: s, state: s.state.clone()}, nil
}

type memoryTx struct {
	store       *MemoryStore
	state       *memoryState
	done        bool
	afterCommit []func()
}

func (tx *memoryTx) Executions() ExecutionStore { return memoryExecutions{tx} }
func (tx *memoryTx) Jobs() JobStore             { return memoryJobs{tx} }
func (tx *memoryTx) Batches() BatchStore        { return memoryBatches{tx} }

func (tx *memoryTx) AfterCommit(fn func()) {
	tx.afterCommit = append(tx.afterCommit, fn)
}

func (tx *memoryTx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	tx.store.state = tx.state
	<-tx.store.sem

	for _, fn := range tx.afterCommit {
		fn()
	}
	return nil
}

func (tx *memoryTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.afterCommit = nil
	<-tx.store.sem
	return nil
}

func (tx *memoryTx) check() error {
	if tx.done {
		return ErrTxDone
	}
	return nil
}

//
// Executions
//

type memoryExecutions struct{ tx *memoryTx }

func copyExecution(ex *api.Execution) (*api.Execution, error) {
	c := ex.Clone()
	vars, err := normalizeVariables(ex.Variables)
	if err != nil {
		return nil, fmt.Errorf("encode variables of execution %s: %w", ex.ID, err)
	}
	c.Variables = vars
	return c, nil
}

func (m memoryExecutions) Insert(ctx context.Context, ex *api.Execution) error {
	if err := m.tx.check(); err != nil {
		return err
	}
	if _, ok := m.tx.state.executions[ex.ID]; ok {
		return fmt.Errorf("execution %s already exists", ex.ID)
	}
	c, err := copyExecution(ex)
	if err != nil {
		return err
	}
	c.Version = 1
	m.tx.state.executions[ex.ID] = c
	ex.Version = 1
	return nil
}

func (m memoryExecutions) Update(ctx context.Context, ex *api.Execution) error {
	if err := m.tx.check(); err != nil {
		return err
	}
	cur, ok := m.tx.state.executions[ex.ID]
	if !ok {
		return api.ErrExecutionNotFound
	}
	if cur.Version != ex.Version {
		return fmt.Errorf("execution %s: %w", ex.ID, api.ErrOptimisticLock)
	}
	c, err := copyExecution(ex)
	if err != nil {
		return err
	}
	c.Version = cur.Version + 1
	m.tx.state.executions[ex.ID] = c
	ex.Version = c.Version
	return nil
}

func (m memoryExecutions) Get(ctx context.Context, id string) (*api.Execution, error) {
	if err := m.tx.check(); err != nil {
		return nil, err
	}
	cur, ok := m.tx.state.executions[id]
	if !ok {
		return nil, api.ErrExecutionNotFound
	}
	return copyExecution(cur)
}

func (m memoryExecutions) Delete(ctx context.Context, id string) error {
	if err := m.tx.check(); err != nil {
		return err
	}
	delete(m.tx.state.executions, id)
	return nil
}

func matchExecution(q api.ExecutionQuery, ex *api.Execution) bool {
	if q.ProcessInstanceID != "" && ex.ProcessInstanceID != q.ProcessInstanceID {
		return false
	}
	if q.ProcessDefinitionID != "" && ex.ProcessDefinitionID != q.ProcessDefinitionID {
		return false
	}
	if q.ProcessDefinitionKey != "" && !strings.HasPrefix(ex.ProcessDefinitionID, q.ProcessDefinitionKey+":") {
		return false
	}
	if q.ParentID != "" && ex.ParentID != q.ParentID {
		return false
	}
	if q.RootsOnly && ex.ParentID != "" {
		return false
	}
	if q.AfterID != "" && ex.ID <= q.AfterID {
		return false
	}
	return true
}

func (m memoryExecutions) matching(q api.ExecutionQuery) []*api.Execution {
	var out []*api.Execution
	for _, ex := range m.tx.state.executions {
		if matchExecution(q, ex) {
			out = append(out, ex)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m memoryExecutions) List(ctx context.Context, q api.ExecutionQuery) ([]*api.Execution, error) {
	if err := m.tx.check(); err != nil {
		return nil, err
	}
	matched := m.matching(q)
	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	out := make([]*api.Execution, 0, len(matched))
	for _, ex := range matched {
		c, err := copyExecution(ex)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (m memoryExecutions) Count(ctx context.Context, q api.ExecutionQuery) (int, error) {
	if err := m.tx.check(); err != nil {
		return 0, err
	}
	return len(m.matching(q)), nil
}

func (m memoryExecutions) DeleteByProcessInstance(ctx context.Context, processInstanceID string) (int, error) {
	if err := m.tx.check(); err != nil {
		return 0, err
	}
	n := 0
	for id, ex := range m.tx.state.executions {
		if ex.ProcessInstanceID == processInstanceID {
			delete(m.tx.state.executions, id)
			n++
		}
	}
	return n, nil
}

func (m memoryExecutions) DecrementPendingBranches(ctx context.Context, id string) (int, error) {
	if err := m.tx.check(); err != nil {
		return 0, err
	}
	cur, ok := m.tx.state.executions[id]
	if !ok {
		return 0, api.ErrExecutionNotFound
	}
	c := cur.Clone()
	c.PendingBranches--
	c.Version++
	m.tx.state.executions[id] = c
	return c.PendingBranches, nil
}

//
// Jobs
//

type memoryJobs struct{ tx *memoryTx }

func matchJob(q api.JobQuery, j *api.Job) bool {
	if q.Type != "" && j.Type != q.Type {
		return false
	}
	if q.CorrelationID != "" && j.CorrelationID != q.CorrelationID {
		return false
	}
	if q.ProcessInstanceID != "" && j.ProcessInstanceID != q.ProcessInstanceID {
		return false
	}
	return true
}

func sortJobs(jobs []*api.Job) {
	sort.Slice(jobs, func(i, k int) bool {
		if !jobs[i].DueDate.Equal(jobs[k].DueDate) {
			return jobs[i].DueDate.Before(jobs[k].DueDate)
		}
		return jobs[i].ID < jobs[k].ID
	})
}

func (m memoryJobs) Insert(ctx context.Context, job *api.Job) error {
	if err := m.tx.check(); err != nil {
		return err
	}
	if _, ok := m.tx.state.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	c := job.Clone()
	c.Version = 1
	m.tx.state.jobs[job.ID] = c
	job.Version = 1
	return nil
}

func (m memoryJobs) Get(ctx context.Context, id string) (*api.Job, error) {
	if err := m.tx.check(); err != nil {
		return nil, err
	}
	j, ok := m.tx.state.jobs[id]
	if !ok {
		return nil, api.ErrJobNotFound
	}
	return j.Clone(), nil
}

func (m memoryJobs) List(ctx context.Context, q api.JobQuery) ([]*api.Job, error) {
	if err := m.tx.check(); err != nil {
		return nil, err
	}
	var out []*api.Job
	for _, j := range m.tx.state.jobs {
		if matchJob(q, j) {
			out = append(out, j.Clone())
		}
	}
	sortJobs(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m memoryJobs) Acquire(ctx context.Context, owner string, now time.Time, ttl time.Duration, limit int) ([]*api.Job, error) {
	if err := m.tx.check(); err != nil {
		return nil, err
	}
	var due []*api.Job
	for _, j := range m.tx.state.jobs {
		if j.DueDate.After(now) || j.IsLocked(now) {
			continue
		}
		due = append(due, j)
	}
	sortJobs(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*api.Job, 0, len(due))
	for _, j := range due {
		c := j.Clone()
		c.LockOwner = owner
		c.LockExpiresAt = now.Add(ttl)
		c.Version++
		m.tx.state.jobs[c.ID] = c
		out = append(out, c.Clone())
	}
	return out, nil
}

func (m memoryJobs) held(job *api.Job) (*api.Job, error) {
	cur, ok := m.tx.state.jobs[job.ID]
	if !ok || cur.LockOwner != job.LockOwner || cur.Version != job.Version {
		return nil, fmt.Errorf("job %s: %w", job.ID, api.ErrJobLockLost)
	}
	return cur, nil
}

func (m memoryJobs) Complete(ctx context.Context, job *api.Job) error {
	if err := m.tx.check(); err != nil {
		return err
	}
	if _, err := m.held(job); err != nil {
		return err
	}
	delete(m.tx.state.jobs, job.ID)
	return nil
}

func (m memoryJobs) Release(ctx context.Context, job *api.Job) error {
	if err := m.tx.check(); err != nil {
		return err
	}
	cur, err := m.held(job)
	if err != nil {
		return err
	}
	c := job.Clone()
	c.LockOwner = ""
	c.LockExpiresAt = time.Time{}
	c.Version = cur.Version + 1
	m.tx.state.jobs[job.ID] = c

	job.LockOwner = ""
	job.LockExpiresAt = time.Time{}
	job.Version = c.Version
	return nil
}

func (m memoryJobs) DeadLetter(ctx context.Context, job *api.Job, failedAt time.Time) (*api.DeadLetterJob, error) {
	if err := m.tx.check(); err != nil {
		return nil, err
	}
	if _, err := m.held(job); err != nil {
		return nil, err
	}
	delete(m.tx.state.jobs, job.ID)

	dl := &api.DeadLetterJob{Job: *job.Clone(), FailedAt: failedAt}
	dl.LockOwner = ""
	dl.LockExpiresAt = time.Time{}
	stored := *dl
	m.tx.state.deadLetters[job.ID] = &stored
	return dl, nil
}

func (m memoryJobs) Delete(ctx context.Context, id string) error {
	if err := m.tx.check(); err != nil {
		return err
	}
	delete(m.tx.state.jobs, id)
	return nil
}

func (m memoryJobs) DeleteByCorrelation(ctx context.Context, correlationID, jobType string) (int, error) {
	if err := m.tx.check(); err != nil {
		return 0, err
	}
	n := 0
	for id, j := range m.tx.state.jobs {
		if j.CorrelationID == correlationID && (jobType == "" || j.Type == jobType) {
			delete(m.tx.state.jobs, id)
			n++
		}
	}
	return n, nil
}

func (m memoryJobs) DeleteByProcessInstance(ctx context.Context, processInstanceID string) (int, error) {
	if err := m.tx.check(); err != nil {
		return 0, err
	}
	n := 0
	for id, j := range m.tx.state.jobs {
		if j.ProcessInstanceID == processInstanceID {
			delete(m.tx.state.jobs, id)
			n++
		}
	}
	for id, j := range m.tx.state.deadLetters {
		if j.ProcessInstanceID == processInstanceID {
			delete(m.tx.state.deadLetters, id)
			n++
		}
	}
	return n, nil
}

func (m memoryJobs) ListDeadLetters(ctx context.Context, q api.JobQuery) ([]*api.DeadLetterJob, error) {
	if err := m.tx.check(); err != nil {
		return nil, err
	}
	var out []*api.DeadLetterJob
	for _, dl := range m.tx.state.deadLetters {
		if matchJob(q, &dl.Job) {
			c := *dl
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].FailedAt.Equal(out[k].FailedAt) {
			return out[i].FailedAt.Before(out[k].FailedAt)
		}
		return out[i].ID < out[k].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m memoryJobs) GetDeadLetter(ctx context.Context, id string) (*api.DeadLetterJob, error) {
	if err := m.tx.check(); err != nil {
		return nil, err
	}
	dl, ok := m.tx.state.deadLetters[id]
	if !ok {
		return nil, api.ErrJobNotFound
	}
	c := *dl
	return &c, nil
}

func (m memoryJobs) Restore(ctx context.Context, id string, retries int, now time.Time) (*api.Job, error) {
	if err := m.tx.check(); err != nil {
		return nil, err
	}
	dl, ok := m.tx.state.deadLetters[id]
	if !ok {
		return nil, api.ErrJobNotFound
	}
	job := restoredJob(dl, retries, now)
	delete(m.tx.state.deadLetters, id)
	if err := m.Insert(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func restoredJob(dl *api.DeadLetterJob, retries int, now time.Time) *api.Job {
	job := dl.Job.Clone()
	if retries <= 0 {
		retries = 1
	}
	job.RetriesLeft = retries
	job.Attempts = 0
	job.DueDate = now
	job.LockOwner = ""
	job.LockExpiresAt = time.Time{}
	job.ExceptionMessage = ""
	job.ExceptionStack = ""
	return job
}

//
// Batches
//

type memoryBatches struct{ tx *memoryTx }

func cloneBatch(b *api.Batch) *api.Batch {
	c := *b
	if b.CompleteTime != nil {
		t := *b.CompleteTime
		c.CompleteTime = &t
	}
	return &c
}

func clonePart(p *api.BatchPart) *api.BatchPart {
	c := *p
	if p.CompleteTime != nil {
		t := *p.CompleteTime
		c.CompleteTime = &t
	}
	return &c
}

func (m memoryBatches) InsertBatch(ctx context.Context, b *api.Batch) error {
	if err := m.tx.check(); err != nil {
		return err
	}
	if _, ok := m.tx.state.batches[b.ID]; ok {
		return fmt.Errorf("batch %s already exists", b.ID)
	}
	c := cloneBatch(b)
	c.Version = 1
	m.tx.state.batches[b.ID] = c
	b.Version = 1
	return nil
}

func (m memoryBatches) UpdateBatch(ctx context.Context, b *api.Batch) error {
	if err := m.tx.check(); err != nil {
		return err
	}
	cur, ok := m.tx.state.batches[b.ID]
	if !ok {
		return api.ErrBatchNotFound
	}
	if cur.Version != b.Version {
		return fmt.Errorf("batch %s: %w", b.ID, api.ErrOptimisticLock)
	}
	c := cloneBatch(b)
	c.Version = cur.Version + 1
	m.tx.state.batches[b.ID] = c
	b.Version = c.Version
	return nil
}

func (m memoryBatches) GetBatch(ctx context.Context, id string) (*api.Batch, error) {
	if err := m.tx.check(); err != nil {
		return nil, err
	}
	b, ok := m.tx.state.batches[id]
	if !ok {
		return nil, api.ErrBatchNotFound
	}
	return cloneBatch(b), nil
}

func (m memoryBatches) ListBatches(ctx context.Context, q api.BatchQuery) ([]*api.Batch, error) {
	if err := m.tx.check(); err != nil {
		return nil, err
	}
	var out []*api.Batch
	for _, b := range m.tx.state.batches {
		if q.Type != "" && b.Type != q.Type {
			continue
		}
		if q.Status != "" && b.Status != q.Status {
			continue
		}
		out = append(out, cloneBatch(b))
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreateTime.Equal(out[k].CreateTime) {
			return out[i].CreateTime.Before(out[k].CreateTime)
		}
		return out[i].ID < out[k].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m memoryBatches) InsertPart(ctx context.Context, p *api.BatchPart) error {
	if err := m.tx.check(); err != nil {
		return err
	}
	if _, ok := m.tx.state.parts[p.ID]; ok {
		return fmt.Errorf("batch part %s already exists", p.ID)
	}
	c := clonePart(p)
	c.Version = 1
	m.tx.state.seq++
	m.tx.state.parts[p.ID] = c
	m.tx.state.partOrder[p.ID] = m.tx.state.seq
	p.Version = 1
	return nil
}

func (m memoryBatches) UpdatePart(ctx context.Context, p *api.BatchPart) error {
	if err := m.tx.check(); err != nil {
		return err
	}
	cur, ok := m.tx.state.parts[p.ID]
	if !ok {
		return api.ErrBatchNotFound
	}
	if cur.Version != p.Version {
		return fmt.Errorf("batch part %s: %w", p.ID, api.ErrOptimisticLock)
	}
	c := clonePart(p)
	c.Version = cur.Version + 1
	m.tx.state.parts[p.ID] = c
	p.Version = c.Version
	return nil
}

func (m memoryBatches) GetPart(ctx context.Context, id string) (*api.BatchPart, error) {
	if err := m.tx.check(); err != nil {
		return nil, err
	}
	p, ok := m.tx.state.parts[id]
	if !ok {
		return nil, api.ErrBatchNotFound
	}
	return clonePart(p), nil
}

func (m memoryBatches) ListParts(ctx context.Context, batchID, partType string) ([]*api.BatchPart, error) {
	if err := m.tx.check(); err != nil {
		return nil, err
	}
	var out []*api.BatchPart
	for _, p := range m.tx.state.parts {
		if p.BatchID != batchID || (partType != "" && p.Type != partType) {
			continue
		}
		out = append(out, clonePart(p))
	}
	order := m.tx.state.partOrder
	sort.Slice(out, func(i, k int) bool { return order[out[i].ID] < order[out[k].ID] })
	return out, nil
}
