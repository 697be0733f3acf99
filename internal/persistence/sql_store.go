package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/petrijr/flowline/pkg/api"
)

// dialect captures the few differences between the SQL backends.
type dialect struct {
	name string
	// numbered rewrites '?' placeholders into $1, $2, ...
	numbered bool
	// acquireSuffix is appended to the acquire SELECT.
	acquireSuffix string
	schema        []string
}

// SQLStore is a Store backed by database/sql. Use NewSQLiteStore or
// NewPostgresStore to construct one.
type SQLStore struct {
	db *sql.DB
	d  dialect
}

// Ensure SQLStore implements Store.
var _ Store = (*SQLStore)(nil)

func newSQLStore(db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, d: d}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init %s schema: %w", d.name, err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	for _, stmt := range s.d.schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// DB returns the underlying database handle.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqlTx{ctx: ctx, tx: tx, d: s.d}, nil
}

func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

type sqlTx struct {
	ctx         context.Context
	tx          *sql.Tx
	d           dialect
	afterCommit []func()
}

func (t *sqlTx) Executions() ExecutionStore { return sqlExecutions{t} }
func (t *sqlTx) Jobs() JobStore             { return sqlJobs{t} }
func (t *sqlTx) Batches() BatchStore        { return sqlBatches{t} }

func (t *sqlTx) AfterCommit(fn func()) {
	t.afterCommit = append(t.afterCommit, fn)
}

func (t *sqlTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return err
	}
	for _, fn := range t.afterCommit {
		fn()
	}
	return nil
}

func (t *sqlTx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func (t *sqlTx) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, t.d.rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *sqlTx) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.d.rebind(query), args...)
}

func (t *sqlTx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.d.rebind(query), args...)
}

type scanner interface {
	Scan(dest ...any) error
}

func pageClause(limit, offset int) (string, []any) {
	if limit <= 0 && offset <= 0 {
		return "", nil
	}
	if limit <= 0 {
		limit = math.MaxInt32
	}
	return " LIMIT ? OFFSET ?", []any{limit, offset}
}

//
// Executions
//

type sqlExecutions struct{ t *sqlTx }

const executionColumns = `id, parent_id, process_instance_id, process_definition_id, current_node_id, tenant_id,
	is_active, is_concurrent, is_scope, is_parked, pending_branches, is_multi_instance, loop_counter,
	variables, version, created_at`

func scanExecution(row scanner) (*api.Execution, error) {
	var (
		ex        api.Execution
		vars      sql.NullString
		createdAt int64
	)
	if err := row.Scan(
		&ex.ID, &ex.ParentID, &ex.ProcessInstanceID, &ex.ProcessDefinitionID, &ex.CurrentNodeID, &ex.TenantID,
		&ex.IsActive, &ex.IsConcurrent, &ex.IsScope, &ex.IsParked, &ex.PendingBranches, &ex.IsMultiInstance, &ex.LoopCounter,
		&vars, &ex.Version, &createdAt,
	); err != nil {
		return nil, err
	}
	decoded, err := DecodeVariables(vars.String)
	if err != nil {
		return nil, fmt.Errorf("decode variables of execution %s: %w", ex.ID, err)
	}
	ex.Variables = decoded
	ex.CreatedAt = fromNanos(createdAt)
	return &ex, nil
}

func (s sqlExecutions) Insert(ctx context.Context, ex *api.Execution) error {
	vars, err := EncodeVariables(ex.Variables)
	if err != nil {
		return err
	}
	_, err = s.t.exec(ctx, `
		INSERT INTO executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		ex.ID, ex.ParentID, ex.ProcessInstanceID, ex.ProcessDefinitionID, ex.CurrentNodeID, ex.TenantID,
		ex.IsActive, ex.IsConcurrent, ex.IsScope, ex.IsParked, ex.PendingBranches, ex.IsMultiInstance, ex.LoopCounter,
		vars, toNanos(ex.CreatedAt),
	)
	if err != nil {
		return err
	}
	ex.Version = 1
	return nil
}

func (s sqlExecutions) Update(ctx context.Context, ex *api.Execution) error {
	vars, err := EncodeVariables(ex.Variables)
	if err != nil {
		return err
	}
	affected, err := s.t.exec(ctx, `
		UPDATE executions
		SET parent_id = ?, current_node_id = ?, process_definition_id = ?, is_active = ?, is_concurrent = ?,
			is_scope = ?, is_parked = ?, pending_branches = ?, is_multi_instance = ?, loop_counter = ?,
			variables = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		ex.ParentID, ex.CurrentNodeID, ex.ProcessDefinitionID, ex.IsActive, ex.IsConcurrent,
		ex.IsScope, ex.IsParked, ex.PendingBranches, ex.IsMultiInstance, ex.LoopCounter,
		vars, ex.ID, ex.Version,
	)
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := s.Get(ctx, ex.ID); err != nil {
			return err
		}
		return fmt.Errorf("execution %s: %w", ex.ID, api.ErrOptimisticLock)
	}
	ex.Version++
	return nil
}

func (s sqlExecutions) Get(ctx context.Context, id string) (*api.Execution, error) {
	row := s.t.queryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	ex, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrExecutionNotFound
	}
	return ex, err
}

func (s sqlExecutions) Delete(ctx context.Context, id string) error {
	_, err := s.t.exec(ctx, `DELETE FROM executions WHERE id = ?`, id)
	return err
}

func executionWhere(q api.ExecutionQuery) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if q.ProcessInstanceID != "" {
		clauses = append(clauses, "process_instance_id = ?")
		args = append(args, q.ProcessInstanceID)
	}
	if q.ProcessDefinitionID != "" {
		clauses = append(clauses, "process_definition_id = ?")
		args = append(args, q.ProcessDefinitionID)
	}
	if q.ProcessDefinitionKey != "" {
		clauses = append(clauses, "process_definition_id LIKE ?")
		args = append(args, q.ProcessDefinitionKey+":%")
	}
	if q.ParentID != "" {
		clauses = append(clauses, "parent_id = ?")
		args = append(args, q.ParentID)
	}
	if q.RootsOnly {
		clauses = append(clauses, "parent_id = ''")
	}
	if q.AfterID != "" {
		clauses = append(clauses, "id > ?")
		args = append(args, q.AfterID)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s sqlExecutions) List(ctx context.Context, q api.ExecutionQuery) ([]*api.Execution, error) {
	where, args := executionWhere(q)
	page, pageArgs := pageClause(q.Limit, q.Offset)
	rows, err := s.t.query(ctx, `SELECT `+executionColumns+` FROM executions`+where+` ORDER BY id`+page,
		append(args, pageArgs...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Execution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

func (s sqlExecutions) Count(ctx context.Context, q api.ExecutionQuery) (int, error) {
	where, args := executionWhere(q)
	var n int
	err := s.t.queryRow(ctx, `SELECT COUNT(*) FROM executions`+where, args...).Scan(&n)
	return n, err
}

func (s sqlExecutions) DeleteByProcessInstance(ctx context.Context, processInstanceID string) (int, error) {
	n, err := s.t.exec(ctx, `DELETE FROM executions WHERE process_instance_id = ?`, processInstanceID)
	return int(n), err
}

func (s sqlExecutions) DecrementPendingBranches(ctx context.Context, id string) (int, error) {
	var remaining int
	err := s.t.queryRow(ctx, `
		UPDATE executions
		SET pending_branches = pending_branches - 1, version = version + 1
		WHERE id = ?
		RETURNING pending_branches`, id).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, api.ErrExecutionNotFound
	}
	return remaining, err
}

//
// Jobs
//

type sqlJobs struct{ t *sqlTx }

const jobColumns = `id, type, correlation_id, process_instance_id, process_definition_id, tenant_id,
	configuration, due_date, retries_left, attempts, lock_owner, lock_expires_at,
	exception_message, exception_stack, repeat_rule, version, created_at`

func scanJobInto(row scanner, j *api.Job, extra ...any) error {
	var due, lockExp, created int64
	dest := []any{
		&j.ID, &j.Type, &j.CorrelationID, &j.ProcessInstanceID, &j.ProcessDefinitionID, &j.TenantID,
		&j.Configuration, &due, &j.RetriesLeft, &j.Attempts, &j.LockOwner, &lockExp,
		&j.ExceptionMessage, &j.ExceptionStack, &j.Repeat, &j.Version, &created,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return err
	}
	j.DueDate = fromNanos(due)
	j.LockExpiresAt = fromNanos(lockExp)
	j.CreatedAt = fromNanos(created)
	return nil
}

func scanJob(row scanner) (*api.Job, error) {
	var j api.Job
	if err := scanJobInto(row, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func scanDeadLetter(row scanner) (*api.DeadLetterJob, error) {
	var (
		dl     api.DeadLetterJob
		failed int64
	)
	if err := scanJobInto(row, &dl.Job, &failed); err != nil {
		return nil, err
	}
	dl.FailedAt = fromNanos(failed)
	return &dl, nil
}

func jobArgs(j *api.Job) []any {
	return []any{
		j.ID, j.Type, j.CorrelationID, j.ProcessInstanceID, j.ProcessDefinitionID, j.TenantID,
		j.Configuration, toNanos(j.DueDate), j.RetriesLeft, j.Attempts, j.LockOwner, toNanos(j.LockExpiresAt),
		j.ExceptionMessage, j.ExceptionStack, j.Repeat,
	}
}

func (s sqlJobs) Insert(ctx context.Context, job *api.Job) error {
	_, err := s.t.exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		append(jobArgs(job), toNanos(job.CreatedAt))...,
	)
	if err != nil {
		return err
	}
	job.Version = 1
	return nil
}

func (s sqlJobs) Get(ctx context.Context, id string) (*api.Job, error) {
	j, err := scanJob(s.t.queryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrJobNotFound
	}
	return j, err
}

func jobWhere(q api.JobQuery) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if q.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, q.Type)
	}
	if q.CorrelationID != "" {
		clauses = append(clauses, "correlation_id = ?")
		args = append(args, q.CorrelationID)
	}
	if q.ProcessInstanceID != "" {
		clauses = append(clauses, "process_instance_id = ?")
		args = append(args, q.ProcessInstanceID)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s sqlJobs) List(ctx context.Context, q api.JobQuery) ([]*api.Job, error) {
	where, args := jobWhere(q)
	page, pageArgs := pageClause(q.Limit, 0)
	rows, err := s.t.query(ctx, `SELECT `+jobColumns+` FROM jobs`+where+` ORDER BY due_date, id`+page,
		append(args, pageArgs...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s sqlJobs) Acquire(ctx context.Context, owner string, now time.Time, ttl time.Duration, limit int) ([]*api.Job, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.t.query(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE due_date <= ? AND (lock_owner = '' OR lock_expires_at <= ?)
		ORDER BY due_date, id
		LIMIT ?`+s.t.d.acquireSuffix,
		toNanos(now), toNanos(now), limit,
	)
	if err != nil {
		return nil, err
	}
	var candidates []*api.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, j)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	expires := now.Add(ttl)
	out := make([]*api.Job, 0, len(candidates))
	for _, j := range candidates {
		affected, err := s.t.exec(ctx, `
			UPDATE jobs
			SET lock_owner = ?, lock_expires_at = ?, version = version + 1
			WHERE id = ? AND version = ?`,
			owner, toNanos(expires), j.ID, j.Version,
		)
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			// Taken by another worker in the meantime.
			continue
		}
		j.LockOwner = owner
		j.LockExpiresAt = expires
		j.Version++
		out = append(out, j)
	}
	return out, nil
}

func (s sqlJobs) Complete(ctx context.Context, job *api.Job) error {
	affected, err := s.t.exec(ctx, `DELETE FROM jobs WHERE id = ? AND lock_owner = ? AND version = ?`,
		job.ID, job.LockOwner, job.Version)
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("job %s: %w", job.ID, api.ErrJobLockLost)
	}
	return nil
}

func (s sqlJobs) Release(ctx context.Context, job *api.Job) error {
	affected, err := s.t.exec(ctx, `
		UPDATE jobs
		SET configuration = ?, due_date = ?, retries_left = ?, attempts = ?, lock_owner = '', lock_expires_at = 0,
			exception_message = ?, exception_stack = ?, repeat_rule = ?, version = version + 1
		WHERE id = ? AND lock_owner = ? AND version = ?`,
		job.Configuration, toNanos(job.DueDate), job.RetriesLeft, job.Attempts,
		job.ExceptionMessage, job.ExceptionStack, job.Repeat,
		job.ID, job.LockOwner, job.Version,
	)
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("job %s: %w", job.ID, api.ErrJobLockLost)
	}
	job.LockOwner = ""
	job.LockExpiresAt = time.Time{}
	job.Version++
	return nil
}

func (s sqlJobs) DeadLetter(ctx context.Context, job *api.Job, failedAt time.Time) (*api.DeadLetterJob, error) {
	if err := s.Complete(ctx, job); err != nil {
		return nil, err
	}
	dl := &api.DeadLetterJob{Job: *job.Clone(), FailedAt: failedAt}
	dl.LockOwner = ""
	dl.LockExpiresAt = time.Time{}

	_, err := s.t.exec(ctx, `
		INSERT INTO dead_letter_jobs (`+jobColumns+`, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		append(jobArgs(&dl.Job), dl.Version, toNanos(dl.CreatedAt), toNanos(failedAt))...,
	)
	if err != nil {
		return nil, err
	}
	return dl, nil
}

func (s sqlJobs) Delete(ctx context.Context, id string) error {
	_, err := s.t.exec(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	return err
}

func (s sqlJobs) DeleteByCorrelation(ctx context.Context, correlationID, jobType string) (int, error) {
	var (
		n   int64
		err error
	)
	if jobType == "" {
		n, err = s.t.exec(ctx, `DELETE FROM jobs WHERE correlation_id = ?`, correlationID)
	} else {
		n, err = s.t.exec(ctx, `DELETE FROM jobs WHERE correlation_id = ? AND type = ?`, correlationID, jobType)
	}
	return int(n), err
}

func (s sqlJobs) DeleteByProcessInstance(ctx context.Context, processInstanceID string) (int, error) {
	n, err := s.t.exec(ctx, `DELETE FROM jobs WHERE process_instance_id = ?`, processInstanceID)
	if err != nil {
		return 0, err
	}
	m, err := s.t.exec(ctx, `DELETE FROM dead_letter_jobs WHERE process_instance_id = ?`, processInstanceID)
	return int(n + m), err
}

func (s sqlJobs) ListDeadLetters(ctx context.Context, q api.JobQuery) ([]*api.DeadLetterJob, error) {
	where, args := jobWhere(q)
	page, pageArgs := pageClause(q.Limit, 0)
	rows, err := s.t.query(ctx, `SELECT `+jobColumns+`, failed_at FROM dead_letter_jobs`+where+` ORDER BY failed_at, id`+page,
		append(args, pageArgs...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.DeadLetterJob
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (s sqlJobs) GetDeadLetter(ctx context.Context, id string) (*api.DeadLetterJob, error) {
	dl, err := scanDeadLetter(s.t.queryRow(ctx, `SELECT `+jobColumns+`, failed_at FROM dead_letter_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrJobNotFound
	}
	return dl, err
}

func (s sqlJobs) Restore(ctx context.Context, id string, retries int, now time.Time) (*api.Job, error) {
	dl, err := s.GetDeadLetter(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.t.exec(ctx, `DELETE FROM dead_letter_jobs WHERE id = ?`, id); err != nil {
		return nil, err
	}
	job := restoredJob(dl, retries, now)
	if err := s.Insert(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

//
// Batches
//

type sqlBatches struct{ t *sqlTx }

const batchColumns = `id, type, mode, status, phase, configuration, search_key, search_key2, tenant_id,
	total_items, batch_size, create_time, complete_time, version`

const partColumns = `id, batch_id, type, search_key, search_key2, status, tenant_id, result_document,
	create_time, complete_time, version`

func scanBatch(row scanner) (*api.Batch, error) {
	var (
		b                api.Batch
		mode, status     string
		created, complet int64
	)
	if err := row.Scan(&b.ID, &b.Type, &mode, &status, &b.Phase, &b.ConfigurationJSON, &b.SearchKey, &b.SearchKey2,
		&b.TenantID, &b.TotalItems, &b.BatchSize, &created, &complet, &b.Version); err != nil {
		return nil, err
	}
	b.Mode = api.BatchMode(mode)
	b.Status = api.BatchStatus(status)
	b.CreateTime = fromNanos(created)
	b.CompleteTime = fromNanosPtr(complet)
	return &b, nil
}

func scanPart(row scanner) (*api.BatchPart, error) {
	var (
		p                api.BatchPart
		status           string
		created, complet int64
	)
	if err := row.Scan(&p.ID, &p.BatchID, &p.Type, &p.SearchKey, &p.SearchKey2, &status, &p.TenantID,
		&p.ResultDocumentJSON, &created, &complet, &p.Version); err != nil {
		return nil, err
	}
	p.Status = api.BatchStatus(status)
	p.CreateTime = fromNanos(created)
	p.CompleteTime = fromNanosPtr(complet)
	return &p, nil
}

func (s sqlBatches) InsertBatch(ctx context.Context, b *api.Batch) error {
	_, err := s.t.exec(ctx, `
		INSERT INTO batches (`+batchColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		b.ID, b.Type, string(b.Mode), string(b.Status), b.Phase, b.ConfigurationJSON, b.SearchKey, b.SearchKey2,
		b.TenantID, b.TotalItems, b.BatchSize, toNanos(b.CreateTime), toNanosPtr(b.CompleteTime),
	)
	if err != nil {
		return err
	}
	b.Version = 1
	return nil
}

func (s sqlBatches) UpdateBatch(ctx context.Context, b *api.Batch) error {
	affected, err := s.t.exec(ctx, `
		UPDATE batches
		SET status = ?, phase = ?, configuration = ?, total_items = ?, complete_time = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		string(b.Status), b.Phase, b.ConfigurationJSON, b.TotalItems, toNanosPtr(b.CompleteTime),
		b.ID, b.Version,
	)
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := s.GetBatch(ctx, b.ID); err != nil {
			return err
		}
		return fmt.Errorf("batch %s: %w", b.ID, api.ErrOptimisticLock)
	}
	b.Version++
	return nil
}

func (s sqlBatches) GetBatch(ctx context.Context, id string) (*api.Batch, error) {
	b, err := scanBatch(s.t.queryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrBatchNotFound
	}
	return b, err
}

func (s sqlBatches) ListBatches(ctx context.Context, q api.BatchQuery) ([]*api.Batch, error) {
	var (
		clauses []string
		args    []any
	)
	if q.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, q.Type)
	}
	if q.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(q.Status))
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	page, pageArgs := pageClause(q.Limit, 0)

	rows, err := s.t.query(ctx, `SELECT `+batchColumns+` FROM batches`+where+` ORDER BY create_time, id`+page,
		append(args, pageArgs...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s sqlBatches) InsertPart(ctx context.Context, p *api.BatchPart) error {
	_, err := s.t.exec(ctx, `
		INSERT INTO batch_parts (`+partColumns+`, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM batch_parts WHERE batch_id = ?))`,
		p.ID, p.BatchID, p.Type, p.SearchKey, p.SearchKey2, string(p.Status), p.TenantID,
		p.ResultDocumentJSON, toNanos(p.CreateTime), toNanosPtr(p.CompleteTime), p.BatchID,
	)
	if err != nil {
		return err
	}
	p.Version = 1
	return nil
}

func (s sqlBatches) UpdatePart(ctx context.Context, p *api.BatchPart) error {
	affected, err := s.t.exec(ctx, `
		UPDATE batch_parts
		SET status = ?, result_document = ?, complete_time = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		string(p.Status), p.ResultDocumentJSON, toNanosPtr(p.CompleteTime), p.ID, p.Version,
	)
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := s.GetPart(ctx, p.ID); err != nil {
			return err
		}
		return fmt.Errorf("batch part %s: %w", p.ID, api.ErrOptimisticLock)
	}
	p.Version++
	return nil
}

func (s sqlBatches) GetPart(ctx context.Context, id string) (*api.BatchPart, error) {
	p, err := scanPart(s.t.queryRow(ctx, `SELECT `+partColumns+` FROM batch_parts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrBatchNotFound
	}
	return p, err
}

func (s sqlBatches) ListParts(ctx context.Context, batchID, partType string) ([]*api.BatchPart, error) {
	query := `SELECT ` + partColumns + ` FROM batch_parts WHERE batch_id = ?`
	args := []any{batchID}
	if partType != "" {
		query += ` AND type = ?`
		args = append(args, partType)
	}
	rows, err := s.t.query(ctx, query+` ORDER BY seq`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.BatchPart
	for rows.Next() {
		p, err := scanPart(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
