package persistence

import (
	"database/sql"
)

// NewPostgresStore initializes the required schema in the given database and
// returns a Store backed by PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver (for example,
// "github.com/jackc/pgx/v5/stdlib").
//
// The caller is responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open.
//
// Job acquisition uses FOR UPDATE SKIP LOCKED so concurrent workers never
// block on each other's candidate rows.
func NewPostgresStore(db *sql.DB) (*SQLStore, error) {
	return newSQLStore(db, dialect{
		name:          "postgres",
		numbered:      true,
		acquireSuffix: " FOR UPDATE SKIP LOCKED",
		schema:        postgresSchema,
	})
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		parent_id TEXT NOT NULL DEFAULT '',
		process_instance_id TEXT NOT NULL,
		process_definition_id TEXT NOT NULL,
		current_node_id TEXT NOT NULL DEFAULT '',
		tenant_id TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT FALSE,
		is_concurrent BOOLEAN NOT NULL DEFAULT FALSE,
		is_scope BOOLEAN NOT NULL DEFAULT FALSE,
		is_parked BOOLEAN NOT NULL DEFAULT FALSE,
		pending_branches INTEGER NOT NULL DEFAULT 0,
		is_multi_instance BOOLEAN NOT NULL DEFAULT FALSE,
		loop_counter INTEGER NOT NULL DEFAULT 0,
		variables TEXT,
		version BIGINT NOT NULL,
		created_at BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_instance ON executions(process_instance_id)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_parent ON executions(parent_id)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		correlation_id TEXT NOT NULL DEFAULT '',
		process_instance_id TEXT NOT NULL DEFAULT '',
		process_definition_id TEXT NOT NULL DEFAULT '',
		tenant_id TEXT NOT NULL DEFAULT '',
		configuration TEXT NOT NULL DEFAULT '',
		due_date BIGINT NOT NULL,
		retries_left INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		lock_owner TEXT NOT NULL DEFAULT '',
		lock_expires_at BIGINT NOT NULL DEFAULT 0,
		exception_message TEXT NOT NULL DEFAULT '',
		exception_stack TEXT NOT NULL DEFAULT '',
		repeat_rule TEXT NOT NULL DEFAULT '',
		version BIGINT NOT NULL,
		created_at BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(due_date, id)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_correlation ON jobs(correlation_id, type)`,
	`CREATE TABLE IF NOT EXISTS dead_letter_jobs (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		correlation_id TEXT NOT NULL DEFAULT '',
		process_instance_id TEXT NOT NULL DEFAULT '',
		process_definition_id TEXT NOT NULL DEFAULT '',
		tenant_id TEXT NOT NULL DEFAULT '',
		configuration TEXT NOT NULL DEFAULT '',
		due_date BIGINT NOT NULL,
		retries_left INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		lock_owner TEXT NOT NULL DEFAULT '',
		lock_expires_at BIGINT NOT NULL DEFAULT 0,
		exception_message TEXT NOT NULL DEFAULT '',
		exception_stack TEXT NOT NULL DEFAULT '',
		repeat_rule TEXT NOT NULL DEFAULT '',
		version BIGINT NOT NULL,
		created_at BIGINT NOT NULL DEFAULT 0,
		failed_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS batches (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		phase TEXT NOT NULL DEFAULT '',
		configuration TEXT NOT NULL DEFAULT '',
		search_key TEXT NOT NULL DEFAULT '',
		search_key2 TEXT NOT NULL DEFAULT '',
		tenant_id TEXT NOT NULL DEFAULT '',
		total_items INTEGER NOT NULL DEFAULT 0,
		batch_size INTEGER NOT NULL DEFAULT 0,
		create_time BIGINT NOT NULL,
		complete_time BIGINT NOT NULL DEFAULT 0,
		version BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS batch_parts (
		id TEXT PRIMARY KEY,
		batch_id TEXT NOT NULL,
		type TEXT NOT NULL,
		search_key TEXT NOT NULL DEFAULT '',
		search_key2 TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		tenant_id TEXT NOT NULL DEFAULT '',
		result_document TEXT NOT NULL DEFAULT '',
		create_time BIGINT NOT NULL,
		complete_time BIGINT NOT NULL DEFAULT 0,
		version BIGINT NOT NULL,
		seq INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_batch_parts_batch ON batch_parts(batch_id, seq)`,
}
