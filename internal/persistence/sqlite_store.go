package persistence

import (
	"database/sql"
)

// NewSQLiteStore initializes the required schema in the given database and
// returns a Store backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// SQLite allows a single writer, so the pool is pinned to one connection.
// This also keeps ":memory:" databases shared between transactions.
func NewSQLiteStore(db *sql.DB) (*SQLStore, error) {
	db.SetMaxOpenConns(1)
	return newSQLStore(db, dialect{
		name:   "sqlite",
		schema: sqliteSchema,
	})
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		parent_id TEXT NOT NULL DEFAULT '',
		process_instance_id TEXT NOT NULL,
		process_definition_id TEXT NOT NULL,
		current_node_id TEXT NOT NULL DEFAULT '',
		tenant_id TEXT NOT NULL DEFAULT '',
		is_active INTEGER NOT NULL DEFAULT 0,
		is_concurrent INTEGER NOT NULL DEFAULT 0,
		is_scope INTEGER NOT NULL DEFAULT 0,
		is_parked INTEGER NOT NULL DEFAULT 0,
		pending_branches INTEGER NOT NULL DEFAULT 0,
		is_multi_instance INTEGER NOT NULL DEFAULT 0,
		loop_counter INTEGER NOT NULL DEFAULT 0,
		variables TEXT,
		version INTEGER NOT NULL,
		created_at INTEGER NOT NULL DEFAULT 0
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
		due_date INTEGER NOT NULL,
		retries_left INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		lock_owner TEXT NOT NULL DEFAULT '',
		lock_expires_at INTEGER NOT NULL DEFAULT 0,
		exception_message TEXT NOT NULL DEFAULT '',
		exception_stack TEXT NOT NULL DEFAULT '',
		repeat_rule TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL,
		created_at INTEGER NOT NULL DEFAULT 0
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
		due_date INTEGER NOT NULL,
		retries_left INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		lock_owner TEXT NOT NULL DEFAULT '',
		lock_expires_at INTEGER NOT NULL DEFAULT 0,
		exception_message TEXT NOT NULL DEFAULT '',
		exception_stack TEXT NOT NULL DEFAULT '',
		repeat_rule TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL,
		created_at INTEGER NOT NULL DEFAULT 0,
		failed_at INTEGER NOT NULL
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
		create_time INTEGER NOT NULL,
		complete_time INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL
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
		create_time INTEGER NOT NULL,
		complete_time INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL,
		seq INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_batch_parts_batch ON batch_parts(batch_id, seq)`,
}
