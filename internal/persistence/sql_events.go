package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/petrijr/flowline/pkg/api"
)

// SQLEventStore stores history events in a SQL table.
type SQLEventStore struct {
	db *sql.DB
	d  dialect
}

// Ensure SQLEventStore implements the interfaces.
var _ EventStore = (*SQLEventStore)(nil)

// NewSQLiteEventStore creates the history table in a SQLite database.
func NewSQLiteEventStore(db *sql.DB) (*SQLEventStore, error) {
	return newSQLEventStore(db, dialect{name: "sqlite", schema: []string{
		`CREATE TABLE IF NOT EXISTS history_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			process_instance_id TEXT NOT NULL,
			execution_id TEXT NOT NULL DEFAULT '',
			process_definition_id TEXT NOT NULL DEFAULT '',
			at INTEGER NOT NULL,
			type TEXT NOT NULL,
			activity_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_events_instance ON history_events(process_instance_id, id)`,
	}})
}

// NewPostgresEventStore creates the history table in a PostgreSQL database.
func NewPostgresEventStore(db *sql.DB) (*SQLEventStore, error) {
	return newSQLEventStore(db, dialect{name: "postgres", numbered: true, schema: []string{
		`CREATE TABLE IF NOT EXISTS history_events (
			id BIGSERIAL PRIMARY KEY,
			process_instance_id TEXT NOT NULL,
			execution_id TEXT NOT NULL DEFAULT '',
			process_definition_id TEXT NOT NULL DEFAULT '',
			at BIGINT NOT NULL,
			type TEXT NOT NULL,
			activity_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_events_instance ON history_events(process_instance_id, id)`,
	}})
}

func newSQLEventStore(db *sql.DB, d dialect) (*SQLEventStore, error) {
	s := &SQLEventStore{db: db, d: d}
	for _, stmt := range d.schema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *SQLEventStore) AppendEvent(ctx context.Context, ev api.HistoryEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.d.rebind(`
		INSERT INTO history_events (process_instance_id, execution_id, process_definition_id, at, type, activity_id, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		ev.ProcessInstanceID,
		ev.ExecutionID,
		ev.ProcessDefinitionID,
		at.UnixNano(),
		string(ev.Type),
		ev.ActivityID,
		ev.Detail,
	)
	return err
}

func (s *SQLEventStore) ListEvents(ctx context.Context, processInstanceID string) ([]api.HistoryEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(`
		SELECT process_instance_id, execution_id, process_definition_id, at, type, activity_id, detail
		FROM history_events
		WHERE process_instance_id = ?
		ORDER BY id ASC`), processInstanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.HistoryEvent
	for rows.Next() {
		var (
			ev  api.HistoryEvent
			atN int64
			typ string
		)
		if err := rows.Scan(&ev.ProcessInstanceID, &ev.ExecutionID, &ev.ProcessDefinitionID, &atN, &typ, &ev.ActivityID, &ev.Detail); err != nil {
			return nil, err
		}
		ev.At = time.Unix(0, atN)
		ev.Type = api.EventType(typ)
		out = append(out, ev)
	}
	return out, rows.Err()
}
