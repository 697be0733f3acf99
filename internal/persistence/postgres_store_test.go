package persistence

import (
	"database/sql"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/petrijr/flowline/internal/testutil"
)

func newTestPostgresDB(t *testing.T) *sql.DB {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping PostgreSQL container test in short mode")
	}

	db, err := sql.Open("pgx", testutil.GetPostgresEndpoint(t))
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func resetPostgres(t *testing.T, db *sql.DB) {
	t.Helper()
	for _, table := range []string{"executions", "jobs", "dead_letter_jobs", "batches", "batch_parts", "history_events"} {
		if _, err := db.Exec("DROP TABLE IF EXISTS " + table); err != nil {
			t.Fatalf("drop %s: %v", table, err)
		}
	}
}

func TestPostgresStore(t *testing.T) {
	db := newTestPostgresDB(t)

	runStoreSuite(t, func(t *testing.T) Store {
		resetPostgres(t, db)
		store, err := NewPostgresStore(db)
		if err != nil {
			t.Fatalf("NewPostgresStore failed: %v", err)
		}
		return store
	})
}
