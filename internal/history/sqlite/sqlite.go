package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/stationd/internal/history"
)

// Sink writes run history events to a SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = strings.TrimPrefix(dsn, "sqlite://")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	// Simple audit table, no primary key. Timestamp defaults to CURRENT_TIMESTAMP when not provided.
	stmt := `CREATE TABLE IF NOT EXISTS run_history(
		completed_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
		batch_id TEXT NOT NULL,
		batch_name TEXT NOT NULL DEFAULT '',
		execution_id TEXT NOT NULL,
		passed BOOLEAN NOT NULL,
		elapsed_s REAL NOT NULL,
		steps_total INTEGER NOT NULL,
		steps_failed INTEGER NOT NULL
	);`
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

func (s *Sink) Send(ctx context.Context, e history.RunEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_history(completed_at, batch_id, batch_name, execution_id, passed, elapsed_s, steps_total, steps_failed)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?);`,
		e.CompletedAt.UTC(), e.BatchID, e.BatchName, e.ExecutionID, e.Passed, e.ElapsedS, e.StepsTotal, e.StepsFailed)
	return err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
