package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/stationd/internal/store"
)

// Record aliases store.Record for brevity inside this package.
type Record = store.Record

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.

type DB struct {
	db *sql.DB
}

var _ store.Store = (*DB)(nil)

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS batch_state(
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			progress REAL NOT NULL,
			execution_id TEXT NOT NULL DEFAULT '',
			last_run_passed BOOLEAN NULL,
			elapsed_s REAL NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_batch_state_status ON batch_state(status);`,
		`CREATE TABLE IF NOT EXISTS settings(
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) UpsertBatch(ctx context.Context, rec Record) error {
	passed := sql.NullBool{}
	if rec.LastRunPassed != nil {
		passed = sql.NullBool{Bool: *rec.LastRunPassed, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batch_state(id, name, status, progress, execution_id, last_run_passed, elapsed_s, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name,
			status=excluded.status,
			progress=excluded.progress,
			execution_id=excluded.execution_id,
			last_run_passed=excluded.last_run_passed,
			elapsed_s=excluded.elapsed_s,
			updated_at=excluded.updated_at;`,
		rec.ID, rec.Name, rec.Status, rec.Progress, rec.ExecutionID, passed, rec.ElapsedS, rec.UpdatedAt.UTC())
	return err
}

func (s *DB) GetBatch(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, progress, execution_id, last_run_passed, elapsed_s, updated_at
		FROM batch_state WHERE id = ?;`, id)
	return scanRecord(row)
}

func (s *DB) ListBatches(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, status, progress, execution_id, last_run_passed, elapsed_s, updated_at
		FROM batch_state ORDER BY id;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *DB) SaveSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings(key, value) VALUES(?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value;`, key, value)
	return err
}

func (s *DB) LoadSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var rec Record
	var passed sql.NullBool
	if err := row.Scan(&rec.ID, &rec.Name, &rec.Status, &rec.Progress, &rec.ExecutionID, &passed, &rec.ElapsedS, &rec.UpdatedAt); err != nil {
		return Record{}, err
	}
	if passed.Valid {
		v := passed.Bool
		rec.LastRunPassed = &v
	}
	return rec, nil
}
