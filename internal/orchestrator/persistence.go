package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// RunRecord summarizes one Execute call. Task results are not stored.
type RunRecord struct {
	RunID       string    `json:"run_id"`
	Description string    `json:"description"`
	Strategy    string    `json:"strategy"`
	Success     bool      `json:"success"`
	Consulted   int       `json:"consulted"`
	Successful  int       `json:"successful"`
	Failed      int       `json:"failed"`
	DurationMs  int64     `json:"duration_ms"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// RunStore keeps run history in SQLite.
type RunStore struct {
	db   *sql.DB
	path string
}

var _ RunRecorder = (*RunStore)(nil)

// OpenRunStore opens (creating if needed) the history database at path.
func OpenRunStore(path string) (*RunStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}

	s := &RunStore{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	return s, nil
}

func (s *RunStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		strategy TEXT NOT NULL,
		success INTEGER NOT NULL,
		consulted INTEGER NOT NULL DEFAULT 0,
		successful INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Path returns the database file.
func (s *RunStore) Path() string { return s.path }

func (s *RunStore) Close() error {
	return s.db.Close()
}

// Record saves a run summary. Recording the same run id again replaces it.
func (s *RunStore) Record(ctx context.Context, r RunRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (run_id, description, strategy, success, consulted, successful, failed, duration_ms, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.RunID, r.Description, r.Strategy, r.Success, r.Consulted, r.Successful, r.Failed, r.DurationMs, nullString(r.Error), r.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("record run %s: %w", r.RunID, err)
	}
	return nil
}

// Recent returns up to limit runs, newest first.
func (s *RunStore) Recent(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, description, strategy, success, consulted, successful, failed, duration_ms, error, created_at
		FROM runs ORDER BY created_at DESC, run_id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := make([]RunRecord, 0, limit)
	for rows.Next() {
		var r RunRecord
		var errText sql.NullString
		if err := rows.Scan(&r.RunID, &r.Description, &r.Strategy, &r.Success, &r.Consulted,
			&r.Successful, &r.Failed, &r.DurationMs, &errText, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Error = errText.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
