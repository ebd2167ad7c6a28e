package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ Store = (*SQLiteStore)(nil)

// Open opens or creates the history database at dbPath. Use ":memory:" for
// an in-memory database.
func Open(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrOpenFailed, err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenFailed, err)
	}
	// one connection keeps ":memory:" databases shared
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: initialize schema: %w", ErrOpenFailed, err)
	}
	return store, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		state TEXT NOT NULL,
		outcome TEXT NOT NULL,
		items INTEGER NOT NULL,
		reused INTEGER NOT NULL,
		prepared INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		failures TEXT,
		error TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

const selectRuns = "SELECT run_id, started_at, duration_ms, state, outcome, items, reused, prepared, failed, failures, error FROM runs"

// Record stores run.
func (s *SQLiteStore) Record(ctx context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var failures []byte
	if len(run.Failures) > 0 {
		var err error
		failures, err = json.Marshal(run.Failures)
		if err != nil {
			return fmt.Errorf("%w: marshal failures: %w", ErrRecordFailed, err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs (run_id, started_at, duration_ms, state, outcome, items, reused, prepared, failed, failures, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.StartedAt.UnixMilli(), run.Duration.Milliseconds(), run.State, run.Outcome,
		run.Items, run.Reused, run.Prepared, run.Failed, string(failures), run.Error,
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRecordFailed, err)
	}
	return nil
}

// Recent returns up to limit runs, newest first. A non-positive limit returns
// every run.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, selectRuns+" ORDER BY started_at DESC, run_id LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate rows: %w", ErrQueryFailed, err)
	}
	return runs, nil
}

// Get returns the run with the given ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, selectRuns+" WHERE run_id = ?", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrRunNotFound.WithContext("run_id", id)
	}
	return run, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		run        Run
		startedAt  int64
		durationMS int64
		failures   sql.NullString
		errText    sql.NullString
	)
	err := row.Scan(&run.ID, &startedAt, &durationMS, &run.State, &run.Outcome,
		&run.Items, &run.Reused, &run.Prepared, &run.Failed, &failures, &errText)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, err
	}
	if err != nil {
		return Run{}, fmt.Errorf("%w: scan run: %w", ErrQueryFailed, err)
	}
	run.StartedAt = time.UnixMilli(startedAt).UTC()
	run.Duration = time.Duration(durationMS) * time.Millisecond
	run.Error = errText.String
	if failures.String != "" {
		if err := json.Unmarshal([]byte(failures.String), &run.Failures); err != nil {
			return Run{}, fmt.Errorf("%w: unmarshal failures: %w", ErrQueryFailed, err)
		}
	}
	return run, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
