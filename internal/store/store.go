package store

import (
	"database/sql"
	"errors"
	"strings"
	"time"
)

// Store journals runs and their generation attempts in sqlite. Writes are
// diagnostics only: a run never reads the journal back to drive control flow.
type Store struct {
	db *sql.DB
}

var ErrNotFound = errors.New("not found")

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusAborted   = "aborted"
)

// Run is one orchestrator invocation.
type Run struct {
	RunID         string `json:"run_id"`
	Prompt        string `json:"prompt"`
	Target        int    `json:"target"`
	Status        string `json:"status"`
	Successful    int    `json:"successful"`
	TotalAttempts int    `json:"total_attempts"`
	OutputDir     string `json:"output_dir"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

// Attempt is one HTTP call/response cycle within a run. Retry is 0 for the
// first try of a slot, ResponsePath always holds the persisted raw body, and
// ImagePath is empty unless the attempt produced a verified non-empty image.
type Attempt struct {
	ID           int64  `json:"id"`
	RunID        string `json:"run_id"`
	Slot         int    `json:"slot"`
	Retry        int    `json:"retry"`
	Outcome      string `json:"outcome"`
	ResponsePath string `json:"response_path"`
	ImagePath    string `json:"image_path"`
	ErrorSummary string `json:"error_summary"`
	StartedAt    string `json:"started_at"`
	FinishedAt   string `json:"finished_at"`
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init runs migrations using PRAGMA user_version.
func (s *Store) Init() error {
	var ver int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&ver); err != nil {
		return err
	}
	if ver >= 1 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// v1 schema
	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS runs (
  run_id TEXT PRIMARY KEY,
  prompt TEXT NOT NULL,
  target INTEGER NOT NULL,
  status TEXT NOT NULL,
  successful INTEGER NOT NULL DEFAULT 0,
  total_attempts INTEGER NOT NULL DEFAULT 0,
  output_dir TEXT NOT NULL,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS attempts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
  slot INTEGER NOT NULL,
  retry INTEGER NOT NULL,
  outcome TEXT NOT NULL,
  response_path TEXT NOT NULL,
  image_path TEXT,
  error_summary TEXT,
  started_at TEXT NOT NULL,
  finished_at TEXT NOT NULL
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`PRAGMA user_version = 1`); err != nil {
		return err
	}

	return tx.Commit()
}

// CreateRun inserts a new run row with status running.
func (s *Store) CreateRun(runID, prompt string, target int, outputDir string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(
		`INSERT INTO runs (run_id, prompt, target, status, successful, total_attempts, output_dir, created_at, updated_at) VALUES (?, ?, ?, ?, 0, 0, ?, ?, ?)`,
		runID, prompt, target, StatusRunning, outputDir, now, now,
	)
	return err
}

// RecordAttempt appends one attempt row and returns its id.
func (s *Store) RecordAttempt(runID string, slot, retry int, outcome, responsePath, imagePath, errorSummary string, startedAt, finishedAt time.Time) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO attempts (run_id, slot, retry, outcome, response_path, image_path, error_summary, started_at, finished_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, slot, retry, outcome, responsePath, imagePath, errorSummary,
		startedAt.UTC().Format(time.RFC3339Nano), finishedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateRunProgress updates the run counters and updated_at.
func (s *Store) UpdateRunProgress(runID string, successful, totalAttempts int) error {
	return s.execWithRetry(
		`UPDATE runs SET successful = ?, total_attempts = ?, updated_at = ? WHERE run_id = ?`,
		successful, totalAttempts, time.Now().UTC().Format(time.RFC3339Nano), runID,
	)
}

// FinishRun sets the terminal status and final counters.
func (s *Store) FinishRun(runID, status string, successful, totalAttempts int) error {
	return s.execWithRetry(
		`UPDATE runs SET status = ?, successful = ?, total_attempts = ?, updated_at = ? WHERE run_id = ?`,
		status, successful, totalAttempts, time.Now().UTC().Format(time.RFC3339Nano), runID,
	)
}

func (s *Store) GetRun(runID string) (*Run, error) {
	row := s.db.QueryRow(`SELECT run_id, prompt, target, status, successful, total_attempts, output_dir, created_at, updated_at FROM runs WHERE run_id = ?`, runID)
	var r Run
	if err := row.Scan(&r.RunID, &r.Prompt, &r.Target, &r.Status, &r.Successful, &r.TotalAttempts, &r.OutputDir, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

// ListRuns returns runs ordered newest first. If limit <= 0, return all.
func (s *Store) ListRuns(limit int) ([]*Run, error) {
	q := `SELECT run_id, prompt, target, status, successful, total_attempts, output_dir, created_at, updated_at FROM runs ORDER BY created_at DESC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		q = q + ` LIMIT ?`
		rows, err = s.db.Query(q, limit)
	} else {
		rows, err = s.db.Query(q)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.RunID, &r.Prompt, &r.Target, &r.Status, &r.Successful, &r.TotalAttempts, &r.OutputDir, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ListAttempts returns a run's attempts in chronological order. If limit <= 0,
// return all. Returns ErrNotFound for an unknown run.
func (s *Store) ListAttempts(runID string, limit int) ([]*Attempt, error) {
	var exists int
	if err := s.db.QueryRow(`SELECT 1 FROM runs WHERE run_id = ?`, runID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	q := `SELECT id, run_id, slot, retry, outcome, response_path, COALESCE(image_path, ''), COALESCE(error_summary, ''), started_at, finished_at FROM attempts WHERE run_id = ? ORDER BY id ASC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		q = q + ` LIMIT ?`
		rows, err = s.db.Query(q, runID, limit)
	} else {
		rows, err = s.db.Query(q, runID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.ID, &a.RunID, &a.Slot, &a.Retry, &a.Outcome, &a.ResponsePath, &a.ImagePath, &a.ErrorSummary, &a.StartedAt, &a.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// execWithRetry retries a write on transient SQLITE_BUSY conditions so a
// contended update does not lose run progress.
func (s *Store) execWithRetry(query string, args ...any) error {
	const maxRetries = 5
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		_, err := s.db.Exec(query, args...)
		if err == nil {
			return nil
		}
		lastErr = err
		if isSqliteBusy(err) {
			time.Sleep(time.Duration(10*(1<<i)) * time.Millisecond)
			continue
		}
		return err
	}
	return lastErr
}

// isSqliteBusy reports whether err represents a busy/locked sqlite condition.
func isSqliteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return msg == "database is locked" || msg == "database is busy" || strings.Contains(msg, "SQLITE_BUSY")
}
