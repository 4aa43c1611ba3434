// Package store is the SQLite-backed run ledger: every dispatched unit and
// every scheduler submission is recorded for later inspection by `status`.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/bidsflow/bidsflow/pkg/api"
)

// Store is a SQLite-backed persistence layer.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// Open creates or opens the ledger at path and applies migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

// CreateRun registers a new batch run and returns its id.
func (s *Store) CreateRun(pipeline api.Pipeline, mode api.Mode) (string, error) {
	id := uuid.NewString()
	if _, err := s.db.Exec(
		"INSERT INTO runs (id, pipeline, mode) VALUES (?, ?, ?)",
		id, string(pipeline), string(mode),
	); err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// RecordUnit upserts a unit's latest state within a run.
func (s *Store) RecordUnit(runID, subject, session string, state api.UnitState) error {
	_, err := s.db.Exec(
		`INSERT INTO units (run_id, subject, session, state) VALUES (?, ?, ?, ?)
		 ON CONFLICT (run_id, subject, session) DO UPDATE SET state = excluded.state`,
		runID, subject, session, string(state),
	)
	if err != nil {
		return fmt.Errorf("record unit: %w", err)
	}
	return nil
}

// RecordSubmission appends one scheduler submission to the ledger.
func (s *Store) RecordSubmission(runID, subject, session, jobID, dependsOn, relationship string) error {
	_, err := s.db.Exec(
		"INSERT INTO submissions (run_id, subject, session, job_id, depends_on, relationship) VALUES (?, ?, ?, ?, ?, ?)",
		runID, subject, session, jobID, dependsOn, relationship,
	)
	if err != nil {
		return fmt.Errorf("record submission: %w", err)
	}
	return nil
}

// Run summarizes one recorded batch run.
type Run struct {
	ID        string
	Pipeline  string
	Mode      string
	StartedAt time.Time
}

// Submission is one recorded sbatch acknowledgment.
type Submission struct {
	Subject      string
	Session      string
	JobID        string
	DependsOn    string
	Relationship string
}

// Runs lists the most recent runs, newest first.
func (s *Store) Runs(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		"SELECT id, pipeline, mode, started_at FROM runs ORDER BY started_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Pipeline, &r.Mode, &r.StartedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Submissions lists a run's submissions in submission order.
func (s *Store) Submissions(runID string) ([]Submission, error) {
	rows, err := s.db.Query(
		"SELECT subject, session, job_id, depends_on, relationship FROM submissions WHERE run_id = ? ORDER BY submitted_at, rowid", runID)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()
	var subs []Submission
	for rows.Next() {
		var sub Submission
		if err := rows.Scan(&sub.Subject, &sub.Session, &sub.JobID, &sub.DependsOn, &sub.Relationship); err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
