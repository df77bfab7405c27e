package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/michaelbrown/flowgate/internal/execution"
	"github.com/michaelbrown/flowgate/internal/storage"

	_ "modernc.org/sqlite"
)

const jobColumns = `id, name, status, files, outcome, error, created_at, updated_at, finished_at`

// timeLayout has fixed-width fractional seconds so stored values sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements storage.Store backed by a SQLite database.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Each pooled connection to ":memory:" would be a separate database, and
	// SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) CreateJob(ctx context.Context, j *storage.Job) error {
	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now
	if j.Status == "" {
		j.Status = storage.StatusPending
	}

	files, err := json.Marshal(j.Files)
	if err != nil {
		return fmt.Errorf("marshaling files: %w", err)
	}
	outcome, err := marshalOutcome(j.Outcome)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, name, status, files, outcome, error, created_at, updated_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Name, string(j.Status), string(files), outcome, j.Error,
		formatTime(j.CreatedAt), formatTime(j.UpdatedAt), formatTimePtr(j.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*storage.Job, error) {
	// Exact match first, then a literal case-sensitive prefix
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("querying job: %w", err)
	}
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", storage.ErrNotFound)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE substr(id, 1, length(?)) = ? LIMIT 2`, id, id)
	if err != nil {
		return nil, fmt.Errorf("querying job: %w", err)
	}
	defer rows.Close()

	var matches []*storage.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%w: %q", storage.ErrAmbiguous, id)
	}
}

func (s *Store) ListJobs(ctx context.Context, opts storage.JobListOptions) ([]storage.Job, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any

	if opts.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(opts.Status))
	}

	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var jobs []storage.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (s *Store) UpdateJob(ctx context.Context, j *storage.Job) error {
	j.UpdatedAt = time.Now().UTC()

	outcome, err := marshalOutcome(j.Outcome)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET name = ?, status = ?, outcome = ?, error = ?, updated_at = ?, finished_at = ?
		WHERE id = ?`,
		j.Name, string(j.Status), outcome, j.Error,
		formatTime(j.UpdatedAt), formatTimePtr(j.FinishedAt), j.ID,
	)
	if err != nil {
		return fmt.Errorf("updating job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, j.ID)
	}
	return nil
}

func (s *Store) DeleteJob(ctx context.Context, id string) error {
	// Resolve prefix first
	j, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, j.ID)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Scanner interface to work with both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*storage.Job, error) {
	var (
		j                    storage.Job
		status, files        string
		outcome, finishedAt  sql.NullString
		createdAt, updatedAt string
	)
	err := s.Scan(&j.ID, &j.Name, &status, &files, &outcome, &j.Error, &createdAt, &updatedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	j.Status = storage.JobStatus(status)

	if err := json.Unmarshal([]byte(files), &j.Files); err != nil {
		return nil, fmt.Errorf("unmarshaling files for job %s: %w", j.ID, err)
	}
	if outcome.Valid && outcome.String != "" {
		var o execution.Outcome
		if err := json.Unmarshal([]byte(outcome.String), &o); err != nil {
			return nil, fmt.Errorf("unmarshaling outcome for job %s: %w", j.ID, err)
		}
		j.Outcome = &o
	}

	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	j.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if finishedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, finishedAt.String); err == nil {
			j.FinishedAt = &t
		}
	}
	return &j, nil
}

func marshalOutcome(o *execution.Outcome) (any, error) {
	if o == nil {
		return nil, nil
	}
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("marshaling outcome: %w", err)
	}
	return string(data), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
