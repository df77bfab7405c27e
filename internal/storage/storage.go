package storage

import (
	"context"
	"errors"
	"time"

	"github.com/michaelbrown/flowgate/internal/execution"
)

// ErrNotFound is returned when no job matches an ID or prefix.
var ErrNotFound = errors.New("job not found")

// ErrAmbiguous is returned when an ID prefix matches more than one job.
var ErrAmbiguous = errors.New("ambiguous job prefix")

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
	StatusCanceled  JobStatus = "canceled"
)

// Terminal reports whether no further transitions can happen.
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Job is a submitted flow: the files sent to the sandbox and what came back.
type Job struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Status     JobStatus          `json:"status"`
	Files      execution.FileSet  `json:"files"`
	Outcome    *execution.Outcome `json:"outcome,omitempty"`
	Error      string             `json:"error,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
}

// JobListOptions controls filtering and pagination for ListJobs.
type JobListOptions struct {
	Status JobStatus
	Limit  int
	Offset int
}

// Store is the persistence interface for jobs.
type Store interface {
	// CreateJob inserts a new job. The ID field must be set by the caller.
	CreateJob(ctx context.Context, j *Job) error

	// GetJob returns a job by ID or unique ID prefix.
	GetJob(ctx context.Context, id string) (*Job, error)

	// ListJobs returns jobs ordered by created_at descending.
	ListJobs(ctx context.Context, opts JobListOptions) ([]Job, error)

	// UpdateJob updates mutable fields (status, outcome, error, finished_at).
	UpdateJob(ctx context.Context, j *Job) error

	// DeleteJob removes a job.
	DeleteJob(ctx context.Context, id string) error

	// Close releases resources.
	Close() error
}
