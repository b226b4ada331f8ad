// Package jobstore defines the persistence interface for jobs, sub-jobs,
// results and messages.
//
// # Separation from the graph
//
// The graph store owns topology: which sub-jobs exist for an original job and
// how they depend on each other. The job store owns records: what a job says,
// the latest status it reached, and every message written against it. The
// scheduler and the lifecycle controller write both; readers such as the
// status server only need the job store.
//
// # Thread-Safety Requirements
//
// Implementations MUST be safe for concurrent use. Sub-jobs of one original
// job complete on separate goroutines and record their results concurrently.
package jobstore

import (
	"context"
	"errors"

	"github.com/vk/expertgrid/internal/job"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store persists jobs and their execution records.
type Store interface {
	// SaveJob inserts or replaces an original job.
	SaveJob(ctx context.Context, j *job.Job) error
	// GetJob returns an original job or ErrNotFound.
	GetJob(ctx context.Context, id string) (*job.Job, error)

	// SaveSubJob inserts or replaces a sub-job.
	SaveSubJob(ctx context.Context, sj *job.SubJob) error
	// GetSubJob returns a sub-job or ErrNotFound.
	GetSubJob(ctx context.Context, id string) (*job.SubJob, error)
	// SubJobs returns every sub-job recorded for an original job, ordered by id.
	SubJobs(ctx context.Context, originalJobID string) ([]*job.SubJob, error)

	// RemoveJob drops a job or sub-job record together with its result.
	// Messages are kept. Removing an unknown id is not an error.
	RemoveJob(ctx context.Context, id string) error

	// SaveResult records the latest result of a job.
	SaveResult(ctx context.Context, r *job.Result) error
	// GetResult returns the latest result of a job or ErrNotFound.
	GetResult(ctx context.Context, jobID string) (*job.Result, error)
	// Status returns the latest status of a job, StatusCreated when no result
	// has been stored yet.
	Status(ctx context.Context, jobID string) (job.Status, error)

	// SaveMessage appends a message to a job's history.
	SaveMessage(ctx context.Context, m *job.Message) error
	// Messages returns a job's messages in the order they were saved.
	Messages(ctx context.Context, jobID string) ([]*job.Message, error)
}

// LastMessage returns the most recent message of the given role, or nil.
func LastMessage(ctx context.Context, s Store, jobID string, role job.Role) (*job.Message, error) {
	msgs, err := s.Messages(ctx, jobID)
	if err != nil {
		return nil, err
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == role {
			return msgs[i], nil
		}
	}
	return nil, nil
}
