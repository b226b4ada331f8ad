// Package inmemoryjobstore provides an ephemeral, thread-safe, in-memory
// implementation of jobstore.Store.
//
// Records live in sync.Maps keyed by job id. Values are copied on the way in
// and on the way out so callers never share memory with the store. Message
// histories are append-only slices guarded by a small mutex.
//
// Nothing survives the process. Use filejobstore when records must outlive a
// run.
package inmemoryjobstore

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/vk/expertgrid/internal/job"
	"github.com/vk/expertgrid/internal/jobstore"
)

// Store is an in-memory implementation of jobstore.Store.
type Store struct {
	jobs    sync.Map // Key: job id, Value: *job.Job
	subJobs sync.Map // Key: sub-job id, Value: *job.SubJob
	results sync.Map // Key: job id, Value: *job.Result

	msgMu    sync.Mutex
	messages map[string][]*job.Message
}

// New creates a new, empty in-memory job store.
func New() jobstore.Store {
	return &Store{messages: make(map[string][]*job.Message)}
}

// SaveJob inserts or replaces an original job.
func (s *Store) SaveJob(_ context.Context, j *job.Job) error {
	if j == nil || j.ID == "" {
		return fmt.Errorf("cannot save job without id")
	}
	s.jobs.Store(j.ID, j.Copy())
	return nil
}

// GetJob returns an original job.
func (s *Store) GetJob(_ context.Context, id string) (*job.Job, error) {
	v, ok := s.jobs.Load(id)
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, jobstore.ErrNotFound)
	}
	return v.(*job.Job).Copy(), nil
}

// SaveSubJob inserts or replaces a sub-job.
func (s *Store) SaveSubJob(_ context.Context, sj *job.SubJob) error {
	if sj == nil || sj.ID == "" {
		return fmt.Errorf("cannot save sub-job without id")
	}
	s.subJobs.Store(sj.ID, sj.Copy())
	return nil
}

// GetSubJob returns a sub-job.
func (s *Store) GetSubJob(_ context.Context, id string) (*job.SubJob, error) {
	v, ok := s.subJobs.Load(id)
	if !ok {
		return nil, fmt.Errorf("sub-job %s: %w", id, jobstore.ErrNotFound)
	}
	return v.(*job.SubJob).Copy(), nil
}

// SubJobs returns the sub-jobs of an original job ordered by id.
func (s *Store) SubJobs(_ context.Context, originalJobID string) ([]*job.SubJob, error) {
	var out []*job.SubJob
	s.subJobs.Range(func(_, v any) bool {
		sj := v.(*job.SubJob)
		if sj.OriginalJobID == originalJobID {
			out = append(out, sj.Copy())
		}
		return true
	})
	slices.SortFunc(out, func(a, b *job.SubJob) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

// RemoveJob drops the job or sub-job record and its result.
func (s *Store) RemoveJob(_ context.Context, id string) error {
	s.jobs.Delete(id)
	s.subJobs.Delete(id)
	s.results.Delete(id)
	return nil
}

// SaveResult records the latest result of a job.
func (s *Store) SaveResult(_ context.Context, r *job.Result) error {
	if r == nil || r.JobID == "" {
		return fmt.Errorf("cannot save result without job id")
	}
	s.results.Store(r.JobID, r.Copy())
	return nil
}

// GetResult returns the latest result of a job.
func (s *Store) GetResult(_ context.Context, jobID string) (*job.Result, error) {
	v, ok := s.results.Load(jobID)
	if !ok {
		return nil, fmt.Errorf("result of %s: %w", jobID, jobstore.ErrNotFound)
	}
	return v.(*job.Result).Copy(), nil
}

// Status returns the latest status of a job.
func (s *Store) Status(_ context.Context, jobID string) (job.Status, error) {
	v, ok := s.results.Load(jobID)
	if !ok {
		return job.StatusCreated, nil
	}
	return v.(*job.Result).Status, nil
}

// SaveMessage appends a message to a job's history.
func (s *Store) SaveMessage(_ context.Context, m *job.Message) error {
	if m == nil || m.JobID == "" {
		return fmt.Errorf("cannot save message without job id")
	}
	c := *m
	s.msgMu.Lock()
	s.messages[m.JobID] = append(s.messages[m.JobID], &c)
	s.msgMu.Unlock()
	return nil
}

// Messages returns a job's messages in save order.
func (s *Store) Messages(_ context.Context, jobID string) ([]*job.Message, error) {
	s.msgMu.Lock()
	defer s.msgMu.Unlock()

	src := s.messages[jobID]
	out := make([]*job.Message, len(src))
	for i, m := range src {
		c := *m
		out[i] = &c
	}
	return out, nil
}
