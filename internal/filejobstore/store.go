// Package filejobstore implements jobstore.Store on top of a directory of
// YAML documents so job records survive a restart.
//
// Layout under the root directory:
//
//	jobs/<id>.yaml        original jobs
//	subjobs/<id>.yaml     sub-jobs
//	results/<id>.yaml     latest result per job
//	messages/<id>.yaml    append-only message history per job
//
// Every write goes to a temporary file in the same directory and is renamed
// into place, so a reader never sees a half-written document. A single mutex
// serializes access; the store is meant for one process.
package filejobstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vk/expertgrid/internal/ctxlog"
	"github.com/vk/expertgrid/internal/job"
	"github.com/vk/expertgrid/internal/jobstore"
)

const (
	kindJobs     = "jobs"
	kindSubJobs  = "subjobs"
	kindResults  = "results"
	kindMessages = "messages"
)

// Store is a file-backed jobstore.Store.
type Store struct {
	root string
	mu   sync.Mutex
}

// New prepares the directory layout under root and returns the store.
func New(root string) (*Store, error) {
	for _, kind := range []string{kindJobs, kindSubJobs, kindResults, kindMessages} {
		if err := os.MkdirAll(filepath.Join(root, kind), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	return &Store{root: root}, nil
}

type jobRecord struct {
	ID                 string `yaml:"id"`
	SessionID          string `yaml:"session_id,omitempty"`
	Goal               string `yaml:"goal"`
	Context            string `yaml:"context,omitempty"`
	AssignedExpertName string `yaml:"assigned_expert_name,omitempty"`
}

type subJobRecord struct {
	jobRecord     `yaml:",inline"`
	OriginalJobID string   `yaml:"original_job_id"`
	ExpertID      string   `yaml:"expert_id,omitempty"`
	OutputSchema  string   `yaml:"output_schema,omitempty"`
	Thinking      string   `yaml:"thinking,omitempty"`
	LifeCycle     int      `yaml:"life_cycle"`
	IsLegacy      bool     `yaml:"is_legacy,omitempty"`
	Predecessors  []string `yaml:"predecessors,omitempty"`
}

type messageRecord struct {
	JobID   string `yaml:"job_id"`
	Role    string `yaml:"role"`
	Payload string `yaml:"payload"`
	Lesson  string `yaml:"lesson,omitempty"`
}

type resultRecord struct {
	JobID      string         `yaml:"job_id"`
	Status     string         `yaml:"status"`
	Message    *messageRecord `yaml:"message,omitempty"`
	DurationMS int64          `yaml:"duration_ms,omitempty"`
	Tokens     int            `yaml:"tokens,omitempty"`
}

func toJobRecord(j *job.Job) jobRecord {
	return jobRecord{
		ID:                 j.ID,
		SessionID:          j.SessionID,
		Goal:               j.Goal,
		Context:            j.Context,
		AssignedExpertName: j.AssignedExpertName,
	}
}

func (r jobRecord) toJob() job.Job {
	return job.Job{
		ID:                 r.ID,
		SessionID:          r.SessionID,
		Goal:               r.Goal,
		Context:            r.Context,
		AssignedExpertName: r.AssignedExpertName,
	}
}

func toMessageRecord(m *job.Message) *messageRecord {
	if m == nil {
		return nil
	}
	return &messageRecord{JobID: m.JobID, Role: string(m.Role), Payload: m.Payload, Lesson: m.Lesson}
}

func (r *messageRecord) toMessage() *job.Message {
	if r == nil {
		return nil
	}
	return &job.Message{JobID: r.JobID, Role: job.Role(r.Role), Payload: r.Payload, Lesson: r.Lesson}
}

// SaveJob writes jobs/<id>.yaml.
func (s *Store) SaveJob(ctx context.Context, j *job.Job) error {
	if j == nil || j.ID == "" {
		return fmt.Errorf("cannot save job without id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, kindJobs, j.ID, toJobRecord(j))
}

// GetJob reads jobs/<id>.yaml.
func (s *Store) GetJob(_ context.Context, id string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec jobRecord
	if err := s.read(kindJobs, id, &rec); err != nil {
		return nil, err
	}
	j := rec.toJob()
	return &j, nil
}

// SaveSubJob writes subjobs/<id>.yaml.
func (s *Store) SaveSubJob(ctx context.Context, sj *job.SubJob) error {
	if sj == nil || sj.ID == "" {
		return fmt.Errorf("cannot save sub-job without id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, kindSubJobs, sj.ID, toSubJobRecord(sj))
}

func toSubJobRecord(sj *job.SubJob) subJobRecord {
	return subJobRecord{
		jobRecord:     toJobRecord(&sj.Job),
		OriginalJobID: sj.OriginalJobID,
		ExpertID:      sj.ExpertID,
		OutputSchema:  sj.OutputSchema,
		Thinking:      sj.Thinking,
		LifeCycle:     sj.LifeCycle,
		IsLegacy:      sj.IsLegacy,
		Predecessors:  sj.Predecessors,
	}
}

func (r subJobRecord) toSubJob() *job.SubJob {
	return &job.SubJob{
		Job:           r.jobRecord.toJob(),
		OriginalJobID: r.OriginalJobID,
		ExpertID:      r.ExpertID,
		OutputSchema:  r.OutputSchema,
		Thinking:      r.Thinking,
		LifeCycle:     r.LifeCycle,
		IsLegacy:      r.IsLegacy,
		Predecessors:  r.Predecessors,
	}
}

// GetSubJob reads subjobs/<id>.yaml.
func (s *Store) GetSubJob(_ context.Context, id string) (*job.SubJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec subJobRecord
	if err := s.read(kindSubJobs, id, &rec); err != nil {
		return nil, err
	}
	return rec.toSubJob(), nil
}

// SubJobs scans subjobs/ for records owned by originalJobID.
func (s *Store) SubJobs(_ context.Context, originalJobID string) ([]*job.SubJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(s.root, kindSubJobs))
	if err != nil {
		return nil, fmt.Errorf("failed to list sub-jobs: %w", err)
	}
	var out []*job.SubJob
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		var rec subJobRecord
		if err := s.read(kindSubJobs, strings.TrimSuffix(name, ".yaml"), &rec); err != nil {
			return nil, err
		}
		if rec.OriginalJobID == originalJobID {
			out = append(out, rec.toSubJob())
		}
	}
	slices.SortFunc(out, func(a, b *job.SubJob) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// RemoveJob deletes the job, sub-job and result documents for id.
func (s *Store) RemoveJob(_ context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, kind := range []string{kindJobs, kindSubJobs, kindResults} {
		err := os.Remove(s.path(kind, id))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove %s record %s: %w", kind, id, err)
		}
	}
	return nil
}

// SaveResult writes results/<job id>.yaml.
func (s *Store) SaveResult(ctx context.Context, r *job.Result) error {
	if r == nil || r.JobID == "" {
		return fmt.Errorf("cannot save result without job id")
	}
	rec := resultRecord{
		JobID:      r.JobID,
		Status:     string(r.Status),
		Message:    toMessageRecord(r.Message),
		DurationMS: r.Duration.Milliseconds(),
		Tokens:     r.Tokens,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, kindResults, r.JobID, rec)
}

// GetResult reads results/<job id>.yaml.
func (s *Store) GetResult(_ context.Context, jobID string) (*job.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getResult(jobID)
}

func (s *Store) getResult(jobID string) (*job.Result, error) {
	var rec resultRecord
	if err := s.read(kindResults, jobID, &rec); err != nil {
		return nil, err
	}
	return &job.Result{
		JobID:    rec.JobID,
		Status:   job.Status(rec.Status),
		Message:  rec.Message.toMessage(),
		Duration: time.Duration(rec.DurationMS) * time.Millisecond,
		Tokens:   rec.Tokens,
	}, nil
}

// Status returns the stored status, or CREATED when there is no result.
func (s *Store) Status(_ context.Context, jobID string) (job.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.getResult(jobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		return job.StatusCreated, nil
	}
	if err != nil {
		return "", err
	}
	return r.Status, nil
}

// SaveMessage appends to messages/<job id>.yaml.
func (s *Store) SaveMessage(ctx context.Context, m *job.Message) error {
	if m == nil || m.JobID == "" {
		return fmt.Errorf("cannot save message without job id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	history, err := s.messages(m.JobID)
	if err != nil {
		return err
	}
	history = append(history, *toMessageRecord(m))
	return s.write(ctx, kindMessages, m.JobID, history)
}

// Messages reads messages/<job id>.yaml.
func (s *Store) Messages(_ context.Context, jobID string) ([]*job.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history, err := s.messages(jobID)
	if err != nil {
		return nil, err
	}
	out := make([]*job.Message, len(history))
	for i := range history {
		out[i] = history[i].toMessage()
	}
	return out, nil
}

func (s *Store) messages(jobID string) ([]messageRecord, error) {
	var history []messageRecord
	err := s.read(kindMessages, jobID, &history)
	if errors.Is(err, jobstore.ErrNotFound) {
		return nil, nil
	}
	return history, err
}

func (s *Store) path(kind, id string) string {
	return filepath.Join(s.root, kind, id+".yaml")
}

func (s *Store) read(kind, id string, out any) error {
	if err := checkID(id); err != nil {
		return err
	}
	data, err := os.ReadFile(s.path(kind, id))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s record %s: %w", kind, id, jobstore.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read %s record %s: %w", kind, id, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s record %s: %w", kind, id, err)
	}
	return nil
}

func (s *Store) write(ctx context.Context, kind, id string, v any) error {
	if err := checkID(id); err != nil {
		return err
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s record %s: %w", kind, id, err)
	}

	dir := filepath.Join(s.root, kind)
	tmp, err := os.CreateTemp(dir, id+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s record %s: %w", kind, id, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s record %s: %w", kind, id, err)
	}
	if err := os.Rename(tmp.Name(), s.path(kind, id)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to commit %s record %s: %w", kind, id, err)
	}

	ctxlog.FromContext(ctx).Debug("Record written.", "kind", kind, "id", id)
	return nil
}

func checkID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid record id %q", id)
	}
	return nil
}
