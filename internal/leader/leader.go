package leader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vk/expertgrid/internal/ctxlog"
	"github.com/vk/expertgrid/internal/decomposer"
	"github.com/vk/expertgrid/internal/expert"
	"github.com/vk/expertgrid/internal/graphstore"
	"github.com/vk/expertgrid/internal/job"
	"github.com/vk/expertgrid/internal/jobstore"
	"github.com/vk/expertgrid/internal/scheduler"
)

var (
	// ErrUnknownJob is returned for ids that are neither an original job nor
	// a sub-job.
	ErrUnknownJob = errors.New("unknown job")
	// ErrOrphanSubJob is returned for a sub-job that belongs to no original
	// job.
	ErrOrphanSubJob = errors.New("the sub-job is not assigned to an original job")
	// ErrAlreadyStarted is returned when an original job is executed twice.
	ErrAlreadyStarted = errors.New("job already started")
	// ErrNotStopped is returned when recovering a job that is not STOPPED.
	ErrNotStopped = errors.New("job is not stopped")
)

// Config holds the collaborators of a Leader.
type Config struct {
	Jobs    jobstore.Store
	Graphs  *graphstore.Store
	Experts *expert.Registry
	Planner scheduler.Replanner
	// Workers bounds concurrent expert executions per original job.
	Workers int
}

type run struct {
	done chan struct{}
	err  error
}

// Leader is the lifecycle controller. It decomposes original jobs, drives
// their graphs through the scheduler, and owns every status transition of
// the original job.
type Leader struct {
	jobs    jobstore.Store
	graphs  *graphstore.Store
	planner scheduler.Replanner
	sched   *scheduler.Scheduler

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup

	// statusMu serialises status changes of original jobs.
	statusMu sync.Mutex
}

// New wires a leader and its scheduler.
func New(cfg Config) *Leader {
	l := &Leader{
		jobs:    cfg.Jobs,
		graphs:  cfg.Graphs,
		planner: cfg.Planner,
		runs:    make(map[string]*run),
	}
	l.sched = scheduler.New(scheduler.Deps{
		Graphs:  cfg.Graphs,
		Jobs:    cfg.Jobs,
		Experts: cfg.Experts,
		Planner: cfg.Planner,
		Failer:  l,
		Gate:    l,
	}, cfg.Workers)
	return l
}

// Submit records a new original job and executes it on its own goroutine.
// Use Wait to block until it is done.
func (l *Leader) Submit(ctx context.Context, j *job.Job) error {
	if j == nil || j.ID == "" {
		return fmt.Errorf("cannot submit job without id")
	}
	status, err := l.jobs.Status(ctx, j.ID)
	if err != nil {
		return err
	}
	if status != job.StatusCreated {
		return fmt.Errorf("job %s is %s: %w", j.ID, status, ErrAlreadyStarted)
	}
	if err := l.jobs.SaveJob(ctx, j); err != nil {
		return fmt.Errorf("failed to save job %s: %w", j.ID, err)
	}
	return l.start(ctx, j.ID, func(ctx context.Context) error {
		return l.ExecuteOriginalJob(ctx, j)
	})
}

// start runs fn as the single active run of an original job.
func (l *Leader) start(ctx context.Context, originalJobID string, fn func(context.Context) error) error {
	l.mu.Lock()
	if prev, ok := l.runs[originalJobID]; ok {
		select {
		case <-prev.done:
		default:
			l.mu.Unlock()
			return fmt.Errorf("job %s: %w", originalJobID, ErrAlreadyStarted)
		}
	}
	r := &run{done: make(chan struct{})}
	l.runs[originalJobID] = r
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer close(r.done)
		r.err = fn(ctx)
		if r.err != nil {
			ctxlog.FromContext(ctx).Warn("Job run ended with error.", "original_job_id", originalJobID, "error", r.err)
		}
	}()
	return nil
}

// Wait blocks until the current run of an original job exits and returns
// its error. It returns nil at once when no run was started.
func (l *Leader) Wait(ctx context.Context, originalJobID string) error {
	l.mu.Lock()
	r, ok := l.runs[originalJobID]
	l.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitAll blocks until every run started by the leader has exited.
func (l *Leader) WaitAll() {
	l.wg.Wait()
}

// ExecuteOriginalJob decomposes a CREATED original job, installs its graph
// and executes it. It blocks until the graph is done.
func (l *Leader) ExecuteOriginalJob(ctx context.Context, j *job.Job) error {
	ctx = ctxlog.With(ctx, "original_job_id", j.ID)
	logger := ctxlog.FromContext(ctx)

	status, err := l.jobs.Status(ctx, j.ID)
	if err != nil {
		return err
	}
	if status != job.StatusCreated {
		return fmt.Errorf("job %s is %s: %w", j.ID, status, ErrAlreadyStarted)
	}
	if err := l.jobs.SaveJob(ctx, j); err != nil {
		return fmt.Errorf("failed to save job %s: %w", j.ID, err)
	}
	if err := l.setResult(ctx, job.NewResult(j.ID, job.StatusRunning)); err != nil {
		return fmt.Errorf("failed to mark job %s running: %w", j.ID, err)
	}

	logger.Info("Decomposing job.", "goal", j.Goal)
	g, err := l.planner.Plan(ctx, decomposer.PlanRequest{Job: *j, OriginalJobID: j.ID})
	if err == nil {
		err = l.graphs.ReplaceSubgraph(ctx, j.ID, g, nil)
	}
	if err != nil {
		return l.failRun(ctx, j.ID, err)
	}
	logger.Info("Job decomposed.", "subjobs", g.Len())

	return l.ExecuteJobGraph(ctx, j.ID)
}

// ExecuteJobGraph runs the scheduler over the existing graph of an original
// job and records the final outcome. It blocks until the graph is done.
func (l *Leader) ExecuteJobGraph(ctx context.Context, originalJobID string) error {
	ctx = ctxlog.With(ctx, "original_job_id", originalJobID)
	logger := ctxlog.FromContext(ctx)
	start := time.Now()

	err := l.sched.Run(ctx, originalJobID)
	switch {
	case errors.Is(err, scheduler.ErrHalted):
		logger.Info("Job graph halted.")
		return err
	case err != nil && ctx.Err() != nil:
		stopCtx := context.WithoutCancel(ctx)
		if serr := l.StopJobGraph(stopCtx, originalJobID, "The job was cancelled."); serr != nil {
			return errors.Join(err, serr)
		}
		return err
	case err != nil:
		return l.failRun(ctx, originalJobID, err)
	}

	if l.Halted(ctx, originalJobID) {
		return scheduler.ErrHalted
	}
	res, err := l.graphs.QueryJobResult(originalJobID)
	if err != nil {
		return l.failRun(ctx, originalJobID, err)
	}
	if res.Status != job.StatusFinished {
		return l.failRun(ctx, originalJobID, fmt.Errorf("job graph ended without a result for every tail"))
	}
	res.Duration = time.Since(start)
	if err := l.setResult(ctx, res); err != nil {
		if errors.Is(err, job.ErrInvalidTransition) {
			logger.Info("Job graph halted before its result was saved.", "error", err)
			return scheduler.ErrHalted
		}
		return fmt.Errorf("failed to save result of job %s: %w", originalJobID, err)
	}
	if err := l.jobs.SaveMessage(ctx, res.Message); err != nil {
		return fmt.Errorf("failed to save message of job %s: %w", originalJobID, err)
	}
	logger.Info("Job finished.", "duration", res.Duration)
	return nil
}

// failRun fails the original job unless the scheduler already did, and
// returns cause.
func (l *Leader) failRun(ctx context.Context, originalJobID string, cause error) error {
	if err := l.FailJobGraph(context.WithoutCancel(ctx), originalJobID, cause.Error()); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// Halted reports whether an original job was stopped or failed. It
// implements scheduler.Gate.
func (l *Leader) Halted(ctx context.Context, originalJobID string) bool {
	status, err := l.jobs.Status(ctx, originalJobID)
	if err != nil {
		return false
	}
	return status == job.StatusStopped || status == job.StatusFailed
}

// StopJobGraph stops the graph that jobID belongs to. jobID may name the
// original job or any of its sub-jobs. Sub-jobs without a result and the
// original job, unless it has one, become STOPPED. Executions already in
// flight are not interrupted; their results are discarded.
func (l *Leader) StopJobGraph(ctx context.Context, jobID, reason string) error {
	original, err := l.resolve(ctx, jobID)
	if err != nil {
		return err
	}
	ctx = ctxlog.With(ctx, "original_job_id", original.ID)
	if err := l.loadGraph(ctx, original.ID); err != nil {
		return err
	}

	msg, err := l.saveSystemMessage(ctx, original, reason)
	if err != nil {
		return err
	}
	if err := l.stopSubJobs(ctx, original.ID); err != nil {
		return err
	}

	// An original job that already has a result keeps it.
	err = l.setResult(ctx, &job.Result{JobID: original.ID, Status: job.StatusStopped, Message: msg})
	if err != nil && !errors.Is(err, job.ErrInvalidTransition) {
		return fmt.Errorf("failed to stop job %s: %w", original.ID, err)
	}
	ctxlog.FromContext(ctx).Warn("Job graph stopped.", "job_id", jobID, "reason", reason)
	return nil
}

// FailJobGraph fails the graph that jobID belongs to. It does nothing when
// jobID already has a result. Otherwise jobID and the original job become
// FAILED and every other sub-job without a result becomes STOPPED. It
// implements scheduler.Failer.
func (l *Leader) FailJobGraph(ctx context.Context, jobID, reason string) error {
	status, err := l.jobs.Status(ctx, jobID)
	if err != nil {
		return err
	}
	if status.HasResult() {
		return nil
	}

	original, err := l.resolve(ctx, jobID)
	if err != nil {
		return err
	}
	ctx = ctxlog.With(ctx, "original_job_id", original.ID)

	msg, err := l.saveSystemMessage(ctx, original, reason+logHint(jobID))
	if err != nil {
		return err
	}
	if jobID != original.ID {
		if err := l.jobs.SaveResult(ctx, job.NewResult(jobID, job.StatusFailed)); err != nil {
			return fmt.Errorf("failed to fail job %s: %w", jobID, err)
		}
	}
	if err := l.stopSubJobs(ctx, original.ID); err != nil {
		return err
	}
	err = l.setResult(ctx, &job.Result{JobID: original.ID, Status: job.StatusFailed, Message: msg})
	if err != nil && !errors.Is(err, job.ErrInvalidTransition) {
		return fmt.Errorf("failed to fail job %s: %w", original.ID, err)
	}
	ctxlog.FromContext(ctx).Error("Job graph failed.", "job_id", jobID, "reason", reason)
	return nil
}

// RecoverOriginalJob resumes a STOPPED original job on its own goroutine.
// A job that was never decomposed starts over. Otherwise STOPPED sub-jobs
// are reset to CREATED and the graph is executed again; sub-jobs that
// already finished are not run again.
func (l *Leader) RecoverOriginalJob(ctx context.Context, originalJobID string) error {
	original, err := l.jobs.GetJob(ctx, originalJobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			return fmt.Errorf("job %s: %w", originalJobID, ErrUnknownJob)
		}
		return err
	}
	status, err := l.jobs.Status(ctx, originalJobID)
	if err != nil {
		return err
	}
	if status != job.StatusStopped {
		return fmt.Errorf("job %s is %s: %w", originalJobID, status, ErrNotStopped)
	}

	// The stopped run may still be draining in-flight work.
	if err := l.Wait(ctx, originalJobID); err != nil && ctx.Err() != nil {
		return err
	}
	logger := ctxlog.FromContext(ctx).With("original_job_id", originalJobID)

	// After a restart the graph lives only in the job store.
	if err := l.loadGraph(ctx, originalJobID); err != nil {
		return err
	}
	subJobIDs := l.graphs.SubJobIDs(originalJobID)
	if len(subJobIDs) == 0 {
		if err := l.setResult(ctx, job.NewResult(originalJobID, job.StatusCreated)); err != nil {
			return fmt.Errorf("failed to reset job %s: %w", originalJobID, err)
		}
		logger.Info("Recovering job from decomposition.")
		return l.start(ctx, originalJobID, func(ctx context.Context) error {
			return l.ExecuteOriginalJob(ctx, original)
		})
	}

	if err := l.setResult(ctx, job.NewResult(originalJobID, job.StatusRunning)); err != nil {
		return fmt.Errorf("failed to resume job %s: %w", originalJobID, err)
	}
	reset := 0
	for _, id := range subJobIDs {
		st, err := l.jobs.Status(ctx, id)
		if err != nil {
			return err
		}
		if st != job.StatusStopped {
			continue
		}
		if err := l.jobs.SaveResult(ctx, job.NewResult(id, job.StatusCreated)); err != nil {
			return fmt.Errorf("failed to reset job %s: %w", id, err)
		}
		reset++
	}
	logger.Info("Recovering job graph.", "subjobs", len(subJobIDs), "reset", reset)
	return l.start(ctx, originalJobID, func(ctx context.Context) error {
		return l.ExecuteJobGraph(ctx, originalJobID)
	})
}

// QueryJobResult returns the current result of a job. For an original job
// that was stopped or failed the system message explains why; otherwise the
// payloads of the graph's tail sub-jobs are aggregated. For a sub-job the
// stored result is returned.
func (l *Leader) QueryJobResult(ctx context.Context, jobID string) (*job.Result, error) {
	if _, err := l.jobs.GetJob(ctx, jobID); err != nil {
		if !errors.Is(err, jobstore.ErrNotFound) {
			return nil, err
		}
		if _, serr := l.jobs.GetSubJob(ctx, jobID); serr != nil {
			return nil, fmt.Errorf("job %s: %w", jobID, ErrUnknownJob)
		}
		res, err := l.jobs.GetResult(ctx, jobID)
		if errors.Is(err, jobstore.ErrNotFound) {
			return job.NewResult(jobID, job.StatusCreated), nil
		}
		return res, err
	}

	status, err := l.jobs.Status(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if status == job.StatusFailed || status == job.StatusStopped {
		msg, err := jobstore.LastMessage(ctx, l.jobs, jobID, job.RoleSystem)
		if err != nil {
			return nil, err
		}
		return &job.Result{JobID: jobID, Status: status, Message: msg}, nil
	}

	if err := l.loadGraph(ctx, jobID); err != nil {
		return nil, err
	}
	res, err := l.graphs.QueryJobResult(jobID)
	if errors.Is(err, graphstore.ErrUnknownJob) {
		// Not decomposed yet.
		return &job.Result{
			JobID:   jobID,
			Status:  status,
			Message: &job.Message{JobID: jobID, Role: job.RoleSystem, Payload: graphstore.NotCompletedPayload},
		}, nil
	}
	return res, err
}

// resolve returns the original job that jobID is or belongs to.
func (l *Leader) resolve(ctx context.Context, jobID string) (*job.Job, error) {
	original, err := l.jobs.GetJob(ctx, jobID)
	if err == nil {
		return original, nil
	}
	if !errors.Is(err, jobstore.ErrNotFound) {
		return nil, err
	}

	sj, err := l.jobs.GetSubJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			return nil, fmt.Errorf("job %s: %w", jobID, ErrUnknownJob)
		}
		return nil, err
	}
	origID := sj.OriginalJobID
	if owner, ok := l.graphs.Owner(jobID); ok {
		origID = owner
	}
	if origID == "" {
		return nil, fmt.Errorf("sub-job %s: %w", jobID, ErrOrphanSubJob)
	}
	original, err = l.jobs.GetJob(ctx, origID)
	if err != nil {
		return nil, fmt.Errorf("original job %s of sub-job %s: %w", origID, jobID, err)
	}
	return original, nil
}

func (l *Leader) loadGraph(ctx context.Context, originalJobID string) error {
	if _, err := l.graphs.Load(ctx, originalJobID); err != nil {
		return fmt.Errorf("failed to load graph of job %s: %w", originalJobID, err)
	}
	return nil
}

// setResult saves a new result of an original job after checking that its
// status may move there. The check and the write happen under statusMu, so a
// stop landing while a run finishes is never overwritten.
func (l *Leader) setResult(ctx context.Context, res *job.Result) error {
	l.statusMu.Lock()
	defer l.statusMu.Unlock()

	from, err := l.jobs.Status(ctx, res.JobID)
	if err != nil {
		return err
	}
	if _, err := job.Transition(from, res.Status); err != nil {
		return fmt.Errorf("job %s: %w", res.JobID, err)
	}
	if err := l.jobs.SaveResult(ctx, res); err != nil {
		return err
	}
	if res.Status.IsTerminal() {
		ctxlog.FromContext(ctx).Debug("Job reached a terminal status.", "job_id", res.JobID, "status", res.Status)
	}
	return nil
}

// stopSubJobs marks every live sub-job that has no result STOPPED.
func (l *Leader) stopSubJobs(ctx context.Context, originalJobID string) error {
	for _, id := range l.graphs.SubJobIDs(originalJobID) {
		status, err := l.jobs.Status(ctx, id)
		if err != nil {
			return err
		}
		if status.HasResult() {
			continue
		}
		if err := l.jobs.SaveResult(ctx, job.NewResult(id, job.StatusStopped)); err != nil {
			return fmt.Errorf("failed to stop sub-job %s: %w", id, err)
		}
	}
	return nil
}

func (l *Leader) saveSystemMessage(ctx context.Context, original *job.Job, reason string) (*job.Message, error) {
	msg := &job.Message{
		JobID:   original.ID,
		Role:    job.RoleSystem,
		Payload: systemMessage(original, reason),
	}
	if err := l.jobs.SaveMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to save system message for job %s: %w", original.ID, err)
	}
	return msg, nil
}
