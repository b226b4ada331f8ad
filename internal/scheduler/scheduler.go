package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/vk/expertgrid/internal/ctxlog"
	"github.com/vk/expertgrid/internal/decomposer"
	"github.com/vk/expertgrid/internal/expert"
	"github.com/vk/expertgrid/internal/graphstore"
	"github.com/vk/expertgrid/internal/job"
	"github.com/vk/expertgrid/internal/jobgraph"
	"github.com/vk/expertgrid/internal/jobstore"
)

// DefaultWorkers bounds concurrent expert executions when no value is given.
const DefaultWorkers = 4

// Deps are the collaborators a Scheduler drives.
type Deps struct {
	Graphs  *graphstore.Store
	Jobs    jobstore.Store
	Experts *expert.Registry
	Planner Replanner
	// Failer and Gate are optional.
	Failer Failer
	Gate   Gate
}

// Scheduler executes the graph of one original job at a time per Run call.
type Scheduler struct {
	deps    Deps
	workers int
}

// New creates a scheduler. workers <= 0 selects DefaultWorkers.
func New(deps Deps, workers int) *Scheduler {
	if deps.Failer == nil {
		deps.Failer = noFailer{}
	}
	if deps.Gate == nil {
		deps.Gate = noGate{}
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Scheduler{deps: deps, workers: workers}
}

// Run executes the sub-jobs of an original job until every one has a result.
//
// Vertices that already hold a FINISHED result are not executed again. A nil
// return means every sub-job finished; any error is fatal to the run. In all
// cases Run returns only after every dispatched execution has reported.
func (s *Scheduler) Run(ctx context.Context, originalJobID string) error {
	ctx = ctxlog.With(ctx, "original_job_id", originalJobID)

	r := newRun(s, originalJobID)
	if err := r.seed(); err != nil {
		return err
	}
	return r.loop(ctx)
}

// run is the state of one Run call. It is only touched by the loop goroutine.
type run struct {
	s    *Scheduler
	orig string

	pending map[string]struct{}
	running map[string]time.Time
	results map[string]*job.Message
	// lessons are fed to a sub-job's next execution.
	lessons map[string][]string
	// rerun holds running sub-jobs that were rewound while executing. Their
	// completion is discarded and they are queued again.
	rerun map[string]struct{}

	halt error
}

func newRun(s *Scheduler, originalJobID string) *run {
	return &run{
		s:       s,
		orig:    originalJobID,
		pending: make(map[string]struct{}),
		running: make(map[string]time.Time),
		results: make(map[string]*job.Message),
		lessons: make(map[string][]string),
		rerun:   make(map[string]struct{}),
	}
}

func (r *run) seed() error {
	return r.s.deps.Graphs.View(r.orig, func(g *jobgraph.Graph) {
		for _, id := range g.Vertices() {
			if res := g.Result(id); res != nil && res.Status == job.StatusFinished && res.Message != nil {
				r.results[id] = res.Message
				continue
			}
			r.pending[id] = struct{}{}
		}
	})
}

func (r *run) loop(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	p := newPool(r.s.workers)
	logger.Info("Scheduler started.", "pending", len(r.pending), "finished", len(r.results), "workers", r.s.workers)

	for len(r.pending)+len(r.running) > 0 {
		if r.halt == nil {
			r.checkHalt(ctx)
		}
		if r.halt == nil {
			if err := r.dispatchReady(ctx, p); err != nil {
				r.halt = err
			}
		}
		if r.halt == nil && len(r.running) == 0 && len(r.pending) > 0 {
			deadlockCounter.Inc()
			r.halt = fmt.Errorf("%w: pending %s", ErrDeadlock, strings.Join(sortedIDs(r.pending), ", "))
			logger.Error("Deadlock detected.", "pending", len(r.pending))
		}
		if len(r.running) == 0 {
			break
		}

		r.harvest(ctx, <-p.completions)
	drain:
		for {
			select {
			case c := <-p.completions:
				r.harvest(ctx, c)
			default:
				break drain
			}
		}
	}

	p.wait()
	if r.halt != nil {
		logger.Warn("Scheduler stopped.", "error", r.halt, "pending", len(r.pending))
		return r.halt
	}
	logger.Info("Scheduler finished.", "finished", len(r.results))
	return nil
}

func (r *run) checkHalt(ctx context.Context) {
	if err := ctx.Err(); err != nil {
		r.halt = err
		return
	}
	if r.s.deps.Gate.Halted(ctx, r.orig) {
		r.halt = ErrHalted
	}
}

type dispatch struct {
	id       string
	sj       *job.SubJob
	expertID string
	inputs   []*job.Message
}

// ready returns the pending vertices that are not running and whose
// predecessors all have results and are neither pending nor running, in id
// order.
func (r *run) ready() ([]dispatch, error) {
	var out []dispatch
	err := r.s.deps.Graphs.View(r.orig, func(g *jobgraph.Graph) {
		for _, id := range sortedIDs(r.pending) {
			if _, busy := r.running[id]; busy || !g.Has(id) {
				continue
			}
			preds := g.Predecessors(id)
			ok := true
			for _, p := range preds {
				_, isPending := r.pending[p]
				_, isRunning := r.running[p]
				if isPending || isRunning || r.results[p] == nil {
					ok = false
					break
				}
			}
			if !ok {
				continue
			}
			d := dispatch{id: id, sj: g.Job(id), expertID: g.ExpertID(id)}
			for _, p := range preds {
				d.inputs = append(d.inputs, r.results[p])
			}
			out = append(out, d)
		}
	})
	return out, err
}

func (r *run) dispatchReady(ctx context.Context, p *pool) error {
	ready, err := r.ready()
	if err != nil {
		return err
	}
	for _, d := range ready {
		logger := ctxlog.FromContext(ctx).With("job_id", d.id, "expert_id", d.expertID)

		if d.sj == nil || d.expertID == "" {
			return r.fail(ctx, d.id, fmt.Errorf("%w: sub-job %s has no expert assigned", ErrFatalOutcome, d.id))
		}
		e, err := r.s.deps.Experts.ByID(d.expertID)
		if err != nil {
			return r.fail(ctx, d.id, fmt.Errorf("%w: %w", ErrFatalOutcome, err))
		}

		in := &expert.Input{
			Job:                d.sj.Copy(),
			PredecessorResults: d.inputs,
			Lessons:            slices.Clone(r.lessons[d.id]),
		}
		if err := r.s.deps.Jobs.SaveSubJob(ctx, d.sj); err != nil {
			return fmt.Errorf("failed to persist job %s: %w", d.id, err)
		}
		if err := r.s.deps.Jobs.SaveResult(ctx, job.NewResult(d.id, job.StatusRunning)); err != nil {
			return fmt.Errorf("failed to persist status of job %s: %w", d.id, err)
		}

		delete(r.pending, d.id)
		r.running[d.id] = time.Now()
		dispatchedCounter.Inc()
		inflightGauge.Inc()
		logger.Info("Dispatching job.", "inputs", len(in.PredecessorResults), "lessons", len(in.Lessons))
		p.submit(ctx, d.id, e, in)
	}
	return nil
}

func (r *run) harvest(ctx context.Context, c completion) {
	logger := ctxlog.FromContext(ctx).With("job_id", c.jobID)
	delete(r.running, c.jobID)
	inflightGauge.Dec()

	if r.halt == nil {
		r.checkHalt(ctx)
	}
	if r.halt != nil {
		logger.Warn("Discarding result of halted run.", "status", expert.StatusOf(c.outcome))
		return
	}

	if _, ok := r.rerun[c.jobID]; ok {
		delete(r.rerun, c.jobID)
		r.pending[c.jobID] = struct{}{}
		logger.Info("Discarding result of rewound job, queueing it again.", "status", expert.StatusOf(c.outcome))
		return
	}

	out := c.outcome
	if c.err != nil {
		if ctx.Err() != nil {
			r.halt = ctx.Err()
			return
		}
		out = expert.ExecutionError{Report: expert.Report{Lesson: c.err.Error()}}
	}

	status := expert.StatusOf(out)
	outcomeCounter.WithLabelValues(string(status)).Inc()
	executionDurationHistogram.WithLabelValues(string(status)).Observe(c.duration.Seconds())
	logger.Debug("Job completed.", "status", status, "duration", c.duration)

	var err error
	switch o := out.(type) {
	case expert.Success:
		err = r.onSuccess(ctx, c, o)
	case expert.InputDataError:
		err = r.onInputDataError(ctx, c.jobID, o)
	case expert.TooComplicated:
		err = r.onTooComplicated(ctx, c.jobID, o)
	default:
		rep := expert.ReportOf(out)
		reason := rep.Lesson
		if reason == "" {
			reason = "Error info was missing."
		}
		r.saveMessage(ctx, c.jobID, rep)
		err = r.fail(ctx, c.jobID, fmt.Errorf("%w: job %s reported %s: %s", ErrFatalOutcome, c.jobID, status, reason))
	}
	if err != nil {
		r.halt = err
	}
}

func (r *run) onSuccess(ctx context.Context, c completion, o expert.Success) error {
	msg := &job.Message{JobID: c.jobID, Role: job.RoleExpert, Payload: o.Payload, Lesson: o.Lesson}
	res := &job.Result{
		JobID:    c.jobID,
		Status:   job.StatusFinished,
		Message:  msg,
		Duration: c.duration,
		Tokens:   o.Tokens,
	}
	r.results[c.jobID] = msg

	if err := r.s.deps.Graphs.SetResult(r.orig, c.jobID, res); err != nil {
		return fmt.Errorf("failed to record result of job %s: %w", c.jobID, err)
	}
	if err := r.s.deps.Jobs.SaveResult(ctx, res); err != nil {
		return fmt.Errorf("failed to persist result of job %s: %w", c.jobID, err)
	}
	if err := r.s.deps.Jobs.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("failed to persist message of job %s: %w", c.jobID, err)
	}
	return nil
}

// onInputDataError rewinds the sub-job and its direct predecessors. Only
// direct predecessors are rewound; stale ancestors further up are not. A
// predecessor that is still executing from an earlier rewind is marked for
// rerun instead, so it never runs twice at once.
func (r *run) onInputDataError(ctx context.Context, id string, o expert.InputDataError) error {
	logger := ctxlog.FromContext(ctx).With("job_id", id)
	r.saveMessage(ctx, id, o.Report)

	var preds []string
	jobs := make(map[string]*job.SubJob)
	if err := r.s.deps.Graphs.View(r.orig, func(g *jobgraph.Graph) {
		preds = g.Predecessors(id)
		for _, p := range preds {
			jobs[p] = g.Job(p)
		}
	}); err != nil {
		return err
	}

	r.pending[id] = struct{}{}
	if len(preds) == 0 {
		r.addLesson(id, o.Lesson)
	}
	for _, p := range preds {
		r.addLesson(p, o.Lesson)
		delete(r.results, p)
		r.s.deps.Graphs.ClearResult(r.orig, p)
		if _, busy := r.running[p]; busy {
			r.rerun[p] = struct{}{}
			continue
		}
		if err := r.s.deps.Jobs.RemoveJob(ctx, p); err != nil {
			return fmt.Errorf("failed to discard result of job %s: %w", p, err)
		}
		// Recreate the record without its result.
		if sj := jobs[p]; sj != nil {
			if err := r.s.deps.Jobs.SaveSubJob(ctx, sj); err != nil {
				return fmt.Errorf("failed to reset job %s: %w", p, err)
			}
		}
		r.pending[p] = struct{}{}
	}

	rollbackCounter.Inc()
	logger.Warn("Input data rejected, rewinding predecessors.", "predecessors", len(preds), "lesson", o.Lesson)
	return nil
}

func (r *run) onTooComplicated(ctx context.Context, id string, o expert.TooComplicated) error {
	logger := ctxlog.FromContext(ctx).With("job_id", id)
	r.saveMessage(ctx, id, o.Report)

	var sj *job.SubJob
	if err := r.s.deps.Graphs.View(r.orig, func(g *jobgraph.Graph) {
		if cur := g.Job(id); cur != nil {
			sj = cur.Copy()
		}
	}); err != nil {
		return err
	}
	if sj == nil {
		return fmt.Errorf("job %s: %w", id, graphstore.ErrUnknownJob)
	}

	sj.LifeCycle--
	sj.IsLegacy = true
	if err := r.s.deps.Graphs.UpdateJob(ctx, r.orig, sj); err != nil {
		return err
	}
	if sj.LifeCycle <= 0 {
		return r.fail(ctx, id, fmt.Errorf("%w: job %s", ErrLifeCycleExhausted, id))
	}

	logger.Info("Job too complicated, decomposing further.", "life_cycle", sj.LifeCycle, "lesson", o.Lesson)
	sub, err := r.s.deps.Planner.Plan(ctx, decomposer.PlanRequest{
		Job:           sj.Job,
		OriginalJobID: r.orig,
		LifeCycle:     sj.LifeCycle,
		IsSubJob:      true,
	})
	if err != nil {
		return r.fail(ctx, id, err)
	}
	if err := r.s.deps.Graphs.ReplaceSubgraph(ctx, r.orig, sub, []string{id}); err != nil {
		return r.fail(ctx, id, err)
	}

	// Kept as a stepping stone; the vertex itself is gone.
	r.results[id] = &job.Message{JobID: id, Role: job.RoleExpert, Payload: o.Payload, Lesson: o.Lesson}
	for _, nid := range sub.Vertices() {
		r.pending[nid] = struct{}{}
	}
	replanCounter.Inc()
	logger.Info("Sub-job replaced.", "new_subjobs", sub.Len())
	return nil
}

// fail marks the job tree failed through the Failer and returns cause.
func (r *run) fail(ctx context.Context, jobID string, cause error) error {
	ctxlog.FromContext(ctx).Error("Job failed, failing job graph.", "job_id", jobID, "error", cause)
	if err := r.s.deps.Failer.FailJobGraph(ctx, jobID, cause.Error()); err != nil {
		return errors.Join(cause, fmt.Errorf("failed to fail job graph: %w", err))
	}
	return cause
}

func (r *run) addLesson(id, lesson string) {
	if lesson != "" {
		r.lessons[id] = append(r.lessons[id], lesson)
	}
}

// saveMessage keeps the history of non-success outcomes. Failures to save
// are logged, never fatal.
func (r *run) saveMessage(ctx context.Context, id string, rep expert.Report) {
	msg := &job.Message{JobID: id, Role: job.RoleExpert, Payload: rep.Payload, Lesson: rep.Lesson}
	if err := r.s.deps.Jobs.SaveMessage(ctx, msg); err != nil {
		ctxlog.FromContext(ctx).Warn("Failed to save message.", "job_id", id, "error", err)
	}
}

func sortedIDs[V any](m map[string]V) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
