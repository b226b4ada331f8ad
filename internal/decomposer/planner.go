package decomposer

import (
	"context"
	"errors"
	"fmt"

	"github.com/vk/expertgrid/internal/ctxlog"
	"github.com/vk/expertgrid/internal/expert"
	"github.com/vk/expertgrid/internal/job"
	"github.com/vk/expertgrid/internal/jobgraph"
)

const criteriaPrefix = "\nThe completion criteria is determined: "

// PlanRequest names the job to split and where its sub-jobs belong.
type PlanRequest struct {
	Job           job.Job
	OriginalJobID string
	// LifeCycle is inherited by every sub-job. Zero means the planner default.
	LifeCycle int
	// IsSubJob is set when re-decomposing a sub-job that was too complicated.
	IsSubJob bool
}

// Planner validates proposals and builds them into sub-job graphs.
type Planner struct {
	decomposer Decomposer
	experts    *expert.Registry
	lifeCycle  int
}

// NewPlanner wires a planner. lifeCycle <= 0 selects job.DefaultLifeCycle.
func NewPlanner(d Decomposer, experts *expert.Registry, lifeCycle int) *Planner {
	if lifeCycle <= 0 {
		lifeCycle = job.DefaultLifeCycle
	}
	return &Planner{decomposer: d, experts: experts, lifeCycle: lifeCycle}
}

// Plan returns a graph of new sub-jobs for req. Nothing is persisted: the
// sub-jobs are saved by the graph store once the graph is installed.
//
// An original job pinned to an expert is not decomposed: it becomes a single
// sub-job for that expert. Otherwise the decomposer is asked for a proposal.
// A proposal failing validation is retried once with a lesson describing the
// problem; a second failure returns the *ValidationError. Other decomposer
// errors are returned unchanged.
func (p *Planner) Plan(ctx context.Context, req PlanRequest) (*jobgraph.Graph, error) {
	logger := ctxlog.FromContext(ctx).With("job_id", req.Job.ID, "original_job_id", req.OriginalJobID)

	lifeCycle := req.LifeCycle
	if lifeCycle <= 0 {
		lifeCycle = p.lifeCycle
	}

	if req.Job.AssignedExpertName != "" && !req.IsSubJob {
		logger.Info("Job is pinned to an expert, skipping decomposition.", "expert", req.Job.AssignedExpertName)
		return p.single(ctx, req, lifeCycle)
	}

	profiles := p.experts.Profiles()
	names := p.experts.Names()

	tm, err := p.propose(ctx, Request{Job: req.Job, Experts: profiles}, names)
	if errors.Is(err, ErrInvalidDecomposition) {
		logger.Warn("Decomposition rejected, retrying with lesson.", "error", err)
		tm, err = p.propose(ctx, Request{Job: req.Job, Experts: profiles, Lesson: retryLesson(names, err)}, names)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decompose job %s: %w", req.Job.ID, err)
	}

	return p.build(ctx, req, tm, lifeCycle)
}

func (p *Planner) propose(ctx context.Context, req Request, names []string) (TaskMap, error) {
	tm, err := p.decomposer.Decompose(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := Validate(tm, names); err != nil {
		return nil, err
	}
	return tm, nil
}

func retryLesson(names []string, err error) string {
	return fmt.Sprintf("The decomposition output could not be validated. Every task needs a non-blank goal, "+
		"dependencies that name other task ids without forming a cycle, and an assigned_expert that is one of %v.\n"+
		"Error info: %v", names, err)
}

func (p *Planner) single(ctx context.Context, req PlanRequest, lifeCycle int) (*jobgraph.Graph, error) {
	expertID, err := p.experts.IDOf(req.Job.AssignedExpertName)
	if err != nil {
		return nil, fmt.Errorf("job %s is pinned to an unavailable expert: %w", req.Job.ID, err)
	}
	sj := &job.SubJob{
		Job: job.Job{
			ID:                 job.NewID(),
			SessionID:          req.Job.SessionID,
			Goal:               req.Job.Goal,
			Context:            req.Job.Goal + "\n" + req.Job.Context,
			AssignedExpertName: req.Job.AssignedExpertName,
		},
		OriginalJobID: req.OriginalJobID,
		ExpertID:      expertID,
		OutputSchema:  job.DefaultOutputSchema,
		LifeCycle:     lifeCycle,
	}
	g := jobgraph.New()
	g.AddVertex(sj.ID, jobgraph.Vertex{Job: sj, ExpertID: expertID})
	return g, nil
}

func (p *Planner) build(ctx context.Context, req PlanRequest, tm TaskMap, lifeCycle int) (*jobgraph.Graph, error) {
	g := jobgraph.New()
	ids := make(map[string]string, len(tm))

	for _, taskID := range sortedTaskIDs(tm) {
		spec := tm[taskID]
		expertID, err := p.experts.IDOf(spec.AssignedExpert)
		if err != nil {
			return nil, fmt.Errorf("task %q: %w", taskID, err)
		}
		sj := &job.SubJob{
			Job: job.Job{
				ID:                 job.NewID(),
				SessionID:          req.Job.SessionID,
				Goal:               spec.Goal,
				Context:            spec.Context + criteriaPrefix + spec.CompletionCriteria,
				AssignedExpertName: spec.AssignedExpert,
			},
			OriginalJobID: req.OriginalJobID,
			ExpertID:      expertID,
			OutputSchema:  job.DefaultOutputSchema,
			Thinking:      spec.Thinking,
			LifeCycle:     lifeCycle,
		}
		ids[taskID] = sj.ID
		g.AddVertex(sj.ID, jobgraph.Vertex{Job: sj, ExpertID: expertID})
	}

	for _, taskID := range sortedTaskIDs(tm) {
		for _, dep := range tm[taskID].Dependencies {
			if err := g.AddEdge(ids[dep], ids[taskID]); err != nil {
				return nil, fmt.Errorf("failed to link task %q: %w", taskID, err)
			}
		}
	}

	if err := g.DetectCycles(); err != nil {
		return nil, fmt.Errorf("decomposed graph of job %s is not acyclic: %w", req.Job.ID, err)
	}

	ctxlog.FromContext(ctx).Info("Job decomposed.", "job_id", req.Job.ID, "subjobs", g.Len())
	return g, nil
}
