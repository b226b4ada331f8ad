package scheduler

import (
	"context"
	"errors"

	"github.com/vk/expertgrid/internal/decomposer"
	"github.com/vk/expertgrid/internal/jobgraph"
)

var (
	// ErrDeadlock means sub-jobs remain but none can be dispatched and none
	// are running.
	ErrDeadlock = errors.New("deadlock detected or invalid job graph: some jobs cannot be executed due to dependencies")
	// ErrLifeCycleExhausted means a sub-job reported it was too complicated
	// once more than its life cycle allows.
	ErrLifeCycleExhausted = errors.New("job runs out of life cycle")
	// ErrFatalOutcome means an expert reported a failure that ends the run.
	ErrFatalOutcome = errors.New("job failed")
	// ErrHalted means the run was stopped or failed from outside.
	ErrHalted = errors.New("job graph halted")
)

// Failer marks the job tree of a sub-job failed. It is the lifecycle
// controller's fail operation.
type Failer interface {
	FailJobGraph(ctx context.Context, jobID, reason string) error
}

// Gate reports whether an original job has been stopped or failed, in which
// case no new sub-job may be dispatched.
type Gate interface {
	Halted(ctx context.Context, originalJobID string) bool
}

// Replanner re-decomposes a sub-job that was too complicated.
// *decomposer.Planner implements it.
type Replanner interface {
	Plan(ctx context.Context, req decomposer.PlanRequest) (*jobgraph.Graph, error)
}

type noGate struct{}

func (noGate) Halted(context.Context, string) bool { return false }

type noFailer struct{}

func (noFailer) FailJobGraph(context.Context, string, string) error { return nil }
