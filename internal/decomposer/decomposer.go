// Package decomposer turns a job into a graph of sub-jobs.
//
// A Decomposer proposes a TaskMap. The Planner validates the proposal, asks
// once more with a corrective lesson when it is malformed, and builds the
// validated tasks into a jobgraph.Graph of persisted sub-jobs.
package decomposer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vk/expertgrid/internal/expert"
	"github.com/vk/expertgrid/internal/job"
)

// ErrInvalidDecomposition marks a proposal that can be retried with a lesson.
// Decomposers wrap it when their own output cannot be parsed.
var ErrInvalidDecomposition = errors.New("invalid decomposition")

// TaskSpec is one proposed sub-job. Dependencies name other keys of the same
// TaskMap.
type TaskSpec struct {
	Goal               string
	Context            string
	CompletionCriteria string
	Thinking           string
	AssignedExpert     string
	Dependencies       []string
}

// TaskMap maps proposal-local task ids to tasks.
type TaskMap map[string]TaskSpec

// Request is what a Decomposer is asked to split.
type Request struct {
	Job job.Job
	// Experts lists who the tasks may be assigned to.
	Experts []expert.Profile
	// Lesson explains what was wrong with a previous proposal, if any.
	Lesson string
}

// Decomposer proposes a split of a job into dependent tasks.
type Decomposer interface {
	Decompose(ctx context.Context, req Request) (TaskMap, error)
}

// Func adapts a function to the Decomposer interface.
type Func func(ctx context.Context, req Request) (TaskMap, error)

// Decompose implements Decomposer.
func (f Func) Decompose(ctx context.Context, req Request) (TaskMap, error) {
	return f(ctx, req)
}

// ValidationError lists everything wrong with a proposal.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidDecomposition, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidDecomposition
}
