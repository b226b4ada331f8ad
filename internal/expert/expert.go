// Package expert defines the contract between the scheduler and the workers
// that execute sub-jobs.
//
// An Expert receives one sub-job together with the outputs of the sub-jobs it
// depends on, and reports one Outcome. Outcomes other than Success tell the
// scheduler how to reshape the graph: roll back inputs, decompose further, or
// give up.
package expert

import (
	"context"

	"github.com/vk/expertgrid/internal/job"
)

// Profile describes an expert to the decomposer and to operators.
type Profile struct {
	ID          string
	Name        string
	Description string
}

// Input is everything an expert sees for one execution.
type Input struct {
	Job *job.SubJob
	// PredecessorResults are the outputs of the sub-jobs this one depends on.
	PredecessorResults []*job.Message
	// Lessons accumulate corrective feedback across re-executions.
	Lessons []string
}

// AddLesson appends a non-empty lesson.
func (in *Input) AddLesson(lesson string) {
	if lesson == "" {
		return
	}
	in.Lessons = append(in.Lessons, lesson)
}

// Clone returns a copy whose slices can be appended to independently.
func (in *Input) Clone() *Input {
	c := *in
	c.PredecessorResults = append([]*job.Message(nil), in.PredecessorResults...)
	c.Lessons = append([]string(nil), in.Lessons...)
	return &c
}

// Expert executes sub-jobs.
//
// A non-nil error from Execute is treated as an ExecutionError carrying the
// error text as its lesson.
type Expert interface {
	Profile() Profile
	Execute(ctx context.Context, in *Input) (Outcome, error)
}

// Func adapts a plain function to the Expert interface.
type Func struct {
	P  Profile
	Fn func(ctx context.Context, in *Input) (Outcome, error)
}

// Profile implements Expert.
func (f Func) Profile() Profile { return f.P }

// Execute implements Expert.
func (f Func) Execute(ctx context.Context, in *Input) (Outcome, error) {
	return f.Fn(ctx, in)
}
