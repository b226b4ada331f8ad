// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// This file defines the original job and the sub-jobs decomposed from it.
//
// Why is SubJob a separate type instead of a Job with optional fields?
//
// Only sub-jobs are ever scheduled. Giving them their own type means the
// scheduler cannot be handed an undecomposed original job by mistake, and the
// fields that only make sense on a graph vertex (owner, expert, life cycle)
// never appear on the user-facing job.
package job

import (
	"slices"

	"github.com/google/uuid"
)

// DefaultLifeCycle is the number of times a fresh sub-job may report that it
// is too complicated before the report becomes fatal.
const DefaultLifeCycle = 3

// DefaultOutputSchema is used when a decomposition does not say what shape a
// sub-job's output should take.
const DefaultOutputSchema = "Output schema is not determined."

// Job is the top-level goal submitted for decomposition.
type Job struct {
	ID        string
	SessionID string
	Goal      string
	Context   string
	// AssignedExpertName pins the job to one expert and skips decomposition.
	AssignedExpertName string
}

// New creates a job with fresh identifiers.
func New(goal, context string) *Job {
	return &Job{
		ID:        NewID(),
		SessionID: NewID(),
		Goal:      goal,
		Context:   context,
	}
}

// NewID returns a new random job identifier.
func NewID() string {
	return uuid.NewString()
}

// Copy returns a shallow copy of the job.
func (j *Job) Copy() *Job {
	c := *j
	return &c
}

// SubJob is a unit of work produced by decomposition and executed by exactly
// one expert.
type SubJob struct {
	Job

	OriginalJobID string
	ExpertID      string
	OutputSchema  string
	Thinking      string
	// LifeCycle strictly decreases each time the sub-job is reported as too
	// complicated. Reaching zero is fatal, not a retry trigger.
	LifeCycle int
	// IsLegacy is set once the sub-job has been replaced by a re-decomposition.
	IsLegacy bool
	// Predecessors mirrors the vertex's in-edges so a graph can be rebuilt
	// from stored sub-jobs. The graph is authoritative while it is loaded.
	Predecessors []string
}

// Copy returns a copy of the sub-job. Sub-jobs held by a graph are treated as
// immutable; mutation always goes through a copy.
func (s *SubJob) Copy() *SubJob {
	c := *s
	c.Predecessors = slices.Clone(s.Predecessors)
	return &c
}
