package graphstore

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownJob is returned when no graph or vertex exists for an id.
	ErrUnknownJob = errors.New("unknown job")

	// ErrMissingAttribute marks a new-subgraph vertex without a job or expert id.
	ErrMissingAttribute = errors.New("vertex missing required attribute")
	// ErrSpliceBoundary marks an old subgraph with more than one external
	// entry or exit.
	ErrSpliceBoundary = errors.New("subgraph must have no more than one entry and one exit")
)

// StructuralError reports a graph mutation that was refused because it would
// break the graph's shape. The graph is left unchanged.
type StructuralError struct {
	// Kind is one of ErrMissingAttribute, ErrSpliceBoundary or jobgraph.ErrCycle.
	Kind error
	Msg  string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("structural error: %s: %s", e.Kind, e.Msg)
}

func (e *StructuralError) Unwrap() error {
	return e.Kind
}
