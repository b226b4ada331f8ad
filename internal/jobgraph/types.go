package jobgraph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vk/expertgrid/internal/job"
)

var (
	// ErrCycle is returned when the graph contains a directed cycle.
	ErrCycle = errors.New("cycle detected")
	// ErrVertexNotFound is returned when an operation references an unknown vertex.
	ErrVertexNotFound = errors.New("vertex not found")
)

// Vertex is the attribute bundle attached to a vertex when it is added.
type Vertex struct {
	Job      *job.SubJob
	ExpertID string
}

// Graph is a DAG keyed by job id with parallel attribute maps.
type Graph struct {
	// preds holds, for each vertex, the set of vertices it depends on.
	preds map[string]map[string]struct{}
	// succs holds, for each vertex, the set of vertices that depend on it.
	succs map[string]map[string]struct{}

	jobs      map[string]*job.SubJob
	expertIDs map[string]string
	legacy    map[string]*job.SubJob
	results   map[string]*job.Result
}

// Edge is a directed dependency: To depends on From.
type Edge struct {
	From string
	To   string
}

// cycleError builds an ErrCycle-wrapping error naming the offending path.
func cycleError(path []string) error {
	if len(path) == 0 {
		return ErrCycle
	}
	return fmt.Errorf("%w: %s", ErrCycle, strings.Join(path, " -> "))
}
