package decomposer

import (
	"fmt"
	"slices"
	"strings"

	"github.com/vk/expertgrid/internal/jobgraph"
)

// Validate checks a proposal against the known expert names. It returns a
// *ValidationError describing every problem found, or nil.
func Validate(tm TaskMap, expertNames []string) error {
	if len(tm) == 0 {
		return &ValidationError{Problems: []string{"the job decomposition result is empty"}}
	}

	var problems []string
	ids := sortedTaskIDs(tm)
	for _, id := range ids {
		spec := tm[id]
		if strings.TrimSpace(id) == "" {
			problems = append(problems, "task id must not be blank")
		}
		if strings.TrimSpace(spec.Goal) == "" {
			problems = append(problems, fmt.Sprintf("task %q: goal must not be blank", id))
		}
		switch {
		case strings.TrimSpace(spec.AssignedExpert) == "":
			problems = append(problems, fmt.Sprintf("task %q: assigned_expert must not be blank", id))
		case !slices.Contains(expertNames, spec.AssignedExpert):
			problems = append(problems, fmt.Sprintf("task %q: assigned_expert %q is not one of %v", id, spec.AssignedExpert, expertNames))
		}
		for _, dep := range spec.Dependencies {
			if dep == id {
				problems = append(problems, fmt.Sprintf("task %q depends on itself", id))
				continue
			}
			if _, ok := tm[dep]; !ok {
				problems = append(problems, fmt.Sprintf("task %q: dependency %q is not a task id", id, dep))
			}
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}

	g := jobgraph.New()
	for _, id := range ids {
		g.AddVertex(id, jobgraph.Vertex{})
	}
	for _, id := range ids {
		for _, dep := range tm[id].Dependencies {
			_ = g.AddEdge(dep, id)
		}
	}
	if err := g.DetectCycles(); err != nil {
		return &ValidationError{Problems: []string{fmt.Sprintf("dependencies are cyclic: %v", err)}}
	}
	return nil
}

func sortedTaskIDs(tm TaskMap) []string {
	ids := make([]string, 0, len(tm))
	for id := range tm {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
