package jobgraph

import "slices"

// TopologicalSort returns the live vertices ordered so that every vertex comes
// after all of its predecessors. Ties are broken lexically so the order is
// stable across runs. A cyclic graph yields ErrCycle.
func (g *Graph) TopologicalSort() ([]string, error) {
	inDegree := make(map[string]int, len(g.preds))
	var ready []string
	for id, ps := range g.preds {
		inDegree[id] = len(ps)
		if len(ps) == 0 {
			ready = append(ready, id)
		}
	}
	slices.Sort(ready)

	order := make([]string, 0, len(g.preds))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		var released []string
		for s := range g.succs[id] {
			inDegree[s]--
			if inDegree[s] == 0 {
				released = append(released, s)
			}
		}
		if len(released) > 0 {
			ready = append(ready, released...)
			slices.Sort(ready)
		}
	}

	if len(order) != len(g.preds) {
		if err := g.DetectCycles(); err != nil {
			return nil, err
		}
		return nil, ErrCycle
	}
	return order, nil
}

// DetectCycles checks the graph for a directed cycle and returns an
// ErrCycle-wrapping error naming one cycle path when it finds one.
func (g *Graph) DetectCycles() error {
	// Classic three-colour depth-first search:
	// permanent: fully visited, not on a cycle.
	// temporary: on the current recursion stack.
	permanent := make(map[string]bool)
	temporary := make(map[string]bool)
	var stack []string

	var visit func(id string) error
	visit = func(id string) error {
		if permanent[id] {
			return nil
		}
		if temporary[id] {
			start := slices.Index(stack, id)
			path := append(slices.Clone(stack[start:]), id)
			return cycleError(path)
		}

		temporary[id] = true
		stack = append(stack, id)
		for _, s := range g.Successors(id) {
			if err := visit(s); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		delete(temporary, id)
		permanent[id] = true
		return nil
	}

	for _, id := range g.Vertices() {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}
