package jobgraph

import (
	"fmt"
	"slices"

	"github.com/vk/expertgrid/internal/job"
)

// New creates and returns an initialized, empty Graph.
func New() *Graph {
	return &Graph{
		preds:     make(map[string]map[string]struct{}),
		succs:     make(map[string]map[string]struct{}),
		jobs:      make(map[string]*job.SubJob),
		expertIDs: make(map[string]string),
		legacy:    make(map[string]*job.SubJob),
		results:   make(map[string]*job.Result),
	}
}

// AddVertex adds a vertex with the given attributes. Adding an id that is
// already present replaces its attributes and keeps its edges.
func (g *Graph) AddVertex(id string, v Vertex) {
	if _, ok := g.preds[id]; !ok {
		g.preds[id] = make(map[string]struct{})
		g.succs[id] = make(map[string]struct{})
	}
	if v.Job != nil {
		g.jobs[id] = v.Job
	} else {
		delete(g.jobs, id)
	}
	if v.ExpertID != "" {
		g.expertIDs[id] = v.ExpertID
	} else {
		delete(g.expertIDs, id)
	}
}

// AddEdge creates a directed edge from `fromID` to `toID`, meaning `toID`
// consumes the output of `fromID`. Both vertices must exist.
func (g *Graph) AddEdge(fromID, toID string) error {
	if fromID == toID {
		return fmt.Errorf("self-referential edge not allowed: %s -> %s", fromID, fromID)
	}
	if !g.Has(fromID) {
		return fmt.Errorf("source vertex not found: %s: %w", fromID, ErrVertexNotFound)
	}
	if !g.Has(toID) {
		return fmt.Errorf("destination vertex not found: %s: %w", toID, ErrVertexNotFound)
	}

	g.succs[fromID][toID] = struct{}{}
	g.preds[toID][fromID] = struct{}{}
	return nil
}

// RemoveVertex deletes a vertex and every edge touching it. The sub-job it
// carried is kept, marked legacy, and remains reachable through Legacy.
func (g *Graph) RemoveVertex(id string) error {
	if !g.Has(id) {
		return fmt.Errorf("vertex not found: %s: %w", id, ErrVertexNotFound)
	}

	for p := range g.preds[id] {
		delete(g.succs[p], id)
	}
	for s := range g.succs[id] {
		delete(g.preds[s], id)
	}

	if sj, ok := g.jobs[id]; ok {
		old := sj.Copy()
		old.IsLegacy = true
		g.legacy[id] = old
	}

	delete(g.preds, id)
	delete(g.succs, id)
	delete(g.jobs, id)
	delete(g.expertIDs, id)
	delete(g.results, id)
	return nil
}

// Has reports whether the vertex is present.
func (g *Graph) Has(id string) bool {
	_, ok := g.preds[id]
	return ok
}

// Len returns the number of live vertices.
func (g *Graph) Len() int {
	return len(g.preds)
}

// Vertices returns the ids of all live vertices in lexical order.
func (g *Graph) Vertices() []string {
	return sortedKeys(g.preds)
}

// Edges returns every edge, ordered by source then destination.
func (g *Graph) Edges() []Edge {
	var edges []Edge
	for _, from := range g.Vertices() {
		for _, to := range sortedKeys(g.succs[from]) {
			edges = append(edges, Edge{From: from, To: to})
		}
	}
	return edges
}

// Predecessors returns the vertices `id` depends on, in lexical order.
func (g *Graph) Predecessors(id string) []string {
	return sortedKeys(g.preds[id])
}

// Successors returns the vertices that depend on `id`, in lexical order.
func (g *Graph) Successors(id string) []string {
	return sortedKeys(g.succs[id])
}

// InDegree returns the number of predecessors of `id`.
func (g *Graph) InDegree(id string) int {
	return len(g.preds[id])
}

// OutDegree returns the number of successors of `id`.
func (g *Graph) OutDegree(id string) int {
	return len(g.succs[id])
}

// Heads returns the vertices with no predecessors.
func (g *Graph) Heads() []string {
	var out []string
	for _, id := range g.Vertices() {
		if len(g.preds[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// Tails returns the vertices with no successors.
func (g *Graph) Tails() []string {
	var out []string
	for _, id := range g.Vertices() {
		if len(g.succs[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// Job returns the sub-job attached to a vertex, or nil.
func (g *Graph) Job(id string) *job.SubJob {
	return g.jobs[id]
}

// SetJob replaces the sub-job attached to an existing vertex.
func (g *Graph) SetJob(id string, sj *job.SubJob) error {
	if !g.Has(id) {
		return fmt.Errorf("vertex not found: %s: %w", id, ErrVertexNotFound)
	}
	g.jobs[id] = sj
	return nil
}

// ExpertID returns the expert a vertex is routed to, or "".
func (g *Graph) ExpertID(id string) string {
	return g.expertIDs[id]
}

// Legacy returns the retired sub-job kept for a removed vertex, or nil.
func (g *Graph) Legacy(id string) *job.SubJob {
	return g.legacy[id]
}

// LegacyIDs returns the ids of every retired vertex in lexical order.
func (g *Graph) LegacyIDs() []string {
	return sortedKeys(g.legacy)
}

// Result returns the terminal result of a vertex, or nil.
func (g *Graph) Result(id string) *job.Result {
	return g.results[id]
}

// SetResult attaches a terminal result to an existing vertex.
func (g *Graph) SetResult(id string, r *job.Result) error {
	if !g.Has(id) {
		return fmt.Errorf("vertex not found: %s: %w", id, ErrVertexNotFound)
	}
	g.results[id] = r
	return nil
}

// ClearResult forgets the result of a vertex. Unknown ids are ignored.
func (g *Graph) ClearResult(id string) {
	delete(g.results, id)
}

// Union adds every vertex, attribute and edge of `other` to g. Vertices present
// in both are overwritten with other's attributes.
func (g *Graph) Union(other *Graph) {
	for _, id := range other.Vertices() {
		g.AddVertex(id, Vertex{Job: other.jobs[id], ExpertID: other.expertIDs[id]})
		if r, ok := other.results[id]; ok {
			g.results[id] = r
		}
	}
	for _, e := range other.Edges() {
		// Both endpoints were added above.
		_ = g.AddEdge(e.From, e.To)
	}
	for id, sj := range other.legacy {
		g.legacy[id] = sj
	}
}

// Clone returns a deep copy of the graph. Sub-jobs and results are copied so
// the clone can be read while the original keeps changing.
func (g *Graph) Clone() *Graph {
	c := New()
	for id := range g.preds {
		c.preds[id] = cloneSet(g.preds[id])
		c.succs[id] = cloneSet(g.succs[id])
	}
	for id, sj := range g.jobs {
		c.jobs[id] = sj.Copy()
	}
	for id, e := range g.expertIDs {
		c.expertIDs[id] = e
	}
	for id, sj := range g.legacy {
		c.legacy[id] = sj.Copy()
	}
	for id, r := range g.results {
		c.results[id] = r.Copy()
	}
	return c
}

func cloneSet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
