// Package graphstore owns the execution graphs of all original jobs and the
// structural mutations applied to them while they run.
//
// # Concurrency
//
// A coarse mutex guards the map of graphs. Each graph has its own RWMutex:
// mutations take the write lock, View and Snapshot take the read lock. A
// failed mutation leaves the graph exactly as it was.
package graphstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/vk/expertgrid/internal/ctxlog"
	"github.com/vk/expertgrid/internal/job"
	"github.com/vk/expertgrid/internal/jobgraph"
	"github.com/vk/expertgrid/internal/jobstore"
)

// NotCompletedPayload is reported while any tail of a graph has no result.
const NotCompletedPayload = "The job is not completed yet."

type entry struct {
	mu    sync.RWMutex
	graph *jobgraph.Graph
}

// Store maps original job ids to their graphs.
type Store struct {
	mu     sync.Mutex
	graphs map[string]*entry
	jobs   jobstore.Store
}

// New creates an empty store that persists sub-jobs through jobs.
func New(jobs jobstore.Store) *Store {
	return &Store{
		graphs: make(map[string]*entry),
		jobs:   jobs,
	}
}

func (s *Store) getOrCreate(originalJobID string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.graphs[originalJobID]
	if !ok {
		e = &entry{graph: jobgraph.New()}
		s.graphs[originalJobID] = e
	}
	return e
}

func (s *Store) get(originalJobID string) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.graphs[originalJobID]
	return e, ok
}

// GetOrCreate registers an empty graph for the original job if it has none
// and returns a snapshot of the current graph.
func (s *Store) GetOrCreate(originalJobID string) *jobgraph.Graph {
	e := s.getOrCreate(originalJobID)
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.graph.Clone()
}

// Has reports whether a graph is registered for the original job.
func (s *Store) Has(originalJobID string) bool {
	_, ok := s.get(originalJobID)
	return ok
}

// OriginalJobIDs returns the ids of every registered graph in lexical order.
func (s *Store) OriginalJobIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.graphs))
	for id := range s.graphs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// View runs fn with the live graph under the read lock. fn must not retain
// or mutate the graph.
func (s *Store) View(originalJobID string, fn func(g *jobgraph.Graph)) error {
	e, ok := s.get(originalJobID)
	if !ok {
		return fmt.Errorf("graph for %s: %w", originalJobID, ErrUnknownJob)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn(e.graph)
	return nil
}

// Snapshot returns a deep copy of the graph.
func (s *Store) Snapshot(originalJobID string) (*jobgraph.Graph, bool) {
	e, ok := s.get(originalJobID)
	if !ok {
		return nil, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.graph.Clone(), true
}

// SubJobIDs returns the live vertex ids of the original job's graph.
func (s *Store) SubJobIDs(originalJobID string) []string {
	var ids []string
	_ = s.View(originalJobID, func(g *jobgraph.Graph) { ids = g.Vertices() })
	return ids
}

// Owner returns the original job whose graph holds jobID, live or legacy.
func (s *Store) Owner(jobID string) (string, bool) {
	for _, orig := range s.OriginalJobIDs() {
		found := false
		_ = s.View(orig, func(g *jobgraph.Graph) {
			found = g.Has(jobID) || g.Legacy(jobID) != nil
		})
		if found {
			return orig, true
		}
	}
	return "", false
}

// SubJob returns a copy of the live sub-job with the given id from any graph.
func (s *Store) SubJob(jobID string) (*job.SubJob, bool) {
	orig, ok := s.Owner(jobID)
	if !ok {
		return nil, false
	}
	var sj *job.SubJob
	_ = s.View(orig, func(g *jobgraph.Graph) {
		if j := g.Job(jobID); j != nil {
			sj = j.Copy()
		}
	})
	return sj, sj != nil
}

// AddJob inserts a vertex wired to the given predecessors and successors and
// persists the sub-job.
func (s *Store) AddJob(ctx context.Context, originalJobID string, sj *job.SubJob, expertID string, predecessors, successors []string) error {
	e := s.getOrCreate(originalJobID)
	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.graph.Clone()
	next.AddVertex(sj.ID, jobgraph.Vertex{Job: sj, ExpertID: expertID})
	for _, p := range predecessors {
		if err := next.AddEdge(p, sj.ID); err != nil {
			return fmt.Errorf("failed to add job %s: %w", sj.ID, err)
		}
	}
	for _, n := range successors {
		if err := next.AddEdge(sj.ID, n); err != nil {
			return fmt.Errorf("failed to add job %s: %w", sj.ID, err)
		}
	}
	if err := next.DetectCycles(); err != nil {
		return &StructuralError{Kind: jobgraph.ErrCycle, Msg: err.Error()}
	}
	if err := s.persist(ctx, next, append([]string{sj.ID}, successors...)); err != nil {
		return err
	}
	e.graph = next
	return nil
}

// RemoveJob deletes a vertex, keeping its sub-job as legacy, and drops the
// persisted record.
func (s *Store) RemoveJob(ctx context.Context, originalJobID, jobID string) error {
	e, ok := s.get(originalJobID)
	if !ok {
		return fmt.Errorf("graph for %s: %w", originalJobID, ErrUnknownJob)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	succs := e.graph.Successors(jobID)
	if err := e.graph.RemoveVertex(jobID); err != nil {
		return fmt.Errorf("failed to remove job %s: %w", jobID, err)
	}
	if err := s.jobs.RemoveJob(ctx, jobID); err != nil {
		return fmt.Errorf("failed to remove job record %s: %w", jobID, err)
	}
	return s.persist(ctx, e.graph, succs)
}

// UpdateJob replaces the sub-job attached to a live vertex and persists it.
func (s *Store) UpdateJob(ctx context.Context, originalJobID string, sj *job.SubJob) error {
	e, ok := s.get(originalJobID)
	if !ok {
		return fmt.Errorf("graph for %s: %w", originalJobID, ErrUnknownJob)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.graph.SetJob(sj.ID, sj.Copy()); err != nil {
		return fmt.Errorf("failed to update job %s: %w", sj.ID, err)
	}
	return s.persist(ctx, e.graph, []string{sj.ID})
}

// SetResult records the terminal result of a vertex.
func (s *Store) SetResult(originalJobID, jobID string, r *job.Result) error {
	e, ok := s.get(originalJobID)
	if !ok {
		return fmt.Errorf("graph for %s: %w", originalJobID, ErrUnknownJob)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.graph.SetResult(jobID, r)
}

// ClearResult forgets the result of a vertex.
func (s *Store) ClearResult(originalJobID, jobID string) {
	e, ok := s.get(originalJobID)
	if !ok {
		return
	}
	e.mu.Lock()
	e.graph.ClearResult(jobID)
	e.mu.Unlock()
}

// ReplaceSubgraph splices newSub into the original job's graph in place of
// the vertices listed in oldIDs.
//
// With no old vertices the new subgraph is added as is. Otherwise the old
// vertices may be reached from at most one outside predecessor and may lead
// to at most one outside successor. They are removed (kept as legacy), the
// new subgraph is added, and the outside predecessor and successor are wired
// to the first and last vertex of the new subgraph's topological order.
func (s *Store) ReplaceSubgraph(ctx context.Context, originalJobID string, newSub *jobgraph.Graph, oldIDs []string) error {
	logger := ctxlog.FromContext(ctx).With("original_job_id", originalJobID)

	for _, id := range newSub.Vertices() {
		if newSub.Job(id) == nil {
			return &StructuralError{Kind: ErrMissingAttribute, Msg: fmt.Sprintf("vertex %s missing required 'job' attribute", id)}
		}
		if newSub.ExpertID(id) == "" {
			return &StructuralError{Kind: ErrMissingAttribute, Msg: fmt.Sprintf("vertex %s missing required 'expert_id' attribute", id)}
		}
	}
	order, err := newSub.TopologicalSort()
	if err != nil {
		return &StructuralError{Kind: jobgraph.ErrCycle, Msg: err.Error()}
	}

	e := s.getOrCreate(originalJobID)
	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.graph.Clone()

	if len(oldIDs) == 0 {
		next.Union(newSub)
	} else {
		old := make(map[string]bool, len(oldIDs))
		for _, id := range oldIDs {
			if !next.Has(id) {
				return fmt.Errorf("old subgraph vertex %s: %w", id, ErrUnknownJob)
			}
			old[id] = true
		}

		var preds, succs []string
		for _, id := range oldIDs {
			for _, p := range next.Predecessors(id) {
				if !old[p] && !slices.Contains(preds, p) {
					preds = append(preds, p)
				}
			}
			for _, n := range next.Successors(id) {
				if !old[n] && !slices.Contains(succs, n) {
					succs = append(succs, n)
				}
			}
		}
		if len(preds) > 1 || len(succs) > 1 {
			return &StructuralError{
				Kind: ErrSpliceBoundary,
				Msg: fmt.Sprintf("entries [%s], exits [%s]",
					strings.Join(preds, ", "), strings.Join(succs, ", ")),
			}
		}

		for _, id := range oldIDs {
			// Presence was checked above.
			_ = next.RemoveVertex(id)
		}
		next.Union(newSub)

		if len(order) > 0 {
			head, tail := order[0], order[len(order)-1]
			for _, p := range preds {
				if err := next.AddEdge(p, head); err != nil {
					return fmt.Errorf("failed to reconnect subgraph: %w", err)
				}
			}
			for _, n := range succs {
				if err := next.AddEdge(tail, n); err != nil {
					return fmt.Errorf("failed to reconnect subgraph: %w", err)
				}
			}
		}
	}

	if err := next.DetectCycles(); err != nil {
		return &StructuralError{Kind: jobgraph.ErrCycle, Msg: err.Error()}
	}

	var succs []string
	for _, id := range order {
		for _, n := range next.Successors(id) {
			if !newSub.Has(n) && !slices.Contains(succs, n) {
				succs = append(succs, n)
			}
		}
	}
	if err := s.persist(ctx, next, append(slices.Clone(order), succs...)); err != nil {
		return err
	}
	for _, id := range oldIDs {
		if legacy := next.Legacy(id); legacy != nil {
			if err := s.jobs.SaveSubJob(ctx, legacy); err != nil {
				return fmt.Errorf("failed to persist legacy job %s: %w", id, err)
			}
		}
	}

	e.graph = next
	logger.Debug("Subgraph replaced.", "removed", len(oldIDs), "added", len(order), "vertices", next.Len())
	return nil
}

// persist copies the current in-edges of each vertex onto its sub-job and
// saves the sub-job.
func (s *Store) persist(ctx context.Context, g *jobgraph.Graph, ids []string) error {
	for _, id := range ids {
		cur := g.Job(id)
		if cur == nil {
			continue
		}
		sj := cur.Copy()
		sj.Predecessors = g.Predecessors(id)
		if err := g.SetJob(id, sj); err != nil {
			return err
		}
		if err := s.jobs.SaveSubJob(ctx, sj); err != nil {
			return fmt.Errorf("failed to persist job %s: %w", id, err)
		}
	}
	return nil
}

// Load rebuilds the graph of an original job from its stored sub-jobs when
// the graph is not in memory, as after a restart. Live sub-jobs are linked
// through their recorded predecessors, legacy ones are kept as legacy, and
// FINISHED results are restored. It reports whether the original job has a
// graph afterwards.
func (s *Store) Load(ctx context.Context, originalJobID string) (bool, error) {
	if s.Has(originalJobID) {
		return true, nil
	}
	subs, err := s.jobs.SubJobs(ctx, originalJobID)
	if err != nil {
		return false, fmt.Errorf("failed to list sub-jobs of %s: %w", originalJobID, err)
	}
	if len(subs) == 0 {
		return false, nil
	}

	g := jobgraph.New()
	for _, sj := range subs {
		g.AddVertex(sj.ID, jobgraph.Vertex{Job: sj, ExpertID: sj.ExpertID})
	}
	for _, sj := range subs {
		if sj.IsLegacy {
			continue
		}
		for _, p := range sj.Predecessors {
			if pj := g.Job(p); pj == nil || pj.IsLegacy {
				continue
			}
			if err := g.AddEdge(p, sj.ID); err != nil {
				return false, fmt.Errorf("failed to link job %s: %w", sj.ID, err)
			}
		}
	}
	for _, sj := range subs {
		if sj.IsLegacy {
			// Present since every stored sub-job was added above.
			_ = g.RemoveVertex(sj.ID)
		}
	}
	if err := g.DetectCycles(); err != nil {
		return false, &StructuralError{Kind: jobgraph.ErrCycle, Msg: err.Error()}
	}
	for _, id := range g.Vertices() {
		res, err := s.jobs.GetResult(ctx, id)
		if errors.Is(err, jobstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("failed to read result of job %s: %w", id, err)
		}
		if res.Status == job.StatusFinished && res.Message != nil {
			_ = g.SetResult(id, res)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.graphs[originalJobID]; !ok {
		s.graphs[originalJobID] = &entry{graph: g}
		ctxlog.FromContext(ctx).Info("Job graph loaded from store.", "original_job_id", originalJobID, "subjobs", g.Len(), "legacy", len(g.LegacyIDs()))
	}
	return true, nil
}

// QueryJobResult aggregates the payloads of the graph's tail vertices.
//
// While any tail has no result the job is reported RUNNING. Otherwise the
// result is FINISHED and its payload is each tail payload followed by a
// newline, in tail id order.
func (s *Store) QueryJobResult(originalJobID string) (*job.Result, error) {
	e, ok := s.get(originalJobID)
	if !ok {
		return nil, fmt.Errorf("graph for %s: %w", originalJobID, ErrUnknownJob)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	var b strings.Builder
	for _, tail := range e.graph.Tails() {
		r := e.graph.Result(tail)
		if r == nil || r.Message == nil {
			return &job.Result{
				JobID:  originalJobID,
				Status: job.StatusRunning,
				Message: &job.Message{
					JobID:   originalJobID,
					Role:    job.RoleSystem,
					Payload: NotCompletedPayload,
				},
			}, nil
		}
		b.WriteString(r.Message.Payload)
		b.WriteString("\n")
	}

	return &job.Result{
		JobID:  originalJobID,
		Status: job.StatusFinished,
		Message: &job.Message{
			JobID:   originalJobID,
			Role:    job.RoleExpert,
			Payload: b.String(),
		},
	}, nil
}
