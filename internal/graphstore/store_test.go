package graphstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/expertgrid/internal/inmemoryjobstore"
	"github.com/vk/expertgrid/internal/job"
	"github.com/vk/expertgrid/internal/jobgraph"
	"github.com/vk/expertgrid/internal/jobstore"
)

const orig = "orig"

func subJob(id string) *job.SubJob {
	return &job.SubJob{Job: job.Job{ID: id, Goal: "goal " + id}, OriginalJobID: orig, ExpertID: "echo", LifeCycle: job.DefaultLifeCycle}
}

func newGraph(t *testing.T, ids []string, edges ...jobgraph.Edge) *jobgraph.Graph {
	t.Helper()
	g := jobgraph.New()
	for _, id := range ids {
		g.AddVertex(id, jobgraph.Vertex{Job: subJob(id), ExpertID: "echo"})
	}
	for _, e := range edges {
		require.NoError(t, g.AddEdge(e.From, e.To))
	}
	return g
}

func newStore(t *testing.T) (*Store, jobstore.Store) {
	t.Helper()
	js := inmemoryjobstore.New()
	return New(js), js
}

func TestReplaceSubgraph_InitialUnion(t *testing.T) {
	t.Parallel()

	// Arrange
	s, js := newStore(t)
	ctx := context.Background()

	// Act
	err := s.ReplaceSubgraph(ctx, orig, newGraph(t, []string{"A", "B"}, jobgraph.Edge{From: "A", To: "B"}), nil)

	// Assert
	require.NoError(t, err)
	assert.True(t, s.Has(orig))
	assert.Equal(t, []string{"A", "B"}, s.SubJobIDs(orig))
	_, err = js.GetSubJob(ctx, "A")
	assert.NoError(t, err, "new vertices are persisted")
}

func TestReplaceSubgraph_SplicesSingleVertex(t *testing.T) {
	t.Parallel()

	// Arrange: P1 -> V -> P2
	s, js := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.ReplaceSubgraph(ctx, orig,
		newGraph(t, []string{"P1", "V", "P2"}, jobgraph.Edge{From: "P1", To: "V"}, jobgraph.Edge{From: "V", To: "P2"}), nil))

	// Act: replace {V} with A -> B
	err := s.ReplaceSubgraph(ctx, orig, newGraph(t, []string{"A", "B"}, jobgraph.Edge{From: "A", To: "B"}), []string{"V"})

	// Assert: P1 -> A -> B -> P2
	require.NoError(t, err)
	g, ok := s.Snapshot(orig)
	require.True(t, ok)
	assert.Equal(t, []jobgraph.Edge{
		{From: "A", To: "B"},
		{From: "B", To: "P2"},
		{From: "P1", To: "A"},
	}, g.Edges())
	assert.False(t, g.Has("V"))

	legacy := g.Legacy("V")
	require.NotNil(t, legacy)
	assert.True(t, legacy.IsLegacy)

	stored, err := js.GetSubJob(ctx, "V")
	require.NoError(t, err)
	assert.True(t, stored.IsLegacy, "legacy flag is persisted")

	for id, want := range map[string][]string{"A": {"P1"}, "B": {"A"}, "P2": {"B"}} {
		stored, err := js.GetSubJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, stored.Predecessors, "stored predecessors of %s", id)
	}

	owner, ok := s.Owner("V")
	assert.True(t, ok)
	assert.Equal(t, orig, owner)
}

func TestReplaceSubgraph_RejectsTwoEntries(t *testing.T) {
	t.Parallel()

	// Arrange: P1 -> V, P2 -> V, V -> S
	s, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.ReplaceSubgraph(ctx, orig, newGraph(t, []string{"P1", "P2", "V", "S"},
		jobgraph.Edge{From: "P1", To: "V"},
		jobgraph.Edge{From: "P2", To: "V"},
		jobgraph.Edge{From: "V", To: "S"},
	), nil))
	before, _ := s.Snapshot(orig)

	// Act
	err := s.ReplaceSubgraph(ctx, orig, newGraph(t, []string{"A"}), []string{"V"})

	// Assert
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSpliceBoundary)
	var structural *StructuralError
	assert.ErrorAs(t, err, &structural)

	after, _ := s.Snapshot(orig)
	assert.Equal(t, before.Edges(), after.Edges(), "a refused splice leaves the graph unchanged")
	assert.True(t, after.Has("V"))
}

func TestReplaceSubgraph_RejectsInvalidNewSubgraph(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("missing expert id", func(t *testing.T) {
		s, _ := newStore(t)
		g := jobgraph.New()
		g.AddVertex("A", jobgraph.Vertex{Job: subJob("A")})

		err := s.ReplaceSubgraph(ctx, orig, g, nil)
		assert.ErrorIs(t, err, ErrMissingAttribute)
		assert.ErrorContains(t, err, "expert_id")
	})

	t.Run("missing job", func(t *testing.T) {
		s, _ := newStore(t)
		g := jobgraph.New()
		g.AddVertex("A", jobgraph.Vertex{ExpertID: "echo"})

		err := s.ReplaceSubgraph(ctx, orig, g, nil)
		assert.ErrorIs(t, err, ErrMissingAttribute)
	})

	t.Run("cyclic", func(t *testing.T) {
		s, _ := newStore(t)
		g := newGraph(t, []string{"A", "B"}, jobgraph.Edge{From: "A", To: "B"}, jobgraph.Edge{From: "B", To: "A"})

		err := s.ReplaceSubgraph(ctx, orig, g, nil)
		assert.ErrorIs(t, err, jobgraph.ErrCycle)
		assert.Empty(t, s.SubJobIDs(orig))
	})
}

func TestAddAndRemoveJob(t *testing.T) {
	t.Parallel()

	// Arrange
	s, js := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.AddJob(ctx, orig, subJob("A"), "echo", nil, nil))
	require.NoError(t, s.AddJob(ctx, orig, subJob("B"), "echo", []string{"A"}, nil))

	// Act
	err := s.AddJob(ctx, orig, subJob("C"), "echo", []string{"B"}, []string{"A"})

	// Assert
	assert.ErrorIs(t, err, jobgraph.ErrCycle)
	assert.Equal(t, []string{"A", "B"}, s.SubJobIDs(orig))

	require.NoError(t, s.RemoveJob(ctx, orig, "B"))
	_, err = js.GetSubJob(ctx, "B")
	assert.ErrorIs(t, err, jobstore.ErrNotFound)
	g, _ := s.Snapshot(orig)
	assert.NotNil(t, g.Legacy("B"))
}

func TestQueryJobResult(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	finished := func(id, payload string) *job.Result {
		return &job.Result{JobID: id, Status: job.StatusFinished, Message: &job.Message{JobID: id, Payload: payload}}
	}

	t.Run("single finished tail", func(t *testing.T) {
		s, _ := newStore(t)
		require.NoError(t, s.ReplaceSubgraph(ctx, orig, newGraph(t, []string{"A", "B"}, jobgraph.Edge{From: "A", To: "B"}), nil))
		require.NoError(t, s.SetResult(orig, "A", finished("A", "ignored")))
		require.NoError(t, s.SetResult(orig, "B", finished("B", "ok")))

		r, err := s.QueryJobResult(orig)

		require.NoError(t, err)
		assert.Equal(t, job.StatusFinished, r.Status)
		assert.Equal(t, "ok\n", r.Payload())
	})

	t.Run("one of two tails unfinished", func(t *testing.T) {
		s, _ := newStore(t)
		require.NoError(t, s.ReplaceSubgraph(ctx, orig, newGraph(t, []string{"A", "B"}), nil))
		require.NoError(t, s.SetResult(orig, "A", finished("A", "x")))

		r, err := s.QueryJobResult(orig)

		require.NoError(t, err)
		assert.Equal(t, job.StatusRunning, r.Status)
		assert.Equal(t, NotCompletedPayload, r.Payload())
	})

	t.Run("two finished tails in id order", func(t *testing.T) {
		s, _ := newStore(t)
		require.NoError(t, s.ReplaceSubgraph(ctx, orig, newGraph(t, []string{"B", "A"}), nil))
		require.NoError(t, s.SetResult(orig, "A", finished("A", "first")))
		require.NoError(t, s.SetResult(orig, "B", finished("B", "second")))

		r, err := s.QueryJobResult(orig)

		require.NoError(t, err)
		assert.Equal(t, "first\nsecond\n", r.Payload())
	})

	t.Run("unknown original job", func(t *testing.T) {
		s, _ := newStore(t)
		_, err := s.QueryJobResult("missing")
		assert.ErrorIs(t, err, ErrUnknownJob)
	})
}

func TestSnapshot_IsIsolatedFromWrites(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.ReplaceSubgraph(ctx, orig, newGraph(t, []string{"A"}), nil))

	snap, ok := s.Snapshot(orig)
	require.True(t, ok)
	require.NoError(t, s.AddJob(ctx, orig, subJob("B"), "echo", []string{"A"}, nil))

	assert.Equal(t, 1, snap.Len())
	assert.Equal(t, []string{"A", "B"}, s.SubJobIDs(orig))
}

func TestLoad_RebuildsGraphFromStoredSubJobs(t *testing.T) {
	t.Parallel()

	// Arrange: P1 -> A -> B -> P2 with V spliced out and P1 finished
	before, js := newStore(t)
	ctx := context.Background()
	require.NoError(t, before.ReplaceSubgraph(ctx, orig,
		newGraph(t, []string{"P1", "V", "P2"}, jobgraph.Edge{From: "P1", To: "V"}, jobgraph.Edge{From: "V", To: "P2"}), nil))
	require.NoError(t, before.ReplaceSubgraph(ctx, orig, newGraph(t, []string{"A", "B"}, jobgraph.Edge{From: "A", To: "B"}), []string{"V"}))
	require.NoError(t, js.SaveResult(ctx, &job.Result{
		JobID:   "P1",
		Status:  job.StatusFinished,
		Message: &job.Message{JobID: "P1", Role: job.RoleExpert, Payload: "prepared"},
	}))
	require.NoError(t, js.SaveResult(ctx, job.NewResult("A", job.StatusStopped)))
	after := New(js)

	// Act
	loaded, err := after.Load(ctx, orig)
	missing, missingErr := after.Load(ctx, "never-planned")

	// Assert
	require.NoError(t, err)
	require.True(t, loaded)
	g, ok := after.Snapshot(orig)
	require.True(t, ok)
	want, _ := before.Snapshot(orig)
	assert.Equal(t, want.Edges(), g.Edges())
	assert.Equal(t, []string{"V"}, g.LegacyIDs())
	assert.Equal(t, "echo", g.ExpertID("A"))
	assert.Equal(t, "prepared", g.Result("P1").Payload())
	assert.Nil(t, g.Result("A"), "only finished results are restored")

	require.NoError(t, missingErr)
	assert.False(t, missing)
	assert.False(t, after.Has("never-planned"))
}
