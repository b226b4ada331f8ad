package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/expertgrid/internal/decomposer"
	"github.com/vk/expertgrid/internal/expert"
	"github.com/vk/expertgrid/internal/graphstore"
	"github.com/vk/expertgrid/internal/job"
	"github.com/vk/expertgrid/internal/testutil"
)

type failCall struct {
	jobID  string
	reason string
}

type recordingFailer struct {
	mu    sync.Mutex
	calls []failCall
}

func (f *recordingFailer) FailJobGraph(_ context.Context, jobID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, failCall{jobID: jobID, reason: reason})
	return nil
}

func (f *recordingFailer) Calls() []failCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]failCall(nil), f.calls...)
}

type gateFunc func() bool

func (g gateFunc) Halted(context.Context, string) bool { return g() }

func pipeline() decomposer.TaskMap {
	return decomposer.TaskMap{
		"b": {Goal: "produce", AssignedExpert: "worker"},
		"c": {Goal: "consume", AssignedExpert: "worker", Dependencies: []string{"b"}},
	}
}

func newScheduler(h *testutil.Harness, f Failer, g Gate) *Scheduler {
	return New(Deps{
		Graphs:  h.Graphs,
		Jobs:    h.Jobs,
		Experts: h.Experts,
		Planner: h.Planner,
		Failer:  f,
		Gate:    g,
	}, 4)
}

func TestRun_Pipeline_Succeeds(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	worker := testutil.NewScriptedExpert("worker")
	h := testutil.NewHarness(t, worker)
	h.Decomposer.On("pipeline", pipeline())
	orig := h.Seed(t, "pipeline")

	// --- Act ---
	err := newScheduler(h, nil, nil).Run(h.Ctx, orig.ID)

	// --- Assert ---
	require.NoError(t, err)
	res, err := h.Graphs.QueryJobResult(orig.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFinished, res.Status)
	assert.Equal(t, "done: consume\n", res.Payload())

	inputs := worker.Inputs("consume")
	require.Len(t, inputs, 1)
	require.Len(t, inputs[0].PredecessorResults, 1)
	assert.Equal(t, "done: produce", inputs[0].PredecessorResults[0].Payload)

	consumeID := h.SubJobID(t, orig.ID, "consume")
	status, err := h.Jobs.Status(h.Ctx, consumeID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFinished, status)
	testutil.AssertLogged(t, h, "Scheduler finished.")
}

func TestRun_Diamond_RespectsDependencies(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	worker := testutil.NewScriptedExpert("worker")
	worker.Sleep = 10 * time.Millisecond
	h := testutil.NewHarness(t, worker)
	h.Decomposer.On("diamond", decomposer.TaskMap{
		"r": {Goal: "root", AssignedExpert: "worker"},
		"a": {Goal: "left", AssignedExpert: "worker", Dependencies: []string{"r"}},
		"b": {Goal: "right", AssignedExpert: "worker", Dependencies: []string{"r"}},
		"z": {Goal: "join", AssignedExpert: "worker", Dependencies: []string{"a", "b"}},
	})
	orig := h.Seed(t, "diamond")

	// --- Act ---
	err := newScheduler(h, nil, nil).Run(h.Ctx, orig.ID)

	// --- Assert ---
	require.NoError(t, err)
	records := worker.Records()
	require.Len(t, records, 4)
	testutil.AssertNoOverlap(t, records, "root", "left")
	testutil.AssertNoOverlap(t, records, "root", "right")
	testutil.AssertNoOverlap(t, records, "left", "join")
	testutil.AssertNoOverlap(t, records, "right", "join")

	var payloads []string
	for _, m := range worker.Inputs("join")[0].PredecessorResults {
		payloads = append(payloads, m.Payload)
	}
	assert.ElementsMatch(t, []string{"done: left", "done: right"}, payloads)
}

func TestRun_InputDataError_RewindsPredecessor(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	worker := testutil.NewScriptedExpert("worker").
		On("consume", testutil.Sequence(
			expert.InputDataError{Report: expert.Report{Lesson: "need more"}},
			expert.Success{Report: expert.Report{Payload: "consumed"}},
		))
	h := testutil.NewHarness(t, worker)
	h.Decomposer.On("pipeline", pipeline())
	orig := h.Seed(t, "pipeline")

	// --- Act ---
	err := newScheduler(h, nil, nil).Run(h.Ctx, orig.ID)

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, 2, worker.Calls("produce"))
	assert.Equal(t, 2, worker.Calls("consume"))

	produced := worker.Inputs("produce")
	if diff := cmp.Diff([]string{"need more"}, produced[1].Lessons); diff != "" {
		t.Errorf("lessons of re-executed predecessor mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, worker.Inputs("consume")[1].Lessons)

	res, err := h.Graphs.QueryJobResult(orig.ID)
	require.NoError(t, err)
	assert.Equal(t, "consumed\n", res.Payload())
}

func TestRun_InputDataError_RewindsOnlyDirectPredecessors(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	worker := testutil.NewScriptedExpert("worker").
		On("analyse", testutil.Sequence(
			expert.InputDataError{Report: expert.Report{Lesson: "stale"}},
			expert.Success{Report: expert.Report{Payload: "analysed"}},
		))
	h := testutil.NewHarness(t, worker)
	h.Decomposer.On("chain", decomposer.TaskMap{
		"a": {Goal: "fetch", AssignedExpert: "worker"},
		"b": {Goal: "clean", AssignedExpert: "worker", Dependencies: []string{"a"}},
		"c": {Goal: "analyse", AssignedExpert: "worker", Dependencies: []string{"b"}},
	})
	orig := h.Seed(t, "chain")

	// --- Act ---
	err := newScheduler(h, nil, nil).Run(h.Ctx, orig.ID)

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, 1, worker.Calls("fetch"), "ancestors beyond the direct predecessor are not rewound")
	assert.Equal(t, 2, worker.Calls("clean"))
	assert.Equal(t, 2, worker.Calls("analyse"))
}

func TestRun_InputDataError_WithoutPredecessors_KeepsLesson(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	worker := testutil.NewScriptedExpert("worker").
		On("alone", testutil.Sequence(
			expert.InputDataError{Report: expert.Report{Lesson: "look again"}},
			expert.Success{Report: expert.Report{Payload: "ok"}},
		))
	h := testutil.NewHarness(t, worker)
	orig := h.Seed(t, "alone")

	// --- Act ---
	err := newScheduler(h, nil, nil).Run(h.Ctx, orig.ID)

	// --- Assert ---
	require.NoError(t, err)
	inputs := worker.Inputs("alone")
	require.Len(t, inputs, 2)
	assert.Equal(t, []string{"look again"}, inputs[1].Lessons)
}

func TestRun_InputDataError_WhilePredecessorReruns_WaitsForFreshRun(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	worker := testutil.NewScriptedExpert("worker").
		On("produce", func(_ *expert.Input, call int) expert.Outcome {
			if call > 1 {
				time.Sleep(80 * time.Millisecond)
			}
			return expert.Success{Report: expert.Report{Payload: fmt.Sprintf("produce #%d", call)}}
		}).
		On("left", testutil.Sequence(
			expert.InputDataError{Report: expert.Report{Lesson: "left saw stale data"}},
			expert.Success{Report: expert.Report{Payload: "left ok"}},
		)).
		On("right", func(_ *expert.Input, call int) expert.Outcome {
			if call == 1 {
				time.Sleep(30 * time.Millisecond)
				return expert.InputDataError{Report: expert.Report{Lesson: "right saw stale data"}}
			}
			return expert.Success{Report: expert.Report{Payload: "right ok"}}
		})
	h := testutil.NewHarness(t, worker)
	h.Decomposer.On("fan out", decomposer.TaskMap{
		"b": {Goal: "produce", AssignedExpert: "worker"},
		"c": {Goal: "left", AssignedExpert: "worker", Dependencies: []string{"b"}},
		"d": {Goal: "right", AssignedExpert: "worker", Dependencies: []string{"b"}},
	})
	orig := h.Seed(t, "fan out")
	produceID := h.SubJobID(t, orig.ID, "produce")

	// --- Act ---
	err := newScheduler(h, nil, nil).Run(h.Ctx, orig.ID)

	// --- Assert ---
	require.NoError(t, err)
	require.Equal(t, 3, worker.Calls("produce"))

	var produced []testutil.ExecutionRecord
	for _, rec := range worker.Records() {
		if rec.Goal == "produce" {
			produced = append(produced, rec)
		}
	}
	require.Len(t, produced, 3)
	for i := range produced {
		for j := i + 1; j < len(produced); j++ {
			assert.False(t, produced[i].Overlaps(produced[j]), "produce executions overlapped")
		}
	}

	last := worker.Inputs("produce")[2]
	if diff := cmp.Diff([]string{"left saw stale data", "right saw stale data"}, last.Lessons); diff != "" {
		t.Errorf("lessons of final produce run mismatch (-want +got):\n%s", diff)
	}
	for _, goal := range []string{"left", "right"} {
		inputs := worker.Inputs(goal)
		require.Len(t, inputs, 2, goal)
		assert.Equal(t, "produce #3", inputs[1].PredecessorResults[0].Payload, goal)
	}

	g, ok := h.Graphs.Snapshot(orig.ID)
	require.True(t, ok)
	assert.Equal(t, "produce #3", g.Result(produceID).Payload())
}

func TestRun_TooComplicated_SplicesFinerPlan(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	worker := testutil.NewScriptedExpert("worker").
		On("big", testutil.Sequence(expert.TooComplicated{Report: expert.Report{Payload: "too big"}}))
	h := testutil.NewHarness(t, worker)
	h.Decomposer.
		On("project", decomposer.TaskMap{
			"p1":  {Goal: "prepare", AssignedExpert: "worker"},
			"big": {Goal: "big", AssignedExpert: "worker", Dependencies: []string{"p1"}},
			"p2":  {Goal: "publish", AssignedExpert: "worker", Dependencies: []string{"big"}},
		}).
		On("big", decomposer.TaskMap{
			"x": {Goal: "part one", AssignedExpert: "worker"},
			"y": {Goal: "part two", AssignedExpert: "worker", Dependencies: []string{"x"}},
		})
	orig := h.Seed(t, "project")
	bigID := h.SubJobID(t, orig.ID, "big")

	// --- Act ---
	err := newScheduler(h, nil, nil).Run(h.Ctx, orig.ID)

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, 1, worker.Calls("big"))
	assert.Equal(t, "done: prepare", worker.Inputs("part one")[0].PredecessorResults[0].Payload)
	assert.Equal(t, "done: part two", worker.Inputs("publish")[0].PredecessorResults[0].Payload)

	g, ok := h.Graphs.Snapshot(orig.ID)
	require.True(t, ok)
	assert.Equal(t, []string{bigID}, g.LegacyIDs())
	assert.Equal(t, 4, g.Len())

	legacy := g.Legacy(bigID)
	require.NotNil(t, legacy)
	assert.True(t, legacy.IsLegacy)
	assert.Equal(t, job.DefaultLifeCycle-1, legacy.LifeCycle)

	res, err := h.Graphs.QueryJobResult(orig.ID)
	require.NoError(t, err)
	assert.Equal(t, "done: publish\n", res.Payload())
}

func TestRun_TooComplicated_AtJoin_FailsWithoutStrayRecords(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	worker := testutil.NewScriptedExpert("worker").
		On("merge", testutil.Sequence(expert.TooComplicated{}))
	h := testutil.NewHarness(t, worker)
	h.Decomposer.
		On("merge two", decomposer.TaskMap{
			"a": {Goal: "left", AssignedExpert: "worker"},
			"b": {Goal: "right", AssignedExpert: "worker"},
			"m": {Goal: "merge", AssignedExpert: "worker", Dependencies: []string{"a", "b"}},
		}).
		On("merge", decomposer.TaskMap{
			"x": {Goal: "merge part one", AssignedExpert: "worker"},
			"y": {Goal: "merge part two", AssignedExpert: "worker", Dependencies: []string{"x"}},
		})
	orig := h.Seed(t, "merge two")
	failer := &recordingFailer{}

	// --- Act ---
	err := newScheduler(h, failer, nil).Run(h.Ctx, orig.ID)

	// --- Assert ---
	require.ErrorIs(t, err, graphstore.ErrSpliceBoundary)
	require.Len(t, failer.Calls(), 1)
	assert.Zero(t, worker.Calls("merge part one"))

	subs, err := h.Jobs.SubJobs(h.Ctx, orig.ID)
	require.NoError(t, err)
	var goals []string
	for _, sj := range subs {
		goals = append(goals, sj.Goal)
	}
	assert.ElementsMatch(t, []string{"left", "right", "merge"}, goals, "a refused splice persists no sub-jobs")
}

func TestRun_TooComplicated_ExhaustsLifeCycle(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	worker := testutil.NewScriptedExpert("worker").
		On("hard", testutil.Sequence(expert.TooComplicated{Report: expert.Report{Lesson: "split it"}}))
	h := testutil.NewHarness(t, worker)
	orig := h.Seed(t, "hard")
	failer := &recordingFailer{}

	// --- Act ---
	err := newScheduler(h, failer, nil).Run(h.Ctx, orig.ID)

	// --- Assert ---
	require.ErrorIs(t, err, ErrLifeCycleExhausted)
	assert.Equal(t, job.DefaultLifeCycle, worker.Calls("hard"))
	assert.Len(t, h.Decomposer.Requests(), job.DefaultLifeCycle, "one decomposition plus one per replan")

	g, ok := h.Graphs.Snapshot(orig.ID)
	require.True(t, ok)
	assert.Len(t, g.LegacyIDs(), job.DefaultLifeCycle-1)

	live := g.Vertices()
	require.Len(t, live, 1)
	assert.Equal(t, 0, g.Job(live[0]).LifeCycle)

	calls := failer.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, live[0], calls[0].jobID)
}

func TestRun_ExecutionError_FailsGraph(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	worker := testutil.NewScriptedExpert("worker").
		On("produce", testutil.Sequence(expert.ExecutionError{Report: expert.Report{Lesson: "disk full"}}))
	h := testutil.NewHarness(t, worker)
	h.Decomposer.On("pipeline", pipeline())
	orig := h.Seed(t, "pipeline")
	failer := &recordingFailer{}

	// --- Act ---
	err := newScheduler(h, failer, nil).Run(h.Ctx, orig.ID)

	// --- Assert ---
	require.ErrorIs(t, err, ErrFatalOutcome)
	assert.Zero(t, worker.Calls("consume"))

	calls := failer.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, h.SubJobID(t, orig.ID, "produce"), calls[0].jobID)
	assert.Contains(t, calls[0].reason, "disk full")
}

func TestRun_MissingLesson_UsesPlaceholderReason(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	worker := testutil.NewScriptedExpert("worker").
		On("solo", testutil.Sequence(expert.MaxRetriesReached{}))
	h := testutil.NewHarness(t, worker)
	orig := h.Seed(t, "solo")
	failer := &recordingFailer{}

	// --- Act ---
	err := newScheduler(h, failer, nil).Run(h.Ctx, orig.ID)

	// --- Assert ---
	require.ErrorIs(t, err, ErrFatalOutcome)
	require.Len(t, failer.Calls(), 1)
	assert.Contains(t, failer.Calls()[0].reason, "Error info was missing.")
}

func TestRun_ExpertPanic_FailsGraph(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	worker := testutil.NewScriptedExpert("worker").
		On("boom", func(*expert.Input, int) expert.Outcome { panic("kaboom") })
	h := testutil.NewHarness(t, worker)
	orig := h.Seed(t, "boom")
	failer := &recordingFailer{}

	// --- Act ---
	err := newScheduler(h, failer, nil).Run(h.Ctx, orig.ID)

	// --- Assert ---
	require.ErrorIs(t, err, ErrFatalOutcome)
	require.Len(t, failer.Calls(), 1)
	assert.Contains(t, failer.Calls()[0].reason, "kaboom")
}

func TestRun_UnknownExpert_FailsGraph(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	h := testutil.NewHarness(t, testutil.NewScriptedExpert("worker"))
	orig := job.New("orphan", "")
	require.NoError(t, h.Jobs.SaveJob(h.Ctx, orig))
	sj := &job.SubJob{
		Job:           job.Job{ID: job.NewID(), Goal: "orphan"},
		OriginalJobID: orig.ID,
		ExpertID:      "ghost",
		LifeCycle:     job.DefaultLifeCycle,
	}
	require.NoError(t, h.Graphs.AddJob(h.Ctx, orig.ID, sj, "ghost", nil, nil))
	failer := &recordingFailer{}

	// --- Act ---
	err := newScheduler(h, failer, nil).Run(h.Ctx, orig.ID)

	// --- Assert ---
	require.ErrorIs(t, err, ErrFatalOutcome)
	require.ErrorIs(t, err, expert.ErrUnknownExpert)
	require.Len(t, failer.Calls(), 1)
	assert.Equal(t, sj.ID, failer.Calls()[0].jobID)
}

func TestRun_Gate_StopsDispatch(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	var stopped atomic.Bool
	worker := testutil.NewScriptedExpert("worker").
		On("produce", func(*expert.Input, int) expert.Outcome {
			stopped.Store(true)
			return expert.Success{Report: expert.Report{Payload: "late"}}
		})
	h := testutil.NewHarness(t, worker)
	h.Decomposer.On("pipeline", pipeline())
	orig := h.Seed(t, "pipeline")

	// --- Act ---
	err := newScheduler(h, nil, gateFunc(stopped.Load)).Run(h.Ctx, orig.ID)

	// --- Assert ---
	require.ErrorIs(t, err, ErrHalted)
	assert.Zero(t, worker.Calls("consume"))

	res, err := h.Graphs.QueryJobResult(orig.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, res.Status, "results harvested after a stop are discarded")
}

func TestRun_SkipsFinishedVertices(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	worker := testutil.NewScriptedExpert("worker")
	h := testutil.NewHarness(t, worker)
	h.Decomposer.On("pipeline", pipeline())
	orig := h.Seed(t, "pipeline")
	produceID := h.SubJobID(t, orig.ID, "produce")
	require.NoError(t, h.Graphs.SetResult(orig.ID, produceID, &job.Result{
		JobID:   produceID,
		Status:  job.StatusFinished,
		Message: &job.Message{JobID: produceID, Role: job.RoleExpert, Payload: "cached"},
	}))

	// --- Act ---
	err := newScheduler(h, nil, nil).Run(h.Ctx, orig.ID)

	// --- Assert ---
	require.NoError(t, err)
	assert.Zero(t, worker.Calls("produce"))
	assert.Equal(t, "cached", worker.Inputs("consume")[0].PredecessorResults[0].Payload)
}

func TestRun_UnsatisfiableVertex_Deadlocks(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	worker := testutil.NewScriptedExpert("worker")
	h := testutil.NewHarness(t, worker)
	h.Decomposer.On("pipeline", pipeline())
	orig := h.Seed(t, "pipeline")
	produceID := h.SubJobID(t, orig.ID, "produce")
	consumeID := h.SubJobID(t, orig.ID, "consume")

	r := newRun(newScheduler(h, nil, nil), orig.ID)
	require.NoError(t, r.seed())
	// A predecessor that is neither scheduled nor finished can never unblock.
	delete(r.pending, produceID)

	// --- Act ---
	err := r.loop(h.Ctx)

	// --- Assert ---
	require.ErrorIs(t, err, ErrDeadlock)
	assert.Contains(t, err.Error(), consumeID)
	assert.Zero(t, worker.Calls("consume"))
}

func TestRun_ContextCancelled_DrainsWorkers(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	worker := testutil.NewScriptedExpert("worker")
	worker.Sleep = 5 * time.Second
	h := testutil.NewHarness(t, worker)
	orig := h.Seed(t, "slow")
	ctx, cancel := context.WithTimeout(h.Ctx, 50*time.Millisecond)
	defer cancel()

	// --- Act ---
	start := time.Now()
	err := newScheduler(h, nil, nil).Run(ctx, orig.ID)

	// --- Assert ---
	require.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRun_UnknownGraph(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	h := testutil.NewHarness(t, testutil.NewScriptedExpert("worker"))

	// --- Act ---
	err := newScheduler(h, nil, nil).Run(h.Ctx, "missing")

	// --- Assert ---
	require.Error(t, err)
}
