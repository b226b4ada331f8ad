package testutil

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vk/expertgrid/internal/ctxlog"
	"github.com/vk/expertgrid/internal/decomposer"
	"github.com/vk/expertgrid/internal/expert"
	"github.com/vk/expertgrid/internal/graphstore"
	"github.com/vk/expertgrid/internal/inmemoryjobstore"
	"github.com/vk/expertgrid/internal/job"
	"github.com/vk/expertgrid/internal/jobstore"
)

// SafeBuffer is a thread-safe buffer for capturing log output in tests.
type SafeBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

// Write implements the io.Writer interface for SafeBuffer.
func (b *SafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

// String implements the fmt.Stringer interface for SafeBuffer.
func (b *SafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

// Harness wires the in-memory stores, an expert registry and a planner
// backed by a ScriptedDecomposer.
type Harness struct {
	Ctx        context.Context
	Logs       *SafeBuffer
	Jobs       jobstore.Store
	Graphs     *graphstore.Store
	Experts    *expert.Registry
	Decomposer *ScriptedDecomposer
	Planner    *decomposer.Planner
}

// NewHarness registers the given experts and returns a ready harness. The
// first expert is the decomposer's default. Logs
// are written to the harness buffer at debug level and dumped with
// t.Logf when EXPERTGRID_TEST_LOGS=true.
func NewHarness(t *testing.T, experts ...expert.Expert) *Harness {
	t.Helper()

	logs := &SafeBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	reg := expert.NewRegistry()
	for _, e := range experts {
		require.NoError(t, reg.Register(e))
	}

	jobs := inmemoryjobstore.New()
	d := NewScriptedDecomposer()
	if len(experts) > 0 {
		d.DefaultExpert = experts[0].Profile().Name
	}
	h := &Harness{
		Ctx:        ctxlog.WithLogger(context.Background(), logger),
		Logs:       logs,
		Jobs:       jobs,
		Graphs:     graphstore.New(jobs),
		Experts:    reg,
		Decomposer: d,
		Planner:    decomposer.NewPlanner(d, reg, 0),
	}

	t.Cleanup(func() {
		if os.Getenv("EXPERTGRID_TEST_LOGS") == "true" {
			t.Logf("--- Full Log Output for %s ---\n%s", t.Name(), logs.String())
		}
	})
	return h
}

// Seed saves an original job, decomposes it and installs its graph. It
// returns the original job.
func (h *Harness) Seed(t *testing.T, goal string) *job.Job {
	t.Helper()

	j := job.New(goal, "")
	require.NoError(t, h.Jobs.SaveJob(h.Ctx, j))
	g, err := h.Planner.Plan(h.Ctx, decomposer.PlanRequest{Job: *j, OriginalJobID: j.ID})
	require.NoError(t, err)
	require.NoError(t, h.Graphs.ReplaceSubgraph(h.Ctx, j.ID, g, nil))
	return j
}

// SubJobID returns the id of the live sub-job of originalJobID with goal.
func (h *Harness) SubJobID(t *testing.T, originalJobID, goal string) string {
	t.Helper()

	g, ok := h.Graphs.Snapshot(originalJobID)
	require.True(t, ok, "no graph for %s", originalJobID)
	for _, id := range g.Vertices() {
		if g.Job(id).Goal == goal {
			return id
		}
	}
	require.Failf(t, "sub-job not found", "no live sub-job with goal %q", goal)
	return ""
}

// ScriptedDecomposer returns a fixed TaskMap per goal. Goals without a
// script become a single task for DefaultExpert.
type ScriptedDecomposer struct {
	DefaultExpert string

	mu       sync.Mutex
	plans    map[string]decomposer.TaskMap
	requests []decomposer.Request
}

// NewScriptedDecomposer returns an empty scripted decomposer.
func NewScriptedDecomposer() *ScriptedDecomposer {
	return &ScriptedDecomposer{plans: make(map[string]decomposer.TaskMap)}
}

// On sets the TaskMap proposed for goal.
func (d *ScriptedDecomposer) On(goal string, tm decomposer.TaskMap) *ScriptedDecomposer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.plans[goal] = tm
	return d
}

func (d *ScriptedDecomposer) Decompose(_ context.Context, req decomposer.Request) (decomposer.TaskMap, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)

	if tm, ok := d.plans[req.Job.Goal]; ok {
		return tm, nil
	}
	return decomposer.TaskMap{"only": {Goal: req.Job.Goal, Context: req.Job.Context, AssignedExpert: d.DefaultExpert}}, nil
}

// Requests returns every request seen so far.
func (d *ScriptedDecomposer) Requests() []decomposer.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]decomposer.Request(nil), d.requests...)
}
