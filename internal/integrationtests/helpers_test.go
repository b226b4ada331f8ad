package integrationtests

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vk/expertgrid/internal/decomposer"
	"github.com/vk/expertgrid/internal/hclplan"
	"github.com/vk/expertgrid/internal/leader"
	"github.com/vk/expertgrid/internal/testutil"
)

// newPlannedLeader loads planHCL as the decomposer of a harness and returns
// a leader over it.
func newPlannedLeader(t *testing.T, h *testutil.Harness, planHCL string) *leader.Leader {
	t.Helper()

	path := filepath.Join(t.TempDir(), "plan.hcl")
	require.NoError(t, os.WriteFile(path, []byte(planHCL), 0o600))
	cat, err := hclplan.Load(h.Ctx, path)
	require.NoError(t, err)

	return leader.New(leader.Config{
		Jobs:    h.Jobs,
		Graphs:  h.Graphs,
		Experts: h.Experts,
		Planner: decomposer.NewPlanner(cat, h.Experts, 0),
		Workers: 4,
	})
}
