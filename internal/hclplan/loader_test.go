package hclplan

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/expertgrid/internal/decomposer"
	"github.com/vk/expertgrid/internal/expert"
	"github.com/vk/expertgrid/internal/job"
)

const researchPlan = `
settings {
  workers     = 3
  life_cycle  = 4
  max_retries = 1
}

expert "analyst" {
  description = "Finds and reads sources."
}

expert "writer" {
  description = "Writes prose."
  kind        = "echo"
}

plan "research" {
  match = "(?i)research"

  task "gather" {
    goal                = "Collect sources for ${job.goal}"
    context             = "Original request id ${job.id}"
    completion_criteria = "At least three sources"
    assigned_expert     = "analyst"
  }

  task "write" {
    goal            = "Write up: ${job.goal}"
    thinking        = lesson == "" ? "first attempt" : "retry: ${lesson}"
    assigned_expert = "writer"
    dependencies    = ["gather"]
  }
}

plan "default" {
  task "only" {
    goal            = job.goal
    assigned_expert = "writer"
  }
}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_FileAndDecompose(t *testing.T) {
	t.Parallel()

	// Arrange
	path := writeFile(t, t.TempDir(), "plan.hcl", researchPlan)

	// Act
	cat, err := Load(context.Background(), path)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, Settings{Workers: 3, LifeCycle: 4, MaxRetries: 1}, cat.Settings)
	require.Len(t, cat.Experts, 2)
	assert.Equal(t, KindEcho, cat.Experts[0].Kind, "kind defaults to echo")
	assert.Equal(t, []string{"research", "default"}, cat.PlanNames())

	t.Run("matching plan", func(t *testing.T) {
		tm, err := cat.Decompose(context.Background(), decomposer.Request{
			Job: job.Job{ID: "j-1", Goal: "Research solar panels"},
		})
		require.NoError(t, err)
		require.Len(t, tm, 2)
		assert.Equal(t, "Collect sources for Research solar panels", tm["gather"].Goal)
		assert.Equal(t, "Original request id j-1", tm["gather"].Context)
		assert.Equal(t, "At least three sources", tm["gather"].CompletionCriteria)
		assert.Equal(t, "first attempt", tm["write"].Thinking)
		assert.Equal(t, []string{"gather"}, tm["write"].Dependencies)
		assert.Empty(t, tm["write"].Context, "missing optional attributes are empty")

		assert.NoError(t, decomposer.Validate(tm, []string{"analyst", "writer"}))
	})

	t.Run("lesson is visible", func(t *testing.T) {
		tm, err := cat.Decompose(context.Background(), decomposer.Request{
			Job:    job.Job{ID: "j-1", Goal: "research"},
			Lesson: "be precise",
		})
		require.NoError(t, err)
		assert.Equal(t, "retry: be precise", tm["write"].Thinking)
	})

	t.Run("default plan", func(t *testing.T) {
		tm, err := cat.Decompose(context.Background(), decomposer.Request{Job: job.Job{Goal: "bake bread"}})
		require.NoError(t, err)
		assert.Equal(t, "bake bread", tm["only"].Goal)
	})
}

func TestLoad_Directory(t *testing.T) {
	t.Parallel()

	// Arrange
	dir := t.TempDir()
	writeFile(t, dir, "experts.hcl", `
expert "remote" {
  kind      = "socketio"
  url       = "http://localhost:3000"
  namespace = "/experts"
  timeout   = "5s"
}
`)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "plans"), 0o755))
	writeFile(t, filepath.Join(dir, "plans"), "narrow.hcl", `
plan "narrow" {
  match = "^translate"
  task "t" {
    goal            = job.goal
    assigned_expert = "remote"
  }
}
`)
	writeFile(t, dir, "notes.txt", "ignored")

	// Act
	cat, err := Load(context.Background(), dir)

	// Assert
	require.NoError(t, err)
	require.Len(t, cat.Experts, 1)
	assert.Equal(t, 5*time.Second, cat.Experts[0].Timeout)
	assert.Equal(t, []string{"narrow"}, cat.PlanNames())

	_, err = cat.Decompose(context.Background(), decomposer.Request{Job: job.Job{Goal: "summarise"}})
	assert.ErrorIs(t, err, ErrNoPlan)

	reg, err := cat.Registry(2)
	require.NoError(t, err)
	_, err = reg.ByName("remote")
	assert.NoError(t, err)
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		content string
		want    string
	}{
		{"syntax", `expert "a" {`, "failed to parse"},
		{"unknown kind", `expert "a" { kind = "carrier-pigeon" }`, "unknown kind"},
		{"socketio without url", `expert "a" { kind = "socketio" }`, "requires url"},
		{"bad pattern", "plan \"p\" {\n match = \"(\"\n task \"t\" {\n goal = \"g\"\n assigned_expert = \"a\"\n }\n}\n", "invalid match pattern"},
		{"empty plan", `plan "p" {}`, "has no tasks"},
		{"duplicate expert", "expert \"a\" {}\nexpert \"a\" {}\n", "declared twice"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "plan.hcl", tc.content)
			_, err := Load(context.Background(), path)
			assert.ErrorContains(t, err, tc.want)
		})
	}

	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.hcl"))
	assert.ErrorContains(t, err, "error accessing path")
}

func TestCatalogue_Registry(t *testing.T) {
	t.Parallel()

	path := writeFile(t, t.TempDir(), "plan.hcl", researchPlan)
	cat, err := Load(context.Background(), path)
	require.NoError(t, err)

	reg, err := cat.Registry(1)
	require.NoError(t, err)
	assert.Equal(t, []string{"analyst", "writer"}, reg.Names())

	e, err := reg.ByName("writer")
	require.NoError(t, err)
	out, err := e.Execute(context.Background(), &expert.Input{Job: &job.SubJob{Job: job.Job{ID: "s", Goal: "hello"}}})
	require.NoError(t, err)
	assert.Equal(t, "hello", expert.ReportOf(out).Payload)
}
