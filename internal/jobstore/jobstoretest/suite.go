// Package jobstoretest holds the behavioural checks every jobstore.Store
// implementation must pass.
package jobstoretest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/expertgrid/internal/job"
	"github.com/vk/expertgrid/internal/jobstore"
)

// Run exercises a Store produced by newStore. newStore is called once per
// subtest so cases do not share state.
func Run(t *testing.T, newStore func(t *testing.T) jobstore.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("job round trip", func(t *testing.T) {
		s := newStore(t)
		j := &job.Job{ID: "orig", SessionID: "sess", Goal: "write a report", Context: "ctx"}

		require.NoError(t, s.SaveJob(ctx, j))
		got, err := s.GetJob(ctx, "orig")

		require.NoError(t, err)
		assert.Equal(t, j, got)
		got.Goal = "mutated"
		again, err := s.GetJob(ctx, "orig")
		require.NoError(t, err)
		assert.Equal(t, "write a report", again.Goal, "returned records must be copies")
	})

	t.Run("missing records return ErrNotFound", func(t *testing.T) {
		s := newStore(t)

		_, err := s.GetJob(ctx, "nope")
		assert.ErrorIs(t, err, jobstore.ErrNotFound)
		_, err = s.GetSubJob(ctx, "nope")
		assert.ErrorIs(t, err, jobstore.ErrNotFound)
		_, err = s.GetResult(ctx, "nope")
		assert.ErrorIs(t, err, jobstore.ErrNotFound)

		status, err := s.Status(ctx, "nope")
		require.NoError(t, err)
		assert.Equal(t, job.StatusCreated, status)
	})

	t.Run("sub-jobs are upserted and listed per original job", func(t *testing.T) {
		s := newStore(t)
		b := &job.SubJob{Job: job.Job{ID: "b", Goal: "second"}, OriginalJobID: "orig", LifeCycle: 3}
		a := &job.SubJob{Job: job.Job{ID: "a", Goal: "first"}, OriginalJobID: "orig", LifeCycle: 3}
		other := &job.SubJob{Job: job.Job{ID: "c"}, OriginalJobID: "elsewhere"}

		require.NoError(t, s.SaveSubJob(ctx, b))
		require.NoError(t, s.SaveSubJob(ctx, a))
		require.NoError(t, s.SaveSubJob(ctx, other))
		updated := a.Copy()
		updated.LifeCycle = 2
		updated.IsLegacy = true
		require.NoError(t, s.SaveSubJob(ctx, updated))

		list, err := s.SubJobs(ctx, "orig")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "a", list[0].ID)
		assert.Equal(t, 2, list[0].LifeCycle)
		assert.True(t, list[0].IsLegacy)
		assert.Equal(t, "b", list[1].ID)
	})

	t.Run("remove drops record and result but keeps messages", func(t *testing.T) {
		s := newStore(t)
		sj := &job.SubJob{Job: job.Job{ID: "a"}, OriginalJobID: "orig"}
		require.NoError(t, s.SaveSubJob(ctx, sj))
		require.NoError(t, s.SaveResult(ctx, job.NewResult("a", job.StatusFinished)))
		require.NoError(t, s.SaveMessage(ctx, &job.Message{JobID: "a", Role: job.RoleExpert, Payload: "out"}))

		require.NoError(t, s.RemoveJob(ctx, "a"))
		require.NoError(t, s.RemoveJob(ctx, "never-existed"))

		_, err := s.GetSubJob(ctx, "a")
		assert.ErrorIs(t, err, jobstore.ErrNotFound)
		_, err = s.GetResult(ctx, "a")
		assert.ErrorIs(t, err, jobstore.ErrNotFound)
		msgs, err := s.Messages(ctx, "a")
		require.NoError(t, err)
		assert.Len(t, msgs, 1)
	})

	t.Run("results keep the latest status", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SaveResult(ctx, job.NewResult("a", job.StatusRunning)))
		require.NoError(t, s.SaveResult(ctx, &job.Result{
			JobID:   "a",
			Status:  job.StatusFinished,
			Message: &job.Message{JobID: "a", Role: job.RoleExpert, Payload: "done"},
			Tokens:  12,
		}))

		r, err := s.GetResult(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, job.StatusFinished, r.Status)
		assert.Equal(t, "done", r.Payload())
		assert.Equal(t, 12, r.Tokens)

		status, err := s.Status(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, job.StatusFinished, status)
	})

	t.Run("messages keep save order and LastMessage filters by role", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SaveMessage(ctx, &job.Message{JobID: "o", Role: job.RoleSystem, Payload: "first"}))
		require.NoError(t, s.SaveMessage(ctx, &job.Message{JobID: "o", Role: job.RoleExpert, Payload: "second"}))
		require.NoError(t, s.SaveMessage(ctx, &job.Message{JobID: "o", Role: job.RoleSystem, Payload: "third"}))

		msgs, err := s.Messages(ctx, "o")
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		assert.Equal(t, "first", msgs[0].Payload)
		assert.Equal(t, "third", msgs[2].Payload)

		last, err := jobstore.LastMessage(ctx, s, "o", job.RoleSystem)
		require.NoError(t, err)
		require.NotNil(t, last)
		assert.Equal(t, "third", last.Payload)

		none, err := jobstore.LastMessage(ctx, s, "empty", job.RoleSystem)
		require.NoError(t, err)
		assert.Nil(t, none)
	})
}
