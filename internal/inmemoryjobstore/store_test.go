package inmemoryjobstore

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/expertgrid/internal/job"
	"github.com/vk/expertgrid/internal/jobstore"
	"github.com/vk/expertgrid/internal/jobstore/jobstoretest"
)

func TestStore_Contract(t *testing.T) {
	t.Parallel()
	jobstoretest.Run(t, func(*testing.T) jobstore.Store { return New() })
}

func TestStore_ConcurrentWrites(t *testing.T) {
	t.Parallel()

	// Arrange
	s := New()
	ctx := context.Background()
	const n = 64

	// Act
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("job-%02d", i)
			_ = s.SaveSubJob(ctx, &job.SubJob{Job: job.Job{ID: id}, OriginalJobID: "orig"})
			_ = s.SaveResult(ctx, job.NewResult(id, job.StatusFinished))
			_ = s.SaveMessage(ctx, &job.Message{JobID: "orig", Role: job.RoleExpert, Payload: id})
		}(i)
	}
	wg.Wait()

	// Assert
	subs, err := s.SubJobs(ctx, "orig")
	require.NoError(t, err)
	assert.Len(t, subs, n)
	msgs, err := s.Messages(ctx, "orig")
	require.NoError(t, err)
	assert.Len(t, msgs, n)
}
