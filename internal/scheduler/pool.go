package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/vk/expertgrid/internal/ctxlog"
	"github.com/vk/expertgrid/internal/expert"
)

// completion is what a worker reports for one dispatched sub-job.
type completion struct {
	jobID    string
	outcome  expert.Outcome
	err      error
	duration time.Duration
}

// pool runs expert executions concurrently, at most `workers` at a time.
// Every submit produces exactly one completion.
type pool struct {
	sem         *semaphore.Weighted
	completions chan completion
	wg          sync.WaitGroup
}

func newPool(workers int) *pool {
	if workers < 1 {
		workers = 1
	}
	return &pool{
		sem:         semaphore.NewWeighted(int64(workers)),
		completions: make(chan completion, workers),
	}
}

// submit starts the execution in the background. It never blocks.
func (p *pool) submit(ctx context.Context, jobID string, e expert.Expert, in *expert.Input) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.completions <- p.execute(ctx, jobID, e, in)
	}()
}

func (p *pool) execute(ctx context.Context, jobID string, e expert.Expert, in *expert.Input) (c completion) {
	logger := ctxlog.FromContext(ctx).With("job_id", jobID, "expert", e.Profile().Name)
	c.jobID = jobID

	if err := p.sem.Acquire(ctx, 1); err != nil {
		c.err = err
		return c
	}
	defer p.sem.Release(1)

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Expert panicked.", "panic", r)
			c.outcome = expert.ExecutionError{Report: expert.Report{Lesson: fmt.Sprintf("expert panicked: %v", r)}}
			c.err = nil
		}
		c.duration = time.Since(start)
	}()

	logger.Debug("Worker picked up job for execution.")
	c.outcome, c.err = e.Execute(ctx, in)
	return c
}

// wait blocks until every submitted execution has reported.
func (p *pool) wait() {
	p.wg.Wait()
}
