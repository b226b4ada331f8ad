package expert

import (
	"context"
	"fmt"

	"github.com/vk/expertgrid/internal/ctxlog"
)

// DefaultMaxRetries is how many times an execution error is retried before
// the expert gives up.
const DefaultMaxRetries = 3

type retrying struct {
	next       Expert
	maxRetries int
}

// Retrying wraps an expert so execution errors are retried in place, each
// retry seeing the lessons reported so far. Once maxRetries retries have
// failed the wrapper reports MaxRetriesReached. Errors returned by the inner
// expert count as execution errors. Context cancellation is returned as is.
func Retrying(e Expert, maxRetries int) Expert {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &retrying{next: e, maxRetries: maxRetries}
}

func (r *retrying) Profile() Profile {
	return r.next.Profile()
}

func (r *retrying) Execute(ctx context.Context, in *Input) (Outcome, error) {
	logger := ctxlog.FromContext(ctx).With("expert", r.next.Profile().Name, "job_id", in.Job.ID)
	attempt := in.Clone()

	var last Report
	for try := 0; ; try++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		out, err := r.next.Execute(ctx, attempt)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			out = ExecutionError{Report{Lesson: err.Error()}}
		}

		ee, ok := out.(ExecutionError)
		if !ok {
			return out, nil
		}
		last = ee.Report

		if try >= r.maxRetries {
			logger.Warn("Expert gave up after retries.", "retries", try, "lesson", last.Lesson)
			return MaxRetriesReached{Report{
				Payload: last.Payload,
				Lesson:  fmt.Sprintf("the job cannot be executed successfully after %d retries: %s", try, last.Lesson),
				Tokens:  last.Tokens,
			}}, nil
		}

		logger.Info("Retrying job after execution error.", "attempt", try+1, "lesson", last.Lesson)
		attempt.AddLesson(last.Lesson)
	}
}
