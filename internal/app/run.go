package app

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/vk/expertgrid/internal/ctxlog"
	"github.com/vk/expertgrid/internal/job"
)

// Run submits the configured goal as an original job, waits for it, and
// writes its result payload to the app's writer.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	if a.config.StatusPort > 0 {
		a.startStatusServer(ctx, a.config.StatusPort)
		defer func() {
			if err := a.closeStatusServer(ctx); err != nil {
				a.logger.Warn("Status server did not close cleanly.", "error", err)
			}
		}()
	}

	j := job.New(a.config.Goal, a.config.Context)
	j.SessionID = a.config.SessionID
	if j.SessionID == "" {
		j.SessionID = uuid.NewString()
	}
	j.AssignedExpertName = a.config.Expert

	a.logger.Info("🚀 Submitting job.", "job_id", j.ID, "session_id", j.SessionID)
	if err := a.leader.Submit(ctx, j); err != nil {
		return fmt.Errorf("failed to submit job: %w", err)
	}
	runErr := a.leader.Wait(ctx, j.ID)
	a.leader.WaitAll()

	res, err := a.leader.QueryJobResult(context.WithoutCancel(ctx), j.ID)
	if err != nil {
		return fmt.Errorf("failed to query job %s: %w", j.ID, err)
	}
	fmt.Fprintln(a.outW, res.Payload())

	if runErr != nil {
		return fmt.Errorf("job %s %s: %w", j.ID, res.Status, runErr)
	}
	a.logger.Info("🏁 Job finished.", "job_id", j.ID, "status", res.Status)
	return nil
}
