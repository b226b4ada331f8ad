package leader

import (
	"fmt"

	"github.com/vk/expertgrid/internal/job"
)

const goalPreviewRunes = 10

// systemMessage is the text attached to an original job that was stopped
// or failed.
func systemMessage(original *job.Job, reason string) string {
	return fmt.Sprintf("An error occurred during the execution of the job:\n\n%s\n\n"+
		"Please check the job `%s` (\"%s...\") for more details. Or you can re-try to send your message.",
		reason, original.ID, preview(original.Goal))
}

func preview(goal string) string {
	r := []rune(goal)
	if len(r) > goalPreviewRunes {
		r = r[:goalPreviewRunes]
	}
	return string(r)
}

func logHint(jobID string) string {
	return fmt.Sprintf("\n\nCheck the error details in the logs (job_id=%s).", jobID)
}
