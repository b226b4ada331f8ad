package testutil

import "time"

// ExecutionRecord holds the start and end times of one expert execution.
type ExecutionRecord struct {
	Goal  string
	Start time.Time
	End   time.Time
}

// Overlaps reports whether the two executions ran at the same time.
func (r ExecutionRecord) Overlaps(o ExecutionRecord) bool {
	return r.Start.Before(o.End) && o.Start.Before(r.End)
}
