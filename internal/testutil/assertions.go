package testutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// AssertLogged checks the harness log for a message, abstracting the slog
// text format.
func AssertLogged(t *testing.T, h *Harness, msg string) {
	t.Helper()

	require.True(t,
		strings.Contains(h.Logs.String(), "msg=\""+msg+"\""),
		"expected log message %q was not found in logs", msg,
	)
}

// AssertNoOverlap fails if an execution of first overlapped one of second.
func AssertNoOverlap(t *testing.T, records []ExecutionRecord, first, second string) {
	t.Helper()

	for _, a := range records {
		if a.Goal != first {
			continue
		}
		for _, b := range records {
			if b.Goal == second {
				require.False(t, a.Overlaps(b), "%q and %q ran concurrently", first, second)
			}
		}
	}
}
