package expert

import (
	"context"
	"strings"
)

// Echo is an expert that succeeds with its goal followed by the payloads it
// received. It needs no external service, which makes it the default for
// dry runs and tests.
type Echo struct {
	P Profile
}

// NewEcho returns an Echo expert with the given name.
func NewEcho(name, description string) *Echo {
	return &Echo{P: Profile{ID: name, Name: name, Description: description}}
}

// Profile implements Expert.
func (e *Echo) Profile() Profile { return e.P }

// Execute implements Expert.
func (e *Echo) Execute(ctx context.Context, in *Input) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var b strings.Builder
	b.WriteString(in.Job.Goal)
	for _, m := range in.PredecessorResults {
		if m == nil || m.Payload == "" {
			continue
		}
		b.WriteString("\n")
		b.WriteString(m.Payload)
	}
	return Success{Report{Payload: b.String()}}, nil
}
