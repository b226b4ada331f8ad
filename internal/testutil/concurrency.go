package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/vk/expertgrid/internal/expert"
)

// Step decides the outcome of one execution. call counts executions of the
// same goal, starting at 1.
type Step func(in *expert.Input, call int) expert.Outcome

// ScriptedExpert is an expert whose outcomes are chosen by goal. Goals with
// no script succeed with the payload "done: <goal>". Every execution is
// recorded.
type ScriptedExpert struct {
	P       expert.Profile
	Scripts map[string]Step
	// Sleep is held inside every execution, to make overlaps observable.
	Sleep time.Duration

	mu      sync.Mutex
	calls   map[string]int
	inputs  map[string][]*expert.Input
	records []ExecutionRecord
}

// NewScriptedExpert creates a scripted expert whose id equals its name.
func NewScriptedExpert(name string) *ScriptedExpert {
	return &ScriptedExpert{
		P:       expert.Profile{ID: name, Name: name, Description: "scripted " + name},
		Scripts: make(map[string]Step),
	}
}

// On sets the script for a goal and returns the expert for chaining.
func (s *ScriptedExpert) On(goal string, step Step) *ScriptedExpert {
	s.Scripts[goal] = step
	return s
}

func (s *ScriptedExpert) Profile() expert.Profile { return s.P }

func (s *ScriptedExpert) Execute(ctx context.Context, in *expert.Input) (expert.Outcome, error) {
	start := time.Now()
	goal := in.Job.Goal

	s.mu.Lock()
	if s.calls == nil {
		s.calls = make(map[string]int)
		s.inputs = make(map[string][]*expert.Input)
	}
	s.calls[goal]++
	call := s.calls[goal]
	s.inputs[goal] = append(s.inputs[goal], in.Clone())
	step := s.Scripts[goal]
	s.mu.Unlock()

	if s.Sleep > 0 {
		select {
		case <-time.After(s.Sleep):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var out expert.Outcome = expert.Success{Report: expert.Report{Payload: "done: " + goal}}
	if step != nil {
		out = step(in, call)
	}

	s.mu.Lock()
	s.records = append(s.records, ExecutionRecord{Goal: goal, Start: start, End: time.Now()})
	s.mu.Unlock()
	return out, nil
}

// Calls returns how many times goal was executed.
func (s *ScriptedExpert) Calls(goal string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[goal]
}

// Inputs returns the inputs of every execution of goal, oldest first.
func (s *ScriptedExpert) Inputs(goal string) []*expert.Input {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*expert.Input(nil), s.inputs[goal]...)
}

// Records returns every finished execution in completion order.
func (s *ScriptedExpert) Records() []ExecutionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ExecutionRecord(nil), s.records...)
}

// Succeed returns a step that always succeeds with payload.
func Succeed(payload string) Step {
	return func(*expert.Input, int) expert.Outcome {
		return expert.Success{Report: expert.Report{Payload: payload}}
	}
}

// Sequence returns a step that plays outcomes in order and repeats the last.
func Sequence(outcomes ...expert.Outcome) Step {
	return func(_ *expert.Input, call int) expert.Outcome {
		if call > len(outcomes) {
			return outcomes[len(outcomes)-1]
		}
		return outcomes[call-1]
	}
}
