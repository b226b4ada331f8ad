// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// This file defines the job status state machine.
package job

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned by Transition for a disallowed move.
var ErrInvalidTransition = errors.New("disallowed job status transition")

// Status is the execution status of an original job or a sub-job.
type Status string

const (
	StatusCreated  Status = "CREATED"
	StatusRunning  Status = "RUNNING"
	StatusFinished Status = "FINISHED"
	StatusFailed   Status = "FAILED"
	StatusStopped  Status = "STOPPED"
)

// String implements fmt.Stringer.
func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// HasResult reports whether the job has reached a final outcome for now.
// STOPPED counts as a result even though it can be recovered.
func (s Status) HasResult() bool {
	return s == StatusFinished || s == StatusFailed || s == StatusStopped
}

// CanTransition reports whether moving from one status to another is allowed.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusCreated:
		return to == StatusRunning || to == StatusStopped || to == StatusFailed
	case StatusRunning:
		return to == StatusFinished || to == StatusFailed || to == StatusStopped
	case StatusStopped:
		// Recovery only.
		return to == StatusCreated || to == StatusRunning
	default:
		return false
	}
}

// Transition validates a status change, returning the new status on success.
func Transition(from, to Status) (Status, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return to, nil
}
