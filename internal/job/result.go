// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// This file defines what is recorded when a job produces output.
package job

import "time"

// Role identifies who authored a message.
type Role string

const (
	// RoleExpert marks the output of an expert execution.
	RoleExpert Role = "expert"
	// RoleSystem marks a message written by the lifecycle controller, such as
	// the explanation attached to a stopped or failed job.
	RoleSystem Role = "system"
)

// Message is a text payload attached to a job.
type Message struct {
	JobID   string
	Role    Role
	Payload string
	// Lesson is corrective context reported alongside the payload.
	Lesson string
}

// Result is the status of a job together with its latest message.
type Result struct {
	JobID    string
	Status   Status
	Message  *Message
	Duration time.Duration
	Tokens   int
}

// NewResult returns a result in the given status with no message.
func NewResult(jobID string, status Status) *Result {
	return &Result{JobID: jobID, Status: status}
}

// HasResult reports whether the result carries a final outcome.
func (r *Result) HasResult() bool {
	return r != nil && r.Status.HasResult()
}

// Payload returns the message payload, or an empty string when there is none.
func (r *Result) Payload() string {
	if r == nil || r.Message == nil {
		return ""
	}
	return r.Message.Payload
}

// Copy returns a copy of the result, including its message.
func (r *Result) Copy() *Result {
	c := *r
	if r.Message != nil {
		m := *r.Message
		c.Message = &m
	}
	return &c
}
