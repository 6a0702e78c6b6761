// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipeline

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tombee/pipectl/pkg/errors"
)

// RunStatus is the lifecycle state of an execution run.
type RunStatus string

// Run statuses
const (
	StatusIdle      RunStatus = "idle"
	StatusExecuting RunStatus = "executing"
	StatusPaused    RunStatus = "paused"
	StatusCompleted RunStatus = "completed"
	StatusError     RunStatus = "error"
)

// IsTerminal returns true if the run has finished (no further transitions).
func (s RunStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// IsActive returns true while a run holds the engine.
func (s RunStatus) IsActive() bool {
	return s == StatusExecuting || s == StatusPaused
}

// allowedTransitions is the run state machine. Cancelling returns the run to
// idle. Terminal states have no outgoing transitions; a new Run starts over.
var allowedTransitions = map[RunStatus][]RunStatus{
	StatusIdle:      {StatusExecuting},
	StatusExecuting: {StatusPaused, StatusCompleted, StatusError, StatusIdle},
	StatusPaused:    {StatusExecuting, StatusError, StatusIdle},
}

// CanTransition reports whether the run state machine allows from → to.
func CanTransition(from, to RunStatus) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Run is one ordered execution attempt over a step list.
type Run struct {
	ID               string            `json:"id"`
	SessionID        string            `json:"session_id"`
	Status           RunStatus         `json:"status"`
	CurrentStepIndex int               `json:"current_step_index"`
	TotalSteps       int               `json:"total_steps"`
	Results          []ExecutionResult `json:"results"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
}

func newRun(sessionID string, totalSteps int) *Run {
	return &Run{
		ID:         ulid.Make().String(),
		SessionID:  sessionID,
		Status:     StatusIdle,
		TotalSteps: totalSteps,
	}
}

// transition moves the run to a new status, maintaining lifecycle timestamps.
func (r *Run) transition(to RunStatus, now time.Time) error {
	if !CanTransition(r.Status, to) {
		return &errors.ValidationError{
			Field:   "status",
			Message: fmt.Sprintf("transition not allowed: %s → %s", r.Status, to),
		}
	}

	r.Status = to
	switch {
	case to == StatusExecuting && r.StartedAt == nil:
		r.StartedAt = &now
	case to.IsTerminal() || to == StatusIdle:
		if r.CompletedAt == nil {
			r.CompletedAt = &now
		}
	}
	return nil
}

// snapshot returns a copy safe to hand to callers.
func (r *Run) snapshot() Run {
	out := *r
	out.Results = append([]ExecutionResult(nil), r.Results...)
	return out
}

// failedCount returns the number of recorded results that failed.
func (r *Run) failedCount() int {
	n := 0
	for _, res := range r.Results {
		if !res.Success {
			n++
		}
	}
	return n
}
