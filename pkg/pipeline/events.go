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

import "time"

// ProgressStatus identifies the transition a Progress event reports.
type ProgressStatus string

const (
	// ProgressStarted is emitted once when the run begins executing.
	ProgressStarted ProgressStatus = "started"

	// ProgressStepStarted is emitted right before a step is dispatched.
	ProgressStepStarted ProgressStatus = "step_started"

	// ProgressStepCompleted is emitted when a step succeeds.
	ProgressStepCompleted ProgressStatus = "step_completed"

	// ProgressStepFailed is emitted when a step fails.
	ProgressStepFailed ProgressStatus = "step_failed"

	// ProgressPaused is emitted when the run parks at a step boundary.
	ProgressPaused ProgressStatus = "paused"

	// ProgressResumed is emitted when a paused run continues.
	ProgressResumed ProgressStatus = "resumed"

	// ProgressCancelled is emitted when the run stops because of Cancel.
	ProgressCancelled ProgressStatus = "cancelled"

	// ProgressCompleted is emitted when every step has been attempted.
	ProgressCompleted ProgressStatus = "completed"

	// ProgressFailed is emitted when a step failure aborts the run.
	ProgressFailed ProgressStatus = "failed"
)

// Progress describes one run transition.
type Progress struct {
	RunID      string           `json:"run_id"`
	StepIndex  int              `json:"step_index"`
	TotalSteps int              `json:"total_steps"`
	Step       *Step            `json:"current_step,omitempty"`
	Status     ProgressStatus   `json:"status"`
	Result     *ExecutionResult `json:"result,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// ProgressFunc receives progress events. It is called synchronously from the
// run goroutine and must not call back into the engine's Run.
type ProgressFunc func(Progress)
