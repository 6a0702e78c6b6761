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

package run

import (
	"context"
	"encoding/json"

	"github.com/tombee/pipectl/internal/commands/shared"
	"github.com/tombee/pipectl/internal/session"
	"github.com/tombee/pipectl/pkg/logstream"
	"github.com/tombee/pipectl/pkg/pipeline"
)

// RunResponse is the --json output of run.
type RunResponse struct {
	shared.JSONResponse
	SessionID string          `json:"session_id"`
	FileID    string          `json:"file_id"`
	RunID     string          `json:"run_id"`
	Status    string          `json:"status"`
	Steps     []pipeline.Step `json:"steps"`
	Inserted  int             `json:"inserted"`
	Results   []StepResult    `json:"results"`
}

// StepResult is one attempted step in RunResponse.
type StepResult struct {
	StepID     string          `json:"step_id"`
	Type       string          `json:"type"`
	Name       string          `json:"name"`
	Success    bool            `json:"success"`
	Attempts   int             `json:"attempts"`
	DurationMS int64           `json:"duration_ms"`
	Error      string          `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

func newRunResponse(sessionID, fileID, status string, plan *session.Plan, o *pipeline.Outcome) RunResponse {
	resp := RunResponse{
		JSONResponse: shared.NewJSONResponse("run", status == "completed"),
		SessionID:    sessionID,
		FileID:       fileID,
		RunID:        o.RunID,
		Status:       status,
		Steps:        plan.Steps,
		Inserted:     plan.Inserted,
		Results:      make([]StepResult, 0, len(o.Results)),
	}
	for _, r := range o.Results {
		resp.Results = append(resp.Results, StepResult{
			StepID:     r.Step.ID,
			Type:       string(r.Step.Type),
			Name:       r.Step.Name,
			Success:    r.Success,
			Attempts:   r.Attempts,
			DurationMS: r.Duration.Milliseconds(),
			Error:      r.Error,
			Result:     r.Result,
		})
	}
	return resp
}

func forwardLogs(ctx context.Context, events <-chan logstream.LogEvent, display *shared.ProgressDisplay) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			display.LogEvent(ev)
		}
	}
}
