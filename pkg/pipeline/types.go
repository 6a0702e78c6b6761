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

// Package pipeline turns prompts into ordered step lists and runs them
// against the remote pipeline API.
//
// The flow is Parser → Resolve → Engine: the parser maps free text to typed
// steps with extracted parameters, the resolver orders them so prerequisites
// come first, and the engine dispatches them one at a time with rate limiting,
// retry, cancellation and progress reporting.
package pipeline

import (
	"context"
	"encoding/json"
	"time"
)

// StepType is the kind of remote operation a step performs.
type StepType string

// Step types
const (
	StepPreview   StepType = "preview"
	StepClean     StepType = "clean"
	StepAnalyze   StepType = "analyze"
	StepVisualize StepType = "visualize"
	StepModel     StepType = "model"
	StepReport    StepType = "report"
	StepConvert   StepType = "convert"
	StepSchema    StepType = "schema"
)

// StepTypes lists every step type in canonical pipeline order.
var StepTypes = []StepType{
	StepPreview,
	StepClean,
	StepAnalyze,
	StepVisualize,
	StepModel,
	StepReport,
	StepConvert,
	StepSchema,
}

var stepTypeNames = map[StepType]string{
	StepPreview:   "Preview data",
	StepClean:     "Clean data",
	StepAnalyze:   "Analyze data",
	StepVisualize: "Visualize data",
	StepModel:     "Train model",
	StepReport:    "Generate report",
	StepConvert:   "Convert format",
	StepSchema:    "Validate schema",
}

// IsValid reports whether t is a known step type.
func (t StepType) IsValid() bool {
	_, ok := stepTypeNames[t]
	return ok
}

// DisplayName returns the human-readable default name for the step type.
func (t StepType) DisplayName() string {
	if name, ok := stepTypeNames[t]; ok {
		return name
	}
	return string(t)
}

// ParseStepType converts a user-supplied name to a StepType.
// "export" and "validate" are accepted as aliases for convert and schema.
func ParseStepType(s string) (StepType, bool) {
	switch s {
	case "export":
		return StepConvert, true
	case "validate", "schema-validate":
		return StepSchema, true
	}
	t := StepType(s)
	return t, t.IsValid()
}

// Step is one typed, parameterized unit of remote pipeline work.
// Steps are treated as immutable once queued; the engine copies the list it runs.
type Step struct {
	ID              string         `json:"id"`
	Type            StepType       `json:"type" validate:"required,steptype"`
	Name            string         `json:"name"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	ContinueOnError bool           `json:"continue_on_error,omitempty"`

	// AutoInserted marks prerequisite steps added by the resolver.
	AutoInserted bool `json:"auto_inserted,omitempty"`
}

// Clone returns a copy of the step with its own parameter map.
func (s Step) Clone() Step {
	out := s
	if s.Parameters != nil {
		out.Parameters = make(map[string]any, len(s.Parameters))
		for k, v := range s.Parameters {
			out.Parameters[k] = cloneValue(v)
		}
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case []string:
		return append([]string(nil), val...)
	case []any:
		out := make([]any, len(val))
		for i := range val {
			out[i] = cloneValue(val[i])
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = cloneValue(inner)
		}
		return out
	default:
		return v
	}
}

// CloneSteps copies a step list.
func CloneSteps(steps []Step) []Step {
	if steps == nil {
		return nil
	}
	out := make([]Step, len(steps))
	for i, s := range steps {
		out[i] = s.Clone()
	}
	return out
}

// ExecutionResult records the outcome of one attempted step.
type ExecutionResult struct {
	StepIndex int             `json:"step_index"`
	Step      Step            `json:"step"`
	Success   bool            `json:"success"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Attempts  int             `json:"attempts"`
	Duration  time.Duration   `json:"duration"`

	// Err is the typed error behind Error. It is not serialized.
	Err error `json:"-"`
}

// StepExecutor dispatches a single step to the remote pipeline API and
// returns the raw JSON result.
type StepExecutor interface {
	ExecuteStep(ctx context.Context, sessionID, fileID string, step Step) (json.RawMessage, error)
}

// StepExecutorFunc adapts a function to StepExecutor.
type StepExecutorFunc func(ctx context.Context, sessionID, fileID string, step Step) (json.RawMessage, error)

// ExecuteStep calls f.
func (f StepExecutorFunc) ExecuteStep(ctx context.Context, sessionID, fileID string, step Step) (json.RawMessage, error) {
	return f(ctx, sessionID, fileID, step)
}

// Recorder receives every successful step result, in order, as soon as it is
// recorded. It is how runs feed the state history.
type Recorder interface {
	RecordStep(ctx context.Context, sessionID string, result ExecutionResult)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, sessionID string, result ExecutionResult)

// RecordStep calls f.
func (f RecorderFunc) RecordStep(ctx context.Context, sessionID string, result ExecutionResult) {
	f(ctx, sessionID, result)
}
