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

package errors

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents input that was rejected before any remote call.
// Use this for missing session or file identifiers, malformed step lists, or
// invalid configuration values.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *ValidationError) ErrorType() string { return "validation" }

// IsRetryable implements ErrorClassifier.
func (e *ValidationError) IsRetryable() bool { return false }

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "snapshot", "history entry")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConfigError represents configuration problems.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "api.base_url")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// ParseError is returned when a prompt cannot be turned into any step.
// No partial step list accompanies it.
type ParseError struct {
	// Prompt is the (possibly truncated) input that failed to parse
	Prompt string

	// Reason explains why parsing failed
	Reason string

	// Suggestions lists rephrasing hints for the user
	Suggestions []string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("parse prompt: %s", e.Reason)
}

// ErrorType implements ErrorClassifier.
func (e *ParseError) ErrorType() string { return "parse" }

// IsRetryable implements ErrorClassifier.
func (e *ParseError) IsRetryable() bool { return false }

// IsUserVisible implements UserVisibleError.
func (e *ParseError) IsUserVisible() bool { return true }

// UserMessage implements UserVisibleError.
func (e *ParseError) UserMessage() string {
	return "Could not understand the request: " + e.Reason
}

// Suggestion implements UserVisibleError.
func (e *ParseError) Suggestion() string {
	if len(e.Suggestions) == 0 {
		return ""
	}
	return e.Suggestions[0]
}

// TransientNetworkError wraps a failure that may succeed if the request is
// issued again: 5xx responses, connection resets, timeouts.
type TransientNetworkError struct {
	// Operation names the remote call (e.g., "clean")
	Operation string

	// StatusCode is the HTTP status code, 0 for transport failures
	StatusCode int

	// Attempts is how many times the call was issued before giving up
	Attempts int

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *TransientNetworkError) Error() string {
	msg := fmt.Sprintf("transient failure calling %s", e.Operation)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [HTTP %d]", msg, e.StatusCode)
	}
	if e.Attempts > 1 {
		msg = fmt.Sprintf("%s after %d attempts", msg, e.Attempts)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TransientNetworkError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *TransientNetworkError) ErrorType() string { return "transient_network" }

// IsRetryable implements ErrorClassifier.
func (e *TransientNetworkError) IsRetryable() bool { return true }

// RateLimitExceededError is returned when a request is denied by a rate limit,
// either the local sliding window or a 429 from the server. It is recorded as
// a step failure and never retried automatically.
type RateLimitExceededError struct {
	// Key is the rate-limited identity (usually the session id)
	Key string

	// Class is the operation class (api, upload, login)
	Class string

	// RetryAfter is how long until the window admits another request
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitExceededError) Error() string {
	msg := "rate limit exceeded"
	if e.Class != "" {
		msg = fmt.Sprintf("%s for %s requests", msg, e.Class)
	}
	if e.RetryAfter > 0 {
		msg = fmt.Sprintf("%s (retry after %s)", msg, e.RetryAfter.Round(time.Second))
	}
	return msg
}

// ErrorType implements ErrorClassifier.
func (e *RateLimitExceededError) ErrorType() string { return "rate_limit" }

// IsRetryable implements ErrorClassifier.
func (e *RateLimitExceededError) IsRetryable() bool { return false }

// CancellationError is returned when a run stops because Cancel was called or
// the caller's context ended. It is not a failure from the user's point of view.
type CancellationError struct {
	// StepIndex is the index of the first step that was not dispatched
	StepIndex int

	// Completed is the number of steps that ran before cancellation
	Completed int
}

// Error implements the error interface.
func (e *CancellationError) Error() string {
	return fmt.Sprintf("run cancelled before step %d (%d completed)", e.StepIndex, e.Completed)
}

// ErrorType implements ErrorClassifier.
func (e *CancellationError) ErrorType() string { return "cancelled" }

// IsRetryable implements ErrorClassifier.
func (e *CancellationError) IsRetryable() bool { return false }

// FatalExecutionError reports a step failure that stopped the run.
// Results recorded before the failing step remain available on the run.
type FatalExecutionError struct {
	// StepIndex is the position of the failed step in the ordered list
	StepIndex int

	// StepID is the failed step's identifier
	StepID string

	// StepType is the failed step's operation (clean, analyze, ...)
	StepType string

	// Cause is the step's error
	Cause error
}

// Error implements the error interface.
func (e *FatalExecutionError) Error() string {
	return fmt.Sprintf("step %d (%s) failed: %v", e.StepIndex, e.StepType, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *FatalExecutionError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *FatalExecutionError) ErrorType() string { return "fatal_execution" }

// IsRetryable implements ErrorClassifier.
func (e *FatalExecutionError) IsRetryable() bool { return false }

// MissingPrerequisiteError is returned by a strict dependency resolver when a
// requested step needs step types that were not requested.
type MissingPrerequisiteError struct {
	// Missing maps each dependent step type to the prerequisite types it lacks
	Missing map[string][]string

	// Order lists the dependent step types in request order
	Order []string
}

// Error implements the error interface.
func (e *MissingPrerequisiteError) Error() string {
	parts := make([]string, 0, len(e.Order))
	for _, dependent := range e.Order {
		parts = append(parts, fmt.Sprintf("%s requires %s", dependent, strings.Join(e.Missing[dependent], ", ")))
	}
	return "missing prerequisite steps: " + strings.Join(parts, "; ")
}

// ErrorType implements ErrorClassifier.
func (e *MissingPrerequisiteError) ErrorType() string { return "missing_prerequisite" }

// IsRetryable implements ErrorClassifier.
func (e *MissingPrerequisiteError) IsRetryable() bool { return false }

// APIError is a non-transient error response from the pipeline API.
type APIError struct {
	// Operation names the remote call (e.g., "analyze")
	Operation string

	// StatusCode is the HTTP status code
	StatusCode int

	// Code is the server's machine-readable error code, if any
	Code string

	// Message is the server's error message
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s failed [HTTP %d]", e.Operation, e.StatusCode)
	if e.Code != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Code)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	return msg
}

// ErrorType implements ErrorClassifier.
func (e *APIError) ErrorType() string { return "api" }

// IsRetryable implements ErrorClassifier.
func (e *APIError) IsRetryable() bool { return false }
