package shared

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	pkgerrors "github.com/tombee/pipectl/pkg/errors"
)

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"exit error", &ExitError{Code: 42, Message: "custom"}, 42},
		{"cancelled", &pkgerrors.CancellationError{StepIndex: 1, Completed: 1}, ExitCancelled},
		{"config", &pkgerrors.ConfigError{Key: "api.url", Reason: "bad"}, ExitConfigError},
		{"parse", &pkgerrors.ParseError{Prompt: "x", Reason: "no operation"}, ExitInvalidRequest},
		{"validation", &pkgerrors.ValidationError{Field: "file_id", Message: "bad"}, ExitInvalidRequest},
		{"missing prerequisite", &pkgerrors.MissingPrerequisiteError{}, ExitInvalidRequest},
		{
			"fatal wrapping api error",
			&pkgerrors.FatalExecutionError{StepIndex: 0, Cause: &pkgerrors.APIError{StatusCode: 400}},
			ExitExecutionFailed,
		},
		{"api", &pkgerrors.APIError{Operation: "health", StatusCode: 404}, ExitAPIError},
		{"transient", fmt.Errorf("wrapped: %w", &pkgerrors.TransientNetworkError{Operation: "health"}), ExitAPIError},
		{"rate limited", &pkgerrors.RateLimitExceededError{Key: "k", Class: "upload"}, ExitAPIError},
		{"plain", errors.New("boom"), ExitExecutionFailed},
		{"context", context.Canceled, ExitExecutionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCodeFor(tt.err))
		})
	}
}

func TestSuggestionFor(t *testing.T) {
	assert.Equal(t, "use a UUID",
		SuggestionFor(fmt.Errorf("ctx: %w", &pkgerrors.ValidationError{Field: "session_id", Suggestion: "use a UUID"})))
	assert.Equal(t, "try: clean the data",
		SuggestionFor(&pkgerrors.ParseError{Reason: "no operation", Suggestions: []string{"try: clean the data"}}))
	assert.Empty(t, SuggestionFor(errors.New("boom")))
	assert.Empty(t, SuggestionFor(&pkgerrors.ParseError{Reason: "no operation"}))
}

func TestPrintError(t *testing.T) {
	var buf bytes.Buffer
	PrintError(&buf, &pkgerrors.ValidationError{Field: "session_id", Message: "no session selected", Suggestion: "pass --session"})

	out := buf.String()
	assert.Contains(t, out, "Error:")
	assert.Contains(t, out, "no session selected")
	assert.Contains(t, out, "Suggestion: pass --session")
}

func TestExitError(t *testing.T) {
	cause := errors.New("inner")
	err := NewExecutionError("run failed", cause)
	assert.Equal(t, "run failed: inner", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ExitExecutionFailed, err.Code)

	assert.Equal(t, ExitInvalidRequest, NewInvalidRequestError("bad", nil).Code)
	assert.Equal(t, "bad", NewInvalidRequestError("bad", nil).Error())
}
