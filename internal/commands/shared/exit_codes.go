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

package shared

import (
	"errors"
	"fmt"
	"io"
	"os"

	pkgerrors "github.com/tombee/pipectl/pkg/errors"
)

// Exit codes for pipectl commands
const (
	ExitSuccess         = 0
	ExitExecutionFailed = 1
	ExitInvalidRequest  = 2 // unparseable prompt, bad step list, bad arguments
	ExitConfigError     = 3
	ExitAPIError        = 4
	ExitCancelled       = 130 // 128 + SIGINT
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewExecutionError creates an error for failed runs
func NewExecutionError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitExecutionFailed,
		Message: msg,
		Cause:   cause,
	}
}

// NewInvalidRequestError creates an error for bad prompts or arguments
func NewInvalidRequestError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitInvalidRequest,
		Message: msg,
		Cause:   cause,
	}
}

// ExitCodeFor maps an error to the process exit code.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var (
		exitErr   *ExitError
		cancelErr *pkgerrors.CancellationError
		cfgErr    *pkgerrors.ConfigError
		fatalErr  *pkgerrors.FatalExecutionError
		parseErr  *pkgerrors.ParseError
		valErr    *pkgerrors.ValidationError
		missErr   *pkgerrors.MissingPrerequisiteError
		apiErr    *pkgerrors.APIError
		netErr    *pkgerrors.TransientNetworkError
		rateErr   *pkgerrors.RateLimitExceededError
	)

	switch {
	case errors.As(err, &exitErr):
		return exitErr.Code
	case errors.As(err, &cancelErr):
		return ExitCancelled
	case errors.As(err, &cfgErr):
		return ExitConfigError
	case errors.As(err, &fatalErr):
		return ExitExecutionFailed
	case errors.As(err, &parseErr), errors.As(err, &valErr), errors.As(err, &missErr):
		return ExitInvalidRequest
	case errors.As(err, &apiErr), errors.As(err, &netErr), errors.As(err, &rateErr):
		return ExitAPIError
	default:
		return ExitExecutionFailed
	}
}

// HandleExitError prints err and exits with the matching code
func HandleExitError(err error) {
	if err == nil {
		return
	}
	PrintError(os.Stderr, err)
	os.Exit(ExitCodeFor(err))
}

// PrintError writes the error line and, when one is available, a suggestion.
func PrintError(w io.Writer, err error) {
	fmt.Fprintln(w, StatusError.Render("Error:"), err.Error())
	if suggestion := SuggestionFor(err); suggestion != "" {
		fmt.Fprintf(w, "\nSuggestion: %s\n", suggestion)
	}
}

// SuggestionFor walks the error chain for actionable guidance.
func SuggestionFor(err error) string {
	var valErr *pkgerrors.ValidationError
	if errors.As(err, &valErr) && valErr.Suggestion != "" {
		return valErr.Suggestion
	}

	for err != nil {
		if userErr, ok := err.(pkgerrors.UserVisibleError); ok {
			if userErr.IsUserVisible() {
				return userErr.Suggestion()
			}
			return ""
		}
		err = errors.Unwrap(err)
	}
	return ""
}
