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

	pkgerrors "github.com/tombee/pipectl/pkg/errors"
)

// Error codes for structured JSON output
const (
	// Request errors (E001-E099)
	ErrorCodeParseFailed         = "E001" // Prompt matched no operation
	ErrorCodeInvalidInput        = "E002" // Field validation failed
	ErrorCodeMissingPrerequisite = "E003" // Step order needs a missing step

	// Execution errors (E100-E199)
	ErrorCodeStepFailed  = "E103" // Step execution failed
	ErrorCodeCancelled   = "E104" // Run cancelled
	ErrorCodeRateLimited = "E105" // Local or remote rate limit

	// Configuration errors (E200-E299)
	ErrorCodeInvalidConfig = "E202"

	// Remote errors (E400-E499)
	ErrorCodeNotFound    = "E401" // Resource not found
	ErrorCodeInternal    = "E402" // Internal error
	ErrorCodeAPIError    = "E404" // API rejected the request
	ErrorCodeUnavailable = "E405" // API unreachable or failing
)

// ErrorCode maps an error to its JSON error code.
func ErrorCode(err error) string {
	var (
		parseErr  *pkgerrors.ParseError
		valErr    *pkgerrors.ValidationError
		missErr   *pkgerrors.MissingPrerequisiteError
		fatalErr  *pkgerrors.FatalExecutionError
		cancelErr *pkgerrors.CancellationError
		rateErr   *pkgerrors.RateLimitExceededError
		cfgErr    *pkgerrors.ConfigError
		nfErr     *pkgerrors.NotFoundError
		apiErr    *pkgerrors.APIError
		netErr    *pkgerrors.TransientNetworkError
	)

	switch {
	case err == nil:
		return ""
	case errors.As(err, &parseErr):
		return ErrorCodeParseFailed
	case errors.As(err, &valErr):
		return ErrorCodeInvalidInput
	case errors.As(err, &missErr):
		return ErrorCodeMissingPrerequisite
	case errors.As(err, &cancelErr):
		return ErrorCodeCancelled
	case errors.As(err, &fatalErr):
		return ErrorCodeStepFailed
	case errors.As(err, &rateErr):
		return ErrorCodeRateLimited
	case errors.As(err, &cfgErr):
		return ErrorCodeInvalidConfig
	case errors.As(err, &nfErr):
		return ErrorCodeNotFound
	case errors.As(err, &apiErr):
		return ErrorCodeAPIError
	case errors.As(err, &netErr):
		return ErrorCodeUnavailable
	default:
		return ErrorCodeInternal
	}
}
