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
	stderrors "errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/tombee/pipectl/pkg/errors"
)

var (
	// sessionIDPattern matches the API's session id format.
	sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9-]{36}$`)

	// fileIDPattern matches the API's file id format.
	fileIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// RunRequest is the input to Engine.Run.
type RunRequest struct {
	SessionID string `validate:"required,sessionid"`
	FileID    string `validate:"required,fileid"`
	Steps     []Step `validate:"required,min=1,dive"`
}

// newValidator returns a validator with the pipeline's custom tags registered.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	mustRegister(v, "sessionid", func(fl validator.FieldLevel) bool {
		return sessionIDPattern.MatchString(fl.Field().String())
	})
	mustRegister(v, "fileid", func(fl validator.FieldLevel) bool {
		return fileIDPattern.MatchString(fl.Field().String())
	})
	mustRegister(v, "steptype", func(fl validator.FieldLevel) bool {
		return StepType(fl.Field().String()).IsValid()
	})
	return v
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("pipeline: register %s validation: %v", tag, err))
	}
}

// ValidSessionID reports whether id has the API's session id format.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// ValidFileID reports whether id has the API's file id format.
func ValidFileID(id string) bool {
	return fileIDPattern.MatchString(id)
}

// validationError converts a validator failure into a ValidationError for the
// first offending field.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) || len(verrs) == 0 {
		return &errors.ValidationError{Field: "request", Message: err.Error()}
	}

	fe := verrs[0]
	field := fieldName(fe.Namespace())
	ve := &errors.ValidationError{Field: field}

	switch fe.Tag() {
	case "required":
		ve.Message = "is required"
		if field == "steps" {
			ve.Message = "at least one step is required"
		}
	case "min":
		ve.Message = "at least one step is required"
		ve.Suggestion = "describe what to do with the data, e.g. \"clean and analyze\""
	case "sessionid":
		ve.Message = fmt.Sprintf("invalid session id %q", fe.Value())
		ve.Suggestion = "session ids are 36 characters of letters, digits and dashes"
	case "fileid":
		ve.Message = fmt.Sprintf("invalid file id %q", fe.Value())
		ve.Suggestion = "file ids contain only letters, digits, '_' and '-'"
	case "steptype":
		ve.Message = fmt.Sprintf("unknown step type %q", fe.Value())
		ve.Suggestion = "valid types: " + joinStepTypes()
	default:
		ve.Message = fmt.Sprintf("failed %q validation", fe.Tag())
	}
	return ve
}

// fieldName turns "RunRequest.Steps[1].Type" into "steps[1].type".
func fieldName(namespace string) string {
	if i := strings.Index(namespace, "."); i >= 0 {
		namespace = namespace[i+1:]
	}
	return strings.ToLower(namespace)
}

func joinStepTypes() string {
	names := make([]string, len(StepTypes))
	for i, t := range StepTypes {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}
