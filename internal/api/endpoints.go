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

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"regexp"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/tombee/pipectl/pkg/errors"
	"github.com/tombee/pipectl/pkg/pipeline"
	"github.com/tombee/pipectl/pkg/ratelimit"
)

// maxFilenameLength is the longest filename the API accepts.
const maxFilenameLength = 255

var filenamePattern = regexp.MustCompile(`^[a-zA-ZçğıöşüÇĞIİÖŞÜ0-9._\s-]+$`)

// stepEndpoints maps each step type to its API path.
var stepEndpoints = map[pipeline.StepType]string{
	pipeline.StepPreview:   "/api/preview",
	pipeline.StepClean:     "/api/clean",
	pipeline.StepAnalyze:   "/api/analyze",
	pipeline.StepVisualize: "/api/visualize",
	pipeline.StepModel:     "/api/model",
	pipeline.StepReport:    "/api/report",
	pipeline.StepConvert:   "/api/convert",
	pipeline.StepSchema:    "/api/schema-validate",
}

// Endpoint returns the API path for a step type.
func Endpoint(t pipeline.StepType) (string, bool) {
	p, ok := stepEndpoints[t]
	return p, ok
}

// UploadResult is the response to a file upload.
type UploadResult struct {
	FileID string `json:"file_id"`
	Status string `json:"status"`
}

// StepRecord is one entry of the server-side step log.
type StepRecord struct {
	Step      string `json:"step"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	FileID    string `json:"file_id,omitempty"`
	Details   string `json:"details,omitempty"`
}

// State is the server-side pipeline state of a session.
type State struct {
	SessionID     string            `json:"session_id"`
	CurrentFileID string            `json:"current_file_id"`
	CurrentStep   int               `json:"current_step"`
	Steps         []StepRecord      `json:"steps"`
	UndoStack     []json.RawMessage `json:"undo_stack"`
	RedoStack     []json.RawMessage `json:"redo_stack"`
	Logs          []json.RawMessage `json:"logs"`
	CreatedAt     string            `json:"created_at"`

	// Raw is the response body as received.
	Raw json.RawMessage `json:"-"`
}

// Health is the response of the health endpoint.
type Health struct {
	Status           string `json:"status"`
	Timestamp        string `json:"timestamp"`
	ActiveSessions   int    `json:"active_sessions"`
	ActiveWebSockets int    `json:"active_websockets"`
}

// Healthy reports whether the server considers itself healthy.
func (h *Health) Healthy() bool {
	return h.Status == "healthy"
}

// ExecuteStep dispatches one step and returns the raw JSON result.
// Preview is a GET with the parameters as query values; every other step
// POSTs {session_id, file_id, ...parameters}.
func (c *Client) ExecuteStep(ctx context.Context, sessionID, fileID string, step pipeline.Step) (json.RawMessage, error) {
	path, ok := stepEndpoints[step.Type]
	if !ok {
		return nil, &errors.ValidationError{
			Field:   "type",
			Message: fmt.Sprintf("unknown step type %q", step.Type),
		}
	}
	op := string(step.Type)

	var r request
	if step.Type == pipeline.StepPreview {
		query := url.Values{}
		for k, v := range step.Parameters {
			query.Set(k, queryValue(v))
		}
		query.Set("file_id", fileID)
		r = request{op: op, method: http.MethodGet, path: path, sessionID: sessionID, query: query}
	} else {
		body := make(map[string]any, len(step.Parameters)+2)
		for k, v := range step.Parameters {
			body[k] = v
		}
		body["session_id"] = sessionID
		body["file_id"] = fileID

		var err error
		r, err = jsonRequest(op, path, sessionID, body)
		if err != nil {
			return nil, err
		}
	}

	data, err := c.do(ctx, r)
	if err != nil {
		return nil, err
	}
	return rawJSON(data), nil
}

// Upload sends a file as multipart form data and returns the new file id.
func (c *Client) Upload(ctx context.Context, sessionID, filename string, content io.Reader) (*UploadResult, error) {
	filename = norm.NFC.String(filename)
	if err := ValidateFilename(filename); err != nil {
		return nil, err
	}

	if c.limiter != nil {
		d := c.limiter.CheckLimit(sessionID, ratelimit.ClassUpload)
		if !d.Allowed {
			return nil, &errors.RateLimitExceededError{
				Key:        sessionID,
				Class:      string(ratelimit.ClassUpload),
				RetryAfter: d.RetryAfter(c.now()),
			}
		}
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filename, err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish upload body: %w", err)
	}

	data, err := c.do(ctx, request{
		op:          "upload",
		method:      http.MethodPost,
		path:        "/api/upload",
		sessionID:   sessionID,
		body:        &buf,
		contentType: mw.FormDataContentType(),
	})
	if err != nil {
		return nil, err
	}

	var result UploadResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode upload response: %w", err)
	}
	if result.FileID == "" {
		return nil, &errors.APIError{Operation: "upload", StatusCode: http.StatusOK, Message: "response has no file_id"}
	}
	return &result, nil
}

// State fetches the server-side pipeline state of a session.
func (c *Client) State(ctx context.Context, sessionID string) (*State, error) {
	data, err := c.do(ctx, request{
		op:        "state",
		method:    http.MethodGet,
		path:      "/api/state",
		sessionID: sessionID,
	})
	if err != nil {
		return nil, err
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}
	state.Raw = rawJSON(data)
	return &state, nil
}

// RollbackRequest asks the server to restore a previously recorded state.
type RollbackRequest struct {
	SessionID  string          `json:"session_id"`
	StateIndex int             `json:"state_index"`
	State      json.RawMessage `json:"state,omitempty"`
}

// Rollback restores the session to a recorded state.
func (c *Client) Rollback(ctx context.Context, req RollbackRequest) error {
	r, err := jsonRequest("rollback", "/api/rollback", req.SessionID, req)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, r)
	return err
}

// Health checks the API server.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	data, err := c.do(ctx, request{op: "health", method: http.MethodGet, path: "/health"})
	if err != nil {
		return nil, err
	}

	var h Health
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("failed to decode health response: %w", err)
	}
	return &h, nil
}

// ValidateFilename checks a filename against the characters the API accepts.
func ValidateFilename(name string) error {
	switch {
	case name == "":
		return &errors.ValidationError{Field: "filename", Message: "filename is required"}
	case len(name) > maxFilenameLength:
		return &errors.ValidationError{
			Field:   "filename",
			Message: fmt.Sprintf("filename exceeds %d bytes", maxFilenameLength),
		}
	case !utf8.ValidString(name) || !filenamePattern.MatchString(name):
		return &errors.ValidationError{
			Field:      "filename",
			Message:    fmt.Sprintf("filename %q contains unsupported characters", name),
			Suggestion: "use letters, digits, spaces, dots, dashes and underscores",
		}
	}
	return nil
}

func queryValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []string, []any, map[string]any:
		b, err := json.Marshal(val)
		if err == nil {
			return string(b)
		}
	}
	return fmt.Sprint(v)
}

// rawJSON returns data as JSON, quoting it as a string if it is not valid JSON.
func rawJSON(data []byte) json.RawMessage {
	if len(bytes.TrimSpace(data)) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(data) {
		return json.RawMessage(data)
	}
	quoted, _ := json.Marshal(string(data))
	return quoted
}
