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

package log

import (
	"context"
	"log/slog"
	"time"
)

// APICall describes one remote pipeline API call for logging purposes.
type APICall struct {
	// Operation is the API operation name (e.g., "clean", "upload", "state").
	Operation string

	// SessionID is the pipeline session the call belongs to.
	SessionID string

	// CorrelationID is the correlation ID of the enclosing run.
	CorrelationID string

	// Metadata contains additional call metadata.
	Metadata map[string]interface{}
}

// APICallResult describes the outcome of an APICall.
type APICallResult struct {
	// Success indicates whether the call succeeded.
	Success bool

	// StatusCode is the HTTP status code, zero when no response arrived.
	StatusCode int

	// Error is the error message if the call failed.
	Error string

	// DurationMs is the duration of the call in milliseconds.
	DurationMs int64
}

// LogAPICall logs an outgoing API call at debug level.
func LogAPICall(logger *slog.Logger, call *APICall) {
	attrs := []any{
		EventKey, "api_call",
		"operation", call.Operation,
	}

	if call.SessionID != "" {
		attrs = append(attrs, SessionIDKey, call.SessionID)
	}

	if call.CorrelationID != "" {
		attrs = append(attrs, "correlation_id", call.CorrelationID)
	}

	for k, v := range call.Metadata {
		attrs = append(attrs, k, v)
	}

	logger.Debug("api call started", attrs...)
}

// LogAPICallResult logs the outcome of an API call. Failures log at warn.
func LogAPICallResult(logger *slog.Logger, call *APICall, res *APICallResult) {
	attrs := []any{
		EventKey, "api_call_result",
		"operation", call.Operation,
		"success", res.Success,
		DurationKey, res.DurationMs,
	}

	if call.SessionID != "" {
		attrs = append(attrs, SessionIDKey, call.SessionID)
	}

	if call.CorrelationID != "" {
		attrs = append(attrs, "correlation_id", call.CorrelationID)
	}

	if res.StatusCode != 0 {
		attrs = append(attrs, "status", res.StatusCode)
	}

	if res.Error != "" {
		attrs = append(attrs, "error", res.Error)
	}

	level := slog.LevelDebug
	message := "api call completed"

	if !res.Success {
		level = slog.LevelWarn
		message = "api call failed"
	}

	logger.Log(context.Background(), level, message, attrs...)
}

// CallMiddleware wraps API calls with request and result logging.
type CallMiddleware struct {
	logger *slog.Logger
}

// NewCallMiddleware creates a new API call logging middleware.
func NewCallMiddleware(logger *slog.Logger) *CallMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &CallMiddleware{
		logger: logger,
	}
}

// Handle runs fn, logging the call before and its outcome after.
// fn returns the HTTP status it observed (0 if none) and its error.
func (m *CallMiddleware) Handle(call *APICall, fn func() (int, error)) error {
	start := time.Now()

	LogAPICall(m.logger, call)

	status, err := fn()

	res := &APICallResult{
		Success:    err == nil,
		StatusCode: status,
		DurationMs: time.Since(start).Milliseconds(),
	}

	if err != nil {
		res.Error = err.Error()
	}

	LogAPICallResult(m.logger, call, res)

	return err
}
