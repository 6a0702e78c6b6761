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

package logstream

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Level is the severity of a log event.
type Level string

// Levels
const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// ParseLevel maps a server level name to a Level. Unknown names are info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success", "ok", "done":
		return LevelSuccess
	case "warning", "warn":
		return LevelWarning
	case "error", "err", "fatal", "critical":
		return LevelError
	default:
		return LevelInfo
	}
}

// Severity orders levels for filtering: info < success < warning < error.
func (l Level) Severity() int {
	switch l {
	case LevelSuccess:
		return 1
	case LevelWarning:
		return 2
	case LevelError:
		return 3
	default:
		return 0
	}
}

func isLevelName(s string) bool {
	switch strings.ToLower(s) {
	case "info", "success", "warning", "warn", "error", "debug":
		return true
	}
	return false
}

// LogEvent is one classified message from the log stream.
type LogEvent struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Level     Level           `json:"level"`
	Type      string          `json:"type"`
	Message   string          `json:"message"`
	Details   json.RawMessage `json:"details,omitempty"`
	StepID    string          `json:"step_id,omitempty"`

	// Progress is a percentage for progress frames.
	Progress *float64 `json:"progress,omitempty"`
}

// frame is the wire format of inbound messages.
type frame struct {
	Type      string          `json:"type"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Details   json.RawMessage `json:"details"`
	StepID    string          `json:"step_id"`
	Timestamp string          `json:"timestamp"`
	Progress  *float64        `json:"progress"`
	SessionID string          `json:"session_id"`
}

// Frame types
const (
	TypeLog         = "log"
	TypeStateUpdate = "state_update"
	TypeProgress    = "progress"
	TypeError       = "error"
	TypePong        = "pong"
	TypeMalformed   = "malformed"
)

// timestampLayouts are tried in order. The server may omit the zone.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func parseTimestamp(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return fallback
}

// classify turns a raw frame into a LogEvent. It reports false for frames
// that carry no event, such as pongs.
func classify(data []byte, now time.Time, id string) (LogEvent, bool) {
	ev := LogEvent{ID: id, Timestamp: now}

	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		ev.Level = LevelWarning
		ev.Type = TypeMalformed
		ev.Message = "Received malformed log message"
		details, _ := json.Marshal(map[string]string{"raw": truncate(string(data), 512), "error": err.Error()})
		ev.Details = details
		return ev, true
	}

	ev.Type = f.Type
	ev.Message = f.Message
	ev.Details = f.Details
	ev.StepID = f.StepID
	ev.Timestamp = parseTimestamp(f.Timestamp, now)

	switch f.Type {
	case TypePong:
		return LogEvent{}, false

	case TypeLog:
		ev.Level = ParseLevel(f.Level)

	case TypeStateUpdate:
		ev.Level = LevelInfo
		if ev.Message == "" {
			ev.Message = "Pipeline state updated"
		}

	case TypeProgress:
		ev.Level = LevelInfo
		if f.Level != "" {
			ev.Level = ParseLevel(f.Level)
		}
		ev.Progress = f.Progress
		if ev.Message == "" && f.Progress != nil {
			ev.Message = fmt.Sprintf("Progress: %.0f%%", *f.Progress)
		}

	case TypeError:
		ev.Level = LevelError

	default:
		// The server sends plain log lines with the level as their type.
		switch {
		case f.Level != "":
			ev.Level = ParseLevel(f.Level)
		case isLevelName(f.Type):
			ev.Level = ParseLevel(f.Type)
		default:
			ev.Level = LevelInfo
		}
	}

	if ev.Message == "" {
		ev.Message = "(no message)"
	}
	return ev, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
