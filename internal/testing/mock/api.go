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

package mock

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Request is one call received by APIServer.
type Request struct {
	Method    string
	Path      string
	SessionID string
	Query     map[string]string
	Body      map[string]any
}

// Failure makes a path answer with Status and Body. Times limits how many
// calls fail; zero fails every call.
type Failure struct {
	Status int
	Body   string
	Times  int
}

// APIServer is an in-process pipeline API. Step endpoints answer
// {"status":"ok"}, uploads return FileID, and /api/state reports the number
// of successful step calls.
type APIServer struct {
	*httptest.Server

	FileID string

	mu        sync.Mutex
	requests  []Request
	failures  map[string]*Failure
	executed  int
	rollbacks []int
	frames    [][]byte
	closeLogs bool
	streamed  chan string
}

// NewAPIServer starts a server that is closed when t finishes.
func NewAPIServer(t testing.TB) *APIServer {
	t.Helper()
	s := &APIServer{
		FileID:   "file-0001",
		failures: make(map[string]*Failure),
		streamed: make(chan string, 16),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/upload", s.handleUpload)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/rollback", s.handleRollback)
	mux.HandleFunc("/ws/logs/", s.handleLogs)
	mux.HandleFunc("/api/", s.handleStep)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Fail injects a failure for path, e.g. "/api/analyze".
func (s *APIServer) Fail(path string, status int, body string, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[path] = &Failure{Status: status, Body: body, Times: times}
}

// QueueLog adds a frame sent to the next log stream connection.
func (s *APIServer) QueueLog(frame map[string]any) {
	data, _ := json.Marshal(frame)
	s.mu.Lock()
	s.frames = append(s.frames, data)
	s.mu.Unlock()
}

// CloseLogsAfterFrames makes the log channel send a normal close frame once
// the queued frames are written.
func (s *APIServer) CloseLogsAfterFrames() {
	s.mu.Lock()
	s.closeLogs = true
	s.mu.Unlock()
}

// Streamed receives the session id of each log stream connection as it is
// accepted.
func (s *APIServer) Streamed() <-chan string { return s.streamed }

// Requests returns a copy of the recorded calls.
func (s *APIServer) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Paths returns the recorded request paths in order, excluding state reads.
func (s *APIServer) Paths() []string {
	var paths []string
	for _, r := range s.Requests() {
		if r.Path != "/api/state" {
			paths = append(paths, r.Path)
		}
	}
	return paths
}

// Rollbacks returns the state indexes passed to /api/rollback.
func (s *APIServer) Rollbacks() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.rollbacks...)
}

// WriteConfig writes a config file for this server to a temp dir and
// returns its path. Step delay and retry backoff are zeroed out. Snapshots
// go to the sqlite file at sqlitePath, or to memory when it is empty.
func (s *APIServer) WriteConfig(t testing.TB, sqlitePath string) string {
	t.Helper()
	storage := "backend: memory"
	if sqlitePath != "" {
		storage = fmt.Sprintf("backend: sqlite\n  sqlite_path: %s", sqlitePath)
	}
	cfg := fmt.Sprintf(`api:
  url: %s
  token: test-token
engine:
  step_delay: 0s
  retry_base_delay: 1ms
  retry_max_delay: 2ms
storage:
  %s
logstream:
  reconnect_delay: 1ms
  max_reconnect_attempts: 1
log:
  level: error
`, s.URL, storage)

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func (s *APIServer) record(r *http.Request) Request {
	req := Request{
		Method:    r.Method,
		Path:      r.URL.Path,
		SessionID: r.URL.Query().Get("session_id"),
		Query:     make(map[string]string),
	}
	for k, v := range r.URL.Query() {
		req.Query[k] = strings.Join(v, ",")
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &req.Body)
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	return req
}

// injected writes an injected failure for path, if one is armed.
func (s *APIServer) injected(w http.ResponseWriter, path string) bool {
	s.mu.Lock()
	f, ok := s.failures[path]
	if ok && f.Times > 0 {
		f.Times--
		if f.Times == 0 {
			delete(s.failures, path)
		}
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(f.Status)
	_, _ = io.WriteString(w, f.Body)
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.record(r)
	if s.injected(w, r.URL.Path) {
		return
	}
	writeJSON(w, map[string]any{
		"status":            "healthy",
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
		"active_sessions":   1,
		"active_websockets": 0,
	})
}

func (s *APIServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	s.record(r)
	if s.injected(w, r.URL.Path) {
		return
	}
	if _, _, err := r.FormFile("file"); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(w, map[string]string{"detail": "missing file field"})
		return
	}
	writeJSON(w, map[string]string{"file_id": s.FileID, "status": "uploaded"})
}

func (s *APIServer) handleState(w http.ResponseWriter, r *http.Request) {
	req := s.record(r)
	if s.injected(w, r.URL.Path) {
		return
	}
	s.mu.Lock()
	executed := s.executed
	s.mu.Unlock()
	writeJSON(w, map[string]any{
		"session_id":   req.SessionID,
		"current_step": executed,
		"steps":        []any{},
	})
}

func (s *APIServer) handleRollback(w http.ResponseWriter, r *http.Request) {
	req := s.record(r)
	if s.injected(w, r.URL.Path) {
		return
	}
	if idx, ok := req.Body["state_index"].(float64); ok {
		s.mu.Lock()
		s.rollbacks = append(s.rollbacks, int(idx))
		s.mu.Unlock()
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *APIServer) handleStep(w http.ResponseWriter, r *http.Request) {
	s.record(r)
	if s.injected(w, r.URL.Path) {
		return
	}
	s.mu.Lock()
	s.executed++
	s.mu.Unlock()
	writeJSON(w, map[string]string{"status": "ok", "step": strings.TrimPrefix(r.URL.Path, "/api/")})
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (s *APIServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	s.record(r)
	sessionID := strings.TrimPrefix(r.URL.Path, "/ws/logs/")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	select {
	case s.streamed <- sessionID:
	default:
	}

	s.mu.Lock()
	frames := s.frames
	s.frames = nil
	closeAfter := s.closeLogs
	s.mu.Unlock()

	for _, f := range frames {
		if err := conn.WriteMessage(websocket.TextMessage, f); err != nil {
			return
		}
	}
	if closeAfter {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session finished")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
