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

// Package session ties prompt parsing, step resolution, execution, undo
// history, snapshots and the live log stream together for one pipeline
// session.
package session

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/tombee/pipectl/internal/api"
	"github.com/tombee/pipectl/internal/log"
	"github.com/tombee/pipectl/pkg/errors"
	"github.com/tombee/pipectl/pkg/history"
	"github.com/tombee/pipectl/pkg/logstream"
	"github.com/tombee/pipectl/pkg/pipeline"
)

var (
	// ErrNothingToUndo is returned by Undo at the start of the history.
	ErrNothingToUndo = stderrors.New("session: nothing to undo")

	// ErrNothingToRedo is returned by Redo at the end of the history.
	ErrNothingToRedo = stderrors.New("session: nothing to redo")
)

// APIClient is the subset of the pipeline API a session needs.
type APIClient interface {
	pipeline.StepExecutor
	Upload(ctx context.Context, sessionID, filename string, content io.Reader) (*api.UploadResult, error)
	State(ctx context.Context, sessionID string) (*api.State, error)
	Rollback(ctx context.Context, req api.RollbackRequest) error
}

// Plan is a resolved, ready-to-run step list.
type Plan struct {
	Prompt      string          `json:"prompt"`
	Steps       []pipeline.Step `json:"steps"`
	Confidence  float64         `json:"confidence"`
	Suggestions []string        `json:"suggestions,omitempty"`

	// Inserted counts prerequisite steps added by the resolver.
	Inserted int `json:"inserted"`
}

// Session is one user's pipeline session. All methods are safe for
// concurrent use; only one run executes at a time.
type Session struct {
	id     string
	client APIClient

	parser    *pipeline.Parser
	resolver  *pipeline.Resolver
	engine    *pipeline.Engine
	history   *history.History
	snapshots *history.SnapshotStore
	stream    *logstream.Client
	logger    *slog.Logger

	mu     sync.Mutex
	fileID string
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithParser replaces the default prompt parser.
func WithParser(p *pipeline.Parser) Option {
	return func(s *Session) { s.parser = p }
}

// WithResolver replaces the default auto-insert resolver.
func WithResolver(r *pipeline.Resolver) Option {
	return func(s *Session) { s.resolver = r }
}

// WithEngine uses a preconfigured engine. The session installs itself as the
// engine's recorder.
func WithEngine(e *pipeline.Engine) Option {
	return func(s *Session) { s.engine = e }
}

// WithHistory replaces the default in-memory history.
func WithHistory(h *history.History) Option {
	return func(s *Session) { s.history = h }
}

// WithSnapshotStore sets where auto and manual snapshots are persisted.
func WithSnapshotStore(store *history.SnapshotStore) Option {
	return func(s *Session) { s.snapshots = store }
}

// WithLogStream attaches a live log stream client.
func WithLogStream(c *logstream.Client) Option {
	return func(s *Session) { s.stream = c }
}

// WithFileID resumes a session whose file was uploaded earlier.
func WithFileID(fileID string) Option {
	return func(s *Session) { s.fileID = fileID }
}

// New creates a session. Snapshots default to an in-memory store and the
// engine dispatches through client.
func New(sessionID string, client APIClient, opts ...Option) (*Session, error) {
	if !pipeline.ValidSessionID(sessionID) {
		return nil, &errors.ValidationError{
			Field:      "session_id",
			Message:    fmt.Sprintf("invalid session id %q", sessionID),
			Suggestion: "session ids are 36-character UUIDs",
		}
	}
	if client == nil {
		return nil, &errors.ValidationError{Field: "client", Message: "api client is required"}
	}

	s := &Session{
		id:     sessionID,
		client: client,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.logger = log.WithSessionContext(s.logger, sessionID)
	if s.parser == nil {
		s.parser = pipeline.NewParser(nil).WithLogger(s.logger)
	}
	if s.resolver == nil {
		s.resolver = pipeline.NewResolver(pipeline.PolicyAutoInsert)
	}
	if s.engine == nil {
		s.engine = pipeline.NewEngine(client).WithLogger(s.logger)
	}
	s.engine.WithRecorder(s)
	if s.history == nil {
		s.history = history.New()
	}
	if s.snapshots == nil {
		s.snapshots = history.NewSnapshotStore(history.NewMemoryKV(), sessionID).WithLogger(s.logger)
	}

	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// FileID returns the id of the uploaded file, or "" before the first upload.
func (s *Session) FileID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fileID
}

// History returns the session's undo history.
func (s *Session) History() *history.History { return s.history }

// Snapshots returns the session's snapshot store.
func (s *Session) Snapshots() *history.SnapshotStore { return s.snapshots }

// Engine returns the session's execution engine.
func (s *Session) Engine() *pipeline.Engine { return s.engine }

// Upload sends a file to the API and makes it the session's working file.
func (s *Session) Upload(ctx context.Context, filename string, content io.Reader) (*api.UploadResult, error) {
	res, err := s.client.Upload(ctx, s.id, filename, content)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.fileID = res.FileID
	s.mu.Unlock()

	state := s.currentState(ctx, map[string]any{"file_id": res.FileID, "filename": filename})
	s.history.PushState(state, history.ActionUpload, history.Metadata{
		Description: "Uploaded " + filename,
	})
	s.logger.Info("file uploaded", "file_id", res.FileID)
	return res, nil
}

// Plan parses a prompt and resolves its steps without executing anything.
func (s *Session) Plan(prompt string) (*Plan, error) {
	parsed, err := s.parser.Parse(prompt)
	if err != nil {
		return nil, err
	}

	steps, err := s.resolver.Resolve(parsed.Steps)
	if err != nil {
		return nil, err
	}

	inserted := 0
	for _, st := range steps {
		if st.AutoInserted {
			inserted++
		}
	}

	return &Plan{
		Prompt:      prompt,
		Steps:       steps,
		Confidence:  parsed.Confidence,
		Suggestions: parsed.Suggestions,
		Inserted:    inserted,
	}, nil
}

// Execute plans prompt and runs the resulting steps.
func (s *Session) Execute(ctx context.Context, prompt string, onProgress pipeline.ProgressFunc) (*pipeline.Outcome, error) {
	plan, err := s.Plan(prompt)
	if err != nil {
		return nil, err
	}
	return s.RunSteps(ctx, plan.Steps, onProgress)
}

// RunSteps executes an already ordered step list against the working file.
func (s *Session) RunSteps(ctx context.Context, steps []pipeline.Step, onProgress pipeline.ProgressFunc) (*pipeline.Outcome, error) {
	fileID := s.FileID()
	if fileID == "" {
		return nil, &errors.ValidationError{
			Field:      "file_id",
			Message:    "no file has been uploaded in this session",
			Suggestion: "upload a file first or pass --file-id",
		}
	}

	return s.engine.Run(ctx, pipeline.RunRequest{
		SessionID: s.id,
		FileID:    fileID,
		Steps:     steps,
	}, onProgress)
}

// Cancel stops the active run at the next step boundary.
func (s *Session) Cancel() bool { return s.engine.Cancel() }

// Pause parks the active run at the next step boundary.
func (s *Session) Pause() bool { return s.engine.Pause() }

// Resume continues a paused run.
func (s *Session) Resume() bool { return s.engine.Resume() }

// RecordStep implements pipeline.Recorder. Each successful step adds a
// history entry and an auto snapshot; both are skipped while replaying.
func (s *Session) RecordStep(ctx context.Context, sessionID string, result pipeline.ExecutionResult) {
	if s.history.Replaying() {
		return
	}

	logger := log.WithStepContext(s.logger, result.Step.ID, string(result.Step.Type))
	state := s.currentState(ctx, map[string]any{
		"step":   result.Step.Type,
		"result": result.Result,
	})

	s.history.PushState(state, history.ActionStep, history.Metadata{
		Description: "Executed " + result.Step.Name,
		StepID:      result.Step.ID,
		StepName:    result.Step.Name,
	})

	if _, err := s.snapshots.AutoSnapshot(ctx, result.Step.ID, result.Step.Name, state); err != nil {
		logger.Warn("auto snapshot failed", "error", err)
	}
}

// Undo restores the previous history entry on the server.
func (s *Session) Undo(ctx context.Context) (*history.Entry, error) {
	return s.restore(ctx, s.history.Undo, func() { s.history.Redo() }, ErrNothingToUndo)
}

// Redo restores the next history entry on the server.
func (s *Session) Redo(ctx context.Context) (*history.Entry, error) {
	return s.restore(ctx, s.history.Redo, func() { s.history.Undo() }, ErrNothingToRedo)
}

// JumpTo restores the history entry at index i.
func (s *Session) JumpTo(ctx context.Context, i int) (*history.Entry, error) {
	prev := s.history.Index()
	outOfRange := &errors.ValidationError{
		Field:   "index",
		Message: fmt.Sprintf("history index %d out of range [0, %d)", i, s.history.Len()),
	}
	return s.restore(ctx,
		func() *history.Entry { return s.history.JumpToState(i) },
		func() { s.history.JumpToState(prev) },
		outOfRange,
	)
}

// restore moves the history pointer and asks the server to roll back to the
// entry it lands on. If the rollback fails the pointer is moved back.
func (s *Session) restore(ctx context.Context, move func() *history.Entry, revert func(), none error) (*history.Entry, error) {
	var entry *history.Entry

	err := s.history.Replay(func() error {
		entry = move()
		if entry == nil {
			return none
		}

		err := s.client.Rollback(ctx, api.RollbackRequest{
			SessionID:  s.id,
			StateIndex: s.history.Index(),
			State:      entry.State,
		})
		if err != nil {
			revert()
			return errors.Wrap(err, "rollback")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("history restored",
		"index", s.history.Index(),
		"action", string(entry.ActionType),
	)
	return entry, nil
}

// SaveSnapshot stores the current state as a named snapshot.
func (s *Session) SaveSnapshot(ctx context.Context, name, description string, tags []string) (*history.SnapshotRecord, error) {
	state := s.currentState(ctx, nil)
	rec, err := s.snapshots.Save(ctx, history.SnapshotRecord{
		Name:        name,
		Description: description,
		Tags:        tags,
		State:       state,
	})
	if err != nil {
		return nil, err
	}

	s.history.PushState(state, history.ActionManual, history.Metadata{
		Description: "Saved snapshot " + rec.Name,
	})
	return rec, nil
}

// RestoreSnapshot rolls the server back to a stored snapshot and records the
// restore as a new history entry.
func (s *Session) RestoreSnapshot(ctx context.Context, id string) (*history.SnapshotRecord, error) {
	rec, err := s.snapshots.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	err = s.client.Rollback(ctx, api.RollbackRequest{
		SessionID:  s.id,
		StateIndex: -1,
		State:      rec.State,
	})
	if err != nil {
		return nil, errors.Wrap(err, "rollback")
	}

	s.history.PushState(rec.State, history.ActionRollback, history.Metadata{
		Description: "Restored snapshot " + rec.Name,
		StepID:      rec.StepID,
	})
	return rec, nil
}

// StreamLogs connects the attached log stream to this session.
func (s *Session) StreamLogs(ctx context.Context) (*logstream.Client, error) {
	if s.stream == nil {
		return nil, &errors.ConfigError{Key: "logstream", Reason: "no log stream configured for this session"}
	}
	if err := s.stream.Connect(ctx, s.id); err != nil {
		return s.stream, err
	}
	return s.stream, nil
}

// Close disconnects the log stream, if any.
func (s *Session) Close() {
	if s.stream != nil {
		s.stream.Disconnect()
	}
}

// currentState fetches the server's view of the session. If that fails the
// fallback value is recorded instead so history stays in step with the run.
func (s *Session) currentState(ctx context.Context, fallback map[string]any) json.RawMessage {
	st, err := s.client.State(ctx, s.id)
	if err == nil && len(st.Raw) > 0 {
		return st.Raw
	}
	if err != nil {
		s.logger.Warn("failed to fetch session state", "error", err)
	}

	if fallback == nil {
		fallback = map[string]any{}
	}
	fallback["session_id"] = s.id
	fallback["file_id"] = s.FileID()
	data, mErr := json.Marshal(fallback)
	if mErr != nil {
		return json.RawMessage("null")
	}
	return data
}
