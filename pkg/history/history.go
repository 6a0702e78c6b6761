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

// Package history keeps the undo/redo history of a session's pipeline state
// and persists named snapshot records through pluggable key-value stores.
package history

import (
	"encoding/json"
	"sync"
	"time"
)

// DefaultMaxSize is the default number of entries a History retains.
const DefaultMaxSize = 50

// ActionType describes what produced a history entry.
type ActionType string

// Action types
const (
	ActionUpload   ActionType = "upload"
	ActionStep     ActionType = "step_executed"
	ActionRollback ActionType = "rollback"
	ActionManual   ActionType = "manual"
)

// Metadata describes a history entry for display.
type Metadata struct {
	Description string `json:"description"`
	StepID      string `json:"step_id,omitempty"`
	StepName    string `json:"step_name,omitempty"`
}

// Entry is one recorded pipeline state.
type Entry struct {
	State      json.RawMessage `json:"state"`
	Timestamp  time.Time       `json:"timestamp"`
	ActionType ActionType      `json:"action_type"`
	Metadata   Metadata        `json:"metadata"`
}

func (e Entry) clone() *Entry {
	e.State = append(json.RawMessage(nil), e.State...)
	return &e
}

// History is a bounded, linear undo/redo stack of opaque states.
//
// Entries after the current index form the redo branch, which is discarded by
// the next PushState. When the history grows past its maximum size the oldest
// entries are dropped. History is safe for concurrent use.
type History struct {
	mu        sync.Mutex
	entries   []Entry
	index     int
	maxSize   int
	replaying int
	now       func() time.Time
}

// Option configures a History.
type Option func(*History)

// WithMaxSize sets the number of retained entries. Values below 1 are ignored.
func WithMaxSize(n int) Option {
	return func(h *History) {
		if n > 0 {
			h.maxSize = n
		}
	}
}

// WithClock replaces the time source used to stamp entries.
func WithClock(now func() time.Time) Option {
	return func(h *History) {
		if now != nil {
			h.now = now
		}
	}
}

// New creates an empty history.
func New(opts ...Option) *History {
	h := &History{
		index:   -1,
		maxSize: DefaultMaxSize,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// PushState records state as the new current entry and reports whether it was
// recorded. Pushes made while a Replay is in flight are ignored.
func (h *History) PushState(state json.RawMessage, action ActionType, meta Metadata) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.replaying > 0 {
		return false
	}

	h.entries = h.entries[:h.index+1]
	h.entries = append(h.entries, Entry{
		State:      append(json.RawMessage(nil), state...),
		Timestamp:  h.now(),
		ActionType: action,
		Metadata:   meta,
	})

	if over := len(h.entries) - h.maxSize; over > 0 {
		h.entries = append([]Entry(nil), h.entries[over:]...)
	}
	h.index = len(h.entries) - 1
	return true
}

// Undo moves back one entry and returns it, or nil at the oldest entry.
func (h *History) Undo() *Entry {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.index <= 0 {
		return nil
	}
	h.index--
	return h.entries[h.index].clone()
}

// Redo moves forward one entry and returns it, or nil at the newest entry.
func (h *History) Redo() *Entry {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.index >= len(h.entries)-1 {
		return nil
	}
	h.index++
	return h.entries[h.index].clone()
}

// JumpToState makes entry i current and returns it, or nil if i is out of range.
// The redo branch is kept.
func (h *History) JumpToState(i int) *Entry {
	h.mu.Lock()
	defer h.mu.Unlock()

	if i < 0 || i >= len(h.entries) {
		return nil
	}
	h.index = i
	return h.entries[i].clone()
}

// ClearHistory removes every entry.
func (h *History) ClearHistory() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = nil
	h.index = -1
}

// CanUndo reports whether Undo would move.
func (h *History) CanUndo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.index > 0
}

// CanRedo reports whether Redo would move.
func (h *History) CanRedo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.index < len(h.entries)-1
}

// Current returns the current entry, or nil if the history is empty.
func (h *History) Current() *Entry {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.index < 0 {
		return nil
	}
	return h.entries[h.index].clone()
}

// Entries returns a copy of all entries, oldest first.
func (h *History) Entries() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Entry, len(h.entries))
	for i, e := range h.entries {
		out[i] = *e.clone()
	}
	return out
}

// Len returns the number of entries.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Index returns the current index, or -1 if the history is empty.
func (h *History) Index() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.index
}

// MaxSize returns the number of entries retained.
func (h *History) MaxSize() int {
	return h.maxSize
}

// Replay runs fn with recording suspended, so restoring an undone state does
// not itself become a new entry. Replays may nest.
func (h *History) Replay(fn func() error) error {
	h.mu.Lock()
	h.replaying++
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.replaying--
		h.mu.Unlock()
	}()
	return fn()
}

// Replaying reports whether a Replay is in flight.
func (h *History) Replaying() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.replaying > 0
}
