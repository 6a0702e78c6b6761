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

import "sync"

// DefaultBufferCapacity is the number of events a Buffer retains.
const DefaultBufferCapacity = 1000

// Buffer is a bounded ring of recent log events. When full, the oldest event
// is overwritten. It is safe for concurrent use.
type Buffer struct {
	mu    sync.RWMutex
	items []LogEvent
	start int
	count int
}

// NewBuffer creates a buffer holding up to capacity events. A capacity below
// 1 uses DefaultBufferCapacity.
func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		capacity = DefaultBufferCapacity
	}
	return &Buffer{items: make([]LogEvent, capacity)}
}

// Add appends an event, evicting the oldest one when the buffer is full.
func (b *Buffer) Add(ev LogEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count < len(b.items) {
		b.items[(b.start+b.count)%len(b.items)] = ev
		b.count++
		return
	}
	b.items[b.start] = ev
	b.start = (b.start + 1) % len(b.items)
}

// Events returns the buffered events, oldest first.
func (b *Buffer) Events() []LogEvent {
	return b.Filter()
}

// Filter returns buffered events whose level is one of levels, oldest first.
// With no levels it returns every event.
func (b *Buffer) Filter(levels ...Level) []LogEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	want := make(map[Level]bool, len(levels))
	for _, l := range levels {
		want[l] = true
	}

	out := make([]LogEvent, 0, b.count)
	for i := 0; i < b.count; i++ {
		ev := b.items[(b.start+i)%len(b.items)]
		if len(want) == 0 || want[ev.Level] {
			out = append(out, ev)
		}
	}
	return out
}

// Len returns the number of buffered events.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int {
	return len(b.items)
}

// Clear removes every event.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	clear(b.items)
	b.start = 0
	b.count = 0
}
