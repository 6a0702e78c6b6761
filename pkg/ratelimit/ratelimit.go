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

// Package ratelimit provides sliding-window admission control keyed by
// (key, operation class).
//
// Each (key, class) pair keeps the timestamps of admitted requests inside the
// active window. Timestamps older than now-window are pruned lazily on every
// check, so a key that stops calling costs nothing until Cleanup drops it.
package ratelimit

import (
	"sync"
	"time"
)

// Class is an operation class with its own limit.
type Class string

const (
	// ClassUpload covers file uploads.
	ClassUpload Class = "upload"
	// ClassAPI covers pipeline step calls and other API requests.
	ClassAPI Class = "api"
	// ClassLogin covers authentication attempts.
	ClassLogin Class = "login"
)

// Limit is the number of requests admitted per rolling window.
type Limit struct {
	Max    int
	Window time.Duration
}

// DefaultLimits returns the standard limits: upload 5/60s, api 100/60s,
// login 5/300s.
func DefaultLimits() map[Class]Limit {
	return map[Class]Limit{
		ClassUpload: {Max: 5, Window: 60 * time.Second},
		ClassAPI:    {Max: 100, Window: 60 * time.Second},
		ClassLogin:  {Max: 5, Window: 300 * time.Second},
	}
}

// Decision is the result of a CheckLimit call.
type Decision struct {
	// Allowed reports whether the request was admitted.
	Allowed bool

	// Remaining is the number of further requests admitted in the current window.
	Remaining int

	// ResetTime is when the oldest request in the window expires and a slot frees up.
	// Zero when the window is empty.
	ResetTime time.Time
}

// RetryAfter returns how long a denied caller should wait, relative to now.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed || d.ResetTime.IsZero() {
		return 0
	}
	if wait := d.ResetTime.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

type windowKey struct {
	key   string
	class Class
}

// window holds admitted request timestamps in ascending order.
type window struct {
	mu         sync.Mutex
	timestamps []time.Time
	lastSeen   time.Time
}

// check prunes expired timestamps and admits the request if there is room.
func (w *window) check(now time.Time, limit Limit) Decision {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.lastSeen = now
	cutoff := now.Add(-limit.Window)

	expired := 0
	for expired < len(w.timestamps) && !w.timestamps[expired].After(cutoff) {
		expired++
	}
	if expired > 0 {
		w.timestamps = append(w.timestamps[:0], w.timestamps[expired:]...)
	}

	if len(w.timestamps) >= limit.Max {
		return Decision{
			Allowed:   false,
			Remaining: 0,
			ResetTime: w.timestamps[0].Add(limit.Window),
		}
	}

	w.timestamps = append(w.timestamps, now)
	return Decision{
		Allowed:   true,
		Remaining: limit.Max - len(w.timestamps),
		ResetTime: w.timestamps[0].Add(limit.Window),
	}
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithLimit overrides the limit for one class.
func WithLimit(class Class, limit Limit) Option {
	return func(l *Limiter) {
		l.limits[class] = limit
	}
}

// Limiter is a process-local sliding-window rate limiter. It is safe for
// concurrent use.
type Limiter struct {
	mu      sync.RWMutex
	windows map[windowKey]*window
	limits  map[Class]Limit
	now     func() time.Time
}

// New creates a Limiter with DefaultLimits.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		windows: make(map[windowKey]*window),
		limits:  DefaultLimits(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Limit returns the limit applied to class. Unknown classes get the api limit.
func (l *Limiter) Limit(class Class) Limit {
	if limit, ok := l.limits[class]; ok {
		return limit
	}
	return l.limits[ClassAPI]
}

// CheckLimit records a request for (key, class) if the window has room.
// Unknown classes are treated as ClassAPI.
func (l *Limiter) CheckLimit(key string, class Class) Decision {
	if _, ok := l.limits[class]; !ok {
		class = ClassAPI
	}
	limit := l.limits[class]
	wk := windowKey{key: key, class: class}

	l.mu.RLock()
	w, exists := l.windows[wk]
	l.mu.RUnlock()

	if !exists {
		l.mu.Lock()
		// Double-check after acquiring write lock
		w, exists = l.windows[wk]
		if !exists {
			w = &window{}
			l.windows[wk] = w
		}
		l.mu.Unlock()
	}

	return w.check(l.now(), limit)
}

// Cleanup removes windows for keys that have not been checked within maxAge.
func (l *Limiter) Cleanup(maxAge time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for wk, w := range l.windows {
		w.mu.Lock()
		age := now.Sub(w.lastSeen)
		w.mu.Unlock()

		if age > maxAge {
			delete(l.windows, wk)
		}
	}
}

// Len returns the number of tracked (key, class) windows.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.windows)
}
