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

package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestLimiter_APIAllowsExactly100PerWindow(t *testing.T) {
	clock := newFakeClock()
	rl := New(WithClock(clock.Now))

	for i := 0; i < 100; i++ {
		d := rl.CheckLimit("session-1", ClassAPI)
		require.True(t, d.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 99-i, d.Remaining)
		clock.Advance(100 * time.Millisecond)
	}

	d := rl.CheckLimit("session-1", ClassAPI)
	assert.False(t, d.Allowed, "101st request should be denied")
	assert.Equal(t, 0, d.Remaining)
}

func TestLimiter_WindowSlides(t *testing.T) {
	clock := newFakeClock()
	rl := New(WithClock(clock.Now))
	start := clock.Now()

	for i := 0; i < 5; i++ {
		require.True(t, rl.CheckLimit("user", ClassUpload).Allowed)
		clock.Advance(10 * time.Second)
	}

	// t=50s: window is full
	d := rl.CheckLimit("user", ClassUpload)
	require.False(t, d.Allowed)
	assert.Equal(t, start.Add(60*time.Second), d.ResetTime)
	assert.Equal(t, 10*time.Second, d.RetryAfter(clock.Now()))

	// t=60s: the first request is exactly one window old and has expired
	clock.Advance(10 * time.Second)
	d = rl.CheckLimit("user", ClassUpload)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)

	// Still full until the second request expires at t=70s
	assert.False(t, rl.CheckLimit("user", ClassUpload).Allowed)
}

func TestLimiter_DeniedRequestsDoNotConsume(t *testing.T) {
	clock := newFakeClock()
	rl := New(WithClock(clock.Now), WithLimit(ClassAPI, Limit{Max: 2, Window: time.Minute}))

	require.True(t, rl.CheckLimit("k", ClassAPI).Allowed)
	require.True(t, rl.CheckLimit("k", ClassAPI).Allowed)
	for i := 0; i < 10; i++ {
		require.False(t, rl.CheckLimit("k", ClassAPI).Allowed)
	}

	clock.Advance(time.Minute)
	d := rl.CheckLimit("k", ClassAPI)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
}

func TestLimiter_LoginLimit(t *testing.T) {
	clock := newFakeClock()
	rl := New(WithClock(clock.Now))

	for i := 0; i < 5; i++ {
		require.True(t, rl.CheckLimit("alice", ClassLogin).Allowed)
	}
	assert.False(t, rl.CheckLimit("alice", ClassLogin).Allowed)

	clock.Advance(299 * time.Second)
	assert.False(t, rl.CheckLimit("alice", ClassLogin).Allowed)

	clock.Advance(time.Second)
	assert.True(t, rl.CheckLimit("alice", ClassLogin).Allowed)
}

func TestLimiter_KeysAndClassesAreIndependent(t *testing.T) {
	rl := New(WithLimit(ClassUpload, Limit{Max: 1, Window: time.Minute}))

	assert.True(t, rl.CheckLimit("a", ClassUpload).Allowed)
	assert.False(t, rl.CheckLimit("a", ClassUpload).Allowed)
	assert.True(t, rl.CheckLimit("b", ClassUpload).Allowed)
	assert.True(t, rl.CheckLimit("a", ClassAPI).Allowed)
}

func TestLimiter_UnknownClassUsesAPI(t *testing.T) {
	rl := New(WithLimit(ClassAPI, Limit{Max: 1, Window: time.Minute}))

	assert.Equal(t, rl.Limit(ClassAPI), rl.Limit(Class("export")))
	assert.True(t, rl.CheckLimit("k", Class("export")).Allowed)
	// Shares the api window for the same key
	assert.False(t, rl.CheckLimit("k", ClassAPI).Allowed)
}

func TestLimiter_Cleanup(t *testing.T) {
	clock := newFakeClock()
	rl := New(WithClock(clock.Now))

	rl.CheckLimit("old", ClassAPI)
	clock.Advance(10 * time.Minute)
	rl.CheckLimit("new", ClassAPI)
	require.Equal(t, 2, rl.Len())

	rl.Cleanup(5 * time.Minute)
	assert.Equal(t, 1, rl.Len())
}

func TestLimiter_Concurrent(t *testing.T) {
	rl := New(WithLimit(ClassAPI, Limit{Max: 50, Window: time.Hour}))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rl.CheckLimit("shared", ClassAPI).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, allowed)
}

func TestDecision_RetryAfter(t *testing.T) {
	now := time.Now()
	assert.Zero(t, Decision{Allowed: true, ResetTime: now.Add(time.Second)}.RetryAfter(now))
	assert.Zero(t, Decision{Allowed: false}.RetryAfter(now))
	assert.Equal(t, 3*time.Second, Decision{ResetTime: now.Add(3 * time.Second)}.RetryAfter(now))
}
