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

package tracing

import (
	"context"
	"net/http"
	"testing"
)

func TestNewCorrelationID(t *testing.T) {
	id := NewCorrelationID()

	if id == "" {
		t.Error("expected non-empty correlation ID")
	}

	if !id.IsValid() {
		t.Errorf("expected valid UUID format, got %q", id)
	}

	// Verify length is 36 (UUID format)
	if len(id) != 36 {
		t.Errorf("expected length 36, got %d", len(id))
	}
}

func TestCorrelationID_IsValid(t *testing.T) {
	tests := []struct {
		name  string
		id    CorrelationID
		valid bool
	}{
		{"valid UUID", CorrelationID("550e8400-e29b-41d4-a716-446655440000"), true},
		{"valid UUID uppercase", CorrelationID("550E8400-E29B-41D4-A716-446655440000"), true},
		{"valid UUID mixed case", CorrelationID("550e8400-E29b-41d4-A716-446655440000"), true},
		{"empty", CorrelationID(""), false},
		{"too short", CorrelationID("550e8400-e29b-41d4"), false},
		{"too long", CorrelationID("550e8400-e29b-41d4-a716-446655440000-extra"), false},
		{"missing hyphens", CorrelationID("550e8400e29b41d4a716446655440000"), false},
		{"invalid characters", CorrelationID("550e8400-e29b-41d4-a716-44665544000g"), false},
		{"spaces", CorrelationID("550e8400 e29b-41d4-a716-446655440000"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.id.IsValid(); got != tt.valid {
				t.Errorf("IsValid() = %v, want %v", got, tt.valid)
			}
		})
	}
}

func TestToContext_FromContext(t *testing.T) {
	ctx := context.Background()
	id := CorrelationID("550e8400-e29b-41d4-a716-446655440000")

	// Add to context
	ctx = ToContext(ctx, id)

	// Retrieve from context
	got := FromContext(ctx)
	if got != id {
		t.Errorf("FromContext() = %q, want %q", got, id)
	}
}

func TestFromContext_GeneratesNew(t *testing.T) {
	ctx := context.Background()

	// Should generate new ID when not in context
	got := FromContext(ctx)
	if got == "" {
		t.Error("FromContext() returned empty string, expected new ID")
	}

	if !got.IsValid() {
		t.Errorf("FromContext() returned invalid UUID: %q", got)
	}
}

func TestFromContextOrEmpty(t *testing.T) {
	t.Run("returns ID when present", func(t *testing.T) {
		ctx := context.Background()
		id := CorrelationID("550e8400-e29b-41d4-a716-446655440000")
		ctx = ToContext(ctx, id)

		got := FromContextOrEmpty(ctx)
		if got != id {
			t.Errorf("FromContextOrEmpty() = %q, want %q", got, id)
		}
	})

	t.Run("returns empty when not present", func(t *testing.T) {
		ctx := context.Background()

		got := FromContextOrEmpty(ctx)
		if got != "" {
			t.Errorf("FromContextOrEmpty() = %q, want empty string", got)
		}
	})
}

func TestParseCorrelationID(t *testing.T) {
	tests := []struct {
		name  string
		input string
		valid bool
	}{
		{"valid UUID", "550e8400-e29b-41d4-a716-446655440000", true},
		{"invalid format", "not-a-uuid", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := ParseCorrelationID(tt.input)
			if ok != tt.valid {
				t.Errorf("ParseCorrelationID() ok = %v, want %v", ok, tt.valid)
			}
			if ok && id.String() != tt.input {
				t.Errorf("ParseCorrelationID() = %q, want %q", id, tt.input)
			}
		})
	}
}

func TestEnsureContext(t *testing.T) {
	t.Run("keeps existing ID", func(t *testing.T) {
		id := CorrelationID("550e8400-e29b-41d4-a716-446655440000")
		ctx, got := EnsureContext(ToContext(context.Background(), id))
		if got != id {
			t.Errorf("EnsureContext() = %q, want %q", got, id)
		}
		if FromContextOrEmpty(ctx) != id {
			t.Error("context should still carry the original ID")
		}
	})

	t.Run("mints new ID", func(t *testing.T) {
		ctx, got := EnsureContext(context.Background())
		if !got.IsValid() {
			t.Errorf("EnsureContext() returned invalid ID %q", got)
		}
		if FromContextOrEmpty(ctx) != got {
			t.Error("context should carry the minted ID")
		}
	})
}

func TestInjectIntoHeader(t *testing.T) {
	id := CorrelationID("550e8400-e29b-41d4-a716-446655440000")

	h := http.Header{}
	InjectIntoHeader(ToContext(context.Background(), id), h)
	if got := h.Get(HeaderCorrelationID); got != id.String() {
		t.Errorf("header = %q, want %q", got, id)
	}

	empty := http.Header{}
	InjectIntoHeader(context.Background(), empty)
	if len(empty) != 0 {
		t.Errorf("expected no headers, got %v", empty)
	}
}

func BenchmarkNewCorrelationID(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = NewCorrelationID()
	}
}
