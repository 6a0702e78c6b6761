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
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the tracer name used for pipeline spans.
const InstrumentationName = "github.com/tombee/pipectl"

// Tracer returns the tracer from the globally registered provider.
// Without a registered provider this is a no-op tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// Span wraps an OpenTelemetry span with pipeline-specific helpers.
// All methods are safe on a nil *Span.
type Span struct {
	span trace.Span
}

// StartRun creates the root span for a pipeline run.
func StartRun(ctx context.Context, tracer trace.Tracer, sessionID string, totalSteps int) (context.Context, *Span) {
	attrs := []attribute.KeyValue{
		attribute.String("pipeline.session_id", sessionID),
		attribute.Int("pipeline.total_steps", totalSteps),
		attribute.String("span.type", "pipeline.run"),
	}
	if id := FromContextOrEmpty(ctx); id != "" {
		attrs = append(attrs, attribute.String("correlation_id", id.String()))
	}

	ctx, span := tracer.Start(ctx, "pipeline.run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	return ctx, &Span{span: span}
}

// StartStep creates a span for one step dispatch.
func StartStep(ctx context.Context, tracer trace.Tracer, index int, stepID, stepType string) (context.Context, *Span) {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("step: %s", stepType),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.Int("step.index", index),
			attribute.String("step.id", stepID),
			attribute.String("step.type", stepType),
			attribute.String("span.type", "pipeline.step"),
		),
	)
	return ctx, &Span{span: span}
}

// SetAttributes adds key-value attributes to the span.
func (s *Span) SetAttributes(attrs map[string]any) {
	if s == nil || s.span == nil {
		return
	}
	s.span.SetAttributes(toAttributes(attrs)...)
}

// AddEvent records a timestamped event within the span.
func (s *Span) AddEvent(name string, attrs map[string]any) {
	if s == nil || s.span == nil {
		return
	}
	s.span.AddEvent(name, trace.WithAttributes(toAttributes(attrs)...))
}

// RecordError records err and marks the span as failed.
func (s *Span) RecordError(err error) {
	if s == nil || s.span == nil || err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

// SetOK marks the span as successful.
func (s *Span) SetOK() {
	if s == nil || s.span == nil {
		return
	}
	s.span.SetStatus(codes.Ok, "")
}

// End marks the span as complete.
func (s *Span) End() {
	if s == nil || s.span == nil {
		return
	}
	s.span.End()
}

// TraceID returns the trace ID as a string, or "" when not recording.
func (s *Span) TraceID() string {
	if s == nil || s.span == nil || !s.span.SpanContext().HasTraceID() {
		return ""
	}
	return s.span.SpanContext().TraceID().String()
}

func toAttributes(attrs map[string]any) []attribute.KeyValue {
	otelAttrs := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			otelAttrs = append(otelAttrs, attribute.String(k, val))
		case int:
			otelAttrs = append(otelAttrs, attribute.Int(k, val))
		case int64:
			otelAttrs = append(otelAttrs, attribute.Int64(k, val))
		case float64:
			otelAttrs = append(otelAttrs, attribute.Float64(k, val))
		case bool:
			otelAttrs = append(otelAttrs, attribute.Bool(k, val))
		default:
			otelAttrs = append(otelAttrs, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}
	return otelAttrs
}
