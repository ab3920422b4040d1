// Package telemetry defines the logging, metrics, and tracing seams used
// throughout planforge. Components depend on the interfaces here, never on
// a concrete backend, so a compiler or executor can be exercised in tests
// with no-op implementations and wired to Clue/OTel or Prometheus/zerolog
// in production.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger emits structured log lines keyed by alternating string keys and
// arbitrary values.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics records counters, timers, and gauges tagged by alternating
// string key/value pairs.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer starts and retrieves spans without tying callers to a specific
// OpenTelemetry provider wiring.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span is an in-flight trace span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// NodeTelemetry captures the observability fields recorded for a single
// plan-node invocation attempt.
type NodeTelemetry struct {
	NodeID     string
	Tool       string
	Attempt    int
	DurationMs int64
	Extra      map[string]any
}
