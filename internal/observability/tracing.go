package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope reported on all runtime spans.
const tracerName = "github.com/convoke-ai/convoke"

// Tracer wraps the OpenTelemetry API for the turn pipeline. Exporter and
// provider wiring is left to the embedding process; without a registered
// provider every span is a no-op.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a tracer bound to the globally registered provider.
func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(tracerName)}
}

// StartTurn opens the root span for one user turn.
func (t *Tracer) StartTurn(ctx context.Context, sessionID, agentID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "turn",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("agent.id", agentID),
		),
	)
}

// StartPhase opens a child span for one turn phase (stream, tools, commit).
func (t *Tracer) StartPhase(ctx context.Context, phase string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, phase)
}

// EndWithError records err on the span (when non-nil) and ends it.
func EndWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
