package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName names the tracer used when none is supplied.
const InstrumentationName = "narrationdb.migration"

// MigrationTracer creates spans around a migration run, each definition it
// applies and each statement it sends.
type MigrationTracer struct {
	tracer trace.Tracer
}

// NewMigrationTracer creates a MigrationTracer. If tracer is nil, the global
// tracer provider is used.
func NewMigrationTracer(tracer trace.Tracer) *MigrationTracer {
	if tracer == nil {
		tracer = otel.GetTracerProvider().Tracer(InstrumentationName)
	}
	return &MigrationTracer{tracer: tracer}
}

// StartRun begins the root span for one runner invocation.
func (m *MigrationTracer) StartRun(ctx context.Context, runID string, registered int) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "migration.run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("migration.run_id", runID),
			attribute.Int("migration.registered", registered),
		),
	)
}

// StartMigration begins a child span for one definition.
func (m *MigrationTracer) StartMigration(ctx context.Context, position int, name string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "migration.apply."+name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.Int("migration.position", position),
			attribute.String("migration.name", name),
		),
	)
}

// StartStatement begins a client span for one statement.
func (m *MigrationTracer) StartStatement(ctx context.Context, index int) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "migration.statement",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.Int("migration.statement.index", index),
		),
	)
}

// End closes span, recording err when non-nil and marking success otherwise.
func (m *MigrationTracer) End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
