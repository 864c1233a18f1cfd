// Package oteltrace adapts the process-global OpenTelemetry tracer to the
// observability.Tracer port. Span export follows whatever TracerProvider the
// process installed; without one, spans are no-ops.
package oteltrace

import (
	"context"

	"github.com/gamekeys/backend/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type tracer struct{ t trace.Tracer }

func New(instrumentation string) observability.Tracer {
	if instrumentation == "" {
		instrumentation = "github.com/gamekeys/backend"
	}
	return tracer{t: otel.Tracer(instrumentation)}
}

func (tr tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tr.t.Start(ctx, name, trace.WithAttributes(attrs...))
}
