package revy

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func (h *Handler) startSpan(ctx context.Context, op string, t *Type) (context.Context, trace.Span) {
	var opts []trace.SpanStartOption
	if t != nil {
		opts = append(opts, trace.WithAttributes(attribute.String("revy.type", t.Name)))
	}
	return h.tracer.Start(ctx, "revy."+op, opts...)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
