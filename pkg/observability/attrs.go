package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Pool semantic convention attributes.
var (
	AttrOperation = attribute.Key("pool.operation")
	AttrErrorKind = attribute.Key("pool.error.kind")
	AttrPolicyID  = attribute.Key("pool.policy_id")
	AttrCaller    = attribute.Key("pool.caller")
	AttrRoute     = attribute.Key("http.route")
)

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
