package spanbuf

import (
	"context"
)

type spanContextKey struct{}

var spanContextVal spanContextKey

type currentSpanKey struct{}

var currentSpanVal currentSpanKey

// Put the given span context into the context, and return a new context
// containing it, as well as the span context itself. If the context already
// contained a span context, it becomes "shadowed" by the new one. Binding is
// explicit context passing: one span context is reused for the lifetime of
// one logical trace, and a corrupted one should be discarded for a fresh one
// rather than reused.
func Put(ctx context.Context, sc *SpanContext) (context.Context, *SpanContext) {
	return context.WithValue(ctx, spanContextVal, sc), sc
}

// Get the span context from the context, if it exists. If not, an "orphan"
// span context is created and returned (but not injected into the context).
func Get(ctx context.Context) *SpanContext {
	if sc, ok := MaybeGet(ctx); ok {
		return sc
	}

	return NewSpanContext()
}

// MaybeGet returns the span context in the context, if it exists, with true
// as the second return value. If not, a nil span context is returned, with
// false as the second return value.
func MaybeGet(ctx context.Context) (*SpanContext, bool) {
	sc, ok := ctx.Value(spanContextVal).(*SpanContext)
	return sc, ok
}

// SpanFromContext returns the span most recently started under the context,
// if any. Child spans started through a [Tracer] attach to it.
func SpanFromContext(ctx context.Context) (Span, bool) {
	s, ok := ctx.Value(currentSpanVal).(Span)
	return s, ok
}

func putSpan(ctx context.Context, s Span) context.Context {
	return context.WithValue(ctx, currentSpanVal, s)
}
