package spanbuf

import (
	"context"

	"github.com/oklog/ulid/v2"
	"github.com/zoobzio/clockz"

	"github.com/peterbourgon/spanbuf/internal/sbdebug"
)

// TracerConfig collects the construction parameters for a Tracer.
type TracerConfig struct {
	// Emit receives every finished trace, complete or partial. The handler
	// owns the spans it receives and may read them for serialization, but
	// must not mutate them. A nil handler discards traces.
	Emit func(Spans)

	// Flush is the partial-flush policy. Zero fields mean defaults.
	Flush FlusherConfig

	// MaxSpans is the hard per-context cap. Non-positive means the
	// package-level default.
	MaxSpans int

	// Clock supplies span start times. Default clockz.RealClock.
	Clock clockz.Clock
}

// Tracer is a reference span provider wired to the buffer: it creates spans,
// binds them to the per-trace [SpanContext] carried in a [context.Context],
// and drains the buffer to the emit handler as spans finish. Sampling
// decisions are taken as given; this tracer marks everything sampled.
//
// Tracer is safe for concurrent use.
type Tracer struct {
	emit     func(Spans)
	flusher  *Flusher
	maxSpans int
	clock    clockz.Clock
}

// NewTracer creates a Tracer with the given config.
func NewTracer(cfg TracerConfig) *Tracer {
	if cfg.Clock == nil {
		cfg.Clock = clockz.RealClock
	}
	if cfg.Flush.Clock == nil {
		cfg.Flush.Clock = cfg.Clock
	}
	return &Tracer{
		emit:     cfg.Emit,
		flusher:  NewFlusher(cfg.Flush),
		maxSpans: cfg.MaxSpans,
		clock:    cfg.Clock,
	}
}

// StartSpan creates a span and buffers it in the span context carried by
// ctx, creating and injecting a fresh span context if ctx has none. The span
// becomes a child of the span most recently started under ctx, when that
// span still belongs to the same trace, and a new root otherwise. It returns
// a derived context for child operations, and the span itself.
//
// Typical usage is as follows.
//
//	func handle(ctx context.Context) {
//	    ctx, span := tracer.StartSpan(ctx, "handle")
//	    defer span.Finish()
//	    ...
//	}
func (t *Tracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	now := t.clock.Now().UTC()

	sc, ok := MaybeGet(ctx)
	if !ok {
		ctx, sc = Put(ctx, NewSpanContextMax(t.maxSpans))
	}

	var s Span
	if parent, ok := SpanFromContext(ctx); ok && parent.Owner() == sc {
		s = NewChildSpan(parent, name, now)
	} else {
		s = NewRootSpan(name, now, true)
	}

	if cs, ok := s.(*coreSpan); ok {
		cs.onFinish = t.finishSpan
	}

	sc.Add(s)

	return putSpan(ctx, s), s
}

// StartRemoteSpan is like StartSpan for a trace forked from another process:
// the new span adopts the propagated trace id, parent span id, and sampling
// decision, and always starts a fresh span context.
func (t *Tracer) StartRemoteSpan(ctx context.Context, name string, traceID, parentID ulid.ULID, sampled bool) (context.Context, Span) {
	now := t.clock.Now().UTC()

	ctx, sc := Put(ctx, NewSpanContextMax(t.maxSpans))

	s := NewRemoteChildSpan(traceID, parentID, name, now, sampled)
	if cs, ok := s.(*coreSpan); ok {
		cs.onFinish = t.finishSpan
	}

	sc.Add(s)

	return putSpan(ctx, s), s
}

// finishSpan runs after a span finishes and its context has been notified.
// If the whole trace is done, it drains the context; otherwise it gives the
// flusher a chance to slice off finished subtrees.
func (t *Tracer) finishSpan(_ Span, sc *SpanContext) {
	if sc == nil {
		return // span was detached before it finished
	}

	if spans, sampled, ok := sc.TakeComplete(); ok {
		if !sampled {
			sbdebug.UnsampledDropCount.Add(1)
			return
		}
		if t.emit != nil {
			t.emit(spans)
			sbdebug.SpanEmitCount.Add(uint64(len(spans)))
		}
		return
	}

	if sc.Sampled() {
		t.flusher.MaybeFlush(sc, t.emit)
	}
}
