package spanbuf

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/peterbourgon/spanbuf/internal/sbdebug"
)

//
//
//

const (
	contextMaxSpansMin     = 1
	contextMaxSpansDefault = 100_000
	contextMaxSpansMax     = 1_000_000
)

var contextMaxSpans = func() *atomic.Int32 {
	var v atomic.Int32
	v.Store(contextMaxSpansDefault)
	return &v
}()

// SetContextMaxSpans sets the hard span-count cap applied to contexts created
// afterwards. Once a context holds the maximum number of spans, additional
// spans are silently dropped and detached rather than buffered. The default
// is 100000, the minimum is 1, and the maximum is 1000000.
//
// Changing this value does not affect contexts that have already been
// created.
func SetContextMaxSpans(n int) {
	if n < contextMaxSpansMin {
		n = contextMaxSpansMin
	}
	if n > contextMaxSpansMax {
		n = contextMaxSpansMax
	}
	contextMaxSpans.Store(int32(n))
}

//
//
//

// SpanContext is the mutable buffer holding the spans of one in-progress
// trace. It tracks the currently-active span, the identity and sampling
// metadata inherited from the spans it receives, and a finished-span counter,
// and it enforces the hard span-count cap.
//
// A context is reset to empty, not destroyed, whenever it yields a complete
// trace or a partial subtree, so the same context can be reused for the next
// trace on the same logical task without reallocation.
//
// SpanContext is safe for concurrent use. Every method acquires a single
// mutex for its full duration, and no method calls user code or performs I/O
// under that mutex.
type SpanContext struct {
	mtx           sync.Mutex
	spans         []Span
	closed        map[ulid.ULID]bool
	current       Span
	parentTraceID ulid.ULID
	parentSpanID  ulid.ULID
	sampled       bool
	priority      int
	hasPriority   bool
	finished      int
	maxSpans      int
}

// NewSpanContext creates an empty context with the package-level hard cap.
func NewSpanContext() *SpanContext {
	return NewSpanContextMax(int(contextMaxSpans.Load()))
}

// NewSpanContextMax creates an empty context with the given hard cap. A
// non-positive cap means the package-level default.
func NewSpanContextMax(maxSpans int) *SpanContext {
	if maxSpans <= 0 {
		maxSpans = int(contextMaxSpans.Load())
	}
	return &SpanContext{
		closed:   map[ulid.ULID]bool{},
		maxSpans: maxSpans,
	}
}

// Add buffers the span and makes it the current span. If the context is at
// its hard cap, the span is instead detached and silently dropped: no error,
// no panic, just a debug counter. That is the safety valve that bounds memory
// under pathological load.
func (sc *SpanContext) Add(s Span) {
	sc.mtx.Lock()
	defer sc.mtx.Unlock()

	if len(sc.spans) >= sc.maxSpans {
		s.SetOwner(nil)
		sbdebug.SpanDropCount.Add(1)
		return
	}

	sc.current = s
	sc.parentTraceID = s.TraceID()
	sc.parentSpanID = s.ParentID()
	sc.sampled = s.Sampled()
	sc.spans = append(sc.spans, s)
	s.SetOwner(sc)
}

// Close records that a buffered span has finished, and moves the current
// span to the closed span's parent. That notion of "current" is best-effort:
// it is exact for strictly nested single-goroutine traces, and merely a valid
// spine under concurrent fan-out, which is all the flush algorithm needs.
//
// Closing a span that was detached from the context before the close arrived
// is a tolerated race and a no-op. Closing a span owned by a different
// context is a caller bug and panics.
func (sc *SpanContext) Close(s Span) {
	sc.mtx.Lock()
	defer sc.mtx.Unlock()

	owner := s.Owner()
	switch {
	case owner == nil:
		sbdebug.SpanLateCloseCount.Add(1)
		return
	case owner != sc:
		panic(fmt.Sprintf("spanbuf: close of span %s owned by a different context", s.ID()))
	}

	if sc.closed[s.ID()] {
		return
	}

	sc.closed[s.ID()] = true
	sc.finished++
	sc.current = s.Parent()
}

// IsComplete returns true when at least one span has been buffered and every
// buffered span has been closed. An empty context is never complete: that
// distinguishes "nothing happened yet" from "everything finished".
func (sc *SpanContext) IsComplete() bool {
	sc.mtx.Lock()
	defer sc.mtx.Unlock()

	return sc.isCompleteLocked()
}

func (sc *SpanContext) isCompleteLocked() bool {
	return sc.finished > 0 && sc.finished == len(sc.spans)
}

// Sampled returns the sampling decision inherited from the most recently
// added span.
func (sc *SpanContext) Sampled() bool {
	sc.mtx.Lock()
	defer sc.mtx.Unlock()

	return sc.sampled
}

// TraceID returns the trace id inherited from the most recently added span,
// or the zero ULID if the context is fresh.
func (sc *SpanContext) TraceID() ulid.ULID {
	sc.mtx.Lock()
	defer sc.mtx.Unlock()

	return sc.parentTraceID
}

// SpanID returns the parent span id inherited from the most recently added
// span, for distributed propagation.
func (sc *SpanContext) SpanID() ulid.ULID {
	sc.mtx.Lock()
	defer sc.mtx.Unlock()

	return sc.parentSpanID
}

// SamplingPriority returns the priority override, if one has been set.
func (sc *SpanContext) SamplingPriority() (int, bool) {
	sc.mtx.Lock()
	defer sc.mtx.Unlock()

	return sc.priority, sc.hasPriority
}

// SetSamplingPriority sets the priority override.
func (sc *SpanContext) SetSamplingPriority(p int) {
	sc.mtx.Lock()
	defer sc.mtx.Unlock()

	sc.priority, sc.hasPriority = p, true
}

// CurrentSpan returns the span considered active for parent-attachment
// purposes, or nil if nothing is in flight.
func (sc *SpanContext) CurrentSpan() Span {
	sc.mtx.Lock()
	defer sc.mtx.Unlock()

	return sc.current
}

// Len returns the number of buffered spans.
func (sc *SpanContext) Len() int {
	sc.mtx.Lock()
	defer sc.mtx.Unlock()

	return len(sc.spans)
}

// StartTime returns the start time of the first-inserted span, if any. It is
// the age reference for the staleness policy.
func (sc *SpanContext) StartTime() (time.Time, bool) {
	sc.mtx.Lock()
	defer sc.mtx.Unlock()

	if len(sc.spans) == 0 {
		return time.Time{}, false
	}
	return sc.spans[0].Started(), true
}

// ForEach applies the visitor to every buffered span, in insertion order,
// under the context mutex. The visitor must not mutate the buffer itself;
// use RemoveIf for that.
func (sc *SpanContext) ForEach(visit func(Span)) {
	sc.mtx.Lock()
	defer sc.mtx.Unlock()

	for _, s := range sc.spans {
		visit(s)
	}
}

// RemoveIf atomically removes and detaches every buffered span for which the
// predicate holds, decrementing the finished counter for each removed span
// that had been closed. This single-pass removal is the only mutation
// primitive the flush engine needs: because it runs entirely under the
// context mutex and is keyed by span identity, a concurrent add, close, or
// second flush can never double-remove or resurrect a span.
//
// It returns the removed spans, in insertion order. That return value is the
// arbiter of ownership: a span a caller did not get back here was removed by
// somebody else, and is not the caller's to emit.
func (sc *SpanContext) RemoveIf(pred func(Span) bool) Spans {
	sc.mtx.Lock()
	defer sc.mtx.Unlock()

	kept := sc.spans[:0]
	var removed Spans
	for _, s := range sc.spans {
		if !pred(s) {
			kept = append(kept, s)
			continue
		}
		if sc.closed[s.ID()] {
			delete(sc.closed, s.ID())
			sc.finished--
		}
		s.SetOwner(nil)
		removed = append(removed, s)
	}

	// Release references held by the truncated tail.
	for i := len(kept); i < len(sc.spans); i++ {
		sc.spans[i] = nil
	}
	sc.spans = kept

	return removed
}

// TakeComplete atomically captures the buffered spans and the sampling
// decision, resets the context to empty, and returns the capture, but only
// if the context is complete. Otherwise it reports nothing ready. This is
// the normal, non-partial drain path.
func (sc *SpanContext) TakeComplete() (spans Spans, sampled bool, ok bool) {
	sc.mtx.Lock()
	defer sc.mtx.Unlock()

	if !sc.isCompleteLocked() {
		return nil, false, false
	}

	spans = sc.spans
	sampled = sc.sampled
	for _, s := range spans {
		s.SetOwner(nil)
	}

	sc.resetLocked()
	sbdebug.CompleteFlushCount.Add(1)

	return spans, sampled, true
}

// resetLocked returns the context to its freshly-created state. The spans
// slice is abandoned, not truncated: a drain hands its backing array to the
// consumer.
func (sc *SpanContext) resetLocked() {
	sc.spans = nil
	clear(sc.closed)
	sc.current = nil
	sc.parentTraceID = ulid.ULID{}
	sc.parentSpanID = ulid.ULID{}
	sc.sampled = false
	sc.priority, sc.hasPriority = 0, false
	sc.finished = 0
	sbdebug.ContextResetCount.Add(1)
}
