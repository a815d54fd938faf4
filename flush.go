package spanbuf

import (
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zoobzio/clockz"

	"github.com/peterbourgon/spanbuf/internal/sbdebug"
)

//
//
//

const (
	// DefaultFlushMinSpans is the minimum buffered-span count required
	// before a timeout-triggered partial flush is considered. It protects
	// short traces from being sliced.
	DefaultFlushMinSpans = 500

	// DefaultFlushMaxSpans is the span count above which a partial flush
	// is attempted regardless of trace age. This is the soft cap; the hard
	// cap lives on the context.
	DefaultFlushMaxSpans = 5_000

	// DefaultFlushTimeout is the maximum trace age tolerated before a
	// partial flush is attempted even under the soft cap. Age is measured
	// from the first buffered span's start time.
	DefaultFlushTimeout = 5 * time.Second
)

// FlusherConfig collects the policy knobs for a Flusher. The zero value of
// each field means the corresponding default.
type FlusherConfig struct {
	// MinSpans below which MaybeFlush does nothing. Default
	// DefaultFlushMinSpans.
	MinSpans int

	// MaxSpans at or above which MaybeFlush attempts extraction
	// regardless of age. Default DefaultFlushMaxSpans.
	MaxSpans int

	// Timeout is the staleness threshold. Default DefaultFlushTimeout.
	Timeout time.Duration

	// Clock supplies wall-clock time for the staleness check. Default
	// clockz.RealClock.
	Clock clockz.Clock
}

func (cfg *FlusherConfig) sanitize() {
	if cfg.MinSpans <= 0 {
		cfg.MinSpans = DefaultFlushMinSpans
	}
	if cfg.MaxSpans <= 0 {
		cfg.MaxSpans = DefaultFlushMaxSpans
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultFlushTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clockz.RealClock
	}
}

//
//
//

// Flusher decides whether any strict subtree of an in-flight trace is both
// fully finished and safe to detach from the live spine, and if so extracts
// it as an independent ready-to-ship trace. A Flusher holds configuration
// only, no per-trace state; one instance can serve any number of contexts
// concurrently.
type Flusher struct {
	minSpans int
	maxSpans int
	timeout  time.Duration
	clock    clockz.Clock
}

// NewFlusher creates a Flusher with the given config.
func NewFlusher(cfg FlusherConfig) *Flusher {
	cfg.sanitize()
	return &Flusher{
		minSpans: cfg.MinSpans,
		maxSpans: cfg.MaxSpans,
		timeout:  cfg.Timeout,
		clock:    cfg.Clock,
	}
}

// Subtree is a candidate extraction result: the id of a local root hanging
// off the live spine, and every buffered span beneath it, in insertion
// order.
type Subtree struct {
	Root  ulid.ULID
	Spans Spans
}

// Candidates computes the subtrees of the context that are fully finished
// and safe to detach, without removing anything. It returns the surviving
// subtrees in the order their local roots were discovered, plus the live
// spine as a set of span ids, which is useful for diagnostics.
//
// The computation takes two passes over the buffer, each atomic on its own
// but not atomic as a whole: the current span may move between them. The
// only possible effect is a stale, larger spine, which makes the result more
// conservative, never incorrect.
func (f *Flusher) Candidates(sc *SpanContext) ([]Subtree, map[ulid.ULID]bool) {
	cur := sc.CurrentSpan()
	if cur == nil {
		return nil, nil
	}

	// The live spine: the current span and all of its ancestors. Spans on
	// it are still structurally relevant to whatever is executing, and
	// may yet gain children, so they must never be flushed independently.
	marked := map[ulid.ULID]bool{}
	for s := cur; s != nil; s = s.Parent() {
		marked[s.ID()] = true
	}

	// Pass 1: a span is a candidate local root iff it is not on the spine
	// but its parent is. Such a span is the topmost node of a subtree
	// hanging off the spine.
	var (
		roots     []ulid.ULID
		rootIndex = map[ulid.ULID]int{}
	)
	sc.ForEach(func(s Span) {
		id := s.ID()
		if marked[id] {
			return
		}
		if !marked[s.ParentID()] {
			return
		}
		if _, ok := rootIndex[id]; !ok {
			rootIndex[id] = len(roots)
			roots = append(roots, id)
		}
	})
	if len(roots) == 0 {
		return nil, marked
	}

	// Pass 2: attribute every span to the root buckets whose ids appear
	// in its ancestor chain, after trimming spine ids out of that chain.
	// Buckets are disjoint subtrees, so in practice a span lands in at
	// most one. A bucket with any unfinished member is discarded whole:
	// no partial emission of an incomplete subtree, ever.
	var (
		buckets    = make([]Spans, len(roots))
		unfinished = make([]bool, len(roots))
	)
	sc.ForEach(func(s Span) {
		for a := s; a != nil; a = a.Parent() {
			id := a.ID()
			if marked[id] {
				continue
			}
			idx, ok := rootIndex[id]
			if !ok {
				continue
			}
			buckets[idx] = append(buckets[idx], s)
			if !s.Finished() {
				unfinished[idx] = true
			}
		}
	})

	subtrees := make([]Subtree, 0, len(roots))
	for i, root := range roots {
		if unfinished[i] {
			continue
		}
		subtrees = append(subtrees, Subtree{Root: root, Spans: buckets[i]})
	}

	return subtrees, marked
}

// Extract runs Candidates and atomically strips every surviving subtree out
// of the context in a single RemoveIf pass, returning the extracted traces
// in root-discovery order. Removal is keyed by span identity, not value:
// a span's mutable state may be concurrently altered by whoever finishes it,
// but its id is stable, and identity keying is what makes double-flush
// impossible.
//
// The returned traces are built only from the spans this call's RemoveIf
// actually took out of the context. Two extractions may race to the same
// candidates, but RemoveIf is the single arbiter of ownership: whichever
// call removed a span emits it, and the loser's bucket comes back empty.
func (f *Flusher) Extract(sc *SpanContext) []Spans {
	subtrees, _ := f.Candidates(sc)
	if len(subtrees) == 0 {
		return nil
	}

	member := map[ulid.ULID]bool{}
	for _, st := range subtrees {
		for _, s := range st.Spans {
			member[s.ID()] = true
		}
	}

	removed := sc.RemoveIf(func(s Span) bool {
		return member[s.ID()]
	})
	if len(removed) == 0 {
		return nil
	}

	taken := map[ulid.ULID]bool{}
	for _, s := range removed {
		taken[s.ID()] = true
	}

	traces := make([]Spans, 0, len(subtrees))
	for _, st := range subtrees {
		var spans Spans
		for _, s := range st.Spans {
			if taken[s.ID()] {
				spans = append(spans, s)
			}
		}
		if len(spans) > 0 {
			traces = append(traces, spans)
		}
	}

	sbdebug.PartialFlushCount.Add(uint64(len(traces)))

	return traces
}

// MaybeFlush is the externally-invoked entry point, gated by policy. Too few
// spans, and it does nothing. Between the minimum and the soft cap, it does
// nothing unless the trace is older than the timeout. Otherwise it extracts
// whatever subtrees are ready and hands each one to emit, sequentially, in
// extraction order. It returns the number of traces emitted.
func (f *Flusher) MaybeFlush(sc *SpanContext, emit func(Spans)) int {
	n := sc.Len()
	if n < f.minSpans {
		return 0
	}
	if n < f.maxSpans {
		start, ok := sc.StartTime()
		if !ok || f.clock.Now().Sub(start) <= f.timeout {
			return 0
		}
	}

	traces := f.Extract(sc)
	for _, spans := range traces {
		if emit != nil {
			emit(spans)
			sbdebug.SpanEmitCount.Add(uint64(len(spans)))
		}
	}

	return len(traces)
}
