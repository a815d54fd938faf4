package spanbuf_test

import (
	"context"
	"sync"
	"testing"

	"github.com/oklog/ulid/v2"

	"github.com/peterbourgon/spanbuf"
)

type captureEmit struct {
	mtx    sync.Mutex
	traces []spanbuf.Spans
}

func (ce *captureEmit) emit(spans spanbuf.Spans) {
	ce.mtx.Lock()
	defer ce.mtx.Unlock()
	ce.traces = append(ce.traces, spans)
}

func (ce *captureEmit) take() []spanbuf.Spans {
	ce.mtx.Lock()
	defer ce.mtx.Unlock()
	return ce.traces
}

func TestTracerCompleteTrace(t *testing.T) {
	t.Parallel()

	var (
		ctx = context.Background()
		ce  = &captureEmit{}
		tr  = spanbuf.NewTracer(spanbuf.TracerConfig{Emit: ce.emit})
	)

	ctx, root := tr.StartSpan(ctx, "root")
	sc, ok := spanbuf.MaybeGet(ctx)
	AssertTrue(t, ok)

	childCtx, child := tr.StartSpan(ctx, "child")
	_, grandchild := tr.StartSpan(childCtx, "grandchild")

	AssertEqual(t, root.TraceID(), child.TraceID())
	AssertEqual(t, child.ID(), grandchild.ParentID())

	// Nothing emits until the whole trace finishes.
	grandchild.Finish()
	child.Finish()
	AssertEqual(t, 0, len(ce.take()))

	root.Finish()
	traces := ce.take()
	AssertEqual(t, 1, len(traces))
	AssertEqual(t, 3, len(traces[0]))

	// The context was reset for reuse on the same logical task.
	AssertEqual(t, 0, sc.Len())
	AssertFalse(t, sc.IsComplete())
}

func TestTracerPartialFlush(t *testing.T) {
	t.Parallel()

	var (
		ctx = context.Background()
		ce  = &captureEmit{}
		tr  = spanbuf.NewTracer(spanbuf.TracerConfig{
			Emit:  ce.emit,
			Flush: spanbuf.FlusherConfig{MinSpans: 1, MaxSpans: 1},
		})
	)

	ctx, root := tr.StartSpan(ctx, "root")

	// Finished subtrees ship as soon as the spine moves on to the next
	// sibling, because the soft cap is already exceeded.
	for i := 0; i < 3; i++ {
		subCtx, top := tr.StartSpan(ctx, "subtree")
		_, leaf := tr.StartSpan(subCtx, "leaf")
		leaf.Finish()
		top.Finish()
		_, spacer := tr.StartSpan(ctx, "spacer")
		spacer.Finish()
	}

	before := len(ce.take())
	if before < 3 {
		t.Fatalf("want at least 3 partial traces, have %d", before)
	}

	root.Finish()
	traces := ce.take()

	// Every started span is emitted exactly once across partial and
	// complete drains.
	seen := map[ulid.ULID]int{}
	total := 0
	for _, spans := range traces {
		for _, s := range spans {
			seen[s.ID()]++
			total++
		}
	}
	AssertEqual(t, 10, total) // root + 3×(top+leaf) + 3×spacer
	for id, count := range seen {
		if count != 1 {
			t.Errorf("span %s emitted %d times", id, count)
		}
	}
}

func TestTracerRemoteSpan(t *testing.T) {
	t.Parallel()

	var (
		ctx      = context.Background()
		ce       = &captureEmit{}
		tr       = spanbuf.NewTracer(spanbuf.TracerConfig{Emit: ce.emit})
		traceID  = ulid.Make()
		parentID = ulid.Make()
	)

	ctx, s := tr.StartRemoteSpan(ctx, "server", traceID, parentID, true)
	AssertEqual(t, traceID, s.TraceID())
	AssertEqual(t, parentID, s.ParentID())

	sc, ok := spanbuf.MaybeGet(ctx)
	AssertTrue(t, ok)
	AssertEqual(t, traceID, sc.TraceID())
	AssertEqual(t, parentID, sc.SpanID())

	_, child := tr.StartSpan(ctx, "child")
	AssertEqual(t, traceID, child.TraceID())
	AssertEqual(t, s.ID(), child.ParentID())

	child.Finish()
	s.Finish()
	AssertEqual(t, 1, len(ce.take()))
}

func TestTracerConcurrent(t *testing.T) {
	t.Parallel()

	var (
		ce = &captureEmit{}
		tr = spanbuf.NewTracer(spanbuf.TracerConfig{
			Emit:  ce.emit,
			Flush: spanbuf.FlusherConfig{MinSpans: 2, MaxSpans: 4},
		})
	)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, root := tr.StartSpan(context.Background(), "root")
			for j := 0; j < 20; j++ {
				subCtx, top := tr.StartSpan(ctx, "subtree")
				_, leaf := tr.StartSpan(subCtx, "leaf")
				leaf.Finish()
				top.Finish()
			}
			root.Finish()
		}()
	}
	wg.Wait()

	// Each goroutine runs its own trace: 8 roots and 8×20 subtrees of two
	// spans each, every span emitted exactly once.
	seen := map[ulid.ULID]int{}
	total := 0
	for _, spans := range ce.take() {
		for _, s := range spans {
			seen[s.ID()]++
			total++
		}
	}
	AssertEqual(t, 8+8*20*2, total)
	for id, count := range seen {
		if count != 1 {
			t.Errorf("span %s emitted %d times", id, count)
		}
	}
}

func TestPutGetMaybeGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	_, ok := spanbuf.MaybeGet(ctx)
	AssertFalse(t, ok)

	// Get without a bound context returns an orphan, not nil.
	orphan := spanbuf.Get(ctx)
	if orphan == nil {
		t.Fatal("want orphan context, have nil")
	}

	sc := spanbuf.NewSpanContext()
	ctx, _ = spanbuf.Put(ctx, sc)
	AssertEqual(t, sc, spanbuf.Get(ctx))

	have, ok := spanbuf.MaybeGet(ctx)
	AssertTrue(t, ok)
	AssertEqual(t, sc, have)
}
