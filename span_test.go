package spanbuf_test

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/peterbourgon/spanbuf"
)

func TestSpanIdentity(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()

	root := spanbuf.NewRootSpan("root", now, true)
	AssertFalse(t, root.ID() == ulid.ULID{})
	AssertFalse(t, root.TraceID() == ulid.ULID{})
	AssertEqual(t, ulid.ULID{}, root.ParentID())
	AssertEqual(t, nil, root.Parent())
	AssertEqual(t, "root", root.Name())
	AssertEqual(t, now, root.Started())
	AssertTrue(t, root.Sampled())
	AssertFalse(t, root.Finished())

	child := spanbuf.NewChildSpan(root, "child", now)
	AssertEqual(t, root.TraceID(), child.TraceID())
	AssertEqual(t, root.ID(), child.ParentID())
	AssertEqual(t, root, child.Parent())
	AssertTrue(t, child.Sampled())
	AssertFalse(t, child.ID() == root.ID())
}

func TestSpanRemoteChild(t *testing.T) {
	t.Parallel()

	var (
		now      = time.Now().UTC()
		traceID  = ulid.Make()
		parentID = ulid.Make()
	)

	s := spanbuf.NewRemoteChildSpan(traceID, parentID, "remote", now, false)
	AssertEqual(t, traceID, s.TraceID())
	AssertEqual(t, parentID, s.ParentID())
	AssertEqual(t, nil, s.Parent())
	AssertFalse(t, s.Sampled())
}

func TestSpanFinishOnce(t *testing.T) {
	t.Parallel()

	sc := spanbuf.NewSpanContext()
	s := spanbuf.NewRootSpan("once", time.Now().UTC(), true)
	sc.Add(s)

	s.Finish()
	AssertTrue(t, s.Finished())
	AssertTrue(t, sc.IsComplete())

	// A second finish must not double-count.
	s.Finish()
	AssertTrue(t, sc.IsComplete())
	AssertEqual(t, 1, sc.Len())
}

func TestSpanDetachedFinish(t *testing.T) {
	t.Parallel()

	sc := spanbuf.NewSpanContext()
	a := spanbuf.NewRootSpan("a", time.Now().UTC(), true)
	b := spanbuf.NewChildSpan(a, "b", time.Now().UTC())
	sc.Add(a)
	sc.Add(b)

	removed := sc.RemoveIf(func(s spanbuf.Span) bool { return s.ID() == b.ID() })
	AssertEqual(t, 1, len(removed))
	AssertEqual(t, b, removed[0])
	AssertEqual(t, nil, b.Owner())

	// Finishing a detached span must not touch the context it came from.
	b.Finish()
	AssertEqual(t, 1, sc.Len())
	AssertFalse(t, sc.IsComplete())

	a.Finish()
	AssertTrue(t, sc.IsComplete())
}
