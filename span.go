package spanbuf

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/peterbourgon/spanbuf/internal/sbdebug"
)

// Span is an interface describing one timed unit of work within a trace. The
// buffer only needs a narrow view of a span: its identity, its parent
// linkage, whether it has finished, and when it started. Everything else a
// span carries (name, tags, metrics, serialized form) belongs to the span
// provider and the writer, not to this package.
//
// Implementations of Span are expected to be safe for concurrent access.
type Span interface {
	// ID should return the process-unique identifier of the span.
	ID() ulid.ULID

	// TraceID should return the identifier of the trace the span belongs
	// to, shared by every span in the same tree.
	TraceID() ulid.ULID

	// ParentID should return the identifier of the parent span, or the
	// zero ULID for a root span.
	ParentID() ulid.ULID

	// Parent should return the parent span, or nil for a root span, or
	// for a span whose parent lives in another process. The link is
	// non-owning: walking it must not extend any span's lifetime.
	Parent() Span

	// Name should return the user-supplied operation name of the span.
	Name() string

	// Started should return the time the span was created, preferably
	// UTC. It is immutable after creation.
	Started() time.Time

	// Finished should return true if and only if Finish has been called.
	// The transition is monotonic: once finished, always finished.
	Finished() bool

	// Sampled should return the sampling decision inherited by the span.
	// This package records the decision but never makes it.
	Sampled() bool

	// Finish marks the span as finished, exactly once, and notifies the
	// owning context, if any. Subsequent calls are no-ops.
	Finish()

	// Owner should return the context currently holding the span, or nil
	// if the span is detached (never added, capacity-dropped, or already
	// flushed).
	Owner() *SpanContext

	// SetOwner updates the owner back-reference. It is bookkeeping for
	// [SpanContext] and span providers; user code should never call it.
	SetOwner(*SpanContext)
}

// Spans is an ordered collection of spans, in discovery order.
type Spans []Span

// IDs returns the span ids in collection order.
func (ss Spans) IDs() []ulid.ULID {
	ids := make([]ulid.ULID, len(ss))
	for i, s := range ss {
		ids[i] = s.ID()
	}
	return ids
}

//
//
//

var spanIDEntropy = ulid.DefaultEntropy()

func newID(now time.Time) ulid.ULID {
	return ulid.MustNew(ulid.Timestamp(now), spanIDEntropy)
}

// coreSpan is the default, mutable implementation of a span. Span and trace
// IDs are ULIDs, using a default monotonic source of entropy.
//
// Lock order: a context mutex may be acquired before a span mutex, never the
// other way around. Finish reads the owner under the span mutex and releases
// it before calling into the context.
type coreSpan struct {
	mtx      sync.Mutex
	id       ulid.ULID
	traceID  ulid.ULID
	parentID ulid.ULID
	parent   Span
	name     string
	start    time.Time
	sampled  bool
	finished bool
	owner    *SpanContext
	onFinish func(Span, *SpanContext)
}

var _ Span = (*coreSpan)(nil)

// NewRootSpan creates a span that starts a new trace: it is assigned a fresh
// trace id, has no parent, and carries the given sampling decision.
func NewRootSpan(name string, start time.Time, sampled bool) Span {
	sbdebug.SpanNewCount.Add(1)
	return &coreSpan{
		id:      newID(start),
		traceID: newID(start),
		name:    name,
		start:   start,
		sampled: sampled,
	}
}

// NewChildSpan creates a span under the given parent, inheriting its trace id
// and sampling decision.
func NewChildSpan(parent Span, name string, start time.Time) Span {
	sbdebug.SpanNewCount.Add(1)
	return &coreSpan{
		id:       newID(start),
		traceID:  parent.TraceID(),
		parentID: parent.ID(),
		parent:   parent,
		name:     name,
		start:    start,
		sampled:  parent.Sampled(),
	}
}

// NewRemoteChildSpan creates a span whose parent lives in another process:
// the trace and parent ids come from propagated headers, and there is no
// in-process parent span to link to.
func NewRemoteChildSpan(traceID, parentID ulid.ULID, name string, start time.Time, sampled bool) Span {
	sbdebug.SpanNewCount.Add(1)
	return &coreSpan{
		id:       newID(start),
		traceID:  traceID,
		parentID: parentID,
		name:     name,
		start:    start,
		sampled:  sampled,
	}
}

func (s *coreSpan) ID() ulid.ULID { return s.id } // immutable

func (s *coreSpan) TraceID() ulid.ULID { return s.traceID } // immutable

func (s *coreSpan) ParentID() ulid.ULID { return s.parentID } // immutable

func (s *coreSpan) Parent() Span { return s.parent } // immutable

func (s *coreSpan) Name() string { return s.name } // immutable

func (s *coreSpan) Started() time.Time { return s.start } // immutable

func (s *coreSpan) Sampled() bool { return s.sampled } // immutable

func (s *coreSpan) Finished() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.finished
}

func (s *coreSpan) Finish() {
	s.mtx.Lock()

	if s.finished {
		s.mtx.Unlock()
		return
	}

	s.finished = true
	owner := s.owner
	hook := s.onFinish

	// Release before calling into the context, per the lock order.
	s.mtx.Unlock()

	if owner != nil {
		owner.Close(s)
	}

	if hook != nil {
		hook(s, owner)
	}
}

func (s *coreSpan) Owner() *SpanContext {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.owner
}

func (s *coreSpan) SetOwner(sc *SpanContext) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.owner = sc
}
