// Package sbdebug provides debug counters for package spanbuf internals.
package sbdebug

import "sync/atomic"

var (
	// SpanNewCount tracks spans created.
	SpanNewCount atomic.Uint64

	// SpanDropCount tracks spans rejected by a context at its hard cap.
	SpanDropCount atomic.Uint64

	// SpanLateCloseCount tracks closes of spans that were detached from
	// their context before the close arrived.
	SpanLateCloseCount atomic.Uint64

	// SpanEmitCount tracks spans handed to emit handlers.
	SpanEmitCount atomic.Uint64

	// ContextResetCount tracks context resets after a drain.
	ContextResetCount atomic.Uint64

	// PartialFlushCount tracks subtrees extracted by partial flushes.
	PartialFlushCount atomic.Uint64

	// CompleteFlushCount tracks complete traces drained via TakeComplete.
	CompleteFlushCount atomic.Uint64

	// UnsampledDropCount tracks complete traces discarded as unsampled.
	UnsampledDropCount atomic.Uint64
)
