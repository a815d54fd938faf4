// Package spanbuf provides the in-process buffer and flush engine of a
// distributed-tracing client: it accumulates the spans generated by one
// logical trace, decides when a complete trace (or a safe subset of it) is
// ready to be handed off for transmission, and bounds memory when a trace
// grows pathologically large or long-lived.
//
// The core is the pair of cooperating components that manage the buffer. A
// [SpanContext] is the thread-safe container for the spans of one in-flight
// trace, enforcing a hard span-count ceiling. A [Flusher] is a stateless
// policy object that inspects a context and extracts fully-finished subtrees
// hanging off the live spine, which is the current span and its ancestors, so
// that those subtrees can be shipped before the whole trace completes.
// Backends are expected to stitch fragments of the same trace id back
// together.
//
// The guarantees are strict: a span is emitted at most once, an unfinished
// subtree is never emitted, and a span handed to a context is either emitted
// or deliberately dropped at the hard cap, never lost by accident. The flush
// algorithm is intentionally conservative: it may delay shipping a finished
// subtree, but it never ships one that could still grow.
//
// This package does not decide sampling, serialize spans, or deliver them
// anywhere. A span provider (typically [Tracer]) creates spans and adds them
// to a context, and an emit handler receives finished traces and owns
// delivery from there.
package spanbuf
