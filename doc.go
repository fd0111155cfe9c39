// Package tracekit manages the lifecycle of independent, concurrently-readable
// trace sessions inside an event-tracing subsystem: defining a session,
// attaching an output backend, configuring per-channel buffering, allocating
// buffers, and toggling capture on and off, all while event producers may be
// concurrently emitting records into already-allocated buffers without any
// per-event locking.
//
// The central type is the [Registry], which owns two collections of named
// sessions — pending (created, configurable, no buffers) and active (buffers
// allocated, capture may be on or off) — guarded by a single lock for all
// writers. The event-emission hot path never takes that lock: the active
// collection is published as a copy-on-write snapshot swapped atomically, and
// a session is unlinked and a grace period waited out before anything it owns
// is reclaimed, so readers never observe a half-constructed or freed session.
//
// Storage engines, output transports, event filters, and state-dump producers
// are pluggable collaborators consumed through narrow contracts: [Transport],
// [BufferEngine], and the capability slots of [Extensions]. The tkmem, tkfile,
// and tkrelay subpackages provide in-memory, file, and streaming-relay
// transports respectively; tkweb exposes the control surface over HTTP; and
// cmd/tracekit wraps everything in a CLI.
package tracekit
