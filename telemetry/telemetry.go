// Copyright 2026 The zoomgrid Authors
// SPDX-License-Identifier: MIT

// Package telemetry defines the event stream emitted by the tile engine.
//
// Every observable moment in a tile's life (request, render, cache
// traffic, eviction, fallback) and every gesture phase change is reported
// as a typed event to a Sink. Emission is best effort: the engine never
// blocks on a sink and never fails an operation because a sink is slow,
// missing, or broken. Sinks that do real I/O should be wrapped in Async,
// which drops events under pressure instead of queueing without bound.
//
// Event payloads are a closed set of struct fields rather than free-form
// attribute maps, so downstream consumers can be checked statically.
package telemetry

import "time"

// Kind identifies what happened to a tile.
type Kind string

// The closed set of tile event kinds.
const (
	KindRequest        Kind = "request"
	KindRenderStart    Kind = "render-start"
	KindRenderComplete Kind = "render-complete"
	KindRenderError    Kind = "render-error"
	KindCacheStore     Kind = "cache-store"
	KindCacheHit       Kind = "cache-hit"
	KindCacheEvict     Kind = "cache-evict"
	KindFallbackUsed   Kind = "fallback-used"
	KindDrop           Kind = "drop"
	KindRetryStale     Kind = "retry-stale"
	KindRetryError     Kind = "retry-error"
	KindAbort          Kind = "abort"
)

// TileEvent describes one event in a tile's lifecycle. Kind, Time, and
// TileKey are always set; the remaining fields are populated per kind and
// zero otherwise.
type TileEvent struct {
	Kind    Kind
	Time    time.Time
	TileKey string

	// Job correlates the request, render, and integration events of one
	// render job. Empty for cache-internal events.
	Job string

	Page  int
	X, Y  int
	Scale float64
	Size  int

	// Epoch is the epoch tag of the request or retry that produced the
	// event. Zero for cache-internal events.
	Epoch uint64

	// Reason classifies evictions, drops, and retries.
	Reason string

	// Level names the cache level an eviction or hit occurred at.
	Level string

	// BytesFreed is set on evictions.
	BytesFreed int

	// Count is the number of entries affected, for aggregate evictions
	// (clears and prunes) reported as one event per level.
	Count int

	// DurationMS is set on render completions and errors.
	DurationMS float64

	// Err carries the message of a render error.
	Err string
}

// PhaseEvent describes one gesture phase transition.
type PhaseEvent struct {
	Time     time.Time
	From, To string
	Duration time.Duration
	Trigger  string
	Epoch    uint64
}

// Sink receives engine events. Implementations must be safe for
// concurrent use and must return quickly; anything slow belongs behind
// Async.
type Sink interface {
	TileEvent(ev TileEvent)
	PhaseEvent(ev PhaseEvent)
}

// Nop is a Sink that discards everything. It is the default sink wherever
// none is configured.
type Nop struct{}

// TileEvent implements Sink.
func (Nop) TileEvent(TileEvent) {}

// PhaseEvent implements Sink.
func (Nop) PhaseEvent(PhaseEvent) {}

// OrNop returns s, or Nop when s is nil. Components call it once at
// construction so emission sites never nil-check.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop{}
	}
	return s
}
