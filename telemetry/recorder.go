// Copyright 2026 The zoomgrid Authors
// SPDX-License-Identifier: MIT

package telemetry

import "sync"

// Recorder is a Sink that retains every event in memory. It exists for
// tests and for the diagnostics endpoint of the demo server; it grows
// without bound, so it is not a production sink.
type Recorder struct {
	mu     sync.Mutex
	tiles  []TileEvent
	phases []PhaseEvent
}

// TileEvent implements Sink.
func (r *Recorder) TileEvent(ev TileEvent) {
	r.mu.Lock()
	r.tiles = append(r.tiles, ev)
	r.mu.Unlock()
}

// PhaseEvent implements Sink.
func (r *Recorder) PhaseEvent(ev PhaseEvent) {
	r.mu.Lock()
	r.phases = append(r.phases, ev)
	r.mu.Unlock()
}

// TileEvents returns a copy of all recorded tile events.
func (r *Recorder) TileEvents() []TileEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TileEvent, len(r.tiles))
	copy(out, r.tiles)
	return out
}

// PhaseEvents returns a copy of all recorded phase events.
func (r *Recorder) PhaseEvents() []PhaseEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PhaseEvent, len(r.phases))
	copy(out, r.phases)
	return out
}

// TileEventsOfKind returns recorded tile events matching kind, in order.
func (r *Recorder) TileEventsOfKind(kind Kind) []TileEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []TileEvent
	for _, ev := range r.tiles {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// Reset discards all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.tiles = nil
	r.phases = nil
	r.mu.Unlock()
}
