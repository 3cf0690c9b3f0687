// Copyright 2026 The zoomgrid Authors
// SPDX-License-Identifier: MIT

package telemetry

import "log/slog"

// Fanout delivers every event to each of its sinks in order. Nil sinks
// are skipped at construction.
type Fanout struct {
	sinks []Sink
}

// NewFanout builds a fanout over the given sinks.
func NewFanout(sinks ...Sink) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// TileEvent implements Sink.
func (f *Fanout) TileEvent(ev TileEvent) {
	for _, s := range f.sinks {
		s.TileEvent(ev)
	}
}

// PhaseEvent implements Sink.
func (f *Fanout) PhaseEvent(ev PhaseEvent) {
	for _, s := range f.sinks {
		s.PhaseEvent(ev)
	}
}

// SlogSink logs every event at debug level. Useful during development;
// too chatty for production gesture streams.
type SlogSink struct {
	Logger *slog.Logger
}

func (s SlogSink) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// TileEvent implements Sink.
func (s SlogSink) TileEvent(ev TileEvent) {
	s.logger().Debug("tile event",
		"kind", string(ev.Kind),
		"key", ev.TileKey,
		"page", ev.Page,
		"scale", ev.Scale,
		"reason", ev.Reason,
		"level", ev.Level,
	)
}

// PhaseEvent implements Sink.
func (s SlogSink) PhaseEvent(ev PhaseEvent) {
	s.logger().Debug("phase transition",
		"from", ev.From,
		"to", ev.To,
		"duration", ev.Duration,
		"trigger", ev.Trigger,
		"epoch", ev.Epoch,
	)
}
