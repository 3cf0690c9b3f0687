// Copyright 2026 The zoomgrid Authors
// SPDX-License-Identifier: MIT

package telemetry

import (
	"sync"
	"sync/atomic"
)

// AsyncStats counts deliveries through an Async sink.
type AsyncStats struct {
	Sent    uint64
	Dropped uint64
}

// Async decouples a slow sink from the emitting path. Events are handed
// to a buffered channel with a non-blocking send; when the buffer is full
// the event is dropped and counted, never queued without bound and never
// waited on. A single goroutine drains the channel into the wrapped sink.
type Async struct {
	dst  Sink
	ch   chan asyncItem
	done chan struct{}

	closeOnce sync.Once

	sent    atomic.Uint64
	dropped atomic.Uint64
}

type asyncItem struct {
	tile    TileEvent
	phase   PhaseEvent
	isPhase bool
}

// DefaultAsyncBuffer is the event buffer size used when NewAsync is given
// a non-positive one.
const DefaultAsyncBuffer = 256

// NewAsync wraps dst in an asynchronous drop-on-pressure sink and starts
// its drain goroutine. Call Close to flush and stop it.
func NewAsync(dst Sink, buffer int) *Async {
	if buffer <= 0 {
		buffer = DefaultAsyncBuffer
	}
	a := &Async{
		dst:  OrNop(dst),
		ch:   make(chan asyncItem, buffer),
		done: make(chan struct{}),
	}
	go a.drain()
	return a
}

func (a *Async) drain() {
	defer close(a.done)
	for item := range a.ch {
		if item.isPhase {
			a.dst.PhaseEvent(item.phase)
		} else {
			a.dst.TileEvent(item.tile)
		}
	}
}

func (a *Async) send(item asyncItem) {
	defer func() {
		// A send on the closed channel after Close loses the event,
		// which is within the best-effort contract.
		if recover() != nil {
			a.dropped.Add(1)
		}
	}()
	select {
	case a.ch <- item:
		a.sent.Add(1)
	default:
		a.dropped.Add(1)
	}
}

// TileEvent implements Sink.
func (a *Async) TileEvent(ev TileEvent) {
	a.send(asyncItem{tile: ev})
}

// PhaseEvent implements Sink.
func (a *Async) PhaseEvent(ev PhaseEvent) {
	a.send(asyncItem{phase: ev, isPhase: true})
}

// Stats returns the delivery counters.
func (a *Async) Stats() AsyncStats {
	return AsyncStats{
		Sent:    a.sent.Load(),
		Dropped: a.dropped.Load(),
	}
}

// Close stops accepting events, drains the buffer into the wrapped sink,
// and waits for the drain goroutine to exit.
func (a *Async) Close() {
	a.closeOnce.Do(func() {
		close(a.ch)
	})
	<-a.done
}
