// Copyright 2026 The zoomgrid Authors
// SPDX-License-Identifier: MIT

// Package breaker trips render fallback after repeated tile rejections.
//
// When every render for the current viewport keeps coming back stale the
// render path can spin forever: request at the target tier, reject on
// arrival, request again. The breaker counts consecutive rejections and,
// past a threshold, tells the caller to request a reduced scale tier
// instead. A lower tier renders faster, survives the epoch-tolerance
// window, and puts something on screen. One accepted result closes the
// breaker again.
//
// This is a plain consecutive-failure counter, not a time-windowed
// breaker with half-open probing. Rejections here are policy decisions,
// not transport errors, so there is nothing to probe: the next success
// is the recovery signal.
package breaker

import (
	"sync"
	"time"
)

// Reason classifies why a tile result was rejected. The breaker keeps a
// per-reason histogram for diagnostics; any Reason value is accepted.
type Reason string

const (
	// ReasonStaleEpoch marks a result whose epoch lag exceeded the
	// adaptive tolerance at integration time.
	ReasonStaleEpoch Reason = "stale-epoch"

	// ReasonScaleMismatch marks a result rendered at a tier that no
	// longer matches the committed target tier.
	ReasonScaleMismatch Reason = "scale-mismatch"

	// ReasonRenderError marks a result that failed to render at all.
	ReasonRenderError Reason = "render-error"
)

// Defaults for a breaker constructed without options.
const (
	DefaultThreshold         = 10
	DefaultFallbackReduction = 2.0
)

// Breaker counts consecutive tile-result rejections. It is tripped while
// the consecutive count is at or above the threshold; a single recorded
// success untrips it. Reason counters accumulate across trips and are
// cleared only by Reset.
//
// All methods are safe for concurrent use.
type Breaker struct {
	mu          sync.Mutex
	consecutive int
	byReason    map[Reason]uint64

	rejections uint64
	successes  uint64
	trips      uint64

	lastRejection time.Time
	lastTrip      time.Time

	threshold int
	reduction float64
	now       func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithThreshold sets the consecutive-rejection count that trips the
// breaker. Values below 1 are ignored.
func WithThreshold(n int) Option {
	return func(b *Breaker) {
		if n >= 1 {
			b.threshold = n
		}
	}
}

// WithFallbackReduction sets the scale divisor reported while tripped.
// Values at or below 1 are ignored.
func WithFallbackReduction(f float64) Option {
	return func(b *Breaker) {
		if f > 1 {
			b.reduction = f
		}
	}
}

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) Option {
	return func(b *Breaker) {
		if fn != nil {
			b.now = fn
		}
	}
}

// New creates a breaker that trips after DefaultThreshold consecutive
// rejections and reports DefaultFallbackReduction while tripped.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		byReason:  make(map[Reason]uint64),
		threshold: DefaultThreshold,
		reduction: DefaultFallbackReduction,
		now:       time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// RecordRejection records one rejected tile result. The call whose
// increment reaches the threshold is the first call after which
// IsTripped reports true.
func (b *Breaker) RecordRejection(reason Reason) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive++
	b.byReason[reason]++
	b.rejections++
	b.lastRejection = b.now()
	if b.consecutive == b.threshold {
		b.trips++
		b.lastTrip = b.lastRejection
	}
}

// RecordSuccess records one accepted tile result, resetting the
// consecutive count to zero. Reason counters are kept.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
	b.successes++
}

// IsTripped reports whether the consecutive-rejection count has reached
// the threshold.
func (b *Breaker) IsTripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutive >= b.threshold
}

// ShouldUseFallback reports whether the caller should request a reduced
// scale tier instead of retrying at the target tier. Equivalent to
// IsTripped; named for the call site.
func (b *Breaker) ShouldUseFallback() bool {
	return b.IsTripped()
}

// FallbackScaleReduction returns the divisor to apply to the desired
// scale: the configured reduction while tripped, 1 otherwise.
func (b *Breaker) FallbackScaleReduction() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.consecutive >= b.threshold {
		return b.reduction
	}
	return 1
}

// State is a point-in-time projection of the breaker. Mutating it has no
// effect on the breaker.
type State struct {
	Tripped             bool
	ConsecutiveFailures int
	Threshold           int
}

// Stats extends State with lifetime counters and the rejection
// histogram. The histogram is a copy.
type Stats struct {
	State
	TotalRejections uint64
	TotalSuccesses  uint64
	Trips           uint64
	ByReason        map[Reason]uint64
	LastRejection   time.Time
	LastTrip        time.Time
}

// State returns the current trip status, consecutive count and
// threshold.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

// Stats returns the full diagnostic projection.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	byReason := make(map[Reason]uint64, len(b.byReason))
	for r, n := range b.byReason {
		byReason[r] = n
	}
	return Stats{
		State:           b.stateLocked(),
		TotalRejections: b.rejections,
		TotalSuccesses:  b.successes,
		Trips:           b.trips,
		ByReason:        byReason,
		LastRejection:   b.lastRejection,
		LastTrip:        b.lastTrip,
	}
}

func (b *Breaker) stateLocked() State {
	return State{
		Tripped:             b.consecutive >= b.threshold,
		ConsecutiveFailures: b.consecutive,
		Threshold:           b.threshold,
	}
}

// Reset returns the breaker to its initial state, clearing the
// consecutive count, lifetime counters and the reason histogram.
// Configuration is kept.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
	b.byReason = make(map[Reason]uint64)
	b.rejections = 0
	b.successes = 0
	b.trips = 0
	b.lastRejection = time.Time{}
	b.lastTrip = time.Time{}
}
