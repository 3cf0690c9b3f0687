// Package viewstate owns the gesture phase machine, the zoom commit, and
// the render epoch.
//
// Every asynchronous tile result is eventually judged against one
// question: does it still correspond to the viewport the user is looking
// at? The Tracker is the single authority answering it. It owns the
// current zoom, the gesture phase, a monotonically increasing epoch
// bumped on every committing change, and the focal point of the gesture
// in progress. Render jobs are tagged with the epoch at request time;
// when a result arrives, CheckEpoch decides whether it is current enough
// to keep, using a tolerance that widens with zoom because deep tiers
// rasterize slower and would otherwise be rejected for being slow rather
// than stale.
//
// All state is guarded by one mutex; results integrate from a single
// coordination goroutine, so the lock is contention-free in practice and
// exists so stats and probes can be read from anywhere.
package viewstate

import (
	"sync"
	"time"

	"github.com/zoomgrid/zoomgrid/camera"
	"github.com/zoomgrid/zoomgrid/scale"
	"github.com/zoomgrid/zoomgrid/telemetry"
)

// Phase is a stage of the interact-then-settle gesture cycle.
type Phase int

// The gesture phase cycle. Idle until input arrives, Active while the
// gesture stream is live, Settling once input quiets with a refresh still
// owed, Rendering while the refresh is in flight.
const (
	PhaseIdle Phase = iota
	PhaseActive
	PhaseSettling
	PhaseRendering

	phaseCount = 4
)

// String returns the phase name used in telemetry and logs.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseActive:
		return "active"
	case PhaseSettling:
		return "settling"
	case PhaseRendering:
		return "rendering"
	default:
		return "unknown"
	}
}

// DefaultVelocityThreshold is the zoom velocity, in zoom units per
// second, beyond which the committed scale steps down one tier while the
// gesture is live. Rendering a rung below target during a fast pinch
// keeps tiles arriving at gesture cadence; the scale reconverges to the
// static tier as soon as the gesture leaves the active phase.
const DefaultVelocityThreshold = 8.0

// Tracker is the zoom, phase, and epoch authority. Construct with New;
// the zero value is not usable.
type Tracker struct {
	mu          sync.Mutex
	phase       Phase
	epoch       uint64
	zoom        float64
	velocity    float64
	focal       camera.Point
	cam         camera.Snapshot
	lastZoomAt  time.Time
	phaseSince  time.Time
	timeInPhase [phaseCount]time.Duration
	transitions uint64

	caps        scale.Caps
	velocityCut float64
	sink        telemetry.Sink
	now         func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithCaps sets the scale capping configuration used to derive the
// committed scale from the committed zoom.
func WithCaps(c scale.Caps) Option {
	return func(t *Tracker) { t.caps = c }
}

// WithSink sets the telemetry sink receiving phase transition events.
func WithSink(s telemetry.Sink) Option {
	return func(t *Tracker) { t.sink = telemetry.OrNop(s) }
}

// WithClock overrides the time source. Tests use it to make phase
// durations and zoom velocity deterministic.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithVelocityThreshold overrides the zoom velocity beyond which the
// committed scale drops one tier mid-gesture. Zero disables the drop.
func WithVelocityThreshold(v float64) Option {
	return func(t *Tracker) { t.velocityCut = v }
}

// New returns an idle Tracker at zoom 1, epoch 0.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		phase:       PhaseIdle,
		zoom:        1,
		caps:        scale.DefaultCaps(),
		velocityCut: DefaultVelocityThreshold,
		sink:        telemetry.Nop{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.phaseSince = t.now()
	t.cam = camera.New(0, 0, t.zoom)
	return t
}

// OnZoomGesture commits a zoom change: updates zoom, focal point, and the
// camera snapshot, advances the epoch, and moves the phase to active.
// The zoom is clamped to the camera's supported range.
func (t *Tracker) OnZoomGesture(zoom float64, focal camera.Point, cam camera.Snapshot) {
	t.mu.Lock()
	zoom = camera.ClampZoom(zoom)
	now := t.now()
	if !t.lastZoomAt.IsZero() {
		if dt := now.Sub(t.lastZoomAt).Seconds(); dt > 0 {
			t.velocity = (zoom - t.zoom) / dt
		}
	}
	t.lastZoomAt = now
	t.zoom = zoom
	t.focal = focal
	t.cam = cam
	t.epoch++
	ev := t.transitionLocked(PhaseActive, "zoom-gesture", now)
	t.mu.Unlock()
	t.emit(ev)
}

// OnPanGesture commits a pan: updates the camera snapshot, advances the
// epoch, and moves the phase to active. Zoom and velocity are unchanged.
func (t *Tracker) OnPanGesture(cam camera.Snapshot) {
	t.mu.Lock()
	now := t.now()
	t.cam = cam
	t.epoch++
	ev := t.transitionLocked(PhaseActive, "pan-gesture", now)
	t.mu.Unlock()
	t.emit(ev)
}

// MarkSettling records that gesture input has stopped with a tile refresh
// still pending. Advances the epoch. No-op outside the active phase.
func (t *Tracker) MarkSettling() {
	t.markPhase(PhaseSettling, "gesture-quiet", PhaseActive)
}

// MarkRendering records that the settle-triggered render has been
// dispatched. Advances the epoch. Accepted from the settling phase, or
// from active when the gesture stream ends abruptly.
func (t *Tracker) MarkRendering() {
	t.markPhase(PhaseRendering, "render-dispatched", PhaseSettling, PhaseActive)
}

// MarkIdle records that the dispatched render's result has been
// integrated. Advances the epoch. Accepted from rendering, or from
// settling when the refresh was satisfied entirely from cache.
func (t *Tracker) MarkIdle() {
	t.markPhase(PhaseIdle, "result-accepted", PhaseRendering, PhaseSettling)
}

func (t *Tracker) markPhase(to Phase, trigger string, from ...Phase) {
	t.mu.Lock()
	legal := false
	for _, f := range from {
		if t.phase == f {
			legal = true
			break
		}
	}
	if !legal {
		t.mu.Unlock()
		return
	}
	t.epoch++
	ev := t.transitionLocked(to, trigger, t.now())
	t.mu.Unlock()
	t.emit(ev)
}

// transitionLocked moves the phase, accounting the time spent in the one
// being left. Returns the telemetry event to emit after unlock, or nil
// when the phase did not change.
func (t *Tracker) transitionLocked(to Phase, trigger string, now time.Time) *telemetry.PhaseEvent {
	if t.phase == to {
		return nil
	}
	dur := now.Sub(t.phaseSince)
	t.timeInPhase[t.phase] += dur
	ev := &telemetry.PhaseEvent{
		Time:     now,
		From:     t.phase.String(),
		To:       to.String(),
		Duration: dur,
		Trigger:  trigger,
		Epoch:    t.epoch,
	}
	t.phase = to
	t.phaseSince = now
	t.transitions++
	return ev
}

func (t *Tracker) emit(ev *telemetry.PhaseEvent) {
	if ev != nil {
		t.sink.PhaseEvent(*ev)
	}
}

// Epoch returns the current epoch.
func (t *Tracker) Epoch() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.epoch
}

// Phase returns the current gesture phase.
func (t *Tracker) Phase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// Zoom returns the committed zoom level.
func (t *Tracker) Zoom() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.zoom
}

// FocalPoint returns the focal point of the current or most recent
// gesture, in screen coordinates.
func (t *Tracker) FocalPoint() camera.Point {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.focal
}

// Camera returns the camera snapshot committed by the most recent
// gesture.
func (t *Tracker) Camera() camera.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cam
}

// Scale returns the committed render scale: the capped tier for the
// committed zoom, stepped down one rung while a fast zoom gesture is in
// flight. Once the gesture leaves the active phase the static tier is
// returned again.
func (t *Tracker) Scale() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	tier := t.caps.Target(t.zoom).Tier
	if t.phase == PhaseActive && t.velocityCut > 0 && abs(t.velocity) >= t.velocityCut {
		tier = scale.StepDown(tier)
	}
	return tier
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// Tolerance returns the epoch acceptance window for a zoom level. Deeper
// zooms rasterize slower, so the window widens with zoom; the result is
// always within [5, 15] no matter the input.
func Tolerance(zoom float64) int {
	switch {
	case zoom <= 4:
		return 5
	case zoom <= 16:
		return 10
	default:
		return 15
	}
}

// EpochCheck is the verdict on one tile result's epoch.
type EpochCheck struct {
	Current   uint64
	Lag       uint64
	Tolerance int
	Stale     bool
}

// CheckEpoch judges a result rendered at tileEpoch against the current
// epoch and the zoom-adaptive tolerance.
func (t *Tracker) CheckEpoch(tileEpoch uint64) EpochCheck {
	t.mu.Lock()
	defer t.mu.Unlock()
	lag := t.epoch - tileEpoch
	if tileEpoch > t.epoch {
		lag = tileEpoch - t.epoch
	}
	tol := Tolerance(t.zoom)
	return EpochCheck{
		Current:   t.epoch,
		Lag:       lag,
		Tolerance: tol,
		Stale:     lag > uint64(tol),
	}
}

// ValidateEpoch reports whether a result rendered at tileEpoch is still
// acceptable.
func (t *Tracker) ValidateEpoch(tileEpoch uint64) bool {
	return !t.CheckEpoch(tileEpoch).Stale
}

// EpochTolerance returns the acceptance window at the committed zoom.
func (t *Tracker) EpochTolerance() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Tolerance(t.zoom)
}

// Stats is a read-only projection of the tracker's state.
type Stats struct {
	Epoch       uint64
	Phase       Phase
	Zoom        float64
	Velocity    float64
	Transitions uint64

	// TimeInPhase accumulates wall time per phase, including time spent
	// in the current phase so far.
	TimeInPhase map[string]time.Duration
}

// Stats returns a snapshot of the tracker's observable state.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	per := make(map[string]time.Duration, phaseCount)
	for p := Phase(0); p < phaseCount; p++ {
		per[p.String()] = t.timeInPhase[p]
	}
	per[t.phase.String()] += t.now().Sub(t.phaseSince)
	return Stats{
		Epoch:       t.epoch,
		Phase:       t.phase,
		Zoom:        t.zoom,
		Velocity:    t.velocity,
		Transitions: t.transitions,
		TimeInPhase: per,
	}
}

// Reset returns the tracker to its initial state: idle, zoom 1, epoch 0,
// all statistics cleared. Intended for test isolation and document
// switches.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = PhaseIdle
	t.epoch = 0
	t.zoom = 1
	t.velocity = 0
	t.focal = camera.Point{}
	t.cam = camera.New(0, 0, 1)
	t.lastZoomAt = time.Time{}
	t.phaseSince = t.now()
	t.timeInPhase = [phaseCount]time.Duration{}
	t.transitions = 0
}
