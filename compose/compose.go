// Copyright 2026 The zoomgrid Authors
// SPDX-License-Identifier: MIT

// Package compose coordinates tile render jobs against the zoom, cache,
// and breaker authorities.
//
// The Coordinator is the render path's caller-facing surface. A fetch
// first consults the cache; on a miss it schedules a render job tagged
// with the epoch and camera snapshot of the moment it was requested.
// Jobs run on a worker pool, but every completion funnels through one
// integration goroutine, so accept/reject decisions, cache admission,
// and breaker updates happen on a single logical timeline no matter
// which worker finished first or in what order.
//
// A completed render is integrated in completion order, not issue
// order. It is accepted only if its epoch tag is still within the
// zoom-adaptive tolerance and its scale tier still matches the
// committed target; anything else is rejected, counted by the breaker,
// and retried with a fresh tag. There is no explicit cancellation of
// in-flight renders; a stale result is simply rejected when it arrives.
// Once the breaker trips, retries and new fetches step down to a
// cheaper tier so the viewport keeps making visual progress.
package compose

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zoomgrid/zoomgrid/breaker"
	"github.com/zoomgrid/zoomgrid/camera"
	"github.com/zoomgrid/zoomgrid/render"
	"github.com/zoomgrid/zoomgrid/scale"
	"github.com/zoomgrid/zoomgrid/telemetry"
	"github.com/zoomgrid/zoomgrid/tilecache"
	"github.com/zoomgrid/zoomgrid/viewstate"
)

var (
	// ErrClosed is returned by fetches issued or resolved after Close.
	ErrClosed = errors.New("compose: coordinator closed")

	// ErrStale marks a result superseded by viewport changes before it
	// could be integrated.
	ErrStale = errors.New("compose: result superseded before integration")
)

// DefaultMaxAttempts bounds how many times one tile is rendered before
// its fetch fails: the first attempt plus two retries.
const DefaultMaxAttempts = 3

// DefaultSettleDelay is the quiet period after the last committed
// gesture before the settle refresh fires.
const DefaultSettleDelay = 120 * time.Millisecond

// Placement says how one fetched tile relates to the viewport that
// requested it.
type Placement struct {
	// Tile is the identity the data is cached under.
	Tile tilecache.ID

	// Camera is the viewport snapshot at request time. Tiles are placed
	// against it, not against whatever the live camera has become.
	Camera camera.Snapshot

	// Epoch the tile was judged current against.
	Epoch uint64

	// CSSStretch is the factor by which the tile must be visually
	// scaled to match the exact target scale of the requesting zoom.
	CSSStretch float64

	// Fallback is set when the tile was served below the target tier
	// because the breaker was tripped.
	Fallback bool

	// FromCache is set when no render was needed.
	FromCache bool
}

type job struct {
	uid      string
	id       tilecache.ID
	epoch    uint64
	gen      uint64
	cam      camera.Snapshot
	zoom     float64
	attempts int
	fixed    bool
	fallback bool
	waiters  []chan outcome
}

type outcome struct {
	data tilecache.Data
	pl   Placement
	err  error
}

type completion struct {
	j       *job
	res     *render.Result
	err     error
	elapsed time.Duration
}

// Coordinator schedules tile renders and integrates their results.
// Construct with New; the zero value is not usable.
type Coordinator struct {
	tracker  *viewstate.Tracker
	cache    *tilecache.Cache
	brk      *breaker.Breaker
	renderer render.Renderer

	caps        scale.Caps
	tileSize    int
	maxAttempts int
	workers     int
	settleDelay time.Duration
	sink        telemetry.Sink

	// gen is the render generation. Mode switches and document switches
	// bump it; a result tagged with an older generation was rendered
	// against content that no longer exists and must not be cached.
	mu       sync.Mutex
	inflight map[tilecache.ID]*job
	mode     render.Mode
	gen      uint64
	genCause string

	tmu         sync.Mutex
	settleTimer *time.Timer

	pool        *workerPool
	completions chan completion
	done        chan struct{}
	loopDone    chan struct{}
	running     atomic.Bool
	ctx         context.Context
	cancel      context.CancelFunc

	scheduled   atomic.Uint64
	coalesced   atomic.Uint64
	accepted    atomic.Uint64
	staleRej    atomic.Uint64
	scaleRej    atomic.Uint64
	invalidated atomic.Uint64
	renderErr   atomic.Uint64
	retries     atomic.Uint64
	dropped     atomic.Uint64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithWorkers sets the render worker count. Zero or negative means
// GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(c *Coordinator) { c.workers = n }
}

// WithTileSize sets the tile edge length in device pixels.
func WithTileSize(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.tileSize = n
		}
	}
}

// WithCaps sets the scale capping configuration used for stretch math.
// It should match the tracker's caps.
func WithCaps(caps scale.Caps) Option {
	return func(c *Coordinator) { c.caps = caps }
}

// WithMaxAttempts bounds renders per tile fetch. Values below 1 are
// ignored.
func WithMaxAttempts(n int) Option {
	return func(c *Coordinator) {
		if n >= 1 {
			c.maxAttempts = n
		}
	}
}

// WithSink sets the telemetry sink receiving tile lifecycle events.
func WithSink(s telemetry.Sink) Option {
	return func(c *Coordinator) { c.sink = telemetry.OrNop(s) }
}

// WithSettleDelay sets the gesture quiet period that triggers the
// settle refresh. Values of zero or below are ignored.
func WithSettleDelay(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.settleDelay = d
		}
	}
}

// New creates a running Coordinator. Callers own the tracker, cache,
// breaker, and renderer and may share them with other components; the
// coordinator never constructs its own.
func New(tracker *viewstate.Tracker, cache *tilecache.Cache, brk *breaker.Breaker, renderer render.Renderer, opts ...Option) *Coordinator {
	c := &Coordinator{
		tracker:     tracker,
		cache:       cache,
		brk:         brk,
		renderer:    renderer,
		caps:        scale.DefaultCaps(),
		tileSize:    scale.DefaultTileSize,
		maxAttempts: DefaultMaxAttempts,
		settleDelay: DefaultSettleDelay,
		sink:        telemetry.Nop{},
		inflight:    make(map[tilecache.ID]*job),
		done:        make(chan struct{}),
		loopDone:    make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.completions = make(chan completion, 64)
	c.pool = newWorkerPool(c.workers, c.renderJob)
	c.running.Store(true)
	go c.run()
	return c
}

// Fetch returns the tile at the committed target scale, rendering it if
// absent. Duplicate in-flight fetches for one identity share a single
// render. Blocks until the tile integrates, ctx is canceled, or the
// coordinator closes.
func (c *Coordinator) Fetch(ctx context.Context, page, x, y int) (tilecache.Data, Placement, error) {
	tier := c.tracker.Scale()
	fallback := false
	if c.brk.ShouldUseFallback() {
		if red := c.brk.FallbackScaleReduction(); red > 1 {
			tier = scale.ForCacheKey(tier / red)
			fallback = true
		}
	}
	id := tilecache.NewID(page, x, y, tier, c.tileSize)
	if fallback {
		c.emitFallback(id)
	}
	return c.fetch(ctx, id, false, fallback)
}

// FetchTier returns the tile at an explicit raw scale, quantized to the
// ladder. Used by callers that address tiles by tier directly; the
// result is still epoch-checked at integration time, but it is exempt
// from scale reconvergence and breaker fallback, which only apply to
// fetches that track the committed zoom.
func (c *Coordinator) FetchTier(ctx context.Context, page, x, y int, rawScale float64) (tilecache.Data, Placement, error) {
	return c.fetch(ctx, tilecache.NewID(page, x, y, rawScale, c.tileSize), true, false)
}

func (c *Coordinator) fetch(ctx context.Context, id tilecache.ID, fixed, fallback bool) (tilecache.Data, Placement, error) {
	if !c.running.Load() {
		return tilecache.Data{}, Placement{}, ErrClosed
	}
	if data, ok := c.cache.GetData(id); ok {
		pl := c.placement(id, c.tracker.Camera(), c.tracker.Zoom(), c.tracker.Epoch(), fallback, true)
		return data, pl, nil
	}

	ch := make(chan outcome, 1)
	c.mu.Lock()
	if j, ok := c.inflight[id]; ok {
		j.waiters = append(j.waiters, ch)
		c.mu.Unlock()
		c.coalesced.Add(1)
	} else {
		j := c.newJob(id, fixed, fallback)
		j.waiters = append(j.waiters, ch)
		c.inflight[id] = j
		c.mu.Unlock()
		c.dispatch(j)
	}

	select {
	case out := <-ch:
		return out.data, out.pl, out.err
	case <-ctx.Done():
		return tilecache.Data{}, Placement{}, ctx.Err()
	case <-c.done:
		return tilecache.Data{}, Placement{}, ErrClosed
	}
}

// Refresh schedules renders for every tile visible in vp that is
// missing from the cache, without waiting for any of them. Returns the
// number of renders scheduled. When everything visible was already
// cached, the pending settle is marked complete.
func (c *Coordinator) Refresh(page int, vp camera.Viewport) int {
	if !c.running.Load() {
		return 0
	}
	tier := c.tracker.Scale()
	fallback := false
	if c.brk.ShouldUseFallback() {
		if red := c.brk.FallbackScaleReduction(); red > 1 {
			tier = scale.ForCacheKey(tier / red)
			fallback = true
		}
	}

	cam := c.tracker.Camera()
	rng := cam.VisibleTiles(vp, tier, c.tileSize)
	scheduled := 0
	for row := rng.MinRow; row <= rng.MaxRow; row++ {
		for col := rng.MinCol; col <= rng.MaxCol; col++ {
			id := tilecache.NewID(page, col, row, tier, c.tileSize)
			if c.cache.Has(id) {
				continue
			}
			c.mu.Lock()
			if _, ok := c.inflight[id]; ok {
				c.mu.Unlock()
				continue
			}
			j := c.newJob(id, false, fallback)
			c.inflight[id] = j
			c.mu.Unlock()
			c.dispatch(j)
			if fallback {
				c.emitFallback(id)
			}
			scheduled++
		}
	}

	if scheduled > 0 {
		c.tracker.MarkRendering()
	} else if !rng.Empty() {
		c.tracker.MarkIdle()
	}
	return scheduled
}

// GestureCommitted (re)arms the settle cycle after a committed gesture.
// Once no further gesture arrives for the settle delay, the tracker
// moves to settling and a refresh for the given page and viewport is
// scheduled.
func (c *Coordinator) GestureCommitted(page int, vp camera.Viewport) {
	if !c.running.Load() {
		return
	}
	c.tmu.Lock()
	defer c.tmu.Unlock()
	if c.settleTimer != nil {
		c.settleTimer.Stop()
	}
	c.settleTimer = time.AfterFunc(c.settleDelay, func() {
		if !c.running.Load() {
			return
		}
		c.tracker.MarkSettling()
		c.Refresh(page, vp)
	})
}

// SetRenderMode switches the renderer's fidelity mode. Tiles rendered
// under the old mode cannot mix with new ones, so the cache is cleared
// with reason mode-transition and results still in flight are retried
// instead of integrated. No-op when the mode is unchanged.
func (c *Coordinator) SetRenderMode(m render.Mode) {
	c.mu.Lock()
	if c.mode == m {
		c.mu.Unlock()
		return
	}
	c.mode = m
	c.gen++
	c.genCause = "mode-transition"
	c.mu.Unlock()

	if ms, ok := c.renderer.(render.ModeSetter); ok {
		ms.SetMode(m)
	}
	c.cache.Clear(tilecache.EvictModeTransition)
}

// DocumentSwitched invalidates everything derived from the previous
// document: the cache is cleared with reason document-switch and
// results still in flight are re-rendered against the new document
// rather than integrated. Call after the renderer has been pointed at
// the new document.
func (c *Coordinator) DocumentSwitched() {
	c.mu.Lock()
	c.gen++
	c.genCause = "document-switch"
	c.mu.Unlock()
	c.cache.Clear(tilecache.EvictDocumentSwitch)
}

// RenderMode returns the current fidelity mode.
func (c *Coordinator) RenderMode() render.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// InFlight returns the number of distinct tile identities currently
// being rendered.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// Stats is a snapshot of the coordinator's counters.
type Stats struct {
	InFlight      int
	Scheduled     uint64
	Coalesced     uint64
	Accepted      uint64
	RejectedStale uint64
	RejectedScale uint64

	// Invalidated counts results rejected because the render mode or
	// the document changed while they were in flight.
	Invalidated uint64

	RenderErrors uint64
	Retries      uint64
	Dropped      uint64
}

// Stats returns a snapshot of the coordinator's counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		InFlight:      c.InFlight(),
		Scheduled:     c.scheduled.Load(),
		Coalesced:     c.coalesced.Load(),
		Accepted:      c.accepted.Load(),
		RejectedStale: c.staleRej.Load(),
		RejectedScale: c.scaleRej.Load(),
		Invalidated:   c.invalidated.Load(),
		RenderErrors:  c.renderErr.Load(),
		Retries:       c.retries.Load(),
		Dropped:       c.dropped.Load(),
	}
}

// Close stops the coordinator. In-flight renders are canceled, queued
// jobs are discarded, and every waiting fetch is unblocked with
// ErrClosed. Safe to call multiple times.
func (c *Coordinator) Close() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	c.tmu.Lock()
	if c.settleTimer != nil {
		c.settleTimer.Stop()
	}
	c.tmu.Unlock()
	c.cancel()
	close(c.done)
	c.pool.close()
	<-c.loopDone
}

// newJob tags a job with the request moment's epoch, camera, zoom, and
// render generation. Callers hold c.mu.
func (c *Coordinator) newJob(id tilecache.ID, fixed, fallback bool) *job {
	return &job{
		uid:      uuid.NewString(),
		id:       id,
		epoch:    c.tracker.Epoch(),
		gen:      c.gen,
		cam:      c.tracker.Camera(),
		zoom:     c.tracker.Zoom(),
		fixed:    fixed,
		fallback: fallback,
	}
}

// dispatch hands a job to the pool. Called for the first attempt and
// for every retry; only the first attempt announces the request.
func (c *Coordinator) dispatch(j *job) {
	j.attempts++
	c.scheduled.Add(1)
	if j.attempts == 1 {
		c.sink.TileEvent(c.event(telemetry.KindRequest, j))
	}
	c.pool.submit(j)
}

// renderJob runs on a pool worker.
func (c *Coordinator) renderJob(j *job) {
	c.sink.TileEvent(c.event(telemetry.KindRenderStart, j))
	start := time.Now()
	res, err := c.renderer.RenderTile(c.ctx, j.id)
	comp := completion{j: j, res: res, err: err, elapsed: time.Since(start)}
	select {
	case c.completions <- comp:
	case <-c.done:
	}
}

// run is the single integration timeline.
func (c *Coordinator) run() {
	defer close(c.loopDone)
	for {
		select {
		case comp := <-c.completions:
			c.integrate(comp)
		case <-c.done:
			c.abortInFlight()
			return
		}
	}
}

// integrate judges one completed render. Runs only on the integration
// goroutine.
func (c *Coordinator) integrate(comp completion) {
	j := comp.j
	if !c.running.Load() {
		// A completion that arrives after Close is aborted, not judged.
		c.abortJob(j)
		return
	}
	ms := float64(comp.elapsed) / float64(time.Millisecond)

	if comp.err != nil {
		c.renderErr.Add(1)
		ev := c.event(telemetry.KindRenderError, j)
		ev.DurationMS = ms
		ev.Err = comp.err.Error()
		c.sink.TileEvent(ev)
		c.brk.RecordRejection(breaker.ReasonRenderError)
		c.retryOrDrop(j, telemetry.KindRetryError, "render-error", comp.err)
		return
	}

	ev := c.event(telemetry.KindRenderComplete, j)
	ev.DurationMS = ms
	c.sink.TileEvent(ev)

	// A result rendered under a superseded generation must not enter
	// the cleared cache. The identity is still valid, so it is retried
	// and re-rendered against the current mode and document; the
	// breaker is not fed, since the switch was a caller action.
	c.mu.Lock()
	gen, cause := c.gen, c.genCause
	c.mu.Unlock()
	if j.gen != gen {
		c.invalidated.Add(1)
		c.retryOrDrop(j, telemetry.KindRetryStale, cause, ErrStale)
		return
	}

	chk := c.tracker.CheckEpoch(j.epoch)
	if chk.Stale {
		c.staleRej.Add(1)
		c.brk.RecordRejection(breaker.ReasonStaleEpoch)
		c.retryOrDrop(j, telemetry.KindRetryStale, "stale-epoch", ErrStale)
		return
	}
	// Tile coordinates are tier-relative, so a result for a superseded
	// tier cannot be retried: the same (x, y) at the new tier names a
	// different canvas region. Drop it; the next refresh at the new
	// zoom requests the right tiles.
	if !j.fixed && !j.fallback {
		if current := c.tracker.Scale(); current != j.id.ScaleTier {
			c.scaleRej.Add(1)
			c.brk.RecordRejection(breaker.ReasonScaleMismatch)
			c.drop(j, "scale-mismatch", ErrStale)
			return
		}
	}

	data := comp.res.Data()
	if err := c.cache.Set(j.id, data); err != nil {
		// The cache already emitted and counted the integrity drop.
		c.renderErr.Add(1)
		c.brk.RecordRejection(breaker.ReasonRenderError)
		c.retryOrDrop(j, telemetry.KindRetryError, "integrity", err)
		return
	}

	c.accepted.Add(1)
	c.brk.RecordSuccess()
	pl := c.placement(j.id, j.cam, j.zoom, chk.Current, j.fallback, false)
	c.finish(j, outcome{data: data, pl: pl})
	c.settleIfDrained()
}

// settleIfDrained completes the settle cycle once the last in-flight
// render has integrated. The phase no-ops unless a render cycle was
// actually pending.
func (c *Coordinator) settleIfDrained() {
	if c.InFlight() == 0 {
		c.tracker.MarkIdle()
	}
}

// drop fails a job: the waiters get an error, the tile stays absent.
func (c *Coordinator) drop(j *job, reason string, cause error) {
	c.dropped.Add(1)
	ev := c.event(telemetry.KindDrop, j)
	ev.Reason = reason
	c.sink.TileEvent(ev)
	c.finish(j, outcome{err: fmt.Errorf("compose: tile %s dropped after %d attempts (%s): %w", j.id.Key(), j.attempts, reason, cause)})
	c.settleIfDrained()
}

// retryOrDrop re-dispatches a rejected job with a fresh epoch tag, or
// fails it once the attempt budget is spent. A retry issued while the
// breaker is tripped steps down to a cheaper tier; the reduced tile
// covers a superset of the original's canvas region, so it remains
// displayable where the original was needed.
func (c *Coordinator) retryOrDrop(j *job, kind telemetry.Kind, reason string, cause error) {
	if j.attempts >= c.maxAttempts || !c.running.Load() {
		c.drop(j, reason, cause)
		return
	}

	c.retries.Add(1)
	ev := c.event(kind, j)
	ev.Reason = reason
	c.sink.TileEvent(ev)

	id := j.id
	if !j.fixed && c.brk.ShouldUseFallback() {
		if red := c.brk.FallbackScaleReduction(); red > 1 {
			if reduced := tilecache.NewID(id.Page, id.X, id.Y, id.ScaleTier/red, id.Size); reduced != id {
				id = reduced
			}
		}
	}

	c.mu.Lock()
	j.gen = c.gen
	c.mu.Unlock()
	j.epoch = c.tracker.Epoch()
	j.cam = c.tracker.Camera()
	j.zoom = c.tracker.Zoom()

	if id != j.id {
		if c.rekey(j, id) {
			return
		}
		c.emitFallback(id)
	}
	c.dispatch(j)
}

// rekey moves a job to a reduced identity. Returns true when the job was
// resolved without a new dispatch: merged into a job already rendering
// the reduced tile, or satisfied from cache.
func (c *Coordinator) rekey(j *job, id tilecache.ID) bool {
	c.mu.Lock()
	delete(c.inflight, j.id)
	if existing, ok := c.inflight[id]; ok {
		existing.waiters = append(existing.waiters, j.waiters...)
		j.waiters = nil
		c.mu.Unlock()
		c.coalesced.Add(1)
		return true
	}
	j.id = id
	j.fallback = true
	c.inflight[id] = j
	c.mu.Unlock()

	if data, ok := c.cache.GetData(id); ok {
		c.emitFallback(id)
		pl := c.placement(id, j.cam, j.zoom, j.epoch, true, true)
		c.finish(j, outcome{data: data, pl: pl})
		c.settleIfDrained()
		return true
	}
	return false
}

// finish removes the job from the in-flight registry and resolves its
// waiters.
func (c *Coordinator) finish(j *job, out outcome) {
	c.mu.Lock()
	delete(c.inflight, j.id)
	waiters := j.waiters
	j.waiters = nil
	c.mu.Unlock()
	for _, ch := range waiters {
		ch <- out
	}
}

func (c *Coordinator) abortJob(j *job) {
	c.sink.TileEvent(c.event(telemetry.KindAbort, j))
	c.finish(j, outcome{err: ErrClosed})
}

func (c *Coordinator) abortInFlight() {
	c.mu.Lock()
	jobs := make([]*job, 0, len(c.inflight))
	for _, j := range c.inflight {
		jobs = append(jobs, j)
	}
	c.inflight = make(map[tilecache.ID]*job)
	c.mu.Unlock()

	for _, j := range jobs {
		c.sink.TileEvent(c.event(telemetry.KindAbort, j))
		for _, ch := range j.waiters {
			ch <- outcome{err: ErrClosed}
		}
	}
}

func (c *Coordinator) placement(id tilecache.ID, cam camera.Snapshot, zoom float64, epoch uint64, fallback, fromCache bool) Placement {
	stretch := 1.0
	if id.ScaleTier > 0 {
		stretch = scale.Exact(zoom, c.caps.PixelRatio) / id.ScaleTier
	}
	return Placement{
		Tile:       id,
		Camera:     cam,
		Epoch:      epoch,
		CSSStretch: stretch,
		Fallback:   fallback,
		FromCache:  fromCache,
	}
}

func (c *Coordinator) event(kind telemetry.Kind, j *job) telemetry.TileEvent {
	return telemetry.TileEvent{
		Kind:    kind,
		Time:    time.Now(),
		TileKey: j.id.Key(),
		Job:     j.uid,
		Page:    j.id.Page,
		X:       j.id.X,
		Y:       j.id.Y,
		Scale:   j.id.ScaleTier,
		Size:    j.id.Size,
		Epoch:   j.epoch,
	}
}

func (c *Coordinator) emitFallback(id tilecache.ID) {
	c.sink.TileEvent(telemetry.TileEvent{
		Kind:    telemetry.KindFallbackUsed,
		Time:    time.Now(),
		TileKey: id.Key(),
		Page:    id.Page,
		X:       id.X,
		Y:       id.Y,
		Scale:   id.ScaleTier,
		Size:    id.Size,
		Epoch:   c.tracker.Epoch(),
	})
}
