package zoomgrid

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zoomgrid/zoomgrid/breaker"
	"github.com/zoomgrid/zoomgrid/camera"
	"github.com/zoomgrid/zoomgrid/compose"
	"github.com/zoomgrid/zoomgrid/document"
	"github.com/zoomgrid/zoomgrid/document/staticdoc"
	"github.com/zoomgrid/zoomgrid/render"
	"github.com/zoomgrid/zoomgrid/render/pagesim"
	"github.com/zoomgrid/zoomgrid/telemetry"
	"github.com/zoomgrid/zoomgrid/tilecache"
	"github.com/zoomgrid/zoomgrid/viewstate"
)

// Engine owns one viewer's full tile pipeline: the zoom authority, the
// tile cache, the render circuit breaker, and the coordinator that ties
// them to a renderer. Everything is constructed per Engine; two engines
// never share state unless the caller injects a shared component.
//
// Example:
//
//	eng, err := zoomgrid.New(doc)
//	if err != nil {
//		return err
//	}
//	defer eng.Close()
//
//	data, pl, err := eng.Fetch(ctx, 0, 0, 0)
type Engine struct {
	cfg      *Config
	tracker  *viewstate.Tracker
	cache    *tilecache.Cache
	brk      *breaker.Breaker
	coord    *compose.Coordinator
	renderer render.Renderer
	sink     *telemetry.Async
	log      *slog.Logger // nil falls back to the package logger

	mu  sync.Mutex
	doc document.Document

	closed atomic.Bool
}

// EngineOption configures an Engine during creation.
type EngineOption func(*engineOptions)

// engineOptions holds optional configuration for Engine creation.
type engineOptions struct {
	cfg      *Config
	renderer render.Renderer
	sinks    []telemetry.Sink
	log      *slog.Logger
}

func defaultEngineOptions() engineOptions {
	return engineOptions{}
}

// WithConfig sets the engine configuration. The config is validated by
// New; without this option DefaultConfig is used.
func WithConfig(cfg *Config) EngineOption {
	return func(o *engineOptions) { o.cfg = cfg }
}

// WithRenderer injects a custom tile renderer. Without it the engine
// renders with the page simulator. A renderer that implements
// [render.DocumentSetter] follows SetDocument switches; one that
// implements [render.ModeSetter] follows SetRenderMode.
func WithRenderer(r render.Renderer) EngineOption {
	return func(o *engineOptions) { o.renderer = r }
}

// WithSink adds a telemetry sink. May be given multiple times; every
// sink receives every event. Delivery is asynchronous and drop-on-
// pressure, so a slow sink never stalls the render path.
func WithSink(s telemetry.Sink) EngineOption {
	return func(o *engineOptions) {
		if s != nil {
			o.sinks = append(o.sinks, s)
		}
	}
}

// WithLogger gives the engine its own logger instead of the package
// logger configured via SetLogger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(o *engineOptions) { o.log = l }
}

// New builds and starts an engine for doc. A nil doc gets a one-page
// synthetic document, which is useful in tests and demos.
func New(doc document.Document, opts ...EngineOption) (*Engine, error) {
	o := defaultEngineOptions()
	for _, opt := range opts {
		opt(&o)
	}
	cfg := o.cfg
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("zoomgrid: config: %w", err)
	}
	if doc == nil {
		doc = staticdoc.New(1)
	}

	var inner telemetry.Sink
	switch len(o.sinks) {
	case 0:
		inner = telemetry.Nop{}
	case 1:
		inner = o.sinks[0]
	default:
		inner = telemetry.NewFanout(o.sinks...)
	}
	sink := telemetry.NewAsync(inner, 0)

	caps := cfg.Caps()
	tracker := viewstate.New(
		viewstate.WithCaps(caps),
		viewstate.WithVelocityThreshold(cfg.Scale.VelocityThreshold),
		viewstate.WithSink(sink),
	)

	l3 := 0
	if cfg.Cache.L3.Enabled {
		l3 = cfg.Cache.L3.SizeMB
	}
	cache := tilecache.New(
		tilecache.WithL1Capacity(cfg.Cache.L1Entries),
		tilecache.WithL2SizeMB(cfg.Cache.L2SizeMB),
		tilecache.WithL3SizeMB(l3),
		tilecache.WithSink(sink),
	)

	brk := breaker.New(
		breaker.WithThreshold(cfg.Breaker.Threshold),
		breaker.WithFallbackReduction(cfg.Breaker.FallbackReduction),
	)

	renderer := o.renderer
	if renderer == nil {
		renderer = pagesim.New(doc)
	}

	coord := compose.New(tracker, cache, brk, renderer,
		compose.WithWorkers(cfg.Workers),
		compose.WithTileSize(cfg.TileSize),
		compose.WithCaps(caps),
		compose.WithMaxAttempts(cfg.MaxAttempts),
		compose.WithSettleDelay(cfg.SettleDelay()),
		compose.WithSink(sink),
	)

	e := &Engine{
		cfg:      cfg,
		tracker:  tracker,
		cache:    cache,
		brk:      brk,
		coord:    coord,
		renderer: renderer,
		sink:     sink,
		log:      o.log,
		doc:      doc,
	}
	e.logger().Debug("engine ready",
		"document", doc.Name(),
		"pages", doc.PageCount(),
		"tile_size", cfg.TileSize,
		"max_zoom", cfg.Scale.MaxZoom)
	return e, nil
}

func (e *Engine) logger() *slog.Logger {
	if e.log != nil {
		return e.log
	}
	return Logger()
}

// Fetch returns the tile at the committed target scale, rendering it on
// a miss. Blocks until the tile is ready, ctx is canceled, or the
// engine closes.
func (e *Engine) Fetch(ctx context.Context, page, x, y int) (tilecache.Data, compose.Placement, error) {
	return e.coord.Fetch(ctx, page, x, y)
}

// FetchTier returns the tile at an explicit raw scale, quantized to the
// tier ladder. Tier-addressed callers (tile servers, exporters) use it
// to bypass the committed zoom.
func (e *Engine) FetchTier(ctx context.Context, page, x, y int, rawScale float64) (tilecache.Data, compose.Placement, error) {
	return e.coord.FetchTier(ctx, page, x, y, rawScale)
}

// ZoomGesture commits one step of a zoom gesture: the camera zooms
// about the focal point so the content under it stays put, the epoch
// advances, and the settle cycle is re-armed for the given page and
// viewport. The target zoom is clamped to the camera's supported range.
func (e *Engine) ZoomGesture(zoom float64, focal camera.Point, page int, vp camera.Viewport) {
	zoom = camera.ClampZoom(zoom)
	cur := e.tracker.Camera()
	cam := cur.ZoomAbout(zoom/cur.Zoom, focal)
	e.tracker.OnZoomGesture(zoom, focal, cam)
	e.coord.GestureCommitted(page, vp)
}

// PanGesture commits a pan by a screen-space delta, advancing the epoch
// and re-arming the settle cycle.
func (e *Engine) PanGesture(dx, dy float64, page int, vp camera.Viewport) {
	e.tracker.OnPanGesture(e.tracker.Camera().Pan(dx, dy))
	e.coord.GestureCommitted(page, vp)
}

// Refresh schedules renders for every uncached tile visible in vp
// without waiting for them. Returns the number scheduled.
func (e *Engine) Refresh(page int, vp camera.Viewport) int {
	return e.coord.Refresh(page, vp)
}

// SetDocument switches the engine to a new document. The cache is
// cleared with reason document-switch, results in flight are re-rendered
// against the new document, and the zoom authority resets to idle at
// zoom 1. A renderer that implements [render.DocumentSetter] is
// repointed; other renderers must be swapped by their owner before the
// call. Nil is ignored.
func (e *Engine) SetDocument(doc document.Document) {
	if doc == nil {
		return
	}
	e.mu.Lock()
	e.doc = doc
	e.mu.Unlock()

	if ds, ok := e.renderer.(render.DocumentSetter); ok {
		ds.SetDocument(doc)
	}
	e.coord.DocumentSwitched()
	e.tracker.Reset()
	e.logger().Info("document switched",
		"document", doc.Name(),
		"pages", doc.PageCount())
}

// Document returns the document currently being served.
func (e *Engine) Document() document.Document {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc
}

// SetRenderMode switches tile fidelity. The cache is cleared with
// reason mode-transition so draft and full tiles never mix.
func (e *Engine) SetRenderMode(m render.Mode) {
	e.coord.SetRenderMode(m)
	e.logger().Info("render mode set", "mode", m.String())
}

// RenderMode returns the current tile fidelity mode.
func (e *Engine) RenderMode() render.Mode {
	return e.coord.RenderMode()
}

// Reset returns the zoom authority, breaker, and cache to their initial
// state. The document and configuration are kept. Intended for test
// isolation and viewer re-entry.
func (e *Engine) Reset() {
	e.tracker.Reset()
	e.brk.Reset()
	e.cache.Clear(tilecache.EvictManual)
	e.logger().Debug("engine reset")
}

// Tracker returns the zoom and epoch authority.
func (e *Engine) Tracker() *viewstate.Tracker { return e.tracker }

// Cache returns the tile cache.
func (e *Engine) Cache() *tilecache.Cache { return e.cache }

// Breaker returns the render circuit breaker.
func (e *Engine) Breaker() *breaker.Breaker { return e.brk }

// Snapshot is a point-in-time diagnostic view of the whole engine.
type Snapshot struct {
	Document string
	Pages    int
	Mode     string
	Phase    string
	Epoch    uint64
	Zoom     float64
	Scale    float64

	View      viewstate.Stats
	Cache     tilecache.Stats
	Breaker   breaker.Stats
	Render    compose.Stats
	Telemetry telemetry.AsyncStats
}

// Snapshot aggregates the stats of every component.
func (e *Engine) Snapshot() Snapshot {
	doc := e.Document()
	view := e.tracker.Stats()
	return Snapshot{
		Document:  doc.Name(),
		Pages:     doc.PageCount(),
		Mode:      e.coord.RenderMode().String(),
		Phase:     view.Phase.String(),
		Epoch:     view.Epoch,
		Zoom:      view.Zoom,
		Scale:     e.tracker.Scale(),
		View:      view,
		Cache:     e.cache.Stats(),
		Breaker:   e.brk.Stats(),
		Render:    e.coord.Stats(),
		Telemetry: e.sink.Stats(),
	}
}

// Close stops the engine: in-flight renders are aborted, waiting
// fetches unblock with an error, and buffered telemetry is flushed.
// Safe to call multiple times.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.coord.Close()
	e.sink.Close()
	e.logger().Debug("engine closed")
	return nil
}

var _ io.Closer = (*Engine)(nil)
