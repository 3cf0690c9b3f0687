package zoomgrid

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/zoomgrid/zoomgrid/camera"
	"github.com/zoomgrid/zoomgrid/compose"
	"github.com/zoomgrid/zoomgrid/document"
	"github.com/zoomgrid/zoomgrid/document/staticdoc"
	"github.com/zoomgrid/zoomgrid/render"
	"github.com/zoomgrid/zoomgrid/telemetry"
	"github.com/zoomgrid/zoomgrid/tilecache"
)

func newTestEngine(t *testing.T, doc document.Document, opts ...EngineOption) *Engine {
	t.Helper()
	e, err := New(doc, opts...)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func waitForEngine(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEngineDefaults(t *testing.T) {
	e := newTestEngine(t, nil)

	snap := e.Snapshot()
	if snap.Document != "static" || snap.Pages != 1 {
		t.Errorf("document = %q pages = %d, want synthetic one-pager", snap.Document, snap.Pages)
	}
	if snap.Mode != "full" {
		t.Errorf("Mode = %q, want full", snap.Mode)
	}
	if snap.Phase != "idle" || snap.Epoch != 0 || snap.Zoom != 1 || snap.Scale != 1 {
		t.Errorf("initial state = phase %q epoch %d zoom %v scale %v", snap.Phase, snap.Epoch, snap.Zoom, snap.Scale)
	}
}

func TestEngineRejectsInvalidConfig(t *testing.T) {
	if _, err := New(nil, WithConfig(&Config{})); err == nil {
		t.Error("New() accepted a zero config")
	}
}

func TestEngineFetchAndSnapshot(t *testing.T) {
	rec := &telemetry.Recorder{}
	e := newTestEngine(t, staticdoc.New(2), WithSink(rec))

	data, pl, err := e.Fetch(context.Background(), 1, 0, 0)
	if err != nil {
		t.Fatalf("Fetch() = %v", err)
	}
	want := tilecache.NewID(1, 0, 0, 1, 256)
	if pl.Tile != want {
		t.Errorf("Tile = %v, want %v", pl.Tile, want)
	}
	if data.Width != 256 || data.Height != 256 {
		t.Errorf("data = %dx%d, want 256x256", data.Width, data.Height)
	}

	_, pl2, err := e.Fetch(context.Background(), 1, 0, 0)
	if err != nil {
		t.Fatalf("second Fetch() = %v", err)
	}
	if !pl2.FromCache {
		t.Error("FromCache = false on repeat fetch")
	}

	snap := e.Snapshot()
	if snap.Render.Accepted != 1 || snap.Cache.Stores != 1 {
		t.Errorf("accepted = %d stores = %d, want 1 and 1", snap.Render.Accepted, snap.Cache.Stores)
	}
	if snap.Telemetry.Sent == 0 {
		t.Error("Telemetry.Sent = 0, events never reached the sink")
	}

	// Close drains the async sink, making the recorder contents final.
	e.Close()
	if got := rec.TileEventsOfKind(telemetry.KindRequest); len(got) != 1 {
		t.Errorf("request events = %d, want 1", len(got))
	}
	if got := rec.TileEventsOfKind(telemetry.KindCacheHit); len(got) == 0 {
		t.Error("no cache-hit events recorded")
	}
}

func TestEngineDeepZoomRetina(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scale.MaxZoom = 32
	cfg.Scale.PixelRatio = 2
	e := newTestEngine(t, nil, WithConfig(cfg))

	e.ZoomGesture(32, camera.Point{}, 0, camera.Viewport{W: 512, H: 512})
	if snap := e.Snapshot(); snap.Zoom != 32 || snap.Scale != 32 {
		t.Fatalf("zoom = %v scale = %v, want 32 and hardware-capped 32", snap.Zoom, snap.Scale)
	}

	_, pl, err := e.Fetch(context.Background(), 0, 0, 0)
	if err != nil {
		t.Fatalf("Fetch() = %v", err)
	}
	if pl.Tile.ScaleTier != 32 {
		t.Errorf("ScaleTier = %v, want 32", pl.Tile.ScaleTier)
	}
	if pl.CSSStretch != 2 {
		t.Errorf("CSSStretch = %v, want 2 to cover the uncapped retina scale", pl.CSSStretch)
	}
}

func TestEngineZoomGestureSettlesAndRenders(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SettleDelayMS = 25
	e := newTestEngine(t, nil, WithConfig(cfg))

	vp := camera.Viewport{W: 512, H: 512}
	e.ZoomGesture(2, camera.Point{}, 0, vp)

	snap := e.Snapshot()
	if snap.Phase != "active" || snap.Epoch != 1 || snap.Zoom != 2 {
		t.Fatalf("after gesture: phase %q epoch %d zoom %v", snap.Phase, snap.Epoch, snap.Zoom)
	}

	waitForEngine(t, "settle cycle to finish", func() bool {
		return e.Snapshot().Phase == "idle"
	})

	snap = e.Snapshot()
	if snap.Render.Accepted != 4 {
		t.Errorf("Accepted = %d, want the 4 visible tiles at tier 2", snap.Render.Accepted)
	}
	// One epoch per transition: gesture, settling, rendering, idle.
	if snap.Epoch != 4 {
		t.Errorf("Epoch = %d, want 4", snap.Epoch)
	}
	for _, id := range []tilecache.ID{
		tilecache.NewID(0, 0, 0, 2, 256),
		tilecache.NewID(0, 1, 1, 2, 256),
	} {
		if !e.Cache().Has(id) {
			t.Errorf("Has(%v) = false after settle", id)
		}
	}
}

func TestEnginePanGestureAdvancesEpoch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SettleDelayMS = 25
	e := newTestEngine(t, nil, WithConfig(cfg))

	e.PanGesture(100, 0, 0, camera.Viewport{W: 512, H: 512})
	snap := e.Snapshot()
	if snap.Phase != "active" || snap.Epoch != 1 {
		t.Fatalf("after pan: phase %q epoch %d", snap.Phase, snap.Epoch)
	}
	if cam := e.Tracker().Camera(); cam.X != 100 || cam.Y != 0 {
		t.Errorf("camera = (%v, %v), want (100, 0)", cam.X, cam.Y)
	}

	waitForEngine(t, "settle cycle to finish", func() bool {
		return e.Snapshot().Phase == "idle"
	})
	if snap := e.Snapshot(); snap.Render.Accepted != 6 {
		t.Errorf("Accepted = %d, want the 6 visible tiles after the pan", snap.Render.Accepted)
	}
}

func TestEngineSetDocumentSwitches(t *testing.T) {
	rec := &telemetry.Recorder{}
	// A settle delay far beyond the test's lifetime keeps the gesture's
	// refresh from re-caching tiles mid-assertion.
	cfg := DefaultConfig()
	cfg.SettleDelayMS = 60_000
	e := newTestEngine(t, nil, WithConfig(cfg), WithSink(rec))

	old := tilecache.NewID(0, 0, 0, 1, 256)
	if _, _, err := e.Fetch(context.Background(), 0, 0, 0); err != nil {
		t.Fatalf("Fetch() = %v", err)
	}
	e.ZoomGesture(4, camera.Point{}, 0, camera.Viewport{W: 512, H: 512})

	e.SetDocument(staticdoc.New(3, staticdoc.WithName("switched")))

	snap := e.Snapshot()
	if snap.Document != "switched" || snap.Pages != 3 {
		t.Errorf("document = %q pages = %d", snap.Document, snap.Pages)
	}
	if snap.Phase != "idle" || snap.Epoch != 0 || snap.Zoom != 1 {
		t.Errorf("state after switch = phase %q epoch %d zoom %v, want reset", snap.Phase, snap.Epoch, snap.Zoom)
	}
	if e.Cache().Has(old) {
		t.Error("tile from the previous document survived the switch")
	}

	// The default renderer follows the switch: page 2 exists only in the
	// new document.
	if _, _, err := e.Fetch(context.Background(), 2, 0, 0); err != nil {
		t.Errorf("Fetch() on new document = %v", err)
	}

	e.Close()
	found := false
	for _, ev := range rec.TileEventsOfKind(telemetry.KindCacheEvict) {
		if ev.Reason == "document-switch" {
			found = true
		}
	}
	if !found {
		t.Error("no eviction event with reason document-switch")
	}
}

func TestEngineSetRenderModeInvalidatesTiles(t *testing.T) {
	e := newTestEngine(t, nil)

	id := tilecache.NewID(0, 0, 0, 1, 256)
	if _, _, err := e.Fetch(context.Background(), 0, 0, 0); err != nil {
		t.Fatalf("Fetch() = %v", err)
	}

	e.SetRenderMode(render.ModeDraft)
	if got := e.RenderMode(); got != render.ModeDraft {
		t.Fatalf("RenderMode() = %v, want draft", got)
	}
	if e.Cache().Has(id) {
		t.Error("full-fidelity tile survived the mode switch")
	}
	if snap := e.Snapshot(); snap.Mode != "draft" {
		t.Errorf("Mode = %q, want draft", snap.Mode)
	}

	_, pl, err := e.Fetch(context.Background(), 0, 0, 0)
	if err != nil {
		t.Fatalf("Fetch() after mode switch = %v", err)
	}
	if pl.FromCache {
		t.Error("FromCache = true, tile should re-render in draft mode")
	}
}

func TestEngineResetRestoresInitialState(t *testing.T) {
	e := newTestEngine(t, nil)

	e.ZoomGesture(2, camera.Point{}, 0, camera.Viewport{W: 512, H: 512})
	if _, _, err := e.Fetch(context.Background(), 0, 0, 0); err != nil {
		t.Fatalf("Fetch() = %v", err)
	}

	e.Reset()

	snap := e.Snapshot()
	if snap.Phase != "idle" || snap.Epoch != 0 || snap.Zoom != 1 {
		t.Errorf("state after reset = phase %q epoch %d zoom %v", snap.Phase, snap.Epoch, snap.Zoom)
	}
	if e.Cache().Has(tilecache.NewID(0, 0, 0, 2, 256)) {
		t.Error("cache not cleared by reset")
	}
	if e.Breaker().Stats().Tripped {
		t.Error("breaker tripped after reset")
	}
}

func TestEngineCloseIdempotentAndTerminal(t *testing.T) {
	e, err := New(nil)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	if err := e.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
	if err := e.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
	if _, _, err := e.Fetch(context.Background(), 0, 0, 0); !errors.Is(err, compose.ErrClosed) {
		t.Errorf("Fetch() after close = %v, want ErrClosed", err)
	}
}

func TestEngineWithLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	e := newTestEngine(t, nil, WithLogger(logger))

	if !strings.Contains(buf.String(), "engine ready") {
		t.Errorf("missing construction log, got: %s", buf.String())
	}
	e.SetRenderMode(render.ModeDraft)
	if !strings.Contains(buf.String(), "render mode set") {
		t.Error("missing mode change log")
	}
	e.SetDocument(staticdoc.New(2, staticdoc.WithName("other")))
	if !strings.Contains(buf.String(), "document switched") {
		t.Error("missing document switch log")
	}
}

func TestEngineUsesPackageLogger(t *testing.T) {
	orig := Logger()
	t.Cleanup(func() { SetLogger(orig) })

	var buf bytes.Buffer
	SetLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	newTestEngine(t, nil)
	if !strings.Contains(buf.String(), "engine ready") {
		t.Errorf("engine without WithLogger should use the package logger, got: %s", buf.String())
	}
}
