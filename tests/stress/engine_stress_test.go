// Copyright 2026 The zoomgrid Authors
// SPDX-License-Identifier: MIT

//go:build stress

package stress

import (
	"context"
	"errors"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zoomgrid/zoomgrid"
	"github.com/zoomgrid/zoomgrid/camera"
	"github.com/zoomgrid/zoomgrid/compose"
	"github.com/zoomgrid/zoomgrid/document/staticdoc"
	"github.com/zoomgrid/zoomgrid/render"
	"github.com/zoomgrid/zoomgrid/render/pagesim"
	"github.com/zoomgrid/zoomgrid/tilecache"
)

// =============================================================================
// Stress Tests for the Tile Pipeline
// These tests verify stability under extreme conditions
// =============================================================================

// TestStressFetchGrid fetches a 16x16 tile grid concurrently.
func TestStressFetchGrid(t *testing.T) {
	eng := newEngine(t, 1, nil)
	ctx := context.Background()

	const cols, rows = 16, 16
	var wg sync.WaitGroup
	var failures atomic.Uint64
	for y := range rows {
		wg.Add(1)
		go func(y int) {
			defer wg.Done()
			for x := range cols {
				if _, _, err := eng.Fetch(ctx, 0, x, y); err != nil {
					failures.Add(1)
				}
			}
		}(y)
	}
	wg.Wait()

	if n := failures.Load(); n != 0 {
		t.Errorf("%d of %d fetches failed", n, cols*rows)
	}
	st := eng.Snapshot()
	if st.Render.Accepted != cols*rows {
		t.Errorf("Accepted = %d, want %d", st.Render.Accepted, cols*rows)
	}
	if st.Cache.Stores != cols*rows {
		t.Errorf("Stores = %d, want %d", st.Cache.Stores, cols*rows)
	}

	t.Logf("16x16 grid: %d renders, L1 %d entries, L2 %d entries",
		st.Render.Accepted, st.Cache.L1.Entries, st.Cache.L2.Entries)
}

// TestStressCoalescedFetch hammers one tile from 64 goroutines. The
// render must happen exactly once; everyone else coalesces or hits the
// cache.
func TestStressCoalescedFetch(t *testing.T) {
	doc := staticdoc.New(1)
	sim := pagesim.New(doc, pagesim.WithLatency(20*time.Millisecond))
	cfg := zoomgrid.DefaultConfig()
	cfg.TileSize = 128
	eng, err := zoomgrid.New(doc, zoomgrid.WithConfig(cfg), zoomgrid.WithRenderer(sim))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { eng.Close() })

	const goroutines = 64
	start := make(chan struct{})
	var wg sync.WaitGroup
	var failures atomic.Uint64
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, _, err := eng.Fetch(context.Background(), 0, 0, 0); err != nil {
				failures.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if n := failures.Load(); n != 0 {
		t.Errorf("%d fetches failed", n)
	}
	st := eng.Snapshot()
	if st.Render.Accepted != 1 {
		t.Errorf("Accepted = %d, want 1", st.Render.Accepted)
	}

	t.Logf("64 fetchers, one tile: %d coalesced, %d cache hits",
		st.Render.Coalesced, st.Cache.L1.Hits)
}

// TestStressGestureStorm commits 200 gestures back to back, then waits
// for the settle cycle to bring the pipeline back to idle.
func TestStressGestureStorm(t *testing.T) {
	eng := newEngine(t, 1, func(cfg *zoomgrid.Config) {
		cfg.SettleDelayMS = 500
	})
	vp := camera.Viewport{W: 512, H: 512}

	zoom := 1.0
	for range 100 {
		zoom *= 1.5
		eng.ZoomGesture(zoom, camera.Pt(256, 256), 0, vp)
	}
	for range 100 {
		eng.PanGesture(5, 3, 0, vp)
	}

	st := eng.Snapshot()
	if st.View.Epoch != 200 {
		t.Errorf("Epoch after storm = %d, want 200", st.View.Epoch)
	}

	waitFor(t, func() bool { return eng.Snapshot().Phase == "idle" })

	st = eng.Snapshot()
	if st.Epoch < 202 {
		t.Errorf("Epoch after settle = %d, want >= 202", st.Epoch)
	}
	if _, _, err := eng.Fetch(context.Background(), 0, 0, 0); err != nil {
		t.Errorf("Fetch after storm: %v", err)
	}

	t.Logf("200 gestures: epoch %d, %d transitions, %d renders, zoom %g",
		st.Epoch, st.View.Transitions, st.Render.Accepted, st.Zoom)
}

// TestStressModeFlips flips the render mode while fetches are running.
// In-flight results are invalidated and retried; a fetch may fail with
// ErrStale once its retry budget is spent but never with anything else.
func TestStressModeFlips(t *testing.T) {
	eng := newEngine(t, 1, nil)
	ctx := context.Background()

	var flipping atomic.Bool
	flipping.Store(true)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer flipping.Store(false)
		for i := range 200 {
			if i%2 == 0 {
				eng.SetRenderMode(render.ModeDraft)
			} else {
				eng.SetRenderMode(render.ModeFull)
			}
			time.Sleep(time.Millisecond)
		}
	}()

	var total, ok, stale int
	for i := 0; flipping.Load(); i++ {
		total++
		_, _, err := eng.Fetch(ctx, 0, i%8, (i/8)%8)
		switch {
		case err == nil:
			ok++
		case errors.Is(err, compose.ErrStale):
			stale++
		default:
			t.Errorf("fetch %d: %v", i, err)
		}
	}
	wg.Wait()

	if ok+stale != total {
		t.Errorf("ok %d + stale %d != total %d", ok, stale, total)
	}
	if _, _, err := eng.Fetch(ctx, 0, 9, 9); err != nil {
		t.Errorf("fetch with stable mode: %v", err)
	}

	st := eng.Snapshot()
	t.Logf("200 mode flips, %d fetches: %d ok, %d stale, %d invalidated, %d retries",
		total, ok, stale, st.Render.Invalidated, st.Render.Retries)
}

// TestStressDocumentSwitchStorm alternates documents while fetches are
// running, then resets and verifies the engine still serves.
func TestStressDocumentSwitchStorm(t *testing.T) {
	docA := staticdoc.New(3, staticdoc.WithName("a"))
	docB := staticdoc.New(3, staticdoc.WithName("b"))
	cfg := zoomgrid.DefaultConfig()
	cfg.TileSize = 128
	eng, err := zoomgrid.New(docA, zoomgrid.WithConfig(cfg))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	ctx := context.Background()

	var switching atomic.Bool
	switching.Store(true)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer switching.Store(false)
		for i := range 100 {
			if i%2 == 0 {
				eng.SetDocument(docB)
			} else {
				eng.SetDocument(docA)
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	var total, ok, stale int
	for i := 0; switching.Load(); i++ {
		total++
		_, _, err := eng.Fetch(ctx, 2, i%6, (i/6)%6)
		switch {
		case err == nil:
			ok++
		case errors.Is(err, compose.ErrStale):
			stale++
		default:
			t.Errorf("fetch %d: %v", i, err)
		}
	}
	wg.Wait()

	eng.Reset()
	if _, _, err := eng.Fetch(ctx, 2, 0, 0); err != nil {
		t.Errorf("fetch after reset: %v", err)
	}

	st := eng.Snapshot()
	t.Logf("100 document switches, %d fetches: %d ok, %d stale, document %q",
		total, ok, stale, st.Document)
}

// TestStressConcurrentEngines runs fully independent engines in
// parallel (they must not share state).
func TestStressConcurrentEngines(t *testing.T) {
	const engines = 4
	done := make(chan bool, engines)

	for range engines {
		go func() {
			defer func() { done <- true }()

			cfg := zoomgrid.DefaultConfig()
			cfg.TileSize = 128
			eng, err := zoomgrid.New(staticdoc.New(2), zoomgrid.WithConfig(cfg))
			if err != nil {
				t.Errorf("New: %v", err)
				return
			}
			defer eng.Close()

			vp := camera.Viewport{W: 256, H: 256}
			for i := range 10 {
				eng.ZoomGesture(float64(1+i), camera.Pt(128, 128), 0, vp)
			}
			for y := range 3 {
				for x := range 3 {
					if _, _, err := eng.Fetch(context.Background(), 1, x, y); err != nil {
						t.Errorf("fetch %d,%d: %v", x, y, err)
					}
				}
			}
			if st := eng.Snapshot(); st.Render.Accepted < 9 {
				t.Errorf("Accepted = %d, want >= 9", st.Render.Accepted)
			}
		}()
	}

	for range engines {
		<-done
	}
}

// TestStressTierLadderSweep fetches one tile at raw scales across and
// beyond the ladder. Every result must land on a ladder rung within the
// configured caps.
func TestStressTierLadderSweep(t *testing.T) {
	eng := newEngine(t, 1, nil)
	ctx := context.Background()

	scales := []float64{0.1, 0.125, 0.3, 1, 1.4, 2.7, 3.9, 8.2, 15.9, 31.5, 32.5, 63.9, 64, 80}
	for _, raw := range scales {
		data, pl, err := eng.FetchTier(ctx, 0, 0, 0, raw)
		if err != nil {
			t.Errorf("FetchTier(%g): %v", raw, err)
			continue
		}
		tier := pl.Tile.ScaleTier
		if k := math.Log2(tier / 0.125); k != math.Trunc(k) {
			t.Errorf("FetchTier(%g): tier %g is not on the ladder", raw, tier)
		}
		if tier > 64 {
			t.Errorf("FetchTier(%g): tier %g above cap", raw, tier)
		}
		if data.Width != 128 || data.Height != 128 {
			t.Errorf("FetchTier(%g): got %dx%d tile", raw, data.Width, data.Height)
		}
		t.Logf("raw %6.3f -> tier %g (stretch %.3f)", raw, tier, pl.CSSStretch)
	}
}

// TestStressResetReuse cycles fetch and reset repeatedly.
func TestStressResetReuse(t *testing.T) {
	eng := newEngine(t, 1, nil)
	ctx := context.Background()

	for i := range 50 {
		for x := range 2 {
			for y := range 2 {
				if _, _, err := eng.Fetch(ctx, 0, x, y); err != nil {
					t.Fatalf("iteration %d fetch %d,%d: %v", i, x, y, err)
				}
			}
		}
		eng.Reset()
	}

	st := eng.Snapshot()
	if st.Cache.L1.Entries != 0 {
		t.Errorf("L1 entries after final reset = %d, want 0", st.Cache.L1.Entries)
	}
	t.Logf("50 reset cycles: %d renders, %d stores", st.Render.Accepted, st.Cache.Stores)
}

// =============================================================================
// Memory Usage Tests
// =============================================================================

// TestMemoryUsageTileCache pushes twice the configured budget through a
// cache and verifies the budget holds.
func TestMemoryUsageTileCache(t *testing.T) {
	runtime.GC()
	var m1 runtime.MemStats
	runtime.ReadMemStats(&m1)

	cache := tilecache.New(
		tilecache.WithL1Capacity(64),
		tilecache.WithL2SizeMB(8),
		tilecache.WithL3SizeMB(0),
	)

	const tile = 128
	for i := range 500 {
		pixels := make([]byte, tile*tile*4)
		pixels[0] = byte(i)
		id := tilecache.NewID(0, i%25, i/25, 2, tile)
		if err := cache.Set(id, tilecache.Raw(tile, tile, pixels)); err != nil {
			t.Fatalf("Set %d: %v", i, err)
		}
	}

	st := cache.Stats()
	if st.L1.Entries > 64 {
		t.Errorf("L1 entries = %d, want <= 64", st.L1.Entries)
	}
	if st.L2.Bytes > 8<<20 {
		t.Errorf("L2 bytes = %d, want <= %d", st.L2.Bytes, 8<<20)
	}
	if st.L2.Evictions == 0 {
		t.Error("expected L2 evictions when inserting past the budget")
	}

	runtime.GC()
	var m2 runtime.MemStats
	runtime.ReadMemStats(&m2)

	allocatedKB := (m2.TotalAlloc - m1.TotalAlloc) / 1024
	t.Logf("500 tiles through 8MB budget: ~%d KB allocated, L1 %d entries, L2 %d KB retained, %d evictions",
		allocatedKB, st.L1.Entries, st.L2.Bytes/1024, st.L2.Evictions)

	// Sanity check: churn should stay near the inserted volume.
	if allocatedKB > 64*1024 {
		t.Errorf("unexpected high memory usage: %d KB", allocatedKB)
	}
}

// TestMemoryUsageFetchLoop measures allocation churn of repeated cached
// fetches. Hits should not allocate tile-sized buffers.
func TestMemoryUsageFetchLoop(t *testing.T) {
	eng := newEngine(t, 1, nil)
	ctx := context.Background()

	// Prime the tile once.
	if _, _, err := eng.Fetch(ctx, 0, 0, 0); err != nil {
		t.Fatalf("prime fetch: %v", err)
	}

	runtime.GC()
	var m1 runtime.MemStats
	runtime.ReadMemStats(&m1)

	for range 1000 {
		if _, _, err := eng.Fetch(ctx, 0, 0, 0); err != nil {
			t.Fatalf("cached fetch: %v", err)
		}
	}

	runtime.GC()
	var m2 runtime.MemStats
	runtime.ReadMemStats(&m2)

	allocatedKB := (m2.TotalAlloc - m1.TotalAlloc) / 1024
	t.Logf("1000 cached fetches: ~%d KB allocated", allocatedKB)

	st := eng.Snapshot()
	if st.Render.Accepted != 1 {
		t.Errorf("Accepted = %d, want 1 (hits must not re-render)", st.Render.Accepted)
	}
	// A hit that copied pixels would show up as ~64MB here.
	if allocatedKB > 4096 {
		t.Errorf("unexpected high memory usage for cache hits: %d KB", allocatedKB)
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func newEngine(t *testing.T, pages int, mutate func(*zoomgrid.Config)) *zoomgrid.Engine {
	t.Helper()
	cfg := zoomgrid.DefaultConfig()
	cfg.TileSize = 128
	if mutate != nil {
		mutate(cfg)
	}
	eng, err := zoomgrid.New(staticdoc.New(pages), zoomgrid.WithConfig(cfg))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}
