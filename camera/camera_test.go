package camera

import (
	"math"
	"testing"
)

func TestNewClamps(t *testing.T) {
	tests := []struct {
		name string
		x, y float64
		zoom float64
		want Snapshot
	}{
		{"in range", 10, 20, 2, Snapshot{X: 10, Y: 20, Zoom: 2}},
		{"zoom below floor", 0, 0, 0.01, Snapshot{X: 0, Y: 0, Zoom: MinZoom}},
		{"zoom above ceiling", 0, 0, 100, Snapshot{X: 0, Y: 0, Zoom: MaxZoom}},
		{"zoom zero", 0, 0, 0, Snapshot{X: 0, Y: 0, Zoom: MinZoom}},
		{"zoom negative", 0, 0, -3, Snapshot{X: 0, Y: 0, Zoom: MinZoom}},
		{"zoom NaN", 0, 0, math.NaN(), Snapshot{X: 0, Y: 0, Zoom: MinZoom}},
		{"negative pan", -5, -7, 1, Snapshot{X: 0, Y: 0, Zoom: 1}},
		{"NaN pan", math.NaN(), 3, 1, Snapshot{X: 0, Y: 3, Zoom: 1}},
		{"infinite pan", math.Inf(1), 3, 1, Snapshot{X: 0, Y: 3, Zoom: 1}},
		{"boundary zoom low", 0, 0, MinZoom, Snapshot{X: 0, Y: 0, Zoom: MinZoom}},
		{"boundary zoom high", 0, 0, MaxZoom, Snapshot{X: 0, Y: 0, Zoom: MaxZoom}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := New(tt.x, tt.y, tt.zoom)
			if got != tt.want {
				t.Errorf("New(%v, %v, %v) = %+v, want %+v", tt.x, tt.y, tt.zoom, got, tt.want)
			}
		})
	}
}

func TestSnapshotImmutable(t *testing.T) {
	orig := New(100, 200, 4)
	saved := orig

	_ = orig.Pan(50, -30)
	_ = orig.WithZoom(8)
	_ = orig.ZoomAbout(2, Pt(400, 300))

	if orig != saved {
		t.Errorf("snapshot mutated by derived operations: %+v, want %+v", orig, saved)
	}
}

func TestCapturedSnapshotUnaffectedByLaterGestures(t *testing.T) {
	// A snapshot handed to an async render must describe the camera as it
	// was at capture time, regardless of what the live camera does next.
	live := New(10, 10, 2)
	captured := live

	live = live.ZoomAbout(4, Pt(0, 0))
	live = live.Pan(500, 500)

	if captured.Zoom != 2 || captured.X != 10 || captured.Y != 10 {
		t.Errorf("captured snapshot changed: %+v", captured)
	}
	if live.Zoom == captured.Zoom {
		t.Errorf("live camera did not advance: %+v", live)
	}
}

func TestRoundTripError(t *testing.T) {
	zooms := []float64{0.1, 0.25, 1, 2, 13.7, 32, 64}
	offsets := []Point{{0, 0}, {3.25, 7.5}, {1000, 2000}, {123456.78, 98765.43}}
	points := []Point{{0, 0}, {1, 1}, {399.5, 299.5}, {1920, 1080}, {0.25, 0.75}}

	for _, zoom := range zooms {
		for _, off := range offsets {
			s := New(off.X, off.Y, zoom)
			for _, p := range points {
				canvas := s.ScreenToCanvas(p)
				back := s.CanvasToScreen(canvas)
				if err := back.Distance(p); err >= 0.5 {
					t.Errorf("round trip at zoom %v offset %+v: %+v -> %+v -> %+v, error %v px",
						zoom, off, p, canvas, back, err)
				}
			}
		}
	}
}

func TestScreenToCanvas(t *testing.T) {
	tests := []struct {
		name string
		s    Snapshot
		p    Point
		want Point
	}{
		{"identity at origin", New(0, 0, 1), Pt(100, 50), Pt(100, 50)},
		{"zoom halves canvas distance", New(0, 0, 2), Pt(100, 50), Pt(50, 25)},
		{"pan offsets", New(10, 20, 1), Pt(100, 50), Pt(110, 70)},
		{"pan and zoom", New(10, 20, 2), Pt(100, 50), Pt(60, 45)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.s.ScreenToCanvas(tt.p)
			if got.Distance(tt.want) > 1e-9 {
				t.Errorf("ScreenToCanvas(%+v) = %+v, want %+v", tt.p, got, tt.want)
			}
		})
	}
}

func TestZoomAboutKeepsFocusFixed(t *testing.T) {
	s := New(40, 60, 2)
	focus := Pt(350, 250)
	before := s.ScreenToCanvas(focus)

	zoomed := s.ZoomAbout(3, focus)
	after := zoomed.ScreenToCanvas(focus)

	if zoomed.Zoom != 6 {
		t.Fatalf("ZoomAbout(3) zoom = %v, want 6", zoomed.Zoom)
	}
	if before.Distance(after) > 1e-9 {
		t.Errorf("focus drifted: canvas %+v before, %+v after", before, after)
	}
}

func TestZoomAboutClampsAtDocumentEdge(t *testing.T) {
	// Zooming out near the origin would need a negative pan offset to
	// hold the focus; the offset pins at 0 instead.
	s := New(1, 1, 4)
	out := s.ZoomAbout(0.25, Pt(800, 600))
	if out.X < 0 || out.Y < 0 {
		t.Errorf("pan offset went negative: %+v", out)
	}
	if out.Zoom != 1 {
		t.Errorf("zoom = %v, want 1", out.Zoom)
	}
}

func TestPan(t *testing.T) {
	tests := []struct {
		name   string
		s      Snapshot
		dx, dy float64
		want   Snapshot
	}{
		{"screen delta scales by zoom", New(10, 10, 2), 100, 50, Snapshot{X: 60, Y: 35, Zoom: 2}},
		{"clamps at origin", New(5, 5, 1), -100, -100, Snapshot{X: 0, Y: 0, Zoom: 1}},
		{"no movement", New(7, 9, 4), 0, 0, Snapshot{X: 7, Y: 9, Zoom: 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.s.Pan(tt.dx, tt.dy)
			if got != tt.want {
				t.Errorf("Pan(%v, %v) = %+v, want %+v", tt.dx, tt.dy, got, tt.want)
			}
		})
	}
}

func TestVisibleTiles(t *testing.T) {
	tests := []struct {
		name     string
		s        Snapshot
		vp       Viewport
		tier     float64
		tileSize int
		want     TileRange
	}{
		{
			"origin at zoom 1",
			New(0, 0, 1), Viewport{W: 800, H: 600}, 1, 256,
			TileRange{MinCol: 0, MinRow: 0, MaxCol: 3, MaxRow: 2},
		},
		{
			"exact tile boundary excludes next column",
			New(0, 0, 1), Viewport{W: 768, H: 512}, 1, 256,
			TileRange{MinCol: 0, MinRow: 0, MaxCol: 2, MaxRow: 1},
		},
		{
			"panned into grid",
			New(300, 260, 1), Viewport{W: 512, H: 512}, 1, 256,
			TileRange{MinCol: 1, MinRow: 1, MaxCol: 3, MaxRow: 3},
		},
		{
			"higher tier shrinks tile span",
			New(0, 0, 4), Viewport{W: 512, H: 512}, 4, 256,
			TileRange{MinCol: 0, MinRow: 0, MaxCol: 1, MaxRow: 1},
		},
		{
			"empty viewport",
			New(0, 0, 1), Viewport{}, 1, 256,
			TileRange{MinCol: 0, MinRow: 0, MaxCol: -1, MaxRow: -1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.s.VisibleTiles(tt.vp, tt.tier, tt.tileSize)
			if got != tt.want {
				t.Errorf("VisibleTiles(%+v, %v, %d) = %+v, want %+v", tt.vp, tt.tier, tt.tileSize, got, tt.want)
			}
		})
	}
}

func TestTileRangeCount(t *testing.T) {
	tests := []struct {
		name string
		r    TileRange
		want int
	}{
		{"single", TileRange{0, 0, 0, 0}, 1},
		{"grid", TileRange{MinCol: 1, MinRow: 2, MaxCol: 3, MaxRow: 4}, 9},
		{"empty", TileRange{MinCol: 0, MinRow: 0, MaxCol: -1, MaxRow: -1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.r.Count(); got != tt.want {
				t.Errorf("Count() = %d, want %d", got, tt.want)
			}
			if tt.r.Empty() != (tt.want == 0) {
				t.Errorf("Empty() = %v with count %d", tt.r.Empty(), tt.want)
			}
		})
	}
}
