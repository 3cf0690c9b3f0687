// Package camera models the viewer's camera as immutable snapshots.
//
// A Snapshot fixes the pan offset and zoom at one instant, typically the
// moment a gesture or render request begins. Snapshots are plain values:
// every mutating operation returns a new Snapshot, so state captured at
// request time cannot be changed by later gestures, no matter how long an
// asynchronous render holds on to it.
//
// Two coordinate spaces appear throughout: screen space is CSS pixels with
// the origin at the viewport's top-left, canvas space is document units
// with the origin at the document's top-left. The pan offset (X, Y) is the
// canvas-space point currently under the viewport origin.
package camera

import "math"

// Zoom bounds enforced on every snapshot. A zoom below MinZoom renders the
// document into a sliver of subpixels; above MaxZoom the scale math runs
// out of ladder.
const (
	MinZoom = 0.1
	MaxZoom = 64.0
)

// Snapshot is an immutable camera state: pan offset in canvas units and
// zoom factor. The zero value is not valid; use New.
type Snapshot struct {
	// X, Y are the canvas-space coordinates of the point under the
	// viewport's top-left corner. Never negative.
	X, Y float64

	// Zoom is the magnification factor, always within [MinZoom, MaxZoom].
	Zoom float64
}

// New returns a snapshot with the given pan offset and zoom, clamped into
// their valid ranges. Non-finite pan components clamp to 0; a non-finite
// or non-positive zoom clamps to MinZoom.
func New(x, y, zoom float64) Snapshot {
	return Snapshot{
		X:    clampCoord(x),
		Y:    clampCoord(y),
		Zoom: ClampZoom(zoom),
	}
}

// ClampZoom clamps a zoom factor into [MinZoom, MaxZoom]. NaN clamps to
// MinZoom.
func ClampZoom(zoom float64) float64 {
	if math.IsNaN(zoom) || zoom < MinZoom {
		return MinZoom
	}
	if zoom > MaxZoom {
		return MaxZoom
	}
	return zoom
}

func clampCoord(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if math.IsInf(v, 1) {
		return 0
	}
	return v
}

// WithZoom returns a copy of the snapshot at a new zoom factor, clamped.
// The pan offset is unchanged; use ZoomAbout to keep a screen point fixed.
func (s Snapshot) WithZoom(zoom float64) Snapshot {
	s.Zoom = ClampZoom(zoom)
	return s
}

// Pan returns a copy of the snapshot panned by a screen-space delta. The
// delta is converted to canvas units at the current zoom, and the
// resulting offset is clamped non-negative.
func (s Snapshot) Pan(dx, dy float64) Snapshot {
	return Snapshot{
		X:    clampCoord(s.X + dx/s.Zoom),
		Y:    clampCoord(s.Y + dy/s.Zoom),
		Zoom: s.Zoom,
	}
}

// ZoomAbout returns a copy of the snapshot with zoom multiplied by factor,
// adjusting the pan offset so the canvas point under the given screen
// focus stays under it. Pinch and wheel zoom both reduce to this.
func (s Snapshot) ZoomAbout(factor float64, focus Point) Snapshot {
	anchor := s.ScreenToCanvas(focus)
	zoom := ClampZoom(s.Zoom * factor)
	return Snapshot{
		X:    clampCoord(anchor.X - focus.X/zoom),
		Y:    clampCoord(anchor.Y - focus.Y/zoom),
		Zoom: zoom,
	}
}

// CanvasTransform returns the matrix mapping canvas space to screen space.
func (s Snapshot) CanvasTransform() Matrix {
	return Scale(s.Zoom).Multiply(Translate(-s.X, -s.Y))
}

// ScreenTransform returns the matrix mapping screen space to canvas space.
func (s Snapshot) ScreenTransform() Matrix {
	return s.CanvasTransform().Invert()
}

// ScreenToCanvas converts a screen-space point to canvas space.
func (s Snapshot) ScreenToCanvas(p Point) Point {
	return s.ScreenTransform().TransformPoint(p)
}

// CanvasToScreen converts a canvas-space point to screen space.
func (s Snapshot) CanvasToScreen(p Point) Point {
	return s.CanvasTransform().TransformPoint(p)
}

// Viewport is the on-screen size of the viewer in CSS pixels.
type Viewport struct {
	W, H float64
}

// TileRange is an inclusive rectangle of tile grid coordinates.
type TileRange struct {
	MinCol, MinRow int
	MaxCol, MaxRow int
}

// Empty reports whether the range contains no tiles.
func (r TileRange) Empty() bool {
	return r.MaxCol < r.MinCol || r.MaxRow < r.MinRow
}

// Count returns the number of tiles in the range.
func (r TileRange) Count() int {
	if r.Empty() {
		return 0
	}
	return (r.MaxCol - r.MinCol + 1) * (r.MaxRow - r.MinRow + 1)
}

// VisibleTiles returns the tile grid coordinates covering the viewport,
// for tiles rendered at the given scale tier with the given edge length in
// device pixels. Tile (0,0) covers the canvas-space square at the
// document origin; each tile spans tileSize/tier canvas units.
//
// The range is not clamped to the document's extent; callers that know the
// page size intersect it themselves.
func (s Snapshot) VisibleTiles(vp Viewport, tier float64, tileSize int) TileRange {
	if vp.W <= 0 || vp.H <= 0 || tier <= 0 || tileSize <= 0 {
		return TileRange{MinCol: 0, MinRow: 0, MaxCol: -1, MaxRow: -1}
	}
	span := float64(tileSize) / tier // canvas units per tile edge
	right := s.X + vp.W/s.Zoom
	bottom := s.Y + vp.H/s.Zoom
	return TileRange{
		MinCol: int(math.Floor(s.X / span)),
		MinRow: int(math.Floor(s.Y / span)),
		MaxCol: int(math.Ceil(right/span)) - 1,
		MaxRow: int(math.Ceil(bottom/span)) - 1,
	}
}
