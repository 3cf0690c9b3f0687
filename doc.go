// Package zoomgrid provides tile consistency and caching for zoomable
// paginated-document viewers.
//
// # Overview
//
// zoomgrid keeps a tiled viewer correct while the user zooms and pans:
// every render is tagged with the gesture epoch and camera it was
// requested under, and a completed tile is only shown if it still
// matches the committed view. Out-of-order completions, slow renderers,
// and deep-zoom scale capping are handled without ever mixing tiles
// from different view states on screen.
//
// # Quick Start
//
//	import "github.com/zoomgrid/zoomgrid"
//
//	eng, err := zoomgrid.New(nil) // nil document gets a synthetic page
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer eng.Close()
//
//	// Commit a zoom gesture and fetch a visible tile.
//	eng.ZoomGesture(2, camera.Point{X: 256, Y: 256}, 0, camera.Viewport{W: 512, H: 512})
//	data, pl, err := eng.Fetch(ctx, 0, 0, 0)
//
// # Architecture
//
// The engine wires together independently usable packages:
//   - scale: zoom-to-tier ladder math and capping
//   - viewstate: gesture phase, epoch, and zoom authority
//   - camera: viewport snapshots and visible-tile math
//   - tilecache: multi-level tile cache with integrity gating
//   - breaker: consecutive-failure circuit breaker with scale fallback
//   - compose: render scheduling and single-timeline integration
//   - telemetry: tile and phase event sinks
//
// Nothing is process-global. Two engines in one process are fully
// isolated unless the caller shares a component between them.
//
// # Coordinate System
//
// Canvas space has its origin at the document's top-left corner, X
// increasing right and Y increasing down. Tile grid coordinates are
// tier-relative: tile (x, y) at scale tier s covers the canvas square
// of size/s units starting at (x*size/s, y*size/s).
package zoomgrid

// Version information
const (
	// Version is the current version of the library
	Version = "0.3.2"

	// VersionMajor is the major version
	VersionMajor = 0

	// VersionMinor is the minor version
	VersionMinor = 3

	// VersionPatch is the patch version
	VersionPatch = 2
)
