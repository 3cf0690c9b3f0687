// Copyright 2026 The zoomgrid Authors
// SPDX-License-Identifier: MIT

// Package render defines the interface between the tile engine and the
// rasterizer that produces tile bitmaps.
//
// The engine never rasterizes anything itself. It hands a tile identity
// to a Renderer, waits for the Result, and decides at integration time
// whether the result is still current. Renderers run on worker
// goroutines and must tolerate concurrent calls.
package render

import (
	"context"

	"github.com/gogpu/gputypes"

	"github.com/zoomgrid/zoomgrid/tilecache"
)

// Renderer rasterizes tiles for one open document.
//
// RenderTile blocks until the tile is rasterized, the context is
// canceled, or the render fails. Results carry no epoch or camera
// state; the caller tags in-flight jobs with those and judges staleness
// on arrival.
type Renderer interface {
	RenderTile(ctx context.Context, tile tilecache.ID) (*Result, error)
}

// Result is one rasterized tile.
type Result struct {
	// Width and Height are the bitmap dimensions in device pixels.
	// Usually the tile size, but edge tiles may come back smaller.
	Width  int
	Height int

	// Format tags the pixel layout. Renderers produce RGBA8.
	Format gputypes.TextureFormat

	// Pix holds Width*Height*4 bytes, 4 bytes per pixel: R, G, B, A.
	// Owned by the Result; renderers must not retain or reuse it.
	Pix []byte
}

// Data converts the result into the cache admission form. The pixel
// buffer is shared, not copied; after a successful cache Set the cache
// owns it and the Result must be discarded.
func (r *Result) Data() tilecache.Data {
	return tilecache.Data{
		Format: tilecache.FormatRaw,
		Width:  r.Width,
		Height: r.Height,
		Pixels: r.Pix,
	}
}
