// Copyright 2026 The zoomgrid Authors
// SPDX-License-Identifier: MIT

package render

import (
	"image"
	"image/color"

	"github.com/gogpu/gputypes"
)

// Target is a CPU-backed pixel buffer one tile is rasterized into.
//
// It wraps *image.RGBA so renderers can draw with the standard image
// libraries and still hand the engine a flat RGBA byte buffer.
type Target struct {
	img *image.RGBA
}

// NewTarget creates a target of the given size in device pixels.
func NewTarget(width, height int) *Target {
	return &Target{
		img: image.NewRGBA(image.Rect(0, 0, width, height)),
	}
}

// NewTargetFromImage wraps an existing *image.RGBA as a target.
// The image is used directly without copying.
func NewTargetFromImage(img *image.RGBA) *Target {
	return &Target{img: img}
}

// Width returns the target width in pixels.
func (t *Target) Width() int {
	return t.img.Bounds().Dx()
}

// Height returns the target height in pixels.
func (t *Target) Height() int {
	return t.img.Bounds().Dy()
}

// Format returns the pixel format (RGBA8).
func (t *Target) Format() gputypes.TextureFormat {
	return gputypes.TextureFormatRGBA8Unorm
}

// Pixels returns direct access to the pixel data.
// Each pixel is 4 bytes: R, G, B, A.
func (t *Target) Pixels() []byte {
	return t.img.Pix
}

// Stride returns the number of bytes per row.
func (t *Target) Stride() int {
	return t.img.Stride
}

// Image returns the underlying *image.RGBA.
// The returned image shares memory with the target.
func (t *Target) Image() *image.RGBA {
	return t.img
}

// Clear fills the entire target with the given color.
func (t *Target) Clear(c color.Color) {
	r, g, b, a := c.RGBA()
	rgba := color.RGBA{
		R: uint8(r >> 8),
		G: uint8(g >> 8),
		B: uint8(b >> 8),
		A: uint8(a >> 8),
	}
	bounds := t.img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			t.img.SetRGBA(x, y, rgba)
		}
	}
}

// SetPixel sets a single pixel at the given coordinates.
func (t *Target) SetPixel(x, y int, c color.Color) {
	t.img.Set(x, y, c)
}

// GetPixel returns the color at the given coordinates.
func (t *Target) GetPixel(x, y int) color.Color {
	return t.img.At(x, y)
}

// Result snapshots the target into a render Result. The pixel buffer is
// copied, so the target can be reused for the next tile.
func (t *Target) Result() *Result {
	pix := make([]byte, len(t.img.Pix))
	copy(pix, t.img.Pix)
	return &Result{
		Width:  t.Width(),
		Height: t.Height(),
		Format: t.Format(),
		Pix:    pix,
	}
}
