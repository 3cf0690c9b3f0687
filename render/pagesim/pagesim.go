// Copyright 2026 The zoomgrid Authors
// SPDX-License-Identifier: MIT

// Package pagesim renders synthetic page tiles.
//
// The simulator draws a deterministic pattern for any page of any
// document: white page body, a checkerboard fixed in canvas space so
// tiles at different tiers stay aligned, a dark border at the page
// edge, and a small label naming the tile. Two calls with the same tile
// identity always produce identical bytes, which makes it usable as a
// reference renderer in tests and as the demo document source.
package pagesim

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/zoomgrid/zoomgrid/document"
	"github.com/zoomgrid/zoomgrid/render"
	"github.com/zoomgrid/zoomgrid/tilecache"
)

// Pattern geometry in canvas units.
const (
	checkerSpan = 32.0
	borderSpan  = 2.0
)

var (
	pageWhite   = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	checkerGray = color.RGBA{R: 0xeb, G: 0xee, B: 0xf2, A: 0xff}
	borderDark  = color.RGBA{R: 0x34, G: 0x3a, B: 0x40, A: 0xff}
	labelInk    = color.RGBA{R: 0x21, G: 0x25, B: 0x29, A: 0xff}
)

// Renderer rasterizes simulated tiles for one document.
// Safe for concurrent use.
type Renderer struct {
	mu  sync.RWMutex
	doc document.Document

	latency time.Duration
	mode    atomic.Int32
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithLatency makes every render take at least d, to exercise slow
// render paths. The wait respects context cancellation.
func WithLatency(d time.Duration) Option {
	return func(r *Renderer) {
		if d > 0 {
			r.latency = d
		}
	}
}

// WithMode sets the initial fidelity mode.
func WithMode(m render.Mode) Option {
	return func(r *Renderer) { r.mode.Store(int32(m)) }
}

// New creates a simulator for doc.
func New(doc document.Document, opts ...Option) *Renderer {
	r := &Renderer{doc: doc}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetMode switches the fidelity mode for subsequent renders. Draft mode
// skips the checkerboard and label, leaving page body and border.
func (r *Renderer) SetMode(m render.Mode) {
	r.mode.Store(int32(m))
}

// Mode returns the current fidelity mode.
func (r *Renderer) Mode() render.Mode {
	return render.Mode(r.mode.Load())
}

// SetDocument points subsequent renders at a new document. Renders
// already in flight keep the document they started with.
func (r *Renderer) SetDocument(doc document.Document) {
	r.mu.Lock()
	r.doc = doc
	r.mu.Unlock()
}

// Document returns the document currently being rendered.
func (r *Renderer) Document() document.Document {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.doc
}

// RenderTile rasterizes one tile of the simulated document.
func (r *Renderer) RenderTile(ctx context.Context, tile tilecache.ID) (*render.Result, error) {
	if tile.Size <= 0 || tile.ScaleTier <= 0 {
		return nil, fmt.Errorf("pagesim: invalid tile %s", tile)
	}
	page, err := r.Document().PageSize(tile.Page)
	if err != nil {
		return nil, err
	}

	if r.latency > 0 {
		t := time.NewTimer(r.latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	draft := r.Mode() == render.ModeDraft
	target := render.NewTarget(tile.Size, tile.Size)
	img := target.Image()

	onPage := false
	for py := 0; py < tile.Size; py++ {
		cy := (float64(tile.Y*tile.Size+py) + 0.5) / tile.ScaleTier
		for px := 0; px < tile.Size; px++ {
			cx := (float64(tile.X*tile.Size+px) + 0.5) / tile.ScaleTier
			c, ok := sample(cx, cy, page, draft)
			if ok {
				onPage = true
			}
			img.SetRGBA(px, py, c)
		}
	}

	if onPage && !draft {
		drawLabel(img, tileLabel(tile))
	}
	return target.Result(), nil
}

// sample returns the page color at one canvas point and whether the
// point lies on the page at all.
func sample(cx, cy float64, page document.Size, draft bool) (color.RGBA, bool) {
	if cx < 0 || cy < 0 || cx >= page.Width || cy >= page.Height {
		return color.RGBA{}, false
	}
	if cx < borderSpan || cy < borderSpan ||
		cx >= page.Width-borderSpan || cy >= page.Height-borderSpan {
		return borderDark, true
	}
	if draft {
		return pageWhite, true
	}
	ix := int(math.Floor(cx / checkerSpan))
	iy := int(math.Floor(cy / checkerSpan))
	if (ix+iy)%2 == 0 {
		return pageWhite, true
	}
	return checkerGray, true
}

func tileLabel(tile tilecache.ID) string {
	return fmt.Sprintf("p%d %d,%d @%g", tile.Page, tile.X, tile.Y, tile.ScaleTier)
}

func drawLabel(img *image.RGBA, label string) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(labelInk),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(4, 16),
	}
	d.DrawString(label)
}

var (
	_ render.Renderer       = (*Renderer)(nil)
	_ render.ModeSetter     = (*Renderer)(nil)
	_ render.DocumentSetter = (*Renderer)(nil)
)
