// Copyright 2026 The zoomgrid Authors
// SPDX-License-Identifier: MIT

package compose

import (
	"fmt"
	"image"

	xdraw "golang.org/x/image/draw"

	"github.com/zoomgrid/zoomgrid/tilecache"
)

// StretchTile resamples raw tile pixels to dstW x dstH. Viewers call it
// when a placement carries a CSSStretch other than 1: the cached tile
// stays at its quantized tier and only the presentation copy is scaled.
// Data at the target dimensions already is returned as is, sharing its
// buffer.
func StretchTile(data tilecache.Data, dstW, dstH int) (tilecache.Data, error) {
	if err := data.Validate(); err != nil {
		return tilecache.Data{}, err
	}
	if data.Format != tilecache.FormatRaw {
		return tilecache.Data{}, fmt.Errorf("compose: cannot stretch %s tile data", data.Format)
	}
	if dstW <= 0 || dstH <= 0 {
		return tilecache.Data{}, fmt.Errorf("compose: invalid stretch target %dx%d", dstW, dstH)
	}
	if dstW == data.Width && dstH == data.Height {
		return data, nil
	}

	src := &image.RGBA{
		Pix:    data.Pixels,
		Stride: data.Width * 4,
		Rect:   image.Rect(0, 0, data.Width, data.Height),
	}
	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	xdraw.CatmullRom.Scale(dst, dst.Rect, src, src.Rect, xdraw.Src, nil)
	return tilecache.Raw(dstW, dstH, dst.Pix), nil
}
