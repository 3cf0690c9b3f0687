// Copyright 2026 The zoomgrid Authors
// SPDX-License-Identifier: MIT

package tilecache

import (
	"strconv"
	"strings"

	"github.com/zoomgrid/zoomgrid/scale"
)

// ID identifies one tile: page, tile grid coordinates, quantized scale
// tier, and tile edge length in device pixels. Identity is exact match on
// all five fields.
//
// Always construct through NewID, which quantizes the scale. Building an
// ID literal from a raw scale reintroduces the request-key/lookup-key
// divergence the quantization step exists to prevent.
type ID struct {
	Page      int
	X, Y      int
	ScaleTier float64
	Size      int
}

// NewID builds a tile identity from a raw scale. The scale is passed
// through the cache-key quantization, so any two raw scales on the same
// ladder rung yield the same identity.
func NewID(page, x, y int, rawScale float64, size int) ID {
	return ID{
		Page:      page,
		X:         x,
		Y:         y,
		ScaleTier: scale.ForCacheKey(rawScale),
		Size:      size,
	}
}

// Key returns the canonical string encoding of the identity, used in
// telemetry and as the external cache key. Distinct identities always
// produce distinct keys.
func (id ID) Key() string {
	var b strings.Builder
	b.Grow(32)
	b.WriteString(strconv.Itoa(id.Page))
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(id.X))
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(id.Y))
	b.WriteByte(':')
	b.WriteString(scale.FormatTier(id.ScaleTier))
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(id.Size))
	return b.String()
}

// String implements fmt.Stringer.
func (id ID) String() string {
	return id.Key()
}
