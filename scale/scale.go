// Copyright 2026 The zoomgrid Authors
// SPDX-License-Identifier: MIT

// Package scale computes render scale tiers for tiled document rendering.
//
// Historically the scale used to request a tile and the scale used as its
// cache key were computed at separate call sites with separate capping
// logic, which made the two drift apart and turned every lookup into a
// false miss. This package is the only place scale is computed: the render
// path, the cache-key path, and the fallback path all call into it.
//
// # Tier Ladder
//
// Scales are quantized to a fixed ladder of powers of two, 2^k for
// k in [-3, 6] (0.125 up to 64). Quantize rounds to the nearest rung in
// log2 space, with ties rounding up toward the larger tier. Powers of two
// are exact in float64, so quantization is exact and idempotent with no
// epsilon games.
//
// # Capping
//
// Apply clamps a raw scale through, in order: the hardware-safety ceiling
// (the largest scale the rasterization backend can safely produce,
// derived from the backend's maximum 2D texture dimension), the
// device ceiling (MaxZoom x PixelRatio), and finally ladder quantization.
// A quantized value that would land above a ceiling steps down one rung,
// so Apply(Apply(x)) == Apply(x) holds exactly for every input.
package scale

import (
	"math"
	"strconv"

	"github.com/gogpu/gputypes"
)

// Ladder exponent bounds: tiers run from 2^minExp (0.125) to 2^maxExp (64).
const (
	minExp = -3
	maxExp = 6
)

// MinTier and MaxTier are the ends of the tier ladder.
const (
	MinTier = 0.125
	MaxTier = 64.0
)

// DefaultTileSize is the edge length, in device pixels, of a rendered tile.
const DefaultTileSize = 256

// Tier is the result of resolving a zoom level to a renderable scale.
type Tier struct {
	// Tier is the capped, ladder-quantized scale. It is the value used for
	// both the render request and the cache key.
	Tier float64

	// CSSStretch is the factor by which a tile rendered at Tier must be
	// visually stretched to match the ideal (uncapped) scale. 1 means the
	// tile is pixel-exact; 2 means it is displayed at twice its rendered
	// resolution.
	CSSStretch float64
}

// Caps holds the ceilings applied when resolving a scale tier.
type Caps struct {
	// HardwareMax is the largest scale the rasterization backend can
	// safely produce, independent of zoom. Zero means use the default
	// derived from the backend texture limit.
	HardwareMax float64

	// MaxZoom is the largest zoom level the viewer permits.
	MaxZoom float64

	// PixelRatio is the device pixel ratio of the display.
	PixelRatio float64
}

// DefaultCaps returns the capping configuration for a standard display:
// hardware ceiling from the default backend limits, 64x max zoom,
// pixel ratio 1.
func DefaultCaps() Caps {
	return Caps{
		HardwareMax: HardwareMaxScale(),
		MaxZoom:     64,
		PixelRatio:  1,
	}
}

// HardwareMaxScale returns the default hardware-safety ceiling: the largest
// scale at which a full tile still fits the backend's maximum 2D texture
// dimension. With the standard 8192px limit and 256px tiles this is 32.
func HardwareMaxScale() float64 {
	limits := gputypes.DefaultLimits()
	return float64(limits.MaxTextureDimension2D) / DefaultTileSize
}

// Exact returns the ideal scale for a zoom level with no capping applied:
// zoom times pixel ratio. Informational only; rendering and caching always
// go through the capped tier.
func Exact(zoom, pixelRatio float64) float64 {
	return zoom * pixelRatio
}

// Target resolves a zoom level to the tier used for rendering and caching,
// plus the stretch factor needed to bridge the gap to the ideal scale.
func (c Caps) Target(zoom float64) Tier {
	exact := Exact(zoom, c.pixelRatio())
	tier := c.Apply(exact)
	stretch := 1.0
	if exact > 0 && tier > 0 {
		stretch = exact / tier
	}
	if math.IsNaN(stretch) || math.IsInf(stretch, 0) || stretch <= 0 {
		stretch = 1.0
	}
	return Tier{Tier: tier, CSSStretch: stretch}
}

// TargetTier resolves a zoom level using the default hardware ceiling and
// the given device parameters.
func TargetTier(zoom, pixelRatio, maxZoom float64) Tier {
	c := Caps{HardwareMax: HardwareMaxScale(), MaxZoom: maxZoom, PixelRatio: pixelRatio}
	return c.Target(zoom)
}

// Apply caps a raw scale: hardware ceiling, then device ceiling, then
// ladder quantization. The result is always on the ladder and never above
// either ceiling (unless the ceiling is below the ladder floor, which pins
// the result to MinTier). Apply is idempotent: Apply(Apply(x)) == Apply(x).
func (c Caps) Apply(s float64) float64 {
	if math.IsNaN(s) || s <= 0 {
		return MinTier
	}

	ceiling := c.hardwareMax()
	if s > ceiling {
		s = ceiling
	}
	if dev := c.deviceCeiling(); dev > 0 {
		if dev < ceiling {
			ceiling = dev
		}
		if s > dev {
			s = dev
		}
	}

	q := Quantize(s)
	if q > ceiling {
		q = StepDown(q)
	}
	return q
}

// hardwareMax returns the configured hardware ceiling, falling back to the
// backend-derived default when unset.
func (c Caps) hardwareMax() float64 {
	if c.HardwareMax > 0 {
		return c.HardwareMax
	}
	return HardwareMaxScale()
}

// pixelRatio returns the configured pixel ratio, defaulting to 1.
func (c Caps) pixelRatio() float64 {
	if c.PixelRatio > 0 {
		return c.PixelRatio
	}
	return 1
}

// deviceCeiling returns MaxZoom x PixelRatio, or 0 when no max zoom is
// configured.
func (c Caps) deviceCeiling() float64 {
	if c.MaxZoom <= 0 {
		return 0
	}
	return c.MaxZoom * c.pixelRatio()
}

// Quantize rounds a raw scale to the nearest ladder tier in log2 space,
// ties toward the larger tier. Non-positive and NaN inputs return MinTier;
// +Inf returns MaxTier.
func Quantize(s float64) float64 {
	if math.IsNaN(s) || s <= 0 {
		return MinTier
	}
	if math.IsInf(s, 1) {
		return MaxTier
	}
	k := int(math.Floor(math.Log2(s) + 0.5))
	if k < minExp {
		k = minExp
	}
	if k > maxExp {
		k = maxExp
	}
	return math.Ldexp(1, k)
}

// ForCacheKey returns the tier under which a tile rendered at the given
// scale is cached. It is identical to Quantize; it exists as a separate
// entry point because the cache-key path and the request path are distinct
// call sites that must provably agree.
func ForCacheKey(s float64) float64 {
	return Quantize(s)
}

// OnLadder reports whether s is exactly a ladder tier.
func OnLadder(s float64) bool {
	return Quantize(s) == s
}

// StepDown returns the next tier below t, or MinTier when already at the
// ladder floor. Inputs off the ladder are quantized first.
func StepDown(t float64) float64 {
	q := Quantize(t)
	_, exp := math.Frexp(q) // q = 0.5 * 2^exp, so q's own exponent is exp-1
	k := exp - 1
	if k-1 < minExp {
		return MinTier
	}
	return math.Ldexp(1, k-1)
}

// StepUp returns the next tier above t, or MaxTier when already at the
// ladder ceiling. Inputs off the ladder are quantized first.
func StepUp(t float64) float64 {
	q := Quantize(t)
	_, exp := math.Frexp(q)
	k := exp - 1
	if k+1 > maxExp {
		return MaxTier
	}
	return math.Ldexp(1, k+1)
}

// Ladder returns all tiers from MinTier to MaxTier in ascending order.
func Ladder() []float64 {
	out := make([]float64, 0, maxExp-minExp+1)
	for k := minExp; k <= maxExp; k++ {
		out = append(out, math.Ldexp(1, k))
	}
	return out
}

// FormatTier renders a tier as its canonical string form, used anywhere a
// tier is embedded in a textual key. Powers of two format exactly, so two
// scales that quantize to the same tier always format identically.
func FormatTier(t float64) string {
	return strconv.FormatFloat(t, 'g', -1, 64)
}
