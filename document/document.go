// Copyright 2026 The zoomgrid Authors
// SPDX-License-Identifier: MIT

// Package document abstracts the paged source being viewed.
//
// A Document reports how many pages it has and how large each page is in
// canvas units. Canvas units are the page's intrinsic coordinate system
// at scale 1; every tile, camera and cache coordinate derives from them.
// Rasterization itself lives behind the render.Renderer interface, which
// is bound to a Document at construction.
package document

import "errors"

// ErrPageOutOfRange is returned for a page index below zero or at or
// beyond PageCount.
var ErrPageOutOfRange = errors.New("document: page out of range")

// Size is a page's intrinsic dimensions in canvas units.
type Size struct {
	Width  float64
	Height float64
}

// Document is an open paged source. Implementations must be safe for
// concurrent readers; render workers query page geometry in parallel.
type Document interface {
	// Name identifies the document for telemetry and diagnostics.
	Name() string

	// PageCount returns the number of pages.
	PageCount() int

	// PageSize returns the intrinsic size of the zero-based page.
	PageSize(page int) (Size, error)
}
