// Copyright 2026 The zoomgrid Authors
// SPDX-License-Identifier: MIT

// Package staticdoc provides a fixed-geometry in-memory document, used
// as the default source for the demo server and throughout tests.
package staticdoc

import (
	"github.com/zoomgrid/zoomgrid/document"
)

// US Letter at 72 units per inch.
var defaultPageSize = document.Size{Width: 612, Height: 792}

// Document is an in-memory paged source with fixed page sizes.
type Document struct {
	name  string
	sizes []document.Size
}

// Option configures a Document.
type Option func(*Document)

// WithName sets the document name. Default is "static".
func WithName(name string) Option {
	return func(d *Document) { d.name = name }
}

// WithPageSize sets one uniform size for all pages.
func WithPageSize(s document.Size) Option {
	return func(d *Document) {
		for i := range d.sizes {
			d.sizes[i] = s
		}
	}
}

// WithPageSizes sets per-page sizes, padding with the default size if
// fewer sizes than pages are given.
func WithPageSizes(sizes []document.Size) Option {
	return func(d *Document) {
		for i := range d.sizes {
			if i < len(sizes) {
				d.sizes[i] = sizes[i]
			}
		}
	}
}

// New creates a document with the given page count. Counts below 1 are
// raised to 1.
func New(pages int, opts ...Option) *Document {
	if pages < 1 {
		pages = 1
	}
	d := &Document{
		name:  "static",
		sizes: make([]document.Size, pages),
	}
	for i := range d.sizes {
		d.sizes[i] = defaultPageSize
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Name identifies the document.
func (d *Document) Name() string { return d.name }

// PageCount returns the number of pages.
func (d *Document) PageCount() int { return len(d.sizes) }

// PageSize returns the size of the zero-based page.
func (d *Document) PageSize(page int) (document.Size, error) {
	if page < 0 || page >= len(d.sizes) {
		return document.Size{}, document.ErrPageOutOfRange
	}
	return d.sizes[page], nil
}

var _ document.Document = (*Document)(nil)
