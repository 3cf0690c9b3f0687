// Copyright 2026 The zoomgrid Authors
// SPDX-License-Identifier: MIT

// Package pdfdoc opens PDF files as viewable documents.
//
// Page count and page dimensions are captured eagerly at open time and
// the parsed PDF context is discarded, so a Document holds no file
// handles and is trivially safe for concurrent readers.
package pdfdoc

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/zoomgrid/zoomgrid/document"
)

// Document is an opened PDF. Page sizes are in PDF points, which the
// viewer treats as canvas units at scale 1.
type Document struct {
	name  string
	sizes []document.Size
}

// Open reads and validates the PDF at path.
func Open(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return OpenReader(f, filepath.Base(path))
}

// OpenReader reads and validates a PDF from rs. The name is used for
// telemetry and diagnostics.
func OpenReader(rs io.ReadSeeker, name string) (*Document, error) {
	conf := model.NewDefaultConfiguration()
	ctx, err := api.ReadValidateAndOptimize(rs, conf)
	if err != nil {
		return nil, fmt.Errorf("pdfdoc: read %s: %w", name, err)
	}

	dims, err := ctx.PageDims()
	if err != nil {
		return nil, fmt.Errorf("pdfdoc: page dims of %s: %w", name, err)
	}
	if len(dims) != ctx.PageCount {
		return nil, fmt.Errorf("pdfdoc: %s reports %d pages but %d page sizes", name, ctx.PageCount, len(dims))
	}

	sizes := make([]document.Size, len(dims))
	for i, d := range dims {
		sizes[i] = document.Size{Width: d.Width, Height: d.Height}
	}
	return &Document{name: name, sizes: sizes}, nil
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
