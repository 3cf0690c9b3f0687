// Copyright 2026 The zoomgrid Authors
// SPDX-License-Identifier: MIT

package render

import "github.com/zoomgrid/zoomgrid/document"

// Mode selects the fidelity a renderer draws tiles at.
type Mode int

const (
	// ModeFull draws tiles at full fidelity.
	ModeFull Mode = iota

	// ModeDraft draws a reduced-cost approximation. Viewers switch to it
	// when the display budget is constrained. Draft tiles must not mix
	// with full tiles on screen, so a mode change invalidates the cache.
	ModeDraft
)

// String returns the mode name used in logs and telemetry.
func (m Mode) String() string {
	switch m {
	case ModeFull:
		return "full"
	case ModeDraft:
		return "draft"
	default:
		return "unknown"
	}
}

// ModeSetter is implemented by renderers that can switch fidelity modes.
// Renderers without modes ignore the concern entirely.
type ModeSetter interface {
	SetMode(Mode)
}

// DocumentSetter is implemented by renderers bound to a document that
// can be repointed at a new one at runtime. Callers that swap documents
// must also invalidate caches and in-flight work.
type DocumentSetter interface {
	SetDocument(document.Document)
}
