// Copyright 2026 The zoomgrid Authors
// SPDX-License-Identifier: MIT

package tilecache

import "fmt"

// bytesPerPixel is the number of bytes per RGBA pixel.
const bytesPerPixel = 4

// Format tags how a tile's bitmap is represented.
type Format uint8

const (
	// FormatUnknown is the zero value; data carrying it never passes
	// validation.
	FormatUnknown Format = iota

	// FormatRaw is an uncompressed RGBA pixel buffer.
	FormatRaw

	// FormatEncoded is a compressed image blob (PNG or similar) with
	// explicit dimensions.
	FormatEncoded
)

// String returns the format name.
func (f Format) String() string {
	switch f {
	case FormatRaw:
		return "raw-pixel"
	case FormatEncoded:
		return "encoded-image"
	default:
		return "unknown"
	}
}

// Data is one tile's bitmap. Raw data carries Pixels, encoded data
// carries Encoded; both carry explicit dimensions.
type Data struct {
	Format Format
	Width  int
	Height int

	// Pixels is the RGBA buffer for FormatRaw, length Width*Height*4.
	Pixels []byte

	// Encoded is the compressed blob for FormatEncoded.
	Encoded []byte
}

// Raw builds raw-pixel tile data.
func Raw(width, height int, pixels []byte) Data {
	return Data{Format: FormatRaw, Width: width, Height: height, Pixels: pixels}
}

// EncodedImage builds encoded tile data.
func EncodedImage(width, height int, blob []byte) Data {
	return Data{Format: FormatEncoded, Width: width, Height: height, Encoded: blob}
}

// ByteSize returns the memory footprint used for cache budgeting.
func (d Data) ByteSize() int64 {
	switch d.Format {
	case FormatRaw:
		return int64(len(d.Pixels))
	case FormatEncoded:
		return int64(len(d.Encoded))
	default:
		return 0
	}
}

// IntegrityReason classifies why tile data failed admission.
type IntegrityReason string

// The closed set of integrity violation reasons.
const (
	IntegrityZeroWidth         IntegrityReason = "zero-width"
	IntegrityZeroHeight        IntegrityReason = "zero-height"
	IntegrityBufferMismatch    IntegrityReason = "buffer-size-mismatch"
	IntegrityMissingDimensions IntegrityReason = "missing-dimensions"
)

// IntegrityError reports tile data rejected at cache admission. It is
// always recoverable: the caller skips the insert and may re-render.
type IntegrityError struct {
	Reason    IntegrityReason
	Width     int
	Height    int
	BufferLen int
}

// Error implements error.
func (e *IntegrityError) Error() string {
	return fmt.Sprintf("tilecache: data integrity violation (%s): %dx%d, buffer %d bytes",
		e.Reason, e.Width, e.Height, e.BufferLen)
}

// Validate checks the data against the admission invariant: positive
// dimensions, and for raw data a pixel buffer of exactly width*height*4
// bytes. A nil return means the data is admissible.
func (d Data) Validate() error {
	if d.Format != FormatRaw && d.Format != FormatEncoded {
		// Untagged legacy payloads are rejected regardless of what
		// else they carry.
		return &IntegrityError{
			Reason:    IntegrityMissingDimensions,
			Width:     d.Width,
			Height:    d.Height,
			BufferLen: d.bufferLen(),
		}
	}
	if d.Format == FormatEncoded && d.Width == 0 && d.Height == 0 {
		// Legacy encoded payloads carried no dimensions; they are
		// rejected, never guessed at.
		return &IntegrityError{
			Reason:    IntegrityMissingDimensions,
			BufferLen: len(d.Encoded),
		}
	}
	if d.Width <= 0 {
		return &IntegrityError{
			Reason:    IntegrityZeroWidth,
			Width:     d.Width,
			Height:    d.Height,
			BufferLen: d.bufferLen(),
		}
	}
	if d.Height <= 0 {
		return &IntegrityError{
			Reason:    IntegrityZeroHeight,
			Width:     d.Width,
			Height:    d.Height,
			BufferLen: d.bufferLen(),
		}
	}
	if d.Format == FormatRaw {
		want := d.Width * d.Height * bytesPerPixel
		if len(d.Pixels) != want {
			return &IntegrityError{
				Reason:    IntegrityBufferMismatch,
				Width:     d.Width,
				Height:    d.Height,
				BufferLen: len(d.Pixels),
			}
		}
	}
	return nil
}

func (d Data) bufferLen() int {
	if d.Format == FormatRaw {
		return len(d.Pixels)
	}
	return len(d.Encoded)
}
