// Package ocr turns uploaded report images into plain text.
package ocr

import (
	"context"
	"errors"
)

// ErrOCRFailure wraps every failure to produce text from a document,
// including a cancelled or expired context.
var ErrOCRFailure = errors.New("ocr failure")

// Document is an uploaded file handed to an Extractor.
type Document struct {
	Name     string
	MimeType string
	Data     []byte
}

// Extractor produces the text of a document. Implementations must respect
// ctx and return an error wrapping ErrOCRFailure on any failure.
type Extractor interface {
	Extract(ctx context.Context, doc Document) (string, error)
}

// SupportedMimeTypes lists the image types Preprocess can decode.
var SupportedMimeTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/jpg":  true,
	"image/gif":  true,
	"image/bmp":  true,
	"image/tiff": true,
	"image/webp": true,
}

// IsSupported reports whether mimeType can be processed.
func IsSupported(mimeType string) bool {
	return SupportedMimeTypes[mimeType]
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(ctx context.Context, doc Document) (string, error)

func (f ExtractorFunc) Extract(ctx context.Context, doc Document) (string, error) {
	return f(ctx, doc)
}
