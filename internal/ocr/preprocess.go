package ocr

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultMaxWidth is the widest image handed to the recognizer.
const DefaultMaxWidth = 2000

// Preprocess decodes the first frame of an image, scales it down to at most
// maxWidth pixels wide keeping the aspect ratio, and re-encodes it as PNG.
// Images already within the limit are re-encoded unscaled. The output depends
// only on the input bytes and maxWidth.
func Preprocess(data []byte, maxWidth int) ([]byte, error) {
	if maxWidth <= 0 {
		maxWidth = DefaultMaxWidth
	}

	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode image: %v", ErrOCRFailure, err)
	}

	b := src.Bounds()
	var out image.Image = src
	if b.Dx() > maxWidth {
		h := b.Dy() * maxWidth / b.Dx()
		if h < 1 {
			h = 1
		}
		dst := image.NewRGBA(image.Rect(0, 0, maxWidth, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
		out = dst
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, fmt.Errorf("%w: encode %s as png: %v", ErrOCRFailure, format, err)
	}
	return buf.Bytes(), nil
}
