package ocr

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// TesseractExtractor runs Tesseract through gosseract on the preprocessed
// image.
type TesseractExtractor struct {
	Language string
	MaxWidth int

	clientFactory func() *gosseract.Client
}

func NewTesseractExtractor(language string, maxWidth int) *TesseractExtractor {
	if language == "" {
		language = "eng"
	}
	return &TesseractExtractor{
		Language:      language,
		MaxWidth:      maxWidth,
		clientFactory: gosseract.NewClient,
	}
}

type textResult struct {
	text string
	err  error
}

// Extract preprocesses the document and recognizes its text. The recognizer
// cannot be interrupted, so on ctx expiry the call is abandoned and its
// result discarded.
func (e *TesseractExtractor) Extract(ctx context.Context, doc Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrOCRFailure, err)
	}

	img, err := Preprocess(doc.Data, e.MaxWidth)
	if err != nil {
		return "", err
	}

	done := make(chan textResult, 1)
	go func() {
		text, err := e.recognize(img)
		done <- textResult{text: text, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return "", fmt.Errorf("%w: %v", ErrOCRFailure, res.err)
		}
		return res.text, nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %v", ErrOCRFailure, ctx.Err())
	}
}

func (e *TesseractExtractor) recognize(img []byte) (string, error) {
	c := e.clientFactory()
	defer c.Close()

	if err := c.SetLanguage(e.Language); err != nil {
		return "", fmt.Errorf("set language: %w", err)
	}
	if err := c.SetImageFromBytes(img); err != nil {
		return "", fmt.Errorf("set image: %w", err)
	}
	text, err := c.Text()
	if err != nil {
		return "", fmt.Errorf("recognize text: %w", err)
	}
	return strings.TrimSpace(text), nil
}
