//go:build !ocr

package extractor

import "errors"

// ErrOCRUnavailable is returned when the binary was built without the ocr tag.
var ErrOCRUnavailable = errors.New("ocr support not compiled in (build with -tags ocr)")

// NewTesseractEngine reports that OCR is unavailable in this build.
func NewTesseractEngine(languages ...string) (OCREngine, error) {
	return nil, ErrOCRUnavailable
}
