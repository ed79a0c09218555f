//go:build ocr

package extractor

import (
	"context"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// TesseractEngine runs OCR through libtesseract. Build with -tags ocr.
type TesseractEngine struct {
	languages []string
}

// NewTesseractEngine returns an engine for the given languages (default "eng").
func NewTesseractEngine(languages ...string) (OCREngine, error) {
	if len(languages) == 0 {
		languages = []string{"eng"}
	}
	return &TesseractEngine{languages: languages}, nil
}

func (t *TesseractEngine) Recognize(ctx context.Context, png []byte) (*OCRResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(t.languages...); err != nil {
		return nil, err
	}
	if err := client.SetImageFromBytes(png); err != nil {
		return nil, err
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, err
	}

	words := make([]string, 0, len(boxes))
	var sum float64
	for _, b := range boxes {
		if w := strings.TrimSpace(b.Word); w != "" {
			words = append(words, w)
			sum += b.Confidence
		}
	}
	if len(words) == 0 {
		return &OCRResult{}, nil
	}

	return &OCRResult{
		Text:       strings.Join(words, " "),
		Confidence: sum / float64(len(words)),
	}, nil
}
