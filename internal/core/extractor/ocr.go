package extractor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// OCRResult is recognized text and its mean word confidence (0-100).
type OCRResult struct {
	Text       string
	Confidence float64
}

// OCREngine recognizes text in a PNG-encoded image.
type OCREngine interface {
	Recognize(ctx context.Context, png []byte) (*OCRResult, error)
}

// sharpenSigma is the Gaussian radius of the unsharp mask applied before OCR.
const sharpenSigma = 1.0

// prepareForOCR decodes an image, downsamples it, converts it to grayscale,
// stretches its contrast, sharpens it and re-encodes it as 8-bit gray PNG.
func prepareForOCR(data []byte, maxDim int) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	img := src
	if maxDim > 0 {
		img = imaging.Fit(img, maxDim, maxDim, imaging.CatmullRom)
	}
	img = sharpen(normalize(imaging.Grayscale(img)))

	gray := image.NewGray(img.Bounds())
	draw.Draw(gray, gray.Bounds(), img, img.Bounds().Min, draw.Src)

	var buf bytes.Buffer
	if err := png.Encode(&buf, gray); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return buf.Bytes(), nil
}

// normalize stretches the gray levels of a grayscale image to cover 0-255.
func normalize(img *image.NRGBA) *image.NRGBA {
	lo, hi := uint8(255), uint8(0)
	for i := 0; i < len(img.Pix); i += 4 {
		lo = min(lo, img.Pix[i])
		hi = max(hi, img.Pix[i])
	}
	if hi <= lo {
		return img
	}

	span := float64(hi - lo)
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		v := uint8(float64(c.R-lo) * 255 / span)
		return color.NRGBA{R: v, G: v, B: v, A: c.A}
	})
}

func sharpen(img image.Image) *image.NRGBA {
	return imaging.Sharpen(img, sharpenSigma)
}
