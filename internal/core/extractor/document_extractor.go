// Package extractor turns raw uploaded files into plain text.
package extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"code.sajari.com/docconv"
	"go.uber.org/zap"

	"github.com/markdave123-py/crmrag/internal/core"
)

var _ core.DocumentExtractor = (*DocconvExtractor)(nil)

// Kind is the class of a source file.
type Kind string

const (
	KindPDF         Kind = "pdf"
	KindDoc         Kind = "doc"
	KindDocx        Kind = "docx"
	KindText        Kind = "text"
	KindImage       Kind = "image"
	KindUnsupported Kind = "unsupported"
)

var mimeKinds = map[string]Kind{
	"application/pdf":    KindPDF,
	"application/x-pdf":  KindPDF,
	"application/msword": KindDoc,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": KindDocx,
	"text/plain":      KindText,
	"text/markdown":   KindText,
	"text/x-markdown": KindText,
}

var extKinds = map[string]Kind{
	".pdf":      KindPDF,
	".doc":      KindDoc,
	".docx":     KindDocx,
	".txt":      KindText,
	".text":     KindText,
	".md":       KindText,
	".markdown": KindText,
	".png":      KindImage,
	".jpg":      KindImage,
	".jpeg":     KindImage,
	".gif":      KindImage,
	".bmp":      KindImage,
	".tif":      KindImage,
	".tiff":     KindImage,
	".webp":     KindImage,
}

// Classify picks the file kind from the MIME type, falling back to the file extension.
func Classify(fileName, mimeType string) Kind {
	if mt := normalizeMime(mimeType); mt != "" && mt != "application/octet-stream" {
		if k, ok := mimeKinds[mt]; ok {
			return k
		}
		if strings.HasPrefix(mt, "image/") {
			return KindImage
		}
	}
	if k, ok := extKinds[strings.ToLower(filepath.Ext(fileName))]; ok {
		return k
	}
	return KindUnsupported
}

func normalizeMime(mimeType string) string {
	mimeType = strings.TrimSpace(mimeType)
	if mimeType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return strings.ToLower(mimeType)
	}
	return mt
}

// Options configures the extractor.
//
// OCR:           optional engine for images; nil disables image text extraction.
// MinConfidence: OCR results with a lower mean confidence (0-100) are discarded.
// MaxImageDim:   images are downsampled so the longest side is at most this many pixels.
type Options struct {
	OCR           OCREngine
	MinConfidence float64
	MaxImageDim   int
	Logger        *zap.Logger
}

// DocconvExtractor implements core.DocumentExtractor using sajari/docconv.
type DocconvExtractor struct {
	ocr           OCREngine
	minConfidence float64
	maxImageDim   int
	logger        *zap.Logger
}

func NewDocconvExtractor(opts Options) *DocconvExtractor {
	if opts.MaxImageDim <= 0 {
		opts.MaxImageDim = 2000
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &DocconvExtractor{
		ocr:           opts.OCR,
		minConfidence: opts.MinConfidence,
		maxImageDim:   opts.MaxImageDim,
		logger:        opts.Logger.Named("extractor"),
	}
}

// Extract converts data to plain text. Unsupported types come back with Found=false
// and no error; parse failures come back as *core.ExtractionError.
func (e *DocconvExtractor) Extract(ctx context.Context, data []byte, fileName, mimeType string) (*core.ExtractedText, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	kind := Classify(fileName, mimeType)
	meta := map[string]string{
		"file_name": fileName,
		"mime_type": mimeType,
		"file_size": strconv.Itoa(len(data)),
		"kind":      string(kind),
	}
	fail := func(err error) (*core.ExtractedText, error) {
		return nil, &core.ExtractionError{FileName: fileName, MimeType: mimeType, Err: err}
	}

	var (
		text string
		err  error
	)
	switch kind {
	case KindPDF:
		text, err = e.extractPDF(data, meta)
	case KindDocx:
		text, _, err = docconv.ConvertDocx(bytes.NewReader(data))
	case KindDoc:
		text, _, err = docconv.ConvertDoc(bytes.NewReader(data))
	case KindText:
		text = decodeText(data)
	case KindImage:
		text, err = e.extractImage(ctx, data, meta)
	default:
		e.logger.Debug("no extractor for file type",
			zap.String("file_name", fileName), zap.String("mime_type", mimeType))
		return &core.ExtractedText{Metadata: meta}, nil
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return fail(err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		e.logger.Info("extracted empty text",
			zap.String("file_name", fileName), zap.String("kind", string(kind)))
		return &core.ExtractedText{Metadata: meta}, nil
	}

	return &core.ExtractedText{Text: text, Metadata: meta, Found: true}, nil
}

// extractPDF runs pdftotext through docconv; pages come back separated by form feeds.
func (e *DocconvExtractor) extractPDF(data []byte, meta map[string]string) (string, error) {
	body, pdfMeta, err := docconv.ConvertPDF(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("pdf: %w", err)
	}

	pages := strings.Split(body, "\f")
	kept := pages[:0]
	for _, p := range pages {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}

	pageCount := len(kept)
	if n, err := strconv.Atoi(strings.TrimSpace(pdfMeta["Pages"])); err == nil && n > 0 {
		pageCount = n
	}
	meta["page_count"] = strconv.Itoa(pageCount)

	return strings.Join(kept, "\n\n"), nil
}

func (e *DocconvExtractor) extractImage(ctx context.Context, data []byte, meta map[string]string) (string, error) {
	if e.ocr == nil {
		return "", nil
	}

	prepared, err := prepareForOCR(data, e.maxImageDim)
	if err != nil {
		return "", fmt.Errorf("image: %w", err)
	}

	res, err := e.ocr.Recognize(ctx, prepared)
	if err != nil {
		return "", fmt.Errorf("ocr: %w", err)
	}
	meta["ocr_confidence"] = strconv.FormatFloat(res.Confidence, 'f', 1, 64)

	if res.Confidence < e.minConfidence {
		e.logger.Info("discarding low-confidence OCR result",
			zap.Float64("confidence", res.Confidence), zap.Float64("min_confidence", e.minConfidence))
		return "", nil
	}
	return res.Text, nil
}

// decodeText treats data as UTF-8, dropping a byte order mark and replacing invalid sequences.
func decodeText(data []byte) string {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if utf8.Valid(data) {
		return string(data)
	}
	return strings.ToValidUTF8(string(data), "�")
}
