// Package adapters wraps the external tools the pipeline drives: Tika for
// text extraction, poppler for PDF rendering, tesseract for OCR, pdfcpu for
// PDF assembly and surgery, and ffmpeg/pandoc for media and document
// conversion. Every adapter is an interface so pipeline tests can stub it.
package adapters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"time"

	"fileforge/internal/models"
)

// Extractor pulls embedded text and metadata out of a document.
type Extractor interface {
	Extract(ctx context.Context, path string) (text string, metadata map[string]string, err error)
}

// Renderer rasterizes PDF pages to images.
type Renderer interface {
	PageCount(ctx context.Context, path string) (int, error)
	// RenderRange renders pages first..last (1-based, inclusive) at the
	// given DPI into dir and returns the image paths in page order.
	RenderRange(ctx context.Context, path string, first, last, dpi int, dir string) ([]string, error)
}

// Recognizer runs OCR over a single page image.
type Recognizer interface {
	Recognize(ctx context.Context, imagePath, lang string, dpi int) (text string, confidence float64, err error)
}

// Composer assembles page images into a PDF.
type Composer interface {
	Compose(ctx context.Context, imagePaths []string, outPath string) error
}

// Converter transforms one file into another format.
type Converter interface {
	// Convert writes the converted file and returns its path. The output
	// path is derived from outBase plus a format-appropriate extension.
	Convert(ctx context.Context, inPath, outBase string, opts models.Options) (string, error)
}

// FatalError marks a failure that must fail the whole job rather than
// degrade a single page.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatalf builds a FatalError.
func Fatalf(format string, a ...any) error {
	return &FatalError{Err: fmt.Errorf(format, a...)}
}

// IsFatal reports whether err (or anything it wraps) is a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Runner lets us stub external commands in tests.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb

	err := cmd.Run()
	if err != nil {
		log.Printf("exec %s failed after %s: %v: %s",
			name, time.Since(start).Round(time.Millisecond), err, truncate(errb.String(), 8<<10))
	}
	return out.Bytes(), errb.Bytes(), err
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
