package adapters

import (
	"context"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"

	"fileforge/internal/models"
)

// PDFToolConverter applies in-place PDF operations: rotate, extract a
// page range into a new document, or optimize.
type PDFToolConverter struct{}

func NewPDFToolConverter() *PDFToolConverter {
	return &PDFToolConverter{}
}

func (PDFToolConverter) Convert(ctx context.Context, inPath, outBase string, opts models.Options) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	outPath := outBase + ".pdf"

	var pages []string
	if opts.PageRange != "" {
		pages = []string{opts.PageRange}
	}

	switch opts.PDFMode {
	case "rotate":
		degrees := opts.Degrees
		if degrees == 0 {
			degrees = 90
		}
		if err := pdfapi.RotateFile(inPath, outPath, degrees, pages, nil); err != nil {
			return "", Fatalf("rotate pdf: %w", err)
		}
	case "extract":
		if len(pages) == 0 {
			return "", Fatalf("extract pdf: page range required")
		}
		if err := pdfapi.TrimFile(inPath, outPath, pages, nil); err != nil {
			return "", Fatalf("extract pages: %w", err)
		}
	case "optimize":
		if err := pdfapi.OptimizeFile(inPath, outPath, nil); err != nil {
			return "", Fatalf("optimize pdf: %w", err)
		}
	default:
		return "", Fatalf("unknown pdf operation %q", opts.PDFMode)
	}
	return outPath, nil
}
