package adapters

import (
	"context"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// PDFComposer assembles rendered page images back into a single PDF.
type PDFComposer struct{}

func NewPDFComposer() *PDFComposer {
	return &PDFComposer{}
}

// Compose imports the page images, in order, into a fresh PDF at outPath.
// Composition failure loses the whole searchable-PDF artifact, so it is
// always fatal.
func (PDFComposer) Compose(ctx context.Context, imagePaths []string, outPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(imagePaths) == 0 {
		return Fatalf("compose pdf: no page images")
	}
	if err := pdfapi.ImportImagesFile(imagePaths, outPath, nil, nil); err != nil {
		return Fatalf("compose pdf: %w", err)
	}
	return nil
}

// ValidatePDF rejects files that are not parseable PDFs before any
// rendering or extraction is attempted.
func ValidatePDF(path string) error {
	if err := pdfapi.ValidateFile(path, nil); err != nil {
		return Fatalf("validate pdf: %w", err)
	}
	return nil
}
