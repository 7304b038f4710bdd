package adapters

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// PopplerRenderer rasterizes PDF pages with pdftoppm and counts pages
// with pdfcpu so the fan-out can be planned before any rendering starts.
type PopplerRenderer struct {
	pdftoppm string
	runner   Runner
}

// NewPopplerRenderer constructs a renderer around the pdftoppm binary.
func NewPopplerRenderer(pdftoppm string) *PopplerRenderer {
	if pdftoppm == "" {
		pdftoppm = "pdftoppm"
	}
	return &PopplerRenderer{pdftoppm: pdftoppm, runner: execRunner{}}
}

func (r *PopplerRenderer) PageCount(_ context.Context, path string) (int, error) {
	n, err := pdfapi.PageCountFile(path)
	if err != nil {
		return 0, Fatalf("count pages: %w", err)
	}
	return n, nil
}

// RenderRange renders pages first..last into dir as PNGs.
// pdftoppm names outputs "<prefix>-<page>.png" with zero padding, so a
// sorted glob recovers page order within the range.
func (r *PopplerRenderer) RenderRange(ctx context.Context, path string, first, last, dpi int, dir string) ([]string, error) {
	prefix := filepath.Join(dir, fmt.Sprintf("page-%d-%d", first, last))
	args := []string{
		"-png",
		"-r", fmt.Sprintf("%d", dpi),
		"-f", fmt.Sprintf("%d", first),
		"-l", fmt.Sprintf("%d", last),
		path, prefix,
	}
	_, errb, err := r.runner.Run(ctx, r.pdftoppm, args...)
	if err != nil {
		return nil, Fatalf("render pages %d-%d: %v: %s", first, last, err, truncate(string(errb), 512))
	}

	matches, err := filepath.Glob(prefix + "-*.png")
	if err != nil {
		return nil, Fatalf("collect rendered pages: %w", err)
	}
	sort.Strings(matches)
	if want := last - first + 1; len(matches) != want {
		return nil, Fatalf("render pages %d-%d: expected %d images, got %d", first, last, want, len(matches))
	}
	return matches, nil
}
