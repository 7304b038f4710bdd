package adapters

import (
	"context"
	"strings"

	"fileforge/internal/models"
)

// DocumentConverter converts between document formats with pandoc.
type DocumentConverter struct {
	pandoc string
	runner Runner
}

func NewDocumentConverter(pandoc string) *DocumentConverter {
	if pandoc == "" {
		pandoc = "pandoc"
	}
	return &DocumentConverter{pandoc: pandoc, runner: execRunner{}}
}

var documentFormats = map[string]bool{
	"pdf": true, "docx": true, "odt": true, "html": true, "md": true, "txt": true, "epub": true, "rtf": true,
}

func (d *DocumentConverter) Convert(ctx context.Context, inPath, outBase string, opts models.Options) (string, error) {
	format := strings.ToLower(opts.OutputFormat)
	if format == "" {
		format = "pdf"
	}
	if !documentFormats[format] {
		return "", Fatalf("unsupported document format %q", format)
	}

	outPath := outBase + "." + format
	args := []string{inPath, "-o", outPath}
	// pandoc maps txt to plain writer, md to gfm.
	switch format {
	case "txt":
		args = append(args, "-t", "plain")
	case "md":
		args = append(args, "-t", "gfm")
	}

	_, errb, err := d.runner.Run(ctx, d.pandoc, args...)
	if err != nil {
		return "", Fatalf("convert document: %v: %s", err, truncate(string(errb), 512))
	}
	return outPath, nil
}
