package adapters

import (
	"context"
	"strings"

	"github.com/disintegration/imaging"

	"fileforge/internal/models"
)

// ImageConverter reencodes, resizes, rotates, and grayscales images.
type ImageConverter struct{}

func NewImageConverter() *ImageConverter {
	return &ImageConverter{}
}

func (ImageConverter) Convert(ctx context.Context, inPath, outBase string, opts models.Options) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	img, err := imaging.Open(inPath)
	if err != nil {
		return "", Fatalf("decode image: %w", err)
	}

	if opts.Grayscale {
		img = imaging.Grayscale(img)
	}
	switch opts.Rotation {
	case 0:
	case 90:
		img = imaging.Rotate90(img)
	case 180:
		img = imaging.Rotate180(img)
	case 270:
		img = imaging.Rotate270(img)
	default:
		return "", Fatalf("rotation must be 0, 90, 180, or 270, got %d", opts.Rotation)
	}
	if opts.Width > 0 || opts.Height > 0 {
		img = imaging.Resize(img, opts.Width, opts.Height, imaging.Lanczos)
	}

	ext, err := imageExt(opts.OutputFormat)
	if err != nil {
		return "", err
	}
	quality := opts.Quality
	if quality <= 0 || quality > 100 {
		quality = 85
	}

	outPath := outBase + "." + ext
	if err := imaging.Save(img, outPath, imaging.JPEGQuality(quality)); err != nil {
		return "", Fatalf("encode image: %w", err)
	}
	return outPath, nil
}

// imageExt maps the requested format to the output extension.
// imaging.Save picks the encoder from the extension.
func imageExt(name string) (string, error) {
	switch strings.ToLower(name) {
	case "", "jpg", "jpeg":
		return "jpg", nil
	case "png":
		return "png", nil
	case "gif":
		return "gif", nil
	case "tiff", "tif":
		return "tiff", nil
	case "bmp":
		return "bmp", nil
	default:
		return "", Fatalf("unsupported image format %q", name)
	}
}
