package adapters

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// TesseractRecognizer drives the tesseract engine through gosseract.
// Each call uses a fresh client; gosseract clients are not safe for
// concurrent use and the page pool calls Recognize from many goroutines.
type TesseractRecognizer struct {
	clientFactory func() *gosseract.Client
}

// NewTesseractRecognizer constructs a tesseract-backed recognizer.
func NewTesseractRecognizer() *TesseractRecognizer {
	return &TesseractRecognizer{clientFactory: gosseract.NewClient}
}

// Recognize OCRs one page image and reports the mean word confidence
// in the 0..1 range. A page that fails here degrades, it does not fail
// the job, so errors are returned unwrapped.
func (r *TesseractRecognizer) Recognize(ctx context.Context, imagePath, lang string, dpi int) (string, float64, error) {
	select {
	case <-ctx.Done():
		return "", 0, ctx.Err()
	default:
	}

	data, err := os.ReadFile(imagePath)
	if err != nil {
		return "", 0, fmt.Errorf("read page image: %w", err)
	}

	c := r.clientFactory()
	defer c.Close()

	if err := c.SetImageFromBytes(data); err != nil {
		return "", 0, fmt.Errorf("set image: %w", err)
	}
	if lang != "" {
		if err := c.SetLanguage(lang); err != nil {
			return "", 0, fmt.Errorf("set language: %w", err)
		}
	}
	if dpi > 0 {
		if err := c.SetVariable(gosseract.SettableVariable("user_defined_dpi"), fmt.Sprint(dpi)); err != nil {
			return "", 0, fmt.Errorf("set dpi: %w", err)
		}
	}

	text, err := c.Text()
	if err != nil {
		return "", 0, fmt.Errorf("recognize text: %w", err)
	}
	return strings.TrimSpace(text), meanWordConfidence(c), nil
}

func meanWordConfidence(c *gosseract.Client) float64 {
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return 0
	}
	var sum float64
	for _, b := range boxes {
		sum += b.Confidence / 100.0
	}
	return sum / float64(len(boxes))
}
