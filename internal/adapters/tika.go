package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// TikaExtractor talks to an Apache Tika server over HTTP.
type TikaExtractor struct {
	baseURL    string
	httpClient *http.Client
}

// NewTikaExtractor constructs a client for the given Tika base URL.
func NewTikaExtractor(baseURL string, timeout time.Duration) *TikaExtractor {
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	return &TikaExtractor{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Extract sends the file to /tika for text and /meta for metadata.
// A metadata failure is tolerated; a text failure is fatal for the job
// since nothing downstream can proceed without it.
func (t *TikaExtractor) Extract(ctx context.Context, path string) (string, map[string]string, error) {
	text, err := t.put(ctx, path, "/tika", "text/plain")
	if err != nil {
		return "", nil, Fatalf("tika extract: %w", err)
	}

	metadata := map[string]string{}
	raw, err := t.put(ctx, path, "/meta", "application/json")
	if err == nil {
		var decoded map[string]any
		if json.Unmarshal([]byte(raw), &decoded) == nil {
			for k, v := range decoded {
				if s, ok := v.(string); ok {
					metadata[k] = s
				}
			}
		}
	}
	return strings.TrimSpace(text), metadata, nil
}

func (t *TikaExtractor) put(ctx context.Context, path, endpoint, accept string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, t.baseURL+endpoint, f)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", accept)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("call tika: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("tika %s: status %d", endpoint, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read tika response: %w", err)
	}
	return string(body), nil
}
