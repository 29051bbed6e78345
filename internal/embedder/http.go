package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrDimensionMismatch is returned when a backend answers with vectors whose
// length differs from the configured dimension. The text index rejects such
// vectors, so the embedder fails early instead.
var ErrDimensionMismatch = errors.New("embedder: embedding dimension mismatch")

// maxResponseBytes caps the body read from an embedding endpoint.
const maxResponseBytes = 64 << 20

// jsonEndpoint posts JSON to one embedding backend.
type jsonEndpoint struct {
	// name prefixes every error (e.g. "ollama embedder").
	name string
	// client is the shared HTTP client.
	client *http.Client
	// errorText extracts the backend's error message from a non-2xx body.
	errorText func(body []byte) string
}

// newJSONEndpoint builds a jsonEndpoint; timeout falls back to fallback.
func newJSONEndpoint(name string, timeout, fallback time.Duration, errorText func([]byte) string) *jsonEndpoint {
	if timeout <= 0 {
		timeout = fallback
	}
	return &jsonEndpoint{name: name, client: &http.Client{Timeout: timeout}, errorText: errorText}
}

// post sends in to url with header and decodes a 2xx response into out.
func (e *jsonEndpoint) post(ctx context.Context, url string, header http.Header, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", e.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", e.name, err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", e.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", e.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
		if e.errorText != nil {
			if m := e.errorText(body); m != "" {
				msg = m
			}
		}
		return fmt.Errorf("%s: %s", e.name, msg)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", e.name, err)
	}
	return nil
}

// checkVectors verifies that vecs holds want non-empty vectors of length dims
// (any length when dims is zero).
func checkVectors(name string, vecs [][]float32, want, dims int) error {
	if len(vecs) != want {
		return fmt.Errorf("%s: expected %d embeddings, got %d", name, want, len(vecs))
	}
	for i, v := range vecs {
		if len(v) == 0 {
			return fmt.Errorf("%s: embedding %d is empty", name, i)
		}
		if dims > 0 && len(v) != dims {
			return fmt.Errorf("%s: embedding %d has %d dimensions, want %d: %w", name, i, len(v), dims, ErrDimensionMismatch)
		}
	}
	return nil
}
