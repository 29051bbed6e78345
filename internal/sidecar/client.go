// Package sidecar is the HTTP client for the model inference sidecar: the
// process that hosts the audio models (CLAP, TTMR++, Demucs) and the feature
// extractor. Requests carry file paths rather than audio bytes, so the
// sidecar must share the upload and stem directories with sonitag.
package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Audio embedding models served by the sidecar.
const (
	// ModelCLAP produces 512-dimensional audio-content embeddings.
	ModelCLAP = "clap"
	// ModelTTMR produces 128-dimensional joint audio-text embeddings.
	ModelTTMR = "ttmr"
)

// Stem names in the order results are reported.
var StemNames = []string{"vocals", "drums", "bass", "other"}

// Stems maps a stem name to the path of its separated audio file.
type Stems map[string]string

// Features are the signal-level descriptors of one audio file.
type Features struct {
	// DurationSec is the file duration in seconds.
	DurationSec float64 `json:"duration_sec"`
	// TempoBPM is the estimated tempo.
	TempoBPM float64 `json:"tempo_bpm"`
	// Chroma is the 12-bin mean chroma vector.
	Chroma []float64 `json:"chroma_vector"`
}

// Config holds the settings for constructing a Client.
type Config struct {
	// BaseURL is the sidecar root URL (e.g. "http://localhost:8765").
	BaseURL string
	// Timeout bounds each request. Stem separation is slow; defaults to 5m.
	Timeout time.Duration
}

// Client talks to the sidecar. It is safe for concurrent use.
type Client struct {
	// baseURL has no trailing slash.
	baseURL string
	// client is the shared HTTP client.
	client *http.Client
}

// New constructs a Client from cfg.
func New(cfg *Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// pathRequest is the body of every file-based request.
type pathRequest struct {
	Path  string `json:"path"`
	Model string `json:"model,omitempty"`
}

// errorBody is the sidecar's error envelope.
type errorBody struct {
	Error string `json:"error"`
}

// EmbedAudio returns the embedding of the file at path under model.
func (c *Client) EmbedAudio(ctx context.Context, model, path string) ([]float32, error) {
	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := c.post(ctx, "/v1/embed/audio", pathRequest{Path: path, Model: model}, &out); err != nil {
		return nil, err
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("sidecar: %s returned an empty embedding for %s", model, path)
	}
	return out.Embedding, nil
}

// CLAP embeds path with the CLAP model. Its signature matches
// builder.EmbedFunc.
func (c *Client) CLAP(ctx context.Context, path string) ([]float32, error) {
	return c.EmbedAudio(ctx, ModelCLAP, path)
}

// TTMR embeds path with the TTMR++ model.
func (c *Client) TTMR(ctx context.Context, path string) ([]float32, error) {
	return c.EmbedAudio(ctx, ModelTTMR, path)
}

// Separate splits the file at path into stems. The sidecar caches results,
// so repeated calls for the same file are cheap. Every name in StemNames is
// present in the result.
func (c *Client) Separate(ctx context.Context, path string) (Stems, error) {
	var out struct {
		Stems Stems `json:"stems"`
	}
	if err := c.post(ctx, "/v1/separate", pathRequest{Path: path}, &out); err != nil {
		return nil, err
	}
	for _, name := range StemNames {
		if out.Stems[name] == "" {
			return nil, fmt.Errorf("sidecar: separation of %s returned no %s stem", path, name)
		}
	}
	return out.Stems, nil
}

// Features extracts duration, tempo and chroma from the file at path.
func (c *Client) Features(ctx context.Context, path string) (*Features, error) {
	var out Features
	if err := c.post(ctx, "/v1/features", pathRequest{Path: path}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Energy returns the mean RMS energy of the file at path.
func (c *Client) Energy(ctx context.Context, path string) (float64, error) {
	var out struct {
		RMS float64 `json:"rms"`
	}
	if err := c.post(ctx, "/v1/energy", pathRequest{Path: path}, &out); err != nil {
		return 0, err
	}
	return out.RMS, nil
}

// Ping checks that the sidecar is reachable and healthy.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("sidecar: create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sidecar: unreachable: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sidecar: health returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// post sends in as JSON to endpoint and decodes a 2xx response into out.
func (c *Client) post(ctx context.Context, endpoint string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("sidecar: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("sidecar: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sidecar: %s: request failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("sidecar: %s: read response: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
		var eb errorBody
		if json.Unmarshal(body, &eb) == nil && eb.Error != "" {
			msg = eb.Error
		}
		return fmt.Errorf("sidecar: %s: %s", endpoint, msg)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("sidecar: %s: decode response: %w", endpoint, err)
	}
	return nil
}
