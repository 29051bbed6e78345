package embedder

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// OllamaEmbedder embeds text with a local Ollama server (POST /api/embed).
// No API key is needed. Inputs longer than the model context are truncated
// by Ollama rather than rejected, since text blobs have no length bound.
type OllamaEmbedder struct {
	// url is the full /api/embed URL.
	url string
	// model is the embedding model name (e.g. "all-minilm").
	model string
	// dimensions is the required vector length (0 = accept any).
	dimensions int
	// endpoint performs the HTTP exchange.
	endpoint *jsonEndpoint
}

// OllamaConfig holds the settings for constructing an OllamaEmbedder.
type OllamaConfig struct {
	// Host is the Ollama server base URL (e.g. "http://localhost:11434").
	Host string
	// Model is the embedding model name (e.g. "all-minilm").
	Model string
	// Dimensions is the required vector length; responses of another length
	// fail with ErrDimensionMismatch. Zero accepts any length.
	Dimensions int
	// Timeout bounds one request. The first call may load the model, so the
	// default is a generous 60s.
	Timeout time.Duration
}

// NewOllamaEmbedder constructs an OllamaEmbedder from the given config.
func NewOllamaEmbedder(cfg *OllamaConfig) *OllamaEmbedder {
	return &OllamaEmbedder{
		url:        strings.TrimRight(cfg.Host, "/") + "/api/embed",
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		endpoint:   newJSONEndpoint("ollama embedder", cfg.Timeout, 60*time.Second, ollamaErrorText),
	}
}

type ollamaEmbedRequest struct {
	Model    string   `json:"model"`
	Input    []string `json:"input"`
	Truncate bool     `json:"truncate"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// ollamaErrorText reads Ollama's {"error": "..."} envelope.
func ollamaErrorText(body []byte) string {
	var eb struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &eb)
	return eb.Error
}

// Embed returns one vector per text, in input order.
func (e *OllamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	var out ollamaEmbedResponse
	req := ollamaEmbedRequest{Model: e.model, Input: texts, Truncate: true}
	if err := e.endpoint.post(ctx, e.url, nil, req, &out); err != nil {
		return nil, err
	}
	if err := checkVectors(e.endpoint.name, out.Embeddings, len(texts), e.dimensions); err != nil {
		return nil, err
	}
	return out.Embeddings, nil
}
