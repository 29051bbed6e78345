// Package embedder turns analysis text blobs and search queries into the
// sentence embeddings stored in the text index. Ollama and OpenAI-compatible
// backends are spoken to over plain HTTP; Gemini goes through the genai SDK.
package embedder

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultOpenAIBatch is the number of inputs sent per request when
// OpenAIConfig.MaxBatch is zero. The API accepts up to 2048.
const DefaultOpenAIBatch = 256

// OpenAIEmbedder embeds text with the OpenAI embeddings API, an Azure
// OpenAI deployment, or any server that speaks the same protocol.
type OpenAIEmbedder struct {
	// url is the full embeddings URL, including the Azure api-version.
	url string
	// header carries the credentials.
	header http.Header
	// model is sent in the body; Azure ignores it in favour of the path.
	model string
	// dimensions is requested from the API and enforced on the response.
	dimensions int
	// maxBatch bounds the inputs per request.
	maxBatch int
	// endpoint performs the HTTP exchange.
	endpoint *jsonEndpoint
}

// OpenAIConfig holds the settings for constructing an OpenAIEmbedder.
type OpenAIConfig struct {
	// BaseURL is the API base URL. For OpenAI: "https://api.openai.com/v1".
	// For Azure: "https://<resource>.openai.azure.com/openai".
	BaseURL string
	// APIKey is sent as a Bearer token, or as the api-key header for Azure.
	APIKey string
	// Model is the embedding model name, or the Azure deployment.
	Model string
	// Dimensions is the requested vector length (0 = model default). The
	// text-embedding-3 models truncate to it natively.
	Dimensions int
	// Azure selects the deployment URL layout and api-key auth.
	Azure bool
	// APIVersion is the Azure api-version query parameter.
	APIVersion string
	// MaxBatch bounds the inputs per request (default DefaultOpenAIBatch).
	MaxBatch int
	// Timeout bounds one request (default 30s).
	Timeout time.Duration
}

// NewOpenAIEmbedder constructs an OpenAIEmbedder from the given config.
func NewOpenAIEmbedder(cfg *OpenAIConfig) *OpenAIEmbedder {
	base := strings.TrimRight(cfg.BaseURL, "/")
	header := http.Header{}
	endpointURL := base + "/embeddings"
	if cfg.Azure {
		endpointURL = base + "/deployments/" + url.PathEscape(cfg.Model) +
			"/embeddings?api-version=" + url.QueryEscape(cfg.APIVersion)
		header.Set("api-key", cfg.APIKey)
	} else {
		header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = DefaultOpenAIBatch
	}
	return &OpenAIEmbedder{
		url:        endpointURL,
		header:     header,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		maxBatch:   maxBatch,
		endpoint:   newJSONEndpoint("openai embedder", cfg.Timeout, 30*time.Second, openaiErrorText),
	}
}

type openaiEmbedRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openaiEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// openaiErrorText reads the {"error": {"message": "..."}} envelope.
func openaiErrorText(body []byte) string {
	var eb struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &eb) != nil || eb.Error == nil {
		return ""
	}
	return eb.Error.Message
}

// Embed returns one vector per text, in input order. Inputs beyond MaxBatch
// are sent in several requests.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.maxBatch {
		end := min(start+e.maxBatch, len(texts))
		vecs, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// embedBatch embeds one request's worth of texts.
func (e *OpenAIEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	req := openaiEmbedRequest{Input: texts, Model: e.model, Dimensions: e.dimensions}
	var resp openaiEmbedResponse
	if err := e.endpoint.post(ctx, e.url, e.header, req, &resp); err != nil {
		return nil, err
	}

	// Data may arrive in any order; Index is authoritative.
	vecs := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("%s: index %d out of range [0, %d)", e.endpoint.name, d.Index, len(texts))
		}
		vecs[d.Index] = d.Embedding
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%s: expected %d embeddings, got %d", e.endpoint.name, len(texts), len(resp.Data))
	}
	if err := checkVectors(e.endpoint.name, vecs, len(texts), e.dimensions); err != nil {
		return nil, err
	}
	return vecs, nil
}
