package embedder

import (
	"context"
	"fmt"
	"time"

	"github.com/54b3r/sonitag/internal/config"
)

// Default embedding models per backend. The text index is built for 384-d
// vectors, so every default either emits 384 dimensions natively or is asked
// to truncate to it.
const (
	defaultOllamaModel  = "all-minilm"
	defaultOpenAIModel  = "text-embedding-3-small"
	defaultBedrockModel = "amazon.titan-embed-text-v2"
	defaultGeminiModel  = "text-embedding-004"

	// DefaultDimensions is the output dimension of all-minilm and the
	// dimension of the text index.
	DefaultDimensions = 384
)

// Dimensions returns EMBEDDING_DIMENSIONS when positive, else
// DefaultDimensions. Callers sizing the text index use this rather than a
// literal.
func Dimensions() int {
	if v := config.EnvInt("EMBEDDING_DIMENSIONS", 0); v > 0 {
		return v
	}
	return DefaultDimensions
}

// Backend resolves the effective embedding backend: EMBEDDING_PROVIDER, then
// MODEL_PROVIDER, then "ollama".
func Backend() string {
	return config.Env("EMBEDDING_PROVIDER", config.Env("MODEL_PROVIDER", "ollama"))
}

// Settings is the embedding configuration after inheritance from the chat
// provider's variables has been applied.
type Settings struct {
	// Backend is one of ollama, openai, azure, gemini or bedrock.
	Backend string
	// Model is EMBEDDING_MODEL or the backend default.
	Model string
	// Endpoint is EMBEDDING_ENDPOINT or the backend's own host variable.
	Endpoint string
	// APIKey is EMBEDDING_API_KEY or the backend's own key variable.
	APIKey string
	// APIVersion is only used by azure.
	APIVersion string
	// Dimensions is the vector length every response must have.
	Dimensions int
	// Timeout bounds each HTTP request; zero keeps the backend default.
	Timeout time.Duration
}

// ResolveSettings reads the embedding configuration from the environment.
// EMBEDDING_* variables win; otherwise the chat provider's credentials and
// hosts are inherited, so a single-vendor setup needs no extra variables:
//
//	EMBEDDING_PROVIDER         backend (inherits MODEL_PROVIDER, default ollama)
//	EMBEDDING_MODEL            model (backend default)
//	EMBEDDING_API_KEY          key (inherits OPENAI_API_KEY, AZURE_OPENAI_API_KEY or GOOGLE_API_KEY)
//	EMBEDDING_ENDPOINT         base URL (inherits OLLAMA_HOST or AZURE_OPENAI_ENDPOINT)
//	EMBEDDING_DIMENSIONS       vector size (384)
//	EMBEDDING_TIMEOUT_SECONDS  per-request timeout (backend default)
func ResolveSettings() Settings {
	s := Settings{
		Backend:    Backend(),
		Dimensions: Dimensions(),
		Timeout:    time.Duration(config.EnvInt("EMBEDDING_TIMEOUT_SECONDS", 0)) * time.Second,
	}
	inherit := func(own, fallback string) string {
		return config.Env(own, config.Env(fallback, ""))
	}

	switch s.Backend {
	case "ollama":
		s.Model = config.Env("EMBEDDING_MODEL", defaultOllamaModel)
		s.Endpoint = config.Env("EMBEDDING_ENDPOINT", config.Env("OLLAMA_HOST", "http://localhost:11434"))
	case "openai":
		s.Model = config.Env("EMBEDDING_MODEL", defaultOpenAIModel)
		s.Endpoint = config.Env("EMBEDDING_ENDPOINT", "https://api.openai.com/v1")
		s.APIKey = inherit("EMBEDDING_API_KEY", "OPENAI_API_KEY")
	case "azure":
		s.Model = config.Env("EMBEDDING_MODEL", defaultOpenAIModel)
		s.Endpoint = inherit("EMBEDDING_ENDPOINT", "AZURE_OPENAI_ENDPOINT")
		s.APIKey = inherit("EMBEDDING_API_KEY", "AZURE_OPENAI_API_KEY")
		s.APIVersion = config.Env("AZURE_OPENAI_API_VERSION", "2025-04-01-preview")
	case "gemini":
		s.Model = config.Env("EMBEDDING_MODEL", defaultGeminiModel)
		s.APIKey = inherit("EMBEDDING_API_KEY", "GOOGLE_API_KEY")
	case "bedrock":
		s.Model = config.Env("EMBEDDING_MODEL", defaultBedrockModel)
	}
	return s
}

// check reports the first setting the backend cannot run without.
func (s Settings) check() error {
	switch s.Backend {
	case "ollama":
		return nil
	case "openai":
		if s.APIKey == "" {
			return fmt.Errorf("embedder: no OpenAI API key found, set OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
	case "azure":
		if s.APIKey == "" {
			return fmt.Errorf("embedder: no Azure API key found, set AZURE_OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
		if s.Endpoint == "" {
			return fmt.Errorf("embedder: no Azure endpoint found, set AZURE_OPENAI_ENDPOINT or EMBEDDING_ENDPOINT")
		}
	case "gemini":
		if s.APIKey == "" {
			return fmt.Errorf("embedder: no Gemini API key found, set GOOGLE_API_KEY or EMBEDDING_API_KEY")
		}
	case "bedrock":
		// TODO: add a Bedrock embedder once eino-ext ships a Titan embedding component.
		return fmt.Errorf("embedder: bedrock embedding is not yet implemented (model: %s), set EMBEDDING_PROVIDER to ollama, openai, azure or gemini", s.Model)
	default:
		return fmt.Errorf("embedder: unknown backend %q, valid values: ollama, openai, azure, gemini", s.Backend)
	}
	return nil
}

// NewFromEnv builds the Embedder described by ResolveSettings.
func NewFromEnv(ctx context.Context) (Embedder, error) {
	return New(ctx, ResolveSettings())
}

// New builds the Embedder for s.
func New(ctx context.Context, s Settings) (Embedder, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	switch s.Backend {
	case "ollama":
		return NewOllamaEmbedder(&OllamaConfig{
			Host:       s.Endpoint,
			Model:      s.Model,
			Dimensions: s.Dimensions,
			Timeout:    s.Timeout,
		}), nil
	case "gemini":
		return NewGeminiEmbedder(ctx, &GeminiConfig{
			APIKey:     s.APIKey,
			Model:      s.Model,
			Dimensions: s.Dimensions,
		})
	default:
		cfg := &OpenAIConfig{
			BaseURL:    s.Endpoint,
			APIKey:     s.APIKey,
			Model:      s.Model,
			Dimensions: s.Dimensions,
			Timeout:    s.Timeout,
		}
		if s.Backend == "azure" {
			cfg.BaseURL = s.Endpoint + "/openai"
			cfg.Azure = true
			cfg.APIVersion = s.APIVersion
		}
		return NewOpenAIEmbedder(cfg), nil
	}
}
