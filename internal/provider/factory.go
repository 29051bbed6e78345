package provider

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"

	"github.com/54b3r/sonitag/internal/config"
)

// constructor builds the chat model for one Backend from a validated Config.
type constructor func(context.Context, *Config) (model.BaseChatModel, error)

// constructors maps every supported Backend to its builder in backends.go.
var constructors = map[Backend]constructor{
	BackendOllama:  newOllama,
	BackendOpenAI:  newOpenAI,
	BackendAzure:   newAzure,
	BackendBedrock: newBedrock,
	BackendGemini:  newGemini,
}

// ConfigFromEnv reads the tagger's model settings. MODEL_PROVIDER picks the
// backend (default ollama); every backend keeps its vendor's usual variable
// names so existing credentials work unchanged:
//
//	ollama   OLLAMA_HOST, OLLAMA_MODEL (llama3.1)
//	openai   OPENAI_API_KEY, OPENAI_MODEL (gpt-4o-mini), OPENAI_BASE_URL
//	azure    AZURE_OPENAI_API_KEY, AZURE_OPENAI_ENDPOINT, AZURE_OPENAI_DEPLOYMENT,
//	         AZURE_OPENAI_API_VERSION (2024-02-01)
//	bedrock  AWS_REGION (us-east-1), BEDROCK_MODEL_ID, BEDROCK_API_KEY, BEDROCK_BASE_URL
//	gemini   GOOGLE_API_KEY, GEMINI_MODEL (gemini-1.5-flash)
//
// MODEL_MAX_TOKENS (1024) and MODEL_TEMPERATURE (0.7) apply to all of them.
// A YAML config file reaches these through config.Load, which exports its
// values into the same variables.
func ConfigFromEnv() *Config {
	return &Config{
		Backend: Backend(config.Env("MODEL_PROVIDER", string(BackendOllama))),
		Ollama: ProviderOllama{
			Host:  config.Env("OLLAMA_HOST", "http://localhost:11434"),
			Model: config.Env("OLLAMA_MODEL", "llama3.1"),
		},
		OpenAI: ProviderOpenAI{
			APIKey:  config.Env("OPENAI_API_KEY", ""),
			Model:   config.Env("OPENAI_MODEL", "gpt-4o-mini"),
			BaseURL: config.Env("OPENAI_BASE_URL", ""),
		},
		AzureOpenAI: ProviderAzureOpenAI{
			APIKey:     config.Env("AZURE_OPENAI_API_KEY", ""),
			Endpoint:   config.Env("AZURE_OPENAI_ENDPOINT", ""),
			Deployment: config.Env("AZURE_OPENAI_DEPLOYMENT", ""),
			APIVersion: config.Env("AZURE_OPENAI_API_VERSION", "2024-02-01"),
		},
		Bedrock: ProviderBedrock{
			AWSRegion: config.Env("AWS_REGION", "us-east-1"),
			ModelID:   config.Env("BEDROCK_MODEL_ID", ""),
			APIKey:    config.Env("BEDROCK_API_KEY", ""),
			BaseURL:   config.Env("BEDROCK_BASE_URL", ""),
		},
		Gemini: ProviderGemini{
			APIKey: config.Env("GOOGLE_API_KEY", ""),
			Model:  config.Env("GEMINI_MODEL", "gemini-1.5-flash"),
		},
		Tuning: SharedTuning{
			MaxTokens:   config.EnvInt("MODEL_MAX_TOKENS", 1024),
			Temperature: config.EnvFloat32("MODEL_TEMPERATURE", 0.7),
		},
	}
}

// NewFromEnv is New(ctx, ConfigFromEnv()).
func NewFromEnv(ctx context.Context) (model.BaseChatModel, error) {
	return New(ctx, ConfigFromEnv())
}

// New validates cfg and builds the chat model for cfg.Backend.
func New(ctx context.Context, cfg *Config) (model.BaseChatModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	build, ok := constructors[cfg.Backend]
	if !ok {
		return nil, fmt.Errorf("provider: unknown backend %q", cfg.Backend)
	}
	return build(ctx, cfg)
}
