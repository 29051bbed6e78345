// Package provider selects and constructs the chat model that writes track
// tags and summaries. Supported backends: Ollama, OpenAI, Azure OpenAI, AWS
// Bedrock (through the Ark runtime) and Google Gemini.
package provider

import (
	"fmt"
)

// Backend enumerates the supported LLM inference providers.
type Backend string

const (
	// BackendOllama selects a locally running Ollama instance.
	BackendOllama Backend = "ollama"
	// BackendOpenAI selects the OpenAI API.
	BackendOpenAI Backend = "openai"
	// BackendAzure selects Azure OpenAI Service.
	BackendAzure Backend = "azure"
	// BackendBedrock selects AWS Bedrock.
	BackendBedrock Backend = "bedrock"
	// BackendGemini selects Google Gemini via AI Studio.
	BackendGemini Backend = "gemini"
)

// ProviderOllama holds the Ollama settings.
type ProviderOllama struct {
	// Host is the Ollama base URL (OLLAMA_HOST).
	Host string
	// Model is the chat model name (OLLAMA_MODEL).
	Model string
}

// ProviderOpenAI holds the OpenAI settings.
type ProviderOpenAI struct {
	// APIKey is the bearer token (OPENAI_API_KEY).
	APIKey string
	// Model is the chat model name (OPENAI_MODEL).
	Model string
	// BaseURL overrides the API endpoint for OpenAI-compatible servers
	// (OPENAI_BASE_URL), e.g. Together or a local vLLM.
	BaseURL string
}

// ProviderAzureOpenAI holds the Azure OpenAI settings.
type ProviderAzureOpenAI struct {
	// APIKey is the api-key header value (AZURE_OPENAI_API_KEY).
	APIKey string
	// Endpoint is the resource URL (AZURE_OPENAI_ENDPOINT).
	Endpoint string
	// Deployment is the model deployment name (AZURE_OPENAI_DEPLOYMENT).
	Deployment string
	// APIVersion is the REST API version (AZURE_OPENAI_API_VERSION).
	APIVersion string
}

// ProviderBedrock holds the Bedrock settings.
type ProviderBedrock struct {
	// AWSRegion is the region (AWS_REGION).
	AWSRegion string
	// ModelID is the Bedrock model id (BEDROCK_MODEL_ID).
	ModelID string
	// APIKey is optional; the Ark runtime falls back to its own credential
	// resolution when empty.
	APIKey string
	// BaseURL is the Bedrock-compatible runtime endpoint (BEDROCK_BASE_URL).
	BaseURL string
}

// ProviderGemini holds the Gemini settings.
type ProviderGemini struct {
	// APIKey is the AI Studio key (GOOGLE_API_KEY).
	APIKey string
	// Model is the model name (GEMINI_MODEL).
	Model string
}

// SharedTuning holds generation parameters applied to every backend that
// accepts them.
type SharedTuning struct {
	// MaxTokens caps the number of tokens generated per response.
	MaxTokens int
	// Temperature controls response randomness, within [0, 2]. Tagging wants
	// some variety in wording, so the default is higher than for code.
	Temperature float32
}

// Config holds all provider-level configuration. Only the block matching
// Backend is read.
type Config struct {
	// Backend identifies which inference provider to use.
	Backend Backend

	// Ollama settings.
	Ollama ProviderOllama
	// OpenAI settings.
	OpenAI ProviderOpenAI
	// AzureOpenAI settings.
	AzureOpenAI ProviderAzureOpenAI
	// Bedrock settings.
	Bedrock ProviderBedrock
	// Gemini settings.
	Gemini ProviderGemini

	// Tuning applies to all backends.
	Tuning SharedTuning
}

// setting pairs a required value with the variable that supplies it.
type setting struct {
	env   string
	value string
}

// required returns the settings the selected backend cannot run without,
// and false for an unknown backend.
func (c *Config) required() ([]setting, bool) {
	switch c.Backend {
	case BackendOllama:
		return []setting{{"OLLAMA_MODEL", c.Ollama.Model}}, true
	case BackendOpenAI:
		return []setting{{"OPENAI_API_KEY", c.OpenAI.APIKey}, {"OPENAI_MODEL", c.OpenAI.Model}}, true
	case BackendAzure:
		return []setting{
			{"AZURE_OPENAI_API_KEY", c.AzureOpenAI.APIKey},
			{"AZURE_OPENAI_ENDPOINT", c.AzureOpenAI.Endpoint},
			{"AZURE_OPENAI_DEPLOYMENT", c.AzureOpenAI.Deployment},
		}, true
	case BackendBedrock:
		return []setting{{"BEDROCK_MODEL_ID", c.Bedrock.ModelID}, {"AWS_REGION", c.Bedrock.AWSRegion}}, true
	case BackendGemini:
		return []setting{{"GOOGLE_API_KEY", c.Gemini.APIKey}, {"GEMINI_MODEL", c.Gemini.Model}}, true
	default:
		return nil, false
	}
}

// Validate checks that the selected backend has the settings it needs. The
// error names the first missing environment variable.
func (c *Config) Validate() error {
	reqs, ok := c.required()
	if !ok {
		return fmt.Errorf("provider: unknown backend %q (valid: ollama, openai, azure, bedrock, gemini)", c.Backend)
	}
	for _, r := range reqs {
		if r.value == "" {
			return fmt.Errorf("provider: %s requires %s", c.Backend, r.env)
		}
	}
	if c.Tuning.Temperature < 0 || c.Tuning.Temperature > 2 {
		return fmt.Errorf("provider: MODEL_TEMPERATURE %.2f outside [0, 2]", c.Tuning.Temperature)
	}
	return nil
}

// ModelName returns the model or deployment the config selects, for logs.
func (c *Config) ModelName() string {
	switch c.Backend {
	case BackendOllama:
		return c.Ollama.Model
	case BackendOpenAI:
		return c.OpenAI.Model
	case BackendAzure:
		return c.AzureOpenAI.Deployment
	case BackendBedrock:
		return c.Bedrock.ModelID
	case BackendGemini:
		return c.Gemini.Model
	default:
		return ""
	}
}
