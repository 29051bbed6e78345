package embedder

import (
	"log/slog"
	"os"
	"strings"
)

// knownChatModelPrefixes contains name fragments that identify chat/completion
// models which are NOT suitable for embedding. If EMBEDDING_MODEL matches any
// of these, a warning is emitted so the operator knows they may have
// misconfigured the pipeline.
var knownChatModelPrefixes = []string{
	"gpt-4",
	"gpt-3.5",
	"gpt-35",
	"o1",
	"o3",
	"llama3",
	"llama2",
	"llama-3",
	"llama-2",
	"mistral",
	"mixtral",
	"gemma",
	"phi-",
	"phi3",
	"claude",
	"command-r",
	"deepseek",
	"qwen",
	"solar",
	"vicuna",
	"falcon",
	"yi-",
}

// looksLikeChatModel returns true when the model name resembles a known
// chat/completion model rather than a dedicated embedding model.
func looksLikeChatModel(model string) bool {
	lower := strings.ToLower(model)
	for _, prefix := range knownChatModelPrefixes {
		if strings.Contains(lower, prefix) {
			return true
		}
	}
	return false
}

// Validate resolves the embedding settings and reports the first missing
// credential or endpoint. It also warns, without failing, when the backend
// was silently inherited from MODEL_PROVIDER, when EMBEDDING_MODEL looks like
// a chat model, and when the dimension differs from the 384-d default that
// existing text indices were built with.
//
// Call it before NewFromEnv so a bad setup fails at startup rather than on
// the first analysis.
func Validate(log *slog.Logger) error {
	s := ResolveSettings()

	if s.Backend != "ollama" && os.Getenv("EMBEDDING_PROVIDER") == "" {
		log.Warn("embedder: EMBEDDING_PROVIDER is not set, inheriting MODEL_PROVIDER as embedding backend",
			slog.String("backend", s.Backend),
			slog.String("hint", "set EMBEDDING_PROVIDER=ollama (or openai/azure/gemini) to be explicit"),
		)
	}
	if err := s.check(); err != nil {
		return err
	}

	if os.Getenv("EMBEDDING_MODEL") != "" && looksLikeChatModel(s.Model) {
		log.Warn("embedder: EMBEDDING_MODEL looks like a chat model, not an embedding model",
			slog.String("model", s.Model),
			slog.String("hint", "use a dedicated embedding model e.g. all-minilm, text-embedding-3-small"),
		)
	}
	if s.Dimensions != DefaultDimensions {
		log.Warn("embedder: EMBEDDING_DIMENSIONS differs from the default; an existing text index must match",
			slog.Int("dimensions", s.Dimensions),
			slog.Int("default", DefaultDimensions),
		)
	}
	return nil
}
