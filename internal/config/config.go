// Package config loads an optional YAML file into the environment variables
// the rest of sonitag reads. Precedence is env > file > built-in defaults:
// a value from the file is only exported when its variable is unset.
//
// File search order:
//  1. --config CLI flag (must exist)
//  2. SONITAG_CONFIG environment variable
//  3. ~/.sonitag/config.yaml
//  4. ./sonitag.yaml
//
// With no file the process runs from env vars alone.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the YAML file layout. Every leaf carries an env tag naming the
// variable it populates.
type Config struct {
	Data      DataConfig      `yaml:"data"`
	Sidecar   SidecarConfig   `yaml:"sidecar"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Model     ModelConfig     `yaml:"model"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Qdrant    QdrantConfig    `yaml:"qdrant"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	History   HistoryConfig   `yaml:"history"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// DataConfig locates the index files.
type DataConfig struct {
	// Dir holds every <name>.vec / <name>.json pair.
	Dir string `yaml:"dir" env:"SONITAG_DATA_DIR"`
	// RegistryCapacity bounds the number of open indices.
	RegistryCapacity int `yaml:"registry_capacity" env:"SONITAG_REGISTRY_CAPACITY"`
}

// SidecarConfig reaches the model inference sidecar.
type SidecarConfig struct {
	URL string `yaml:"url" env:"SIDECAR_URL"`
	// Timeout is a Go duration string, e.g. "90s".
	Timeout string `yaml:"timeout" env:"SIDECAR_TIMEOUT"`
}

// AnalysisConfig tunes the per-upload pipeline.
type AnalysisConfig struct {
	// Neighbors is k per reference space.
	Neighbors int `yaml:"neighbors" env:"SONITAG_NEIGHBORS"`
	// StemWorkers bounds concurrent stem analyses.
	StemWorkers int `yaml:"stem_workers" env:"SONITAG_STEM_WORKERS"`
	// UploadDir must be readable by the sidecar.
	UploadDir string `yaml:"upload_dir" env:"SONITAG_UPLOAD_DIR"`
}

// ModelConfig selects the chat model that writes tags and summaries.
type ModelConfig struct {
	// Provider is ollama, openai, azure, bedrock or gemini.
	Provider    string  `yaml:"provider" env:"MODEL_PROVIDER"`
	MaxTokens   int     `yaml:"max_tokens" env:"MODEL_MAX_TOKENS"`
	Temperature float32 `yaml:"temperature" env:"MODEL_TEMPERATURE"`

	Ollama struct {
		Host  string `yaml:"host" env:"OLLAMA_HOST"`
		Model string `yaml:"model" env:"OLLAMA_MODEL"`
	} `yaml:"ollama"`

	OpenAI struct {
		APIKey  string `yaml:"api_key" env:"OPENAI_API_KEY"`
		Model   string `yaml:"model" env:"OPENAI_MODEL"`
		BaseURL string `yaml:"base_url" env:"OPENAI_BASE_URL"`
	} `yaml:"openai"`

	Azure struct {
		APIKey     string `yaml:"api_key" env:"AZURE_OPENAI_API_KEY"`
		Endpoint   string `yaml:"endpoint" env:"AZURE_OPENAI_ENDPOINT"`
		Deployment string `yaml:"deployment" env:"AZURE_OPENAI_DEPLOYMENT"`
		APIVersion string `yaml:"api_version" env:"AZURE_OPENAI_API_VERSION"`
	} `yaml:"azure"`

	Bedrock struct {
		Region  string `yaml:"region" env:"AWS_REGION"`
		ModelID string `yaml:"model_id" env:"BEDROCK_MODEL_ID"`
		APIKey  string `yaml:"api_key" env:"BEDROCK_API_KEY"`
		BaseURL string `yaml:"base_url" env:"BEDROCK_BASE_URL"`
	} `yaml:"bedrock"`

	Gemini struct {
		APIKey string `yaml:"api_key" env:"GOOGLE_API_KEY"`
		Model  string `yaml:"model" env:"GEMINI_MODEL"`
	} `yaml:"gemini"`
}

// EmbeddingConfig selects the text embedding backend. Unset fields inherit
// from the chat model's settings.
type EmbeddingConfig struct {
	Provider string `yaml:"provider" env:"EMBEDDING_PROVIDER"`
	Model    string `yaml:"model" env:"EMBEDDING_MODEL"`
	// Dimensions must match the text index.
	Dimensions     int    `yaml:"dimensions" env:"EMBEDDING_DIMENSIONS"`
	APIKey         string `yaml:"api_key" env:"EMBEDDING_API_KEY"`
	Endpoint       string `yaml:"endpoint" env:"EMBEDDING_ENDPOINT"`
	TimeoutSeconds int    `yaml:"timeout_seconds" env:"EMBEDDING_TIMEOUT_SECONDS"`
}

// QdrantConfig enables the optional Qdrant mirror.
type QdrantConfig struct {
	// Host empty disables the mirror.
	Host   string `yaml:"host" env:"QDRANT_HOST"`
	Port   int    `yaml:"port" env:"QDRANT_PORT"`
	APIKey string `yaml:"api_key" env:"QDRANT_API_KEY"`
	TLS    bool   `yaml:"tls" env:"QDRANT_TLS"`
}

// ServerConfig configures `sonitag serve`.
type ServerConfig struct {
	Host string `yaml:"host" env:"SONITAG_HOST"`
	Port int    `yaml:"port" env:"SONITAG_PORT"`
	// APIKey is the bearer token; empty disables authentication.
	APIKey string `yaml:"api_key" env:"SONITAG_API_KEY"`
}

// LoggingConfig configures internal/logging.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// HistoryConfig locates the analysis history database.
type HistoryConfig struct {
	// DBPath "disabled" turns history off.
	DBPath string `yaml:"db_path" env:"SONITAG_HISTORY_DB"`
}

// TracingConfig configures Langfuse.
type TracingConfig struct {
	PublicKey string `yaml:"public_key" env:"LANGFUSE_PUBLIC_KEY"`
	SecretKey string `yaml:"secret_key" env:"LANGFUSE_SECRET_KEY"`
	Host      string `yaml:"host" env:"LANGFUSE_HOST"`
}

// Var is one environment variable a Config would export.
type Var struct {
	Key   string
	Value string
}

// Vars lists the non-zero leaves of c in declaration order.
func (c *Config) Vars() []Var {
	var out []Var
	collect(reflect.ValueOf(c).Elem(), &out)
	return out
}

func collect(v reflect.Value, out *[]Var) {
	t := v.Type()
	for i := range t.NumField() {
		f, fv := t.Field(i), v.Field(i)
		if fv.Kind() == reflect.Struct {
			collect(fv, out)
			continue
		}
		key := f.Tag.Get("env")
		if key == "" || fv.IsZero() {
			continue
		}
		var s string
		switch fv.Kind() {
		case reflect.String:
			s = fv.String()
		case reflect.Int:
			s = strconv.FormatInt(fv.Int(), 10)
		case reflect.Float32:
			s = strconv.FormatFloat(fv.Float(), 'f', -1, 32)
		case reflect.Bool:
			s = strconv.FormatBool(fv.Bool())
		default:
			continue
		}
		*out = append(*out, Var{Key: key, Value: s})
	}
}

// Parse decodes a YAML document. Unknown keys are rejected so a misspelt
// setting fails loudly instead of being ignored.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return &cfg, nil
}

// Load finds the config file, parses it and exports each of its values
// whose variable is still unset. It returns the path that was loaded, or ""
// when no file was found.
func Load(explicitPath string, log *slog.Logger) (string, error) {
	path, err := resolveConfigPath(explicitPath)
	if err != nil {
		return "", err
	}
	if path == "" {
		log.Debug("config: no YAML config file found, using env vars only")
		return "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return "", fmt.Errorf("config: parse %s: %w", path, err)
	}

	applied, shadowed := 0, 0
	for _, v := range cfg.Vars() {
		if os.Getenv(v.Key) != "" {
			shadowed++
			continue
		}
		if err := os.Setenv(v.Key, v.Value); err != nil {
			return "", fmt.Errorf("config: set %s: %w", v.Key, err)
		}
		applied++
	}

	log.Info("config: loaded YAML config",
		slog.String("path", path),
		slog.Int("keys_applied", applied),
		slog.Int("keys_shadowed_by_env", shadowed),
	)
	return path, nil
}

// resolveConfigPath returns the first config file that exists. An explicit
// path that does not exist is an error.
func resolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config: %w", err)
		}
		return explicit, nil
	}

	candidates := []string{os.Getenv("SONITAG_CONFIG")}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".sonitag", "config.yaml"))
	}
	candidates = append(candidates, "sonitag.yaml")

	for _, p := range candidates {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", nil
}

// Env returns the value of key, or fallback when it is unset or empty.
func Env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// EnvInt returns the integer value of key, or fallback when it is unset,
// empty or unparseable.
func EnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

// EnvFloat32 returns the float32 value of key, or fallback when it is unset,
// empty or unparseable.
func EnvFloat32(key string, fallback float32) float32 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			return float32(f)
		}
	}
	return fallback
}
