// Package audit records one structured entry per CLI invocation: the
// command path, the config file that was loaded and the environment that
// shapes the run, grouped by the subsystem it configures. Secret variables
// are reduced to "set" or "unset".
package audit

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// section is one subsystem's environment, logged as a slog group.
type section struct {
	name string
	keys []string
}

// sections lists every environment variable the audit entry reports.
var sections = []section{
	{"runtime", []string{"SONITAG_DATA_DIR", "SONITAG_NEIGHBORS", "SONITAG_STEM_WORKERS", "SONITAG_HISTORY_DB", "LOG_LEVEL", "LOG_FORMAT"}},
	{"sidecar", []string{"SIDECAR_URL", "SIDECAR_TIMEOUT"}},
	{"model", []string{
		"MODEL_PROVIDER", "OLLAMA_HOST", "OLLAMA_MODEL",
		"OPENAI_API_KEY", "OPENAI_MODEL",
		"AZURE_OPENAI_API_KEY", "AZURE_OPENAI_ENDPOINT", "AZURE_OPENAI_DEPLOYMENT",
		"GOOGLE_API_KEY", "GEMINI_MODEL",
		"AWS_REGION", "BEDROCK_MODEL_ID", "BEDROCK_API_KEY",
	}},
	{"embedding", []string{"EMBEDDING_PROVIDER", "EMBEDDING_MODEL", "EMBEDDING_DIMENSIONS", "EMBEDDING_API_KEY"}},
	{"mirror", []string{"QDRANT_HOST", "QDRANT_PORT", "QDRANT_API_KEY"}},
	{"server", []string{"SONITAG_API_KEY"}},
	{"tracing", []string{"LANGFUSE_HOST", "LANGFUSE_PUBLIC_KEY", "LANGFUSE_SECRET_KEY"}},
}

// secretSuffixes mark variables whose values never reach a log line.
var secretSuffixes = []string{"_API_KEY", "_SECRET_KEY", "_PUBLIC_KEY", "_SECRET_ACCESS_KEY", "_TOKEN", "_PASSWORD"}

// LogCommandStart writes the audit entry for command (e.g. "sonitag index
// build") to log. configPath is the file config.Load read, or "".
func LogCommandStart(log *slog.Logger, command, configPath string) {
	attrs := make([]slog.Attr, 0, len(sections)+2)
	attrs = append(attrs,
		slog.String("command", command),
		slog.String("config_file", displayPath(configPath)),
	)
	for _, sec := range sections {
		group := make([]any, 0, len(sec.keys))
		for _, k := range sec.keys {
			group = append(group, slog.String(k, SanitiseKey(k, os.Getenv(k))))
		}
		attrs = append(attrs, slog.Group(sec.name, group...))
	}
	log.LogAttrs(context.Background(), slog.LevelInfo, "audit: command start", attrs...)
}

// IsSecret reports whether key names a credential.
func IsSecret(key string) bool {
	for _, s := range secretSuffixes {
		if strings.HasSuffix(key, s) {
			return true
		}
	}
	return false
}

// SanitiseKey returns the loggable form of an environment value: presence
// only for secrets, the value itself otherwise, and "unset" when empty.
func SanitiseKey(key, value string) string {
	switch {
	case value == "":
		return "unset"
	case IsSecret(key):
		return "set"
	default:
		return value
	}
}

// displayPath shortens p for logs: "none" when empty, home replaced by "~".
func displayPath(p string) string {
	if p == "" {
		return "none"
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return p
	}
	if rel, err := filepath.Rel(home, p); err == nil && rel != ".." && !strings.HasPrefix(rel, "../") {
		return filepath.Join("~", rel)
	}
	return p
}
