package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/sonitag/internal/logging"
)

// funcPinger adapts a Ping method to the Pinger interface.
type funcPinger struct {
	// name identifies the dependency in readiness responses.
	name string
	// ping probes the dependency.
	ping func(ctx context.Context) error
}

// NewPinger wraps ping under name. Clients with their own Ping method
// (the sidecar client, the Qdrant mirror) are registered through it.
func NewPinger(name string, ping func(ctx context.Context) error) Pinger {
	return &funcPinger{name: name, ping: ping}
}

// Name returns the dependency label used in readiness responses.
func (p *funcPinger) Name() string { return p.name }

// Ping runs the wrapped probe.
func (p *funcPinger) Ping(ctx context.Context) error { return p.ping(ctx) }

// HTTPPinger probes a dependency with a GET request. Any status below 500
// counts as reachable.
type HTTPPinger struct {
	// name identifies the dependency in readiness responses.
	name string
	// url is the probed endpoint.
	url string
	// client performs the request.
	client *http.Client
}

// NewHTTPPinger constructs an HTTPPinger, e.g. for an Ollama host's
// /api/tags endpoint.
func NewHTTPPinger(name, url string) *HTTPPinger {
	return &HTTPPinger{name: name, url: url, client: &http.Client{Timeout: probeTimeout}}
}

// Name returns the dependency label used in readiness responses.
func (p *HTTPPinger) Name() string { return p.name }

// Ping issues the GET request.
func (p *HTTPPinger) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("unreachable: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

// LLMPinger probes a hosted chat model with a single-token generate request.
// Results are cached for ttl so frequent readiness polls do not spend
// tokens on every call.
type LLMPinger struct {
	// model is the chat model to probe.
	model model.BaseChatModel
	// name identifies the backend in readiness responses (e.g. "openai").
	name string
	// ttl is how long a successful probe is trusted.
	ttl time.Duration
	// mu guards okUntil.
	mu sync.Mutex
	// okUntil is the expiry of the last successful probe.
	okUntil time.Time
}

// NewLLMPinger constructs an LLMPinger for the given model and backend name.
func NewLLMPinger(m model.BaseChatModel, name string, ttl time.Duration) *LLMPinger {
	return &LLMPinger{model: m, name: name, ttl: ttl}
}

// Name returns the backend label used in readiness responses.
func (p *LLMPinger) Name() string { return p.name }

// Ping sends "ping" to the model unless a recent probe succeeded.
func (p *LLMPinger) Ping(ctx context.Context) error {
	p.mu.Lock()
	fresh := time.Now().Before(p.okUntil)
	p.mu.Unlock()
	if fresh {
		return nil
	}
	logging.FromContext(ctx).Debug("pinger: generate-based health check, tokens will be consumed",
		slog.String("backend", p.name),
	)
	resp, err := p.model.Generate(ctx, []*schema.Message{schema.UserMessage("ping")})
	if err != nil {
		return fmt.Errorf("generate failed: %w", err)
	}
	if resp == nil {
		return fmt.Errorf("generate returned nil response")
	}
	p.mu.Lock()
	p.okUntil = time.Now().Add(p.ttl)
	p.mu.Unlock()
	return nil
}
