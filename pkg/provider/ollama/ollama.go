// Package ollama provides a provider.Embedder backed by a local Ollama server.
//
// It calls Ollama's native /api/embed endpoint with models such as
// nomic-embed-text, mxbai-embed-large or all-minilm. The embedder is plugged
// into the any-llm "ollama" adapter, which covers generation.
//
//	e, err := ollama.New("", "nomic-embed-text") // connects to http://localhost:11434
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/clausewise/pkg/aierr"
	"github.com/MrWong99/clausewise/pkg/provider"
)

// DefaultBaseURL is the default base URL for a locally running Ollama instance.
const DefaultBaseURL = "http://localhost:11434"

var _ provider.Embedder = (*Embedder)(nil)

// Embedder implements provider.Embedder using a local Ollama server.
// It is safe for concurrent use.
type Embedder struct {
	baseURL    string
	model      string
	dimensions int
	httpClient *http.Client
}

type config struct {
	timeout    time.Duration
	dimensions int
}

// Option is a functional option for Embedder.
type Option func(*config)

// WithTimeout sets a per-request HTTP timeout on the underlying HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithDimensions pre-sets the expected vector length, overriding the built-in
// table of known models.
func WithDimensions(dims int) Option {
	return func(c *config) {
		c.dimensions = dims
	}
}

// New constructs an Ollama embedder. baseURL defaults to [DefaultBaseURL]; a
// trailing slash is stripped. model must not be empty.
func New(baseURL string, model string, opts ...Option) (*Embedder, error) {
	if model == "" {
		return nil, fmt.Errorf("ollama: model must not be empty")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	httpClient := &http.Client{}
	if cfg.timeout > 0 {
		httpClient.Timeout = cfg.timeout
	}

	dims := cfg.dimensions
	if dims == 0 {
		dims = knownDimensions(model)
	}
	return &Embedder{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		dimensions: dims,
		httpClient: httpClient,
	}, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Model           string      `json:"model"`
	Embeddings      [][]float64 `json:"embeddings"`
	PromptEvalCount int         `json:"prompt_eval_count"`
}

// Embed implements provider.Embedder.
func (e *Embedder) Embed(ctx context.Context, text string, opts provider.EmbedOptions) (provider.EmbedResult, error) {
	const op = "ollama: embed"

	model := opts.Model
	if model == "" {
		model = e.model
	}
	body, err := json.Marshal(embedRequest{Model: model, Input: []string{text}})
	if err != nil {
		return provider.EmbedResult{}, fmt.Errorf("%s: marshal request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return provider.EmbedResult{}, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return provider.EmbedResult{}, aierr.FromContext(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return provider.EmbedResult{}, aierr.New(aierr.ErrUpstream, op,
			"unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return provider.EmbedResult{}, aierr.Wrap(aierr.ErrUpstream, op+": decode response", err)
	}
	if len(result.Embeddings) == 0 || len(result.Embeddings[0]) == 0 {
		return provider.EmbedResult{}, aierr.New(aierr.ErrUpstream, op, "empty embeddings in response")
	}

	vec := result.Embeddings[0]
	want := opts.Dimensions
	if want == 0 && model == e.model {
		want = e.dimensions
	}
	if want > 0 && len(vec) != want {
		return provider.EmbedResult{}, aierr.New(aierr.ErrUpstream, op,
			"expected %d dimensions, got %d", want, len(vec))
	}
	return provider.EmbedResult{Vector: vec, Tokens: result.PromptEvalCount}, nil
}

// Model returns the default embedding model name.
func (e *Embedder) Model() string { return e.model }

// knownDimensions returns the output dimension for recognised Ollama embedding
// models, or 0 when unknown.
func knownDimensions(model string) int {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "nomic-embed-text"):
		return 768
	case strings.Contains(lower, "mxbai-embed-large"):
		return 1024
	case strings.Contains(lower, "all-minilm"):
		return 384
	default:
		return 0
	}
}
