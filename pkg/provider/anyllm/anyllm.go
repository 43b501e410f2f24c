// Package anyllm provides a provider.Adapter backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-vendor client for
// Anthropic, Gemini, Mistral, DeepSeek, Groq, Ollama, llama.cpp and more.
//
// any-llm covers generative completion. Embedding and transcription are
// optional plug-ins supplied with [WithEmbedder] and [WithTranscriber]; without
// them the adapter fails those calls with aierr.ErrUnsupported.
//
//	a, err := anyllm.New("anthropic", "claude-3-5-haiku-latest", anyllm.WithAPIKey("sk-ant-..."))
//	a, err := anyllm.New("ollama", "llama3.2", anyllm.WithEmbedder(ollamaEmbedder))
package anyllm

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/clausewise/pkg/aierr"
	"github.com/MrWong99/clausewise/pkg/provider"
)

// Backends lists the vendor names accepted by [New].
var Backends = []string{"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"}

var _ provider.Adapter = (*Adapter)(nil)

// Adapter implements provider.Adapter by wrapping an any-llm-go provider.
type Adapter struct {
	name        string
	backend     anyllmlib.Provider
	model       string
	embedder    provider.Embedder
	transcriber provider.Transcriber
	tally       provider.Tally
}

type config struct {
	llmOpts     []anyllmlib.Option
	embedder    provider.Embedder
	transcriber provider.Transcriber
}

// Option is a functional option for Adapter.
type Option func(*config)

// WithAPIKey sets the vendor API key. Without it any-llm falls back to the
// vendor environment variable (ANTHROPIC_API_KEY, GEMINI_API_KEY, ...).
func WithAPIKey(key string) Option {
	return func(c *config) {
		if key != "" {
			c.llmOpts = append(c.llmOpts, anyllmlib.WithAPIKey(key))
		}
	}
}

// WithBaseURL overrides the vendor endpoint.
func WithBaseURL(url string) Option {
	return func(c *config) {
		if url != "" {
			c.llmOpts = append(c.llmOpts, anyllmlib.WithBaseURL(url))
		}
	}
}

// WithLLMOptions passes raw any-llm-go options through.
func WithLLMOptions(opts ...anyllmlib.Option) Option {
	return func(c *config) {
		c.llmOpts = append(c.llmOpts, opts...)
	}
}

// WithEmbedder plugs in an embedding capability.
func WithEmbedder(e provider.Embedder) Option {
	return func(c *config) {
		c.embedder = e
	}
}

// WithTranscriber plugs in a transcription capability.
func WithTranscriber(t provider.Transcriber) Option {
	return func(c *config) {
		c.transcriber = t
	}
}

// New creates an Adapter for the named vendor (one of [Backends]). model is
// the default generative model.
func New(backendName string, model string, opts ...Option) (*Adapter, error) {
	if backendName == "" {
		return nil, fmt.Errorf("anyllm: backend name must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	backend, err := createBackend(backendName, cfg.llmOpts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", backendName, err)
	}
	return &Adapter{
		name:        strings.ToLower(backendName),
		backend:     backend,
		model:       model,
		embedder:    cfg.embedder,
		transcriber: cfg.transcriber,
	}, nil
}

func createBackend(name string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(name) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported backend %q; supported: %s", name, strings.Join(Backends, ", "))
	}
}

// Name implements provider.Adapter.
func (a *Adapter) Name() string { return a.name }

// UsageSnapshot implements provider.Adapter.
func (a *Adapter) UsageSnapshot() provider.Totals { return a.tally.Snapshot() }

// Embed implements provider.Embedder through the plugged-in embedder.
func (a *Adapter) Embed(ctx context.Context, text string, opts provider.EmbedOptions) (provider.EmbedResult, error) {
	if a.embedder == nil {
		return provider.EmbedResult{}, aierr.Unsupported("anyllm: embed", "backend %q has no embedding capability", a.name)
	}
	res, err := a.embedder.Embed(ctx, text, opts)
	if err != nil {
		return provider.EmbedResult{}, err
	}
	a.tally.Add(res.Tokens, opts.CostPer1K)
	return res, nil
}

// Transcribe implements provider.Transcriber through the plugged-in transcriber.
func (a *Adapter) Transcribe(ctx context.Context, audio []byte, mimeHint string, opts provider.TranscribeOptions) (*provider.Transcription, error) {
	if a.transcriber == nil {
		return nil, aierr.Unsupported("anyllm: transcribe", "backend %q has no transcription capability", a.name)
	}
	return a.transcriber.Transcribe(ctx, audio, mimeHint, opts)
}

// Complete implements provider.Generator.
func (a *Adapter) Complete(ctx context.Context, req provider.CompletionRequest) (*provider.Completion, error) {
	params, err := a.buildParams(req)
	if err != nil {
		return nil, err
	}

	resp, err := a.backend.Completion(ctx, params)
	if err != nil {
		return nil, aierr.FromContext("anyllm: completion", err)
	}
	if len(resp.Choices) == 0 {
		return nil, aierr.New(aierr.ErrUpstream, "anyllm: completion", "empty choices in response")
	}

	out := &provider.Completion{
		Text:  resp.Choices[0].Message.ContentString(),
		Model: params.Model,
	}
	if resp.Usage != nil {
		out.Usage = provider.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	} else {
		out.Usage = estimate(req.Messages, out.Text)
	}
	a.tally.Add(out.Usage.TotalTokens, req.CostPer1K)
	return out, nil
}

// CompleteStreaming implements provider.Generator. Any chunk carrying a finish
// reason is the terminal marker.
func (a *Adapter) CompleteStreaming(ctx context.Context, req provider.CompletionRequest, onChunk provider.ChunkFunc) (*provider.Completion, error) {
	params, err := a.buildParams(req)
	if err != nil {
		return nil, err
	}

	// Cancelling streamCtx tears the backend transport down when we stop early.
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks, errs := a.backend.CompletionStream(streamCtx, params)
	acc := &accumulator{onChunk: onChunk}
	for chunk := range chunks {
		if u := chunk.Usage; u != nil {
			acc.report(u.PromptTokens, u.CompletionTokens, u.TotalTokens)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if err := acc.observe(choice.Delta.Content, string(choice.FinishReason)); err != nil {
			return nil, err
		}
	}

	text, err := acc.finish(ctx, <-errs)
	if err != nil {
		return nil, err
	}
	out := &provider.Completion{Text: text, Model: params.Model, Usage: acc.usage(req.Messages, text)}
	a.tally.Add(out.Usage.TotalTokens, req.CostPer1K)
	return out, nil
}

// buildParams converts a CompletionRequest into any-llm CompletionParams.
func (a *Adapter) buildParams(req provider.CompletionRequest) (anyllmlib.CompletionParams, error) {
	if len(req.Messages) == 0 {
		return anyllmlib.CompletionParams{}, aierr.InvalidInput("anyllm: build params", "messages must not be empty")
	}
	messages := make([]anyllmlib.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, convertMessage(m))
	}

	model := req.Model
	if model == "" {
		model = a.model
	}
	params := anyllmlib.CompletionParams{
		Model:    model,
		Messages: messages,
	}
	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}
	return params, nil
}

func convertMessage(m provider.Message) anyllmlib.Message {
	return anyllmlib.Message{
		Role:    m.Role,
		Content: m.Content,
	}
}

func estimate(msgs []provider.Message, text string) provider.Usage {
	u := provider.Usage{
		PromptTokens:     provider.EstimateMessages(msgs),
		CompletionTokens: provider.EstimateTokens(text),
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}
