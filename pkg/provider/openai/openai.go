// Package openai provides a provider.Adapter backed by the OpenAI API
// (embeddings, chat completions with streaming, and audio transcriptions).
//
// Any OpenAI-compatible server (vLLM, LM Studio, Azure gateways) can be used via
// [WithBaseURL].
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/clausewise/pkg/aierr"
	"github.com/MrWong99/clausewise/pkg/provider"
)

// Default model names used when neither the request nor the constructor names one.
const (
	DefaultChatModel          = "gpt-4o-mini"
	DefaultEmbeddingModel     = "text-embedding-3-small"
	DefaultTranscriptionModel = "whisper-1"
)

var _ provider.Adapter = (*Adapter)(nil)

// Adapter implements provider.Adapter using the OpenAI API.
type Adapter struct {
	client     oai.Client
	chatModel  string
	embedModel string
	sttModel   string
	tally      provider.Tally
}

type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	embedModel   string
	sttModel     string
	httpClient   *http.Client
}

// Option is a functional option for Adapter.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithEmbeddingModel sets the default embedding model.
func WithEmbeddingModel(model string) Option {
	return func(c *config) {
		c.embedModel = model
	}
}

// WithTranscriptionModel sets the default transcription model.
func WithTranscriptionModel(model string) Option {
	return func(c *config) {
		c.sttModel = model
	}
}

// WithHTTPClient replaces the HTTP client. WithTimeout is ignored when set.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) {
		c.httpClient = hc
	}
}

// New constructs an OpenAI adapter. chatModel may be empty, in which case
// [DefaultChatModel] is used.
func New(apiKey string, chatModel string, opts ...Option) (*Adapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if chatModel == "" {
		chatModel = DefaultChatModel
	}

	cfg := &config{
		embedModel: DefaultEmbeddingModel,
		sttModel:   DefaultTranscriptionModel,
	}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	switch {
	case cfg.httpClient != nil:
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	case cfg.timeout > 0:
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Adapter{
		client:     oai.NewClient(reqOpts...),
		chatModel:  chatModel,
		embedModel: cfg.embedModel,
		sttModel:   cfg.sttModel,
	}, nil
}

// Name implements provider.Adapter.
func (a *Adapter) Name() string { return "openai" }

// UsageSnapshot implements provider.Adapter.
func (a *Adapter) UsageSnapshot() provider.Totals { return a.tally.Snapshot() }

// Embed implements provider.Embedder.
func (a *Adapter) Embed(ctx context.Context, text string, opts provider.EmbedOptions) (provider.EmbedResult, error) {
	model := opts.Model
	if model == "" {
		model = a.embedModel
	}
	resp, err := a.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: model,
		Input: oai.EmbeddingNewParamsInputUnion{
			OfString: param.NewOpt(text),
		},
	})
	if err != nil {
		return provider.EmbedResult{}, classify("openai: embed", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return provider.EmbedResult{}, aierr.New(aierr.ErrUpstream, "openai: embed", "empty embedding in response")
	}
	vec := resp.Data[0].Embedding
	want := opts.Dimensions
	if want == 0 {
		want = modelDimensions(model)
	}
	if want > 0 && len(vec) != want {
		return provider.EmbedResult{}, aierr.New(aierr.ErrUpstream, "openai: embed",
			"expected %d dimensions, got %d", want, len(vec))
	}

	tokens := int(resp.Usage.PromptTokens)
	a.tally.Add(tokens, opts.CostPer1K)
	return provider.EmbedResult{Vector: vec, Tokens: tokens}, nil
}

// Complete implements provider.Generator.
func (a *Adapter) Complete(ctx context.Context, req provider.CompletionRequest) (*provider.Completion, error) {
	params, err := a.buildParams(req)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classify("openai: chat completion", err)
	}
	if len(resp.Choices) == 0 {
		return nil, aierr.New(aierr.ErrUpstream, "openai: chat completion", "empty choices in response")
	}

	out := &provider.Completion{
		Text:  resp.Choices[0].Message.Content,
		Model: resp.Model,
		Usage: provider.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	if out.Model == "" {
		out.Model = string(params.Model)
	}
	a.tally.Add(out.Usage.TotalTokens, req.CostPer1K)
	return out, nil
}

// CompleteStreaming implements provider.Generator. A chunk carrying a
// finish_reason is the terminal marker; the usage chunk requested through
// stream_options follows it.
func (a *Adapter) CompleteStreaming(ctx context.Context, req provider.CompletionRequest, onChunk provider.ChunkFunc) (*provider.Completion, error) {
	params, err := a.buildParams(req)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = oai.ChatCompletionStreamOptionsParam{
		IncludeUsage: param.NewOpt(true),
	}

	stream := a.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var (
		sb       strings.Builder
		usage    provider.Usage
		model    = string(params.Model)
		terminal bool
	)
	for stream.Next() {
		chunk := stream.Current()
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage.TotalTokens > 0 {
			usage = provider.Usage{
				PromptTokens:     int(chunk.Usage.PromptTokens),
				CompletionTokens: int(chunk.Usage.CompletionTokens),
				TotalTokens:      int(chunk.Usage.TotalTokens),
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if delta := choice.Delta.Content; delta != "" {
			sb.WriteString(delta)
			if err := onChunk(delta); err != nil {
				return nil, err
			}
		}
		if choice.FinishReason != "" {
			terminal = true
		}
	}
	if err := stream.Err(); err != nil {
		return nil, classify("openai: stream", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, aierr.FromContext("openai: stream", err)
	}
	if !terminal {
		return nil, aierr.New(aierr.ErrUpstream, "openai: stream", "stream ended without finish reason")
	}

	if usage.TotalTokens == 0 {
		usage.PromptTokens = provider.EstimateMessages(req.Messages)
		usage.CompletionTokens = provider.EstimateTokens(sb.String())
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	a.tally.Add(usage.TotalTokens, req.CostPer1K)
	return &provider.Completion{Text: sb.String(), Model: model, Usage: usage}, nil
}

// verboseTranscription holds the verbose_json fields the SDK type does not expose.
type verboseTranscription struct {
	Duration float64 `json:"duration"`
	Language string  `json:"language"`
}

// Transcribe implements provider.Transcriber.
func (a *Adapter) Transcribe(ctx context.Context, audio []byte, mimeHint string, opts provider.TranscribeOptions) (*provider.Transcription, error) {
	if len(audio) == 0 {
		return nil, aierr.InvalidInput("openai: transcribe", "audio must not be empty")
	}
	model := opts.Model
	if model == "" {
		model = a.sttModel
	}

	params := oai.AudioTranscriptionNewParams{
		File:           oai.File(bytes.NewReader(audio), "audio"+extensionFor(mimeHint), mimeHint),
		Model:          oai.AudioModel(model),
		ResponseFormat: oai.AudioResponseFormatVerboseJSON,
	}
	if opts.Language != "" {
		params.Language = param.NewOpt(opts.Language)
	}
	if opts.Prompt != "" {
		params.Prompt = param.NewOpt(opts.Prompt)
	}

	resp, err := a.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return nil, classify("openai: transcribe", err)
	}

	out := &provider.Transcription{Text: strings.TrimSpace(resp.Text), Language: opts.Language}
	var extra verboseTranscription
	if raw := resp.RawJSON(); raw != "" && json.Unmarshal([]byte(raw), &extra) == nil {
		out.DurationSec = extra.Duration
		if extra.Language != "" {
			out.Language = extra.Language
		}
	}
	return out, nil
}

// buildParams converts a CompletionRequest into OpenAI SDK params.
func (a *Adapter) buildParams(req provider.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return oai.ChatCompletionNewParams{}, aierr.InvalidInput("openai: build params", "messages must not be empty")
	}
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}

	model := req.Model
	if model == "" {
		model = a.chatModel
	}
	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return params, nil
}

// convertMessage converts a provider.Message to an OpenAI SDK message param.
func convertMessage(m provider.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case provider.RoleSystem:
		return oai.SystemMessage(m.Content), nil
	case provider.RoleUser:
		return oai.UserMessage(m.Content), nil
	case provider.RoleAssistant:
		return oai.AssistantMessage(m.Content), nil
	default:
		return oai.ChatCompletionMessageParamUnion{}, aierr.InvalidInput("openai: convert message", "unknown message role %q", m.Role)
	}
}

// classify maps SDK and transport failures onto the error taxonomy.
func classify(op string, err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return aierr.Wrap(aierr.ErrUpstream, fmt.Sprintf("%s: status %d", op, apiErr.StatusCode), err)
	}
	return aierr.FromContext(op, err)
}

// modelDimensions returns the embedding dimensions for known OpenAI models, or
// zero when the model is unknown.
func modelDimensions(model string) int {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "text-embedding-3-large"):
		return 3072
	case strings.Contains(lower, "text-embedding-3-small"),
		strings.Contains(lower, "text-embedding-ada-002"):
		return 1536
	default:
		return 0
	}
}

func extensionFor(mime string) string {
	switch strings.ToLower(strings.TrimSpace(strings.SplitN(mime, ";", 2)[0])) {
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/ogg", "audio/opus":
		return ".ogg"
	case "audio/webm":
		return ".webm"
	case "audio/flac":
		return ".flac"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return ".m4a"
	default:
		return ".wav"
	}
}
