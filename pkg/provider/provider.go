// Package provider defines the uniform capability surface every AI backend
// adapter implements.
//
// An adapter wraps one vendor's HTTP API (OpenAI, Anthropic via any-llm, a local
// Ollama or whisper.cpp server, ...) and exposes embedding generation,
// generative completion (single-shot and streamed) and audio transcription.
// Callers never branch on the backend name: they resolve an [Adapter] from the
// registry and use the contract below.
//
// Implementations must be safe for concurrent use. Errors are classified with
// the kinds from package aierr; an adapter that lacks a capability fails with
// aierr.ErrUnsupported.
package provider

import (
	"context"
)

// Role values for [Message].
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a generative conversation.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string

	// Content is the text of the message.
	Content string
}

// Usage holds token accounting for a single provider call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Totals is a cumulative usage snapshot of one adapter instance.
type Totals struct {
	Tokens  int64
	CostUSD float64
}

// CompletionRequest carries everything a generative call needs.
type CompletionRequest struct {
	// Model overrides the adapter's default model name. Empty uses the default.
	Model string

	// Messages is the ordered conversation. Must not be empty.
	Messages []Message

	// Temperature in [0, 2]. Zero leaves the backend default.
	Temperature float64

	// MaxTokens caps the completion length. Zero leaves the backend default.
	MaxTokens int

	// CostPer1K is the price per 1000 tokens used for the adapter's running
	// usage snapshot.
	CostPer1K float64
}

// Completion is the result of a generative call.
type Completion struct {
	// Text is the full assistant reply.
	Text string

	// Model is the model name that served the request.
	Model string

	// Usage is the token accounting reported by the backend. Adapters estimate it
	// when the backend does not report usage.
	Usage Usage
}

// EmbedOptions tunes a single embedding call.
type EmbedOptions struct {
	// Model overrides the adapter's default embedding model.
	Model string

	// Dimensions is the documented vector length of the model. When > 0 a
	// response with a different length is rejected as an upstream error.
	Dimensions int

	// CostPer1K is the price per 1000 tokens for the usage snapshot.
	CostPer1K float64
}

// EmbedResult is a complete embedding vector.
type EmbedResult struct {
	Vector []float64

	// Tokens is the prompt token count reported by the backend, or zero when the
	// backend reports none.
	Tokens int
}

// TranscribeOptions tunes a transcription call.
type TranscribeOptions struct {
	// Model overrides the adapter's default transcription model.
	Model string

	// Language is an optional BCP-47 hint (e.g. "en", "de").
	Language string

	// Prompt is optional vocabulary or style guidance.
	Prompt string
}

// Transcription is the result of transcribing an audio payload.
type Transcription struct {
	Text        string
	DurationSec float64
	Language    string
}

// ChunkFunc receives one incremental text delta of a streamed completion.
// Returning an error stops consumption of the stream.
type ChunkFunc func(delta string) error

// Embedder produces embedding vectors.
type Embedder interface {
	// Embed returns the complete vector for text. It never returns a partial
	// vector: malformed payloads and dimension mismatches are upstream errors.
	Embed(ctx context.Context, text string, opts EmbedOptions) (EmbedResult, error)
}

// Generator produces generative completions.
type Generator interface {
	// Complete performs a synchronous single-shot generation.
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)

	// CompleteStreaming invokes onChunk for every text delta in arrival order
	// and returns the full text and usage only after the backend's terminal
	// marker was observed. A stream that ends without the marker, an onChunk
	// error or a cancelled ctx yields an error and no Completion. Cancelling ctx
	// closes the underlying transport.
	CompleteStreaming(ctx context.Context, req CompletionRequest, onChunk ChunkFunc) (*Completion, error)
}

// Transcriber converts audio to text.
type Transcriber interface {
	// Transcribe converts audio (encoded per mimeHint, e.g. "audio/wav") to text.
	Transcribe(ctx context.Context, audio []byte, mimeHint string, opts TranscribeOptions) (*Transcription, error)
}

// Adapter is the full capability surface of one backend instance.
type Adapter interface {
	Embedder
	Generator
	Transcriber

	// Name returns the backend name the adapter was built for (e.g. "openai").
	Name() string

	// UsageSnapshot returns the cumulative tokens and cost consumed through this
	// adapter instance.
	UsageSnapshot() Totals
}

// EstimateTokens returns the fixed ceil(bytes/4) token heuristic used wherever a
// backend reports no usage.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// EstimateMessages applies [EstimateTokens] over a message list.
func EstimateMessages(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateTokens(m.Content)
	}
	return total
}

// Cost returns tokens/1000 * per1K.
func Cost(tokens int, per1K float64) float64 {
	return float64(tokens) / 1000 * per1K
}
