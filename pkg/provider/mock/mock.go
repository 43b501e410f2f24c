// Package mock provides a recording test double for the provider.Adapter
// interface.
//
// Use Adapter in unit tests to feed controlled vectors, completions and stream
// deltas without a live backend, and to verify what the caller sent.
// All fields are safe to set before calling any method; mutating them during a
// concurrent call is the caller's responsibility.
//
// Example:
//
//	a := &mock.Adapter{
//	    EmbedFunc: func(text string) ([]float64, error) { return []float64{1, 0, 0}, nil },
//	    StreamChunks: []string{"Hel", "lo"},
//	}
package mock

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/MrWong99/clausewise/pkg/aierr"
	"github.com/MrWong99/clausewise/pkg/provider"
)

// ErrNoTerminal is returned by CompleteStreaming when StreamNoTerminal is set.
var ErrNoTerminal = errors.New("mock: stream ended without terminal marker")

// EmbedCall records a single invocation of Embed.
type EmbedCall struct {
	Ctx  context.Context
	Text string
	Opts provider.EmbedOptions
}

// CompleteCall records a single invocation of Complete or CompleteStreaming.
type CompleteCall struct {
	Ctx       context.Context
	Req       provider.CompletionRequest
	Streaming bool
}

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	Audio    []byte
	MimeHint string
	Opts     provider.TranscribeOptions
}

// Adapter is a mock implementation of provider.Adapter.
// Zero values for response fields cause methods to return zero values and nil
// errors. Set Err fields to inject errors.
type Adapter struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// NameValue is returned by Name. Defaults to "mock".
	NameValue string

	// EmbedFunc computes the vector for a text. When nil, EmbedVector is returned.
	EmbedFunc func(text string) ([]float64, error)

	// EmbedVector is returned by Embed when EmbedFunc is nil.
	EmbedVector []float64

	// EmbedTokens is reported as EmbedResult.Tokens.
	EmbedTokens int

	// EmbedErr, if non-nil, is returned as the error from Embed.
	EmbedErr error

	// CompleteResponse is returned by Complete. May be nil (returns nil, nil).
	CompleteResponse *provider.Completion

	// CompleteErr, if non-nil, is returned from Complete and CompleteStreaming.
	CompleteErr error

	// StreamChunks are delivered to onChunk in order by CompleteStreaming.
	StreamChunks []string

	// StreamUsage is returned with the streamed Completion.
	StreamUsage provider.Usage

	// StreamHoldAfter, when > 0, makes CompleteStreaming block after delivering
	// that many chunks until ctx is cancelled.
	StreamHoldAfter int

	// StreamNoTerminal makes CompleteStreaming end without a terminal marker.
	StreamNoTerminal bool

	// TranscribeResult is returned by Transcribe.
	TranscribeResult *provider.Transcription

	// TranscribeErr, if non-nil, is returned as the error from Transcribe.
	// When both TranscribeResult and TranscribeErr are nil, Transcribe fails
	// with aierr.ErrUnsupported.
	TranscribeErr error

	// --- Call records (read after test) ---

	EmbedCalls      []EmbedCall
	CompleteCalls   []CompleteCall
	TranscribeCalls []TranscribeCall

	tally provider.Tally
}

// Name implements provider.Adapter.
func (a *Adapter) Name() string {
	if a.NameValue == "" {
		return "mock"
	}
	return a.NameValue
}

// Embed records the call and returns the configured vector.
func (a *Adapter) Embed(ctx context.Context, text string, opts provider.EmbedOptions) (provider.EmbedResult, error) {
	a.mu.Lock()
	a.EmbedCalls = append(a.EmbedCalls, EmbedCall{Ctx: ctx, Text: text, Opts: opts})
	fn, vec, tokens, err := a.EmbedFunc, a.EmbedVector, a.EmbedTokens, a.EmbedErr
	a.mu.Unlock()

	if err != nil {
		return provider.EmbedResult{}, err
	}
	if fn != nil {
		v, ferr := fn(text)
		if ferr != nil {
			return provider.EmbedResult{}, ferr
		}
		vec = v
	}
	out := make([]float64, len(vec))
	copy(out, vec)
	a.tally.Add(tokens, opts.CostPer1K)
	return provider.EmbedResult{Vector: out, Tokens: tokens}, nil
}

// Complete records the call and returns CompleteResponse, CompleteErr.
func (a *Adapter) Complete(ctx context.Context, req provider.CompletionRequest) (*provider.Completion, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.CompleteCalls = append(a.CompleteCalls, CompleteCall{Ctx: ctx, Req: copyReq(req)})
	if a.CompleteErr != nil {
		return nil, a.CompleteErr
	}
	if a.CompleteResponse != nil {
		a.tally.Add(a.CompleteResponse.Usage.TotalTokens, req.CostPer1K)
	}
	return a.CompleteResponse, nil
}

// CompleteStreaming records the call and replays StreamChunks through onChunk.
func (a *Adapter) CompleteStreaming(ctx context.Context, req provider.CompletionRequest, onChunk provider.ChunkFunc) (*provider.Completion, error) {
	a.mu.Lock()
	a.CompleteCalls = append(a.CompleteCalls, CompleteCall{Ctx: ctx, Req: copyReq(req), Streaming: true})
	chunks := append([]string(nil), a.StreamChunks...)
	hold, noTerminal, usage, err := a.StreamHoldAfter, a.StreamNoTerminal, a.StreamUsage, a.CompleteErr
	a.mu.Unlock()

	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	for i, c := range chunks {
		if hold > 0 && i == hold {
			<-ctx.Done()
			return nil, aierr.FromContext("mock: stream", ctx.Err())
		}
		if err := ctx.Err(); err != nil {
			return nil, aierr.FromContext("mock: stream", err)
		}
		sb.WriteString(c)
		if err := onChunk(c); err != nil {
			return nil, err
		}
	}
	if hold > 0 && hold >= len(chunks) {
		<-ctx.Done()
		return nil, aierr.FromContext("mock: stream", ctx.Err())
	}
	if noTerminal {
		return nil, aierr.Wrap(aierr.ErrUpstream, "mock: stream", ErrNoTerminal)
	}
	if usage.TotalTokens == 0 {
		usage.CompletionTokens = provider.EstimateTokens(sb.String())
		usage.PromptTokens = provider.EstimateMessages(req.Messages)
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	a.tally.Add(usage.TotalTokens, req.CostPer1K)
	return &provider.Completion{Text: sb.String(), Model: req.Model, Usage: usage}, nil
}

// Transcribe records the call and returns TranscribeResult, TranscribeErr.
func (a *Adapter) Transcribe(_ context.Context, audio []byte, mimeHint string, opts provider.TranscribeOptions) (*provider.Transcription, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.TranscribeCalls = append(a.TranscribeCalls, TranscribeCall{Audio: audio, MimeHint: mimeHint, Opts: opts})
	if a.TranscribeErr != nil {
		return nil, a.TranscribeErr
	}
	if a.TranscribeResult == nil {
		return nil, aierr.Unsupported("mock: transcribe", "transcription not configured")
	}
	return a.TranscribeResult, nil
}

// UsageSnapshot implements provider.Adapter.
func (a *Adapter) UsageSnapshot() provider.Totals {
	return a.tally.Snapshot()
}

// Calls returns copies of the recorded completion calls. Thread-safe.
func (a *Adapter) Calls() []CompleteCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]CompleteCall(nil), a.CompleteCalls...)
}

// Reset clears all recorded calls. Thread-safe.
func (a *Adapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.EmbedCalls = nil
	a.CompleteCalls = nil
	a.TranscribeCalls = nil
}

func copyReq(req provider.CompletionRequest) provider.CompletionRequest {
	req.Messages = append([]provider.Message(nil), req.Messages...)
	return req
}

// Ensure Adapter implements provider.Adapter at compile time.
var _ provider.Adapter = (*Adapter)(nil)
