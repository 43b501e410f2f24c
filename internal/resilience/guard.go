package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/clausewise/pkg/aierr"
	"github.com/MrWong99/clausewise/pkg/provider"
)

// Operation names reported to a [CallObserver].
const (
	OpEmbed      = "embed"
	OpComplete   = "complete"
	OpStream     = "stream"
	OpTranscribe = "transcribe"
)

// CallObserver receives the outcome of every guarded call, rejected ones
// included.
type CallObserver func(backend, op string, elapsed time.Duration, err error)

// Timeouts bounds guarded calls. Zero fields disable the bound.
type Timeouts struct {
	Request       time.Duration
	Transcription time.Duration
}

// GuardOption configures a [Guard].
type GuardOption func(*Guard)

// WithObserver sets the call observer.
func WithObserver(o CallObserver) GuardOption {
	return func(g *Guard) { g.observe = o }
}

// WithBreaker replaces the default breaker.
func WithBreaker(cb *CircuitBreaker) GuardOption {
	return func(g *Guard) {
		if cb != nil {
			g.breaker = cb
		}
	}
}

// WithBreakerConfig tunes the guard's own breaker. An empty Name defaults to
// the adapter name. Ignored when [WithBreaker] is also given.
func WithBreakerConfig(cfg BreakerConfig) GuardOption {
	return func(g *Guard) { g.breakerCfg = cfg }
}

var _ provider.Adapter = (*Guard)(nil)

// Guard wraps a [provider.Adapter] with a circuit breaker and per-operation
// timeouts. While the breaker is open every call fails immediately with
// aierr.ErrProviderUnavailable.
type Guard struct {
	inner      provider.Adapter
	timeouts   Timeouts
	breaker    *CircuitBreaker
	breakerCfg BreakerConfig
	observe    CallObserver
}

// NewGuard wraps inner.
func NewGuard(inner provider.Adapter, timeouts Timeouts, opts ...GuardOption) *Guard {
	g := &Guard{inner: inner, timeouts: timeouts}
	for _, o := range opts {
		o(g)
	}
	if g.breaker == nil {
		if g.breakerCfg.Name == "" {
			g.breakerCfg.Name = inner.Name()
		}
		g.breaker = NewCircuitBreaker(g.breakerCfg)
	}
	return g
}

// Unwrap returns the guarded adapter.
func (g *Guard) Unwrap() provider.Adapter { return g.inner }

// Breaker returns the guard's circuit breaker.
func (g *Guard) Breaker() *CircuitBreaker { return g.breaker }

// Name implements provider.Adapter.
func (g *Guard) Name() string { return g.inner.Name() }

// UsageSnapshot implements provider.Adapter.
func (g *Guard) UsageSnapshot() provider.Totals { return g.inner.UsageSnapshot() }

// Embed implements provider.Adapter.
func (g *Guard) Embed(ctx context.Context, text string, opts provider.EmbedOptions) (provider.EmbedResult, error) {
	var res provider.EmbedResult
	err := g.call(ctx, OpEmbed, g.timeouts.Request, func(ctx context.Context) error {
		var err error
		res, err = g.inner.Embed(ctx, text, opts)
		return err
	})
	if err != nil {
		return provider.EmbedResult{}, err
	}
	return res, nil
}

// Complete implements provider.Adapter.
func (g *Guard) Complete(ctx context.Context, req provider.CompletionRequest) (*provider.Completion, error) {
	var out *provider.Completion
	err := g.call(ctx, OpComplete, g.timeouts.Request, func(ctx context.Context) error {
		var err error
		out, err = g.inner.Complete(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CompleteStreaming implements provider.Adapter. The request timeout bounds
// the whole stream.
func (g *Guard) CompleteStreaming(ctx context.Context, req provider.CompletionRequest, onChunk provider.ChunkFunc) (*provider.Completion, error) {
	var out *provider.Completion
	err := g.call(ctx, OpStream, g.timeouts.Request, func(ctx context.Context) error {
		var err error
		out, err = g.inner.CompleteStreaming(ctx, req, onChunk)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Transcribe implements provider.Adapter.
func (g *Guard) Transcribe(ctx context.Context, audio []byte, mimeHint string, opts provider.TranscribeOptions) (*provider.Transcription, error) {
	var out *provider.Transcription
	err := g.call(ctx, OpTranscribe, g.timeouts.Transcription, func(ctx context.Context) error {
		var err error
		out, err = g.inner.Transcribe(ctx, audio, mimeHint, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (g *Guard) call(ctx context.Context, op string, timeout time.Duration, fn func(context.Context) error) error {
	name := g.inner.Name()
	start := time.Now()

	if err := g.breaker.Allow(); err != nil {
		err = aierr.New(aierr.ErrProviderUnavailable, name+": "+op, "backend %q is failing; circuit open", name)
		g.report(name, op, start, err)
		return err
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	err := fn(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, aierr.ErrTimeout) {
		err = aierr.New(aierr.ErrTimeout, name+": "+op, "no answer within %s: %v", timeout, err)
	}
	g.breaker.Done(countsAsFailure(err))
	g.report(name, op, start, err)
	return err
}

func (g *Guard) report(name, op string, start time.Time, err error) {
	if g.observe != nil {
		g.observe(name, op, time.Since(start), err)
	}
}

// countsAsFailure reports whether err indicates a sick backend.
func countsAsFailure(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled),
		errors.Is(err, aierr.ErrInvalidInput),
		errors.Is(err, aierr.ErrUnsupported):
		return false
	}
	return errors.Is(err, aierr.ErrUpstream) ||
		errors.Is(err, aierr.ErrTimeout) ||
		errors.Is(err, aierr.ErrProviderUnavailable) ||
		aierr.KindOf(err) == "internal"
}
