// Package embedding turns text into vectors through the configured embedding
// model and keeps owner-record embeddings current.
//
// [Pipeline.Generate] picks the model, truncates text that would exceed the
// model's token budget, calls the resolved adapter and always leaves a usage
// record behind. [Pipeline.ProcessPending] is the batch job that embeds
// unprocessed owner records.
package embedding

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/clausewise/internal/observe"
	"github.com/MrWong99/clausewise/internal/registry"
	"github.com/MrWong99/clausewise/pkg/aierr"
	"github.com/MrWong99/clausewise/pkg/provider"
	"github.com/MrWong99/clausewise/pkg/store"
)

// TruncationMarker is appended to text cut to fit a model's token budget.
const TruncationMarker = "\n[...truncated]"

// Resolver returns the adapter serving a backend for a tenant.
// *registry.Registry satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, backend, tenantID string) (provider.Adapter, error)
}

// Result is a generated embedding plus what a caller needs to persist it.
type Result struct {
	Vector          []float64 `json:"vector"`
	ModelID         string    `json:"model_id"`
	Dimensions      int       `json:"dimensions"`
	TokensEstimated int       `json:"tokens_estimated"`

	// Text is what was actually embedded, truncation marker included.
	Text      string `json:"-"`
	Truncated bool   `json:"truncated"`
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithRecords enables [Pipeline.ProcessPending] over st.
func WithRecords(st store.EmbeddingStore) Option {
	return func(p *Pipeline) { p.records = st }
}

// WithMetrics records embedding latency and token counts.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithClock overrides time.Now for usage timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// Pipeline generates embeddings. It is safe for concurrent use.
type Pipeline struct {
	models   store.ModelCatalog
	usage    store.UsageRecorder
	resolver Resolver
	records  store.EmbeddingStore
	metrics  *observe.Metrics
	now      func() time.Time
}

// New returns a pipeline reading models from models, resolving adapters via
// resolver and writing usage to usage.
func New(models store.ModelCatalog, usage store.UsageRecorder, resolver Resolver, opts ...Option) *Pipeline {
	p := &Pipeline{
		models:   models,
		usage:    usage,
		resolver: resolver,
		now:      time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Generate embeds text with modelID, or with the default embedding model
// when modelID is empty. The tenant is taken from ctx (see registry.WithTenant).
func (p *Pipeline) Generate(ctx context.Context, text, modelID string) (res *Result, err error) {
	const op = "embedding: generate"
	if strings.TrimSpace(text) == "" {
		return nil, aierr.InvalidInput(op, "text is empty")
	}

	model, err := p.selectModel(ctx, modelID)
	if err != nil {
		return nil, err
	}

	ctx, span := observe.StartSpan(ctx, "embedding.generate")
	defer func() {
		observe.SpanError(span, err)
		span.End()
	}()
	span.SetAttributes(attribute.String("model.id", model.ID), attribute.String("backend", model.Backend))

	input, truncated := Truncate(text, model.TokenLimit)
	tokens := provider.EstimateTokens(input)
	tenantID := registry.TenantFrom(ctx)
	start := time.Now()

	defer func() {
		reported := tokens
		if res != nil {
			reported = res.TokensEstimated
		}
		p.recordUsage(ctx, store.UsageRecord{
			TenantID:  tenantID,
			ModelID:   model.ID,
			Operation: store.OpEmbed,
			TokensIn:  reported,
			CostUSD:   provider.Cost(reported, model.CostPer1K),
			LatencyMS: time.Since(start).Milliseconds(),
			Success:   err == nil,
			Error:     errorText(err),
		})
		if p.metrics != nil {
			p.metrics.RecordEmbedding(ctx, model.Backend, time.Since(start), reported, err)
		}
	}()

	if truncated {
		observe.Logger(ctx).Debug("embedding: input truncated to token budget",
			"model_id", model.ID, "token_limit", model.TokenLimit, "bytes", len(input))
	}

	adapter, err := p.resolver.Resolve(ctx, model.Backend, tenantID)
	if err != nil {
		return nil, err
	}
	out, err := adapter.Embed(ctx, input, provider.EmbedOptions{
		Model:      model.Name,
		Dimensions: model.Dimensions,
		CostPer1K:  model.CostPer1K,
	})
	if err != nil {
		return nil, err
	}
	if len(out.Vector) == 0 {
		return nil, aierr.New(aierr.ErrUpstream, op, "backend %q returned an empty vector", model.Backend)
	}
	if model.Dimensions > 0 && len(out.Vector) != model.Dimensions {
		return nil, aierr.New(aierr.ErrUpstream, op, "model %q returned %d dimensions, want %d", model.ID, len(out.Vector), model.Dimensions)
	}
	if out.Tokens > 0 {
		tokens = out.Tokens
	}
	return &Result{
		Vector:          out.Vector,
		ModelID:         model.ID,
		Dimensions:      len(out.Vector),
		TokensEstimated: tokens,
		Text:            input,
		Truncated:       truncated,
	}, nil
}

func (p *Pipeline) selectModel(ctx context.Context, modelID string) (store.ModelDescriptor, error) {
	const op = "embedding: select model"
	if modelID == "" {
		m, err := p.models.DefaultModel(ctx, store.KindEmbedding)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return store.ModelDescriptor{}, aierr.Unavailable(op, "no active default embedding model")
		case err != nil:
			return store.ModelDescriptor{}, aierr.Persistence(op, err)
		}
		return m, nil
	}
	m, err := p.models.Model(ctx, modelID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return store.ModelDescriptor{}, aierr.InvalidInput(op, "unknown model %q", modelID)
	case err != nil:
		return store.ModelDescriptor{}, aierr.Persistence(op, err)
	case !m.Active:
		return store.ModelDescriptor{}, aierr.InvalidInput(op, "model %q is inactive", modelID)
	case m.Kind != store.KindEmbedding:
		return store.ModelDescriptor{}, aierr.InvalidInput(op, "model %q is a %s model, not an embedding model", modelID, m.Kind)
	}
	return m, nil
}

// recordUsage writes rec; failures are logged only.
func (p *Pipeline) recordUsage(ctx context.Context, rec store.UsageRecord) {
	if p.usage == nil {
		return
	}
	rec.ID = uuid.NewString()
	rec.Timestamp = p.now()
	// The caller may be gone; telemetry still lands.
	if err := p.usage.RecordUsage(context.WithoutCancel(ctx), rec); err != nil {
		observe.Logger(ctx).Warn("embedding: usage record dropped", "model_id", rec.ModelID, "err", err)
	}
}

// Truncate cuts text to floor(0.9*tokenLimit*4) bytes, backed off to a rune
// boundary, and appends [TruncationMarker] when its estimated tokens exceed
// tokenLimit. A non-positive tokenLimit disables truncation.
func Truncate(text string, tokenLimit int) (string, bool) {
	if tokenLimit <= 0 || provider.EstimateTokens(text) <= tokenLimit {
		return text, false
	}
	n := tokenLimit * 4 * 9 / 10
	if n > len(text) {
		n = len(text)
	}
	for n > 0 && n < len(text) && !utf8.RuneStart(text[n]) {
		n--
	}
	return text[:n] + TruncationMarker, true
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
