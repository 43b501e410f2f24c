// Package observe provides the observability primitives of the retrieval
// core: OpenTelemetry metrics, tracing, trace-aware logging and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed for
// scraping by the Prometheus exporter installed by [InitProvider]. Tests
// should use [NewMetrics] with an sdkmetric.ManualReader-backed provider to
// avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/clausewise/pkg/aierr"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/MrWong99/clausewise"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// ProviderRequests counts guarded provider calls by backend, operation and
	// status ("ok" or an error kind).
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts failed provider calls by backend, operation and kind.
	ProviderErrors metric.Int64Counter

	// ProviderDuration tracks guarded provider call latency.
	ProviderDuration metric.Float64Histogram

	// BreakerTransitions counts circuit breaker state changes by backend and
	// target state.
	BreakerTransitions metric.Int64Counter

	// EmbeddingDuration tracks end-to-end embedding generation latency.
	EmbeddingDuration metric.Float64Histogram

	// CompletionDuration tracks generative call latency, streams included.
	CompletionDuration metric.Float64Histogram

	// SearchDuration tracks two-stage search latency.
	SearchDuration metric.Float64Histogram

	// Tokens counts tokens consumed by backend and operation.
	Tokens metric.Int64Counter

	// ActiveStreams tracks streaming turns in progress.
	ActiveStreams metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time by method and route.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets spans fast cache-hot embeddings up to long streamed answers.
var latencyBuckets = []float64{
	0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] using mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histogram := func(name, desc string) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}

	if met.ProviderDuration, err = histogram("clausewise.provider.duration", "Latency of guarded provider calls."); err != nil {
		return nil, err
	}
	if met.EmbeddingDuration, err = histogram("clausewise.embedding.duration", "Latency of embedding generation."); err != nil {
		return nil, err
	}
	if met.CompletionDuration, err = histogram("clausewise.completion.duration", "Latency of generative calls."); err != nil {
		return nil, err
	}
	if met.SearchDuration, err = histogram("clausewise.search.duration", "Latency of two-stage similarity search."); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("clausewise.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("clausewise.provider.requests",
		metric.WithDescription("Total provider calls by backend, operation, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("clausewise.provider.errors",
		metric.WithDescription("Total provider errors by backend, operation, and kind."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("clausewise.provider.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by backend and target state."),
	); err != nil {
		return nil, err
	}
	if met.Tokens, err = m.Int64Counter("clausewise.tokens",
		metric.WithDescription("Tokens consumed by backend and operation."),
	); err != nil {
		return nil, err
	}
	if met.ActiveStreams, err = m.Int64UpDownCounter("clausewise.chat.active_streams",
		metric.WithDescription("Streaming chat turns in progress."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Status returns "ok" for nil, otherwise the error kind name.
func Status(err error) string {
	if err == nil {
		return "ok"
	}
	return aierr.KindOf(err)
}

// ObserveProviderCall records one guarded provider call. Its signature
// matches resilience.CallObserver.
func (m *Metrics) ObserveProviderCall(backend, op string, elapsed time.Duration, err error) {
	ctx := context.Background()
	status := Status(err)
	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("operation", op),
	)
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("operation", op),
		attribute.String("status", status),
	))
	m.ProviderDuration.Record(ctx, elapsed.Seconds(), attrs)
	if err != nil {
		m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("operation", op),
			attribute.String("kind", status),
		))
	}
}

// RecordBreakerTransition counts a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(backend, to string) {
	m.BreakerTransitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("state", to),
	))
}

// RecordEmbedding records one embedding generation.
func (m *Metrics) RecordEmbedding(ctx context.Context, backend string, elapsed time.Duration, tokens int, err error) {
	m.EmbeddingDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("status", Status(err)),
	))
	m.addTokens(ctx, backend, "embed", tokens)
}

// RecordCompletion records one generative call.
func (m *Metrics) RecordCompletion(ctx context.Context, backend string, streaming bool, elapsed time.Duration, tokens int, err error) {
	op := "complete"
	if streaming {
		op = "stream"
	}
	m.CompletionDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("operation", op),
		attribute.String("status", Status(err)),
	))
	m.addTokens(ctx, backend, op, tokens)
}

// RecordSearch records one two-stage search.
func (m *Metrics) RecordSearch(ctx context.Context, elapsed time.Duration, err error) {
	m.SearchDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("status", Status(err)),
	))
}

// StreamStarted increments the active stream gauge; call the returned
// function exactly once when the stream ends.
func (m *Metrics) StreamStarted(ctx context.Context) (done func()) {
	m.ActiveStreams.Add(ctx, 1)
	var once sync.Once
	return func() {
		once.Do(func() { m.ActiveStreams.Add(context.WithoutCancel(ctx), -1) })
	}
}

func (m *Metrics) addTokens(ctx context.Context, backend, op string, tokens int) {
	if tokens <= 0 {
		return
	}
	m.Tokens.Add(ctx, int64(tokens), metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("operation", op),
	))
}
