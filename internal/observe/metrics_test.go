package observe

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/clausewise/pkg/aierr"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumWhere totals the int64 sum data points whose attributes include every
// key/value pair in want.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name string, want map[string]string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q data type = %T, want Sum[int64]", name, met.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if matches(dp.Attributes, want) {
			total += dp.Value
		}
	}
	return total
}

func histCount(t *testing.T, rm metricdata.ResourceMetrics, name string, want map[string]string) uint64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric %q data type = %T, want Histogram[float64]", name, met.Data)
	}
	var total uint64
	for _, dp := range hist.DataPoints {
		if matches(dp.Attributes, want) {
			total += dp.Count
		}
	}
	return total
}

func matches(set attribute.Set, want map[string]string) bool {
	for k, v := range want {
		got, ok := set.Value(attribute.Key(k))
		if !ok || got.Emit() != v {
			return false
		}
	}
	return true
}

func TestObserveProviderCall(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.ObserveProviderCall("openai", "embed", 120*time.Millisecond, nil)
	m.ObserveProviderCall("openai", "embed", time.Second, aierr.New(aierr.ErrTimeout, "openai: embed", "slow"))
	m.ObserveProviderCall("ollama", "complete", 10*time.Millisecond, nil)

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "clausewise.provider.requests", map[string]string{"backend": "openai", "status": "ok"}); got != 1 {
		t.Errorf("openai ok requests = %d, want 1", got)
	}
	if got := sumWhere(t, rm, "clausewise.provider.requests", map[string]string{"backend": "openai", "status": "timeout"}); got != 1 {
		t.Errorf("openai timeout requests = %d, want 1", got)
	}
	if got := sumWhere(t, rm, "clausewise.provider.errors", map[string]string{"operation": "embed", "kind": "timeout"}); got != 1 {
		t.Errorf("embed timeout errors = %d, want 1", got)
	}
	if got := histCount(t, rm, "clausewise.provider.duration", nil); got != 3 {
		t.Errorf("provider duration observations = %d, want 3", got)
	}
}

func TestRecordEmbeddingAndCompletion(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordEmbedding(ctx, "openai", 50*time.Millisecond, 12, nil)
	m.RecordEmbedding(ctx, "openai", 50*time.Millisecond, 0, errors.New("boom"))
	m.RecordCompletion(ctx, "anthropic", true, 2*time.Second, 40, nil)
	m.RecordCompletion(ctx, "anthropic", false, time.Second, 8, nil)

	rm := collect(t, reader)
	if got := histCount(t, rm, "clausewise.embedding.duration", map[string]string{"status": "internal"}); got != 1 {
		t.Errorf("failed embeddings = %d, want 1", got)
	}
	if got := sumWhere(t, rm, "clausewise.tokens", map[string]string{"operation": "embed"}); got != 12 {
		t.Errorf("embed tokens = %d, want 12", got)
	}
	if got := sumWhere(t, rm, "clausewise.tokens", map[string]string{"operation": "stream"}); got != 40 {
		t.Errorf("stream tokens = %d, want 40", got)
	}
	if got := histCount(t, rm, "clausewise.completion.duration", map[string]string{"operation": "complete"}); got != 1 {
		t.Errorf("complete observations = %d, want 1", got)
	}
}

func TestStreamStarted_DoneIsIdempotent(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	done1 := m.StreamStarted(ctx)
	done2 := m.StreamStarted(ctx)
	done1()
	done1()

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "clausewise.chat.active_streams", nil); got != 1 {
		t.Errorf("active streams = %d, want 1", got)
	}
	done2()
	rm = collect(t, reader)
	if got := sumWhere(t, rm, "clausewise.chat.active_streams", nil); got != 0 {
		t.Errorf("active streams = %d, want 0", got)
	}
}

func TestRecordBreakerTransition(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordBreakerTransition("gemini", "open")
	m.RecordBreakerTransition("gemini", "open")
	m.RecordBreakerTransition("gemini", "closed")

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "clausewise.provider.breaker.transitions", map[string]string{"state": "open"}); got != 2 {
		t.Errorf("open transitions = %d, want 2", got)
	}
}

func TestRecordSearch(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordSearch(context.Background(), 3*time.Millisecond, nil)

	rm := collect(t, reader)
	if got := histCount(t, rm, "clausewise.search.duration", map[string]string{"status": "ok"}); got != 1 {
		t.Errorf("search observations = %d, want 1", got)
	}
}

func TestStatus(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{aierr.InvalidInput("op", "bad"), "invalid_input"},
		{errors.New("x"), "internal"},
	}
	for _, tt := range tests {
		if got := Status(tt.err); got != tt.want {
			t.Errorf("Status(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}
