package registry_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/MrWong99/clausewise/internal/config"
	"github.com/MrWong99/clausewise/internal/registry"
	"github.com/MrWong99/clausewise/internal/resilience"
	"github.com/MrWong99/clausewise/pkg/aierr"
	"github.com/MrWong99/clausewise/pkg/provider"
	"github.com/MrWong99/clausewise/pkg/provider/mock"
	"github.com/MrWong99/clausewise/pkg/store"
	"github.com/MrWong99/clausewise/pkg/store/memstore"
)

// factoryRecorder builds mock adapters named after the API key and fails for
// the key "bad".
type factoryRecorder struct {
	mu      sync.Mutex
	entries []config.ProviderEntry
}

func (f *factoryRecorder) build(e config.ProviderEntry) (provider.Adapter, error) {
	f.mu.Lock()
	f.entries = append(f.entries, e)
	f.mu.Unlock()
	if e.APIKey == "bad" {
		return nil, errors.New("invalid credentials")
	}
	return &mock.Adapter{NameValue: e.Name + "/" + e.APIKey, StreamChunks: []string{"abcdefgh"}}, nil
}

func (f *factoryRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func providersConfig(key string) config.ProvidersConfig {
	return config.ProvidersConfig{
		Entries: []config.ProviderEntry{{Name: "openai", APIKey: key, Model: "gpt-4o-mini"}},
	}
}

func newRegistry(t *testing.T, overrides store.TenantOverrides) (*registry.Registry, *factoryRecorder) {
	t.Helper()
	rec := &factoryRecorder{}
	factories := config.NewRegistry()
	factories.Register("openai", rec.build)
	return registry.New(providersConfig("sk-global"), factories, overrides), rec
}

func innerName(t *testing.T, a provider.Adapter) string {
	t.Helper()
	g, ok := a.(*resilience.Guard)
	if !ok {
		t.Fatalf("adapter %T is not guarded", a)
	}
	return g.Unwrap().Name()
}

func putOverride(t *testing.T, st *memstore.Store, tenant, cfg string) {
	t.Helper()
	err := st.PutOverride(context.Background(), store.TenantOverride{TenantID: tenant, Backend: "openai", Config: []byte(cfg), Active: true})
	if err != nil {
		t.Fatalf("PutOverride: %v", err)
	}
}

func TestResolve_GlobalLazyAndCached(t *testing.T) {
	t.Parallel()
	reg, rec := newRegistry(t, nil)
	if rec.count() != 0 {
		t.Fatal("adapter built before first use")
	}
	a1, err := reg.Resolve(context.Background(), "openai", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	a2, _ := reg.Resolve(context.Background(), "openai", "")
	if a1 != a2 {
		t.Error("second Resolve returned a different adapter")
	}
	if rec.count() != 1 {
		t.Errorf("factory calls = %d, want 1", rec.count())
	}
	if got := innerName(t, a1); got != "openai/sk-global" {
		t.Errorf("adapter = %q", got)
	}
}

func TestResolve_UnknownBackend(t *testing.T) {
	t.Parallel()
	reg, _ := newRegistry(t, nil)
	_, err := reg.Resolve(context.Background(), "gemini", "")
	if !errors.Is(err, aierr.ErrProviderUnavailable) {
		t.Fatalf("err = %v, want ErrProviderUnavailable", err)
	}
}

func TestResolve_TenantOverride(t *testing.T) {
	t.Parallel()
	st := memstore.New()
	putOverride(t, st, "42", `{"api_key":"sk-42"}`)
	reg, rec := newRegistry(t, st)

	a, err := reg.Resolve(context.Background(), "openai", "42")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := innerName(t, a); got != "openai/sk-42" {
		t.Errorf("tenant adapter = %q, want openai/sk-42", got)
	}
	rec.mu.Lock()
	model := rec.entries[0].Model
	rec.mu.Unlock()
	if model != "gpt-4o-mini" {
		t.Errorf("override lost global model: %q", model)
	}

	// Tenant without override shares the global adapter.
	b, _ := reg.Resolve(context.Background(), "openai", "99")
	if got := innerName(t, b); got != "openai/sk-global" {
		t.Errorf("tenant 99 adapter = %q, want global", got)
	}
}

func TestResolve_TenantConstructionFailureFallsBack(t *testing.T) {
	t.Parallel()
	st := memstore.New()
	putOverride(t, st, "7", `{"api_key":"bad"}`)
	reg, _ := newRegistry(t, st)

	a, err := reg.Resolve(context.Background(), "openai", "7")
	if err != nil {
		t.Fatalf("Resolve must not surface tenant failures, got %v", err)
	}
	if got := innerName(t, a); got != "openai/sk-global" {
		t.Errorf("adapter = %q, want global", got)
	}
}

func TestResolve_UnreadableOverrideFallsBack(t *testing.T) {
	t.Parallel()
	st := memstore.New()
	putOverride(t, st, "8", `{not json`)
	reg, _ := newRegistry(t, st)

	a, err := reg.Resolve(context.Background(), "openai", "8")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := innerName(t, a); got != "openai/sk-global" {
		t.Errorf("adapter = %q, want global", got)
	}
}

type failingOverrides struct{}

func (failingOverrides) ActiveOverride(context.Context, string, string) (store.TenantOverride, error) {
	return store.TenantOverride{}, errors.New("connection reset")
}

func TestResolve_LookupErrorFallsBack(t *testing.T) {
	t.Parallel()
	reg, _ := newRegistry(t, failingOverrides{})
	a, err := reg.Resolve(context.Background(), "openai", "3")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := innerName(t, a); got != "openai/sk-global" {
		t.Errorf("adapter = %q, want global", got)
	}
}

func TestInvalidateTenant(t *testing.T) {
	t.Parallel()
	st := memstore.New()
	putOverride(t, st, "1", `{"api_key":"sk-1"}`)
	putOverride(t, st, "2", `{"api_key":"sk-2"}`)
	reg, _ := newRegistry(t, st)
	ctx := context.Background()

	one, _ := reg.Resolve(ctx, "openai", "1")
	two, _ := reg.Resolve(ctx, "openai", "2")

	putOverride(t, st, "1", `{"api_key":"sk-1b"}`)
	reg.InvalidateTenant("1")

	oneAfter, _ := reg.Resolve(ctx, "openai", "1")
	twoAfter, _ := reg.Resolve(ctx, "openai", "2")
	if oneAfter == one || innerName(t, oneAfter) != "openai/sk-1b" {
		t.Errorf("tenant 1 not rebuilt: %q", innerName(t, oneAfter))
	}
	if twoAfter != two {
		t.Error("tenant 2 cache was dropped")
	}
}

// gatedOverrides reads the override, then holds the first lookup until
// release is closed.
type gatedOverrides struct {
	store.TenantOverrides
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedOverrides) ActiveOverride(ctx context.Context, tenantID, backend string) (store.TenantOverride, error) {
	o, err := g.TenantOverrides.ActiveOverride(ctx, tenantID, backend)
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return o, err
}

func TestInvalidateTenant_DuringBuildIsNotCached(t *testing.T) {
	t.Parallel()
	st := memstore.New()
	putOverride(t, st, "1", `{"api_key":"sk-1"}`)
	gated := &gatedOverrides{TenantOverrides: st, entered: make(chan struct{}), release: make(chan struct{})}
	reg, _ := newRegistry(t, gated)
	ctx := context.Background()

	stale := make(chan provider.Adapter, 1)
	go func() {
		a, _ := reg.Resolve(ctx, "openai", "1")
		stale <- a
	}()

	<-gated.entered
	putOverride(t, st, "1", `{"api_key":"sk-1b"}`)
	reg.InvalidateTenant("1")
	close(gated.release)

	if got := innerName(t, <-stale); got != "openai/sk-1" {
		t.Errorf("in-flight caller got %q, want openai/sk-1", got)
	}
	a, err := reg.Resolve(ctx, "openai", "1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := innerName(t, a); got != "openai/sk-1b" {
		t.Errorf("adapter after invalidation = %q, want openai/sk-1b", got)
	}
}

func TestSetConfigAndInvalidate(t *testing.T) {
	t.Parallel()
	reg, _ := newRegistry(t, nil)
	ctx := context.Background()
	before, _ := reg.Resolve(ctx, "openai", "")

	reg.SetConfig(providersConfig("sk-rotated"))
	still, _ := reg.Resolve(ctx, "openai", "")
	if still != before {
		t.Error("SetConfig alone must keep cached adapters")
	}

	reg.Invalidate()
	after, err := reg.Resolve(ctx, "openai", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := innerName(t, after); got != "openai/sk-rotated" {
		t.Errorf("adapter after rotation = %q", got)
	}
}

func TestResolve_ConcurrentSingleCachedAdapter(t *testing.T) {
	t.Parallel()
	reg, _ := newRegistry(t, nil)
	const n = 32
	got := make([]provider.Adapter, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := reg.Resolve(context.Background(), "openai", "")
			if err != nil {
				t.Errorf("Resolve: %v", err)
			}
			got[i] = a
		}()
	}
	wg.Wait()

	cached, _ := reg.Resolve(context.Background(), "openai", "")
	for i := range got {
		if got[i] == nil {
			t.Fatalf("Resolve %d returned nil", i)
		}
	}
	again, _ := reg.Resolve(context.Background(), "openai", "")
	if cached != again {
		t.Error("cache not stable after concurrent resolution")
	}
}

func TestWarmAndUsage(t *testing.T) {
	t.Parallel()
	reg, rec := newRegistry(t, nil)
	if err := reg.Warm(context.Background()); err != nil {
		t.Fatalf("Warm: %v", err)
	}
	if rec.count() != 1 {
		t.Errorf("factory calls = %d, want 1", rec.count())
	}

	a, _ := reg.Resolve(context.Background(), "openai", "")
	_, err := a.CompleteStreaming(context.Background(), provider.CompletionRequest{CostPer1K: 1}, func(string) error { return nil })
	if err != nil {
		t.Fatalf("CompleteStreaming: %v", err)
	}
	// The mock estimates 2 completion tokens for "abcdefgh".
	if u := reg.Usage(); u.Tokens != 2 {
		t.Errorf("Usage = %+v, want 2 tokens", u)
	}
}

func TestWarm_ReportsFailures(t *testing.T) {
	t.Parallel()
	factories := config.NewRegistry()
	rec := &factoryRecorder{}
	factories.Register("openai", rec.build)
	reg := registry.New(providersConfig("bad"), factories, nil)
	err := reg.Warm(context.Background())
	if !errors.Is(err, aierr.ErrProviderUnavailable) {
		t.Fatalf("Warm err = %v, want ErrProviderUnavailable", err)
	}
}

func TestTenantContext(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	if got := registry.TenantFrom(ctx); got != "" {
		t.Errorf("TenantFrom(empty) = %q", got)
	}
	if got := registry.TenantFrom(registry.WithTenant(ctx, "7")); got != "7" {
		t.Errorf("TenantFrom = %q, want 7", got)
	}
}
