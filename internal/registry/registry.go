// Package registry resolves the provider adapter serving a backend for a
// tenant.
//
// Global adapters are built lazily from the provider configuration. A tenant
// with an active credential override gets its own adapter; any problem with
// the override (missing, unreadable, unbuildable) silently falls back to the
// global adapter. Every adapter handed out is wrapped in a
// resilience.Guard.
//
// Caches are immutable maps swapped under a short lock; no lock is held while
// an override is read or an adapter is built.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/clausewise/internal/config"
	"github.com/MrWong99/clausewise/internal/resilience"
	"github.com/MrWong99/clausewise/pkg/aierr"
	"github.com/MrWong99/clausewise/pkg/provider"
	"github.com/MrWong99/clausewise/pkg/store"
)

type tenantKey struct {
	tenant  string
	backend string
}

// Option configures a [Registry].
type Option func(*Registry)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithGuardOptions adds options applied to every guard the registry creates.
func WithGuardOptions(opts ...resilience.GuardOption) Option {
	return func(r *Registry) { r.guardOpts = append(r.guardOpts, opts...) }
}

// Registry maps (tenant, backend) to a ready adapter. It is safe for
// concurrent use.
type Registry struct {
	factories *config.Registry
	overrides store.TenantOverrides
	log       *slog.Logger
	guardOpts []resilience.GuardOption

	mu     sync.RWMutex
	cfg    config.ProvidersConfig
	gen    uint64
	global map[string]provider.Adapter
	tenant map[tenantKey]provider.Adapter

	// tenantGen is bumped by InvalidateTenant so builds that started
	// before it are not cached.
	tenantGen map[string]uint64
}

// New returns a registry over cfg. overrides may be nil, in which case every
// tenant uses the global adapters.
func New(cfg config.ProvidersConfig, factories *config.Registry, overrides store.TenantOverrides, opts ...Option) *Registry {
	r := &Registry{
		factories: factories,
		overrides: overrides,
		log:       slog.Default(),
		cfg:       cfg,
		global:    map[string]provider.Adapter{},
		tenant:    map[tenantKey]provider.Adapter{},
		tenantGen: map[string]uint64{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve returns the adapter serving backend for tenantID. An empty
// tenantID selects the global adapter. The only error is
// aierr.ErrProviderUnavailable, when no global adapter can be built.
func (r *Registry) Resolve(ctx context.Context, backend, tenantID string) (provider.Adapter, error) {
	r.mu.RLock()
	cfg, gen, tgen := r.cfg, r.gen, r.tenantGen[tenantID]
	if tenantID != "" {
		if a, ok := r.tenant[tenantKey{tenantID, backend}]; ok {
			r.mu.RUnlock()
			return a, nil
		}
	}
	global, ok := r.global[backend]
	r.mu.RUnlock()

	if tenantID != "" {
		if a := r.resolveTenant(ctx, cfg, gen, tgen, backend, tenantID); a != nil {
			return a, nil
		}
	}
	if ok {
		return global, nil
	}

	entry, found := cfg.Entry(backend)
	if !found {
		return nil, aierr.Unavailable("registry: resolve", "backend %q is not configured", backend)
	}
	a, err := r.build(entry, cfg.Timeouts)
	if err != nil {
		r.log.Error("registry: building global adapter failed", "backend", backend, "err", err)
		return nil, aierr.Wrap(aierr.ErrProviderUnavailable, "registry: resolve "+backend, err)
	}
	return r.storeGlobal(gen, backend, a), nil
}

// resolveTenant returns the tenant's own adapter, or nil to fall back.
func (r *Registry) resolveTenant(ctx context.Context, cfg config.ProvidersConfig, gen, tgen uint64, backend, tenantID string) provider.Adapter {
	if r.overrides == nil {
		return nil
	}
	o, err := r.overrides.ActiveOverride(ctx, tenantID, backend)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	log := r.log.With("tenant_id", tenantID, "backend", backend)
	if err != nil {
		log.Warn("registry: tenant override lookup failed; using global adapter", "err", err)
		return nil
	}
	settings, err := o.Settings()
	if err != nil {
		log.Warn("registry: tenant override unreadable; using global adapter", "err", err)
		return nil
	}
	base, _ := cfg.Entry(backend)
	base.Name = backend
	a, err := r.build(mergeEntry(base, settings), cfg.Timeouts)
	if err != nil {
		log.Warn("registry: tenant adapter construction failed; using global adapter", "err", err)
		return nil
	}
	return r.storeTenant(gen, tgen, tenantKey{tenantID, backend}, a)
}

func (r *Registry) build(entry config.ProviderEntry, t config.TimeoutsConfig) (provider.Adapter, error) {
	a, err := r.factories.Create(entry)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, errors.New("factory returned no adapter")
	}
	return resilience.NewGuard(a, resilience.Timeouts{Request: t.Request, Transcription: t.Transcription}, r.guardOpts...), nil
}

// storeGlobal caches a unless the configuration changed while it was being
// built, or another caller won the race; the cached adapter is returned.
func (r *Registry) storeGlobal(gen uint64, backend string, a provider.Adapter) provider.Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen {
		return a
	}
	if existing, ok := r.global[backend]; ok {
		return existing
	}
	next := maps.Clone(r.global)
	next[backend] = a
	r.global = next
	return a
}

// storeTenant is storeGlobal for tenant adapters. A tenant invalidation
// since the override was read also skips the cache.
func (r *Registry) storeTenant(gen, tgen uint64, key tenantKey, a provider.Adapter) provider.Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen || tgen != r.tenantGen[key.tenant] {
		return a
	}
	if existing, ok := r.tenant[key]; ok {
		return existing
	}
	next := maps.Clone(r.tenant)
	next[key] = a
	r.tenant = next
	return a
}

// SetConfig swaps the provider configuration used for future constructions.
// Cached adapters stay until [Registry.Invalidate].
func (r *Registry) SetConfig(cfg config.ProvidersConfig) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

// Invalidate drops every cached adapter. The global set is rebuilt from the
// current configuration on next use.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.gen++
	r.global = map[string]provider.Adapter{}
	r.tenant = map[tenantKey]provider.Adapter{}
	r.mu.Unlock()
	r.log.Info("registry: all provider caches invalidated")
}

// InvalidateTenant drops only tenantID's adapters. Builds for the tenant
// already in flight are returned to their caller but not cached.
func (r *Registry) InvalidateTenant(tenantID string) {
	r.mu.Lock()
	r.tenantGen[tenantID]++
	next := make(map[tenantKey]provider.Adapter, len(r.tenant))
	dropped := 0
	for k, a := range r.tenant {
		if k.tenant == tenantID {
			dropped++
			continue
		}
		next[k] = a
	}
	r.tenant = next
	r.mu.Unlock()
	r.log.Info("registry: tenant provider cache invalidated", "tenant_id", tenantID, "dropped", dropped)
}

// Warm builds every configured global adapter concurrently. Failures are
// logged and joined into the returned error; successful adapters are cached.
func (r *Registry) Warm(ctx context.Context) error {
	r.mu.RLock()
	entries := r.cfg.Entries
	r.mu.RUnlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, e := range entries {
		g.Go(func() error {
			if _, err := r.Resolve(ctx, e.Name, ""); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Usage sums the usage snapshots of every live adapter.
func (r *Registry) Usage() provider.Totals {
	r.mu.RLock()
	snaps := make([]provider.Totals, 0, len(r.global)+len(r.tenant))
	for _, a := range r.global {
		snaps = append(snaps, a.UsageSnapshot())
	}
	for _, a := range r.tenant {
		snaps = append(snaps, a.UsageSnapshot())
	}
	r.mu.RUnlock()
	return provider.Sum(snaps...)
}

// Backends returns the names of every configured backend.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.cfg.Entries))
	for _, e := range r.cfg.Entries {
		names = append(names, e.Name)
	}
	return names
}

// mergeEntry applies non-empty override settings on top of base.
func mergeEntry(base config.ProviderEntry, s store.OverrideSettings) config.ProviderEntry {
	out := base
	if s.APIKey != "" {
		out.APIKey = s.APIKey
	}
	if s.BaseURL != "" {
		out.BaseURL = s.BaseURL
	}
	if s.Model != "" {
		out.Model = s.Model
	}
	if len(s.Options) > 0 {
		out.Options = make(map[string]any, len(base.Options)+len(s.Options))
		maps.Copy(out.Options, base.Options)
		for k, v := range s.Options {
			out.Options[k] = v
		}
	}
	return out
}
