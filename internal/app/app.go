// Package app wires the retrieval core into a runnable HTTP server.
//
// New builds every subsystem from a [config.Config] in dependency order:
// storage, telemetry, the provider registry, the embedding pipeline, the
// search engine and the chat orchestrator. Run serves the HTTP surface until
// the context is cancelled; Shutdown releases what New acquired.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/clausewise/internal/chat"
	"github.com/MrWong99/clausewise/internal/config"
	"github.com/MrWong99/clausewise/internal/contextblock"
	"github.com/MrWong99/clausewise/internal/embedding"
	"github.com/MrWong99/clausewise/internal/health"
	"github.com/MrWong99/clausewise/internal/httpapi"
	"github.com/MrWong99/clausewise/internal/mcpserver"
	"github.com/MrWong99/clausewise/internal/observe"
	"github.com/MrWong99/clausewise/internal/registry"
	"github.com/MrWong99/clausewise/internal/resilience"
	"github.com/MrWong99/clausewise/internal/search"
	"github.com/MrWong99/clausewise/pkg/store"
	"github.com/MrWong99/clausewise/pkg/store/memstore"
	"github.com/MrWong99/clausewise/pkg/store/postgres"
)

// Version is reported in telemetry resource attributes.
const Version = "0.1.0"

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	factories *config.Registry
	level     *slog.LevelVar

	store     store.Backend
	telemetry *observe.Telemetry
	providers *registry.Registry
	pipeline  *embedding.Pipeline
	engine    *search.Engine
	chat      *chat.Orchestrator
	handler   http.Handler

	// closers are called in order during Shutdown.
	closers []func(context.Context) error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a storage backend instead of creating one from config.
// The caller keeps ownership: Shutdown does not close it.
func WithStore(s store.Backend) Option {
	return func(a *App) { a.store = s }
}

// WithLevel lets configuration reloads adjust the log level.
func WithLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// New creates an App by wiring all subsystems together. factories holds the
// adapter constructors for every backend name the config may reference.
func New(ctx context.Context, cfg *config.Config, factories *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, factories: factories}
	for _, o := range opts {
		o(a)
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initTelemetry(ctx); err != nil {
		_ = a.close(ctx)
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}
	a.initCore()
	a.handler = a.routes()
	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	if a.store == nil {
		if dsn := a.cfg.Database.PostgresDSN; dsn != "" {
			pg, err := postgres.NewStore(ctx, dsn, a.cfg.Database.EmbeddingDimensions)
			if err != nil {
				return err
			}
			a.store = pg
			slog.Info("storage: postgres")
		} else {
			a.store = memstore.New()
			slog.Warn("storage: in-memory; nothing survives a restart")
		}
		a.closers = append(a.closers, func(context.Context) error {
			a.store.Close()
			return nil
		})
	}
	if err := a.store.SeedModels(ctx, a.cfg.Models); err != nil {
		return fmt.Errorf("seed models: %w", err)
	}
	return nil
}

func (a *App) initTelemetry(ctx context.Context) error {
	t, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    a.cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
	})
	if err != nil {
		return err
	}
	a.telemetry = t
	a.closers = append(a.closers, t.Shutdown)
	return nil
}

func (a *App) initCore() {
	m := a.telemetry.Metrics

	a.providers = registry.New(a.cfg.Providers, a.factories, a.store,
		registry.WithGuardOptions(
			resilience.WithObserver(m.ObserveProviderCall),
			resilience.WithBreakerConfig(resilience.BreakerConfig{
				OnStateChange: func(name string, _, to resilience.State) {
					m.RecordBreakerTransition(name, to.String())
				},
			}),
		),
	)

	a.pipeline = embedding.New(a.store, a.store, a.providers,
		embedding.WithRecords(a.store),
		embedding.WithMetrics(m),
	)
	a.engine = search.NewEngine(a.store, m)

	r := a.cfg.Retrieval
	a.chat = chat.New(a.store, a.pipeline, a.engine, a.providers,
		chat.WithConfig(chat.Config{
			HistoryWindow:     r.HistoryWindow,
			Sources:           r.Sources,
			ParentLimit:       r.ParentLimit,
			ChildLimit:        r.ChildLimit,
			PreviewChars:      r.PreviewChars,
			SystemInstruction: r.SystemInstruction,
		}),
		chat.WithMetrics(m),
	)
}

func (a *App) routes() http.Handler {
	assembler := contextblock.Assembler{
		MaxChildren:  a.cfg.Retrieval.ChildLimit,
		PreviewChars: a.cfg.Retrieval.PreviewChars,
	}

	mux := http.NewServeMux()
	httpapi.New(httpapi.Deps{
		Embeddings: a.pipeline,
		Search:     a.engine,
		Chat:       a.chat,
		Providers:  a.providers,
		Store:      a.store,
		Assembler:  assembler,
	}).Register(mux)

	health.New(
		health.Database(a.store),
		health.DefaultModels(a.store, store.KindEmbedding, store.KindGenerative),
	).Register(mux)

	mux.Handle("GET /metrics", a.telemetry.Handler())
	mux.Handle("/mcp", mcpserver.Handler(mcpserver.NewServer(mcpserver.Deps{
		Embeddings: a.pipeline,
		Search:     a.engine,
		Chat:       a.chat,
		Assembler:  assembler,
	})))

	return observe.Middleware(a.telemetry.Metrics)(mux)
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Providers returns the adapter registry.
func (a *App) Providers() *registry.Registry { return a.providers }

// Run serves HTTP on the configured listen address until ctx is cancelled,
// then drains in-flight requests for up to 15 seconds.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	slog.Info("http server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("app: http shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("app: serve: %w", err)
	}
	return ctx.Err()
}

// ApplyConfig applies a reloaded configuration. Provider entries, timeouts,
// model descriptors and the log level take effect immediately; everything
// else needs a restart.
func (a *App) ApplyConfig(ctx context.Context, old, cfg *config.Config) {
	d := config.Diff(old, cfg)

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("config reload: log level changed", "level", d.NewLogLevel)
	}
	if d.ModelsChanged {
		if err := a.store.SeedModels(ctx, cfg.Models); err != nil {
			slog.Error("config reload: seeding models failed", "err", err)
		} else {
			slog.Info("config reload: models reseeded", "models", len(cfg.Models))
		}
	}
	if d.ProvidersChanged {
		a.providers.SetConfig(cfg.Providers)
		a.providers.Invalidate()
		for _, pc := range d.ProviderChanges {
			slog.Info("config reload: provider changed",
				"backend", pc.Name,
				"added", pc.Added,
				"removed", pc.Removed,
				"credentials", pc.CredentialsChanged,
				"model", pc.ModelChanged,
				"options", pc.OptionsChanged,
			)
		}
		if d.TimeoutsChanged {
			slog.Info("config reload: provider timeouts changed",
				"request", cfg.Providers.Timeouts.Request,
				"transcription", cfg.Providers.Timeouts.Transcription,
			)
		}
	}
	if old.Server.ListenAddr != cfg.Server.ListenAddr || old.Database != cfg.Database || old.Retrieval != cfg.Retrieval {
		slog.Warn("config reload: server, database or retrieval settings changed; restart to apply")
	}
}

// Shutdown releases subsystems in reverse-init order. Remaining closers are
// skipped once ctx expires.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() { err = a.close(ctx) })
	return err
}

func (a *App) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			slog.Warn("shutdown deadline exceeded", "remaining", i+1)
			errs = append(errs, ctx.Err())
			break
		}
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// SlogLevel maps a configured level to its slog equivalent.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
