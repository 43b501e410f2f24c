// Command clausewise serves the retrieval core over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/clausewise/internal/app"
	"github.com/MrWong99/clausewise/internal/config"
	"github.com/MrWong99/clausewise/pkg/provider"
	"github.com/MrWong99/clausewise/pkg/provider/anyllm"
	"github.com/MrWong99/clausewise/pkg/provider/ollama"
	"github.com/MrWong99/clausewise/pkg/provider/openai"
	"github.com/MrWong99/clausewise/pkg/provider/whisper"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Duration("watch", 5*time.Second, "config reload polling interval; 0 disables reloading")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "clausewise: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "clausewise: %v\n", err)
		}
		return 1
	}

	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("clausewise starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"providers", len(cfg.Providers.Entries),
		"models", len(cfg.Models),
	)

	factories := config.NewRegistry()
	registerBuiltinProviders(factories)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, factories, app.WithLevel(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	if err := application.Providers().Warm(ctx); err != nil {
		slog.Warn("some providers could not be built at startup", "err", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return application.Run(gctx) })
	if *watch > 0 {
		w, err := config.NewWatcher(*configPath, func(old, next *config.Config) {
			application.ApplyConfig(gctx, old, next)
		}, config.WithInterval(*watch))
		if err != nil {
			slog.Error("failed to start config watcher", "err", err)
			return 1
		}
		g.Go(func() error { return w.Run(gctx) })
	}

	slog.Info("server ready, press Ctrl+C to shut down")
	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// anyllmBackends are served through any-llm-go.
var anyllmBackends = []string{"anthropic", "gemini", "mistral", "deepseek", "groq", "ollama"}

// registerBuiltinProviders wires every built-in backend factory into reg.
//
// Options understood by every backend:
//
//	embedding_model  model used for embeddings (openai: native; others: via Ollama)
//	ollama_url       Ollama server serving embedding_model for non-OpenAI backends
//	whisper_url      whisper.cpp server adding transcription to non-OpenAI backends
//
// openai additionally reads organization and transcription_model.
func registerBuiltinProviders(reg *config.Registry) {
	reg.Register("openai", func(entry config.ProviderEntry) (provider.Adapter, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if m := optString(entry.Options, "embedding_model"); m != "" {
			opts = append(opts, openai.WithEmbeddingModel(m))
		}
		if m := optString(entry.Options, "transcription_model"); m != "" {
			opts = append(opts, openai.WithTranscriptionModel(m))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, name := range anyllmBackends {
		reg.Register(name, func(entry config.ProviderEntry) (provider.Adapter, error) {
			opts := []anyllm.Option{
				anyllm.WithAPIKey(entry.APIKey),
				anyllm.WithBaseURL(entry.BaseURL),
			}
			if m := optString(entry.Options, "embedding_model"); m != "" {
				url := optString(entry.Options, "ollama_url")
				if url == "" && name == "ollama" {
					url = entry.BaseURL
				}
				e, err := ollama.New(url, m)
				if err != nil {
					return nil, err
				}
				opts = append(opts, anyllm.WithEmbedder(e))
			}
			if url := optString(entry.Options, "whisper_url"); url != "" {
				var wopts []whisper.Option
				if m := optString(entry.Options, "transcription_model"); m != "" {
					wopts = append(wopts, whisper.WithModel(m))
				}
				if lang := optString(entry.Options, "language"); lang != "" {
					wopts = append(wopts, whisper.WithLanguage(lang))
				}
				t, err := whisper.New(url, wopts...)
				if err != nil {
					return nil, err
				}
				opts = append(opts, anyllm.WithTranscriber(t))
			}
			return anyllm.New(name, entry.Model, opts...)
		})
	}

	for _, name := range reg.Names() {
		slog.Debug("registered provider", "name", name)
	}
}

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
