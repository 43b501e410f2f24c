package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/clausewise/pkg/store"
)

// KnownBackends lists the backend names the built-in factories cover.
// Used by [Validate] to warn about unrecognised provider names.
var KnownBackends = []string{"openai", "anthropic", "gemini", "mistral", "deepseek", "groq", "ollama"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	seen := make(map[string]int, len(cfg.Providers.Entries))
	for i, e := range cfg.Providers.Entries {
		prefix := fmt.Sprintf("providers.entries[%d]", i)
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[e.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of providers.entries[%d]", prefix, e.Name, prev))
		}
		seen[e.Name] = i
		validateProviderName(e.Name)
	}
	if cfg.Providers.Timeouts.Request < 0 || cfg.Providers.Timeouts.Transcription < 0 {
		errs = append(errs, errors.New("providers.timeouts must not be negative"))
	}

	if err := store.ValidateModels(cfg.Models); err != nil {
		errs = append(errs, err)
	}
	for i, m := range cfg.Models {
		if m.Backend == "" {
			continue
		}
		if _, ok := seen[m.Backend]; !ok {
			errs = append(errs, fmt.Errorf("models[%d]: backend %q has no providers entry", i, m.Backend))
		}
		if m.Kind == store.KindEmbedding && m.IsDefault && m.Dimensions > 0 &&
			cfg.Database.EmbeddingDimensions > 0 && m.Dimensions != cfg.Database.EmbeddingDimensions {
			errs = append(errs, fmt.Errorf("models[%d]: default embedding model has %d dimensions but database.embedding_dimensions is %d",
				i, m.Dimensions, cfg.Database.EmbeddingDimensions))
		}
	}
	if !hasDefault(cfg.Models, store.KindEmbedding) {
		slog.Warn("no default embedding model configured; embeddings and search will be unavailable")
	}
	if !hasDefault(cfg.Models, store.KindGenerative) {
		slog.Warn("no default generative model configured; chat will be unavailable")
	}

	r := cfg.Retrieval
	if r.ParentLimit < 0 || r.ChildLimit < 0 || r.HistoryWindow < 0 || r.Sources < 0 || r.PreviewChars < 0 {
		errs = append(errs, errors.New("retrieval limits must not be negative"))
	}

	if cfg.Database.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("database.embedding_dimensions %d must not be negative", cfg.Database.EmbeddingDimensions))
	}
	if cfg.Database.PostgresDSN == "" {
		slog.Warn("database.postgres_dsn is empty; using the in-memory store")
	}

	return errors.Join(errs...)
}

func hasDefault(models []store.ModelDescriptor, kind store.ModelKind) bool {
	return slices.ContainsFunc(models, func(m store.ModelDescriptor) bool {
		return m.Kind == kind && m.IsDefault && m.Active
	})
}

// validateProviderName logs a warning if name is not in [KnownBackends].
func validateProviderName(name string) {
	if slices.Contains(KnownBackends, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party backend",
		"name", name,
		"known", KnownBackends,
	)
}
