package ollama_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/clausewise/pkg/aierr"
	"github.com/MrWong99/clausewise/pkg/provider"
	"github.com/MrWong99/clausewise/pkg/provider/ollama"
)

// mockEmbedServer starts a test HTTP server that answers /api/embed with vec
// and verifies the requested model.
func mockEmbedServer(t *testing.T, wantModel string, vec []float64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("unexpected path: got %q, want /api/embed", r.URL.Path)
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: got %q, want POST", r.Method)
		}

		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.Model != wantModel {
			t.Errorf("model: got %q, want %q", req.Model, wantModel)
		}
		if len(req.Input) != 1 {
			t.Errorf("input count: got %d, want 1", len(req.Input))
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":             wantModel,
			"embeddings":        [][]float64{vec},
			"prompt_eval_count": 3,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNew_EmptyModel(t *testing.T) {
	t.Parallel()
	if _, err := ollama.New("", ""); err == nil {
		t.Fatal("expected error for empty model, got nil")
	}
}

func TestNew_DefaultBaseURL(t *testing.T) {
	t.Parallel()
	e, err := ollama.New("", "nomic-embed-text")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if e.Model() != "nomic-embed-text" {
		t.Errorf("Model(): got %q", e.Model())
	}
}

func TestEmbed_Single(t *testing.T) {
	t.Parallel()
	want := []float64{0.1, 0.2, 0.3, 0.4}
	srv := mockEmbedServer(t, "test-embed", want)

	e, err := ollama.New(srv.URL+"/", "test-embed", ollama.WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := e.Embed(context.Background(), "hello world", provider.EmbedOptions{})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(got.Vector) != len(want) {
		t.Fatalf("length: got %d, want %d", len(got.Vector), len(want))
	}
	for i := range want {
		if got.Vector[i] != want[i] {
			t.Errorf("vec[%d]: got %v, want %v", i, got.Vector[i], want[i])
		}
	}
	if got.Tokens != 3 {
		t.Errorf("tokens: got %d, want 3", got.Tokens)
	}
}

func TestEmbed_DimensionMismatch(t *testing.T) {
	t.Parallel()
	srv := mockEmbedServer(t, "test-embed", []float64{1, 2})

	e, err := ollama.New(srv.URL, "test-embed", ollama.WithDimensions(3))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = e.Embed(context.Background(), "x", provider.EmbedOptions{})
	if !errors.Is(err, aierr.ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestEmbed_ServerError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	e, _ := ollama.New(srv.URL, "missing")
	_, err := e.Embed(context.Background(), "x", provider.EmbedOptions{})
	if !errors.Is(err, aierr.ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestEmbed_MalformedPayload(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"embeddings": "nope"`))
	}))
	defer srv.Close()

	e, _ := ollama.New(srv.URL, "test-embed")
	_, err := e.Embed(context.Background(), "x", provider.EmbedOptions{})
	if !errors.Is(err, aierr.ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestEmbed_Timeout(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	e, _ := ollama.New(srv.URL, "test-embed")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := e.Embed(ctx, "x", provider.EmbedOptions{})
	if !errors.Is(err, aierr.ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
}
