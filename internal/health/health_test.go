package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/clausewise/pkg/store"
	"github.com/MrWong99/clausewise/pkg/store/memstore"
)

func get(t *testing.T, h http.Handler, path string) (int, result) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return rec.Code, body
}

func mux(h *Handler) *http.ServeMux {
	m := http.NewServeMux()
	h.Register(m)
	return m
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	code, body := get(t, mux(New(Checker{Name: "never", Check: func(context.Context) error { return errors.New("down") }})), "/healthz")
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("healthz = %d %+v", code, body)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	ok := func(context.Context) error { return nil }
	fail := func(context.Context) error { return errors.New("connection refused") }

	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{"no checkers", nil, http.StatusOK, "ok", nil},
		{"all pass", []Checker{{"database", ok}, {"models", ok}}, http.StatusOK, "ok",
			map[string]string{"database": "ok", "models": "ok"}},
		{"one fails", []Checker{{"database", fail}, {"models", ok}}, http.StatusServiceUnavailable, "fail",
			map[string]string{"database": "fail: connection refused", "models": "ok"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			code, body := get(t, mux(New(tt.checkers...)), "/readyz")
			if code != tt.wantCode || body.Status != tt.wantStatus {
				t.Errorf("readyz = %d %q, want %d %q", code, body.Status, tt.wantCode, tt.wantStatus)
			}
			for k, v := range tt.wantChecks {
				if body.Checks[k] != v {
					t.Errorf("checks[%s] = %q, want %q", k, body.Checks[k], v)
				}
			}
		})
	}
}

func TestReadyz_CheckerSeesDeadline(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("no deadline")
		}
		return nil
	}})
	if code, body := get(t, mux(h), "/readyz"); code != http.StatusOK {
		t.Errorf("readyz = %d %+v", code, body)
	}
}

func TestDefaultModelsAndDatabase(t *testing.T) {
	t.Parallel()
	st := memstore.New()
	ctx := context.Background()
	chk := DefaultModels(st, store.KindEmbedding, store.KindGenerative)

	err := chk.Check(ctx)
	if err == nil || !strings.Contains(err.Error(), "embedding") || !strings.Contains(err.Error(), "generative") {
		t.Fatalf("empty catalog err = %v", err)
	}

	if err := st.SeedModels(ctx, []store.ModelDescriptor{
		{ID: "e", Backend: "openai", Name: "e", Kind: store.KindEmbedding, Active: true, IsDefault: true},
		{ID: "g", Backend: "openai", Name: "g", Kind: store.KindGenerative, Active: true, IsDefault: true},
	}); err != nil {
		t.Fatalf("SeedModels: %v", err)
	}
	if err := chk.Check(ctx); err != nil {
		t.Errorf("seeded catalog err = %v", err)
	}
	if err := Database(st).Check(ctx); err != nil {
		t.Errorf("memstore ping = %v", err)
	}
}
