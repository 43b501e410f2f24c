package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/clausewise/internal/config"
)

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		wantErr string // substring; empty means valid
	}{
		{
			name:    "invalid log level",
			yaml:    "server:\n  log_level: bananas\n",
			wantErr: "server.log_level",
		},
		{
			name: "duplicate provider entries",
			yaml: `
providers:
  entries:
    - name: openai
    - name: openai
`,
			wantErr: "duplicate",
		},
		{
			name: "entry without name",
			yaml: `
providers:
  entries:
    - api_key: x
`,
			wantErr: "name is required",
		},
		{
			name: "model backend without entry",
			yaml: `
models:
  - id: m
    backend: openai
    name: gpt-4o-mini
    kind: generative
    active: true
`,
			wantErr: "has no providers entry",
		},
		{
			name: "two defaults of one kind",
			yaml: `
providers:
  entries:
    - name: openai
models:
  - {id: a, backend: openai, name: a, kind: embedding, active: true, is_default: true}
  - {id: b, backend: openai, name: b, kind: embedding, active: true, is_default: true}
`,
			wantErr: "second default",
		},
		{
			name: "dimension mismatch",
			yaml: `
providers:
  entries:
    - name: openai
models:
  - {id: a, backend: openai, name: a, kind: embedding, dimensions: 3072, active: true, is_default: true}
database:
  embedding_dimensions: 1536
`,
			wantErr: "dimensions",
		},
		{
			name:    "negative retrieval limit",
			yaml:    "retrieval:\n  child_limit: -1\n",
			wantErr: "retrieval limits",
		},
		{
			name: "unknown backend only warns",
			yaml: `
providers:
  entries:
    - name: my-inhouse-llm
`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error should mention %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
providers:
  entries:
    - name: ""
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	msg := err.Error()
	for _, want := range []string{"log_level", "name is required"} {
		if !strings.Contains(msg, want) {
			t.Errorf("joined error missing %q: %v", want, msg)
		}
	}
}
