// Package httpapi exposes the retrieval core over JSON/HTTP.
//
// Routes are registered on a [http.ServeMux] with method patterns. Chat turns
// are served either as one JSON response or as a text/event-stream; errors are
// JSON objects whose status code follows the aierr kind.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/MrWong99/clausewise/internal/chat"
	"github.com/MrWong99/clausewise/internal/contextblock"
	"github.com/MrWong99/clausewise/internal/embedding"
	"github.com/MrWong99/clausewise/internal/search"
	"github.com/MrWong99/clausewise/pkg/provider"
	"github.com/MrWong99/clausewise/pkg/store"
)

// Body limits.
const (
	maxJSONBody  = 1 << 20
	maxAudioBody = 25 << 20
)

// Embeddings generates embeddings. *embedding.Pipeline satisfies it.
type Embeddings interface {
	Generate(ctx context.Context, text, modelID string) (*embedding.Result, error)
	ProcessPending(ctx context.Context, opts embedding.ProcessOptions) (embedding.BatchStats, error)
}

// Chat runs conversational turns. *chat.Orchestrator satisfies it.
type Chat interface {
	Turn(ctx context.Context, req chat.TurnRequest) (*chat.TurnResult, error)
	Stream(ctx context.Context, req chat.TurnRequest) <-chan chat.Event
	Sessions(ctx context.Context, tenantID, ownerID string) ([]store.ChatSession, error)
	History(ctx context.Context, sessionID, ownerID string) ([]store.ChatMessage, error)
	Deactivate(ctx context.Context, sessionID, ownerID string) error
}

// Providers resolves and invalidates adapters. *registry.Registry satisfies it.
type Providers interface {
	Resolve(ctx context.Context, backend, tenantID string) (provider.Adapter, error)
	Invalidate()
	InvalidateTenant(tenantID string)
	Usage() provider.Totals
	Backends() []string
}

// Store is the persistence the transport writes to directly.
type Store interface {
	store.ModelCatalog
	store.UsageRecorder
	store.TenantOverrideWriter
	UpsertRecord(ctx context.Context, rec store.Record) error
}

// Deps are the collaborators of a [Server].
type Deps struct {
	Embeddings Embeddings
	Search     search.TwoStager
	Chat       Chat
	Providers  Providers
	Store      Store

	// Assembler renders the context text returned by /v1/search.
	Assembler contextblock.Assembler
}

// Server holds the HTTP handlers.
type Server struct {
	d Deps
}

// New returns a server over d.
func New(d Deps) *Server {
	return &Server{d: d}
}

// Register adds every route to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/embeddings", s.handleEmbed)
	mux.HandleFunc("POST /v1/embeddings/process", s.handleProcess)
	mux.HandleFunc("POST /v1/records", s.handleUpsertRecord)
	mux.HandleFunc("POST /v1/search", s.handleSearch)

	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("POST /v1/chat/stream", s.handleChatStream)
	mux.HandleFunc("GET /v1/chat/sessions", s.handleSessions)
	mux.HandleFunc("GET /v1/chat/sessions/{id}/messages", s.handleHistory)
	mux.HandleFunc("DELETE /v1/chat/sessions/{id}", s.handleDeactivate)

	mux.HandleFunc("POST /v1/transcriptions", s.handleTranscribe)

	mux.HandleFunc("POST /v1/admin/providers/invalidate", s.handleInvalidate)
	mux.HandleFunc("POST /v1/admin/tenants/{id}/invalidate", s.handleInvalidateTenant)
	mux.HandleFunc("PUT /v1/admin/tenants/{id}/overrides/{backend}", s.handlePutOverride)
	mux.HandleFunc("GET /v1/admin/usage", s.handleUsage)
}

// decode reads a JSON body into v, rejecting unknown fields and trailing data.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errBodyTooLarge
		}
		return fmt.Errorf("%w: %v", errBadBody, err)
	}
	if dec.Decode(&struct{}{}) != io.EOF {
		return fmt.Errorf("%w: trailing data after JSON object", errBadBody)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
