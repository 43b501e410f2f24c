// Package store defines the persisted state the retrieval core reads and
// writes, and the collaborator interfaces that own it.
//
// The core never talks to a database directly: model descriptors, tenant
// credential overrides, usage records, owner-record embeddings and chat
// sessions are reached through the interfaces below. Implementations live in
// the postgres (pgx + pgvector) and memstore (in-memory) sub-packages.
//
// Every implementation must be safe for concurrent use.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested row does not exist (or is inactive
// where only active rows qualify).
var ErrNotFound = errors.New("store: not found")

// ModelKind classifies a model descriptor.
type ModelKind string

const (
	KindEmbedding     ModelKind = "embedding"
	KindGenerative    ModelKind = "generative"
	KindTranscription ModelKind = "transcription"
)

// Valid reports whether k is a known kind.
func (k ModelKind) Valid() bool {
	switch k {
	case KindEmbedding, KindGenerative, KindTranscription:
		return true
	}
	return false
}

// ModelDescriptor describes one model offered by a backend. Descriptors are
// seeded from configuration and read-only to the core.
type ModelDescriptor struct {
	ID         string    `json:"id" yaml:"id"`
	Backend    string    `json:"backend" yaml:"backend"`
	Name       string    `json:"name" yaml:"name"`
	Kind       ModelKind `json:"kind" yaml:"kind"`
	TokenLimit int       `json:"token_limit" yaml:"token_limit"`

	// Dimensions is the vector length of an embedding model; zero when unknown.
	Dimensions int `json:"dimensions,omitempty" yaml:"dimensions"`

	CostPer1K float64 `json:"cost_per_1k_tokens" yaml:"cost_per_1k_tokens"`
	Active    bool    `json:"active" yaml:"active"`
	IsDefault bool    `json:"is_default" yaml:"is_default"`
}

// ValidateModels checks a descriptor set: unique ids, known kinds, and at
// most one active default per kind.
func ValidateModels(models []ModelDescriptor) error {
	var errs []error
	seen := make(map[string]bool, len(models))
	defaults := make(map[ModelKind]string)
	for i, m := range models {
		prefix := fmt.Sprintf("models[%d]", i)
		if m.ID == "" {
			errs = append(errs, fmt.Errorf("%s: id is required", prefix))
		} else if seen[m.ID] {
			errs = append(errs, fmt.Errorf("%s: duplicate id %q", prefix, m.ID))
		}
		seen[m.ID] = true
		if m.Backend == "" {
			errs = append(errs, fmt.Errorf("%s: backend is required", prefix))
		}
		if m.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		}
		if !m.Kind.Valid() {
			errs = append(errs, fmt.Errorf("%s: unknown kind %q", prefix, m.Kind))
		}
		if m.TokenLimit < 0 || m.CostPer1K < 0 || m.Dimensions < 0 {
			errs = append(errs, fmt.Errorf("%s: token_limit, dimensions and cost_per_1k_tokens must not be negative", prefix))
		}
		if m.IsDefault {
			if prev, ok := defaults[m.Kind]; ok {
				errs = append(errs, fmt.Errorf("%s: %q is a second default for kind %q (already %q)", prefix, m.ID, m.Kind, prev))
			}
			defaults[m.Kind] = m.ID
		}
	}
	return errors.Join(errs...)
}

// TenantOverride replaces global backend credentials for one tenant.
type TenantOverride struct {
	TenantID string
	Backend  string

	// Config is an opaque JSON blob; see [OverrideSettings].
	Config json.RawMessage

	Active    bool
	UpdatedAt time.Time
}

// OverrideSettings is the decoded form of TenantOverride.Config.
type OverrideSettings struct {
	APIKey  string            `json:"api_key"`
	BaseURL string            `json:"base_url"`
	Model   string            `json:"model"`
	Options map[string]string `json:"options"`
}

// Settings decodes the override blob.
func (o TenantOverride) Settings() (OverrideSettings, error) {
	var s OverrideSettings
	if len(o.Config) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(o.Config, &s); err != nil {
		return OverrideSettings{}, fmt.Errorf("store: decode override for tenant %q backend %q: %w", o.TenantID, o.Backend, err)
	}
	return s, nil
}

// OwnerKind is the kind of record an embedding belongs to.
type OwnerKind string

const (
	OwnerActivity   OwnerKind = "activity"
	OwnerFile       OwnerKind = "file"
	OwnerObligation OwnerKind = "obligation"
	OwnerProject    OwnerKind = "project"
)

// Valid reports whether k is a known owner kind.
func (k OwnerKind) Valid() bool {
	switch k {
	case OwnerActivity, OwnerFile, OwnerObligation, OwnerProject:
		return true
	}
	return false
}

// EmbeddingVector is the embedding attached to one owner record.
type EmbeddingVector struct {
	OwnerID   string
	OwnerKind OwnerKind
	Vector    []float64
	ModelID   string

	// ContentHash identifies the text the vector was computed from.
	ContentHash string

	Processed bool
}

// Record is an owner record as the core sees it: its text, scope and, once
// processed, its embedding.
type Record struct {
	OwnerID   string
	OwnerKind OwnerKind
	TenantID  string

	// ParentID links files and obligations to their activity or project.
	ParentID string

	Title   string
	Content string

	Vector      []float64
	ModelID     string
	ContentHash string
	Processed   bool
	UpdatedAt   time.Time
}

// Embedding returns the record's embedding half.
func (r Record) Embedding() EmbeddingVector {
	return EmbeddingVector{
		OwnerID:     r.OwnerID,
		OwnerKind:   r.OwnerKind,
		Vector:      r.Vector,
		ModelID:     r.ModelID,
		ContentHash: r.ContentHash,
		Processed:   r.Processed,
	}
}

// EmbeddingText is the text that gets embedded for a record.
func (r Record) EmbeddingText() string {
	if r.Title == "" {
		return r.Content
	}
	if r.Content == "" {
		return r.Title
	}
	return r.Title + "\n\n" + r.Content
}

// ContentHash returns the hex sha256 of text combined with the model id.
func ContentHash(modelID, text string) string {
	sum := sha256.Sum256([]byte(modelID + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// UsageRecord is one append-only line of provider telemetry.
type UsageRecord struct {
	ID        string
	TenantID  string
	ModelID   string
	Operation string
	TokensIn  int
	TokensOut int
	CostUSD   float64
	LatencyMS int64
	Success   bool
	Error     string
	Timestamp time.Time
}

// Usage operations.
const (
	OpEmbed      = "embed"
	OpComplete   = "complete"
	OpStream     = "stream"
	OpTranscribe = "transcribe"
)

// ChatSession is one conversation. Sessions are soft-deactivated, never deleted.
type ChatSession struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	TenantID      string    `json:"tenant_id"`
	Title         string    `json:"title"`
	MessageCount  int       `json:"message_count"`
	TokenTotal    int       `json:"token_total"`
	CreatedAt     time.Time `json:"created_at"`
	LastMessageAt time.Time `json:"last_message_at"`
	Active        bool      `json:"active"`
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one message of a session, ordered by CreatedAt then Seq.
type ChatMessage struct {
	// Seq is assigned by the store on append and breaks CreatedAt ties.
	Seq       int64     `json:"seq"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Tokens    int       `json:"tokens"`
	ModelUsed string    `json:"model_used,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Active    bool      `json:"active"`
}

// CandidateQuery scopes a candidate scan.
type CandidateQuery struct {
	// TenantID must equal the record's tenant exactly. An empty value
	// matches only records stored without a tenant.
	TenantID string
	Kind     OwnerKind

	// ParentIDs restricts the scan to children of these parents when non-nil.
	// An empty non-nil slice matches nothing.
	ParentIDs []string
}

// ModelCatalog reads model descriptors.
type ModelCatalog interface {
	Models(ctx context.Context) ([]ModelDescriptor, error)

	// Model returns the descriptor with the given id or ErrNotFound.
	Model(ctx context.Context, id string) (ModelDescriptor, error)

	// DefaultModel returns the active default of kind or ErrNotFound.
	DefaultModel(ctx context.Context, kind ModelKind) (ModelDescriptor, error)
}

// ModelSeeder upserts configuration-declared descriptors.
type ModelSeeder interface {
	SeedModels(ctx context.Context, models []ModelDescriptor) error
}

// TenantOverrides reads tenant credential overrides.
type TenantOverrides interface {
	// ActiveOverride returns the active override for (tenantID, backend) or ErrNotFound.
	ActiveOverride(ctx context.Context, tenantID, backend string) (TenantOverride, error)
}

// TenantOverrideWriter stores tenant credential overrides.
type TenantOverrideWriter interface {
	PutOverride(ctx context.Context, o TenantOverride) error
}

// UsageRecorder appends usage telemetry.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, rec UsageRecord) error
}

// EmbeddingStore owns owner-record embeddings.
type EmbeddingStore interface {
	// UpsertRecord stores record text. A content change resets Processed.
	UpsertRecord(ctx context.Context, rec Record) error

	// Candidates returns processed records with vectors in the query scope,
	// in a stable order.
	Candidates(ctx context.Context, q CandidateQuery) ([]Record, error)

	// Pending returns up to limit unprocessed records of kind (all kinds when
	// kind is empty), oldest first.
	Pending(ctx context.Context, kind OwnerKind, limit int) ([]Record, error)

	// SaveEmbedding stores the vector and marks the owner processed atomically.
	SaveEmbedding(ctx context.Context, vec EmbeddingVector) error

	// MarkProcessed flags the owner processed without touching its vector.
	MarkProcessed(ctx context.Context, kind OwnerKind, ownerID string) error
}

// ChatStore owns sessions and messages.
type ChatStore interface {
	CreateSession(ctx context.Context, s ChatSession) error

	// Session returns the session with id (active or not) or ErrNotFound.
	Session(ctx context.Context, id string) (ChatSession, error)

	// UpdateSessionCounters adds the deltas and sets LastMessageAt.
	UpdateSessionCounters(ctx context.Context, id string, messages, tokens int, at time.Time) error

	DeactivateSession(ctx context.Context, id string) error

	// ListSessions returns active sessions of the owner in the tenant scope,
	// most recent first.
	ListSessions(ctx context.Context, tenantID, ownerID string) ([]ChatSession, error)

	// AppendMessage stores m and returns it with Seq assigned.
	AppendMessage(ctx context.Context, m ChatMessage) (ChatMessage, error)

	// RecentMessages returns the last n active messages in chronological order,
	// all of them when n <= 0.
	RecentMessages(ctx context.Context, sessionID string, n int) ([]ChatMessage, error)
}

// Backend bundles every collaborator interface of one storage implementation.
type Backend interface {
	ModelCatalog
	ModelSeeder
	TenantOverrides
	TenantOverrideWriter
	UsageRecorder
	EmbeddingStore
	ChatStore

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close()
}
