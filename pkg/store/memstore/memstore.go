// Package memstore is a thread-safe, in-memory implementation of every
// store collaborator interface. It backs tests and dev mode (no database DSN
// configured). The zero value is not ready to use; call [New].
package memstore

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/clausewise/pkg/store"
)

var _ store.Backend = (*Store)(nil)

type recordKey struct {
	kind store.OwnerKind
	id   string
}

type overrideKey struct {
	tenant, backend string
}

// Store is an in-memory [store.Backend].
type Store struct {
	mu sync.RWMutex

	models    map[string]store.ModelDescriptor
	overrides map[overrideKey]store.TenantOverride
	usage     []store.UsageRecord

	records     map[recordKey]*store.Record
	recordOrder []recordKey

	sessions map[string]store.ChatSession
	messages map[string][]store.ChatMessage
	seq      int64

	now func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		models:    make(map[string]store.ModelDescriptor),
		overrides: make(map[overrideKey]store.TenantOverride),
		records:   make(map[recordKey]*store.Record),
		sessions:  make(map[string]store.ChatSession),
		messages:  make(map[string][]store.ChatMessage),
		now:       time.Now,
	}
}

// Ping implements [store.Backend].
func (s *Store) Ping(context.Context) error { return nil }

// Close implements [store.Backend].
func (s *Store) Close() {}

// ── models ───────────────────────────────────────────────────────────────────

// SeedModels implements [store.ModelSeeder]. Descriptors are upserted by id.
func (s *Store) SeedModels(_ context.Context, models []store.ModelDescriptor) error {
	if err := store.ValidateModels(models); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range models {
		s.models[m.ID] = m
	}
	return nil
}

// Models implements [store.ModelCatalog], ordered by id.
func (s *Store) Models(context.Context) ([]store.ModelDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.ModelDescriptor, 0, len(s.models))
	for _, m := range s.models {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b store.ModelDescriptor) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// Model implements [store.ModelCatalog].
func (s *Store) Model(_ context.Context, id string) (store.ModelDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[id]
	if !ok {
		return store.ModelDescriptor{}, store.ErrNotFound
	}
	return m, nil
}

// DefaultModel implements [store.ModelCatalog].
func (s *Store) DefaultModel(_ context.Context, kind store.ModelKind) (store.ModelDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.models {
		if m.Kind == kind && m.Active && m.IsDefault {
			return m, nil
		}
	}
	return store.ModelDescriptor{}, store.ErrNotFound
}

// ── tenant overrides ─────────────────────────────────────────────────────────

// PutOverride implements [store.TenantOverrideWriter].
func (s *Store) PutOverride(_ context.Context, o store.TenantOverride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = s.now()
	}
	s.overrides[overrideKey{o.TenantID, o.Backend}] = o
	return nil
}

// ActiveOverride implements [store.TenantOverrides].
func (s *Store) ActiveOverride(_ context.Context, tenantID, backend string) (store.TenantOverride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.overrides[overrideKey{tenantID, backend}]
	if !ok || !o.Active {
		return store.TenantOverride{}, store.ErrNotFound
	}
	return o, nil
}

// ── usage ────────────────────────────────────────────────────────────────────

// RecordUsage implements [store.UsageRecorder].
func (s *Store) RecordUsage(_ context.Context, rec store.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, rec)
	return nil
}

// UsageRecords returns a copy of every recorded usage line.
func (s *Store) UsageRecords() []store.UsageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.usage)
}

// ── embeddings ───────────────────────────────────────────────────────────────

// UpsertRecord implements [store.EmbeddingStore].
func (s *Store) UpsertRecord(_ context.Context, rec store.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey{rec.OwnerKind, rec.OwnerID}
	existing, ok := s.records[key]
	if !ok {
		rec.UpdatedAt = s.now()
		cp := cloneRecord(rec)
		s.records[key] = &cp
		s.recordOrder = append(s.recordOrder, key)
		return nil
	}
	changed := existing.Title != rec.Title || existing.Content != rec.Content
	existing.TenantID = rec.TenantID
	existing.ParentID = rec.ParentID
	existing.Title = rec.Title
	existing.Content = rec.Content
	if rec.Vector != nil {
		existing.Vector = slices.Clone(rec.Vector)
		existing.ModelID = rec.ModelID
		existing.ContentHash = rec.ContentHash
		existing.Processed = rec.Processed
	} else if changed {
		existing.Processed = false
	}
	existing.UpdatedAt = s.now()
	return nil
}

// Candidates implements [store.EmbeddingStore]. Records are returned in
// insertion order.
func (s *Store) Candidates(_ context.Context, q store.CandidateQuery) ([]store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var parents map[string]bool
	if q.ParentIDs != nil {
		parents = make(map[string]bool, len(q.ParentIDs))
		for _, id := range q.ParentIDs {
			parents[id] = true
		}
	}

	var out []store.Record
	for _, key := range s.recordOrder {
		r := s.records[key]
		if r.OwnerKind != q.Kind || !r.Processed || len(r.Vector) == 0 {
			continue
		}
		if r.TenantID != q.TenantID {
			continue
		}
		if parents != nil && !parents[r.ParentID] {
			continue
		}
		out = append(out, cloneRecord(*r))
	}
	return out, nil
}

// Pending implements [store.EmbeddingStore].
func (s *Store) Pending(_ context.Context, kind store.OwnerKind, limit int) ([]store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Record
	for _, key := range s.recordOrder {
		r := s.records[key]
		if r.Processed || (kind != "" && r.OwnerKind != kind) {
			continue
		}
		out = append(out, cloneRecord(*r))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// SaveEmbedding implements [store.EmbeddingStore].
func (s *Store) SaveEmbedding(_ context.Context, vec store.EmbeddingVector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[recordKey{vec.OwnerKind, vec.OwnerID}]
	if !ok {
		return store.ErrNotFound
	}
	r.Vector = slices.Clone(vec.Vector)
	r.ModelID = vec.ModelID
	r.ContentHash = vec.ContentHash
	r.Processed = true
	r.UpdatedAt = s.now()
	return nil
}

// MarkProcessed implements [store.EmbeddingStore].
func (s *Store) MarkProcessed(_ context.Context, kind store.OwnerKind, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[recordKey{kind, ownerID}]
	if !ok {
		return store.ErrNotFound
	}
	r.Processed = true
	r.UpdatedAt = s.now()
	return nil
}

// Record returns a copy of one stored record.
func (s *Store) Record(kind store.OwnerKind, ownerID string) (store.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[recordKey{kind, ownerID}]
	if !ok {
		return store.Record{}, false
	}
	return cloneRecord(*r), true
}

// ── chat ─────────────────────────────────────────────────────────────────────

// CreateSession implements [store.ChatStore].
func (s *Store) CreateSession(_ context.Context, cs store.ChatSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[cs.ID] = cs
	return nil
}

// Session implements [store.ChatStore].
func (s *Store) Session(_ context.Context, id string) (store.ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.sessions[id]
	if !ok {
		return store.ChatSession{}, store.ErrNotFound
	}
	return cs, nil
}

// UpdateSessionCounters implements [store.ChatStore].
func (s *Store) UpdateSessionCounters(_ context.Context, id string, messages, tokens int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	cs.MessageCount += messages
	cs.TokenTotal += tokens
	cs.LastMessageAt = at
	s.sessions[id] = cs
	return nil
}

// DeactivateSession implements [store.ChatStore].
func (s *Store) DeactivateSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	cs.Active = false
	s.sessions[id] = cs
	return nil
}

// ListSessions implements [store.ChatStore].
func (s *Store) ListSessions(_ context.Context, tenantID, ownerID string) ([]store.ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.ChatSession
	for _, cs := range s.sessions {
		if cs.Active && cs.TenantID == tenantID && cs.OwnerID == ownerID {
			out = append(out, cs)
		}
	}
	slices.SortFunc(out, func(a, b store.ChatSession) int {
		if c := b.LastMessageAt.Compare(a.LastMessageAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// AppendMessage implements [store.ChatStore].
func (s *Store) AppendMessage(_ context.Context, m store.ChatMessage) (store.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[m.SessionID]; !ok {
		return store.ChatMessage{}, store.ErrNotFound
	}
	s.seq++
	m.Seq = s.seq
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	s.messages[m.SessionID] = append(s.messages[m.SessionID], m)
	return m, nil
}

// RecentMessages implements [store.ChatStore].
func (s *Store) RecentMessages(_ context.Context, sessionID string, n int) ([]store.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var active []store.ChatMessage
	for _, m := range s.messages[sessionID] {
		if m.Active {
			active = append(active, m)
		}
	}
	slices.SortStableFunc(active, compareMessages)
	if n > 0 && len(active) > n {
		active = active[len(active)-n:]
	}
	return active, nil
}

// Messages returns every message of a session, inactive ones included.
func (s *Store) Messages(sessionID string) []store.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.messages[sessionID])
}

func compareMessages(a, b store.ChatMessage) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.Seq, b.Seq)
}

func cloneRecord(r store.Record) store.Record {
	r.Vector = slices.Clone(r.Vector)
	return r
}
