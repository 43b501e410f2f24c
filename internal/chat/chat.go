// Package chat drives conversational turns: it resolves the session, grounds
// the question in retrieved records, calls the default generative model and
// persists the exchange.
//
// A turn is either synchronous ([Orchestrator.Turn]) or streamed as a channel
// of [Event] values ([Orchestrator.Stream]). The assistant message, its usage
// record and the session counters are written only after the backend
// completed and the caller is still waiting for the answer.
package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/clausewise/internal/contextblock"
	"github.com/MrWong99/clausewise/internal/embedding"
	"github.com/MrWong99/clausewise/internal/observe"
	"github.com/MrWong99/clausewise/internal/registry"
	"github.com/MrWong99/clausewise/internal/search"
	"github.com/MrWong99/clausewise/pkg/aierr"
	"github.com/MrWong99/clausewise/pkg/provider"
	"github.com/MrWong99/clausewise/pkg/store"
)

// DefaultSystemInstruction opens every prompt.
const DefaultSystemInstruction = "You are the contract management assistant. Answer only from the context " +
	"records supplied in system messages and cite the records you used by their number. " +
	"If the context does not contain the answer, or the question is unrelated to the " +
	"organisation's contracts, activities, obligations and files, say so and decline to answer."

// noContext replaces an empty context block.
const noContext = "No records matched this question."

// titleRunes is the length of an automatic session title.
const titleRunes = 60

// ErrSessionNotFound is returned when a session does not exist or belongs to
// another owner.
var ErrSessionNotFound = errors.New("chat: session not found")

// Config tunes turns. Zero fields take their defaults.
type Config struct {
	HistoryWindow     int
	Sources           int
	ParentLimit       int
	ChildLimit        int
	PreviewChars      int
	SystemInstruction string
}

func (c Config) withDefaults() Config {
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 10
	}
	if c.Sources <= 0 {
		c.Sources = 5
	}
	if c.ParentLimit <= 0 {
		c.ParentLimit = search.DefaultParentLimit
	}
	if c.ChildLimit <= 0 {
		c.ChildLimit = search.DefaultChildLimit
	}
	if c.PreviewChars <= 0 {
		c.PreviewChars = contextblock.DefaultPreviewChars
	}
	if c.SystemInstruction == "" {
		c.SystemInstruction = DefaultSystemInstruction
	}
	return c
}

// Store is the persistence an orchestrator needs.
type Store interface {
	store.ChatStore
	store.ModelCatalog
	store.UsageRecorder
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithConfig sets the turn parameters.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg.withDefaults() }
}

// WithMetrics records completion latency, tokens and active streams.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides time.Now for message and session timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDs overrides the session id generator.
func WithIDs(newID func() string) Option {
	return func(o *Orchestrator) { o.newID = newID }
}

// Orchestrator runs conversational turns. It is safe for concurrent use.
type Orchestrator struct {
	store    Store
	embedder search.QueryEmbedder
	searcher search.TwoStager
	resolver embedding.Resolver
	cfg      Config
	metrics  *observe.Metrics
	now      func() time.Time
	newID    func() string
}

// New returns an orchestrator.
func New(st Store, embedder search.QueryEmbedder, searcher search.TwoStager, resolver embedding.Resolver, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    st,
		embedder: embedder,
		searcher: searcher,
		resolver: resolver,
		cfg:      Config{}.withDefaults(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// TurnRequest is one user question.
type TurnRequest struct {
	TenantID string `json:"tenant_id"`
	OwnerID  string `json:"owner_id"`
	Question string `json:"question"`

	// SessionID continues a session; empty starts a new one.
	SessionID string `json:"session_id,omitempty"`
}

// TurnResult is the outcome of a completed turn.
type TurnResult struct {
	SessionID  string                `json:"session_id"`
	NewSession bool                  `json:"new_session"`
	Answer     string                `json:"answer"`
	Model      string                `json:"model"`
	Tokens     int                   `json:"tokens"`
	Sources    []contextblock.Source `json:"sources"`
}

// turn is the prepared state shared by the sync and streamed paths.
type turn struct {
	req        TurnRequest
	session    store.ChatSession
	newSession bool
	model      store.ModelDescriptor
	sources    []contextblock.Source
	messages   []provider.Message
	span       trace.Span
}

// Turn answers req synchronously.
func (o *Orchestrator) Turn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	ctx, span := observe.StartSpan(ctx, "chat.turn")
	defer span.End()

	t, ctx, err := o.begin(ctx, req, span)
	if err != nil {
		return nil, err
	}
	if err := o.ground(ctx, t); err != nil {
		return nil, err
	}
	adapter, err := o.resolver.Resolve(ctx, t.model.Backend, req.TenantID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	c, err := adapter.Complete(ctx, o.completionRequest(t))
	if err != nil {
		o.failed(ctx, t, store.OpComplete, start, err)
		return nil, err
	}
	if err := o.finish(ctx, t, store.OpComplete, start, c); err != nil {
		return nil, err
	}
	return t.result(c), nil
}

// begin validates req and resolves its session.
func (o *Orchestrator) begin(ctx context.Context, req TurnRequest, span trace.Span) (*turn, context.Context, error) {
	const op = "chat: turn"
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		return nil, ctx, aierr.InvalidInput(op, "question is empty")
	}
	if req.OwnerID == "" {
		return nil, ctx, aierr.InvalidInput(op, "owner_id is required")
	}
	ctx = registry.WithTenant(ctx, req.TenantID)

	model, err := o.store.DefaultModel(ctx, store.KindGenerative)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, ctx, aierr.Unavailable(op, "no active default generative model")
	case err != nil:
		return nil, ctx, aierr.Persistence(op, err)
	}

	t := &turn{req: req, model: model, span: span}
	if err := o.resolveSession(ctx, t); err != nil {
		return nil, ctx, err
	}
	span.SetAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.String("session.id", t.session.ID),
		attribute.Bool("session.new", t.newSession),
		attribute.String("model.id", model.ID),
	)
	return t, ctx, nil
}

// resolveSession continues req.SessionID when it is active and belongs to the
// same tenant and owner, and starts a fresh session otherwise.
func (o *Orchestrator) resolveSession(ctx context.Context, t *turn) error {
	const op = "chat: resolve session"
	if id := t.req.SessionID; id != "" {
		s, err := o.store.Session(ctx, id)
		switch {
		case err == nil && s.Active && s.TenantID == t.req.TenantID && s.OwnerID == t.req.OwnerID:
			t.session = s
			return nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return aierr.Persistence(op, err)
		}
		observe.Logger(ctx).Debug("chat: session not continuable, starting a new one", "session_id", id)
	}

	now := o.now()
	s := store.ChatSession{
		ID:            o.newID(),
		OwnerID:       t.req.OwnerID,
		TenantID:      t.req.TenantID,
		Title:         Title(t.req.Question),
		CreatedAt:     now,
		LastMessageAt: now,
		Active:        true,
	}
	if err := o.store.CreateSession(ctx, s); err != nil {
		return aierr.Persistence(op, err)
	}
	t.session, t.newSession = s, true
	return nil
}

// ground loads history, retrieves context, persists the user message and
// builds the provider message list.
func (o *Orchestrator) ground(ctx context.Context, t *turn) error {
	const op = "chat: ground"
	var history []store.ChatMessage
	if !t.newSession {
		var err error
		history, err = o.store.RecentMessages(ctx, t.session.ID, o.cfg.HistoryWindow)
		if err != nil {
			return aierr.Persistence(op, err)
		}
	}

	found, err := search.Text(ctx, o.embedder, o.searcher, t.req.Question, search.Query{
		TenantID:    t.req.TenantID,
		ParentLimit: o.cfg.ParentLimit,
		ChildLimit:  o.cfg.ChildLimit,
	})
	if err != nil {
		return err
	}
	block := contextblock.Assembler{MaxChildren: o.cfg.ChildLimit, PreviewChars: o.cfg.PreviewChars}.
		Build(found.Parents, found.ChildrenByParent)
	if block == "" {
		block = noContext
	}
	t.sources = contextblock.Sources(found.Parents, o.cfg.Sources)

	if _, err := o.store.AppendMessage(ctx, store.ChatMessage{
		SessionID: t.session.ID,
		Role:      store.RoleUser,
		Content:   t.req.Question,
		Tokens:    provider.EstimateTokens(t.req.Question),
		CreatedAt: o.now(),
		Active:    true,
	}); err != nil {
		return aierr.Persistence(op, err)
	}
	if err := o.store.UpdateSessionCounters(ctx, t.session.ID, 1, 0, o.now()); err != nil {
		return aierr.Persistence(op, err)
	}

	t.messages = BuildMessages(o.cfg.SystemInstruction, history, block, t.req.Question)
	return nil
}

// BuildMessages assembles the prompt. With no history the context follows the
// instruction directly; with history the context is placed after it so it is
// not repeated every turn.
func BuildMessages(instruction string, history []store.ChatMessage, contextBlock, question string) []provider.Message {
	msgs := make([]provider.Message, 0, len(history)+3)
	msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: instruction})
	if len(history) == 0 {
		msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: "Context:\n" + contextBlock})
	} else {
		for _, m := range history {
			msgs = append(msgs, provider.Message{Role: m.Role, Content: m.Content})
		}
		msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: "Context for the new question:\n" + contextBlock})
	}
	return append(msgs, provider.Message{Role: provider.RoleUser, Content: question})
}

func (o *Orchestrator) completionRequest(t *turn) provider.CompletionRequest {
	return provider.CompletionRequest{
		Model:     t.model.Name,
		Messages:  t.messages,
		CostPer1K: t.model.CostPer1K,
	}
}

// finish persists a completed answer. Nothing is written when ctx is done.
func (o *Orchestrator) finish(ctx context.Context, t *turn, op string, start time.Time, c *provider.Completion) error {
	const errOp = "chat: persist answer"
	elapsed := time.Since(start)
	if err := ctx.Err(); err != nil {
		return err
	}
	usage := t.usage(c)
	if o.metrics != nil {
		o.metrics.RecordCompletion(ctx, t.model.Backend, op == store.OpStream, elapsed, usage.TotalTokens, nil)
	}

	now := o.now()
	if _, err := o.store.AppendMessage(ctx, store.ChatMessage{
		SessionID: t.session.ID,
		Role:      store.RoleAssistant,
		Content:   c.Text,
		Tokens:    usage.CompletionTokens,
		ModelUsed: t.model.ID,
		CreatedAt: now,
		Active:    true,
	}); err != nil {
		return aierr.Persistence(errOp, err)
	}
	o.recordUsage(ctx, store.UsageRecord{
		TenantID:  t.req.TenantID,
		ModelID:   t.model.ID,
		Operation: op,
		TokensIn:  usage.PromptTokens,
		TokensOut: usage.CompletionTokens,
		CostUSD:   provider.Cost(usage.TotalTokens, t.model.CostPer1K),
		LatencyMS: elapsed.Milliseconds(),
		Success:   true,
		Timestamp: now,
	})
	if err := o.store.UpdateSessionCounters(ctx, t.session.ID, 1, usage.TotalTokens, now); err != nil {
		return aierr.Persistence(errOp, err)
	}
	t.span.SetAttributes(attribute.Int("tokens", usage.TotalTokens))
	return nil
}

// failed records a backend failure. A cancelled caller leaves no trace.
func (o *Orchestrator) failed(ctx context.Context, t *turn, op string, start time.Time, err error) {
	observe.SpanError(t.span, err)
	if ctx.Err() != nil {
		return
	}
	elapsed := time.Since(start)
	if o.metrics != nil {
		o.metrics.RecordCompletion(ctx, t.model.Backend, op == store.OpStream, elapsed, 0, err)
	}
	o.recordUsage(ctx, store.UsageRecord{
		TenantID:  t.req.TenantID,
		ModelID:   t.model.ID,
		Operation: op,
		TokensIn:  provider.EstimateMessages(t.messages),
		LatencyMS: elapsed.Milliseconds(),
		Error:     err.Error(),
		Timestamp: o.now(),
	})
}

// recordUsage writes rec; failures are logged only.
func (o *Orchestrator) recordUsage(ctx context.Context, rec store.UsageRecord) {
	if err := o.store.RecordUsage(context.WithoutCancel(ctx), rec); err != nil {
		observe.Logger(ctx).Warn("chat: usage record not written", "model_id", rec.ModelID, "err", err)
	}
}

func (t *turn) usage(c *provider.Completion) provider.Usage {
	u := c.Usage
	if u.TotalTokens == 0 {
		u.PromptTokens = provider.EstimateMessages(t.messages)
		u.CompletionTokens = provider.EstimateTokens(c.Text)
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

func (t *turn) result(c *provider.Completion) *TurnResult {
	return &TurnResult{
		SessionID:  t.session.ID,
		NewSession: t.newSession,
		Answer:     c.Text,
		Model:      t.model.ID,
		Tokens:     t.usage(c).TotalTokens,
		Sources:    t.sources,
	}
}

// Title derives a session title from the first question.
func Title(question string) string {
	q := strings.Join(strings.Fields(question), " ")
	r := []rune(q)
	if len(r) > titleRunes {
		return strings.TrimSpace(string(r[:titleRunes]))
	}
	return q
}
