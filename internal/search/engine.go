package search

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/clausewise/internal/observe"
	"github.com/MrWong99/clausewise/pkg/aierr"
	"github.com/MrWong99/clausewise/pkg/store"
)

// Default limits of the two-stage search.
const (
	DefaultParentLimit = 15
	DefaultChildLimit  = 3
)

// Record is the searchable part of an owner record.
type Record struct {
	OwnerID   string          `json:"owner_id"`
	OwnerKind store.OwnerKind `json:"owner_kind"`
	ParentID  string          `json:"parent_id,omitempty"`
	Title     string          `json:"title"`
	Content   string          `json:"content"`
}

// Query describes one two-stage search.
type Query struct {
	TenantID string
	Vector   []float64

	// ParentKind defaults to activity, ChildKind to file.
	ParentKind store.OwnerKind
	ChildKind  store.OwnerKind

	// ParentLimit and ChildLimit default to DefaultParentLimit and
	// DefaultChildLimit when zero.
	ParentLimit int
	ChildLimit  int
}

// TwoStageResult holds the ranked parents, their ranked children and the
// children flattened in parent rank order.
type TwoStageResult struct {
	Parents          []Result[Record]            `json:"parents"`
	ChildrenByParent map[string][]Result[Record] `json:"children_by_parent"`
	Children         []Result[Record]            `json:"children"`
}

// Engine runs searches over stored embeddings.
type Engine struct {
	records store.EmbeddingStore
	metrics *observe.Metrics
}

// NewEngine returns an engine reading candidates from records. metrics may be nil.
func NewEngine(records store.EmbeddingStore, metrics *observe.Metrics) *Engine {
	return &Engine{records: records, metrics: metrics}
}

// TwoStage ranks the tenant's parents, keeps the top ParentLimit, then ranks
// the children of those parents within each parent and keeps ChildLimit each.
func (e *Engine) TwoStage(ctx context.Context, q Query) (res *TwoStageResult, err error) {
	const op = "search: two-stage"
	if len(q.Vector) == 0 {
		return nil, aierr.InvalidInput(op, "query vector is empty")
	}
	q = withDefaults(q)
	if !q.ParentKind.Valid() || !q.ChildKind.Valid() {
		return nil, aierr.InvalidInput(op, "unknown owner kind %q/%q", q.ParentKind, q.ChildKind)
	}

	ctx, span := observe.StartSpan(ctx, "search.two_stage")
	defer func() {
		observe.SpanError(span, err)
		span.End()
	}()
	span.SetAttributes(
		attribute.String("tenant.id", q.TenantID),
		attribute.Int("parent_limit", q.ParentLimit),
		attribute.Int("child_limit", q.ChildLimit),
	)
	if e.metrics != nil {
		start := time.Now()
		defer func() { e.metrics.RecordSearch(ctx, time.Since(start), err) }()
	}

	parentRecs, err := e.records.Candidates(ctx, store.CandidateQuery{TenantID: q.TenantID, Kind: q.ParentKind})
	if err != nil {
		return nil, aierr.Persistence(op, err)
	}
	parents := RankByQuery(q.Vector, candidates(parentRecs), q.ParentLimit)

	res = &TwoStageResult{Parents: parents, ChildrenByParent: map[string][]Result[Record]{}}
	if len(parents) == 0 {
		return res, nil
	}

	ids := make([]string, len(parents))
	allowed := make(map[string]bool, len(parents))
	for i, p := range parents {
		ids[i] = p.ID
		allowed[p.ID] = true
	}
	childRecs, err := e.records.Candidates(ctx, store.CandidateQuery{TenantID: q.TenantID, Kind: q.ChildKind, ParentIDs: ids})
	if err != nil {
		return nil, aierr.Persistence(op, err)
	}
	res.ChildrenByParent = RankGrouped(q.Vector, candidates(childRecs), func(r Record) string { return r.ParentID }, allowed, q.ChildLimit)
	for _, p := range parents {
		res.Children = append(res.Children, res.ChildrenByParent[p.ID]...)
	}
	span.SetAttributes(attribute.Int("parents", len(parents)), attribute.Int("children", len(res.Children)))
	return res, nil
}

func withDefaults(q Query) Query {
	if q.ParentKind == "" {
		q.ParentKind = store.OwnerActivity
	}
	if q.ChildKind == "" {
		q.ChildKind = store.OwnerFile
	}
	if q.ParentLimit <= 0 {
		q.ParentLimit = DefaultParentLimit
	}
	if q.ChildLimit <= 0 {
		q.ChildLimit = DefaultChildLimit
	}
	return q
}

func candidates(recs []store.Record) []Candidate[Record] {
	out := make([]Candidate[Record], len(recs))
	for i, r := range recs {
		out[i] = Candidate[Record]{
			ID:     r.OwnerID,
			Vector: r.Vector,
			Meta: Record{
				OwnerID:   r.OwnerID,
				OwnerKind: r.OwnerKind,
				ParentID:  r.ParentID,
				Title:     r.Title,
				Content:   r.Content,
			},
		}
	}
	return out
}
