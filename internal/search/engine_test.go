package search_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/MrWong99/clausewise/internal/search"
	"github.com/MrWong99/clausewise/pkg/aierr"
	"github.com/MrWong99/clausewise/pkg/store"
	"github.com/MrWong99/clausewise/pkg/store/memstore"
)

func put(t *testing.T, st *memstore.Store, r store.Record) {
	t.Helper()
	r.Processed = true
	if err := st.UpsertRecord(context.Background(), r); err != nil {
		t.Fatalf("UpsertRecord(%s): %v", r.OwnerID, err)
	}
}

func TestTwoStage_RanksParentsThenChildren(t *testing.T) {
	t.Parallel()
	st := memstore.New()
	put(t, st, store.Record{OwnerID: "act-1", OwnerKind: store.OwnerActivity, TenantID: "7", Title: "Supply", Vector: []float64{1, 0}})
	put(t, st, store.Record{OwnerID: "act-2", OwnerKind: store.OwnerActivity, TenantID: "7", Title: "Audit", Vector: []float64{0.5, 0.5}})
	put(t, st, store.Record{OwnerID: "act-x", OwnerKind: store.OwnerActivity, TenantID: "8", Title: "Other tenant", Vector: []float64{1, 0}})
	for i := range 5 {
		put(t, st, store.Record{
			OwnerID: fmt.Sprintf("file-1-%d", i), OwnerKind: store.OwnerFile, TenantID: "7",
			ParentID: "act-1", Vector: []float64{1, float64(i)},
		})
	}
	put(t, st, store.Record{OwnerID: "file-2-0", OwnerKind: store.OwnerFile, TenantID: "7", ParentID: "act-2", Vector: []float64{0, 1}})
	put(t, st, store.Record{OwnerID: "file-orphan", OwnerKind: store.OwnerFile, TenantID: "7", ParentID: "act-9", Vector: []float64{1, 0}})

	eng := search.NewEngine(st, nil)
	res, err := eng.TwoStage(context.Background(), search.Query{TenantID: "7", Vector: []float64{1, 0}})
	if err != nil {
		t.Fatalf("TwoStage: %v", err)
	}

	if len(res.Parents) != 2 || res.Parents[0].ID != "act-1" || res.Parents[1].ID != "act-2" {
		t.Fatalf("parents = %+v, want [act-1 act-2]", res.Parents)
	}
	if n := len(res.ChildrenByParent["act-1"]); n != search.DefaultChildLimit {
		t.Errorf("act-1 children = %d, want %d", n, search.DefaultChildLimit)
	}
	if _, ok := res.ChildrenByParent["act-9"]; ok {
		t.Error("children of an unranked parent must not appear")
	}
	wantFlat := []string{"file-1-0", "file-1-1", "file-1-2", "file-2-0"}
	if len(res.Children) != len(wantFlat) {
		t.Fatalf("children = %d, want %d", len(res.Children), len(wantFlat))
	}
	for i, id := range wantFlat {
		if res.Children[i].ID != id {
			t.Errorf("children[%d] = %q, want %q", i, res.Children[i].ID, id)
		}
	}
	if res.Parents[0].Meta.Title != "Supply" {
		t.Errorf("parent meta title = %q", res.Parents[0].Meta.Title)
	}
}

func TestTwoStage_ParentLimit(t *testing.T) {
	t.Parallel()
	st := memstore.New()
	for i := range 20 {
		put(t, st, store.Record{OwnerID: fmt.Sprintf("act-%02d", i), OwnerKind: store.OwnerActivity, Vector: []float64{1, float64(i)}})
	}
	eng := search.NewEngine(st, nil)

	res, err := eng.TwoStage(context.Background(), search.Query{Vector: []float64{1, 0}})
	if err != nil {
		t.Fatalf("TwoStage: %v", err)
	}
	if len(res.Parents) != search.DefaultParentLimit {
		t.Errorf("parents = %d, want %d", len(res.Parents), search.DefaultParentLimit)
	}

	res, err = eng.TwoStage(context.Background(), search.Query{Vector: []float64{1, 0}, ParentLimit: 4})
	if err != nil {
		t.Fatalf("TwoStage: %v", err)
	}
	if len(res.Parents) != 4 {
		t.Errorf("parents = %d, want 4", len(res.Parents))
	}
}

func TestTwoStage_NoParents(t *testing.T) {
	t.Parallel()
	res, err := search.NewEngine(memstore.New(), nil).TwoStage(context.Background(), search.Query{TenantID: "7", Vector: []float64{1}})
	if err != nil {
		t.Fatalf("TwoStage: %v", err)
	}
	if len(res.Parents) != 0 || len(res.Children) != 0 {
		t.Errorf("result = %+v, want empty", res)
	}
}

func TestTwoStage_EmptyTenantIsNotAWildcard(t *testing.T) {
	t.Parallel()
	st := memstore.New()
	put(t, st, store.Record{OwnerID: "secret-7", OwnerKind: store.OwnerActivity, TenantID: "7", Vector: []float64{1, 0}})
	put(t, st, store.Record{OwnerID: "secret-8", OwnerKind: store.OwnerActivity, TenantID: "8", Vector: []float64{1, 0}})
	eng := search.NewEngine(st, nil)

	res, err := eng.TwoStage(context.Background(), search.Query{Vector: []float64{1, 0}})
	if err != nil {
		t.Fatalf("TwoStage: %v", err)
	}
	if len(res.Parents) != 0 {
		t.Fatalf("tenant-less query returned %d tenant parents: %+v", len(res.Parents), res.Parents)
	}

	put(t, st, store.Record{OwnerID: "shared", OwnerKind: store.OwnerActivity, Vector: []float64{1, 0}})
	res, err = eng.TwoStage(context.Background(), search.Query{Vector: []float64{1, 0}})
	if err != nil {
		t.Fatalf("TwoStage: %v", err)
	}
	if len(res.Parents) != 1 || res.Parents[0].ID != "shared" {
		t.Errorf("parents = %+v, want only the tenant-less record", res.Parents)
	}
}

type failingStore struct {
	store.EmbeddingStore
}

func (failingStore) Candidates(context.Context, store.CandidateQuery) ([]store.Record, error) {
	return nil, errors.New("connection reset")
}

func TestTwoStage_Errors(t *testing.T) {
	t.Parallel()
	_, err := search.NewEngine(failingStore{}, nil).TwoStage(context.Background(), search.Query{Vector: []float64{1}})
	if !errors.Is(err, aierr.ErrPersistence) {
		t.Errorf("storage failure: err = %v, want ErrPersistence", err)
	}

	_, err = search.NewEngine(memstore.New(), nil).TwoStage(context.Background(), search.Query{})
	if !errors.Is(err, aierr.ErrInvalidInput) {
		t.Errorf("empty vector: err = %v, want ErrInvalidInput", err)
	}

	_, err = search.NewEngine(memstore.New(), nil).TwoStage(context.Background(), search.Query{Vector: []float64{1}, ParentKind: "contract"})
	if !errors.Is(err, aierr.ErrInvalidInput) {
		t.Errorf("bad kind: err = %v, want ErrInvalidInput", err)
	}
}
