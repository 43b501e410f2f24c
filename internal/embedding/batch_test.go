package embedding_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/clausewise/internal/embedding"
	"github.com/MrWong99/clausewise/pkg/aierr"
	"github.com/MrWong99/clausewise/pkg/provider/mock"
	"github.com/MrWong99/clausewise/pkg/store"
)

func TestProcessPending(t *testing.T) {
	t.Parallel()
	st := seeded(t, modelA)
	ctx := context.Background()

	upsert := func(r store.Record) {
		t.Helper()
		if err := st.UpsertRecord(ctx, r); err != nil {
			t.Fatalf("UpsertRecord: %v", err)
		}
	}
	upsert(store.Record{OwnerID: "a1", OwnerKind: store.OwnerActivity, TenantID: "t", Content: "hola"})
	upsert(store.Record{OwnerID: "a2", OwnerKind: store.OwnerActivity, TenantID: "t", Content: "boom"})
	// Already embedded with the same text and model; only the flag is stale.
	upsert(store.Record{
		OwnerID: "a3", OwnerKind: store.OwnerActivity, TenantID: "t", Content: "mundo",
		ModelID: "model-a", ContentHash: store.ContentHash("model-a", "mundo"),
	})
	upsert(store.Record{OwnerID: "f1", OwnerKind: store.OwnerFile, TenantID: "t", ParentID: "a1", Content: "file"})

	a := &mock.Adapter{EmbedFunc: func(text string) ([]float64, error) {
		if strings.Contains(text, "boom") {
			return nil, aierr.New(aierr.ErrUpstream, "mock: embed", "status 500")
		}
		return holaMundo(text)
	}}
	res := &staticResolver{adapter: a}
	p := embedding.New(st, st, res, embedding.WithRecords(st))

	stats, err := p.ProcessPending(ctx, embedding.ProcessOptions{OwnerKind: store.OwnerActivity, Concurrency: 2})
	if err != nil {
		t.Fatalf("ProcessPending: %v", err)
	}
	want := embedding.BatchStats{Selected: 3, Processed: 1, Skipped: 1, Failed: 1}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}

	if r, _ := st.Record(store.OwnerActivity, "a1"); !r.Processed || len(r.Vector) != 3 {
		t.Errorf("a1 = %+v, want processed with vector", r)
	}
	if r, _ := st.Record(store.OwnerActivity, "a2"); r.Processed {
		t.Error("failed record a2 marked processed")
	}
	if r, _ := st.Record(store.OwnerActivity, "a3"); !r.Processed {
		t.Error("hash-matching record a3 not marked processed")
	}
	if r, _ := st.Record(store.OwnerFile, "f1"); r.Processed {
		t.Error("file outside the requested kind was processed")
	}
	for _, c := range a.EmbedCalls {
		if c.Text == "mundo" {
			t.Error("skipped record reached the provider")
		}
	}
	for _, tenant := range res.tenants {
		if tenant != "t" {
			t.Errorf("record embedded under tenant %q, want t", tenant)
		}
	}
}

func TestProcessPending_RequiresStore(t *testing.T) {
	t.Parallel()
	st := seeded(t, modelA)
	p := embedding.New(st, st, &staticResolver{adapter: &mock.Adapter{}})
	if _, err := p.ProcessPending(context.Background(), embedding.ProcessOptions{}); !errors.Is(err, aierr.ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
}

func TestProcessPending_InvalidKind(t *testing.T) {
	t.Parallel()
	st := seeded(t, modelA)
	p := embedding.New(st, st, &staticResolver{adapter: &mock.Adapter{}}, embedding.WithRecords(st))
	if _, err := p.ProcessPending(context.Background(), embedding.ProcessOptions{OwnerKind: "invoice"}); !errors.Is(err, aierr.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}
