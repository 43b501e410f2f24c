package search_test

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/MrWong99/clausewise/internal/search"
)

func TestCosineSimilarity(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		a, b []float64
		want float64
	}{
		{"identical", []float64{1, 2, 3}, []float64{1, 2, 3}, 1},
		{"orthogonal", []float64{1, 0}, []float64{0, 1}, 0},
		{"opposite", []float64{1, 0}, []float64{-1, 0}, -1},
		{"length mismatch", []float64{1, 0}, []float64{1, 0, 0}, 0},
		{"empty", nil, nil, 0},
		{"zero vector", []float64{0, 0}, []float64{1, 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := search.CosineSimilarity(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("CosineSimilarity = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCosineSimilarity_SymmetricAndBounded(t *testing.T) {
	t.Parallel()
	r := rand.New(rand.NewPCG(1, 2))
	for range 200 {
		a, b := make([]float64, 8), make([]float64, 8)
		for i := range a {
			a[i], b[i] = r.NormFloat64(), r.NormFloat64()
		}
		ab, ba := search.CosineSimilarity(a, b), search.CosineSimilarity(b, a)
		if ab != ba {
			t.Fatalf("not symmetric: %v vs %v", ab, ba)
		}
		if ab < -1 || ab > 1 {
			t.Fatalf("out of range: %v", ab)
		}
		if self := search.CosineSimilarity(a, a); math.Abs(self-1) > 1e-9 {
			t.Fatalf("self similarity = %v", self)
		}
	}
}

func TestRankByQuery_SortedAndStable(t *testing.T) {
	t.Parallel()
	cands := []search.Candidate[string]{
		{ID: "a", Vector: []float64{0, 1}, Meta: "first zero"},
		{ID: "b", Vector: []float64{1, 0}, Meta: "best"},
		{ID: "c", Vector: []float64{0, 2}, Meta: "second zero"},
		{ID: "d", Vector: []float64{1, 1}, Meta: "middle"},
	}
	got := search.RankByQuery([]float64{1, 0}, cands, 0)

	wantOrder := []string{"b", "d", "a", "c"}
	if len(got) != len(wantOrder) {
		t.Fatalf("len = %d, want %d", len(got), len(wantOrder))
	}
	for i, id := range wantOrder {
		if got[i].ID != id {
			t.Errorf("got[%d] = %q, want %q", i, got[i].ID, id)
		}
	}
	for i := 1; i < len(got); i++ {
		if got[i].Similarity > got[i-1].Similarity {
			t.Errorf("not non-increasing at %d", i)
		}
	}
	if got[0].Meta != "best" {
		t.Errorf("meta = %q, want best", got[0].Meta)
	}
}

func TestRankByQuery_Limit(t *testing.T) {
	t.Parallel()
	cands := []search.Candidate[int]{
		{ID: "1", Vector: []float64{1, 0}},
		{ID: "2", Vector: []float64{0, 1}},
		{ID: "3", Vector: []float64{1, 1}},
	}
	if got := search.RankByQuery([]float64{1, 0}, cands, 2); len(got) != 2 {
		t.Errorf("len = %d, want 2", len(got))
	}
	if got := search.RankByQuery([]float64{1, 0}, cands, 10); len(got) != 3 {
		t.Errorf("len = %d, want 3", len(got))
	}
	if got := search.RankByQuery[int]([]float64{1, 0}, nil, 3); len(got) != 0 {
		t.Errorf("len = %d, want 0", len(got))
	}
}

func TestRankGrouped_CapsPerGroup(t *testing.T) {
	t.Parallel()
	var children []search.Candidate[string]
	for i := range 6 {
		children = append(children,
			search.Candidate[string]{ID: "p1-" + string(rune('a'+i)), Vector: []float64{1, float64(i)}, Meta: "p1"},
			search.Candidate[string]{ID: "p2-" + string(rune('a'+i)), Vector: []float64{float64(i), 1}, Meta: "p2"},
			search.Candidate[string]{ID: "p3-" + string(rune('a'+i)), Vector: []float64{1, 1}, Meta: "p3"},
		)
	}
	allowed := map[string]bool{"p1": true, "p2": true}
	got := search.RankGrouped([]float64{1, 0}, children, func(p string) string { return p }, allowed, 3)

	if _, ok := got["p3"]; ok {
		t.Error("p3 is not allowed but was ranked")
	}
	for _, p := range []string{"p1", "p2"} {
		if n := len(got[p]); n != 3 {
			t.Errorf("%s children = %d, want 3", p, n)
		}
	}
	if got["p1"][0].ID != "p1-a" {
		t.Errorf("p1 best = %q, want p1-a", got["p1"][0].ID)
	}
	if got["p2"][0].ID != "p2-f" {
		t.Errorf("p2 best = %q, want p2-f", got["p2"][0].ID)
	}
}
