// Package search ranks stored embeddings against a query vector by linear
// cosine scan.
//
// Ranking is pure and deterministic: equal scores keep candidate order. The
// [Engine] layers the two-stage parent/child search on top of an
// [store.EmbeddingStore].
package search

import (
	"cmp"
	"math"
	"slices"
)

// Candidate is one scored item: its identity, vector and caller metadata.
type Candidate[M any] struct {
	ID     string
	Vector []float64
	Meta   M
}

// Result is a ranked candidate.
type Result[M any] struct {
	ID         string  `json:"id"`
	Meta       M       `json:"meta"`
	Similarity float64 `json:"similarity"`
}

// CosineSimilarity returns the cosine of the angle between a and b, clamped
// to [-1, 1]. It is 0 when the lengths differ, either vector is empty or
// either has zero magnitude.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	s := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return max(-1, min(1, s))
}

// RankByQuery scores every candidate against query and returns them sorted by
// descending similarity. limit <= 0 returns all of them.
func RankByQuery[M any](query []float64, candidates []Candidate[M], limit int) []Result[M] {
	out := make([]Result[M], len(candidates))
	for i, c := range candidates {
		out[i] = Result[M]{ID: c.ID, Meta: c.Meta, Similarity: CosineSimilarity(query, c.Vector)}
	}
	slices.SortStableFunc(out, func(a, b Result[M]) int {
		return cmp.Compare(b.Similarity, a.Similarity)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// RankGrouped ranks children independently within each group named by
// parentOf, keeping at most perGroup per group (all when perGroup <= 0).
// Children whose group is not in allowed are dropped; a nil allowed keeps
// every group.
func RankGrouped[M any](query []float64, children []Candidate[M], parentOf func(M) string, allowed map[string]bool, perGroup int) map[string][]Result[M] {
	groups := make(map[string][]Candidate[M])
	for _, c := range children {
		p := parentOf(c.Meta)
		if allowed != nil && !allowed[p] {
			continue
		}
		groups[p] = append(groups[p], c)
	}
	out := make(map[string][]Result[M], len(groups))
	for p, cs := range groups {
		out[p] = RankByQuery(query, cs, perGroup)
	}
	return out
}
