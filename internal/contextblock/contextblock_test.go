package contextblock

import (
	"fmt"
	"strings"
	"testing"

	"github.com/MrWong99/clausewise/internal/search"
	"github.com/MrWong99/clausewise/pkg/store"
)

func parent(id, title, content string, sim float64) search.Result[search.Record] {
	return search.Result[search.Record]{
		ID:         id,
		Similarity: sim,
		Meta:       search.Record{OwnerID: id, OwnerKind: store.OwnerActivity, Title: title, Content: content},
	}
}

func child(id, parentID, content string, sim float64) search.Result[search.Record] {
	return search.Result[search.Record]{
		ID:         id,
		Similarity: sim,
		Meta:       search.Record{OwnerID: id, OwnerKind: store.OwnerFile, ParentID: parentID, Title: id + ".pdf", Content: content},
	}
}

func TestBuild(t *testing.T) {
	t.Parallel()
	parents := []search.Result[search.Record]{
		parent("a1", "Supply agreement", "Quarterly delivery of parts.", 0.8771),
		parent("a2", "", "Annual audit.", 0.5),
	}
	children := map[string][]search.Result[search.Record]{
		"a1": {child("f1", "a1", "Clause 4.2 penalties", 0.9), child("f2", "a1", "Annex B", 0.7)},
	}

	want := strings.Join([]string{
		"[1] Supply agreement (activity, relevance 87.7%)",
		"Quarterly delivery of parts.",
		"Related files:",
		"- f1.pdf (relevance 90.0%): Clause 4.2 penalties",
		"- f2.pdf (relevance 70.0%): Annex B",
		"---",
		"[2] a2 (activity, relevance 50.0%)",
		"Annual audit.",
		"",
	}, "\n")
	if got := Build(parents, children); got != want {
		t.Errorf("Build =\n%s\nwant\n%s", got, want)
	}
}

func TestBuild_Empty(t *testing.T) {
	t.Parallel()
	if got := Build(nil, nil); got != "" {
		t.Errorf("Build(nil) = %q, want empty", got)
	}
}

func TestBuild_CapsChildren(t *testing.T) {
	t.Parallel()
	var kids []search.Result[search.Record]
	for i := range 5 {
		kids = append(kids, child(fmt.Sprintf("f%d", i), "a1", "text", 0.5))
	}
	got := Build([]search.Result[search.Record]{parent("a1", "A", "", 1)}, map[string][]search.Result[search.Record]{"a1": kids})
	if n := strings.Count(got, "\n- "); n != DefaultMaxChildren {
		t.Errorf("listed children = %d, want %d", n, DefaultMaxChildren)
	}
	if strings.Contains(got, "f3.pdf") {
		t.Error("child beyond the cap was rendered")
	}
}

func TestBuild_Deterministic(t *testing.T) {
	t.Parallel()
	parents := []search.Result[search.Record]{parent("a1", "A", "x", 0.3), parent("a2", "B", "y", 0.2)}
	children := map[string][]search.Result[search.Record]{
		"a1": {child("f1", "a1", "x", 0.1)},
		"a2": {child("f2", "a2", "y", 0.1)},
	}
	first := Build(parents, children)
	for range 20 {
		if got := Build(parents, children); got != first {
			t.Fatal("Build output differs between runs")
		}
	}
}

func TestPreview(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"line one\nline two", 100, "line one line two"},
		{strings.Repeat("a", 250), 200, strings.Repeat("a", 200) + "..."},
		{strings.Repeat("ñ", 201), 200, strings.Repeat("ñ", 200) + "..."},
	}
	for _, tt := range tests {
		if got := Preview(tt.in, tt.n); got != tt.want {
			t.Errorf("Preview(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestPercent(t *testing.T) {
	t.Parallel()
	tests := map[float64]string{1: "100.0%", 0.1234: "12.3%", 0: "0.0%", -0.25: "-25.0%"}
	for in, want := range tests {
		if got := Percent(in); got != want {
			t.Errorf("Percent(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestSources(t *testing.T) {
	t.Parallel()
	var parents []search.Result[search.Record]
	for i := range 8 {
		parents = append(parents, parent(fmt.Sprintf("a%d", i), fmt.Sprintf("T%d", i), "", 1-float64(i)/10))
	}
	got := Sources(parents, 5)
	if len(got) != 5 {
		t.Fatalf("len = %d, want 5", len(got))
	}
	if got[0].ID != "a0" || got[0].Title != "T0" || got[0].Kind != "activity" {
		t.Errorf("got[0] = %+v", got[0])
	}
	if len(Sources(parents[:2], 5)) != 2 {
		t.Error("Sources should not pad")
	}
}
