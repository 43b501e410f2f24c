// Package contextblock renders ranked search results into the plain-text
// context block injected into a generative prompt.
package contextblock

import (
	"fmt"
	"strings"

	"github.com/MrWong99/clausewise/internal/search"
)

// Defaults for [Assembler].
const (
	DefaultMaxChildren  = 3
	DefaultPreviewChars = 200
)

// Separator divides parent sections.
const Separator = "---"

// Assembler builds context blocks. The zero value uses the defaults.
type Assembler struct {
	// MaxChildren caps the related files listed per parent.
	MaxChildren int

	// PreviewChars is the number of runes of child content shown.
	PreviewChars int
}

// Build renders parents in rank order with their children using default limits.
func Build(parents []search.Result[search.Record], childrenByParent map[string][]search.Result[search.Record]) string {
	return Assembler{}.Build(parents, childrenByParent)
}

// Build renders parents in rank order. Each parent section carries a numbered
// header with the relevance as a percentage, the parent content and, when it
// has children, a "Related files:" list in child rank order. The output is
// deterministic for equal inputs and empty when there are no parents.
func (a Assembler) Build(parents []search.Result[search.Record], childrenByParent map[string][]search.Result[search.Record]) string {
	maxChildren, preview := a.limits()
	var b strings.Builder
	for i, p := range parents {
		if i > 0 {
			b.WriteString(Separator + "\n")
		}
		fmt.Fprintf(&b, "[%d] %s (%s, relevance %s)\n", i+1, titleOf(p.Meta), p.Meta.OwnerKind, Percent(p.Similarity))
		if c := strings.TrimSpace(p.Meta.Content); c != "" {
			b.WriteString(c)
			b.WriteByte('\n')
		}

		children := childrenByParent[p.ID]
		if len(children) > maxChildren {
			children = children[:maxChildren]
		}
		if len(children) == 0 {
			continue
		}
		b.WriteString("Related files:\n")
		for _, c := range children {
			fmt.Fprintf(&b, "- %s (relevance %s): %s\n", titleOf(c.Meta), Percent(c.Similarity), Preview(c.Meta.Content, preview))
		}
	}
	return b.String()
}

func (a Assembler) limits() (maxChildren, preview int) {
	maxChildren, preview = a.MaxChildren, a.PreviewChars
	if maxChildren <= 0 {
		maxChildren = DefaultMaxChildren
	}
	if preview <= 0 {
		preview = DefaultPreviewChars
	}
	return maxChildren, preview
}

// Percent formats a similarity as a percentage with one decimal, e.g. "87.5%".
func Percent(similarity float64) string {
	return fmt.Sprintf("%.1f%%", similarity*100)
}

// Preview returns the first n runes of s on a single line, with "..." when cut.
func Preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func titleOf(r search.Record) string {
	if r.Title != "" {
		return r.Title
	}
	return r.OwnerID
}

// Source is a cited parent record.
type Source struct {
	ID         string  `json:"id"`
	Kind       string  `json:"kind"`
	Title      string  `json:"title"`
	Similarity float64 `json:"similarity"`
}

// Sources returns the first n parents as citations (all when n <= 0).
func Sources(parents []search.Result[search.Record], n int) []Source {
	if n > 0 && len(parents) > n {
		parents = parents[:n]
	}
	out := make([]Source, len(parents))
	for i, p := range parents {
		out[i] = Source{ID: p.ID, Kind: string(p.Meta.OwnerKind), Title: titleOf(p.Meta), Similarity: p.Similarity}
	}
	return out
}
