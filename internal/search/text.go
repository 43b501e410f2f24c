package search

import (
	"context"
	"strings"

	"github.com/MrWong99/clausewise/internal/embedding"
	"github.com/MrWong99/clausewise/pkg/aierr"
)

// QueryEmbedder embeds query text. *embedding.Pipeline satisfies it.
type QueryEmbedder interface {
	Generate(ctx context.Context, text, modelID string) (*embedding.Result, error)
}

// TwoStager runs two-stage searches. *Engine satisfies it.
type TwoStager interface {
	TwoStage(ctx context.Context, q Query) (*TwoStageResult, error)
}

// Text embeds text with the default embedding model and searches with the
// resulting vector. q.Vector is ignored.
func Text(ctx context.Context, emb QueryEmbedder, s TwoStager, text string, q Query) (*TwoStageResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, aierr.InvalidInput("search: text", "query is empty")
	}
	res, err := emb.Generate(ctx, text, "")
	if err != nil {
		return nil, err
	}
	q.Vector = res.Vector
	return s.TwoStage(ctx, q)
}
