package embedding

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/clausewise/internal/observe"
	"github.com/MrWong99/clausewise/internal/registry"
	"github.com/MrWong99/clausewise/pkg/aierr"
	"github.com/MrWong99/clausewise/pkg/store"
)

// Batch defaults.
const (
	DefaultBatchLimit       = 100
	DefaultBatchConcurrency = 4
)

// ProcessOptions selects and paces a [Pipeline.ProcessPending] run.
type ProcessOptions struct {
	// OwnerKind restricts the run to one kind; empty means every kind.
	OwnerKind store.OwnerKind `json:"owner_kind"`

	// Limit caps how many records are selected. Default: 100.
	Limit int `json:"limit"`

	// Concurrency caps in-flight provider calls. Default: 4.
	Concurrency int `json:"concurrency"`

	// ModelID selects the embedding model; empty means the default.
	ModelID string `json:"model_id"`
}

// BatchStats summarises one run.
type BatchStats struct {
	Selected  int `json:"selected"`
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// ProcessPending embeds unprocessed owner records. One item failing never
// stops the run; it is counted and left unprocessed for a later run. Records
// whose stored content hash already matches are marked processed without a
// provider call.
//
// The returned error is non-nil only when the run could not start.
func (p *Pipeline) ProcessPending(ctx context.Context, opts ProcessOptions) (BatchStats, error) {
	const op = "embedding: process pending"
	if p.records == nil {
		return BatchStats{}, aierr.Unsupported(op, "no embedding store configured")
	}
	if opts.OwnerKind != "" && !opts.OwnerKind.Valid() {
		return BatchStats{}, aierr.InvalidInput(op, "unknown owner kind %q", opts.OwnerKind)
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultBatchLimit
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultBatchConcurrency
	}

	model, err := p.selectModel(ctx, opts.ModelID)
	if err != nil {
		return BatchStats{}, err
	}

	ctx, span := observe.StartSpan(ctx, "embedding.process_pending")
	defer span.End()
	log := observe.Logger(ctx).With("owner_kind", string(opts.OwnerKind), "model_id", model.ID)

	pending, err := p.records.Pending(ctx, opts.OwnerKind, opts.Limit)
	if err != nil {
		return BatchStats{}, aierr.Persistence(op, err)
	}

	var processed, skipped, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for _, rec := range pending {
		g.Go(func() error {
			switch result, err := p.processOne(gctx, model.ID, rec); {
			case err != nil:
				failed.Add(1)
				log.Warn("embedding: record failed", "owner_id", rec.OwnerID, "kind", string(rec.OwnerKind), "err", err)
			case result == outcomeSkipped:
				skipped.Add(1)
			default:
				processed.Add(1)
			}
			// Item failures are isolated; only cancellation ends the run.
			if errors.Is(gctx.Err(), context.Canceled) {
				return gctx.Err()
			}
			return nil
		})
	}
	waitErr := g.Wait()

	stats := BatchStats{
		Selected:  len(pending),
		Processed: int(processed.Load()),
		Skipped:   int(skipped.Load()),
		Failed:    int(failed.Load()),
	}
	log.Info("embedding: batch finished",
		"selected", stats.Selected, "processed", stats.Processed, "skipped", stats.Skipped, "failed", stats.Failed)
	if waitErr != nil {
		return stats, waitErr
	}
	return stats, nil
}

type outcome int

const (
	outcomeEmbedded outcome = iota
	outcomeSkipped
)

func (p *Pipeline) processOne(ctx context.Context, modelID string, rec store.Record) (outcome, error) {
	text := rec.EmbeddingText()
	hash := store.ContentHash(modelID, text)
	if rec.ContentHash == hash && rec.ModelID == modelID {
		if err := p.records.MarkProcessed(ctx, rec.OwnerKind, rec.OwnerID); err != nil {
			return outcomeSkipped, aierr.Persistence("embedding: mark processed", err)
		}
		return outcomeSkipped, nil
	}

	if rec.TenantID != "" {
		ctx = registry.WithTenant(ctx, rec.TenantID)
	}
	res, err := p.Generate(ctx, text, modelID)
	if err != nil {
		return outcomeEmbedded, err
	}
	err = p.records.SaveEmbedding(ctx, store.EmbeddingVector{
		OwnerID:     rec.OwnerID,
		OwnerKind:   rec.OwnerKind,
		Vector:      res.Vector,
		ModelID:     res.ModelID,
		ContentHash: hash,
		Processed:   true,
	})
	if err != nil {
		return outcomeEmbedded, aierr.Persistence("embedding: save", err)
	}
	return outcomeEmbedded, nil
}
