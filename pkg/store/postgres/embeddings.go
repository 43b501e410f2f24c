package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/MrWong99/clausewise/pkg/store"
)

// UpsertRecord implements [store.EmbeddingStore]. A title or content change
// resets processed unless rec carries a fresh vector.
func (s *Store) UpsertRecord(ctx context.Context, rec store.Record) error {
	if rec.Vector != nil {
		const q = `
			INSERT INTO ai_embeddings
			    (owner_kind, owner_id, tenant_id, parent_id, title, content, embedding, model_id, content_hash, processed, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
			ON CONFLICT (owner_kind, owner_id) DO UPDATE SET
			    tenant_id    = EXCLUDED.tenant_id,
			    parent_id    = EXCLUDED.parent_id,
			    title        = EXCLUDED.title,
			    content      = EXCLUDED.content,
			    embedding    = EXCLUDED.embedding,
			    model_id     = EXCLUDED.model_id,
			    content_hash = EXCLUDED.content_hash,
			    processed    = EXCLUDED.processed,
			    updated_at   = now()`
		_, err := s.pool.Exec(ctx, q,
			string(rec.OwnerKind), rec.OwnerID, rec.TenantID, rec.ParentID, rec.Title, rec.Content,
			toVector(rec.Vector), rec.ModelID, rec.ContentHash, rec.Processed,
		)
		if err != nil {
			return fmt.Errorf("postgres store: upsert record %s/%s: %w", rec.OwnerKind, rec.OwnerID, err)
		}
		return nil
	}

	const q = `
		INSERT INTO ai_embeddings (owner_kind, owner_id, tenant_id, parent_id, title, content, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (owner_kind, owner_id) DO UPDATE SET
		    tenant_id  = EXCLUDED.tenant_id,
		    parent_id  = EXCLUDED.parent_id,
		    title      = EXCLUDED.title,
		    content    = EXCLUDED.content,
		    processed  = CASE
		        WHEN ai_embeddings.title <> EXCLUDED.title OR ai_embeddings.content <> EXCLUDED.content
		        THEN false ELSE ai_embeddings.processed END,
		    updated_at = now()`
	_, err := s.pool.Exec(ctx, q,
		string(rec.OwnerKind), rec.OwnerID, rec.TenantID, rec.ParentID, rec.Title, rec.Content,
	)
	if err != nil {
		return fmt.Errorf("postgres store: upsert record %s/%s: %w", rec.OwnerKind, rec.OwnerID, err)
	}
	return nil
}

// Candidates implements [store.EmbeddingStore]. Rows come back in creation
// order so ranking ties stay deterministic.
func (s *Store) Candidates(ctx context.Context, q store.CandidateQuery) ([]store.Record, error) {
	const query = `
		SELECT owner_id, owner_kind, tenant_id, parent_id, title, content,
		       embedding, model_id, content_hash, processed, updated_at
		FROM   ai_embeddings
		WHERE  owner_kind = $1
		  AND  processed
		  AND  embedding IS NOT NULL
		  AND  tenant_id = $2
		  AND  ($3::text[] IS NULL OR parent_id = ANY($3))
		ORDER BY created_at, owner_id`

	rows, err := s.pool.Query(ctx, query, string(q.Kind), q.TenantID, q.ParentIDs)
	if err != nil {
		return nil, fmt.Errorf("postgres store: candidates: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Record, error) {
		var (
			r    store.Record
			kind string
			vec  pgvector.Vector
		)
		err := row.Scan(&r.OwnerID, &kind, &r.TenantID, &r.ParentID, &r.Title, &r.Content,
			&vec, &r.ModelID, &r.ContentHash, &r.Processed, &r.UpdatedAt)
		r.OwnerKind = store.OwnerKind(kind)
		r.Vector = fromVector(vec)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: candidates: scan: %w", err)
	}
	return out, nil
}

// Pending implements [store.EmbeddingStore].
func (s *Store) Pending(ctx context.Context, kind store.OwnerKind, limit int) ([]store.Record, error) {
	query := `
		SELECT owner_id, owner_kind, tenant_id, parent_id, title, content, model_id, content_hash, updated_at
		FROM   ai_embeddings
		WHERE  NOT processed
		  AND  ($1 = '' OR owner_kind = $1)
		ORDER BY created_at, owner_id`
	args := []any{string(kind)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: pending: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Record, error) {
		var (
			r    store.Record
			kind string
		)
		err := row.Scan(&r.OwnerID, &kind, &r.TenantID, &r.ParentID, &r.Title, &r.Content,
			&r.ModelID, &r.ContentHash, &r.UpdatedAt)
		r.OwnerKind = store.OwnerKind(kind)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: pending: scan: %w", err)
	}
	return out, nil
}

// SaveEmbedding implements [store.EmbeddingStore].
func (s *Store) SaveEmbedding(ctx context.Context, vec store.EmbeddingVector) error {
	const q = `
		UPDATE ai_embeddings
		SET    embedding = $3, model_id = $4, content_hash = $5, processed = true, updated_at = now()
		WHERE  owner_kind = $1 AND owner_id = $2`
	tag, err := s.pool.Exec(ctx, q, string(vec.OwnerKind), vec.OwnerID, toVector(vec.Vector), vec.ModelID, vec.ContentHash)
	if err != nil {
		return fmt.Errorf("postgres store: save embedding %s/%s: %w", vec.OwnerKind, vec.OwnerID, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// MarkProcessed implements [store.EmbeddingStore].
func (s *Store) MarkProcessed(ctx context.Context, kind store.OwnerKind, ownerID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ai_embeddings SET processed = true, updated_at = now() WHERE owner_kind = $1 AND owner_id = $2`,
		string(kind), ownerID)
	if err != nil {
		return fmt.Errorf("postgres store: mark processed %s/%s: %w", kind, ownerID, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func toVector(v []float64) pgvector.Vector {
	f := make([]float32, len(v))
	for i, x := range v {
		f[i] = float32(x)
	}
	return pgvector.NewVector(f)
}

func fromVector(v pgvector.Vector) []float64 {
	s := v.Slice()
	out := make([]float64, len(s))
	for i, x := range s {
		out[i] = float64(x)
	}
	return out
}
