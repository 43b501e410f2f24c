package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/clausewise/pkg/store"
)

const modelColumns = `id, backend, name, kind, token_limit, dimensions, cost_per_1k_tokens, active, is_default`

func scanModel(row pgx.CollectableRow) (store.ModelDescriptor, error) {
	var m store.ModelDescriptor
	err := row.Scan(&m.ID, &m.Backend, &m.Name, &m.Kind, &m.TokenLimit, &m.Dimensions, &m.CostPer1K, &m.Active, &m.IsDefault)
	return m, err
}

// SeedModels implements [store.ModelSeeder]. The whole set is upserted in one
// transaction; defaults of seeded kinds are cleared first so the partial
// unique index holds.
func (s *Store) SeedModels(ctx context.Context, models []store.ModelDescriptor) error {
	if err := store.ValidateModels(models); err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: seed models: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, m := range models {
		if !m.IsDefault {
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE ai_models SET is_default = false WHERE kind = $1 AND id <> $2`, m.Kind, m.ID); err != nil {
			return fmt.Errorf("postgres store: seed models: clear default: %w", err)
		}
	}

	const q = `
		INSERT INTO ai_models (` + modelColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
		    backend            = EXCLUDED.backend,
		    name               = EXCLUDED.name,
		    kind               = EXCLUDED.kind,
		    token_limit        = EXCLUDED.token_limit,
		    dimensions         = EXCLUDED.dimensions,
		    cost_per_1k_tokens = EXCLUDED.cost_per_1k_tokens,
		    active             = EXCLUDED.active,
		    is_default         = EXCLUDED.is_default`
	for _, m := range models {
		if _, err := tx.Exec(ctx, q, m.ID, m.Backend, m.Name, string(m.Kind), m.TokenLimit, m.Dimensions, m.CostPer1K, m.Active, m.IsDefault); err != nil {
			return fmt.Errorf("postgres store: seed model %q: %w", m.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: seed models: commit: %w", err)
	}
	return nil
}

// Models implements [store.ModelCatalog].
func (s *Store) Models(ctx context.Context) ([]store.ModelDescriptor, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+modelColumns+` FROM ai_models ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres store: models: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanModel)
	if err != nil {
		return nil, fmt.Errorf("postgres store: models: scan: %w", err)
	}
	return out, nil
}

// Model implements [store.ModelCatalog].
func (s *Store) Model(ctx context.Context, id string) (store.ModelDescriptor, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+modelColumns+` FROM ai_models WHERE id = $1`, id)
	if err != nil {
		return store.ModelDescriptor{}, fmt.Errorf("postgres store: model %q: %w", id, err)
	}
	m, err := pgx.CollectExactlyOneRow(rows, scanModel)
	if err != nil {
		return store.ModelDescriptor{}, notFound(err)
	}
	return m, nil
}

// DefaultModel implements [store.ModelCatalog].
func (s *Store) DefaultModel(ctx context.Context, kind store.ModelKind) (store.ModelDescriptor, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+modelColumns+` FROM ai_models WHERE kind = $1 AND active AND is_default`, string(kind))
	if err != nil {
		return store.ModelDescriptor{}, fmt.Errorf("postgres store: default model %q: %w", kind, err)
	}
	m, err := pgx.CollectExactlyOneRow(rows, scanModel)
	if err != nil {
		return store.ModelDescriptor{}, notFound(err)
	}
	return m, nil
}

// PutOverride implements [store.TenantOverrideWriter].
func (s *Store) PutOverride(ctx context.Context, o store.TenantOverride) error {
	const q = `
		INSERT INTO ai_tenant_overrides (tenant_id, backend, config, active, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (tenant_id, backend) DO UPDATE SET
		    config     = EXCLUDED.config,
		    active     = EXCLUDED.active,
		    updated_at = now()`
	cfg := o.Config
	if len(cfg) == 0 {
		cfg = []byte("{}")
	}
	if _, err := s.pool.Exec(ctx, q, o.TenantID, o.Backend, cfg, o.Active); err != nil {
		return fmt.Errorf("postgres store: put override: %w", err)
	}
	return nil
}

// ActiveOverride implements [store.TenantOverrides].
func (s *Store) ActiveOverride(ctx context.Context, tenantID, backend string) (store.TenantOverride, error) {
	const q = `
		SELECT tenant_id, backend, config, active, updated_at
		FROM   ai_tenant_overrides
		WHERE  tenant_id = $1 AND backend = $2 AND active`
	var (
		o   store.TenantOverride
		cfg []byte
		at  time.Time
	)
	err := s.pool.QueryRow(ctx, q, tenantID, backend).Scan(&o.TenantID, &o.Backend, &cfg, &o.Active, &at)
	if err != nil {
		return store.TenantOverride{}, notFound(err)
	}
	o.Config = cfg
	o.UpdatedAt = at
	return o, nil
}

// RecordUsage implements [store.UsageRecorder].
func (s *Store) RecordUsage(ctx context.Context, rec store.UsageRecord) error {
	const q = `
		INSERT INTO ai_usage_records
		    (id, tenant_id, model_id, operation, tokens_in, tokens_out, cost_usd, latency_ms, success, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	at := rec.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, q,
		rec.ID, rec.TenantID, rec.ModelID, rec.Operation,
		rec.TokensIn, rec.TokensOut, rec.CostUSD, rec.LatencyMS,
		rec.Success, rec.Error, at,
	)
	if err != nil {
		return fmt.Errorf("postgres store: record usage: %w", err)
	}
	return nil
}
