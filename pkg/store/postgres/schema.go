package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlModels = `
CREATE TABLE IF NOT EXISTS ai_models (
    id                  TEXT             PRIMARY KEY,
    backend             TEXT             NOT NULL,
    name                TEXT             NOT NULL,
    kind                TEXT             NOT NULL,
    token_limit         INTEGER          NOT NULL DEFAULT 0,
    dimensions          INTEGER          NOT NULL DEFAULT 0,
    cost_per_1k_tokens  DOUBLE PRECISION NOT NULL DEFAULT 0,
    active              BOOLEAN          NOT NULL DEFAULT true,
    is_default          BOOLEAN          NOT NULL DEFAULT false
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_ai_models_one_default
    ON ai_models (kind) WHERE is_default;

CREATE TABLE IF NOT EXISTS ai_tenant_overrides (
    tenant_id   TEXT         NOT NULL,
    backend     TEXT         NOT NULL,
    config      JSONB        NOT NULL DEFAULT '{}',
    active      BOOLEAN      NOT NULL DEFAULT true,
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (tenant_id, backend)
);

CREATE TABLE IF NOT EXISTS ai_usage_records (
    id          TEXT             PRIMARY KEY,
    tenant_id   TEXT             NOT NULL DEFAULT '',
    model_id    TEXT             NOT NULL,
    operation   TEXT             NOT NULL,
    tokens_in   INTEGER          NOT NULL DEFAULT 0,
    tokens_out  INTEGER          NOT NULL DEFAULT 0,
    cost_usd    DOUBLE PRECISION NOT NULL DEFAULT 0,
    latency_ms  BIGINT           NOT NULL DEFAULT 0,
    success     BOOLEAN          NOT NULL,
    error       TEXT             NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ      NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_ai_usage_records_model_time
    ON ai_usage_records (model_id, created_at);
`

const ddlChat = `
CREATE TABLE IF NOT EXISTS chat_sessions (
    id               TEXT         PRIMARY KEY,
    owner_id         TEXT         NOT NULL,
    tenant_id        TEXT         NOT NULL DEFAULT '',
    title            TEXT         NOT NULL DEFAULT '',
    message_count    INTEGER      NOT NULL DEFAULT 0,
    token_total      INTEGER      NOT NULL DEFAULT 0,
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_message_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    active           BOOLEAN      NOT NULL DEFAULT true
);

CREATE INDEX IF NOT EXISTS idx_chat_sessions_owner
    ON chat_sessions (tenant_id, owner_id, last_message_at DESC);

CREATE TABLE IF NOT EXISTS chat_messages (
    seq         BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL REFERENCES chat_sessions (id),
    role        TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    tokens      INTEGER      NOT NULL DEFAULT 0,
    model_used  TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    active      BOOLEAN      NOT NULL DEFAULT true
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_session_time
    ON chat_messages (session_id, created_at, seq);
`

// ddlEmbeddings returns the embeddings DDL with the vector dimension
// substituted. No ANN index is created; ranking happens in process.
func ddlEmbeddings(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS ai_embeddings (
    owner_kind    TEXT         NOT NULL,
    owner_id      TEXT         NOT NULL,
    tenant_id     TEXT         NOT NULL DEFAULT '',
    parent_id     TEXT         NOT NULL DEFAULT '',
    title         TEXT         NOT NULL DEFAULT '',
    content       TEXT         NOT NULL DEFAULT '',
    embedding     vector(%d),
    model_id      TEXT         NOT NULL DEFAULT '',
    content_hash  TEXT         NOT NULL DEFAULT '',
    processed     BOOLEAN      NOT NULL DEFAULT false,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (owner_kind, owner_id)
);

CREATE INDEX IF NOT EXISTS idx_ai_embeddings_scope
    ON ai_embeddings (owner_kind, tenant_id) WHERE processed;

CREATE INDEX IF NOT EXISTS idx_ai_embeddings_parent
    ON ai_embeddings (owner_kind, parent_id);

CREATE INDEX IF NOT EXISTS idx_ai_embeddings_pending
    ON ai_embeddings (owner_kind, created_at) WHERE NOT processed;
`, embeddingDimensions)
}

// Migrate creates or ensures all required tables and extensions exist. It is
// idempotent and safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if embeddingDimensions <= 0 {
		return fmt.Errorf("postgres migrate: embedding dimensions must be positive, got %d", embeddingDimensions)
	}
	statements := []string{
		ddlModels,
		ddlEmbeddings(embeddingDimensions),
		ddlChat,
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
