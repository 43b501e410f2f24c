package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/clausewise/pkg/store"
)

const sessionColumns = `id, owner_id, tenant_id, title, message_count, token_total, created_at, last_message_at, active`

func scanSession(row pgx.CollectableRow) (store.ChatSession, error) {
	var s store.ChatSession
	err := row.Scan(&s.ID, &s.OwnerID, &s.TenantID, &s.Title, &s.MessageCount, &s.TokenTotal,
		&s.CreatedAt, &s.LastMessageAt, &s.Active)
	return s, err
}

// CreateSession implements [store.ChatStore].
func (s *Store) CreateSession(ctx context.Context, sess store.ChatSession) error {
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastMessageAt.IsZero() {
		sess.LastMessageAt = sess.CreatedAt
	}
	const q = `
		INSERT INTO chat_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.pool.Exec(ctx, q,
		sess.ID, sess.OwnerID, sess.TenantID, sess.Title, sess.MessageCount, sess.TokenTotal,
		sess.CreatedAt, sess.LastMessageAt, sess.Active,
	)
	if err != nil {
		return fmt.Errorf("postgres store: create session: %w", err)
	}
	return nil
}

// Session implements [store.ChatStore].
func (s *Store) Session(ctx context.Context, id string) (store.ChatSession, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+sessionColumns+` FROM chat_sessions WHERE id = $1`, id)
	if err != nil {
		return store.ChatSession{}, fmt.Errorf("postgres store: session %q: %w", id, err)
	}
	sess, err := pgx.CollectExactlyOneRow(rows, scanSession)
	if err != nil {
		return store.ChatSession{}, notFound(err)
	}
	return sess, nil
}

// UpdateSessionCounters implements [store.ChatStore].
func (s *Store) UpdateSessionCounters(ctx context.Context, id string, messages, tokens int, at time.Time) error {
	const q = `
		UPDATE chat_sessions
		SET    message_count = message_count + $2,
		       token_total = token_total + $3,
		       last_message_at = $4
		WHERE  id = $1`
	tag, err := s.pool.Exec(ctx, q, id, messages, tokens, at)
	if err != nil {
		return fmt.Errorf("postgres store: update session %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeactivateSession implements [store.ChatStore].
func (s *Store) DeactivateSession(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE chat_sessions SET active = false WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres store: deactivate session %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListSessions implements [store.ChatStore].
func (s *Store) ListSessions(ctx context.Context, tenantID, ownerID string) ([]store.ChatSession, error) {
	const q = `
		SELECT ` + sessionColumns + `
		FROM   chat_sessions
		WHERE  tenant_id = $1 AND owner_id = $2 AND active
		ORDER BY last_message_at DESC, id`
	rows, err := s.pool.Query(ctx, q, tenantID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list sessions: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanSession)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list sessions: scan: %w", err)
	}
	return out, nil
}

// AppendMessage implements [store.ChatStore].
func (s *Store) AppendMessage(ctx context.Context, m store.ChatMessage) (store.ChatMessage, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	const q = `
		INSERT INTO chat_messages (session_id, role, content, tokens, model_used, created_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING seq`
	if err := s.pool.QueryRow(ctx, q, m.SessionID, m.Role, m.Content, m.Tokens, m.ModelUsed, m.CreatedAt, m.Active).Scan(&m.Seq); err != nil {
		return store.ChatMessage{}, fmt.Errorf("postgres store: append message: %w", err)
	}
	return m, nil
}

// RecentMessages implements [store.ChatStore].
func (s *Store) RecentMessages(ctx context.Context, sessionID string, n int) ([]store.ChatMessage, error) {
	var limit *int
	if n > 0 {
		limit = &n
	}
	const q = `
		SELECT seq, session_id, role, content, tokens, model_used, created_at, active
		FROM (
		    SELECT seq, session_id, role, content, tokens, model_used, created_at, active
		    FROM   chat_messages
		    WHERE  session_id = $1 AND active
		    ORDER BY created_at DESC, seq DESC
		    LIMIT  $2
		) recent
		ORDER BY created_at, seq`
	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent messages: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.ChatMessage, error) {
		var m store.ChatMessage
		err := row.Scan(&m.Seq, &m.SessionID, &m.Role, &m.Content, &m.Tokens, &m.ModelUsed, &m.CreatedAt, &m.Active)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent messages: scan: %w", err)
	}
	return out, nil
}
