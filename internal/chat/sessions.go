package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/clausewise/pkg/aierr"
	"github.com/MrWong99/clausewise/pkg/store"
)

// owned returns the session id when it belongs to ownerID.
func (o *Orchestrator) owned(ctx context.Context, op, sessionID, ownerID string) (store.ChatSession, error) {
	if sessionID == "" || ownerID == "" {
		return store.ChatSession{}, aierr.InvalidInput(op, "session id and owner id are required")
	}
	s, err := o.store.Session(ctx, sessionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return store.ChatSession{}, fmt.Errorf("%s: %w", op, ErrSessionNotFound)
	case err != nil:
		return store.ChatSession{}, aierr.Persistence(op, err)
	case s.OwnerID != ownerID:
		return store.ChatSession{}, fmt.Errorf("%s: %w", op, ErrSessionNotFound)
	}
	return s, nil
}

// Deactivate soft-deletes a session owned by ownerID. Deactivating an
// inactive session is a no-op.
func (o *Orchestrator) Deactivate(ctx context.Context, sessionID, ownerID string) error {
	const op = "chat: deactivate"
	s, err := o.owned(ctx, op, sessionID, ownerID)
	if err != nil {
		return err
	}
	if !s.Active {
		return nil
	}
	if err := o.store.DeactivateSession(ctx, s.ID); err != nil {
		return aierr.Persistence(op, err)
	}
	return nil
}

// History returns every active message of a session owned by ownerID in
// chronological order.
func (o *Orchestrator) History(ctx context.Context, sessionID, ownerID string) ([]store.ChatMessage, error) {
	const op = "chat: history"
	s, err := o.owned(ctx, op, sessionID, ownerID)
	if err != nil {
		return nil, err
	}
	msgs, err := o.store.RecentMessages(ctx, s.ID, 0)
	if err != nil {
		return nil, aierr.Persistence(op, err)
	}
	return msgs, nil
}

// Sessions lists the owner's active sessions in the tenant, most recent first.
func (o *Orchestrator) Sessions(ctx context.Context, tenantID, ownerID string) ([]store.ChatSession, error) {
	const op = "chat: sessions"
	if ownerID == "" {
		return nil, aierr.InvalidInput(op, "owner id is required")
	}
	out, err := o.store.ListSessions(ctx, tenantID, ownerID)
	if err != nil {
		return nil, aierr.Persistence(op, err)
	}
	return out, nil
}
