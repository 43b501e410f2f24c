package httpapi

import (
	"context"
	"net/http"

	"github.com/MrWong99/clausewise/internal/chat"
	"github.com/MrWong99/clausewise/internal/observe"
)

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chat.TurnRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.d.Chat.Turn(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleChatStream serves a turn as server-sent events. A client disconnect
// cancels the request context and with it the turn.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chat.TurnRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sse, err := newEventWriter(w)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	log := observe.Logger(ctx)
	if err := sse.Open(); err != nil {
		log.Warn("httpapi: stream: open failed", "err", err)
		return
	}
	// The channel is drained after a write failure so the turn can observe
	// the cancellation and close it.
	for ev := range s.d.Chat.Stream(ctx, req) {
		if ctx.Err() != nil {
			continue
		}
		if err := sse.Send(ev.Name, ev.Data); err != nil {
			log.Info("httpapi: stream: client gone", "err", err)
			cancel()
		}
	}
}

type sessionsResponse struct {
	Sessions any `json:"sessions"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.d.Chat.Sessions(r.Context(), q.Get("tenant_id"), q.Get("owner_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		writeJSON(w, http.StatusOK, sessionsResponse{Sessions: []any{}})
		return
	}
	writeJSON(w, http.StatusOK, sessionsResponse{Sessions: list})
}

type historyResponse struct {
	SessionID string `json:"session_id"`
	Messages  any    `json:"messages"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	msgs, err := s.d.Chat.History(r.Context(), id, r.URL.Query().Get("owner_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if msgs == nil {
		writeJSON(w, http.StatusOK, historyResponse{SessionID: id, Messages: []any{}})
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{SessionID: id, Messages: msgs})
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	if err := s.d.Chat.Deactivate(r.Context(), r.PathValue("id"), r.URL.Query().Get("owner_id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
