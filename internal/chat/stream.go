package chat

import (
	"context"
	"time"

	"github.com/MrWong99/clausewise/internal/contextblock"
	"github.com/MrWong99/clausewise/internal/observe"
	"github.com/MrWong99/clausewise/pkg/aierr"
	"github.com/MrWong99/clausewise/pkg/store"
)

// Event names, in emission order.
const (
	EventSession = "session"
	EventStatus  = "status"
	EventSources = "sources"
	EventMessage = "message"
	EventDone    = "done"
	EventError   = "error"
)

// Event is one element of a streamed turn. Data is JSON-encodable.
type Event struct {
	Name string
	Data any
}

// SessionData announces the session serving the turn.
type SessionData struct {
	SessionID string `json:"session_id"`
	New       bool   `json:"new"`
	Title     string `json:"title"`
}

// StatusData reports progress.
type StatusData struct {
	Stage string `json:"stage"`
}

// Status stages.
const (
	StageSearching  = "searching"
	StageGenerating = "generating"
)

// SourcesData lists the cited parent records.
type SourcesData struct {
	Sources []contextblock.Source `json:"sources"`
}

// MessageData is one text delta.
type MessageData struct {
	Delta string `json:"delta"`
}

// DoneData closes a successful turn.
type DoneData struct {
	SessionID string `json:"session_id"`
	Model     string `json:"model"`
	Tokens    int    `json:"tokens"`
}

// ErrorData closes a failed turn.
type ErrorData struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// streamBuffer is the event channel capacity.
const streamBuffer = 16

// Stream runs req and delivers its events on the returned channel, which is
// closed after the terminal done or error event. The consumer must drain the
// channel or cancel ctx; cancelling ctx stops the upstream stream and nothing
// further is persisted.
func (o *Orchestrator) Stream(ctx context.Context, req TurnRequest) <-chan Event {
	ch := make(chan Event, streamBuffer)
	go func() {
		defer close(ch)
		if o.metrics != nil {
			defer o.metrics.StreamStarted(ctx)()
		}
		emit := func(name string, data any) bool {
			select {
			case ch <- Event{Name: name, Data: data}:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if err := o.stream(ctx, req, emit); err != nil {
			if ctx.Err() != nil {
				observe.Logger(ctx).Info("chat: stream abandoned by client", "err", err)
				return
			}
			emit(EventError, ErrorData{Kind: aierr.KindOf(err), Message: err.Error()})
		}
	}()
	return ch
}

func (o *Orchestrator) stream(ctx context.Context, req TurnRequest, emit func(string, any) bool) error {
	ctx, span := observe.StartSpan(ctx, "chat.stream")
	defer span.End()

	t, ctx, err := o.begin(ctx, req, span)
	if err != nil {
		return err
	}
	if !emit(EventSession, SessionData{SessionID: t.session.ID, New: t.newSession, Title: t.session.Title}) ||
		!emit(EventStatus, StatusData{Stage: StageSearching}) {
		return ctx.Err()
	}
	if err := o.ground(ctx, t); err != nil {
		return err
	}
	if !emit(EventSources, SourcesData{Sources: t.sources}) {
		return ctx.Err()
	}

	adapter, err := o.resolver.Resolve(ctx, t.model.Backend, req.TenantID)
	if err != nil {
		return err
	}
	if !emit(EventStatus, StatusData{Stage: StageGenerating}) {
		return ctx.Err()
	}

	start := time.Now()
	c, err := adapter.CompleteStreaming(ctx, o.completionRequest(t), func(delta string) error {
		if !emit(EventMessage, MessageData{Delta: delta}) {
			return ctx.Err()
		}
		return nil
	})
	if err != nil {
		o.failed(ctx, t, store.OpStream, start, err)
		return err
	}
	if err := o.finish(ctx, t, store.OpStream, start, c); err != nil {
		return err
	}
	res := t.result(c)
	emit(EventDone, DoneData{SessionID: res.SessionID, Model: res.Model, Tokens: res.Tokens})
	return nil
}
