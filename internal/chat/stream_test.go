package chat_test

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/clausewise/internal/chat"
	"github.com/MrWong99/clausewise/pkg/aierr"
	"github.com/MrWong99/clausewise/pkg/store"
)

func drain(t *testing.T, ch <-chan chat.Event) []chat.Event {
	t.Helper()
	var out []chat.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func names(events []chat.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Name
	}
	return out
}

func TestStream_PersistsJoinedText(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	events := drain(t, f.orch.Stream(context.Background(), chat.TurnRequest{TenantID: "7", OwnerID: "u1", Question: "hi"}))

	want := []string{"session", "status", "sources", "status", "message", "message", "done"}
	if got := names(events); !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if d := events[4].Data.(chat.MessageData).Delta + events[5].Data.(chat.MessageData).Delta; d != "Hello" {
		t.Errorf("deltas = %q", d)
	}
	sess := events[0].Data.(chat.SessionData)
	if !sess.New || sess.Title != "hi" {
		t.Errorf("session event = %+v", sess)
	}
	if src := events[2].Data.(chat.SourcesData).Sources; len(src) != 1 || src[0].ID != "act-1" {
		t.Errorf("sources = %+v", src)
	}
	done := events[6].Data.(chat.DoneData)
	if done.SessionID != sess.SessionID || done.Model != "gen" || done.Tokens == 0 {
		t.Errorf("done = %+v", done)
	}

	msgs := f.st.Messages(sess.SessionID)
	if len(msgs) != 2 || msgs[1].Role != store.RoleAssistant || msgs[1].Content != "Hello" {
		t.Fatalf("persisted = %+v, want assistant Hello", msgs)
	}
	s, _ := f.st.Session(context.Background(), sess.SessionID)
	if s.MessageCount != 2 || s.TokenTotal != done.Tokens {
		t.Errorf("session counters = %+v", s)
	}
	usage := f.st.UsageRecords()
	if last := usage[len(usage)-1]; last.Operation != store.OpStream || !last.Success {
		t.Errorf("stream usage = %+v", last)
	}
}

func TestStream_DisconnectPersistsNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.adapter.StreamHoldAfter = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := f.orch.Stream(ctx, chat.TurnRequest{TenantID: "7", OwnerID: "u1", Question: "hi"})

	var sessionID string
	for ev := range ch {
		if ev.Name == chat.EventSession {
			sessionID = ev.Data.(chat.SessionData).SessionID
		}
		if ev.Name == chat.EventMessage {
			if d := ev.Data.(chat.MessageData).Delta; d != "Hel" {
				t.Fatalf("first delta = %q, want Hel", d)
			}
			cancel()
			break
		}
	}
	rest := drain(t, ch)
	for _, ev := range rest {
		if ev.Name == chat.EventDone {
			t.Fatal("done emitted after disconnect")
		}
	}

	if got := f.roles(sessionID); !slices.Equal(got, []string{store.RoleUser}) {
		t.Errorf("persisted roles = %v, want [user]", got)
	}
	s, _ := f.st.Session(context.Background(), sessionID)
	if s.MessageCount != 1 || s.TokenTotal != 0 {
		t.Errorf("counters after disconnect = %d messages, %d tokens; want 1, 0", s.MessageCount, s.TokenTotal)
	}
	for _, u := range f.st.UsageRecords() {
		if u.Operation == store.OpStream {
			t.Errorf("stream usage recorded after disconnect: %+v", u)
		}
	}
}

func TestStream_NoTerminalMarkerEmitsError(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.adapter.StreamNoTerminal = true

	events := drain(t, f.orch.Stream(context.Background(), chat.TurnRequest{TenantID: "7", OwnerID: "u1", Question: "hi"}))

	last := events[len(events)-1]
	if last.Name != chat.EventError {
		t.Fatalf("last event = %q, want error", last.Name)
	}
	if kind := last.Data.(chat.ErrorData).Kind; kind != "upstream_error" {
		t.Errorf("error kind = %q", kind)
	}
	sessionID := events[0].Data.(chat.SessionData).SessionID
	if got := f.roles(sessionID); !slices.Equal(got, []string{store.RoleUser}) {
		t.Errorf("persisted roles = %v, want [user]", got)
	}
}

func TestStream_ValidationErrorIsTerminal(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	events := drain(t, f.orch.Stream(context.Background(), chat.TurnRequest{OwnerID: "u1"}))
	if len(events) != 1 || events[0].Name != chat.EventError {
		t.Fatalf("events = %v, want [error]", names(events))
	}
	if kind := events[0].Data.(chat.ErrorData).Kind; kind != aierr.KindOf(aierr.InvalidInput("", "")) {
		t.Errorf("kind = %q", kind)
	}
}
