package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// newChatBackend acknowledges joins for any contact and pushes backfill rows
// on each join. "push" commands are echoed back as new_message frames so tests
// can emit inbound traffic.
func newChatBackend(t *testing.T, backfill map[string][]Message) *httptest.Server {
	t.Helper()
	return newWSBackend(t, func(b *backendConn, env Envelope) {
		switch env.Type {
		case CommandJoin:
			var p JoinPayload
			json.Unmarshal(env.Payload, &p)
			b.send(EventJoinSuccess, JoinSuccessPayload{ContactID: p.ContactID})
			if rows := backfill[p.ContactID]; rows != nil {
				b.send(EventRecentMessages, rows)
			}
		case "push":
			b.sendRaw(mustFrame(t, EventNewMessage, env.Payload))
		}
	})
}

func mustFrame(t *testing.T, typ string, payload json.RawMessage) []byte {
	t.Helper()
	frame, err := json.Marshal(Envelope{Type: typ, Payload: payload})
	if err != nil {
		t.Fatal(err)
	}
	return frame
}

func newSessionFixture(t *testing.T, srv *httptest.Server, contactID string) (*ConnectionManager, *ConversationStore, *RealtimeSession) {
	t.Helper()
	conn := NewConnectionManager(srv.URL, WithAutoReconnect(false))
	t.Cleanup(func() { conn.Close() })
	store := NewConversationStore(contactID, NewMemoryDeduplicator(), NewMemoryStorage())
	session := NewRealtimeSession(conn, store)
	return conn, store, session
}

func TestRealtimeSessionOpen(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("join delivers backfill and live pushes", func(t *testing.T) {
		srv := newChatBackend(t, map[string][]Message{
			"c-1": {inboundMsg("msg-1", "welcome", at)},
		})
		conn, store, session := newSessionFixture(t, srv, "c-1")

		if err := session.Open(ctx, "c-1"); err != nil {
			t.Fatalf("open: %v", err)
		}
		defer session.Close()
		if session.State() != SessionJoined {
			t.Fatalf("state is %s", session.State())
		}
		waitFor(t, func() bool { return store.Len() == 1 })

		push, _ := json.Marshal(inboundMsg("msg-2", "hello", at.Add(time.Second)))
		conn.Send(ctx, Command{Type: "push", Payload: json.RawMessage(push)})
		waitFor(t, func() bool { return store.Len() == 2 })
	})

	t.Run("backfill replay does not duplicate", func(t *testing.T) {
		srv := newChatBackend(t, map[string][]Message{
			"c-1": {inboundMsg("msg-1", "welcome", at)},
		})
		conn, store, session := newSessionFixture(t, srv, "c-1")

		if err := session.Open(ctx, "c-1"); err != nil {
			t.Fatalf("open: %v", err)
		}
		defer session.Close()
		waitFor(t, func() bool { return store.Len() == 1 })

		// The same row arrives again as a live push.
		push, _ := json.Marshal(inboundMsg("msg-1", "welcome", at))
		conn.Send(ctx, Command{Type: "push", Payload: json.RawMessage(push)})

		// Let the frame round-trip, then check nothing was added.
		sentinel, _ := json.Marshal(inboundMsg("msg-2", "sentinel", at.Add(time.Second)))
		conn.Send(ctx, Command{Type: "push", Payload: json.RawMessage(sentinel)})
		waitFor(t, func() bool { return store.Len() == 2 })
		for _, m := range store.Messages() {
			if m.ID == "msg-1" && m.Body != "welcome" {
				t.Fatal("backfill row corrupted")
			}
		}
	})

	t.Run("join timeout fails the session", func(t *testing.T) {
		srv := newWSBackend(t, func(*backendConn, Envelope) {}) // never acks
		conn := NewConnectionManager(srv.URL, WithAutoReconnect(false))
		defer conn.Close()
		store := NewConversationStore("c-1", NewMemoryDeduplicator(), NewMemoryStorage())
		session := NewRealtimeSession(conn, store, WithJoinTimeout(100*time.Millisecond))

		err := session.Open(ctx, "c-1")
		if !errors.Is(err, ErrJoinTimeout) {
			t.Fatalf("expected ErrJoinTimeout, got %v", err)
		}
		if session.State() != SessionFailed {
			t.Fatalf("state is %s", session.State())
		}
	})

	t.Run("join rejection surfaces the reason", func(t *testing.T) {
		srv := newWSBackend(t, func(b *backendConn, env Envelope) {
			if env.Type == CommandJoin {
				b.send(EventError, ErrorPayload{Message: "contact archived"})
			}
		})
		_, _, session := newSessionFixture(t, srv, "c-1")

		err := session.Open(ctx, "c-1")
		var jerr *JoinError
		if !errors.As(err, &jerr) {
			t.Fatalf("expected JoinError, got %v", err)
		}
		if jerr.Reason != "contact archived" {
			t.Fatalf("unexpected reason %q", jerr.Reason)
		}
	})

	t.Run("open on a live session is rejected", func(t *testing.T) {
		srv := newChatBackend(t, nil)
		_, _, session := newSessionFixture(t, srv, "c-1")

		if err := session.Open(ctx, "c-1"); err != nil {
			t.Fatalf("open: %v", err)
		}
		defer session.Close()
		if err := session.Open(ctx, "c-1"); !errors.Is(err, ErrSessionBusy) {
			t.Fatalf("expected ErrSessionBusy, got %v", err)
		}
	})

	t.Run("failed session can be reopened", func(t *testing.T) {
		var acks atomic.Bool
		srv := newWSBackend(t, func(b *backendConn, env Envelope) {
			if env.Type == CommandJoin && acks.Load() {
				b.send(EventJoinSuccess, JoinSuccessPayload{})
			}
		})
		conn := NewConnectionManager(srv.URL, WithAutoReconnect(false))
		defer conn.Close()
		store := NewConversationStore("c-1", NewMemoryDeduplicator(), NewMemoryStorage())
		session := NewRealtimeSession(conn, store, WithJoinTimeout(100*time.Millisecond))

		if err := session.Open(ctx, "c-1"); !errors.Is(err, ErrJoinTimeout) {
			t.Fatalf("expected timeout, got %v", err)
		}
		acks.Store(true)
		if err := session.Open(ctx, "c-1"); err != nil {
			t.Fatalf("reopen: %v", err)
		}
		session.Close()
	})
}

func TestRealtimeSessionClose(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("events after close never reach the store", func(t *testing.T) {
		srv := newChatBackend(t, nil)
		conn, store, session := newSessionFixture(t, srv, "c-1")

		if err := session.Open(ctx, "c-1"); err != nil {
			t.Fatalf("open: %v", err)
		}
		if err := session.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}

		// Watch the raw connection to know when the push has round-tripped.
		arrived := make(chan struct{}, 1)
		conn.OnEvent(EventNewMessage, func(Envelope) { arrived <- struct{}{} })

		push, _ := json.Marshal(inboundMsg("msg-late", "too late", at))
		conn.Send(ctx, Command{Type: "push", Payload: json.RawMessage(push)})
		select {
		case <-arrived:
		case <-time.After(2 * time.Second):
			t.Fatal("push never arrived")
		}

		if store.Len() != 0 {
			t.Fatal("closed session delivered into its store")
		}
	})

	t.Run("close during a pending join is not overwritten", func(t *testing.T) {
		srv := newWSBackend(t, func(*backendConn, Envelope) {}) // never acks
		conn := NewConnectionManager(srv.URL, WithAutoReconnect(false))
		defer conn.Close()
		store := NewConversationStore("c-1", NewMemoryDeduplicator(), NewMemoryStorage())
		session := NewRealtimeSession(conn, store, WithJoinTimeout(300*time.Millisecond))

		errCh := make(chan error, 1)
		go func() { errCh <- session.Open(ctx, "c-1") }()
		waitFor(t, func() bool { return session.State() == SessionJoining })

		if err := session.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
		// The pending Open unblocks once its join timeout fires; its failure
		// handling must not resurrect a closed session.
		<-errCh
		if session.State() != SessionIdle {
			t.Fatalf("state is %s after close", session.State())
		}
	})

	t.Run("close is idempotent", func(t *testing.T) {
		srv := newChatBackend(t, nil)
		_, _, session := newSessionFixture(t, srv, "c-1")

		if err := session.Open(ctx, "c-1"); err != nil {
			t.Fatalf("open: %v", err)
		}
		session.Close()
		if err := session.Close(); err != nil {
			t.Fatalf("second close: %v", err)
		}
		if session.State() != SessionIdle {
			t.Fatalf("state is %s", session.State())
		}
	})
}

func TestRealtimeSessionIsolation(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("conversations on one connection stay separate", func(t *testing.T) {
		srv := newChatBackend(t, nil)
		conn := NewConnectionManager(srv.URL, WithAutoReconnect(false))
		defer conn.Close()

		dedupA := NewMemoryDeduplicator()
		dedupB := NewMemoryDeduplicator()
		storeA := NewConversationStore("c-1", dedupA, NewMemoryStorage())
		storeB := NewConversationStore("c-2", dedupB, NewMemoryStorage())
		sessionA := NewRealtimeSession(conn, storeA)
		sessionB := NewRealtimeSession(conn, storeB)

		if err := sessionA.Open(ctx, "c-1"); err != nil {
			t.Fatalf("open A: %v", err)
		}
		defer sessionA.Close()
		if err := sessionB.Open(ctx, "c-2"); err != nil {
			t.Fatalf("open B: %v", err)
		}
		defer sessionB.Close()

		push, _ := json.Marshal(inboundMsg("msg-1", "for contact one", at))
		conn.Send(ctx, Command{Type: "push", Payload: json.RawMessage(push)})
		waitFor(t, func() bool { return storeA.Len() == 1 })

		if storeB.Len() != 0 {
			t.Fatal("message leaked into the other conversation")
		}
	})

	t.Run("closing one conversation leaves the other live", func(t *testing.T) {
		srv := newChatBackend(t, nil)
		conn := NewConnectionManager(srv.URL, WithAutoReconnect(false))
		defer conn.Close()

		storeA := NewConversationStore("c-1", NewMemoryDeduplicator(), NewMemoryStorage())
		storeB := NewConversationStore("c-2", NewMemoryDeduplicator(), NewMemoryStorage())
		sessionA := NewRealtimeSession(conn, storeA)
		sessionB := NewRealtimeSession(conn, storeB)

		if err := sessionA.Open(ctx, "c-1"); err != nil {
			t.Fatalf("open A: %v", err)
		}
		if err := sessionB.Open(ctx, "c-2"); err != nil {
			t.Fatalf("open B: %v", err)
		}
		defer sessionB.Close()
		sessionA.Close()

		m := inboundMsg("msg-1", "still here", at)
		m.ContactID = "c-2"
		push, _ := json.Marshal(m)
		conn.Send(ctx, Command{Type: "push", Payload: json.RawMessage(push)})
		waitFor(t, func() bool { return storeB.Len() == 1 })
	})
}

func TestRealtimeSessionReconnect(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("rejoin backfill recovers missed messages", func(t *testing.T) {
		var joins atomic.Int32
		srv := newWSBackend(t, func(b *backendConn, env Envelope) {
			switch env.Type {
			case CommandJoin:
				b.send(EventJoinSuccess, JoinSuccessPayload{})
				if joins.Add(1) > 1 {
					// Rows that arrived while the client was away.
					b.send(EventRecentMessages, []Message{
						inboundMsg("msg-1", "you missed this", at),
					})
				}
			case "die":
				b.close()
			}
		})
		conn := NewConnectionManager(srv.URL, WithBackoff(10*time.Millisecond, 50*time.Millisecond, 5))
		defer conn.Close()
		store := NewConversationStore("c-1", NewMemoryDeduplicator(), NewMemoryStorage())
		session := NewRealtimeSession(conn, store)

		if err := session.Open(ctx, "c-1"); err != nil {
			t.Fatalf("open: %v", err)
		}
		defer session.Close()

		conn.Send(ctx, Command{Type: "die"})
		waitFor(t, func() bool { return store.Len() == 1 })
	})
}
