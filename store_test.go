package relay

import (
	"context"
	"errors"
	"testing"
	"time"
)

// errorStorage fails every operation with a fixed error.
type errorStorage struct {
	err error
}

func (s *errorStorage) Insert(context.Context, Message) error               { return s.err }
func (s *errorStorage) Update(context.Context, string, MessageUpdate) error { return s.err }
func (s *errorStorage) QueryHistory(context.Context, string) ([]Message, error) {
	return nil, s.err
}

func newTestStore(t *testing.T) (*ConversationStore, *MemoryStorage) {
	t.Helper()
	storage := NewMemoryStorage()
	store := NewConversationStore("c-1", NewMemoryDeduplicator(), storage)
	return store, storage
}

func inboundMsg(id, body string, at time.Time) Message {
	return Message{
		ID:        id,
		ContactID: "c-1",
		Direction: DirectionInbound,
		Body:      body,
		CreatedAt: at,
		Status:    StatusDelivered,
	}
}

func TestConversationStoreOptimisticLifecycle(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("optimistic insert is immediately visible as pending", func(t *testing.T) {
		store, _ := newTestStore(t)
		store.InsertOptimistic(Message{
			TempID: "tmp-1", ID: "tmp-1", ContactID: "c-1",
			Direction: DirectionOutbound, Body: "hi", CreatedAt: at,
		})
		msgs := store.Messages()
		if len(msgs) != 1 {
			t.Fatalf("expected 1 message, have %d", len(msgs))
		}
		if msgs[0].Status != StatusPending {
			t.Fatalf("expected pending, got %s", msgs[0].Status)
		}
	})

	t.Run("confirm merges in place without duplicating", func(t *testing.T) {
		store, _ := newTestStore(t)
		store.InsertOptimistic(Message{
			TempID: "tmp-1", ID: "tmp-1", ContactID: "c-1",
			Direction: DirectionOutbound, Body: "hi", CreatedAt: at, Status: StatusPending,
		})
		store.Confirm(ctx, "tmp-1", Message{
			ID: "srv-9", TempID: "tmp-1", Status: StatusSent, TransportRef: "ref-1",
		})

		msgs := store.Messages()
		if len(msgs) != 1 {
			t.Fatalf("expected the optimistic entry to be replaced, have %d", len(msgs))
		}
		m := msgs[0]
		if m.ID != "srv-9" || m.TempID != "tmp-1" || m.Status != StatusSent || m.TransportRef != "ref-1" {
			t.Fatalf("merge incomplete: %+v", m)
		}
		if m.Body != "hi" {
			t.Fatal("optimistic fields should survive the merge")
		}
	})

	t.Run("confirm never moves status backwards", func(t *testing.T) {
		store, _ := newTestStore(t)
		store.InsertOptimistic(Message{
			TempID: "tmp-1", ID: "tmp-1", ContactID: "c-1",
			Direction: DirectionOutbound, Body: "hi", CreatedAt: at, Status: StatusDelivered,
		})
		store.Confirm(ctx, "tmp-1", Message{Status: StatusSent})
		if got, _ := store.Get("tmp-1"); got.Status != StatusDelivered {
			t.Fatalf("status regressed to %s", got.Status)
		}
	})

	t.Run("confirm without a match inserts fresh", func(t *testing.T) {
		store, _ := newTestStore(t)
		store.Confirm(ctx, "tmp-gone", Message{
			ID: "srv-9", ContactID: "c-1", Direction: DirectionOutbound,
			Body: "hi", CreatedAt: at, Status: StatusSent,
		})
		if store.Len() != 1 {
			t.Fatalf("expected fresh insert, have %d", store.Len())
		}
	})

	t.Run("mark failed never regresses a confirmed send", func(t *testing.T) {
		store, _ := newTestStore(t)
		store.InsertOptimistic(Message{
			TempID: "tmp-1", ID: "tmp-1", ContactID: "c-1",
			Direction: DirectionOutbound, Body: "hi", CreatedAt: at,
		})
		store.Confirm(ctx, "tmp-1", Message{ID: "srv-9", Status: StatusSent})
		store.MarkFailed("tmp-1", errors.New("late failure"))

		if m, _ := store.Get("tmp-1"); m.Status != StatusSent {
			t.Fatalf("confirmed send regressed to %s", m.Status)
		}
	})

	t.Run("mark failed keeps the message visible with its reason", func(t *testing.T) {
		store, _ := newTestStore(t)
		store.InsertOptimistic(Message{
			TempID: "tmp-1", ID: "tmp-1", ContactID: "c-1",
			Direction: DirectionOutbound, Body: "hi", CreatedAt: at,
		})
		store.MarkFailed("tmp-1", errors.New("socket closed"))

		m, ok := store.Get("tmp-1")
		if !ok {
			t.Fatal("failed message must stay visible")
		}
		if m.Status != StatusFailed || m.FailureReason != "socket closed" {
			t.Fatalf("unexpected failure record: %+v", m)
		}
	})
}

func TestConversationStoreIngestInbound(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("push and poll deliver once", func(t *testing.T) {
		store, _ := newTestStore(t)
		m := inboundMsg("msg-1", "hello", at)
		store.IngestInbound(ctx, m)
		store.IngestInbound(ctx, m)
		if store.Len() != 1 {
			t.Fatalf("duplicate displayed: %d entries", store.Len())
		}
	})

	t.Run("id screen outlasts the dedup window", func(t *testing.T) {
		now := at
		dedup := NewMemoryDeduplicator(withDedupClock(func() time.Time { return now }))
		store := NewConversationStore("c-1", dedup, NewMemoryStorage())

		m := inboundMsg("msg-1", "hello", at)
		store.IngestInbound(ctx, m)

		// Well past the TTL, e.g. a backfill after reconnect.
		now = now.Add(time.Minute)
		store.IngestInbound(ctx, m)
		if store.Len() != 1 {
			t.Fatalf("backfill replay duplicated: %d entries", store.Len())
		}
	})

	t.Run("malformed message dropped without panic", func(t *testing.T) {
		store, _ := newTestStore(t)
		store.IngestInbound(ctx, Message{ContactID: "c-1"})
		if store.Len() != 0 {
			t.Fatal("malformed message was stored")
		}
	})

	t.Run("message for another conversation dropped", func(t *testing.T) {
		store, _ := newTestStore(t)
		m := inboundMsg("msg-1", "hello", at)
		m.ContactID = "c-other"
		store.IngestInbound(ctx, m)
		if store.Len() != 0 {
			t.Fatal("cross-conversation message was stored")
		}
	})

	t.Run("defaults applied", func(t *testing.T) {
		store, _ := newTestStore(t)
		store.IngestInbound(ctx, Message{ID: "msg-1", ContactID: "c-1", Body: "hi", CreatedAt: at})
		m, _ := store.Get("msg-1")
		if m.Direction != DirectionInbound || m.Status != StatusDelivered {
			t.Fatalf("defaults missing: %+v", m)
		}
	})

	t.Run("echo of own send reconciles instead of appending", func(t *testing.T) {
		store, _ := newTestStore(t)
		store.InsertOptimistic(Message{
			TempID: "tmp-1", ID: "tmp-1", ContactID: "c-1",
			Direction: DirectionOutbound, Body: "hi", CreatedAt: at, Status: StatusPending,
		})
		store.IngestInbound(ctx, Message{
			ID: "srv-9", TempID: "tmp-1", ContactID: "c-1",
			Direction: DirectionOutbound, Body: "hi", CreatedAt: at, Status: StatusSent,
		})
		if store.Len() != 1 {
			t.Fatalf("echo duplicated the optimistic entry: %d", store.Len())
		}
		if m, _ := store.Get("tmp-1"); m.ID != "srv-9" || m.Status != StatusSent {
			t.Fatalf("echo not reconciled: %+v", m)
		}
	})
}

func TestConversationStoreOrdering(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("sorted by creation time regardless of arrival", func(t *testing.T) {
		store, _ := newTestStore(t)
		store.IngestInbound(ctx, inboundMsg("msg-2", "second", at.Add(time.Second)))
		store.IngestInbound(ctx, inboundMsg("msg-1", "first", at))

		msgs := store.Messages()
		if msgs[0].ID != "msg-1" || msgs[1].ID != "msg-2" {
			t.Fatalf("out of order: %s before %s", msgs[0].ID, msgs[1].ID)
		}
	})

	t.Run("equal timestamps keep arrival order", func(t *testing.T) {
		store, _ := newTestStore(t)
		store.IngestInbound(ctx, inboundMsg("msg-a", "a", at))
		store.IngestInbound(ctx, inboundMsg("msg-b", "b", at))

		msgs := store.Messages()
		if msgs[0].ID != "msg-a" || msgs[1].ID != "msg-b" {
			t.Fatal("tie-break by arrival violated")
		}
	})
}

func TestConversationStoreLoadHistory(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("replaces contents with the durable view", func(t *testing.T) {
		store, storage := newTestStore(t)
		storage.Insert(ctx, inboundMsg("msg-1", "first", at))
		storage.Insert(ctx, inboundMsg("msg-2", "second", at.Add(time.Second)))

		if err := store.LoadHistory(ctx); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if store.Len() != 2 {
			t.Fatalf("expected 2 messages, have %d", store.Len())
		}
	})

	t.Run("failure leaves previous contents untouched", func(t *testing.T) {
		dedup := NewMemoryDeduplicator()
		store := NewConversationStore("c-1", dedup, &errorStorage{err: errors.New("backend down")})
		store.InsertOptimistic(Message{
			TempID: "tmp-1", ID: "tmp-1", ContactID: "c-1",
			Direction: DirectionOutbound, Body: "hi", CreatedAt: at,
		})

		err := store.LoadHistory(ctx)
		var hlErr *HistoryLoadError
		if !errors.As(err, &hlErr) {
			t.Fatalf("expected HistoryLoadError, got %v", err)
		}
		if store.Len() != 1 {
			t.Fatal("failed load must not clear the store")
		}
	})

	t.Run("loaded rows suppress a racing push", func(t *testing.T) {
		store, storage := newTestStore(t)
		storage.Insert(ctx, inboundMsg("msg-1", "first", at))
		store.LoadHistory(ctx)

		store.IngestInbound(ctx, inboundMsg("msg-1", "first", at))
		if store.Len() != 1 {
			t.Fatalf("push of a loaded row duplicated: %d", store.Len())
		}
	})
}

func TestConversationStoreSubscribe(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("changes reach subscribers", func(t *testing.T) {
		store, _ := newTestStore(t)
		var kinds []ChangeKind
		store.Subscribe(func(c Change) { kinds = append(kinds, c.Kind) })

		store.InsertOptimistic(Message{TempID: "tmp-1", ID: "tmp-1", ContactID: "c-1", Direction: DirectionOutbound, Body: "hi", CreatedAt: at})
		store.Confirm(ctx, "tmp-1", Message{Status: StatusSent})
		store.MarkFailed("tmp-2", nil)
		store.IngestInbound(ctx, inboundMsg("msg-1", "hello", at))

		want := []ChangeKind{ChangeInserted, ChangeConfirmed, ChangeInserted}
		if len(kinds) != len(want) {
			t.Fatalf("expected %d changes, got %v", len(want), kinds)
		}
		for i := range want {
			if kinds[i] != want[i] {
				t.Fatalf("change %d: expected %s, got %s", i, want[i], kinds[i])
			}
		}
	})

	t.Run("disposer stops delivery", func(t *testing.T) {
		store, _ := newTestStore(t)
		var count int
		dispose := store.Subscribe(func(Change) { count++ })
		dispose()
		store.IngestInbound(ctx, inboundMsg("msg-1", "hello", at))
		if count != 0 {
			t.Fatal("disposed subscriber still notified")
		}
	})
}
