package relay

import (
	"strings"
	"testing"
	"time"
)

func TestIdentityOf(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("explicit id wins", func(t *testing.T) {
		m := Message{ID: "msg-1", TempID: "tmp-1", Body: "hello", CreatedAt: at}
		if got := IdentityOf(m); got != "id:msg-1" {
			t.Fatalf("expected id:msg-1, got %s", got)
		}
	})

	t.Run("temp id second", func(t *testing.T) {
		m := Message{TempID: "tmp-1", Body: "hello", CreatedAt: at}
		if got := IdentityOf(m); got != "tmp:tmp-1" {
			t.Fatalf("expected tmp:tmp-1, got %s", got)
		}
	})

	t.Run("content hash last", func(t *testing.T) {
		m := Message{Direction: DirectionInbound, ContactID: "c-1", Body: "hello", CreatedAt: at}
		got := IdentityOf(m)
		if !strings.HasPrefix(string(got), "sha:") {
			t.Fatalf("expected content identity, got %s", got)
		}
	})

	t.Run("same bucket same identity", func(t *testing.T) {
		a := Message{Direction: DirectionInbound, ContactID: "c-1", Body: "hello", CreatedAt: at}
		b := a
		b.CreatedAt = at.Add(500 * time.Millisecond)
		// Timestamps this close land in the same bucket when the first is
		// bucket-aligned.
		if IdentityOf(a) != IdentityOf(b) {
			t.Fatal("expected identical identities within one bucket")
		}
	})

	t.Run("different body different identity", func(t *testing.T) {
		a := Message{Direction: DirectionInbound, ContactID: "c-1", Body: "hello", CreatedAt: at}
		b := a
		b.Body = "goodbye"
		if IdentityOf(a) == IdentityOf(b) {
			t.Fatal("expected distinct identities for distinct bodies")
		}
	})

	t.Run("different contact different identity", func(t *testing.T) {
		a := Message{Direction: DirectionInbound, ContactID: "c-1", Body: "hello", CreatedAt: at}
		b := a
		b.ContactID = "c-2"
		if IdentityOf(a) == IdentityOf(b) {
			t.Fatal("expected distinct identities for distinct contacts")
		}
	})

	t.Run("distant buckets different identity", func(t *testing.T) {
		a := Message{Direction: DirectionInbound, ContactID: "c-1", Body: "hello", CreatedAt: at}
		b := a
		b.CreatedAt = at.Add(time.Minute)
		if IdentityOf(a) == IdentityOf(b) {
			t.Fatal("expected distinct identities a minute apart")
		}
	})
}
