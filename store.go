package relay

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// Change stream
// ============================================================================

// ChangeKind classifies a store mutation for subscribers.
type ChangeKind string

const (
	ChangeHistoryLoaded ChangeKind = "history_loaded"
	ChangeInserted      ChangeKind = "inserted"
	ChangeConfirmed     ChangeKind = "confirmed"
	ChangeUpdated       ChangeKind = "updated"
	ChangeFailed        ChangeKind = "failed"
)

// Change is one store mutation pushed to subscribers. Message is zero for
// ChangeHistoryLoaded; read Messages() for the full list.
type Change struct {
	Kind    ChangeKind
	Message Message
}

// ============================================================================
// ConversationStore
// ============================================================================

type storedMessage struct {
	msg     Message
	arrival int
}

// ConversationStore is the authoritative in-memory ordered message list for
// one open conversation. Messages are kept sorted by CreatedAt ascending with
// arrival order breaking ties; every ingestion path runs through the shared
// Deduplicator before mutating, so the UI sees each logical message exactly
// once.
//
// A store is owned by the conversation that created it and is discarded when
// the conversation closes; it never holds unbounded history for closed
// conversations.
type ConversationStore struct {
	contactID string
	dedup     Deduplicator
	storage   Storage
	log       zerolog.Logger

	mu          sync.Mutex
	msgs        []*storedMessage
	nextArrival int
	subs        map[int]func(Change)
	nextSub     int
}

// StoreOption configures a ConversationStore.
type StoreOption func(*ConversationStore)

// WithStoreLogger sets the logger; default is zerolog.Nop().
func WithStoreLogger(log zerolog.Logger) StoreOption {
	return func(s *ConversationStore) { s.log = log }
}

// NewConversationStore creates the store for one contact's conversation.
func NewConversationStore(contactID string, dedup Deduplicator, storage Storage, opts ...StoreOption) *ConversationStore {
	s := &ConversationStore{
		contactID: contactID,
		dedup:     dedup,
		storage:   storage,
		log:       zerolog.Nop(),
		subs:      make(map[int]func(Change)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ContactID returns the conversation's contact id.
func (s *ConversationStore) ContactID() string { return s.contactID }

// Subscribe registers a change handler and returns a disposer. Handlers run
// synchronously after each mutation and must not block.
func (s *ConversationStore) Subscribe(h func(Change)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = h
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Messages returns a snapshot of the conversation in display order.
func (s *ConversationStore) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.msgs))
	for i, sm := range s.msgs {
		out[i] = sm.msg
	}
	return out
}

// Len returns the number of messages currently held.
func (s *ConversationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

// LoadHistory replaces the store contents with a full ordered fetch from
// durable storage. On backend failure it returns a HistoryLoadError and the
// previous contents are left untouched. Loaded identities are registered with
// the Deduplicator so a racing socket push of the same rows is suppressed.
func (s *ConversationStore) LoadHistory(ctx context.Context) error {
	history, err := s.storage.QueryHistory(ctx, s.contactID)
	if err != nil {
		return &HistoryLoadError{ContactID: s.contactID, Err: err}
	}

	s.mu.Lock()
	s.msgs = s.msgs[:0]
	s.nextArrival = 0
	for _, m := range history {
		s.dedup.Seen(ctx, IdentityOf(m))
		s.msgs = append(s.msgs, &storedMessage{msg: m, arrival: s.nextArrival})
		s.nextArrival++
	}
	s.sortLocked()
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeHistoryLoaded})
	return nil
}

// InsertOptimistic appends a pending outbound message immediately and returns
// its temp id handle.
func (s *ConversationStore) InsertOptimistic(m Message) string {
	if m.Status == "" {
		m.Status = StatusPending
	}
	s.mu.Lock()
	s.insertLocked(m)
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeInserted, Message: m})
	return m.TempID
}

// Confirm merges confirmed fields (id, status, transport reference) into the
// entry matching tempID, or by confirmed id as a fallback. The optimistic
// entry is replaced in place, never duplicated. If no matching entry exists
// (the confirmation arrived before the optimistic insert, or for a message
// sent elsewhere) the message is inserted fresh, with the Deduplicator
// consulted first.
func (s *ConversationStore) Confirm(ctx context.Context, tempID string, confirmed Message) {
	s.mu.Lock()
	sm := s.findLocked(tempID, confirmed.ID)
	if sm == nil {
		if s.dedup.Seen(ctx, IdentityOf(confirmed)) || (confirmed.ID != "" && s.containsIDLocked(confirmed.ID)) {
			s.mu.Unlock()
			return
		}
		if confirmed.TempID == "" {
			confirmed.TempID = tempID
		}
		s.insertLocked(confirmed)
		msg := confirmed
		s.mu.Unlock()
		s.emit(Change{Kind: ChangeConfirmed, Message: msg})
		return
	}

	if confirmed.ID != "" {
		sm.msg.ID = confirmed.ID
	}
	if confirmed.TransportRef != "" {
		sm.msg.TransportRef = confirmed.TransportRef
	}
	if confirmed.Status != "" && sm.msg.Status.CanAdvanceTo(confirmed.Status) {
		sm.msg.Status = confirmed.Status
	}
	if !confirmed.CreatedAt.IsZero() {
		sm.msg.CreatedAt = confirmed.CreatedAt
		s.sortLocked()
	}
	msg := sm.msg
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeConfirmed, Message: msg})
}

// IngestInbound runs an inbound message through the Deduplicator and inserts
// it in order. Duplicates are discarded silently; malformed messages are
// logged and dropped. Neither crashes the store.
func (s *ConversationStore) IngestInbound(ctx context.Context, m Message) {
	if m.CreatedAt.IsZero() || (m.ID == "" && m.Body == "") {
		s.log.Warn().Str("contact", s.contactID).Msg("dropping malformed inbound message")
		return
	}
	if m.ContactID != "" && m.ContactID != s.contactID {
		s.log.Warn().
			Str("contact", s.contactID).
			Str("messageContact", m.ContactID).
			Msg("dropping inbound message for another conversation")
		return
	}
	if m.Direction == "" {
		m.Direction = DirectionInbound
	}
	if m.Status == "" {
		m.Status = StatusDelivered
	}

	if s.dedup.Seen(ctx, IdentityOf(m)) {
		s.log.Debug().Str("id", m.ID).Msg("duplicate suppressed")
		return
	}

	s.mu.Lock()
	// Id screen beyond the dedup TTL: replays of messages already in the
	// store (e.g. a recent_messages backfill after reconnect) are not
	// re-inserted.
	if m.ID != "" && s.containsIDLocked(m.ID) {
		s.mu.Unlock()
		return
	}
	if m.TempID != "" {
		if sm := s.findLocked(m.TempID, m.ID); sm != nil {
			// Optimistic echo of our own send: reconcile, don't append.
			s.mu.Unlock()
			s.Confirm(ctx, m.TempID, m)
			return
		}
	}
	s.insertLocked(m)
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeInserted, Message: m})
}

// MarkFailed transitions the entry matching tempID to StatusFailed with the
// given reason. Failed sends stay visible; they are never deleted silently.
func (s *ConversationStore) MarkFailed(tempID string, reason error) {
	s.mu.Lock()
	sm := s.findLocked(tempID, "")
	if sm == nil {
		s.mu.Unlock()
		s.log.Warn().Str("tempId", tempID).Msg("markFailed: no matching entry")
		return
	}
	if !sm.msg.Status.CanAdvanceTo(StatusFailed) {
		status := sm.msg.Status
		s.mu.Unlock()
		s.log.Warn().Str("tempId", tempID).Str("status", string(status)).Msg("markFailed: transition not allowed")
		return
	}
	sm.msg.Status = StatusFailed
	if reason != nil {
		sm.msg.FailureReason = reason.Error()
	}
	msg := sm.msg
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeFailed, Message: msg})
}

// Get returns the message matching tempID or id.
func (s *ConversationStore) Get(tempOrID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sm := s.findLocked(tempOrID, tempOrID); sm != nil {
		return sm.msg, true
	}
	return Message{}, false
}

// ============================================================================
// Internals
// ============================================================================

func (s *ConversationStore) insertLocked(m Message) {
	s.msgs = append(s.msgs, &storedMessage{msg: m, arrival: s.nextArrival})
	s.nextArrival++
	s.sortLocked()
}

// sortLocked re-derives display order after every mutation; per-conversation
// history is bounded, so the cost stays negligible.
func (s *ConversationStore) sortLocked() {
	sort.Slice(s.msgs, func(i, j int) bool {
		if !s.msgs[i].msg.CreatedAt.Equal(s.msgs[j].msg.CreatedAt) {
			return s.msgs[i].msg.CreatedAt.Before(s.msgs[j].msg.CreatedAt)
		}
		return s.msgs[i].arrival < s.msgs[j].arrival
	})
}

// findLocked matches by temp id first, explicit id second.
func (s *ConversationStore) findLocked(tempID, id string) *storedMessage {
	if tempID != "" {
		for _, sm := range s.msgs {
			if sm.msg.TempID == tempID {
				return sm
			}
		}
	}
	if id != "" {
		for _, sm := range s.msgs {
			if sm.msg.ID == id {
				return sm
			}
		}
	}
	return nil
}

func (s *ConversationStore) containsIDLocked(id string) bool {
	for _, sm := range s.msgs {
		if sm.msg.ID == id {
			return true
		}
	}
	return false
}

func (s *ConversationStore) emit(c Change) {
	s.mu.Lock()
	handlers := make([]func(Change), 0, len(s.subs))
	for _, h := range s.subs {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h(c)
	}
}
