package relay

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ============================================================================
// Storage interface
// ============================================================================

// MessageUpdate is a partial update applied to a persisted message. Nil
// fields are left untouched.
type MessageUpdate struct {
	ID            *string
	Status        *Status
	TransportRef  *string
	FailureReason *string
}

// Storage is the durable backend for messages. Outbound messages are
// persisted before transmission under their temp id; confirmation rewrites
// status and transport reference in place.
type Storage interface {
	Insert(ctx context.Context, m Message) error
	Update(ctx context.Context, id string, upd MessageUpdate) error
	QueryHistory(ctx context.Context, contactID string) ([]Message, error)
}

// ============================================================================
// MemoryStorage
// ============================================================================

// MemoryStorage is a goroutine-safe in-memory Storage, used by tests and the
// CLI's default configuration.
type MemoryStorage struct {
	mu       sync.RWMutex
	messages map[string]Message
	order    map[string]int // insertion order for equal-timestamp history
	next     int
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		messages: make(map[string]Message),
		order:    make(map[string]int),
	}
}

// Insert implements Storage.
func (s *MemoryStorage) Insert(_ context.Context, m Message) error {
	if m.ID == "" {
		return fmt.Errorf("insert: message has no id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.messages[m.ID]; exists {
		return fmt.Errorf("insert: message %s already exists", m.ID)
	}
	s.messages[m.ID] = m
	s.order[m.ID] = s.next
	s.next++
	return nil
}

// Update implements Storage.
func (s *MemoryStorage) Update(_ context.Context, id string, upd MessageUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("update: message %s not found", id)
	}
	if upd.ID != nil && *upd.ID != id {
		delete(s.messages, id)
		s.order[*upd.ID] = s.order[id]
		delete(s.order, id)
		m.ID = *upd.ID
	}
	if upd.Status != nil {
		m.Status = *upd.Status
	}
	if upd.TransportRef != nil {
		m.TransportRef = *upd.TransportRef
	}
	if upd.FailureReason != nil {
		m.FailureReason = *upd.FailureReason
	}
	s.messages[m.ID] = m
	return nil
}

// QueryHistory implements Storage. Results are ordered by CreatedAt
// ascending with insertion order breaking ties.
func (s *MemoryStorage) QueryHistory(_ context.Context, contactID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []Message
	for _, m := range s.messages {
		if m.ContactID == contactID {
			result = append(result, m)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return s.order[result[i].ID] < s.order[result[j].ID]
	})
	return result, nil
}

// Len returns the number of stored messages.
func (s *MemoryStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Get returns a stored message by id.
func (s *MemoryStorage) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	return m, ok
}
