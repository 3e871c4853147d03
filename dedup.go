package relay

import (
	"context"
	"sync"
	"time"
)

// DefaultDedupTTL covers the overlap window between a socket push and a REST
// history poll delivering the same message.
const DefaultDedupTTL = 5 * time.Second

// Deduplicator suppresses re-delivery of a message identity within a trailing
// TTL window. Seen registers the identity as a side effect, so the first
// caller gets false and everyone inside the window after it gets true.
//
// A true result is an expected outcome, not an error; callers drop the
// duplicate silently.
type Deduplicator interface {
	Seen(ctx context.Context, id Identity) bool
}

// MemoryDeduplicator is the in-process Deduplicator. Expiry is lazy on the
// looked-up key, with a full sweep at most once per TTL so the set stays
// bounded even for identities that are never looked up again.
type MemoryDeduplicator struct {
	mu        sync.Mutex
	ttl       time.Duration
	entries   map[Identity]time.Time // identity → expiry
	lastSweep time.Time
	now       func() time.Time
}

// MemoryDeduplicatorOption configures a MemoryDeduplicator.
type MemoryDeduplicatorOption func(*MemoryDeduplicator)

// WithDedupTTL overrides DefaultDedupTTL.
func WithDedupTTL(ttl time.Duration) MemoryDeduplicatorOption {
	return func(d *MemoryDeduplicator) { d.ttl = ttl }
}

// withDedupClock injects a clock for tests.
func withDedupClock(now func() time.Time) MemoryDeduplicatorOption {
	return func(d *MemoryDeduplicator) { d.now = now }
}

// NewMemoryDeduplicator creates an in-process deduplicator.
func NewMemoryDeduplicator(opts ...MemoryDeduplicatorOption) *MemoryDeduplicator {
	d := &MemoryDeduplicator{
		ttl:     DefaultDedupTTL,
		entries: make(map[Identity]time.Time),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Seen implements Deduplicator.
func (d *MemoryDeduplicator) Seen(_ context.Context, id Identity) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if now.Sub(d.lastSweep) >= d.ttl {
		for k, exp := range d.entries {
			if now.After(exp) {
				delete(d.entries, k)
			}
		}
		d.lastSweep = now
	}

	exp, ok := d.entries[id]
	if ok && now.After(exp) {
		ok = false
	}
	d.entries[id] = now.Add(d.ttl)
	return ok
}

// Len returns the number of tracked identities, expired entries included
// until the next sweep.
func (d *MemoryDeduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
