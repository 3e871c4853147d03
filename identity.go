package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Identity is the canonical deduplication key for one logical message.
//
// Matching priority is explicit id, then temp id, then a content hash over
// (direction, counterpart, body, coarse timestamp bucket). The content form
// only exists for messages that have not been assigned any identifier yet,
// e.g. a raw provider event seen before the backend persisted it.
type Identity string

// identityBucket is the coarse window used when hashing by content. Two
// copies of the same event whose timestamps differ by less than the bucket
// land on at most two adjacent buckets; Seen registration on both sides of
// the overlap window makes that sufficient in practice.
const identityBucket = 2 * time.Second

// IdentityOf derives the identity for m.
func IdentityOf(m Message) Identity {
	if m.ID != "" {
		return Identity("id:" + m.ID)
	}
	if m.TempID != "" {
		return Identity("tmp:" + m.TempID)
	}
	return contentIdentity(m.Direction, m.ContactID, m.Body, m.CreatedAt)
}

func contentIdentity(dir Direction, contactID, body string, at time.Time) Identity {
	bucket := at.UnixMilli() / identityBucket.Milliseconds()
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s", dir, contactID, bucket, body)))
	return Identity("sha:" + hex.EncodeToString(sum[:8]))
}
