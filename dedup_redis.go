package relay

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisDeduplicator is a Deduplicator backed by Redis SET NX with expiry, for
// deployments running more than one client instance against the same inbox
// (e.g. a pool of agent workers). Semantics match MemoryDeduplicator: the
// first registration within the TTL window wins.
//
// Redis unavailability degrades to "not seen": the store's id screen still
// prevents re-insertion of known messages, and a transient duplicate is
// preferable to dropping a live one.
type RedisDeduplicator struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	log    zerolog.Logger
}

// RedisDeduplicatorOption configures a RedisDeduplicator.
type RedisDeduplicatorOption func(*RedisDeduplicator)

// WithRedisDedupTTL overrides DefaultDedupTTL.
func WithRedisDedupTTL(ttl time.Duration) RedisDeduplicatorOption {
	return func(d *RedisDeduplicator) { d.ttl = ttl }
}

// WithRedisDedupPrefix overrides the default "relay:seen:" key prefix.
func WithRedisDedupPrefix(prefix string) RedisDeduplicatorOption {
	return func(d *RedisDeduplicator) { d.prefix = prefix }
}

// WithRedisDedupLogger sets the logger; default is zerolog.Nop().
func WithRedisDedupLogger(log zerolog.Logger) RedisDeduplicatorOption {
	return func(d *RedisDeduplicator) { d.log = log }
}

// NewRedisDeduplicator creates a Redis-backed deduplicator.
func NewRedisDeduplicator(client *redis.Client, opts ...RedisDeduplicatorOption) *RedisDeduplicator {
	d := &RedisDeduplicator{
		client: client,
		ttl:    DefaultDedupTTL,
		prefix: "relay:seen:",
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Seen implements Deduplicator.
func (d *RedisDeduplicator) Seen(ctx context.Context, id Identity) bool {
	set, err := d.client.SetNX(ctx, d.prefix+string(id), 1, d.ttl).Result()
	if err != nil {
		d.log.Warn().Err(err).Str("identity", string(id)).Msg("dedup check failed, treating as unseen")
		return false
	}
	return !set
}
