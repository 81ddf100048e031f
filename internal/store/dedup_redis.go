package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultDedupTTL is how long a provider message id is remembered. Carriers stop
// retrying long before this.
const DefaultDedupTTL = 24 * time.Hour

// RedisDedup keeps inbound message ids in Redis with SET NX so several processes
// can share one de-duplication window.
type RedisDedup struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// Compile-time check that RedisDedup implements DedupRepo.
var _ DedupRepo = (*RedisDedup)(nil)

// NewRedisDedup connects to Redis at addr.
func NewRedisDedup(addr, password, prefix string, ttl time.Duration) (*RedisDedup, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("dedup redis addr is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "sakepipe:inbound"
	}
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &RedisDedup{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		prefix: prefix,
		ttl:    ttl,
	}, nil
}

func (d *RedisDedup) key(messageID string) string {
	return fmt.Sprintf("%s:%s", d.prefix, messageID)
}

func (d *RedisDedup) RecordInbound(ctx context.Context, messageID, phone string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.key(messageID), phone, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis dedup record failed: %w", err)
	}
	return ok, nil
}

// MarkProcessed replaces the stored value with the processing time, keeping the TTL.
func (d *RedisDedup) MarkProcessed(ctx context.Context, messageID string) error {
	err := d.client.Set(ctx, d.key(messageID), "processed:"+time.Now().UTC().Format(time.RFC3339), redis.KeepTTL).Err()
	if err != nil {
		return fmt.Errorf("redis dedup mark processed failed: %w", err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (d *RedisDedup) Close() error {
	return d.client.Close()
}
