package overdue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"IRIS-lending/internal/platform/clock"
)

// Ledger remembers which reminders went out so a sweep does not repeat them.
type Ledger interface {
	// MarkSent returns true when key was not marked within the last ttl and
	// marks it now; false means the reminder was already sent.
	MarkSent(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// MemoryLedger is a single-process Ledger. Marks are lost on restart.
type MemoryLedger struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]time.Time // key -> expires at
}

func NewMemoryLedger(c clock.Clock) *MemoryLedger {
	if c == nil {
		c = clock.Real{}
	}
	return &MemoryLedger{clock: c, entries: map[string]time.Time{}}
}

func (l *MemoryLedger) MarkSent(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if exp, ok := l.entries[key]; ok && now.Before(exp) {
		return false, nil
	}
	l.entries[key] = now.Add(ttl)

	// 期限切れの掃除
	for k, exp := range l.entries {
		if !now.Before(exp) {
			delete(l.entries, k)
		}
	}
	return true, nil
}

func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// RedisLedger shares reminder marks between instances via SET NX with a TTL.
type RedisLedger struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisLedger(client *redis.Client, keyPrefix string) *RedisLedger {
	if keyPrefix == "" {
		keyPrefix = "iris:reminder:"
	}
	return &RedisLedger{client: client, keyPrefix: keyPrefix}
}

func (l *RedisLedger) MarkSent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.keyPrefix+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark reminder %s: %w", key, err)
	}
	return ok, nil
}

func (l *RedisLedger) Close() error {
	return l.client.Close()
}

var (
	_ Ledger = (*MemoryLedger)(nil)
	_ Ledger = (*RedisLedger)(nil)
)
