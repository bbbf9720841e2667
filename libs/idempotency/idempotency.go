package idempotency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "ledger:idem:"

	statePending = "pending"
	stateDone    = "done"
)

var ErrEmptyKey = errors.New("idempotency key is required")

// Guard deduplicates work keyed by an external id. Claim succeeds for exactly
// one caller until the claim is released or expires; Complete keeps the key
// claimed for the done TTL so redeliveries are skipped.
type Guard interface {
	Claim(ctx context.Context, key string) (bool, error)
	Complete(ctx context.Context, key string) error
	Release(ctx context.Context, key string) error
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisGuard struct {
	client     *redis.Client
	prefix     string
	pendingTTL time.Duration
	doneTTL    time.Duration
}

func NewRedisGuard(client *redis.Client, prefix string, pendingTTL, doneTTL time.Duration) *RedisGuard {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisGuard{
		client:     client,
		prefix:     prefix,
		pendingTTL: pendingTTL,
		doneTTL:    doneTTL,
	}
}

func (g *RedisGuard) Claim(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	ok, err := g.client.SetNX(ctx, g.prefix+key, statePending, g.pendingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	return ok, nil
}

func (g *RedisGuard) Complete(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := g.client.Set(ctx, g.prefix+key, stateDone, g.doneTTL).Err(); err != nil {
		return fmt.Errorf("complete %s: %w", key, err)
	}
	return nil
}

// Release drops a pending claim so the work can be retried. Completed keys are kept.
func (g *RedisGuard) Release(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := releaseScript.Run(ctx, g.client, []string{g.prefix + key}, statePending).Err(); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

// MemoryGuard is a process-local Guard for tests and single-instance runs.
type MemoryGuard struct {
	mu         sync.Mutex
	entries    map[string]memoryEntry
	pendingTTL time.Duration
	doneTTL    time.Duration
	now        func() time.Time
}

type memoryEntry struct {
	state   string
	expires time.Time
}

func NewMemoryGuard(pendingTTL, doneTTL time.Duration) *MemoryGuard {
	return &MemoryGuard{
		entries:    make(map[string]memoryEntry),
		pendingTTL: pendingTTL,
		doneTTL:    doneTTL,
		now:        time.Now,
	}
}

func (g *MemoryGuard) Claim(_ context.Context, key string) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if entry, ok := g.entries[key]; ok && (entry.expires.IsZero() || now.Before(entry.expires)) {
		return false, nil
	}
	g.entries[key] = memoryEntry{state: statePending, expires: expiry(now, g.pendingTTL)}
	return true, nil
}

func (g *MemoryGuard) Complete(_ context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries[key] = memoryEntry{state: stateDone, expires: expiry(g.now(), g.doneTTL)}
	return nil
}

func (g *MemoryGuard) Release(_ context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if entry, ok := g.entries[key]; ok && entry.state == statePending {
		delete(g.entries, key)
	}
	return nil
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
