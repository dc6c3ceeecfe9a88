package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"partner-portal/internal/models"

	"github.com/redis/go-redis/v9"
)

// Cache stores resolved identities keyed by principal id. Every entry is
// guarded by a per-principal generation that Invalidate bumps, so a resolve
// that started before an invalidation can never store its stale result.
type Cache interface {
	Get(ctx context.Context, principalID string) (*models.ResolvedIdentity, bool, error)
	Generation(ctx context.Context, principalID string) (uint64, error)
	SetIfGeneration(ctx context.Context, id *models.ResolvedIdentity, gen uint64) (bool, error)
	Invalidate(ctx context.Context, principalID string) error
}

// ==========================================
// In-process cache
// ==========================================

type memoryEntry struct {
	identity models.ResolvedIdentity
	expires  time.Time
}

type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
	gens    map[string]uint64
	now     func() time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		ttl:     ttl,
		entries: map[string]memoryEntry{},
		gens:    map[string]uint64{},
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, principalID string) (*models.ResolvedIdentity, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[principalID]
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, principalID)
		return nil, false, nil
	}
	id := e.identity
	return &id, true, nil
}

func (c *MemoryCache) Generation(_ context.Context, principalID string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[principalID], nil
}

func (c *MemoryCache) SetIfGeneration(_ context.Context, id *models.ResolvedIdentity, gen uint64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[id.PrincipalID] != gen {
		return false, nil
	}
	c.entries[id.PrincipalID] = memoryEntry{identity: *id, expires: c.now().Add(c.ttl)}
	return true, nil
}

func (c *MemoryCache) Invalidate(_ context.Context, principalID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, principalID)
	c.gens[principalID]++
	return nil
}

// ==========================================
// Redis cache, shared across replicas
// ==========================================

// setIfGenScript writes KEYS[1] only while KEYS[2] still holds ARGV[1].
var setIfGenScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[2])
if not cur then cur = '0' end
if cur ~= ARGV[1] then return 0 end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

type RedisCache struct {
	client redis.Cmdable
	ttl    time.Duration
	prefix string
}

func NewRedisCache(client redis.Cmdable, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, prefix: "identity:"}
}

func (c *RedisCache) entryKey(id string) string { return c.prefix + id }
func (c *RedisCache) genKey(id string) string   { return c.prefix + "gen:" + id }

func (c *RedisCache) Get(ctx context.Context, principalID string) (*models.ResolvedIdentity, bool, error) {
	val, err := c.client.Get(ctx, c.entryKey(principalID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("identity cache get: %w", err)
	}
	var id models.ResolvedIdentity
	if err := json.Unmarshal([]byte(val), &id); err != nil {
		return nil, false, nil
	}
	return &id, true, nil
}

func (c *RedisCache) Generation(ctx context.Context, principalID string) (uint64, error) {
	val, err := c.client.Get(ctx, c.genKey(principalID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("identity cache generation: %w", err)
	}
	gen, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("identity cache generation %q: %w", val, err)
	}
	return gen, nil
}

func (c *RedisCache) SetIfGeneration(ctx context.Context, id *models.ResolvedIdentity, gen uint64) (bool, error) {
	data, err := json.Marshal(id)
	if err != nil {
		return false, err
	}
	stored, err := setIfGenScript.Run(ctx, c.client,
		[]string{c.entryKey(id.PrincipalID), c.genKey(id.PrincipalID)},
		strconv.FormatUint(gen, 10), string(data), c.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("identity cache set: %w", err)
	}
	return stored == 1, nil
}

// Invalidate deletes the entry and bumps the generation atomically.
func (c *RedisCache) Invalidate(ctx context.Context, principalID string) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, c.entryKey(principalID))
		pipe.Incr(ctx, c.genKey(principalID))
		pipe.Expire(ctx, c.genKey(principalID), 24*time.Hour)
		return nil
	})
	if err != nil {
		return fmt.Errorf("identity cache invalidate: %w", err)
	}
	return nil
}

var (
	_ Cache = (*MemoryCache)(nil)
	_ Cache = (*RedisCache)(nil)
)
