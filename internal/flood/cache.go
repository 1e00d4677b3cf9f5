package flood

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// BanCache is an advisory set of banned user ids. The is_active flag in the
// users table is authoritative; the cache is rebuilt from it on startup.
type BanCache interface {
	IsBanned(ctx context.Context, id int64) (bool, error)
	Ban(ctx context.Context, id int64) error
	Unban(ctx context.Context, id int64) error
	Replace(ctx context.Context, ids []int64) error
}

// MemoryBanCache keeps the ban set in process memory.
type MemoryBanCache struct {
	mu  sync.RWMutex
	ids map[int64]struct{}
}

func NewMemoryBanCache() *MemoryBanCache {
	return &MemoryBanCache{ids: make(map[int64]struct{})}
}

func (c *MemoryBanCache) IsBanned(_ context.Context, id int64) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.ids[id]
	return ok, nil
}

func (c *MemoryBanCache) Ban(_ context.Context, id int64) error {
	c.mu.Lock()
	c.ids[id] = struct{}{}
	c.mu.Unlock()
	return nil
}

func (c *MemoryBanCache) Unban(_ context.Context, id int64) error {
	c.mu.Lock()
	delete(c.ids, id)
	c.mu.Unlock()
	return nil
}

func (c *MemoryBanCache) Replace(_ context.Context, ids []int64) error {
	next := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}
	c.mu.Lock()
	c.ids = next
	c.mu.Unlock()
	return nil
}

// RedisBanCache stores the ban set in a redis SET so several bot replicas
// share it.
type RedisBanCache struct {
	client *redis.Client
	key    string
}

func NewRedisBanCache(client *redis.Client, key string) *RedisBanCache {
	if key == "" {
		key = "masterbook:banned"
	}
	return &RedisBanCache{client: client, key: key}
}

func (c *RedisBanCache) IsBanned(ctx context.Context, id int64) (bool, error) {
	ok, err := c.client.SIsMember(ctx, c.key, strconv.FormatInt(id, 10)).Result()
	if err != nil {
		return false, fmt.Errorf("redis sismember: %w", err)
	}
	return ok, nil
}

func (c *RedisBanCache) Ban(ctx context.Context, id int64) error {
	if err := c.client.SAdd(ctx, c.key, strconv.FormatInt(id, 10)).Err(); err != nil {
		return fmt.Errorf("redis sadd: %w", err)
	}
	return nil
}

func (c *RedisBanCache) Unban(ctx context.Context, id int64) error {
	if err := c.client.SRem(ctx, c.key, strconv.FormatInt(id, 10)).Err(); err != nil {
		return fmt.Errorf("redis srem: %w", err)
	}
	return nil
}

// Replace swaps the whole set atomically.
func (c *RedisBanCache) Replace(ctx context.Context, ids []int64) error {
	members := make([]any, 0, len(ids))
	for _, id := range ids {
		members = append(members, strconv.FormatInt(id, 10))
	}
	_, err := c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, c.key)
		if len(members) > 0 {
			p.SAdd(ctx, c.key, members...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis replace ban set: %w", err)
	}
	return nil
}
