package storage

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"board-sync/domain"
)

type boardLoader interface {
	LoadBoard(ctx context.Context, boardID string) (domain.Board, error)
}

// Cache wraps a board loader with a Redis-backed copy of recent loads.
type Cache struct {
	base  boardLoader
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching loader using the provided Redis client and TTL.
// A zero TTL disables storing.
func NewCache(base boardLoader, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base loader is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

type cachedBoard struct {
	Columns []domain.Column `json:"columns"`
	Tasks   []domain.Task   `json:"tasks"`
}

func (c *Cache) LoadBoard(ctx context.Context, boardID string) (domain.Board, error) {
	if b, ok := c.loadFromCache(ctx, boardID); ok {
		return b, nil
	}

	b, err := c.base.LoadBoard(ctx, boardID)
	if err != nil {
		return domain.Board{}, err
	}

	c.store(ctx, b)
	return b, nil
}

// Evict drops the cached copy of a board.
func (c *Cache) Evict(ctx context.Context, boardID string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, boardCacheKey(boardID)).Err()
}

func (c *Cache) loadFromCache(ctx context.Context, boardID string) (domain.Board, bool) {
	if c.redis == nil {
		return domain.Board{}, false
	}
	data, err := c.redis.Get(ctx, boardCacheKey(boardID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, boardCacheKey(boardID)).Err()
		}
		return domain.Board{}, false
	}
	var cb cachedBoard
	if err := sonic.Unmarshal(data, &cb); err != nil {
		_ = c.redis.Del(ctx, boardCacheKey(boardID)).Err()
		return domain.Board{}, false
	}
	return domain.NewBoard(boardID, cb.Columns, cb.Tasks), true
}

func (c *Cache) store(ctx context.Context, b domain.Board) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	var cb cachedBoard
	for _, col := range b.Columns() {
		cb.Columns = append(cb.Columns, col.Column)
		cb.Tasks = append(cb.Tasks, col.Tasks...)
	}
	data, err := sonic.Marshal(cb)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, boardCacheKey(b.ID()), data, c.ttl).Err()
}

func boardCacheKey(boardID string) string {
	return "board:" + boardID + ":snapshot"
}
