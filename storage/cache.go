package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"boardsync/domain"
)

type backend interface {
	FetchBoard(ctx context.Context, boardID string) (domain.BoardSnapshot, error)
	CreateBoard(ctx context.Context, title, owner string) (domain.Board, error)
	CreateList(ctx context.Context, boardID, title string) (domain.List, error)
	CreateCard(ctx context.Context, boardID, listID, title, notes string) (domain.Card, error)
	UpdateCard(ctx context.Context, boardID, cardID string, patch domain.CardPatch) (domain.Card, string, error)
	UpdateList(ctx context.Context, boardID, listID string, patch domain.ListPatch) (domain.List, error)
	EnqueueActivity(ctx context.Context, ev domain.Event) error
}

// Cache wraps a Storage instance with Redis-backed caching for board
// snapshot reads. Any write to a board evicts its snapshot; peers that were
// told to re-fetch after a relay notification then see committed state.
type Cache struct {
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) FetchBoard(ctx context.Context, boardID string) (domain.BoardSnapshot, error) {
	if snap, ok := c.loadFromCache(ctx, boardID); ok {
		return snap, nil
	}
	snap, err := c.base.FetchBoard(ctx, boardID)
	if err != nil {
		return domain.BoardSnapshot{}, err
	}
	c.store(ctx, boardID, snap)
	return snap, nil
}

func (c *Cache) CreateBoard(ctx context.Context, title, owner string) (domain.Board, error) {
	return c.base.CreateBoard(ctx, title, owner)
}

func (c *Cache) CreateList(ctx context.Context, boardID, title string) (domain.List, error) {
	l, err := c.base.CreateList(ctx, boardID, title)
	if err != nil {
		return domain.List{}, err
	}
	c.evict(ctx, boardID)
	return l, nil
}

func (c *Cache) CreateCard(ctx context.Context, boardID, listID, title, notes string) (domain.Card, error) {
	card, err := c.base.CreateCard(ctx, boardID, listID, title, notes)
	if err != nil {
		return domain.Card{}, err
	}
	c.evict(ctx, boardID)
	return card, nil
}

func (c *Cache) UpdateCard(ctx context.Context, boardID, cardID string, patch domain.CardPatch) (domain.Card, string, error) {
	card, sourceListID, err := c.base.UpdateCard(ctx, boardID, cardID, patch)
	if err != nil {
		return domain.Card{}, "", err
	}
	c.evict(ctx, boardID)
	return card, sourceListID, nil
}

func (c *Cache) UpdateList(ctx context.Context, boardID, listID string, patch domain.ListPatch) (domain.List, error) {
	list, err := c.base.UpdateList(ctx, boardID, listID, patch)
	if err != nil {
		return domain.List{}, err
	}
	c.evict(ctx, boardID)
	return list, nil
}

func (c *Cache) EnqueueActivity(ctx context.Context, ev domain.Event) error {
	return c.base.EnqueueActivity(ctx, ev)
}

func (c *Cache) loadFromCache(ctx context.Context, boardID string) (domain.BoardSnapshot, bool) {
	if c.redis == nil {
		return domain.BoardSnapshot{}, false
	}
	data, err := c.redis.Get(ctx, boardCacheKey(boardID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, boardCacheKey(boardID)).Err()
		}
		return domain.BoardSnapshot{}, false
	}
	var snap domain.BoardSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		_ = c.redis.Del(ctx, boardCacheKey(boardID)).Err()
		return domain.BoardSnapshot{}, false
	}
	return snap, true
}

func (c *Cache) store(ctx context.Context, boardID string, snap domain.BoardSnapshot) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, boardCacheKey(boardID), data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, boardID string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, boardCacheKey(boardID)).Result()
}

func boardCacheKey(boardID string) string {
	return "board:" + boardID
}
