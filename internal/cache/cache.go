package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"rotation-service/internal/models"
	"rotation-service/internal/rotation"
)

// ErrMiss is returned when the key is absent or caching is disabled.
var ErrMiss = errors.New("cache miss")

// Cache fronts hot schedule reads with Redis. A nil client disables caching;
// every read misses and every write is a no-op, so callers never branch on
// whether Redis is configured.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func New(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, prefix: "rotation", ttl: ttl}
}

// GetState returns the cached on-call state.
func (c *Cache) GetState(ctx context.Context) (models.CurrentState, error) {
	var s models.CurrentState
	if c == nil || c.client == nil {
		return s, ErrMiss
	}
	result, err := c.client.Get(ctx, c.key("state")).Result()
	if err != nil {
		if err == redis.Nil {
			return s, ErrMiss
		}
		return s, err
	}
	if err := json.Unmarshal([]byte(result), &s); err != nil {
		return s, err
	}
	return s, nil
}

// SetState stores the on-call state for the configured TTL.
func (c *Cache) SetState(ctx context.Context, s models.CurrentState) error {
	if c == nil || c.client == nil {
		return nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key("state"), b, c.ttl).Err()
}

// InvalidateState drops the cached state. Writers call this after every
// reconcile so readers never see an assignment map older than the store.
func (c *Cache) InvalidateState(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, c.key("state")).Err()
}

// GetLists returns the cached rotation lists. Only read paths consume this;
// reconciliation always loads fresh lists.
func (c *Cache) GetLists(ctx context.Context) ([]rotation.List, error) {
	if c == nil || c.client == nil {
		return nil, ErrMiss
	}
	result, err := c.client.Get(ctx, c.key("lists")).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrMiss
		}
		return nil, err
	}
	var lists []rotation.List
	if err := json.Unmarshal([]byte(result), &lists); err != nil {
		return nil, err
	}
	return lists, nil
}

// SetLists stores the rotation lists for the configured TTL.
func (c *Cache) SetLists(ctx context.Context, lists []rotation.List) error {
	if c == nil || c.client == nil {
		return nil
	}
	b, err := json.Marshal(lists)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key("lists"), b, c.ttl).Err()
}

func (c *Cache) key(suffix string) string {
	return c.prefix + ":" + suffix
}
