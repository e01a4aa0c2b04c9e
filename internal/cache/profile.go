package cache

import (
	"auth_api/internal/models"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"
)

const (
	keyPrefix = "auth:profile:"

	// tombstone marks an invalidated key so that loads which started before
	// the invalidation cannot write their result back with SETNX.
	tombstone    = "-"
	tombstoneTTL = 30 * time.Second
)

// Client is the subset of *redis.Client used by ProfileCache.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Loader reads a profile from the source of truth.
type Loader func(ctx context.Context) (models.PublicUser, error)

// ProfileCache is a read-through Redis cache of public profiles. Redis
// failures never fail a read: the breaker opens and reads go straight to the
// loader until Redis recovers.
type ProfileCache struct {
	client  Client
	ttl     time.Duration
	breaker *gobreaker.CircuitBreaker
	group   singleflight.Group
	log     *slog.Logger

	mu sync.Mutex
	// loading holds the keys with a load in flight; Invalidate flags them so
	// the result is not cached.
	loading map[string]*pendingLoad
	// stale holds keys whose invalidation did not reach Redis. They bypass
	// Redis until an invalidation succeeds.
	stale map[string]struct{}
}

type pendingLoad struct {
	invalidated bool
}

func NewProfileCache(client Client, ttl time.Duration, log *slog.Logger) *ProfileCache {
	st := gobreaker.Settings{
		Name:        "redis-profile-cache",
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				slog.String("name", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	}

	return &ProfileCache{
		client:  client,
		ttl:     ttl,
		breaker: gobreaker.NewCircuitBreaker(st),
		log:     log,
		loading: make(map[string]*pendingLoad),
		stale:   make(map[string]struct{}),
	}
}

// Fetch returns the cached profile for id, or calls load once per id across
// concurrent callers and caches its result. A result is not cached when id
// was invalidated while it was being loaded.
func (c *ProfileCache) Fetch(ctx context.Context, id uuid.UUID, load Loader) (models.PublicUser, error) {
	const op = "cache.Fetch"

	log := c.log.With(slog.String("op", op))
	key := profileKey(id)

	if c.isStale(key) {
		if err := c.invalidate(ctx, key); err != nil {
			return load(ctx)
		}
	}

	cached, err := c.breaker.Execute(func() (interface{}, error) {
		res, err := c.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return res, nil
	})
	if err != nil {
		log.Warn("cache unavailable, reading through", slog.Any("error", err))
	}

	if raw, ok := cached.(string); ok && raw != tombstone {
		var user models.PublicUser
		if err := json.Unmarshal([]byte(raw), &user); err == nil {
			return user, nil
		}
		log.Warn("failed to decode cached profile", slog.String("key", key))
	}

	result, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Followers share this load, so the caller that started it must not
		// cancel it for them.
		loadCtx := context.WithoutCancel(ctx)

		pending := c.beginLoad(key)
		defer c.endLoad(key)

		user, err := load(loadCtx)
		if err != nil {
			return nil, err
		}
		if !c.wasInvalidated(pending) {
			c.store(loadCtx, key, user)
		}

		return user, nil
	})
	if err != nil {
		return models.PublicUser{}, err
	}

	return result.(models.PublicUser), nil
}

// Invalidate drops the cached profile for id. Loads of id already in flight
// will not cache their result. If Redis cannot be reached, id bypasses the
// cache until a later invalidation succeeds.
func (c *ProfileCache) Invalidate(ctx context.Context, id uuid.UUID) {
	const op = "cache.Invalidate"

	key := profileKey(id)

	c.mu.Lock()
	if pending, ok := c.loading[key]; ok {
		pending.invalidated = true
	}
	c.mu.Unlock()

	if err := c.invalidate(ctx, key); err != nil {
		c.log.Warn("failed to invalidate cached profile",
			slog.String("op", op),
			slog.String("user_id", id.String()),
			slog.Any("error", err),
		)
	}
}

// Ping checks the Redis connection.
func (c *ProfileCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache.Ping: %w", err)
	}

	return nil
}

func (c *ProfileCache) invalidate(ctx context.Context, key string) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.client.Set(ctx, key, tombstone, tombstoneTTL).Err()
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.stale[key] = struct{}{}
		return err
	}
	delete(c.stale, key)

	return nil
}

func (c *ProfileCache) isStale(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.stale[key]
	return ok
}

func (c *ProfileCache) beginLoad(key string) *pendingLoad {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := &pendingLoad{}
	c.loading[key] = pending
	return pending
}

func (c *ProfileCache) endLoad(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.loading, key)
}

func (c *ProfileCache) wasInvalidated(pending *pendingLoad) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return pending.invalidated
}

// store writes user unless key is already set, which leaves a tombstone
// written by a concurrent Invalidate in place.
func (c *ProfileCache) store(ctx context.Context, key string, user models.PublicUser) {
	data, err := json.Marshal(user)
	if err != nil {
		return
	}

	_, err = c.breaker.Execute(func() (interface{}, error) {
		return nil, c.client.SetNX(ctx, key, string(data), c.ttl).Err()
	})
	if err != nil {
		c.log.Warn("failed to write cached profile", slog.String("key", key), slog.Any("error", err))
	}
}

func profileKey(id uuid.UUID) string {
	return keyPrefix + id.String()
}
