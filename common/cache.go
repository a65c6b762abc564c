package common

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coocood/freecache"
	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"
)

// DefaultCacheSize is the freecache arena size used when none is given.
// freecache rejects entries larger than 1/1024 of the arena, so 16 MB keeps
// entries up to ~16 KB, well above any JWT we expect.
const DefaultCacheSize = 16 * 1024 * 1024

const redisOpTimeout = 3 * time.Second

// CacheRepository defines a minimal interface for a key/value cache.
// The values are stored as raw []byte. A zero expiration means the entry
// never expires. Set reports when the value was not stored.
//
// Backed by:
//   - freecache, in process (NewCacheStore)
//   - Redis (NewRedisCache)
//   - a JSON file on disk (NewFileCache)
type CacheRepository interface {
	Get(key string) (value []byte, found bool)
	Set(key string, value []byte, expiration time.Duration) error
	Delete(key string)
}

var (
	_ CacheRepository = (*cacheStore)(nil)
	_ CacheRepository = (*redisCache)(nil)
	_ CacheRepository = (*fileCache)(nil)
)

type cacheStore struct {
	cache *freecache.Cache
}

// NewCacheStore returns an in-process CacheRepository. sizeBytes <= 0 uses DefaultCacheSize.
func NewCacheStore(sizeBytes int) CacheRepository {
	if sizeBytes <= 0 {
		sizeBytes = DefaultCacheSize
	}
	return &cacheStore{
		cache: freecache.NewCache(sizeBytes),
	}
}

func (c *cacheStore) Get(key string) ([]byte, bool) {
	value, err := c.cache.Get([]byte(key))
	if err != nil {
		return nil, false
	}
	return value, true
}

func (c *cacheStore) Set(key string, value []byte, expiration time.Duration) error {
	if err := c.cache.Set([]byte(key), value, int(expiration.Seconds())); err != nil {
		return fmt.Errorf("cache set [%s] (%d bytes): %w", key, len(value), err)
	}
	return nil
}

func (c *cacheStore) Delete(key string) {
	c.cache.Del([]byte(key))
}

type redisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache returns a CacheRepository persisted in Redis. Every key is
// prefixed with prefix. Read errors are logged and reported as misses.
func NewRedisCache(client *redis.Client, prefix string) CacheRepository {
	return &redisCache{
		client: client,
		prefix: prefix,
	}
}

func (c *redisCache) Get(key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	value, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Errorf("redis cache get [%s]: %s", key, err)
		}
		return nil, false
	}
	return value, true
}

func (c *redisCache) Set(key string, value []byte, expiration time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	if err := c.client.Set(ctx, c.prefix+key, value, expiration).Err(); err != nil {
		return fmt.Errorf("redis cache set [%s]: %w", key, err)
	}
	return nil
}

func (c *redisCache) Delete(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		log.Errorf("redis cache delete [%s]: %s", key, err)
	}
}
