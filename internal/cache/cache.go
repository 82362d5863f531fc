/*
Copyright 2026 The kra-vscu-microservice Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"

	"github.com/Solvitwithus/kra-vscu-microservice/config"
	redis_db "github.com/Solvitwithus/kra-vscu-microservice/internal/redis-db"
)

// Cache is the small key/value surface used for caller identities.
type Cache interface {
	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Get decodes the value stored under key into data. A miss is not an
	// error and leaves data untouched.
	Get(ctx context.Context, key string, data interface{}) error

	Delete(ctx context.Context, key string) error
}

// RedisCache keeps entries in Redis with a TinyLFU in-process layer in front.
type RedisCache struct {
	cache *cache.Cache
}

// local entries are short lived so a revoked device stops resolving quickly
const (
	cacheSize     = 10000
	localCacheTTL = 1 * time.Minute
)

// NewCache builds a RedisCache from the loaded configuration.
//
// Returns:
// - Cache: a cache backed by the configured Redis.
// - error: if the configuration is not loaded or the Redis client cannot be created.
func NewCache() (Cache, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	client, err := redis_db.NewRedisClient(redis_db.SplitAddresses(cfg.Redis.Dns), cfg.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}
	return NewRedisCache(client.Client()), nil
}

// NewRedisCache wraps an existing client with a local TinyLFU layer.
//
// Parameters:
// - client: the Redis client entries are stored in.
//
// Returns:
// - *RedisCache: the cache.
func NewRedisCache(client redis.UniversalClient) *RedisCache {
	c := cache.New(&cache.Options{
		Redis:      client,
		LocalCache: cache.NewTinyLFU(cacheSize, localCacheTTL),
	})
	return &RedisCache{cache: c}
}

// Set stores data under key for ttl in both Redis and the local layer.
func (r *RedisCache) Set(ctx context.Context, key string, data interface{}, ttl time.Duration) error {
	return r.cache.Set(&cache.Item{
		Ctx:   ctx,
		Key:   key,
		Value: data,
		TTL:   ttl,
	})
}

// Get decodes the entry under key into data. A miss returns nil and leaves
// data unchanged, so callers check a field of data to detect it.
func (r *RedisCache) Get(ctx context.Context, key string, data interface{}) error {
	err := r.cache.Get(ctx, key, data)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	return err
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	err := r.cache.Delete(ctx, key)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	return err
}
