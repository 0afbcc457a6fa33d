/*
Copyright 2025 The llm-d Authors.

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

package kvblock

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"k8s.io/klog/v2"
)

// RedisIndexConfig holds the configuration for the RedisIndex.
type RedisIndexConfig struct {
	Address string `json:"address,omitempty"` // Redis server address
	// KeyPrefix namespaces the entries; engines sharing one Redis must
	// use distinct prefixes since block ids are engine-local.
	KeyPrefix string `json:"keyPrefix,omitempty"`
}

// DefaultRedisIndexConfig returns a default configuration for the
// RedisIndex.
func DefaultRedisIndexConfig() *RedisIndexConfig {
	return &RedisIndexConfig{
		Address:   "redis://127.0.0.1:6379",
		KeyPrefix: "kvblock",
	}
}

// RedisIndex implements Index on a Redis backend so that external routers
// can discover which prefixes this engine currently holds.
type RedisIndex struct {
	client    *redis.Client
	keyPrefix string
}

var _ Index = &RedisIndex{}

// NewRedisIndex creates a new RedisIndex instance.
func NewRedisIndex(config *RedisIndexConfig) (*RedisIndex, error) {
	if config == nil {
		config = DefaultRedisIndexConfig()
	}

	addr := config.Address
	if !strings.HasPrefix(addr, "redis://") &&
		!strings.HasPrefix(addr, "rediss://") &&
		!strings.HasPrefix(addr, "unix://") {
		addr = "redis://" + addr
	}

	redisOpt, err := redis.ParseURL(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redisURL: %w", err)
	}

	client := redis.NewClient(redisOpt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "kvblock"
	}

	return &RedisIndex{client: client, keyPrefix: keyPrefix}, nil
}

func (r *RedisIndex) key(hash uint64) string {
	return fmt.Sprintf("%s:%016x", r.keyPrefix, hash)
}

// Lookup returns the block ids recorded for hash.
func (r *RedisIndex) Lookup(ctx context.Context, hash uint64) ([]int, bool) {
	payload, err := r.client.Get(ctx, r.key(hash)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			klog.FromContext(ctx).Error(err, "redis lookup failed", "hash", hash)
		}
		return nil, false
	}

	var ids []int
	if err := msgpack.Unmarshal(payload, &ids); err != nil {
		klog.FromContext(ctx).Error(err, "failed to decode index entry", "hash", hash)
		return nil, false
	}
	return ids, true
}

// Add records the block ids for hash.
func (r *RedisIndex) Add(ctx context.Context, hash uint64, blockIDs []int) {
	payload, err := msgpack.Marshal(blockIDs)
	if err != nil {
		klog.FromContext(ctx).Error(err, "failed to encode index entry", "hash", hash)
		return
	}

	if err := r.client.Set(ctx, r.key(hash), payload, 0).Err(); err != nil {
		klog.FromContext(ctx).Error(err, "redis add failed", "hash", hash)
	}
}

// Remove drops the entry for hash.
func (r *RedisIndex) Remove(ctx context.Context, hash uint64) {
	if err := r.client.Del(ctx, r.key(hash)).Err(); err != nil {
		klog.FromContext(ctx).Error(err, "redis remove failed", "hash", hash)
	}
}

// Close releases the Redis client.
func (r *RedisIndex) Close() error { return r.client.Close() }
