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
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-batching-engine/pkg/utils/logging"
)

// defaultInMemoryIndexSize bounds how many prefix hashes stay discoverable.
const defaultInMemoryIndexSize = 1e6

// Index maps prefix-content hashes to the per-layer physical block ids
// holding that content. An entry is discoverability only: the BlockManager
// validates every hit against live block metadata, so backends are free to
// drop entries at any time (LRU, cost pressure, remote expiry).
type Index interface {
	// Lookup returns the per-layer block ids recorded for hash.
	Lookup(ctx context.Context, hash uint64) ([]int, bool)
	// Add records hash as held by the given per-layer block ids.
	Add(ctx context.Context, hash uint64, blockIDs []int)
	// Remove drops the entry for hash.
	Remove(ctx context.Context, hash uint64)
}

// IndexConfig selects the index backend. If multiple backends are
// configured, only the first one is used.
type IndexConfig struct {
	// InMemoryConfig holds the configuration for the in-memory LRU index.
	InMemoryConfig *InMemoryIndexConfig `json:"inMemoryConfig"`
	// CostAwareConfig holds the configuration for the ristretto-backed index.
	CostAwareConfig *CostAwareIndexConfig `json:"costAwareConfig"`
	// RedisConfig holds the configuration for the Redis index.
	RedisConfig *RedisIndexConfig `json:"redisConfig"`
}

// DefaultIndexConfig returns a default configuration backed by the
// in-memory index.
func DefaultIndexConfig() *IndexConfig {
	return &IndexConfig{
		InMemoryConfig: DefaultInMemoryIndexConfig(),
	}
}

// NewIndex creates an Index based on the provided configuration.
func NewIndex(ctx context.Context, config *IndexConfig) (Index, error) {
	if config == nil {
		config = DefaultIndexConfig()
	}

	switch {
	case config.InMemoryConfig != nil:
		return NewInMemoryIndex(config.InMemoryConfig)
	case config.CostAwareConfig != nil:
		klog.FromContext(ctx).Info("using cost-aware prefix index")
		return NewCostAwareIndex(config.CostAwareConfig)
	case config.RedisConfig != nil:
		klog.FromContext(ctx).Info("using Redis prefix index",
			"address", config.RedisConfig.Address)
		return NewRedisIndex(config.RedisConfig)
	default:
		return NewInMemoryIndex(nil)
	}
}

// InMemoryIndexConfig holds the configuration for the InMemoryIndex.
type InMemoryIndexConfig struct {
	// Size is the maximum number of hashes kept discoverable.
	Size int `json:"size"`
}

// DefaultInMemoryIndexConfig returns a default configuration for the
// InMemoryIndex.
func DefaultInMemoryIndexConfig() *InMemoryIndexConfig {
	return &InMemoryIndexConfig{Size: defaultInMemoryIndexSize}
}

// InMemoryIndex is an LRU-bounded in-memory implementation of Index.
type InMemoryIndex struct {
	data *lru.Cache[uint64, []int]
}

var _ Index = &InMemoryIndex{}

// NewInMemoryIndex creates a new InMemoryIndex instance.
func NewInMemoryIndex(cfg *InMemoryIndexConfig) (*InMemoryIndex, error) {
	if cfg == nil {
		cfg = DefaultInMemoryIndexConfig()
	}

	cache, err := lru.New[uint64, []int](cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize in-memory index: %w", err)
	}

	return &InMemoryIndex{data: cache}, nil
}

// Lookup returns the block ids recorded for hash.
func (m *InMemoryIndex) Lookup(ctx context.Context, hash uint64) ([]int, bool) {
	ids, ok := m.data.Get(hash)
	if !ok {
		klog.FromContext(ctx).V(logging.TRACE).Info("prefix index miss", "hash", hash)
	}
	return ids, ok
}

// Add records the block ids for hash.
func (m *InMemoryIndex) Add(_ context.Context, hash uint64, blockIDs []int) {
	m.data.Add(hash, blockIDs)
}

// Remove drops the entry for hash.
func (m *InMemoryIndex) Remove(_ context.Context, hash uint64) {
	m.data.Remove(hash)
}

// Len returns the number of discoverable hashes.
func (m *InMemoryIndex) Len() int { return m.data.Len() }
