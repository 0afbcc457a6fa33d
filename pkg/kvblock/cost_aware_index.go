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

	"github.com/dgraph-io/ristretto/v2"
	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-batching-engine/pkg/utils/logging"
)

const (
	defaultCostAwareNumCounters = 1e7
	defaultCostAwareSize        = "64MiB"
	defaultCostAwareBufferItems = 64
)

// CostAwareIndexConfig holds the configuration for the CostAwareIndex.
type CostAwareIndexConfig struct {
	// Size is the maximum memory the index may use. Supports
	// human-readable formats like "64MiB", "1GB".
	Size string `json:"size,omitempty"`
}

// DefaultCostAwareIndexConfig returns a default configuration for the
// CostAwareIndex.
func DefaultCostAwareIndexConfig() *CostAwareIndexConfig {
	return &CostAwareIndexConfig{Size: defaultCostAwareSize}
}

// CostAwareIndex implements Index on a ristretto cache, bounding the
// discoverability window by memory cost instead of entry count. Admission
// is probabilistic and writes are buffered; the BlockManager's hit
// validation makes both safe.
type CostAwareIndex struct {
	data *ristretto.Cache[uint64, []int]
}

var _ Index = &CostAwareIndex{}

// NewCostAwareIndex creates a new CostAwareIndex instance.
func NewCostAwareIndex(cfg *CostAwareIndexConfig) (*CostAwareIndex, error) {
	if cfg == nil {
		cfg = DefaultCostAwareIndexConfig()
	}

	sizeBytes, err := humanize.ParseBytes(cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cost-aware index size: %w", err)
	}

	cache, err := ristretto.NewCache(&ristretto.Config[uint64, []int]{
		NumCounters: defaultCostAwareNumCounters,
		MaxCost:     int64(sizeBytes), //nolint:gosec // bounded by ParseBytes
		BufferItems: defaultCostAwareBufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cost-aware index: %w", err)
	}

	return &CostAwareIndex{data: cache}, nil
}

// Lookup returns the block ids recorded for hash.
func (c *CostAwareIndex) Lookup(ctx context.Context, hash uint64) ([]int, bool) {
	ids, ok := c.data.Get(hash)
	if !ok {
		klog.FromContext(ctx).V(logging.TRACE).Info("prefix index miss", "hash", hash)
	}
	return ids, ok
}

// Add records the block ids for hash. The cost is the entry's approximate
// byte size: the key plus one machine word per layer.
func (c *CostAwareIndex) Add(_ context.Context, hash uint64, blockIDs []int) {
	cost := int64(8 + 8*len(blockIDs))
	c.data.Set(hash, blockIDs, cost)
}

// Remove drops the entry for hash.
func (c *CostAwareIndex) Remove(_ context.Context, hash uint64) {
	c.data.Del(hash)
}

// Wait flushes buffered writes; tests use it to make Add visible.
func (c *CostAwareIndex) Wait() { c.data.Wait() }

// Close releases the underlying cache.
func (c *CostAwareIndex) Close() { c.data.Close() }
