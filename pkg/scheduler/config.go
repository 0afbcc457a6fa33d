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

package scheduler

import (
	"fmt"

	"github.com/llm-d/llm-d-batching-engine/pkg/eviction"
	"github.com/llm-d/llm-d-batching-engine/pkg/kvblock"
)

// Config holds the iteration scheduler's knobs and the KV pool dimensions.
type Config struct {
	// MaxNumBatchedTokens caps the tokens scheduled per step (the
	// mega-batch).
	MaxNumBatchedTokens int `json:"maxNumBatchedTokens"`
	// MaxNumSeqs caps concurrent request groups in vLLM mode.
	MaxNumSeqs int `json:"maxNumSeqs"`

	NumKVBlocks int `json:"numKVBlocks"`
	BlockSize   int `json:"blockSize"`

	// DynamicSplitFuse prioritizes decode work and fills the remaining
	// mega-batch with prompt chunks; off means vLLM-style whole-prompt
	// admission.
	DynamicSplitFuse bool `json:"dynamicSplitFuse"`

	EnablePrefixCaching bool   `json:"enablePrefixCaching"`
	HashSeed            string `json:"hashSeed"`
	// PrefixIndexConfig selects the prefix-hash index backend.
	PrefixIndexConfig *kvblock.IndexConfig `json:"prefixIndexConfig,omitempty"`

	UseCacheEviction    bool             `json:"useCacheEviction"`
	CacheEvictionConfig *eviction.Config `json:"cacheEvictionConfig,omitempty"`
}

// DefaultConfig mirrors vLLM's defaults at a small scale.
func DefaultConfig() *Config {
	return &Config{
		MaxNumBatchedTokens: 2048,
		MaxNumSeqs:          256,
		NumKVBlocks:         1024,
		BlockSize:           16,
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.MaxNumBatchedTokens <= 0 {
		return fmt.Errorf("maxNumBatchedTokens must be positive, got %d", c.MaxNumBatchedTokens)
	}
	if c.MaxNumSeqs <= 0 {
		return fmt.Errorf("maxNumSeqs must be positive, got %d", c.MaxNumSeqs)
	}
	if c.MaxNumSeqs > c.MaxNumBatchedTokens {
		return fmt.Errorf("maxNumBatchedTokens (%d) must be >= maxNumSeqs (%d)",
			c.MaxNumBatchedTokens, c.MaxNumSeqs)
	}
	if c.NumKVBlocks <= 0 || c.BlockSize <= 0 {
		return fmt.Errorf("kv pool dimensions must be positive: blocks=%d size=%d",
			c.NumKVBlocks, c.BlockSize)
	}
	if c.UseCacheEviction {
		if c.CacheEvictionConfig == nil {
			return fmt.Errorf("useCacheEviction requires a cacheEvictionConfig")
		}
		if err := c.CacheEvictionConfig.Validate(); err != nil {
			return err
		}
	}
	return nil
}
