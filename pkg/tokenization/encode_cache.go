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

package tokenization

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// defaultEncodeCacheSize bounds the number of cached prompt tokenizations.
const defaultEncodeCacheSize = 4096

// EncodeCacheConfig holds the configuration for the EncodeCache.
type EncodeCacheConfig struct {
	CacheSize int `json:"cacheSize"`
}

// DefaultEncodeCacheConfig returns a default configuration for the
// EncodeCache.
func DefaultEncodeCacheConfig() *EncodeCacheConfig {
	return &EncodeCacheConfig{CacheSize: defaultEncodeCacheSize}
}

// EncodeCache memoizes prompt tokenizations in front of a Tokenizer,
// keyed by the xxhash of the prompt text. Repeated prompts — the same
// workloads that benefit from prefix caching — skip the tokenizer
// entirely on the admission path.
type EncodeCache struct {
	mu        sync.Mutex
	tokenizer Tokenizer
	cache     *lru.Cache[uint64, []int64]
}

var _ Tokenizer = &EncodeCache{}

// NewEncodeCache wraps tokenizer with a memoizing encode path.
func NewEncodeCache(config *EncodeCacheConfig, tokenizer Tokenizer) (*EncodeCache, error) {
	if config == nil {
		config = DefaultEncodeCacheConfig()
	}

	cache, err := lru.New[uint64, []int64](config.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create encode cache: %w", err)
	}

	return &EncodeCache{tokenizer: tokenizer, cache: cache}, nil
}

// Encode tokenizes text, serving repeats from the cache.
func (c *EncodeCache) Encode(text string) ([]int64, error) {
	key := xxhash.Sum64String(text)

	c.mu.Lock()
	if ids, ok := c.cache.Get(key); ok {
		c.mu.Unlock()
		return ids, nil
	}
	c.mu.Unlock()

	ids, err := c.tokenizer.Encode(text)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache.Add(key, ids)
	c.mu.Unlock()
	return ids, nil
}

// Decode passes through to the wrapped tokenizer.
func (c *EncodeCache) Decode(ids []int64) (string, error) { return c.tokenizer.Decode(ids) }

// EOSTokenID passes through to the wrapped tokenizer.
func (c *EncodeCache) EOSTokenID() int64 { return c.tokenizer.EOSTokenID() }

// BOSTokenID passes through to the wrapped tokenizer.
func (c *EncodeCache) BOSTokenID() int64 { return c.tokenizer.BOSTokenID() }

// PadTokenID passes through to the wrapped tokenizer.
func (c *EncodeCache) PadTokenID() int64 { return c.tokenizer.PadTokenID() }
