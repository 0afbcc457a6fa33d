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

	"github.com/daulet/tokenizers"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/llm-d/llm-d-batching-engine/pkg/utils"
)

// loadedTokenizersCacheSize is the size of the LRU cache for loaded
// tokenizers: one per base model, shared across pipelines (a speculative
// pair loads two).
const loadedTokenizersCacheSize = 20

var (
	loadedTokenizers, _ = lru.New[string, *tokenizers.Tokenizer](loadedTokenizersCacheSize)
	loadGroup           singleflight.Group
)

// HFTokenizerConfig holds the configuration for the HuggingFace tokenizer.
type HFTokenizerConfig struct {
	ModelName          string `json:"modelName"`
	HuggingFaceToken   string `json:"huggingFaceToken"`
	TokenizersCacheDir string `json:"tokenizersCacheDir"`

	// Special-token ids come from the model configuration; the rust
	// binding does not expose them.
	EOSTokenID int64 `json:"eosTokenId"`
	BOSTokenID int64 `json:"bosTokenId"`
	PadTokenID int64 `json:"padTokenId"`
}

// HFTokenizer implements Tokenizer using bindings to HuggingFace's rust
// tokenizer. Loaded tokenizers are cached per model name.
type HFTokenizer struct {
	cfg       *HFTokenizerConfig
	tokenizer *tokenizers.Tokenizer
}

var _ Tokenizer = &HFTokenizer{}

func loadTokenizer(config *HFTokenizerConfig) (*tokenizers.Tokenizer, error) {
	if tokenizer, ok := loadedTokenizers.Get(config.ModelName); ok {
		return tokenizer, nil
	}

	var opts []tokenizers.TokenizerConfigOption
	if config.TokenizersCacheDir != "" {
		opts = append(opts, tokenizers.WithCacheDir(config.TokenizersCacheDir))
	}
	if config.HuggingFaceToken != "" {
		opts = append(opts, tokenizers.WithAuthToken(config.HuggingFaceToken))
	}

	result, err, shared := loadGroup.Do(config.ModelName, func() (any, error) {
		return tokenizers.FromPretrained(config.ModelName, opts...)
	})
	if err != nil {
		return nil, err
	}

	tokenizer, ok := result.(*tokenizers.Tokenizer)
	if !ok {
		return nil, fmt.Errorf("unexpected tokenizer type from singleflight result")
	}
	if !shared {
		loadedTokenizers.Add(config.ModelName, tokenizer)
	}
	return tokenizer, nil
}

// NewHFTokenizer loads (or reuses) the tokenizer for the configured model.
func NewHFTokenizer(config *HFTokenizerConfig) (*HFTokenizer, error) {
	if config == nil || config.ModelName == "" {
		return nil, fmt.Errorf("hf tokenizer requires a model name")
	}

	tokenizer, err := loadTokenizer(config)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer for model %q: %w", config.ModelName, err)
	}

	return &HFTokenizer{cfg: config, tokenizer: tokenizer}, nil
}

// Encode converts a string into token ids.
func (t *HFTokenizer) Encode(text string) ([]int64, error) {
	ids, _ := t.tokenizer.Encode(text, false)
	return utils.SliceMap(ids, func(id uint32) int64 { return int64(id) }), nil
}

// Decode renders token ids back to text.
func (t *HFTokenizer) Decode(ids []int64) (string, error) {
	return t.tokenizer.Decode(utils.SliceMap(ids, func(id int64) uint32 {
		return uint32(id) //nolint:gosec // vocabulary ids fit in uint32
	}), true), nil
}

// EOSTokenID returns the end-of-sequence token id.
func (t *HFTokenizer) EOSTokenID() int64 { return t.cfg.EOSTokenID }

// BOSTokenID returns the beginning-of-sequence token id.
func (t *HFTokenizer) BOSTokenID() int64 { return t.cfg.BOSTokenID }

// PadTokenID returns the padding token id.
func (t *HFTokenizer) PadTokenID() int64 { return t.cfg.PadTokenID }
