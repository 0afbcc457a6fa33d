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

package tokenization_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-batching-engine/pkg/tokenization"
)

type countingTokenizer struct {
	encodes int
}

func (t *countingTokenizer) Encode(text string) ([]int64, error) {
	t.encodes++
	ids := make([]int64, len(text))
	for i, b := range []byte(text) {
		ids[i] = int64(b)
	}
	return ids, nil
}

func (t *countingTokenizer) Decode(ids []int64) (string, error) {
	buf := make([]byte, len(ids))
	for i, id := range ids {
		buf[i] = byte(id)
	}
	return string(buf), nil
}

func (t *countingTokenizer) EOSTokenID() int64 { return 10 }
func (t *countingTokenizer) BOSTokenID() int64 { return 11 }
func (t *countingTokenizer) PadTokenID() int64 { return 12 }

func TestEncodeCacheMemoizes(t *testing.T) {
	inner := &countingTokenizer{}
	cache, err := tokenization.NewEncodeCache(nil, inner)
	require.NoError(t, err)

	first, err := cache.Encode("hello world")
	require.NoError(t, err)
	second, err := cache.Encode("hello world")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, inner.encodes, "repeated prompt must hit the cache")

	_, err = cache.Encode("different")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.encodes)
}

func TestEncodeCachePassesThrough(t *testing.T) {
	inner := &countingTokenizer{}
	cache, err := tokenization.NewEncodeCache(nil, inner)
	require.NoError(t, err)

	text, err := cache.Decode([]int64{104, 105})
	require.NoError(t, err)
	assert.Equal(t, "hi", text)
	assert.Equal(t, int64(10), cache.EOSTokenID())
	assert.Equal(t, int64(11), cache.BOSTokenID())
	assert.Equal(t, int64(12), cache.PadTokenID())
}

func TestTokenizerEqual(t *testing.T) {
	a := &countingTokenizer{}
	b := &countingTokenizer{}
	assert.True(t, tokenization.Equal(a, b))
	assert.True(t, tokenization.Equal(a, a))
}
