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
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// PrefixHasher computes chained content hashes for block-aligned prompt
// chunks. The format, serialization and hashing is aligned with that of
// vLLM: each chunk hash covers its parent hash plus the chunk's token ids,
// canonical-CBOR encoded, SHA-256, lower 64 bits.
type PrefixHasher struct {
	blockSize int
	initHash  uint64
	encMode   cbor.EncMode
}

// NewPrefixHasher creates a hasher for the given block size. seed plays the
// role of vLLM's NONE_HASH seed; deployments that share prefixes across
// engines must align it.
func NewPrefixHasher(blockSize int, seed string) (*PrefixHasher, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("block size must be positive, got %d", blockSize)
	}

	encMode, err := cbor.CanonicalEncOptions().EncMode() // deterministic
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR encoder: %w", err)
	}

	h := &PrefixHasher{
		blockSize: blockSize,
		encMode:   encMode,
	}

	seedBytes, err := encMode.Marshal(seed)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal hash seed: %w", err)
	}
	sum := sha256.Sum256(seedBytes)
	h.initHash = binary.BigEndian.Uint64(sum[24:])

	return h, nil
}

func (h *PrefixHasher) hash(parent uint64, chunk []int64) uint64 {
	payload := []interface{}{parent, chunk}

	b, err := h.encMode.Marshal(payload)
	if err != nil {
		// canonical encoding of ints and int slices cannot fail
		return 0
	}

	sum := sha256.Sum256(b)
	return binary.BigEndian.Uint64(sum[24:])
}

// ChunkHashes returns the chained hashes of the full block-aligned chunks
// of tokens; partial trailing chunks are not hashed.
func (h *PrefixHasher) ChunkHashes(tokens []int64) []uint64 {
	var hashes []uint64
	parent := h.initHash
	for start := 0; start+h.blockSize <= len(tokens); start += h.blockSize {
		parent = h.hash(parent, tokens[start:start+h.blockSize])
		hashes = append(hashes, parent)
	}
	return hashes
}
