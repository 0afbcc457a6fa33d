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

// Package eviction selects unimportant intermediate KV blocks of a live
// sequence for release, driven by accumulated attention scores.
package eviction

import (
	"fmt"
	"sort"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Config describes the eviction zones in blocks: a reserved prefix window,
// a reserved recent window, and the maximum number of evictable middle
// blocks kept resident.
type Config struct {
	StartSize        int `json:"startSize"`
	RecentSize       int `json:"recentSize"`
	MaxEvictableSize int `json:"maxEvictableSize"`
}

// DefaultConfig keeps the first and the last 8 blocks (128 tokens each
// with 16-token blocks) plus a 32-block (512-token) middle window.
func DefaultConfig() *Config {
	return &Config{
		StartSize:        8,
		RecentSize:       8,
		MaxEvictableSize: 32,
	}
}

// Validate checks the window sizes.
func (c *Config) Validate() error {
	if c.StartSize <= 0 || c.RecentSize <= 0 || c.MaxEvictableSize <= 0 {
		return fmt.Errorf("eviction windows must be positive: start=%d recent=%d evictable=%d",
			c.StartSize, c.RecentSize, c.MaxEvictableSize)
	}
	return nil
}

// Algorithm accumulates per-layer attention scores for one sequence and
// chooses the logical blocks to evict. Logical indices shift down as
// blocks are evicted; the accumulators follow.
type Algorithm struct {
	cfg       Config
	blockSize int
	numLayers int

	// scores[layer][logical block] is the running importance accumulator.
	scores [][]float64
}

// NewAlgorithm creates an accumulator for one sequence.
func NewAlgorithm(cfg *Config, blockSize, numLayers int) *Algorithm {
	return &Algorithm{
		cfg:       *cfg,
		blockSize: blockSize,
		numLayers: numLayers,
		scores:    make([][]float64, numLayers),
	}
}

// RegisterTokenScores folds one forward pass's per-block attention scores
// into the accumulators. newScores[layer][logical block] follows the
// model runner's contract; shorter layers are accepted (the trailing
// blocks simply have no score yet).
func (a *Algorithm) RegisterTokenScores(newScores [][]float64) {
	for l := 0; l < a.numLayers && l < len(newScores); l++ {
		for idx, score := range newScores[l] {
			for len(a.scores[l]) <= idx {
				a.scores[l] = append(a.scores[l], 0)
			}
			a.scores[l][idx] += float64(score)
		}
	}
}

// EvictLogicalBlocks partitions the sequence's numFullBlocks full logical
// blocks into the reserved prefix, the evictable middle, and the reserved
// recent window, then returns the per-layer sets of lowest-scoring middle
// blocks that exceed the evictable budget. A trailing partially filled
// block is not a full block and never participates.
//
// Every layer evicts the same number of blocks.
func (a *Algorithm) EvictLogicalBlocks(numFullBlocks int) []sets.Set[int] {
	out := make([]sets.Set[int], a.numLayers)
	for l := range out {
		out[l] = sets.New[int]()
	}

	middleStart := a.cfg.StartSize
	middleEnd := numFullBlocks - a.cfg.RecentSize
	if middleEnd <= middleStart {
		return out
	}

	numToEvict := (middleEnd - middleStart) - a.cfg.MaxEvictableSize
	if numToEvict <= 0 {
		return out
	}

	for l := 0; l < a.numLayers; l++ {
		candidates := make([]int, 0, middleEnd-middleStart)
		for idx := middleStart; idx < middleEnd; idx++ {
			candidates = append(candidates, idx)
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			return a.scoreAt(l, candidates[i]) < a.scoreAt(l, candidates[j])
		})
		for _, idx := range candidates[:numToEvict] {
			out[l].Insert(idx)
		}
	}

	a.removeEvicted(out)
	return out
}

func (a *Algorithm) scoreAt(layer, idx int) float64 {
	if idx < len(a.scores[layer]) {
		return a.scores[layer][idx]
	}
	return 0
}

// removeEvicted shifts the accumulators down over the evicted indices so
// they stay aligned with the compacted block tables.
func (a *Algorithm) removeEvicted(evicted []sets.Set[int]) {
	for l := range a.scores {
		if evicted[l].Len() == 0 {
			continue
		}
		kept := a.scores[l][:0]
		for idx, score := range a.scores[l] {
			if evicted[l].Has(idx) {
				continue
			}
			kept = append(kept, score)
		}
		a.scores[l] = kept
	}
}
