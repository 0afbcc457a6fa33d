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

package eviction_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/llm-d/llm-d-batching-engine/pkg/eviction"
)

func TestEvictsLowestScoredMiddleBlock(t *testing.T) {
	cfg := &eviction.Config{StartSize: 1, RecentSize: 1, MaxEvictableSize: 2}
	algo := eviction.NewAlgorithm(cfg, 4, 1)

	// five full blocks plus a partial sixth; block 3 clearly coldest
	algo.RegisterTokenScores([][]float64{{9, 5, 6, 0.5, 7}})

	evicted := algo.EvictLogicalBlocks(5)
	assert.Equal(t, 1, evicted[0].Len())
	assert.True(t, evicted[0].Has(3))
}

func TestNoEvictionWithinBudget(t *testing.T) {
	cfg := &eviction.Config{StartSize: 1, RecentSize: 1, MaxEvictableSize: 2}
	algo := eviction.NewAlgorithm(cfg, 4, 1)
	algo.RegisterTokenScores([][]float64{{1, 2, 3, 4}})

	evicted := algo.EvictLogicalBlocks(4)
	assert.Zero(t, evicted[0].Len())
}

func TestNoEvictionForShortSequence(t *testing.T) {
	cfg := &eviction.Config{StartSize: 2, RecentSize: 2, MaxEvictableSize: 2}
	algo := eviction.NewAlgorithm(cfg, 4, 1)
	algo.RegisterTokenScores([][]float64{{1, 2, 3}})

	evicted := algo.EvictLogicalBlocks(3)
	assert.Zero(t, evicted[0].Len())
}

func TestScoresAccumulateAcrossSteps(t *testing.T) {
	cfg := &eviction.Config{StartSize: 1, RecentSize: 1, MaxEvictableSize: 1}
	algo := eviction.NewAlgorithm(cfg, 4, 1)

	// block 1 is cold on the first step but hot over time; block 2 the
	// opposite
	algo.RegisterTokenScores([][]float64{{9, 0.5, 8, 7, 9}})
	algo.RegisterTokenScores([][]float64{{9, 8, 0.25, 7, 9}})
	algo.RegisterTokenScores([][]float64{{9, 8, 0.25, 7, 9}})

	evicted := algo.EvictLogicalBlocks(5)
	assert.Equal(t, 2, evicted[0].Len())
	assert.True(t, evicted[0].Has(2), "accumulated-coldest block must go first")
}

func TestAccumulatorsShiftAfterEviction(t *testing.T) {
	cfg := &eviction.Config{StartSize: 1, RecentSize: 1, MaxEvictableSize: 1}
	algo := eviction.NewAlgorithm(cfg, 4, 1)
	algo.RegisterTokenScores([][]float64{{9, 8, 0.5, 7, 9}})

	evicted := algo.EvictLogicalBlocks(5)
	assert.Equal(t, 2, evicted[0].Len())
	assert.True(t, evicted[0].Has(2))
	assert.True(t, evicted[0].Has(3))

	// surviving blocks are old 0, 1, 4 with scores 9, 8, 9; after the
	// sequence grows by one block the coldest middle index is 1 — it
	// would be index 2 had the accumulators not compacted
	algo.RegisterTokenScores([][]float64{{0, 0, 0, 0}})
	evicted = algo.EvictLogicalBlocks(4)
	assert.Equal(t, 1, evicted[0].Len())
	assert.True(t, evicted[0].Has(1))
}

func TestPerLayerIndependentSelectionEqualCounts(t *testing.T) {
	cfg := &eviction.Config{StartSize: 1, RecentSize: 1, MaxEvictableSize: 1}
	algo := eviction.NewAlgorithm(cfg, 4, 2)
	algo.RegisterTokenScores([][]float64{
		{9, 0.5, 8, 9},
		{9, 8, 0.5, 9},
	})

	evicted := algo.EvictLogicalBlocks(4)
	assert.Equal(t, evicted[0].Len(), evicted[1].Len())
	assert.True(t, evicted[0].Has(1))
	assert.True(t, evicted[1].Has(2))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, eviction.DefaultConfig().Validate())
	bad := &eviction.Config{StartSize: 0, RecentSize: 1, MaxEvictableSize: 1}
	assert.Error(t, bad.Validate())
}
