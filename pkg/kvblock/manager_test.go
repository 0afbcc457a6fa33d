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

package kvblock_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/llm-d/llm-d-batching-engine/pkg/kvblock"
	"github.com/llm-d/llm-d-batching-engine/pkg/sequence"
)

func newManager(t *testing.T, numBlocks, blockSize, numLayers int, prefixCaching bool) *kvblock.Manager {
	t.Helper()
	m, err := kvblock.NewManager(context.Background(), &kvblock.Config{
		NumKVBlocks:         numBlocks,
		BlockSize:           blockSize,
		NumLayers:           numLayers,
		EnablePrefixCaching: prefixCaching,
	}, nil)
	require.NoError(t, err)
	return m
}

func promptGroup(requestID uint64, promptLen, blockSize int) *sequence.Group {
	prompt := make([]int64, promptLen)
	for i := range prompt {
		prompt[i] = int64(i + 1)
	}
	return sequence.NewGroup(requestID, prompt, sequence.DefaultSamplingParams(), blockSize)
}

func seqGroupWithPrompt(requestID uint64, prompt []int64) *sequence.Group {
	return sequence.NewGroup(requestID, prompt, sequence.DefaultSamplingParams(), 4)
}

func assertConsistent(t *testing.T, m *kvblock.Manager) {
	t.Helper()
	stats := m.CollectStats()
	assert.Equal(t, stats.TableEntries, stats.SumRefCounts,
		"sum of ref counts must equal block table entries")
}

func TestManagerAllocateAndFree(t *testing.T) {
	m := newManager(t, 8, 4, 2, false)
	g := promptGroup(1, 8, 4)
	seq := g.First()

	require.True(t, m.CanAllocateBlocks(2))
	require.NoError(t, m.Allocate(context.Background(), seq, 2, g.PromptIDs()))

	assert.Equal(t, 6, m.NumFreeBlocks())
	assert.InDelta(t, 0.25, m.UsedPercentage(), 1e-9)
	tables := m.GetBlockTables(seq.ID())
	require.Len(t, tables, 2)
	assert.Len(t, tables[0], 2)
	assert.Len(t, tables[1], 2)
	assertConsistent(t, m)

	m.FreeSequence(seq.ID())
	assert.Equal(t, 8, m.NumFreeBlocks())
	assert.False(t, m.HasBlockTable(seq.ID()))
	assertConsistent(t, m)
}

func TestManagerAppendSlotsAllocatesForPrompt(t *testing.T) {
	m := newManager(t, 8, 4, 1, false)
	g := promptGroup(1, 6, 4)

	g.ScheduleTokens(6)
	copyMap, err := m.AppendSlots(context.Background(), g)
	require.NoError(t, err)
	assert.Empty(t, copyMap)

	tables := m.GetBlockTables(g.First().ID())
	assert.Len(t, tables[0], 2)
	assertConsistent(t, m)
}

func TestManagerCopyOnWriteAfterFork(t *testing.T) {
	m := newManager(t, 8, 4, 1, false)
	g := promptGroup(1, 2, 4)
	parent := g.First()

	g.ScheduleTokens(2)
	_, err := m.AppendSlots(context.Background(), g)
	require.NoError(t, err)
	g.MarkForwardComplete()
	parent.AppendToken(100, 0)
	g.FinishIteration()

	child := g.Fork(parent)
	require.NoError(t, m.ForkSequence(parent.ID(), child.ID()))
	assertConsistent(t, m)

	// both sequences now write into the shared, partially filled block
	g.ScheduleTokens(1)
	copyMap, err := m.AppendSlots(context.Background(), g)
	require.NoError(t, err)

	require.Len(t, copyMap, 1)
	for src, dsts := range copyMap {
		assert.Len(t, dsts, 1)
		assert.NotContains(t, dsts, src)
	}

	parentTable := m.GetBlockTables(parent.ID())
	childTable := m.GetBlockTables(child.ID())
	assert.NotEqual(t, parentTable[0][0], childTable[0][0],
		"copy-on-write must split the shared block")
	assertConsistent(t, m)
}

func TestManagerForkRequiresTable(t *testing.T) {
	m := newManager(t, 8, 4, 1, false)
	assert.Error(t, m.ForkSequence(999, 1000))
}

func TestManagerCachePressure(t *testing.T) {
	m := newManager(t, 2, 4, 1, false)
	g := promptGroup(1, 12, 4)

	g.ScheduleTokens(12)
	assert.False(t, m.CanAppendSlots(g))
	_, err := m.AppendSlots(context.Background(), g)
	assert.ErrorIs(t, err, kvblock.ErrCachePressure)
}

func TestManagerPrefixCachingRestore(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, 8, 4, 1, true)

	g1 := promptGroup(1, 8, 4)
	require.NoError(t, m.Allocate(ctx, g1.First(), 2, g1.PromptIDs()))
	m.FreeSequence(g1.First().ID())

	// hashed blocks stay discoverable after free
	assert.Equal(t, 8, m.NumFreeBlocks())

	g2 := promptGroup(2, 8, 4)
	m.RestoreCachedBlocks(ctx, g2)

	assert.Equal(t, 8, g2.NumProcessedTokens(),
		"the full block-aligned prefix must be restored")
	tables := m.GetBlockTables(g2.First().ID())
	require.NotNil(t, tables)
	assert.Len(t, tables[0], 2)
	assert.Equal(t, 6, m.NumFreeBlocks())
	assertConsistent(t, m)
}

func TestManagerPrefixCachingPartialMatch(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, 8, 4, 1, true)

	g1 := promptGroup(1, 8, 4)
	require.NoError(t, m.Allocate(ctx, g1.First(), 2, g1.PromptIDs()))
	m.FreeSequence(g1.First().ID())

	// same first block, different second block
	prompt := append([]int64{}, g1.PromptIDs()[:4]...)
	prompt = append(prompt, 99, 98, 97, 96)
	g2 := sequence.NewGroup(2, prompt, sequence.DefaultSamplingParams(), 4)
	m.RestoreCachedBlocks(ctx, g2)

	assert.Equal(t, 4, g2.NumProcessedTokens())
	assert.Len(t, m.GetBlockTables(g2.First().ID())[0], 1)
	assertConsistent(t, m)
}

func TestManagerScavengesReclaimableBlocksUnderPressure(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, 2, 4, 1, true)

	g1 := promptGroup(1, 8, 4)
	require.NoError(t, m.Allocate(ctx, g1.First(), 2, g1.PromptIDs()))
	m.FreeSequence(g1.First().ID())
	assert.Equal(t, 2, m.NumFreeBlocks())

	// an unrelated prompt must be able to claim the hashed blocks
	g2 := seqGroupWithPrompt(2, []int64{50, 51, 52, 53, 54, 55, 56, 57})
	require.NoError(t, m.Allocate(ctx, g2.First(), 2, g2.PromptIDs()))

	assert.Equal(t, 0, m.NumFreeBlocks())
	assertConsistent(t, m)

	// the scavenged hashes are no longer restorable
	m.FreeSequence(g2.First().ID())
	g3 := promptGroup(3, 8, 4)
	m.RestoreCachedBlocks(ctx, g3)
	assert.Zero(t, g3.NumProcessedTokens())
}

func TestManagerFreeGroupPartially(t *testing.T) {
	m := newManager(t, 8, 4, 1, false)
	g := promptGroup(1, 16, 4)
	seq := g.First()
	require.NoError(t, m.Allocate(context.Background(), seq, 4, g.PromptIDs()))
	g.UpdateProcessedTokens(16)

	released := m.FreeGroupPartially(g, 2)

	assert.Equal(t, 2, released)
	assert.Len(t, m.GetBlockTables(seq.ID())[0], 2)
	assert.Equal(t, 6, m.NumFreeBlocks())
	assertConsistent(t, m)
}

func TestManagerFreeGroupPartiallyKeepsFirstBlock(t *testing.T) {
	m := newManager(t, 8, 4, 1, false)
	g := promptGroup(1, 8, 4)
	seq := g.First()
	require.NoError(t, m.Allocate(context.Background(), seq, 2, g.PromptIDs()))

	released := m.FreeGroupPartially(g, 10)

	assert.Equal(t, 1, released)
	assert.Len(t, m.GetBlockTables(seq.ID())[0], 1)
}

func TestManagerFreeBeamGroupPartially(t *testing.T) {
	m := newManager(t, 16, 4, 1, false)
	g := promptGroup(1, 8, 4)
	parent := g.First()
	require.NoError(t, m.Allocate(context.Background(), parent, 2, g.PromptIDs()))
	g.UpdateProcessedTokens(8)

	// two beams share the prompt blocks; each grows a private tail
	parent.AppendToken(10, -1)
	child := g.Fork(parent)
	require.NoError(t, m.ForkSequence(parent.ID(), child.ID()))
	require.NoError(t, m.Allocate(context.Background(), parent, 2, nil))
	require.NoError(t, m.Allocate(context.Background(), child, 1, nil))
	assertConsistent(t, m)

	freeBefore := m.NumFreeBlocks()
	released := m.FreeBeamGroupPartially(g, 2)

	assert.GreaterOrEqual(t, released, 2)
	assert.Equal(t, freeBefore+2, m.NumFreeBlocks())
	assertConsistent(t, m)
}

func TestManagerFreeBlocksFromSequence(t *testing.T) {
	m := newManager(t, 8, 4, 2, false)
	g := promptGroup(1, 16, 4)
	seq := g.First()
	require.NoError(t, m.Allocate(context.Background(), seq, 4, g.PromptIDs()))

	before := m.NumFreeBlocks()
	m.FreeBlocksFromSequence(seq.ID(), []sets.Set[int]{
		sets.New(1), sets.New(2),
	})

	tables := m.GetBlockTables(seq.ID())
	assert.Len(t, tables[0], 3)
	assert.Len(t, tables[1], 3)
	assert.Equal(t, before+1, m.NumFreeBlocks())
	assertConsistent(t, m)
}

func TestManagerRequiredBlocksCount(t *testing.T) {
	m := newManager(t, 8, 4, 1, false)
	g := promptGroup(1, 6, 4)

	g.ScheduleTokens(6)
	assert.Equal(t, 2, m.RequiredBlocksCount(g))
	assert.True(t, m.CanAppendSlots(g))

	_, err := m.AppendSlots(context.Background(), g)
	require.NoError(t, err)
	g.MarkForwardComplete()
	g.UpdateProcessedTokens(6)
	g.First().AppendToken(1, 0)
	g.ClearScheduledTokens()

	// one more token fits the partially filled second block
	g.ScheduleTokens(1)
	assert.Equal(t, 0, m.RequiredBlocksCount(g))
}
