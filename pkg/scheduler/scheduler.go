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

// Package scheduler decides, per pipeline iteration, which request groups
// advance, by how many tokens, and how their KV state fits into the block
// pool, preempting lower-priority groups under cache pressure.
package scheduler

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-batching-engine/pkg/kvblock"
	"github.com/llm-d/llm-d-batching-engine/pkg/sequence"
	"github.com/llm-d/llm-d-batching-engine/pkg/utils/logging"
)

// Output is the result of one scheduling call.
type Output struct {
	// ScheduledGroupIDs indexes into the active set passed to Schedule.
	ScheduledGroupIDs []int
	// CopyMap is the copy-on-write work for the cache manager.
	CopyMap kvblock.CopyMap
	// BlockTables holds, per scheduled sequence id, the per-layer block
	// ids addressing its KV state.
	BlockTables map[uint64][][]int
	// TotalNumScheduledTokens is the mega-batch size this step.
	TotalNumScheduledTokens int
	// IsPrompt marks a dedicated vLLM-style prompt phase.
	IsPrompt bool
	// CacheUsage is the pool usage in [0, 1] after scheduling.
	CacheUsage float64
}

// Scheduler owns the BlockManager and applies one of two policies per
// step: vLLM-style whole-prompt admission, or dynamic split-fuse.
type Scheduler struct {
	config                  *Config
	blockManager            *kvblock.Manager
	canUsePartialPreemption bool
}

// Option customizes scheduler construction.
type Option func(*Scheduler)

// WithoutPartialPreemption forces preemption to full recompute; the
// pipelines of a speculative pair run with this set.
func WithoutPartialPreemption() Option {
	return func(s *Scheduler) { s.canUsePartialPreemption = false }
}

// New creates a Scheduler and its BlockManager. sink may be nil.
func New(ctx context.Context, config *Config, numLayers int, sink kvblock.EventSink, opts ...Option) (*Scheduler, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}
	if numLayers <= 0 {
		return nil, fmt.Errorf("numLayers must be positive, got %d", numLayers)
	}

	bm, err := kvblock.NewManager(ctx, &kvblock.Config{
		NumKVBlocks:         config.NumKVBlocks,
		BlockSize:           config.BlockSize,
		NumLayers:           numLayers,
		EnablePrefixCaching: config.EnablePrefixCaching,
		HashSeed:            config.HashSeed,
		IndexConfig:         config.PrefixIndexConfig,
	}, sink)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		config:                  config,
		blockManager:            bm,
		canUsePartialPreemption: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Config returns the scheduler configuration.
func (s *Scheduler) Config() *Config { return s.config }

// BlockManager exposes the owned block manager to the pipeline.
func (s *Scheduler) BlockManager() *kvblock.Manager { return s.blockManager }

// Schedule produces the per-step schedule over the active groups. Given
// identical active state and configuration, two invocations yield
// identical outputs.
func (s *Scheduler) Schedule(ctx context.Context, groups []*sequence.Group) *Output {
	out := &Output{
		CopyMap:     kvblock.CopyMap{},
		BlockTables: map[uint64][][]int{},
	}

	if s.config.DynamicSplitFuse {
		// generation phase is always scheduled first, then prompt
		// chunks fill the remaining mega-batch
		s.scheduleGeneratePhaseDynamicSplitFuse(ctx, groups, out)
		s.schedulePromptPhaseDynamicSplitFuse(ctx, groups, out)
	} else {
		s.schedulePromptPhaseVLLM(ctx, groups, out)
		if !out.IsPrompt {
			s.scheduleGeneratePhaseDynamicSplitFuse(ctx, groups, out)
		}
	}

	for _, g := range groups {
		g.ClearWaiting()
	}
	out.CacheUsage = s.blockManager.UsedPercentage()

	klog.FromContext(ctx).V(logging.DEBUG).Info("scheduled step",
		"groups", len(out.ScheduledGroupIDs),
		"tokens", out.TotalNumScheduledTokens,
		"isPrompt", out.IsPrompt,
		"cacheUsage", out.CacheUsage)
	return out
}

// FreeSequence releases a sequence's blocks.
func (s *Scheduler) FreeSequence(seqID uint64) { s.blockManager.FreeSequence(seqID) }

// ForkSequence clones a sequence's block table.
func (s *Scheduler) ForkSequence(parentID, childID uint64) error {
	return s.blockManager.ForkSequence(parentID, childID)
}

// HasBlockTable reports whether the sequence holds blocks.
func (s *Scheduler) HasBlockTable(seqID uint64) bool { return s.blockManager.HasBlockTable(seqID) }

// RestoreCachedBlocks attaches hashed prompt blocks on admission.
func (s *Scheduler) RestoreCachedBlocks(ctx context.Context, g *sequence.Group) {
	s.blockManager.RestoreCachedBlocks(ctx, g)
}

// FreeBlocksFromSequence releases specific logical indices per layer.
func (s *Scheduler) FreeBlocksFromSequence(seqID uint64, perLayer []sets.Set[int]) {
	s.blockManager.FreeBlocksFromSequence(seqID, perLayer)
}

func numRunningGroups(groups []*sequence.Group) int {
	running := 0
	for _, g := range groups {
		if g.CanGenerateTokens() {
			running++
		}
	}
	return running
}

// preemptByRecompute reclaims the victim's KV blocks and rolls its
// processed-token counter back so the next admission recomputes them.
// Partial preemption drops only the block tail; a victim that was ever
// evicted-from, or whose footprint fits the demand, is recomputed fully.
func (s *Scheduler) preemptByRecompute(victim *sequence.Group, blocksNeeded int) bool {
	bm := s.blockManager
	processedTokens := victim.NumProcessedTokens()
	prevFree := bm.NumFreeBlocks()
	occupiedBlocks := bm.OccupiedBlocksCount(victim)
	wasEvictedFrom := victim.NumEvictedTokens() != 0

	if occupiedBlocks <= blocksNeeded || !s.canUsePartialPreemption || wasEvictedFrom {
		for _, seq := range victim.NotFinishedSequences() {
			bm.FreeSequence(seq.ID())
		}
		victim.PreemptTokens(processedTokens)
		if wasEvictedFrom {
			victim.ResetEvictionCount()
		}
		victim.SetWaiting()
		return bm.NumFreeBlocks() > prevFree
	}

	var logicalReleased int
	if victim.Params().IsBeamSearch() {
		logicalReleased = bm.FreeBeamGroupPartially(victim, blocksNeeded)
	} else {
		logicalReleased = bm.FreeGroupPartially(victim, blocksNeeded)
	}

	tokensInLastBlock := processedTokens % s.config.BlockSize
	if tokensInLastBlock == 0 {
		tokensInLastBlock = s.config.BlockSize
	}
	preemptedTokens := tokensInLastBlock
	if logicalReleased > 1 {
		preemptedTokens += (logicalReleased - 1) * s.config.BlockSize
	}
	if logicalReleased == 0 {
		preemptedTokens = 0
	}

	// a partially generated prompt cannot be resumed outside split-fuse
	if !s.config.DynamicSplitFuse && processedTokens-preemptedTokens < victim.PromptLen() {
		preemptedTokens = processedTokens
		for _, seq := range victim.NotFinishedSequences() {
			if bm.HasBlockTable(seq.ID()) {
				bm.FreeSequence(seq.ID())
			}
		}
	}
	victim.PreemptTokens(preemptedTokens)
	victim.SetWaiting()
	return bm.NumFreeBlocks() > prevFree
}

// lowPriorityGroupID returns the index of the lowest-priority group with
// reclaimable KV state, or -1.
func lowPriorityGroupID(groups []*sequence.Group) int {
	for idx := len(groups) - 1; idx >= 0; idx-- {
		if groups[idx].NumProcessedTokens() > 0 {
			return idx
		}
	}
	return -1
}

// applyPreemption evicts lower-priority groups until the current group can
// acquire its slots or no victim remains.
func (s *Scheduler) applyPreemption(groupID int, groups []*sequence.Group) {
	g := groups[groupID]

	for !s.blockManager.CanAppendSlots(g) {
		victimID := lowPriorityGroupID(groups)
		if victimID <= groupID {
			// the current group would need to evict itself
			break
		}
		blocksNeeded := s.blockManager.RequiredBlocksCount(g)
		if !s.preemptByRecompute(groups[victimID], blocksNeeded) {
			break
		}
	}
}

func (s *Scheduler) scheduleGeneratePhaseDynamicSplitFuse(ctx context.Context, groups []*sequence.Group, out *Output) {
	// Preempted groups mix with truly generating ones here; they carry
	// low priority and sit behind running groups in admission order.
	for groupID, g := range groups {
		if g.HasFinished() || g.OutOfMemory() {
			continue
		}
		if !g.CanGenerateTokens() || g.IsWaiting() {
			continue
		}

		numRunningSeqs := g.NumRunningSeqs()
		if numRunningSeqs == 0 {
			continue
		}
		tokensInMegabatch := s.config.MaxNumBatchedTokens - out.TotalNumScheduledTokens
		availablePerSeqInMegabatch := tokensInMegabatch / numRunningSeqs
		if availablePerSeqInMegabatch == 0 {
			continue
		}

		// more than one token per sequence happens when earlier tokens
		// of the group were preempted or appended for verification
		availablePerSeq := g.NumAvailableTokensForBatching()
		scheduledPerSeq := min(availablePerSeqInMegabatch, availablePerSeq)
		if scheduledPerSeq == 0 {
			continue
		}
		g.ScheduleTokens(scheduledPerSeq)

		s.applyPreemption(groupID, groups)

		if !s.blockManager.CanAppendSlots(g) {
			g.ClearScheduledTokens()
			continue
		}

		copyMap, err := s.blockManager.AppendSlots(ctx, g)
		if err != nil {
			// CanAppendSlots held, so the pool mutated underneath us
			panic(fmt.Sprintf("scheduler: append slots failed after capacity check: %v", err))
		}

		out.ScheduledGroupIDs = append(out.ScheduledGroupIDs, groupID)
		out.TotalNumScheduledTokens += scheduledPerSeq * numRunningSeqs
		for _, seq := range g.RunningSequences() {
			out.BlockTables[seq.ID()] = s.blockManager.GetBlockTables(seq.ID())
		}
		out.CopyMap.Merge(copyMap)

		if out.TotalNumScheduledTokens >= s.config.MaxNumBatchedTokens {
			break
		}
	}
}

func (s *Scheduler) schedulePromptPhaseDynamicSplitFuse(ctx context.Context, groups []*sequence.Group, out *Output) {
	// Fill the remaining mega-batch with prompt chunks greedily in
	// admission order: each chunk is bounded by the remaining budget, the
	// group's unprocessed tokens, and the KV slots allocatable now.
	for groupID, g := range groups {
		if g.HasFinished() || g.OutOfMemory() {
			continue
		}
		if g.CanGenerateTokens() || g.IsWaiting() {
			continue
		}

		if n := g.NumRunningSeqs(); n != 1 {
			panic(fmt.Sprintf("scheduler: prompt phase requires a single running sequence, got %d", n))
		}
		seq := g.First()

		tokensInMegabatch := s.config.MaxNumBatchedTokens - out.TotalNumScheduledTokens
		numScheduledTokens := min(tokensInMegabatch, g.NumAvailableTokensForBatching())

		// KV limitations: fit into currently allocated plus newly
		// allocatable slots
		currentBlocks := 0
		if tables := s.blockManager.GetBlockTables(seq.ID()); tables != nil {
			currentBlocks = len(tables[0])
		}
		allocatedTokenSlots := currentBlocks * s.config.BlockSize
		occupiedTokenSlots := g.NumProcessedTokens() - g.NumEvictedTokens()
		if allocatedTokenSlots < occupiedTokenSlots {
			panic("scheduler: allocated slots below occupied slots")
		}
		availableSlots := allocatedTokenSlots - occupiedTokenSlots
		requiredSlots := 0
		if numScheduledTokens > availableSlots {
			requiredSlots = numScheduledTokens - availableSlots
		}
		requiredBlocks := (requiredSlots + s.config.BlockSize - 1) / s.config.BlockSize
		scheduledBlocks := min(requiredBlocks, s.blockManager.NumFreeBlocks())
		numScheduledTokens = min(numScheduledTokens, availableSlots+scheduledBlocks*s.config.BlockSize)

		if numScheduledTokens > 0 {
			if scheduledBlocks > 0 {
				if err := s.blockManager.Allocate(ctx, seq, scheduledBlocks, g.PromptIDs()); err != nil {
					panic(fmt.Sprintf("scheduler: prompt allocation failed after capacity check: %v", err))
				}
			}
			g.ScheduleTokens(numScheduledTokens)

			out.ScheduledGroupIDs = append(out.ScheduledGroupIDs, groupID)
			out.BlockTables[seq.ID()] = s.blockManager.GetBlockTables(seq.ID())
			out.TotalNumScheduledTokens += numScheduledTokens
		}

		if out.TotalNumScheduledTokens >= s.config.MaxNumBatchedTokens {
			break
		}
	}
}

func (s *Scheduler) schedulePromptPhaseVLLM(ctx context.Context, groups []*sequence.Group, out *Output) {
	// Whole prompts only, admission bounded by max_num_seqs, the token
	// budget, and block availability.
	numRunningGroups := numRunningGroups(groups)

	for groupID, g := range groups {
		if g.HasFinished() || g.OutOfMemory() {
			continue
		}
		recomputeEvicted := g.NumProcessedTokens() == 0 && !s.canUsePartialPreemption
		if (g.CanGenerateTokens() && !recomputeEvicted) || g.IsWaiting() {
			continue
		}

		if n := g.NumRunningSeqs(); n != 1 && !g.Params().IsSpeculative() {
			panic(fmt.Sprintf("scheduler: prompt phase requires a single running sequence, got %d", n))
		}

		tokensInMegabatch := s.config.MaxNumBatchedTokens - out.TotalNumScheduledTokens
		sequenceLen := g.NumAvailableTokensForBatching()

		if sequenceLen > s.config.MaxNumBatchedTokens {
			panic(fmt.Sprintf("scheduler: sequence length %d exceeds max batched tokens %d",
				sequenceLen, s.config.MaxNumBatchedTokens))
		}

		if numRunningGroups >= s.config.MaxNumSeqs {
			break
		}
		if tokensInMegabatch < sequenceLen {
			break
		}

		requiredBlocks := (sequenceLen + s.config.BlockSize - 1) / s.config.BlockSize
		if !s.blockManager.CanAllocateBlocks(requiredBlocks) {
			break
		}

		seq := g.First()
		g.ScheduleTokens(sequenceLen)
		if _, err := s.blockManager.AppendSlots(ctx, g); err != nil {
			panic(fmt.Sprintf("scheduler: prompt append failed after capacity check: %v", err))
		}

		out.ScheduledGroupIDs = append(out.ScheduledGroupIDs, groupID)
		out.BlockTables[seq.ID()] = s.blockManager.GetBlockTables(seq.ID())
		out.TotalNumScheduledTokens += sequenceLen
		out.IsPrompt = true

		numRunningGroups++
	}
}
