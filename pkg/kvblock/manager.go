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
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-batching-engine/pkg/sequence"
	"github.com/llm-d/llm-d-batching-engine/pkg/utils/logging"
)

// Manager owns the physical block pool and every sequence's block table.
// It is the single source of truth for reference counts and is accessed
// exclusively from the pipeline thread, so it carries no locking.
//
// The pool holds NumKVBlocks block ids, each expanded to NumLayers physical
// slots. Free lists are per layer; allocation draws one id from every layer
// at once, so the per-layer free counts stay equal except transiently
// around per-layer eviction.
type Manager struct {
	blockSize int
	numLayers int
	numBlocks int

	enablePrefixCaching bool
	hasher              *PrefixHasher
	index               Index
	sink                EventSink

	// blocks[layer][id] is the slot metadata; slots are never reallocated.
	blocks [][]*PhysicalBlock
	// free[layer] is a LIFO of unreferenced, unhashed slots.
	free [][]*PhysicalBlock
	// reclaim holds hashed units (one slot per layer) whose refCount
	// dropped to zero; they stay discoverable until scavenged in LRU
	// order when the plain free lists run dry.
	reclaim *lru.Cache[uint64, []*PhysicalBlock]

	// tables[seqID][layer][logical] is the per-sequence block table.
	tables map[uint64][][]*PhysicalBlock
}

// NewManager builds a Manager from cfg. sink may be nil. The prefix-hash
// index is built from cfg.IndexConfig only when prefix caching is enabled;
// without it no hashed block is ever discoverable.
func NewManager(ctx context.Context, cfg *Config, sink EventSink) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid block manager config: %w", err)
	}

	m := &Manager{
		blockSize:           cfg.BlockSize,
		numLayers:           cfg.NumLayers,
		numBlocks:           cfg.NumKVBlocks,
		enablePrefixCaching: cfg.EnablePrefixCaching,
		sink:                sink,
		tables:              make(map[uint64][][]*PhysicalBlock),
	}

	if cfg.EnablePrefixCaching {
		hasher, err := NewPrefixHasher(cfg.BlockSize, cfg.HashSeed)
		if err != nil {
			return nil, err
		}
		m.hasher = hasher

		index, err := NewIndex(ctx, cfg.IndexConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create prefix index: %w", err)
		}
		m.index = index
	}

	reclaim, err := lru.New[uint64, []*PhysicalBlock](cfg.NumKVBlocks)
	if err != nil {
		return nil, fmt.Errorf("failed to create reclaim table: %w", err)
	}
	m.reclaim = reclaim

	m.blocks = make([][]*PhysicalBlock, cfg.NumLayers)
	m.free = make([][]*PhysicalBlock, cfg.NumLayers)
	for l := 0; l < cfg.NumLayers; l++ {
		m.blocks[l] = make([]*PhysicalBlock, cfg.NumKVBlocks)
		m.free[l] = make([]*PhysicalBlock, 0, cfg.NumKVBlocks)
		// LIFO: lowest ids are drawn first
		for id := cfg.NumKVBlocks - 1; id >= 0; id-- {
			blk := &PhysicalBlock{id: id, layer: l}
			m.blocks[l][id] = blk
			m.free[l] = append(m.free[l], blk)
		}
	}

	return m, nil
}

// Stats is a consistency snapshot of the pool.
type Stats struct {
	// FreeBlocks counts allocatable block ids, reclaimables included.
	FreeBlocks int
	// SumRefCounts sums refCount over every physical slot.
	SumRefCounts int
	// TableEntries counts block references across all live tables.
	TableEntries int
}

// CollectStats walks the pool; the ref-count sum always equals the table
// entry count.
func (m *Manager) CollectStats() Stats {
	s := Stats{FreeBlocks: m.NumFreeBlocks()}
	for _, layer := range m.blocks {
		for _, blk := range layer {
			s.SumRefCounts += blk.refCount
		}
	}
	for _, table := range m.tables {
		for _, layer := range table {
			s.TableEntries += len(layer)
		}
	}
	return s
}

// BlockSize returns the tokens-per-block capacity.
func (m *Manager) BlockSize() int { return m.blockSize }

// NumLayers returns the number of attention layers.
func (m *Manager) NumLayers() int { return m.numLayers }

// NumFreeBlocks returns the number of allocatable block ids, counting
// reclaimable hashed units.
func (m *Manager) NumFreeBlocks() int {
	minFree := len(m.free[0])
	for _, f := range m.free[1:] {
		if len(f) < minFree {
			minFree = len(f)
		}
	}
	return minFree + m.reclaim.Len()
}

// UsedPercentage returns the pool usage in [0, 1].
func (m *Manager) UsedPercentage() float64 {
	return 1 - float64(m.NumFreeBlocks())/float64(m.numBlocks)
}

// CanAllocateBlocks reports whether n block ids can be drawn.
func (m *Manager) CanAllocateBlocks(n int) bool { return n <= m.NumFreeBlocks() }

// HasBlockTable reports whether the sequence has a table.
func (m *Manager) HasBlockTable(seqID uint64) bool {
	_, ok := m.tables[seqID]
	return ok
}

// GetBlockTables returns the per-layer block ids of a sequence's table in
// logical order; nil when the sequence has no table.
func (m *Manager) GetBlockTables(seqID uint64) [][]int {
	table, ok := m.tables[seqID]
	if !ok {
		return nil
	}

	out := make([][]int, m.numLayers)
	for l, layer := range table {
		out[l] = make([]int, len(layer))
		for i, blk := range layer {
			out[l][i] = blk.id
		}
	}
	return out
}

func (m *Manager) tableFor(seqID uint64) [][]*PhysicalBlock {
	table, ok := m.tables[seqID]
	if !ok {
		table = make([][]*PhysicalBlock, m.numLayers)
		m.tables[seqID] = table
	}
	return table
}

// allocUnit draws one block id across every layer, scavenging the oldest
// reclaimable hashed unit when the plain free lists are empty.
func (m *Manager) allocUnit(ctx context.Context) ([]*PhysicalBlock, error) {
	unit := make([]*PhysicalBlock, m.numLayers)

	if len(m.free[0]) > 0 {
		for l := range m.free {
			last := len(m.free[l]) - 1
			unit[l] = m.free[l][last]
			m.free[l] = m.free[l][:last]
			unit[l].refCount = 1
		}
		return unit, nil
	}

	hash, scavenged, ok := m.reclaim.RemoveOldest()
	if !ok {
		return nil, ErrCachePressure
	}
	m.dropHash(ctx, hash, scavenged)
	for l, blk := range scavenged {
		blk.refCount = 1
		unit[l] = blk
	}
	return unit, nil
}

// dropHash strips the content hash from a unit and withdraws it from the
// discoverability index.
func (m *Manager) dropHash(ctx context.Context, hash uint64, unit []*PhysicalBlock) {
	for _, blk := range unit {
		blk.hash = 0
		blk.hashed = false
	}
	if m.index != nil {
		m.index.Remove(ctx, hash)
	}
	if m.sink != nil {
		m.sink.BlockRemoved(hash)
	}
}

// lookupCached resolves a content hash to a live hashed unit and takes a
// reference on it. Stale index entries are removed on the way.
func (m *Manager) lookupCached(ctx context.Context, hash uint64) ([]*PhysicalBlock, bool) {
	if m.index == nil {
		return nil, false
	}

	ids, ok := m.index.Lookup(ctx, hash)
	if !ok {
		return nil, false
	}
	if len(ids) != m.numLayers {
		m.index.Remove(ctx, hash)
		return nil, false
	}

	unit := make([]*PhysicalBlock, m.numLayers)
	for l, id := range ids {
		if id < 0 || id >= m.numBlocks {
			m.index.Remove(ctx, hash)
			return nil, false
		}
		blk := m.blocks[l][id]
		if !blk.hashed || blk.hash != hash {
			// slot was repurposed since the entry was written
			m.index.Remove(ctx, hash)
			return nil, false
		}
		unit[l] = blk
	}

	if unit[0].refCount == 0 {
		m.reclaim.Remove(hash)
	}
	for _, blk := range unit {
		blk.refCount++
	}
	return unit, true
}

// storeHashed registers a freshly filled unit under its content hash.
func (m *Manager) storeHashed(ctx context.Context, hash uint64, parent *uint64,
	unit []*PhysicalBlock, tokens []int64,
) {
	ids := make([]int, m.numLayers)
	for l, blk := range unit {
		blk.hash = hash
		blk.hashed = true
		ids[l] = blk.id
	}
	if m.index != nil {
		m.index.Add(ctx, hash, ids)
	}
	if m.sink != nil {
		m.sink.BlockStored(hash, parent, tokens, m.blockSize)
	}
}

// releaseBlock drops one reference; a slot reaching zero either returns to
// its layer's free list or, when it is part of a hashed unit whose slots
// are all unreferenced, parks the unit in the reclaim table.
func (m *Manager) releaseBlock(ctx context.Context, blk *PhysicalBlock) {
	blk.refCount--
	if blk.refCount > 0 {
		return
	}
	if blk.refCount < 0 {
		panic(fmt.Sprintf("kvblock: ref count underflow on block %d layer %d", blk.id, blk.layer))
	}

	if !blk.hashed {
		m.free[blk.layer] = append(m.free[blk.layer], blk)
		return
	}

	// Hashed slots park unit-wise once every layer's slot is free.
	unit := make([]*PhysicalBlock, m.numLayers)
	for l := 0; l < m.numLayers; l++ {
		partner := m.hashedPartner(blk.hash, l)
		if partner == nil || partner.refCount != 0 {
			return
		}
		unit[l] = partner
	}

	if m.reclaim.Contains(blk.hash) {
		// distinct unit with colliding content hash; keep the first
		m.dropHash(ctx, blk.hash, unit)
		for _, b := range unit {
			m.free[b.layer] = append(m.free[b.layer], b)
		}
		return
	}
	m.reclaim.Add(blk.hash, unit)
}

// hashedPartner finds the layer's slot carrying the given hash.
func (m *Manager) hashedPartner(hash uint64, layer int) *PhysicalBlock {
	if m.index != nil {
		if ids, ok := m.index.Lookup(context.Background(), hash); ok && len(ids) == m.numLayers {
			blk := m.blocks[layer][ids[layer]]
			if blk.hashed && blk.hash == hash {
				return blk
			}
		}
	}
	// index entry already evicted; scan the layer
	for _, blk := range m.blocks[layer] {
		if blk.hashed && blk.hash == hash {
			return blk
		}
	}
	return nil
}

// Allocate appends n block ids to every layer of seq's table. With prefix
// caching enabled, full block-aligned prompt chunks are looked up in the
// hash index first and reused with a reference bump on a hit; misses are
// drawn from the free list and registered under their content hash.
func (m *Manager) Allocate(ctx context.Context, seq *sequence.Sequence, n int, promptIDs []int64) error {
	table := m.tableFor(seq.ID())

	var hashes []uint64
	if m.enablePrefixCaching && m.hasher != nil {
		hashes = m.hasher.ChunkHashes(promptIDs)
	}

	for i := 0; i < n; i++ {
		logical := len(table[0])

		if logical < len(hashes) {
			hash := hashes[logical]
			if unit, ok := m.lookupCached(ctx, hash); ok {
				for l, blk := range unit {
					table[l] = append(table[l], blk)
				}
				continue
			}

			unit, err := m.allocUnit(ctx)
			if err != nil {
				return err
			}
			var parent *uint64
			if logical > 0 {
				parent = &hashes[logical-1]
			}
			start := logical * m.blockSize
			m.storeHashed(ctx, hash, parent, unit, promptIDs[start:start+m.blockSize])
			for l, blk := range unit {
				table[l] = append(table[l], blk)
			}
			continue
		}

		unit, err := m.allocUnit(ctx)
		if err != nil {
			return err
		}
		for l, blk := range unit {
			table[l] = append(table[l], blk)
		}
	}

	return nil
}

// writeStartSlot returns the slot index the next forward pass writes
// first. It normally equals the occupied slot count; when the whole
// context is already materialized (a fully cache-restored prompt), the
// trailing position is recomputed in place instead of claiming a slot.
func (m *Manager) writeStartSlot(g *sequence.Group) int {
	start := g.NumProcessedTokens()
	if ctx := g.ContextLen(); start >= ctx && ctx > 0 {
		start = ctx - 1
	}
	return start - g.NumEvictedTokens()
}

// groupNeedBlocks returns the per-sequence table length required to hold
// the group's occupied plus scheduled token slots.
func (m *Manager) groupNeedBlocks(g *sequence.Group) int {
	occupied := g.NumProcessedTokens() - g.NumEvictedTokens()
	needSlots := m.writeStartSlot(g) + g.NumScheduledTokens()
	if needSlots < occupied {
		needSlots = occupied
	}
	return (needSlots + m.blockSize - 1) / m.blockSize
}

// AppendSlots ensures every running sequence of g has block capacity for
// its scheduled tokens, performing copy-on-write on shared blocks that
// would be written. It returns the copy work for the cache manager and
// ErrCachePressure when the pool cannot satisfy the request.
func (m *Manager) AppendSlots(ctx context.Context, g *sequence.Group) (CopyMap, error) {
	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvblock.AppendSlots")

	scheduled := g.NumScheduledTokens()
	writeStart := m.writeStartSlot(g)
	needBlocks := m.groupNeedBlocks(g)

	var hashes []uint64
	if m.enablePrefixCaching && m.hasher != nil && g.NumRunningSeqs() == 1 {
		hashes = m.hasher.ChunkHashes(g.PromptIDs())
	}

	copyMap := CopyMap{}
	for _, seq := range g.RunningSequences() {
		table := m.tableFor(seq.ID())

		for len(table[0]) < needBlocks {
			logical := len(table[0])

			if logical < len(hashes) {
				hash := hashes[logical]
				if unit, ok := m.lookupCached(ctx, hash); ok {
					for l, blk := range unit {
						table[l] = append(table[l], blk)
					}
					continue
				}

				unit, err := m.allocUnit(ctx)
				if err != nil {
					return copyMap, err
				}
				var parent *uint64
				if logical > 0 {
					parent = &hashes[logical-1]
				}
				start := logical * m.blockSize
				m.storeHashed(ctx, hash, parent, unit, g.PromptIDs()[start:start+m.blockSize])
				for l, blk := range unit {
					table[l] = append(table[l], blk)
				}
				continue
			}

			unit, err := m.allocUnit(ctx)
			if err != nil {
				return copyMap, err
			}
			for l, blk := range unit {
				table[l] = append(table[l], blk)
			}
		}

		if scheduled == 0 {
			continue
		}

		// copy-on-write over the writable logical range
		firstWritable := writeStart / m.blockSize
		for idx := firstWritable; idx < needBlocks && idx < len(table[0]); idx++ {
			if table[0][idx].refCount <= 1 {
				continue
			}

			newUnit, err := m.allocUnit(ctx)
			if err != nil {
				return copyMap, err
			}
			olds := make([]*PhysicalBlock, m.numLayers)
			for l := range table {
				old := table[l][idx]
				olds[l] = old
				copyMap[old.id] = append(copyMap[old.id], newUnit[l].id)
				table[l][idx] = newUnit[l]
			}
			for _, old := range olds {
				m.releaseBlock(ctx, old)
			}
			traceLogger.Info("copy-on-write", "seq", seq.ID(), "logical", idx)
		}
	}

	return copyMap, nil
}

// CanAppendSlots is the non-destructive form of AppendSlots: it reports
// whether the pool can satisfy the group's scheduled tokens. Prefix-cache
// hits are not anticipated, making the check conservative and
// deterministic.
func (m *Manager) CanAppendSlots(g *sequence.Group) bool {
	return m.RequiredBlocksCount(g) <= m.NumFreeBlocks()
}

// RequiredBlocksCount returns the block ids needed to materialize the
// group's scheduled tokens, including copy-on-write copies.
func (m *Manager) RequiredBlocksCount(g *sequence.Group) int {
	scheduled := g.NumScheduledTokens()
	writeStart := m.writeStartSlot(g)
	needBlocks := m.groupNeedBlocks(g)

	total := 0
	for _, seq := range g.RunningSequences() {
		tableLen := 0
		var table [][]*PhysicalBlock
		if t, ok := m.tables[seq.ID()]; ok {
			table = t
			tableLen = len(t[0])
		}

		if delta := needBlocks - tableLen; delta > 0 {
			total += delta
		}

		if scheduled == 0 || table == nil {
			continue
		}
		firstWritable := writeStart / m.blockSize
		for idx := firstWritable; idx < needBlocks && idx < tableLen; idx++ {
			if table[0][idx].refCount > 1 {
				total++
			}
		}
	}
	return total
}

// ForkSequence clones the parent's table for the child, bumping every
// referenced block.
func (m *Manager) ForkSequence(parentID, childID uint64) error {
	parent, ok := m.tables[parentID]
	if !ok {
		return fmt.Errorf("fork: sequence %d has no block table", parentID)
	}

	child := make([][]*PhysicalBlock, m.numLayers)
	for l, layer := range parent {
		child[l] = append([]*PhysicalBlock(nil), layer...)
		for _, blk := range layer {
			blk.refCount++
		}
	}
	m.tables[childID] = child
	return nil
}

// FreeSequence releases every block referenced by the sequence and drops
// its table. Hashed blocks stay discoverable until scavenged.
func (m *Manager) FreeSequence(seqID uint64) {
	table, ok := m.tables[seqID]
	if !ok {
		return
	}

	ctx := context.Background()
	for _, layer := range table {
		for _, blk := range layer {
			m.releaseBlock(ctx, blk)
		}
	}
	delete(m.tables, seqID)
}

// OccupiedBlocksCount returns the number of distinct block ids referenced
// by the group's not-finished sequences.
func (m *Manager) OccupiedBlocksCount(g *sequence.Group) int {
	seen := make(map[*PhysicalBlock]struct{})
	for _, seq := range g.NotFinishedSequences() {
		table, ok := m.tables[seq.ID()]
		if !ok {
			continue
		}
		for _, blk := range table[0] {
			seen[blk] = struct{}{}
		}
	}
	return len(seen)
}

// dropLastBlock removes the trailing logical block of a sequence across
// all layers; it reports whether a block id was actually returned to the
// pool.
func (m *Manager) dropLastBlock(ctx context.Context, seqID uint64) bool {
	table, ok := m.tables[seqID]
	if !ok || len(table[0]) == 0 {
		return false
	}

	freed := false
	for l := range table {
		last := len(table[l]) - 1
		blk := table[l][last]
		table[l] = table[l][:last]
		if blk.refCount == 1 && l == 0 {
			freed = true
		}
		m.releaseBlock(ctx, blk)
	}
	return freed
}

// FreeGroupPartially drops trailing logical blocks from every sequence of
// the group until blocksNeeded block ids were released or only the
// prompt's first block remains. It returns the number of logical blocks
// dropped per sequence.
func (m *Manager) FreeGroupPartially(g *sequence.Group, blocksNeeded int) int {
	ctx := context.Background()
	released := 0
	logical := 0

	for released < blocksNeeded {
		progress := false
		for _, seq := range g.NotFinishedSequences() {
			table, ok := m.tables[seq.ID()]
			if !ok || len(table[0]) <= 1 {
				continue
			}
			if m.dropLastBlock(ctx, seq.ID()) {
				released++
			}
			progress = true
		}
		if !progress {
			break
		}
		logical++
	}
	return logical
}

// FreeBeamGroupPartially first releases trailing blocks unique to the
// highest-scored loser beams, then falls back to the common tail drop.
func (m *Manager) FreeBeamGroupPartially(g *sequence.Group, blocksNeeded int) int {
	ctx := context.Background()

	seqs := append([]*sequence.Sequence(nil), g.NotFinishedSequences()...)
	sort.SliceStable(seqs, func(i, j int) bool {
		return seqs[i].CumulativeLogProb() > seqs[j].CumulativeLogProb()
	})

	released := 0
	logical := 0
	for _, seq := range seqs {
		table, ok := m.tables[seq.ID()]
		if !ok {
			continue
		}
		for released < blocksNeeded && len(table[0]) > 1 {
			last := len(table[0]) - 1
			if table[0][last].refCount != 1 {
				break // shared with a sibling beam
			}
			if m.dropLastBlock(ctx, seq.ID()) {
				released++
				logical++
			}
		}
		if released >= blocksNeeded {
			return logical
		}
	}

	return logical + m.FreeGroupPartially(g, blocksNeeded-released)
}

// FreeBlocksFromSequence releases specific logical indices, which may
// differ per layer (the eviction path). Counts per layer must be equal;
// the caller asserts that.
func (m *Manager) FreeBlocksFromSequence(seqID uint64, perLayer []sets.Set[int]) {
	table, ok := m.tables[seqID]
	if !ok {
		return
	}

	ctx := context.Background()
	for l, toFree := range perLayer {
		if l >= len(table) || toFree.Len() == 0 {
			continue
		}
		kept := table[l][:0]
		for idx, blk := range table[l] {
			if toFree.Has(idx) {
				m.releaseBlock(ctx, blk)
				continue
			}
			kept = append(kept, blk)
		}
		table[l] = kept
	}
}

// RestoreCachedBlocks attaches previously hashed prompt blocks to the
// group's single sequence and advances its processed-token counter to the
// longest matched block-aligned prefix.
func (m *Manager) RestoreCachedBlocks(ctx context.Context, g *sequence.Group) {
	if !m.enablePrefixCaching || m.hasher == nil {
		return
	}

	seq := g.First()
	table := m.tableFor(seq.ID())
	if len(table[0]) != 0 {
		return
	}

	matched := 0
	for _, hash := range m.hasher.ChunkHashes(g.PromptIDs()) {
		unit, ok := m.lookupCached(ctx, hash)
		if !ok {
			break
		}
		for l, blk := range unit {
			table[l] = append(table[l], blk)
		}
		matched += m.blockSize
	}

	if matched > 0 {
		g.UpdateProcessedTokens(matched)
		klog.FromContext(ctx).V(logging.DEBUG).Info("restored cached prefix",
			"requestID", g.RequestID(), "tokens", matched)
	}
}
