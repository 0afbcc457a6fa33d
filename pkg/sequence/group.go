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

package sequence

// Group is one generation request: the prompt, the shared sampling
// parameters, and one or more sequences (more than one under beam search).
// Sequences are owned by the group; the group refers to nothing above it,
// only its request id ties it back to the pipeline.
type Group struct {
	requestID uint64
	promptIDs []int64
	params    *SamplingParams
	blockSize int

	sequences     []*Sequence
	nextGroupedID uint64

	numProcessedTokens int
	numScheduledTokens int
	numEvictedTokens   int

	// Context length observed when the last forward pass was issued;
	// FinishIteration never advances the processed counter past it.
	forwardContextLen int
	// Shortest context seen across truncations since that forward pass;
	// KV state beyond it is invalid. -1 when no truncation happened.
	truncatedCtxLen int

	waiting bool
	paused  bool

	stream *GenerationStream

	// Per-sequence count of tokens already delivered to the handle.
	notifiedLen map[uint64]int
}

// NewGroup builds a request group with a single running sequence.
func NewGroup(requestID uint64, promptIDs []int64, params *SamplingParams, blockSize int) *Group {
	g := &Group{
		requestID:       requestID,
		promptIDs:       promptIDs,
		params:          params,
		blockSize:       blockSize,
		truncatedCtxLen: -1,
		stream:          newGenerationStream(),
		notifiedLen:     make(map[uint64]int),
	}
	g.addSequence(NewSequence(g.nextGroupedID))
	return g
}

// RequestID returns the request id.
func (g *Group) RequestID() uint64 { return g.requestID }

// PromptIDs returns the prompt token ids.
func (g *Group) PromptIDs() []int64 { return g.promptIDs }

// PromptLen returns the prompt length in tokens.
func (g *Group) PromptLen() int { return len(g.promptIDs) }

// Params returns the shared sampling parameters.
func (g *Group) Params() *SamplingParams { return g.params }

// BlockSize returns the KV block size the group was admitted with.
func (g *Group) BlockSize() int { return g.blockSize }

// Sequences returns all sequences of the group.
func (g *Group) Sequences() []*Sequence { return g.sequences }

// First returns the group's first sequence; prompt phases run exactly one.
func (g *Group) First() *Sequence { return g.sequences[0] }

func (g *Group) addSequence(seq *Sequence) {
	g.sequences = append(g.sequences, seq)
	g.nextGroupedID++
}

// Fork clones parent into a new running sequence (beam search / forked
// sampling). The caller is responsible for forking the KV block table.
func (g *Group) Fork(parent *Sequence) *Sequence {
	child := NewSequence(g.nextGroupedID)
	child.generatedIDs = append([]int64(nil), parent.generatedIDs...)
	child.generatedLogProbs = append([]float32(nil), parent.generatedLogProbs...)
	child.cumulativeLogProb = parent.cumulativeLogProb
	g.addSequence(child)
	g.notifiedLen[child.id] = g.notifiedLen[parent.id]
	return child
}

// SequenceByID returns the sequence with the given global id.
func (g *Group) SequenceByID(seqID uint64) (*Sequence, bool) {
	for _, s := range g.sequences {
		if s.id == seqID {
			return s, true
		}
	}
	return nil, false
}

// HasSequenceWithID reports whether the group owns the sequence.
func (g *Group) HasSequenceWithID(seqID uint64) bool {
	_, ok := g.SequenceByID(seqID)
	return ok
}

// RemoveSequence drops a sequence from the group (sampler-driven drop).
func (g *Group) RemoveSequence(seqID uint64) {
	for i, s := range g.sequences {
		if s.id == seqID {
			s.status = StatusDropped
			g.sequences = append(g.sequences[:i], g.sequences[i+1:]...)
			delete(g.notifiedLen, seqID)
			return
		}
	}
}

// RunningSequences returns the sequences still generating.
func (g *Group) RunningSequences() []*Sequence {
	var running []*Sequence
	for _, s := range g.sequences {
		if s.IsRunning() {
			running = append(running, s)
		}
	}
	return running
}

// NotFinishedSequences returns the sequences that have not completed.
func (g *Group) NotFinishedSequences() []*Sequence {
	var seqs []*Sequence
	for _, s := range g.sequences {
		if !s.HasFinished() {
			seqs = append(seqs, s)
		}
	}
	return seqs
}

// FinishedSequences returns the completed sequences.
func (g *Group) FinishedSequences() []*Sequence {
	var seqs []*Sequence
	for _, s := range g.sequences {
		if s.HasFinished() {
			seqs = append(seqs, s)
		}
	}
	return seqs
}

// NumRunningSeqs returns the number of sequences still generating.
func (g *Group) NumRunningSeqs() int { return len(g.RunningSequences()) }

// maxGeneratedLen is the longest generated tail across live sequences.
func (g *Group) maxGeneratedLen() int {
	maxLen := 0
	for _, s := range g.sequences {
		if n := s.NumGenerated(); n > maxLen {
			maxLen = n
		}
	}
	return maxLen
}

// ContextLen returns prompt length plus the longest generated tail.
func (g *Group) ContextLen() int { return len(g.promptIDs) + g.maxGeneratedLen() }

// NumProcessedTokens returns how many context tokens have their KV state
// materialized in the cache.
func (g *Group) NumProcessedTokens() int { return g.numProcessedTokens }

// NumScheduledTokens returns the tokens scheduled per running sequence for
// the current step.
func (g *Group) NumScheduledTokens() int { return g.numScheduledTokens }

// NumEvictedTokens returns the token count released by cache eviction.
func (g *Group) NumEvictedTokens() int { return g.numEvictedTokens }

// ScheduleTokens records the per-sequence token count for this step.
func (g *Group) ScheduleTokens(n int) { g.numScheduledTokens = n }

// ClearScheduledTokens resets the per-step schedule.
func (g *Group) ClearScheduledTokens() { g.numScheduledTokens = 0 }

// NumAvailableTokensForBatching returns how many context tokens still need
// a forward pass. A fully cache-restored prompt reports one token so the
// model recomputes the trailing prompt position and produces logits.
func (g *Group) NumAvailableTokensForBatching() int {
	available := g.ContextLen() - g.numProcessedTokens
	if available <= 0 && g.maxGeneratedLen() == 0 && g.numProcessedTokens > 0 {
		return 1
	}
	if available < 0 {
		return 0
	}
	return available
}

// CanGenerateTokens reports whether the whole prompt has been processed and
// the group is eligible for the generation phase.
func (g *Group) CanGenerateTokens() bool {
	return !g.HasFinished() && !g.OutOfMemory() && !g.paused && !g.waiting &&
		g.numProcessedTokens >= len(g.promptIDs)
}

// IsWaiting reports whether the group was preempted this scheduling round.
func (g *Group) IsWaiting() bool { return g.waiting }

// SetWaiting marks the group preempted until the next scheduling round.
func (g *Group) SetWaiting() { g.waiting = true }

// ClearWaiting re-enables scheduling for a preempted group.
func (g *Group) ClearWaiting() { g.waiting = false }

// IsPaused reports whether generation is paused (speculative budget spent).
func (g *Group) IsPaused() bool { return g.paused }

// PauseGeneration toggles the pause flag.
func (g *Group) PauseGeneration(paused bool) { g.paused = paused }

// PreemptTokens rolls the processed counter back by n so the tokens are
// recomputed on the next admission.
func (g *Group) PreemptTokens(n int) {
	g.numProcessedTokens -= n
	if g.numProcessedTokens < 0 {
		g.numProcessedTokens = 0
	}
}

// UpdateProcessedTokens overrides the processed-token counter.
func (g *Group) UpdateProcessedTokens(n int) { g.numProcessedTokens = n }

// RegisterTokenEviction accounts for tokens dropped by cache eviction.
func (g *Group) RegisterTokenEviction(n int) { g.numEvictedTokens += n }

// ResetEvictionCount clears the eviction accounting (full recompute).
func (g *Group) ResetEvictionCount() { g.numEvictedTokens = 0 }

// MarkForwardComplete snapshots the context length covered by the forward
// pass that just ran and opens a fresh truncation window.
func (g *Group) MarkForwardComplete() {
	g.forwardContextLen = g.ContextLen()
	g.truncatedCtxLen = -1
}

// FinishIteration advances the processed counter by the scheduled tokens,
// clamped to the forward-time context (a recomputed trailing prompt token
// does not advance it) and to the shortest context any truncation left
// since the forward pass (KV beyond it is invalid).
func (g *Group) FinishIteration() {
	target := g.numProcessedTokens + g.numScheduledTokens
	if target > g.forwardContextLen {
		target = g.forwardContextLen
	}
	if g.truncatedCtxLen >= 0 && target > g.truncatedCtxLen {
		target = g.truncatedCtxLen
	}
	if ctx := g.ContextLen(); target > ctx {
		target = ctx
	}
	if target > g.numProcessedTokens {
		g.numProcessedTokens = target
	}
	g.numScheduledTokens = 0
}

// TruncateSequence removes the last n generated tokens from seq and keeps
// the processed counter consistent with the shrunken context. When the
// generated context empties entirely, the KV cache for the sequence is
// recomputed from the prompt.
func (g *Group) TruncateSequence(seq *Sequence, n int) {
	if n <= 0 {
		return
	}

	seq.removeLastTokens(n)
	if notified, ok := g.notifiedLen[seq.id]; ok && notified > seq.NumGenerated() {
		g.notifiedLen[seq.id] = seq.NumGenerated()
	}

	ctx := g.ContextLen()
	if g.truncatedCtxLen < 0 || ctx < g.truncatedCtxLen {
		g.truncatedCtxLen = ctx
	}
	if g.numProcessedTokens > ctx {
		g.numProcessedTokens = ctx
	}
	if g.maxGeneratedLen() == 0 {
		g.numProcessedTokens = len(g.promptIDs)
	}
}

// HasFinished reports whether every sequence completed.
func (g *Group) HasFinished() bool {
	if len(g.sequences) == 0 {
		return true
	}
	for _, s := range g.sequences {
		if !s.HasFinished() {
			return false
		}
	}
	return true
}

// OutOfMemory reports whether the group was terminated by cache pressure.
func (g *Group) OutOfMemory() bool {
	for _, s := range g.sequences {
		if s.OutOfMemory() {
			return true
		}
	}
	return false
}

// SetOutOfMemory terminates every running sequence with an OOM status.
func (g *Group) SetOutOfMemory() {
	for _, s := range g.sequences {
		if s.IsRunning() {
			s.status = StatusOutOfMemory
		}
	}
}

// Handle returns the consumer-facing generation handle.
func (g *Group) Handle() *GenerationHandle {
	return &GenerationHandle{stream: g.stream, params: g.params}
}

// HandleDropped reports whether the consumer dropped its handle.
func (g *Group) HandleDropped() bool { return g.stream.IsDropped() }

// PushEmptyOutputs unblocks a pending reader on a dropped handle with a
// final empty frame.
func (g *Group) PushEmptyOutputs() {
	g.stream.push(Outputs{})
	g.stream.close(GenerationDropped)
}

// NotifyHandle delivers generation progress to the handle: incremental new
// tokens for streaming modes while running, cumulative final outputs once
// the group finishes or runs out of memory. Beam-search groups deliver
// final outputs only.
func (g *Group) NotifyHandle() {
	if g.stream.IsDropped() {
		return
	}

	if g.HasFinished() || g.OutOfMemory() {
		if !g.params.IsBeamSearch() {
			g.pushIncremental()
		}

		outs := make(Outputs, len(g.sequences))
		for _, s := range g.sequences {
			ids := s.GeneratedIDs()
			if g.params.Echo {
				ids = append(append([]int64(nil), g.promptIDs...), ids...)
			}
			outs[s.groupedID] = GenerationOutput{
				GeneratedIDs:      ids,
				GeneratedLogProbs: s.GeneratedLogProbs(),
				Score:             s.CumulativeLogProb(),
				Status:            s.status,
			}
		}
		g.stream.push(outs)

		status := GenerationFinished
		if g.OutOfMemory() {
			status = GenerationIgnored
		}
		g.stream.close(status)
		return
	}

	if g.params.IsBeamSearch() {
		return
	}
	g.pushIncremental()
}

// pushIncremental delivers tokens generated since the last notification as
// a streaming frame with running status.
func (g *Group) pushIncremental() {
	outs := make(Outputs)
	for _, s := range g.sequences {
		notified := g.notifiedLen[s.id]
		if s.NumGenerated() <= notified {
			continue
		}
		outs[s.groupedID] = GenerationOutput{
			GeneratedIDs:      append([]int64(nil), s.generatedIDs[notified:]...),
			GeneratedLogProbs: append([]float32(nil), s.generatedLogProbs[notified:]...),
			Score:             s.CumulativeLogProb(),
			Status:            StatusRunning,
		}
		g.notifiedLen[s.id] = s.NumGenerated()
	}
	if len(outs) > 0 {
		g.stream.push(outs)
	}
}
