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

package engine_test

import (
	"context"
	"sync"

	"github.com/llm-d/llm-d-batching-engine/pkg/engine"
	"github.com/llm-d/llm-d-batching-engine/pkg/kvblock"
	"github.com/llm-d/llm-d-batching-engine/pkg/scheduler"
	"github.com/llm-d/llm-d-batching-engine/pkg/sequence"
)

// fakeRunner is a deterministic stand-in for the model forward pass.
type fakeRunner struct {
	forwards       int
	promptForwards int

	// tableLens records the scheduled block-table length of every
	// sequence per forward, in call order.
	tableLens []map[uint64]int

	// makeScores, when set, fabricates per-sequence attention scores
	// from the scheduled block tables.
	makeScores func(seqID uint64, numBlocks int) [][]float64
	lastScores map[uint64][][]float64
}

func (r *fakeRunner) Forward(_ context.Context, _ []*sequence.Group, out *scheduler.Output) (engine.Logits, error) {
	r.forwards++
	if out.IsPrompt {
		r.promptForwards++
	}

	lens := make(map[uint64]int, len(out.BlockTables))
	r.lastScores = make(map[uint64][][]float64)
	for seqID, layers := range out.BlockTables {
		lens[seqID] = len(layers[0])
		if r.makeScores != nil {
			r.lastScores[seqID] = r.makeScores(seqID, len(layers[0]))
		}
	}
	r.tableLens = append(r.tableLens, lens)
	return engine.Logits{}, nil
}

func (r *fakeRunner) LastAttentionScores() map[uint64][][]float64 { return r.lastScores }

// fakeCache records copy-on-write work.
type fakeCache struct {
	copies []kvblock.CopyMap
}

func (c *fakeCache) CopyBlocks(_ context.Context, copies kvblock.CopyMap) error {
	c.copies = append(c.copies, copies)
	return nil
}

// nextTokenFunc defines a model's deterministic continuation.
type nextTokenFunc func(requestID uint64, pos int) int64

// fakeSampler emulates greedy sampling over a scripted model: every
// scheduled group whose forward pass reached the context tip gets its next
// token appended; in validation mode previously appended candidates are
// verified first and divergent tails truncated.
type fakeSampler struct {
	next nextTokenFunc

	mu        sync.Mutex
	rollbacks map[uint64][][]int64
	cleared   []uint64
}

func newFakeSampler(next nextTokenFunc) *fakeSampler {
	return &fakeSampler{next: next, rollbacks: make(map[uint64][][]int64)}
}

func (s *fakeSampler) Sample(_ context.Context, groups []*sequence.Group, out *scheduler.Output,
	_ engine.Logits, validationMode bool,
) (*engine.SamplerOutput, error) {
	for _, id := range out.ScheduledGroupIDs {
		g := groups[id]
		if g.NumScheduledTokens() == 0 {
			continue
		}
		covered := g.NumProcessedTokens() + g.NumScheduledTokens()
		if covered > g.ContextLen() {
			covered = g.ContextLen()
		}
		if covered < g.ContextLen() {
			continue // mid-prompt chunk, no logits at the tip yet
		}

		for _, seq := range g.RunningSequences() {
			if validationMode {
				s.verify(g, seq)
			}
			if seq.NumGenerated() < g.Params().MaxNewTokens {
				seq.AppendToken(s.next(g.RequestID(), seq.NumGenerated()), -0.1)
			}
		}
	}
	return &engine.SamplerOutput{}, nil
}

// verify accepts the longest matching prefix of unverified candidate
// tokens and truncates the divergent tail.
func (s *fakeSampler) verify(g *sequence.Group, seq *sequence.Sequence) {
	gen := seq.GeneratedIDs()
	pos := g.NumProcessedTokens() - g.PromptLen()
	if pos < 0 {
		pos = 0
	}
	for ; pos < len(gen); pos++ {
		if gen[pos] != s.next(g.RequestID(), pos) {
			break
		}
	}
	if pos < len(gen) {
		g.TruncateSequence(seq, len(gen)-pos)
	}
	// the token budget bounds accepted output as well
	if over := seq.NumGenerated() - g.Params().MaxNewTokens; over > 0 {
		g.TruncateSequence(seq, over)
	}
}

func (s *fakeSampler) ClearRequestInfo(requestID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared = append(s.cleared, requestID)
}

func (s *fakeSampler) RollbackLogitProcessor(requestID uint64, droppedTokens []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollbacks[requestID] = append(s.rollbacks[requestID], droppedTokens)
}

func (s *fakeSampler) rollbackCount(requestID uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rollbacks[requestID])
}

// fakeTokenizer maps bytes to token ids one-to-one.
type fakeTokenizer struct {
	encodes int
}

func (t *fakeTokenizer) Encode(text string) ([]int64, error) {
	t.encodes++
	ids := make([]int64, len(text))
	for i, b := range []byte(text) {
		ids[i] = int64(b)
	}
	return ids, nil
}

func (t *fakeTokenizer) Decode(ids []int64) (string, error) {
	buf := make([]byte, len(ids))
	for i, id := range ids {
		buf[i] = byte(id)
	}
	return string(buf), nil
}

func (t *fakeTokenizer) EOSTokenID() int64 { return 0 }
func (t *fakeTokenizer) BOSTokenID() int64 { return 1 }
func (t *fakeTokenizer) PadTokenID() int64 { return 2 }
