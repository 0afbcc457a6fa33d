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

// Package engine drives the continuous-batching pipeline: admission,
// per-step scheduling, the model forward pass, cache eviction, sampling
// feedback, and request reaping — plus the speculative-decoding
// coordinator pairing a main and a draft pipeline.
package engine

import (
	"context"

	"github.com/llm-d/llm-d-batching-engine/pkg/kvblock"
	"github.com/llm-d/llm-d-batching-engine/pkg/scheduler"
	"github.com/llm-d/llm-d-batching-engine/pkg/sequence"
)

// Logits is the opaque forward-pass output handed to the Sampler.
type Logits []float32

// ModelRunner is the neural-network forward pass. It must honor the
// scheduler output's block tables as the KV addressing for each scheduled
// sequence.
type ModelRunner interface {
	// Forward runs one batched forward pass over the scheduled portion
	// of the active groups.
	Forward(ctx context.Context, groups []*sequence.Group, out *scheduler.Output) (Logits, error)
	// LastAttentionScores reports, per sequence id, the per-layer
	// per-logical-block attention scores of the last forward pass. May
	// return nil when the model does not expose scores.
	LastAttentionScores() map[uint64][][]float64
}

// CacheManager applies copy-on-write block copies before the model reads
// the affected blocks.
type CacheManager interface {
	CopyBlocks(ctx context.Context, copies kvblock.CopyMap) error
}

// SamplerOutput is the sampler's feedback to the pipeline, returned
// explicitly rather than through callbacks so the sampler never re-enters
// the block manager mid-sample.
type SamplerOutput struct {
	// ForkedSequences maps parent sequence ids to the children the
	// sampler added to their groups.
	ForkedSequences map[uint64][]uint64
	// DroppedSequences lists sequence ids the sampler removed.
	DroppedSequences []uint64
}

// Sampler turns logits into per-sequence next-token decisions. It appends
// generated ids and log-probs onto sequences and may fork or drop
// sequences within their groups.
type Sampler interface {
	// Sample processes the logits of one forward pass. In validation
	// mode the sampler verifies previously appended candidate tokens
	// and truncates divergent tails through Group.TruncateSequence.
	Sample(ctx context.Context, groups []*sequence.Group, out *scheduler.Output,
		logits Logits, validationMode bool) (*SamplerOutput, error)

	// ClearRequestInfo drops per-request sampler state (beam-search
	// bookkeeping, logit-processor history) when a request leaves the
	// pipeline.
	ClearRequestInfo(requestID uint64)

	// RollbackLogitProcessor pops the given tokens from the request's
	// logit-processor history. Skipping this on truncation corrupts
	// repetition-penalty style processors.
	RollbackLogitProcessor(requestID uint64, droppedTokens []int64)
}
