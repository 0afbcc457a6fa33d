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

package engine

import (
	"context"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-batching-engine/pkg/utils/logging"
)

// GeneratedSequence is one sequence's generated tokens and log-probs as
// exchanged between the pipelines of a speculative pair.
type GeneratedSequence struct {
	TokenIDs []int64
	LogProbs []float32
}

// GeneratedRequests maps request id → grouped sequence id → generated
// tokens.
type GeneratedRequests map[uint64]map[uint64]GeneratedSequence

// GeneratedRequests snapshots the generated tokens of every active
// request.
func (e *Engine) GeneratedRequests(ctx context.Context) GeneratedRequests {
	e.PullAwaitingRequests(ctx)

	result := make(GeneratedRequests, len(e.requests))
	for _, g := range e.requests {
		seqs := make(map[uint64]GeneratedSequence, len(g.Sequences()))
		for _, seq := range g.Sequences() {
			seqs[seq.GroupedID()] = GeneratedSequence{
				TokenIDs: append([]int64(nil), seq.GeneratedIDs()...),
				LogProbs: append([]float32(nil), seq.GeneratedLogProbs()...),
			}
		}
		result[g.RequestID()] = seqs
	}
	return result
}

// UpdateResult counts the tokens a sequence-diff update changed.
type UpdateResult struct {
	InsertedTokens int
	RemovedTokens  int
}

// UpdateRequest aligns a request's sequence against candidate tokens:
// the divergent tail beyond the longest common prefix is truncated (with
// logit-processor rollback) and the candidate's new tail is appended.
// isValidated marks candidates already verified by the main model.
//
// Multi-sequence speculative verification is unsupported: only the first
// sequence with a matching candidate is updated.
func (e *Engine) UpdateRequest(ctx context.Context, requestID uint64,
	candidates map[uint64]GeneratedSequence, isValidated bool,
) UpdateResult {
	e.PullAwaitingRequests(ctx)

	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("engine.UpdateRequest")

	for _, g := range e.requests {
		if g.RequestID() != requestID {
			continue
		}

		for _, seq := range g.Sequences() {
			candidate, ok := candidates[seq.GroupedID()]
			if !ok {
				continue
			}

			present := seq.GeneratedIDs()
			commonLen := 0
			for commonLen < len(present) && commonLen < len(candidate.TokenIDs) &&
				present[commonLen] == candidate.TokenIDs[commonLen] {
				commonLen++
			}

			toRemove := len(present) - commonLen
			if toRemove > 0 {
				removed := append([]int64(nil), present[commonLen:]...)
				g.TruncateSequence(seq, toRemove)
				e.sampler.RollbackLogitProcessor(requestID, removed)
			}

			toInsert := len(candidate.TokenIDs) - commonLen
			for i := commonLen; i < len(candidate.TokenIDs); i++ {
				logProb := float32(0)
				if i < len(candidate.LogProbs) {
					logProb = candidate.LogProbs[i]
				}
				seq.AppendToken(candidate.TokenIDs[i], logProb)
			}

			traceLogger.Info("updated sequence",
				"requestID", requestID, "validated", isValidated,
				"removed", toRemove, "inserted", toInsert)
			return UpdateResult{InsertedTokens: toInsert, RemovedTokens: toRemove}
		}
		return UpdateResult{}
	}
	return UpdateResult{}
}
