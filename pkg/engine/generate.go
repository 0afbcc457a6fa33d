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
	"fmt"
	"sort"

	"github.com/llm-d/llm-d-batching-engine/pkg/sequence"
)

// GenerationResult is the final outcome of one request.
type GenerationResult struct {
	RequestID uint64
	// TokenIDs holds up to NumReturnSequences outputs ordered by
	// descending score.
	TokenIDs [][]int64
	Scores   []float32
	Status   sequence.GenerationStatus
}

// Generate is the synchronous convenience surface: it admits every input,
// drives Step until all requests finish or the streamer stops generation,
// and collects the results. A nil streamer disables streaming; streaming
// requires a single greedy or multinomial request.
//
// A panic out of Step poisons the pipeline: all in-flight requests are
// dropped before the panic is rethrown.
func (e *Engine) Generate(ctx context.Context, inputs [][]int64,
	params []*sequence.SamplingParams, streamer Streamer,
) ([]GenerationResult, error) {
	if e.HasNonFinishedRequests() {
		return nil, fmt.Errorf("generate cannot run while the pipeline has requests; use AddRequest")
	}
	if len(inputs) != len(params) {
		return nil, fmt.Errorf("got %d inputs but %d sampling params", len(inputs), len(params))
	}
	if streamer != nil {
		if len(inputs) != 1 {
			return nil, fmt.Errorf("streaming requires a single request, got %d", len(inputs))
		}
		if params[0] != nil && params[0].IsBeamSearch() {
			return nil, fmt.Errorf("streaming is not supported with beam search")
		}
	}

	handles := make([]*sequence.GenerationHandle, len(inputs))
	for i, input := range inputs {
		handle, err := e.AddRequest(uint64(i), input, params[i])
		if err != nil {
			return nil, err
		}
		handles[i] = handle
	}

	defer func() {
		if r := recover(); r != nil {
			e.poisoned = true
			e.FinishAll()
			panic(r)
		}
	}()

	streamedFinal, err := driveSteps(ctx, e.Step, e.HasNonFinishedRequests, handles, streamer)
	if err != nil {
		e.FinishAll()
		return nil, err
	}

	return collectResults(handles, streamedFinal), nil
}

// driveSteps repeatedly advances the pipeline, forwarding streamed tokens
// until completion or until the streamer stops generation. It returns the
// final cumulative frame of handle 0 if the streaming loop consumed it.
func driveSteps(ctx context.Context, step func(context.Context) error, hasWork func() bool,
	handles []*sequence.GenerationHandle, streamer Streamer,
) (sequence.Outputs, error) {
	var streamedFinal sequence.Outputs
	continueGeneration := true
	for hasWork() && continueGeneration {
		if err := step(ctx); err != nil {
			return nil, err
		}
		if streamer == nil {
			continue
		}

		for handles[0].CanRead() && continueGeneration {
			outs, ok := handles[0].TryRead()
			if !ok {
				break
			}
			for _, out := range outs {
				if out.Status != sequence.StatusRunning {
					streamedFinal = outs
					continue
				}
				for _, tokenID := range out.GeneratedIDs {
					if streamer.Put(tokenID) {
						continueGeneration = false
						break
					}
				}
			}
		}
	}

	if streamer != nil {
		streamer.End()
	}
	if !continueGeneration {
		// reap the cancelled request before returning
		handles[0].Drop()
		if err := step(ctx); err != nil {
			return nil, err
		}
	}
	return streamedFinal, nil
}

// collectResults reads every handle's final cumulative frame and orders
// the outputs by score.
func collectResults(handles []*sequence.GenerationHandle, streamedFinal sequence.Outputs) []GenerationResult {
	results := make([]GenerationResult, 0, len(handles))
	for i, handle := range handles {
		var final sequence.Outputs
		if i == 0 && streamedFinal != nil {
			final = streamedFinal
		}
		for {
			outs, ok := handle.TryRead()
			if !ok {
				break
			}
			for _, out := range outs {
				if out.Status != sequence.StatusRunning {
					final = outs
				}
			}
		}

		result := GenerationResult{RequestID: uint64(i), Status: handle.Status()}
		outputs := make([]sequence.GenerationOutput, 0, len(final))
		for _, out := range final {
			outputs = append(outputs, out)
		}
		sort.SliceStable(outputs, func(a, b int) bool {
			return outputs[a].Score > outputs[b].Score
		})

		numOutputs := len(outputs)
		if handle.Params() != nil && handle.Params().NumReturnSequences < numOutputs {
			numOutputs = handle.Params().NumReturnSequences
		}
		for _, out := range outputs[:numOutputs] {
			result.TokenIDs = append(result.TokenIDs, out.GeneratedIDs)
			result.Scores = append(result.Scores, out.Score)
		}
		results = append(results, result)
	}
	return results
}
