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
	"sync"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-batching-engine/pkg/sequence"
	"github.com/llm-d/llm-d-batching-engine/pkg/tokenization"
	"github.com/llm-d/llm-d-batching-engine/pkg/utils/logging"
)

// ModelDesc bundles the external collaborators of one pipeline of a
// speculative pair.
type ModelDesc struct {
	Config    *Config
	Runner    ModelRunner
	Cache     CacheManager
	Sampler   Sampler
	Tokenizer tokenization.Tokenizer
}

// SpeculativeMetrics aggregates per-request acceptance statistics.
type SpeculativeMetrics struct {
	mu sync.Mutex

	acceptanceRates map[uint64][]float64
	draftAccepted   map[uint64]int
}

func newSpeculativeMetrics() *SpeculativeMetrics {
	return &SpeculativeMetrics{
		acceptanceRates: make(map[uint64][]float64),
		draftAccepted:   make(map[uint64]int),
	}
}

func (m *SpeculativeMetrics) update(requestID uint64, rate float64, accepted int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acceptanceRates[requestID] = append(m.acceptanceRates[requestID], rate)
	m.draftAccepted[requestID] += accepted
}

// AcceptanceRate returns the request's mean acceptance rate in [0, 1].
func (m *SpeculativeMetrics) AcceptanceRate(requestID uint64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	rates := m.acceptanceRates[requestID]
	if len(rates) == 0 {
		return 0
	}
	sum := 0.0
	for _, r := range rates {
		sum += r
	}
	return sum / float64(len(rates))
}

// DraftAcceptedTokens returns how many draft tokens the main model kept.
func (m *SpeculativeMetrics) DraftAcceptedTokens(requestID uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.draftAccepted[requestID]
}

// SpeculativeEngine coordinates a main pipeline (validation mode) and a
// draft pipeline: the draft runs multiple steps ahead, the main verifies
// the proposals, and both KV caches are resynchronized through
// sequence-diff updates.
type SpeculativeEngine struct {
	// mu gates admission against Step so the two pipelines stay
	// coherent, and guards draftHandles.
	mu sync.Mutex

	main  *Engine
	draft *Engine

	mainTokenizer  tokenization.Tokenizer
	draftTokenizer tokenization.Tokenizer
	sameTokenizers bool

	draftHandles map[uint64]*sequence.GenerationHandle

	sdMetrics *SpeculativeMetrics
}

// NewSpeculative builds the coordinator and both pipelines.
func NewSpeculative(ctx context.Context, mainDesc, draftDesc ModelDesc) (*SpeculativeEngine, error) {
	main, err := New(ctx, mainDesc.Config, mainDesc.Runner, mainDesc.Cache,
		mainDesc.Sampler, mainDesc.Tokenizer, withValidationMode(), WithoutPartialPreemption())
	if err != nil {
		return nil, fmt.Errorf("failed to build main pipeline: %w", err)
	}

	draft, err := New(ctx, draftDesc.Config, draftDesc.Runner, draftDesc.Cache,
		draftDesc.Sampler, draftDesc.Tokenizer, WithoutPartialPreemption())
	if err != nil {
		return nil, fmt.Errorf("failed to build draft pipeline: %w", err)
	}

	e := &SpeculativeEngine{
		main:           main,
		draft:          draft,
		mainTokenizer:  main.Tokenizer(),
		draftTokenizer: draft.Tokenizer(),
		draftHandles:   make(map[uint64]*sequence.GenerationHandle),
		sdMetrics:      newSpeculativeMetrics(),
	}

	switch {
	case e.mainTokenizer == nil || e.draftTokenizer == nil:
		e.sameTokenizers = true
	default:
		e.sameTokenizers = tokenization.Equal(e.mainTokenizer, e.draftTokenizer)
	}
	return e, nil
}

// Metrics returns the main pipeline's metrics snapshot.
func (e *SpeculativeEngine) Metrics() PipelineMetrics { return e.main.Metrics() }

// SpeculativeMetrics returns the acceptance statistics.
func (e *SpeculativeEngine) SpeculativeMetrics() *SpeculativeMetrics { return e.sdMetrics }

// AddRequest mirrors the request to both pipelines under the coordinator
// mutex. The draft copy ignores EOS so it never stops ahead of the main
// model; the main handle is the consumer-facing one.
func (e *SpeculativeEngine) AddRequest(requestID uint64, promptIDs []int64,
	params *sequence.SamplingParams,
) (*sequence.GenerationHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if params == nil {
		params = sequence.DefaultSamplingParams()
	}
	if !params.IsSpeculative() {
		return nil, fmt.Errorf("request %d: speculative pipeline requires assistant-token params", requestID)
	}

	draftParams := params.Clone()
	draftParams.IgnoreEOS = true

	draftHandle, err := e.draft.AddRequest(requestID, promptIDs, draftParams)
	if err != nil {
		return nil, err
	}
	mainHandle, err := e.main.AddRequest(requestID, promptIDs, params)
	if err != nil {
		e.draft.FinishRequest(requestID)
		return nil, err
	}

	e.draftHandles[requestID] = draftHandle
	return mainHandle, nil
}

// HasNonFinishedRequests reports whether the main pipeline has work left.
func (e *SpeculativeEngine) HasNonFinishedRequests() bool {
	return e.main.HasNonFinishedRequests()
}

// Step runs one speculative iteration: draft multistep → proposal
// alignment → main verification step → draft resynchronization →
// acceptance accounting. New admissions block for the duration to keep
// the pair coherent.
func (e *SpeculativeEngine) Step(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	logger := klog.FromContext(ctx).V(logging.DEBUG).WithName("speculative.step")

	e.draft.PullAwaitingRequests(ctx)
	e.main.PullAwaitingRequests(ctx)

	// generate candidates with the draft model
	if err := e.draft.Multistep(ctx); err != nil {
		return fmt.Errorf("draft multistep failed: %w", err)
	}

	updateInfo := make(map[uint64]UpdateResult)

	draftRequests := e.draft.GeneratedRequests(ctx)
	if !e.sameTokenizers {
		draftRequests = e.retokenize(draftRequests, e.draftTokenizer, e.mainTokenizer)
	}
	for requestID, candidates := range draftRequests {
		updateInfo[requestID] = e.main.UpdateRequest(ctx, requestID, candidates, false)
	}

	if err := e.main.Step(ctx); err != nil {
		return fmt.Errorf("main step failed: %w", err)
	}

	mainRequests := e.main.GeneratedRequests(ctx)
	if !e.sameTokenizers {
		mainRequests = e.retokenize(mainRequests, e.mainTokenizer, e.draftTokenizer)
	}
	for requestID, verified := range mainRequests {
		result := e.draft.UpdateRequest(ctx, requestID, verified, true)
		info := updateInfo[requestID]
		info.RemovedTokens = result.RemovedTokens
		updateInfo[requestID] = info
	}

	// finish draft requests whose main side completed
	for requestID := range draftRequests {
		if _, alive := mainRequests[requestID]; !alive {
			e.draft.FinishRequest(requestID)
			delete(e.draftHandles, requestID)
		}

		info := updateInfo[requestID]
		if info.InsertedTokens == 0 {
			continue // pure prompt phase
		}
		rate := 1 - float64(info.RemovedTokens)/float64(info.InsertedTokens)
		if rate < 0 {
			rate = 0
		}
		accepted := info.InsertedTokens - info.RemovedTokens
		if accepted < 0 {
			accepted = 0
		}
		e.sdMetrics.update(requestID, rate, accepted)
		logger.Info("speculative round", "requestID", requestID,
			"inserted", info.InsertedTokens, "removed", info.RemovedTokens,
			"acceptanceRate", rate)
	}

	return nil
}

// retokenize round-trips generated sequences through decode/encode when
// the two pipelines use different tokenizers. Log-probs do not survive
// the trip and are zeroed.
func (e *SpeculativeEngine) retokenize(requests GeneratedRequests,
	from, to tokenization.Tokenizer,
) GeneratedRequests {
	out := make(GeneratedRequests, len(requests))
	for requestID, seqs := range requests {
		converted := make(map[uint64]GeneratedSequence, len(seqs))
		for groupedID, seq := range seqs {
			text, err := from.Decode(seq.TokenIDs)
			if err != nil {
				converted[groupedID] = seq
				continue
			}
			ids, err := to.Encode(text)
			if err != nil {
				converted[groupedID] = seq
				continue
			}
			converted[groupedID] = GeneratedSequence{
				TokenIDs: ids,
				LogProbs: make([]float32, len(ids)),
			}
		}
		out[requestID] = converted
	}
	return out
}

// FinishRequest drops the request from both pipelines.
func (e *SpeculativeEngine) FinishRequest(requestID uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finishLocked(requestID)
}

func (e *SpeculativeEngine) finishLocked(requestID uint64) {
	e.main.FinishRequest(requestID)
	e.draft.FinishRequest(requestID)
	delete(e.draftHandles, requestID)
}

// FinishAll drops every request from both pipelines.
func (e *SpeculativeEngine) FinishAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.main.FinishAll()
	e.draft.FinishAll()
	e.draftHandles = make(map[uint64]*sequence.GenerationHandle)
}

// Generate mirrors Engine.Generate over the speculative pair.
func (e *SpeculativeEngine) Generate(ctx context.Context, inputs [][]int64,
	params []*sequence.SamplingParams, streamer Streamer,
) ([]GenerationResult, error) {
	if e.HasNonFinishedRequests() {
		return nil, fmt.Errorf("generate cannot run while the pipeline has requests; use AddRequest")
	}
	if len(inputs) != len(params) {
		return nil, fmt.Errorf("got %d inputs but %d sampling params", len(inputs), len(params))
	}
	if streamer != nil && len(inputs) != 1 {
		return nil, fmt.Errorf("streaming requires a single request, got %d", len(inputs))
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
