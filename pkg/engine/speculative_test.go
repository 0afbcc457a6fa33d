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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-batching-engine/pkg/engine"
	"github.com/llm-d/llm-d-batching-engine/pkg/scheduler"
	"github.com/llm-d/llm-d-batching-engine/pkg/sequence"
)

func specConfig() *engine.Config {
	return &engine.Config{
		Scheduler: &scheduler.Config{
			MaxNumBatchedTokens: 64,
			MaxNumSeqs:          8,
			NumKVBlocks:         16,
			BlockSize:           4,
		},
		NumLayers: 1,
	}
}

func newSpeculativeEngine(t *testing.T, mainNext, draftNext nextTokenFunc,
) (*engine.SpeculativeEngine, *fakeSampler, *fakeSampler) {
	t.Helper()
	mainSampler := newFakeSampler(mainNext)
	draftSampler := newFakeSampler(draftNext)

	e, err := engine.NewSpeculative(context.Background(),
		engine.ModelDesc{
			Config: specConfig(), Runner: &fakeRunner{}, Cache: &fakeCache{},
			Sampler: mainSampler, Tokenizer: &fakeTokenizer{},
		},
		engine.ModelDesc{
			Config: specConfig(), Runner: &fakeRunner{}, Cache: &fakeCache{},
			Sampler: draftSampler, Tokenizer: &fakeTokenizer{},
		})
	require.NoError(t, err)
	return e, mainSampler, draftSampler
}

func specParams(maxNew, assistant int) *sequence.SamplingParams {
	p := sequence.DefaultSamplingParams()
	p.MaxNewTokens = maxNew
	p.NumAssistantTokens = assistant
	return p
}

func driveSpeculative(t *testing.T, e *engine.SpeculativeEngine, maxSteps int) {
	t.Helper()
	for i := 0; i < maxSteps; i++ {
		if !e.HasNonFinishedRequests() {
			return
		}
		require.NoError(t, e.Step(context.Background()))
	}
	require.False(t, e.HasNonFinishedRequests(), "speculative pipeline did not drain")
}

func TestSpeculativeMatchesMainAlone(t *testing.T) {
	next := greedy(500)

	// reference: the main model alone
	alone, _, _ := newTestEngine(t, specConfig(), next)
	aloneHandle, err := alone.AddRequest(7, []int64{1, 2, 3, 4}, specParams(6, 0))
	require.NoError(t, err)
	driveToCompletion(t, alone, 12)
	reference := finalFrame(t, aloneHandle)[0].GeneratedIDs

	// identical draft and main models: everything is accepted
	e, _, _ := newSpeculativeEngine(t, next, next)
	handle, err := e.AddRequest(7, []int64{1, 2, 3, 4}, specParams(6, 3))
	require.NoError(t, err)
	driveSpeculative(t, e, 12)

	final := finalFrame(t, handle)
	assert.Equal(t, reference, final[0].GeneratedIDs)

	rate := e.SpeculativeMetrics().AcceptanceRate(7)
	assert.GreaterOrEqual(t, rate, 0.0)
	assert.LessOrEqual(t, rate, 1.0)
	assert.InDelta(t, 1.0, rate, 1e-9, "identical models accept every proposal")
	assert.Positive(t, e.SpeculativeMetrics().DraftAcceptedTokens(7))
}

func TestSpeculativeDivergentDraftIsCorrected(t *testing.T) {
	mainNext := greedy(500)
	draftNext := func(requestID uint64, pos int) int64 {
		if pos >= 1 {
			return 900 + int64(pos) // diverges from the main model
		}
		return mainNext(requestID, pos)
	}

	e, _, draftSampler := newSpeculativeEngine(t, mainNext, draftNext)
	handle, err := e.AddRequest(3, []int64{1, 2, 3, 4}, specParams(5, 3))
	require.NoError(t, err)
	driveSpeculative(t, e, 20)

	// the main model's output wins regardless of draft quality
	final := finalFrame(t, handle)
	assert.Equal(t, []int64{500, 501, 502, 503, 504}, final[0].GeneratedIDs)

	rate := e.SpeculativeMetrics().AcceptanceRate(3)
	assert.Greater(t, rate, 0.0)
	assert.Less(t, rate, 1.0, "divergent proposals must be rejected")

	// draft truncations must notify the logit-processor rollback
	assert.Positive(t, draftSampler.rollbackCount(3))
}

func TestSpeculativeRequiresAssistantTokens(t *testing.T) {
	e, _, _ := newSpeculativeEngine(t, greedy(1), greedy(1))
	_, err := e.AddRequest(1, []int64{1, 2}, sequence.DefaultSamplingParams())
	assert.Error(t, err)
}

func TestSpeculativeGenerate(t *testing.T) {
	next := greedy(300)
	e, _, _ := newSpeculativeEngine(t, next, next)

	results, err := e.Generate(context.Background(),
		[][]int64{{1, 2, 3, 4}},
		[]*sequence.SamplingParams{specParams(4, 2)}, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, [][]int64{{300, 301, 302, 303}}, results[0].TokenIDs)
	assert.False(t, e.HasNonFinishedRequests())
}

func TestSpeculativeDynamicScheduleMatchesMainOutput(t *testing.T) {
	next := greedy(400)
	e, _, _ := newSpeculativeEngine(t, next, next)

	params := specParams(4, 0)
	params.NumAssistantTokensSchedule = sequence.ScheduleDynamic
	// the fake sampler emits log-prob -0.1 (confidence ~0.9)
	params.AssistantConfidenceThreshold = 0.95

	handle, err := e.AddRequest(9, []int64{1, 2, 3, 4}, params)
	require.NoError(t, err)
	driveSpeculative(t, e, 24)

	final := finalFrame(t, handle)
	assert.Equal(t, []int64{400, 401, 402, 403}, final[0].GeneratedIDs)
}
