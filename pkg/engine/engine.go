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
	"math"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-batching-engine/pkg/eviction"
	"github.com/llm-d/llm-d-batching-engine/pkg/kvblock"
	"github.com/llm-d/llm-d-batching-engine/pkg/kvevents"
	"github.com/llm-d/llm-d-batching-engine/pkg/metrics"
	"github.com/llm-d/llm-d-batching-engine/pkg/scheduler"
	"github.com/llm-d/llm-d-batching-engine/pkg/sequence"
	"github.com/llm-d/llm-d-batching-engine/pkg/tokenization"
	"github.com/llm-d/llm-d-batching-engine/pkg/utils/logging"
)

// avgCacheUsageWindowSize is the step window for the running average cache
// usage metric.
const avgCacheUsageWindowSize = 1000

// Config holds the engine configuration.
type Config struct {
	Scheduler *scheduler.Config `json:"scheduler"`
	// NumLayers is the model's attention layer count; it dimensions the
	// KV pool.
	NumLayers int `json:"numLayers"`
	// EncodeCache configures prompt-tokenization memoization on the
	// text admission path.
	EncodeCache *tokenization.EncodeCacheConfig `json:"encodeCache,omitempty"`
}

// DefaultConfig returns a single-layer engine configuration with the
// scheduler defaults.
func DefaultConfig() *Config {
	return &Config{
		Scheduler: scheduler.DefaultConfig(),
		NumLayers: 1,
	}
}

// PipelineMetrics is the per-step metrics snapshot exposed on the public
// surface.
type PipelineMetrics struct {
	// Requests is the active request-group count at the last step.
	Requests int
	// ScheduledRequests is the group count scheduled at the last step.
	ScheduledRequests int

	CacheUsage    float64
	AvgCacheUsage float64
	MaxCacheUsage float64
}

// Option customizes engine construction.
type Option func(*Engine)

// WithEventSink attaches a KV event sink; its batch is flushed once per
// step.
func WithEventSink(sink *kvevents.BatchSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// withValidationMode turns the engine into the verifying side of a
// speculative pair.
func withValidationMode() Option {
	return func(e *Engine) { e.validationMode = true }
}

// WithoutPartialPreemption forces preemption to full recompute. Both
// pipelines of a speculative pair run with this set so their KV caches
// resynchronize from whole-group state only.
func WithoutPartialPreemption() Option {
	return func(e *Engine) { e.noPartialPreemption = true }
}

// Engine is the continuous-batching pipeline core. Step runs on a single
// thread; AddRequest and the generation handles are the only cross-thread
// surfaces.
type Engine struct {
	config    *Config
	sched     *scheduler.Scheduler
	runner    ModelRunner
	cache     CacheManager
	sampler   Sampler
	tokenizer tokenization.Tokenizer
	sink      *kvevents.BatchSink

	validationMode      bool
	noPartialPreemption bool

	awaitingMu sync.Mutex
	awaiting   []*sequence.Group

	// requests is the active set, touched only by the pipeline thread.
	requests []*sequence.Group

	evictionAlgos map[uint64]*eviction.Algorithm

	pm               PipelineMetrics
	cacheUsageWindow []float64

	poisoned bool
}

// New builds an engine around the external collaborators. tokenizer may be
// nil when only token-id admission is used; it is wrapped with the encode
// cache otherwise.
func New(ctx context.Context, config *Config, runner ModelRunner, cache CacheManager,
	sampler Sampler, tokenizer tokenization.Tokenizer, opts ...Option,
) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if runner == nil || sampler == nil {
		return nil, fmt.Errorf("engine requires a model runner and a sampler")
	}
	numLayers := config.NumLayers
	if numLayers == 0 {
		numLayers = 1
	}

	e := &Engine{
		config:        config,
		runner:        runner,
		cache:         cache,
		sampler:       sampler,
		evictionAlgos: make(map[uint64]*eviction.Algorithm),
	}
	for _, opt := range opts {
		opt(e)
	}

	var schedOpts []scheduler.Option
	if e.noPartialPreemption {
		schedOpts = append(schedOpts, scheduler.WithoutPartialPreemption())
	}
	var kvSink kvblock.EventSink
	if e.sink != nil {
		kvSink = e.sink
	}
	sched, err := scheduler.New(ctx, config.Scheduler, numLayers, kvSink, schedOpts...)
	if err != nil {
		return nil, err
	}
	e.sched = sched

	if tokenizer != nil {
		cached, err := tokenization.NewEncodeCache(config.EncodeCache, tokenizer)
		if err != nil {
			return nil, err
		}
		e.tokenizer = cached
	}

	metrics.Register()
	return e, nil
}

// Scheduler exposes the owned scheduler (tests and the coordinator use it).
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.sched }

// Tokenizer returns the engine's tokenizer; nil for token-id-only engines.
func (e *Engine) Tokenizer() tokenization.Tokenizer { return e.tokenizer }

// AddRequest admits a tokenized request and returns its generation handle.
func (e *Engine) AddRequest(requestID uint64, promptIDs []int64,
	params *sequence.SamplingParams,
) (*sequence.GenerationHandle, error) {
	if len(promptIDs) == 0 {
		return nil, fmt.Errorf("request %d: empty prompt", requestID)
	}

	if params == nil {
		params = sequence.DefaultSamplingParams()
	} else {
		params = params.Clone()
	}
	if params.EOSTokenID == sequence.UnsetTokenID && e.tokenizer != nil {
		params.EOSTokenID = e.tokenizer.EOSTokenID()
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("request %d: invalid sampling params: %w", requestID, err)
	}

	group := sequence.NewGroup(requestID, promptIDs, params, e.sched.Config().BlockSize)

	e.awaitingMu.Lock()
	e.awaiting = append(e.awaiting, group)
	e.awaitingMu.Unlock()

	return group.Handle(), nil
}

// AddRequestText tokenizes prompt through the encode cache and admits it.
func (e *Engine) AddRequestText(requestID uint64, prompt string,
	params *sequence.SamplingParams,
) (*sequence.GenerationHandle, error) {
	if e.tokenizer == nil {
		return nil, fmt.Errorf("request %d: engine has no tokenizer", requestID)
	}

	promptIDs, err := e.tokenizer.Encode(prompt)
	if err != nil {
		return nil, fmt.Errorf("request %d: tokenization failed: %w", requestID, err)
	}
	return e.AddRequest(requestID, promptIDs, params)
}

// HasNonFinishedRequests reports whether requests remain in the pipeline.
func (e *Engine) HasNonFinishedRequests() bool {
	e.awaitingMu.Lock()
	defer e.awaitingMu.Unlock()
	return len(e.awaiting) > 0 || len(e.requests) > 0
}

// Metrics returns the pipeline metrics snapshot.
func (e *Engine) Metrics() PipelineMetrics { return e.pm }

// PullAwaitingRequests moves admitted requests into the active set. Fresh
// groups recover cached prefix blocks here, on the pipeline thread.
func (e *Engine) PullAwaitingRequests(ctx context.Context) {
	e.awaitingMu.Lock()
	pulled := e.awaiting
	e.awaiting = nil
	e.awaitingMu.Unlock()

	for _, g := range pulled {
		if e.sched.Config().EnablePrefixCaching {
			e.sched.RestoreCachedBlocks(ctx, g)
		}
		e.requests = append(e.requests, g)
	}
	for _, g := range e.requests {
		g.PauseGeneration(false)
	}
}

// Step advances the pipeline one iteration: pull awaiting → schedule →
// forward → evict → sample → fork/free → notify → reap. Speculative
// groups loop internally while draft tokens remain to propose or verify.
func (e *Engine) Step(ctx context.Context) error {
	e.PullAwaitingRequests(ctx)
	return e.Multistep(ctx)
}

// Multistep runs the iteration loop over the already pulled active set.
func (e *Engine) Multistep(ctx context.Context) error {
	if e.poisoned {
		return fmt.Errorf("pipeline poisoned by a previous invariant failure")
	}
	defer func() {
		// an invariant failure aborts the step and poisons the pipeline
		if r := recover(); r != nil {
			e.poisoned = true
			panic(r)
		}
	}()

	stepStart := time.Now()
	defer func() {
		metrics.StepDuration.Observe(time.Since(stepStart).Seconds())
	}()

	e.pm.Requests = len(e.requests)
	metrics.ActiveRequests.Set(float64(len(e.requests)))

	logger := klog.FromContext(ctx).V(logging.DEBUG).WithName("engine.step")

	iteration := 0
	for {
		out := e.sched.Schedule(ctx, e.requests)
		e.registerCacheUsage(out)

		if e.cache != nil && len(out.CopyMap) > 0 {
			if err := e.cache.CopyBlocks(ctx, out.CopyMap); err != nil {
				return fmt.Errorf("block copy failed: %w", err)
			}
		}

		// no tokens scheduled means not a single group fits: terminal
		// cache pressure
		if out.TotalNumScheduledTokens == 0 {
			for _, g := range e.requests {
				g.SetOutOfMemory()
				g.NotifyHandle()
				metrics.OOMRequests.Inc()
			}
			e.freeNonRunningRequests()
			return nil
		}
		metrics.ScheduledTokens.Add(float64(out.TotalNumScheduledTokens))

		scheduled := make([]*sequence.Group, 0, len(out.ScheduledGroupIDs))
		for _, id := range out.ScheduledGroupIDs {
			scheduled = append(scheduled, e.requests[id])
		}

		logits, err := e.runner.Forward(ctx, e.requests, out)
		if err != nil {
			return fmt.Errorf("model forward failed: %w", err)
		}
		for _, g := range scheduled {
			g.MarkForwardComplete()
		}

		if e.sched.Config().UseCacheEviction {
			e.maybeEvictCacheBlocks(ctx)
		}

		samplerOut, err := e.sampler.Sample(ctx, e.requests, out, logits, e.validationMode)
		if err != nil {
			return fmt.Errorf("sampling failed: %w", err)
		}
		for _, g := range scheduled {
			g.FinishIteration()
		}

		if samplerOut != nil {
			for parentID, childIDs := range samplerOut.ForkedSequences {
				for _, childID := range childIDs {
					if err := e.sched.ForkSequence(parentID, childID); err != nil {
						return err
					}
				}
			}
			for _, seqID := range samplerOut.DroppedSequences {
				e.sched.FreeSequence(seqID)
				delete(e.evictionAlgos, seqID)
			}
		}

		e.applyStoppingCriteria(scheduled)

		for _, g := range scheduled {
			g.NotifyHandle()
		}
		e.notifyRequestsDroppedByHandle()

		if e.sink != nil {
			if err := e.sink.Flush(ctx); err != nil {
				logger.Error(err, "failed to flush kv events")
			}
		}

		iteration++
		if !e.speculativeIterationPending(iteration) {
			break
		}
	}

	e.freeNonRunningRequests()
	return nil
}

// speculativeIterationPending decides whether the inner loop continues:
// only while at least one speculative group still has tokens to propose
// (draft side, bounded by the assistant budget) or to verify (validation
// side).
func (e *Engine) speculativeIterationPending(iteration int) bool {
	pending := false
	for _, g := range e.requests {
		params := g.Params()
		if !params.IsSpeculative() {
			return false
		}

		if params.NumAssistantTokensSchedule == sequence.ScheduleConstant &&
			params.NumAssistantTokens <= iteration {
			g.PauseGeneration(true)
		}
		if params.NumAssistantTokensSchedule == sequence.ScheduleDynamic &&
			params.AssistantConfidenceThreshold > 0 && !e.validationMode {
			confidence := math.Exp(float64(g.First().LastLogProb()))
			if g.First().NumGenerated() > 0 && confidence < float64(params.AssistantConfidenceThreshold) {
				g.PauseGeneration(true)
			}
		}

		if !g.CanGenerateTokens() {
			continue
		}
		if e.validationMode {
			// verification pending only while appended draft tokens
			// outnumber the standard single next token
			if g.NumAvailableTokensForBatching() > 1 {
				pending = true
			}
		} else {
			pending = true
		}
	}
	return pending
}

func (e *Engine) registerCacheUsage(out *scheduler.Output) {
	e.pm.ScheduledRequests = len(out.ScheduledGroupIDs)
	e.pm.CacheUsage = out.CacheUsage
	if out.CacheUsage > e.pm.MaxCacheUsage {
		e.pm.MaxCacheUsage = out.CacheUsage
	}

	if len(e.cacheUsageWindow) >= avgCacheUsageWindowSize {
		e.cacheUsageWindow = e.cacheUsageWindow[1:]
	}
	e.cacheUsageWindow = append(e.cacheUsageWindow, out.CacheUsage)
	sum := 0.0
	for _, u := range e.cacheUsageWindow {
		sum += u
	}
	e.pm.AvgCacheUsage = sum / float64(len(e.cacheUsageWindow))

	metrics.CacheUsage.Set(out.CacheUsage)
}

// applyStoppingCriteria finishes sequences that hit EOS or their token
// budget.
func (e *Engine) applyStoppingCriteria(scheduled []*sequence.Group) {
	for _, g := range scheduled {
		params := g.Params()
		for _, seq := range g.RunningSequences() {
			ids := seq.GeneratedIDs()
			if len(ids) == 0 {
				continue
			}
			if !params.IgnoreEOS && params.EOSTokenID != sequence.UnsetTokenID &&
				ids[len(ids)-1] == params.EOSTokenID {
				seq.SetStatus(sequence.StatusFinished)
				continue
			}
			if len(ids) >= params.MaxNewTokens {
				seq.SetStatus(sequence.StatusFinished)
			}
		}
	}
}

// maybeEvictCacheBlocks runs the attention-driven eviction pass. Every
// sequence of one group must evict the same number of blocks.
func (e *Engine) maybeEvictCacheBlocks(ctx context.Context) {
	cfg := e.sched.Config()
	blockSize := cfg.BlockSize
	scores := e.runner.LastAttentionScores()
	if len(scores) == 0 {
		return
	}

	groupEvicted := make(map[*sequence.Group]int)
	for seqID, layerScores := range scores {
		g := e.groupOfSequence(seqID)
		if g == nil {
			continue
		}

		algo, ok := e.evictionAlgos[seqID]
		if !ok {
			algo = eviction.NewAlgorithm(cfg.CacheEvictionConfig, blockSize, len(layerScores))
			e.evictionAlgos[seqID] = algo
		}
		algo.RegisterTokenScores(layerScores)

		occupied := g.NumProcessedTokens() - g.NumEvictedTokens()
		evicted := algo.EvictLogicalBlocks(occupied / blockSize)
		e.sched.FreeBlocksFromSequence(seqID, evicted)

		numEvicted := evicted[0].Len()
		for _, layer := range evicted {
			if layer.Len() != numEvicted {
				panic("eviction: unequal per-layer eviction counts")
			}
		}
		if prev, seen := groupEvicted[g]; seen {
			if prev != numEvicted {
				panic(fmt.Sprintf("eviction: sequences of request %d evicted %d and %d blocks",
					g.RequestID(), prev, numEvicted))
			}
		} else {
			groupEvicted[g] = numEvicted
		}
	}

	for g, numEvicted := range groupEvicted {
		if numEvicted == 0 {
			continue
		}
		g.RegisterTokenEviction(numEvicted * blockSize)
		metrics.EvictedBlocks.Add(float64(numEvicted))
		klog.FromContext(ctx).V(logging.DEBUG).Info("evicted cache blocks",
			"requestID", g.RequestID(), "blocks", numEvicted)
	}
}

func (e *Engine) groupOfSequence(seqID uint64) *sequence.Group {
	for _, g := range e.requests {
		if g.HasSequenceWithID(seqID) {
			return g
		}
	}
	return nil
}

// notifyRequestsDroppedByHandle pushes a final empty frame so a pending
// reader of a dropped handle unblocks; the group is reaped right after.
func (e *Engine) notifyRequestsDroppedByHandle() {
	for _, g := range e.requests {
		if g.HandleDropped() {
			g.PushEmptyOutputs()
		}
	}
}

// freeNonRunningRequests reaps finished, out-of-memory and dropped groups.
func (e *Engine) freeNonRunningRequests() {
	kept := e.requests[:0]
	for _, g := range e.requests {
		if !g.HasFinished() && !g.OutOfMemory() && !g.HandleDropped() {
			kept = append(kept, g)
			continue
		}
		e.releaseGroup(g)
	}
	e.requests = kept
}

func (e *Engine) releaseGroup(g *sequence.Group) {
	for _, seq := range g.Sequences() {
		if e.sched.HasBlockTable(seq.ID()) {
			e.sched.FreeSequence(seq.ID())
		}
		delete(e.evictionAlgos, seq.ID())
	}
	e.sampler.ClearRequestInfo(g.RequestID())
}

// FinishRequest removes a request from the pipeline, freeing its blocks
// and closing its handle.
func (e *Engine) FinishRequest(requestID uint64) {
	e.awaitingMu.Lock()
	keptAwaiting := e.awaiting[:0]
	var finished []*sequence.Group
	for _, g := range e.awaiting {
		if g.RequestID() == requestID {
			finished = append(finished, g)
			continue
		}
		keptAwaiting = append(keptAwaiting, g)
	}
	e.awaiting = keptAwaiting
	e.awaitingMu.Unlock()

	kept := e.requests[:0]
	for _, g := range e.requests {
		if g.RequestID() == requestID {
			finished = append(finished, g)
			continue
		}
		kept = append(kept, g)
	}
	e.requests = kept

	for _, g := range finished {
		e.releaseGroup(g)
		g.PushEmptyOutputs()
	}
}

// FinishAll drops every request from the pipeline.
func (e *Engine) FinishAll() {
	e.awaitingMu.Lock()
	pulled := e.awaiting
	e.awaiting = nil
	e.awaitingMu.Unlock()

	all := append(pulled, e.requests...)
	e.requests = nil
	for _, g := range all {
		e.releaseGroup(g)
		g.PushEmptyOutputs()
	}
}
