// Copyright 2025 The llm-d Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the pipeline's Prometheus collectors.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// ScheduledTokens counts tokens scheduled across all steps.
	ScheduledTokens = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "batching", Subsystem: "scheduler", Name: "scheduled_tokens_total",
		Help: "Total number of tokens scheduled into forward passes",
	})
	// Preemptions counts preemption-by-recompute events.
	Preemptions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "batching", Subsystem: "scheduler", Name: "preemptions_total",
		Help: "Total number of sequence-group preemptions",
	})
	// EvictedBlocks counts KV blocks released by attention-driven eviction.
	EvictedBlocks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "batching", Subsystem: "cache", Name: "evicted_blocks_total",
		Help: "Total number of KV blocks evicted by the eviction algorithm",
	})
	// OOMRequests counts requests terminated by cache pressure.
	OOMRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "batching", Subsystem: "pipeline", Name: "oom_requests_total",
		Help: "Total number of requests terminated out-of-memory",
	})

	// CacheUsage tracks the KV pool usage after the last step.
	CacheUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "batching", Subsystem: "cache", Name: "usage_ratio",
		Help: "KV cache usage in [0, 1] after the last scheduling call",
	})
	// ActiveRequests tracks the active request groups.
	ActiveRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "batching", Subsystem: "pipeline", Name: "active_requests",
		Help: "Request groups currently in the pipeline",
	})

	// StepDuration logs latency of pipeline steps.
	StepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "batching", Subsystem: "pipeline", Name: "step_duration_seconds",
		Help:    "Latency of pipeline step() calls in seconds",
		Buckets: prometheus.DefBuckets,
	})
)

// Collectors returns a slice of all registered Prometheus collectors.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		ScheduledTokens, Preemptions, EvictedBlocks, OOMRequests,
		CacheUsage, ActiveRequests, StepDuration,
	}
}

var registerMetricsOnce = sync.Once{}

// Register registers all metrics with the controller-runtime registry.
func Register() {
	registerMetricsOnce.Do(func() {
		metrics.Registry.MustRegister(Collectors()...)
	})
}

// StartMetricsLogging spawns a goroutine that logs current metric values
// every interval.
func StartMetricsLogging(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logMetrics(ctx)
			}
		}
	}()
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func logMetrics(ctx context.Context) {
	var usage dto.Metric
	if err := CacheUsage.Write(&usage); err != nil {
		return
	}

	klog.FromContext(ctx).Info("pipeline metrics",
		"scheduledTokens", counterValue(ScheduledTokens),
		"preemptions", counterValue(Preemptions),
		"evictedBlocks", counterValue(EvictedBlocks),
		"oomRequests", counterValue(OOMRequests),
		"cacheUsage", usage.GetGauge().GetValue(),
	)
}
