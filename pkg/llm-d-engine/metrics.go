/*
Copyright 2025 The llm-d-inference-sim Authors.

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

// Contains functions related to prometheus metrics

package llmdengine

import (
	"context"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/llm-d/llm-d-batching-engine/pkg/common"
	"github.com/llm-d/llm-d-batching-engine/pkg/request"
	"github.com/llm-d/llm-d-batching-engine/pkg/scheduler"
)

const (
	promLabelModelName       = "model_name"
	promLabelFinishReason    = "finish_reason"
	promLabelBlockSize       = "block_size"
	promLabelNumBlocks       = "num_gpu_blocks"
	reqRunningMetricName     = "vllm:num_requests_running"
	reqWaitingMetricName     = "vllm:num_requests_waiting"
	kvCacheUsageMetricName   = "vllm:kv_cache_usage_perc"
	cacheConfigMetricName    = "vllm:cache_config_info"
	successTotalMetricName   = "vllm:request_success_total"
	rejectedTotalMetricName  = "vllm:request_rejected_total"
	promptTokensMetricName   = "vllm:prompt_tokens_total"
	genTokensMetricName      = "vllm:generation_tokens_total"
	stepLatencyMetricName    = "vllm:step_latency_seconds"
	batchSizeMetricName      = "vllm:step_batch_size"
	kvCacheUsageChanCapacity = 1000
)

var stepLatencyBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

// engineMetrics holds the prometheus collectors of one engine, registered on their own registry.
// It is the scheduler's observer.
type engineMetrics struct {
	registry  *prometheus.Registry
	modelName string
	logger    logr.Logger

	runningRequests  *prometheus.GaugeVec
	waitingRequests  *prometheus.GaugeVec
	kvCacheUsage     *prometheus.GaugeVec
	requestSuccess   *prometheus.CounterVec
	requestRejected  *prometheus.CounterVec
	promptTokens     *prometheus.CounterVec
	generationTokens *prometheus.CounterVec
	stepLatency      *prometheus.HistogramVec
	batchSize        *prometheus.HistogramVec

	// kvCacheUsageChan receives the fraction of used blocks from the block manager
	kvCacheUsageChan chan float64
}

// newEngineMetrics creates and registers the prometheus metrics of the engine
func newEngineMetrics(config *common.Configuration, logger logr.Logger) (*engineMetrics, error) {
	m := &engineMetrics{
		registry:         prometheus.NewRegistry(),
		modelName:        config.Model,
		logger:           logger,
		kvCacheUsageChan: make(chan float64, kvCacheUsageChanCapacity),
	}

	m.runningRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: reqRunningMetricName,
			Help: "Number of requests in the running batch.",
		},
		[]string{promLabelModelName},
	)
	if err := m.registry.Register(m.runningRequests); err != nil {
		logger.Error(err, "Prometheus number of running requests gauge register failed")
		return nil, err
	}

	m.waitingRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: reqWaitingMetricName,
			Help: "Number of requests waiting to be scheduled.",
		},
		[]string{promLabelModelName},
	)
	if err := m.registry.Register(m.waitingRequests); err != nil {
		logger.Error(err, "Prometheus number of requests in queue gauge register failed")
		return nil, err
	}

	m.kvCacheUsage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: kvCacheUsageMetricName,
			Help: "Fraction of KV-cache blocks currently in use (from 0 to 1).",
		},
		[]string{promLabelModelName},
	)
	if err := m.registry.Register(m.kvCacheUsage); err != nil {
		logger.Error(err, "Prometheus kv cache usage percentage gauge register failed")
		return nil, err
	}

	m.requestSuccess = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: successTotalMetricName,
			Help: "Count of finished requests by finish reason.",
		},
		[]string{promLabelModelName, promLabelFinishReason},
	)
	if err := m.registry.Register(m.requestSuccess); err != nil {
		logger.Error(err, "Prometheus request success counter register failed")
		return nil, err
	}

	m.requestRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: rejectedTotalMetricName,
			Help: "Count of requests rejected because the request queue was full.",
		},
		[]string{promLabelModelName},
	)
	if err := m.registry.Register(m.requestRejected); err != nil {
		logger.Error(err, "Prometheus rejected requests counter register failed")
		return nil, err
	}

	m.promptTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: promptTokensMetricName,
			Help: "Number of prefill tokens processed.",
		},
		[]string{promLabelModelName},
	)
	if err := m.registry.Register(m.promptTokens); err != nil {
		logger.Error(err, "Prometheus prompt tokens counter register failed")
		return nil, err
	}

	m.generationTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: genTokensMetricName,
			Help: "Number of generation tokens processed.",
		},
		[]string{promLabelModelName},
	)
	if err := m.registry.Register(m.generationTokens); err != nil {
		logger.Error(err, "Prometheus generation tokens counter register failed")
		return nil, err
	}

	m.stepLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    stepLatencyMetricName,
			Help:    "Histogram of the duration of scheduling steps that executed a batch.",
			Buckets: stepLatencyBuckets,
		},
		[]string{promLabelModelName},
	)
	if err := m.registry.Register(m.stepLatency); err != nil {
		logger.Error(err, "Prometheus step latency histogram register failed")
		return nil, err
	}

	m.batchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    batchSizeMetricName,
			Help:    "Histogram of the number of sequences in an executed batch.",
			Buckets: prometheus.LinearBuckets(1, 1, config.MaxNumSeqs),
		},
		[]string{promLabelModelName},
	)
	if err := m.registry.Register(m.batchSize); err != nil {
		logger.Error(err, "Prometheus batch size histogram register failed")
		return nil, err
	}

	cacheConfig := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: cacheConfigMetricName,
			Help: "Information of the KV cache configuration.",
		},
		[]string{promLabelBlockSize, promLabelNumBlocks},
	)
	if err := m.registry.Register(cacheConfig); err != nil {
		logger.Error(err, "Prometheus cache config register failed")
		return nil, err
	}
	cacheConfig.WithLabelValues(strconv.Itoa(config.BlockSize), strconv.Itoa(config.KVCacheSize)).Set(1)

	m.setInitialPrometheusMetrics()
	return m, nil
}

// setInitialPrometheusMetrics sends the default values to prometheus
func (m *engineMetrics) setInitialPrometheusMetrics() {
	m.runningRequests.WithLabelValues(m.modelName).Set(0)
	m.waitingRequests.WithLabelValues(m.modelName).Set(0)
	m.kvCacheUsage.WithLabelValues(m.modelName).Set(0)
	m.requestRejected.WithLabelValues(m.modelName).Add(0)
	m.promptTokens.WithLabelValues(m.modelName).Add(0)
	m.generationTokens.WithLabelValues(m.modelName).Add(0)
}

// run updates the kv cache usage metric by listening on the usage channel
func (m *engineMetrics) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case value := <-m.kvCacheUsageChan:
			m.kvCacheUsage.WithLabelValues(m.modelName).Set(value)
		}
	}
}

// StepDone reports the state of the scheduler after a step
func (m *engineMetrics) StepDone(stats scheduler.Stats, batchSize int, duration time.Duration) {
	m.runningRequests.WithLabelValues(m.modelName).Set(float64(stats.Running))
	m.waitingRequests.WithLabelValues(m.modelName).Set(float64(stats.Waiting))
	if batchSize > 0 {
		m.stepLatency.WithLabelValues(m.modelName).Observe(duration.Seconds())
		m.batchSize.WithLabelValues(m.modelName).Observe(float64(batchSize))
	}
}

// RequestFinished counts the request by its finish reason and its tokens
func (m *engineMetrics) RequestFinished(req *request.Request) {
	m.requestSuccess.WithLabelValues(m.modelName, finishReasonLabel(req)).Inc()
	m.promptTokens.WithLabelValues(m.modelName).Add(float64(req.NumPromptTokens() * len(req.Sequences)))
	m.generationTokens.WithLabelValues(m.modelName).Add(float64(req.NumGeneratedTokens()))
}

func (m *engineMetrics) reportRejected() {
	m.requestRejected.WithLabelValues(m.modelName).Inc()
}

func finishReasonLabel(req *request.Request) string {
	switch {
	case req.IsCancelled():
		return request.FinishReasonCancelled.String()
	case req.Err() != nil:
		return request.FinishReasonError.String()
	case len(req.Sequences) > 0:
		return req.Sequences[0].FinishReason().String()
	}
	return request.FinishReasonNone.String()
}
