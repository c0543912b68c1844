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

package kvcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-logr/logr"
	"github.com/llm-d/llm-d-kv-cache-manager/pkg/kvcache/kvblock"

	"github.com/llm-d/llm-d-batching-engine/pkg/common"
)

const (
	eventChanSize = 10000
	eventDelay    = time.Second
)

// CacheManager owns the kv caches of all layers, the block manager addressing them,
// and, when enabled, the publishing of kv events
type CacheManager struct {
	caches       []*KVCache
	blockManager *BlockManager
	eventSender  *KVEventSender
	publisher    *common.Publisher
	logger       logr.Logger
}

// NewCacheManager allocates the caches according to the configuration. usageChan, if not nil,
// receives the fraction of used blocks.
func NewCacheManager(config *common.Configuration, usageChan chan float64, logger logr.Logger) (*CacheManager, error) {
	return newCacheManager(config, usageChan, nil, logger)
}

func newCacheManager(config *common.Configuration, usageChan chan float64, publisher EventPublisher,
	logger logr.Logger) (*CacheManager, error) {
	caches := make([]*KVCache, config.NumLayers)
	for i := range caches {
		cache, err := NewKVCache(config.KVCacheSize, config.NumHeads, config.HeadDim, config.BlockSize, config.KeySplit)
		if err != nil {
			return nil, fmt.Errorf("failed to create kv cache of layer %d: %w", i, err)
		}
		caches[i] = cache
	}

	manager := &CacheManager{
		caches: caches,
		logger: logger,
	}

	blockManagerConfig := BlockManagerConfig{
		NumBlocks: config.KVCacheSize,
		BlockSize: config.BlockSize,
		ModelName: config.Model,
		UsageChan: usageChan,
	}

	if config.EnableKVEvents {
		tokenProcConfig := kvblock.DefaultTokenProcessorConfig()
		tokenProcConfig.BlockSize = config.BlockSize
		if config.HashSeed != "" {
			tokenProcConfig.HashSeed = config.HashSeed
		}
		blockManagerConfig.TokensProcessor = kvblock.NewChunkedTokenDatabase(tokenProcConfig)

		if publisher == nil {
			zmqPublisher, err := common.NewPublisher(config.ZMQEndpoint, config.ZMQMaxConnectAttempts)
			if err != nil {
				return nil, err
			}
			manager.publisher = zmqPublisher
			publisher = zmqPublisher
		}

		eventChan := make(chan EventData, eventChanSize)
		blockManagerConfig.EventChan = eventChan
		manager.eventSender = NewKVEventSender(publisher, createTopic(config), eventChan,
			config.EventBatchSize, eventDelay, logger)
	}

	manager.blockManager = NewBlockManager(blockManagerConfig, logger)

	logger.Info("KV cache created", "layers", len(caches), "blocks", config.KVCacheSize,
		"block size", config.BlockSize, "capacity tokens", config.CacheCapacityTokens(),
		"memory", humanize.Bytes(manager.SizeBytes()), "kv events", config.EnableKVEvents)
	return manager, nil
}

// Run publishes kv events until the context is done
func (m *CacheManager) Run(ctx context.Context) error {
	if m.eventSender == nil {
		<-ctx.Done()
		return nil
	}

	err := m.eventSender.Run(ctx)
	if m.publisher != nil {
		if closeErr := m.publisher.Close(); closeErr != nil {
			m.logger.Error(closeErr, "Failed to close kv events publisher")
		}
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		m.logger.Error(err, "KV events sender stopped")
	}
	return err
}

// Caches returns the kv cache of each layer
func (m *CacheManager) Caches() []*KVCache {
	return m.caches
}

func (m *CacheManager) BlockManager() *BlockManager {
	return m.blockManager
}

// SizeBytes is the memory of all the layers
func (m *CacheManager) SizeBytes() uint64 {
	var total uint64
	for _, cache := range m.caches {
		total += cache.SizeBytes()
	}
	return total
}

func createTopic(config *common.Configuration) string {
	return fmt.Sprintf("kv@$localhost:%d@%s", config.Port, config.Model)
}
