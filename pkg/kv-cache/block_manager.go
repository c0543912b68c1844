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
	"sync"

	"github.com/go-logr/logr"
	"github.com/llm-d/llm-d-kv-cache-manager/pkg/kvcache/kvblock"

	"github.com/llm-d/llm-d-batching-engine/pkg/common"
	"github.com/llm-d/llm-d-batching-engine/pkg/common/logging"
	"github.com/llm-d/llm-d-batching-engine/pkg/request"
)

// BlockManager assigns physical blocks to sequences and maps their positions to slots.
// Allocation (from the scheduling goroutine) and release (from the finish path) are
// serialized by one mutex.
type BlockManager struct {
	mu         sync.Mutex
	allocator  *BlockAllocator
	blockSize  int
	blockCache *blockCache
	// tokensProcessor turns tokens to kv block keys, nil when kv events are disabled
	tokensProcessor kvblock.TokenProcessor
	modelName       string
	usageChan       chan float64 // channel for usage reporting, may be nil
	logger          logr.Logger
}

// BlockManagerConfig holds the dependencies of a block manager
type BlockManagerConfig struct {
	NumBlocks int
	BlockSize int
	// ModelName is part of the block hashes
	ModelName string
	// TokensProcessor hashes full blocks for kv events, optional
	TokensProcessor kvblock.TokenProcessor
	// EventChan receives kv events, optional
	EventChan chan EventData
	// UsageChan receives the fraction of used blocks on every change, optional
	UsageChan chan float64
}

func NewBlockManager(config BlockManagerConfig, logger logr.Logger) *BlockManager {
	return &BlockManager{
		allocator:       NewBlockAllocator(config.NumBlocks),
		blockSize:       config.BlockSize,
		blockCache:      newBlockCache(config.BlockSize, config.EventChan, logger),
		tokensProcessor: config.TokensProcessor,
		modelName:       config.ModelName,
		usageChan:       config.UsageChan,
		logger:          logger,
	}
}

func (m *BlockManager) BlockSize() int {
	return m.blockSize
}

func (m *BlockManager) NumBlocks() int {
	return m.allocator.NumBlocks()
}

func (m *BlockManager) NumFreeBlocks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocator.NumFreeBlocks()
}

// Usage returns the fraction of blocks in use
func (m *BlockManager) Usage() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage()
}

func (m *BlockManager) usage() float64 {
	total := m.allocator.NumBlocks()
	return float64(total-m.allocator.NumFreeBlocks()) / float64(total)
}

func (m *BlockManager) reportUsage() {
	if m.usageChan != nil {
		common.WriteToChannel(m.usageChan, m.usage(), m.logger, "kv cache usage")
	}
}

// BlocksNeeded returns the number of blocks the sequence has to add to its block table
// to hold numNewTokens more positions
func (m *BlockManager) BlocksNeeded(seq *request.Sequence, numNewTokens int) int {
	required := common.BlocksForTokens(seq.NumCachedTokens()+numNewTokens, m.blockSize)
	needed := required - seq.NumBlocks()
	if needed < 0 {
		return 0
	}
	return needed
}

// AllocateSlotsForSequence grows the block table of the sequence by the minimal number of
// blocks needed for numNewTokens more positions. Returns false, without allocating anything,
// when there are not enough free blocks.
func (m *BlockManager) AllocateSlotsForSequence(seq *request.Sequence, numNewTokens int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	needed := m.BlocksNeeded(seq, numNewTokens)
	if needed == 0 {
		return true
	}
	blocks, ok := m.allocator.Allocate(needed)
	if !ok {
		m.logger.V(logging.TRACE).Info("Not enough free blocks", "sequence", seq.ID(),
			"needed", needed, "free", m.allocator.NumFreeBlocks())
		return false
	}
	m.blockCache.blocksReused(blocks)
	seq.AppendBlocks(blocks)
	m.reportUsage()
	return true
}

// ReleaseSlotsForRequest returns the blocks of all the sequences of the request to the free pool.
// Releasing a request that has no blocks is a no-op.
func (m *BlockManager) ReleaseSlotsForRequest(req *request.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	released := 0
	for _, seq := range req.Sequences {
		blocks, _ := seq.TakeBlocks()
		if len(blocks) == 0 {
			continue
		}
		if err := m.allocator.Free(blocks); err != nil {
			m.logger.Error(err, "Failed to release blocks", "request", req.ID, "sequence", seq.ID())
			continue
		}
		released += len(blocks)
	}
	if released > 0 {
		m.logger.V(logging.TRACE).Info("Released blocks", "request", req.ID, "blocks", released)
		m.reportUsage()
	}
}

// SlotIDs returns the slots of positions [from, to) of the sequence
func (m *BlockManager) SlotIDs(seq *request.Sequence, from, to int) []int32 {
	return SlotIDs(seq.BlockTable(), from, to, m.blockSize)
}

// CommitTokens hashes the blocks of the sequence that were completely written to the cache
// and records them as resident. Does nothing when kv events are disabled.
func (m *BlockManager) CommitTokens(seq *request.Sequence) {
	if m.tokensProcessor == nil {
		return
	}
	fullBlocks := seq.NumCachedTokens() / m.blockSize
	hashed := seq.NumHashedBlocks()
	if fullBlocks <= hashed {
		return
	}

	tokenIDs := seq.TokenRange(0, fullBlocks*m.blockSize)
	tokens := make([]uint32, len(tokenIDs))
	for i, t := range tokenIDs {
		tokens[i] = uint32(t)
	}
	keys := m.tokensProcessor.TokensToKVBlockKeys(tokens, m.modelName)
	hashes := make([]uint64, len(keys))
	for i, key := range keys {
		hashes[i] = key.ChunkHash
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	blockTable := seq.BlockTable()
	for i := hashed; i < len(hashes) && i < len(blockTable); i++ {
		var parent *uint64
		if i > 0 {
			parent = &hashes[i-1]
		}
		m.blockCache.blockFilled(blockTable[i], hashes[i], parent, tokens[i*m.blockSize:(i+1)*m.blockSize])
	}
	seq.SetBlockHashes(hashes)
}

// getStats returns the number of free blocks, the number of blocks holding hashed
// content and the number of distinct resident hashes (for testing)
func (m *BlockManager) getStats() (int, int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hashedBlocks, hashes := m.blockCache.getStats()
	return m.allocator.NumFreeBlocks(), hashedBlocks, hashes
}
