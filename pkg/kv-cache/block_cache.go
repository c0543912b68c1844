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
	"github.com/go-logr/logr"

	"github.com/llm-d/llm-d-batching-engine/pkg/common"
)

// blockCache tracks which block hashes are resident in the physical blocks.
// A block keeps its content after it is released, so its hash stays resident until the
// block is handed out again. A store event is emitted when a hash becomes resident and a
// remove event when its last physical copy is overwritten.
// blockCache is not thread safe, it is used under the block manager's lock.
type blockCache struct {
	blockToHash map[int32]uint64 // physical block -> hash of its content
	resident    map[uint64]int   // block hash -> number of physical blocks holding it
	blockSize   int
	eventChan   chan EventData // nil when events are disabled
	logger      logr.Logger
}

func newBlockCache(blockSize int, eventChan chan EventData, logger logr.Logger) *blockCache {
	return &blockCache{
		blockToHash: make(map[int32]uint64),
		resident:    make(map[uint64]int),
		blockSize:   blockSize,
		eventChan:   eventChan,
		logger:      logger,
	}
}

// blockFilled records that the block now holds a full chunk of tokens with the given hash
func (bc *blockCache) blockFilled(blockID int32, hash uint64, parent *uint64, tokens []uint32) {
	if old, exists := bc.blockToHash[blockID]; exists {
		if old == hash {
			return
		}
		if bc.dropHash(old) {
			bc.sendEvent(EventData{action: eventActionRemove, hashValues: []uint64{old}})
		}
	}
	bc.blockToHash[blockID] = hash
	bc.resident[hash]++
	if bc.resident[hash] == 1 {
		bc.sendEvent(EventData{
			action:     eventActionStore,
			hashValues: []uint64{hash},
			parentHash: parent,
			tokenIDs:   tokens,
			blockSize:  bc.blockSize,
		})
	}
}

// blocksReused is called when blocks are assigned to a sequence, their old content is lost
func (bc *blockCache) blocksReused(blockIDs []int32) {
	removed := make([]uint64, 0)
	for _, id := range blockIDs {
		hash, exists := bc.blockToHash[id]
		if !exists {
			continue
		}
		delete(bc.blockToHash, id)
		if bc.dropHash(hash) {
			removed = append(removed, hash)
		}
	}
	if len(removed) > 0 {
		bc.sendEvent(EventData{action: eventActionRemove, hashValues: removed})
	}
}

// dropHash decreases the number of copies of the hash, returns true if none is left
func (bc *blockCache) dropHash(hash uint64) bool {
	count := bc.resident[hash]
	if count <= 1 {
		delete(bc.resident, hash)
		return true
	}
	bc.resident[hash] = count - 1
	return false
}

func (bc *blockCache) sendEvent(event EventData) {
	if bc.eventChan != nil {
		common.WriteToChannel(bc.eventChan, event, bc.logger, "kv events")
	}
}

// getStats returns the number of blocks holding a hash and the number of distinct resident hashes (for testing)
func (bc *blockCache) getStats() (int, int) {
	return len(bc.blockToHash), len(bc.resident)
}

// isResident returns the number of physical copies of the hash (for testing)
func (bc *blockCache) isResident(hash uint64) (int, bool) {
	count, exists := bc.resident[hash]
	return count, exists
}
