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

import "fmt"

// BlockAllocator owns the fixed pool of physical block ids.
// Freed blocks are reused in the order they were freed, so the content of
// a released block stays in the cache for as long as possible.
// BlockAllocator is not safe for concurrent use, BlockManager serializes access.
type BlockAllocator struct {
	numBlocks int
	freeList  []int32
	inUse     []bool
}

// NewBlockAllocator creates an allocator of numBlocks blocks, all free
func NewBlockAllocator(numBlocks int) *BlockAllocator {
	freeList := make([]int32, numBlocks)
	for i := range freeList {
		freeList[i] = int32(i)
	}
	return &BlockAllocator{
		numBlocks: numBlocks,
		freeList:  freeList,
		inUse:     make([]bool, numBlocks),
	}
}

// Allocate takes n blocks from the free list. Nothing is allocated when fewer than n blocks are free.
func (a *BlockAllocator) Allocate(n int) ([]int32, bool) {
	if n > len(a.freeList) {
		return nil, false
	}
	blocks := make([]int32, n)
	copy(blocks, a.freeList[:n])
	a.freeList = a.freeList[n:]
	for _, id := range blocks {
		a.inUse[id] = true
	}
	return blocks, true
}

// Free returns the blocks to the free list. Freeing a block that is not allocated is an error
// and leaves the allocator unchanged.
func (a *BlockAllocator) Free(blocks []int32) error {
	seen := make(map[int32]struct{}, len(blocks))
	for _, id := range blocks {
		if id < 0 || int(id) >= a.numBlocks {
			return fmt.Errorf("block %d is out of range [0, %d)", id, a.numBlocks)
		}
		if _, dup := seen[id]; dup || !a.inUse[id] {
			return fmt.Errorf("block %d is not allocated", id)
		}
		seen[id] = struct{}{}
	}
	for _, id := range blocks {
		a.inUse[id] = false
	}
	a.freeList = append(a.freeList, blocks...)
	return nil
}

func (a *BlockAllocator) NumFreeBlocks() int {
	return len(a.freeList)
}

func (a *BlockAllocator) NumBlocks() int {
	return a.numBlocks
}

// IsAllocated returns true if the block is assigned
func (a *BlockAllocator) IsAllocated(id int32) bool {
	return id >= 0 && int(id) < a.numBlocks && a.inUse[id]
}
