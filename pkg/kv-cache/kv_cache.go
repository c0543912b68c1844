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
	"errors"
	"fmt"
)

var (
	// ErrSlotMismatch is returned when the number of key or value rows differs from the number of slots
	ErrSlotMismatch = errors.New("number of slots does not match number of rows")
	// ErrSlotOutOfRange is returned for slot ids outside of the cache
	ErrSlotOutOfRange = errors.New("slot id out of range")
	// ErrRowSize is returned when a key or value row is not numHeads*headDim long
	ErrRowSize = errors.New("invalid row size")
)

// BlockAddress returns the block id and the offset inside the block of a slot
func BlockAddress(slotID int32, blockSize int) (int32, int32) {
	return slotID / int32(blockSize), slotID % int32(blockSize)
}

// SlotID returns the physical slot of the logical position in a sequence with the given block table
func SlotID(blockTable []int32, position int, blockSize int) int32 {
	return blockTable[position/blockSize]*int32(blockSize) + int32(position%blockSize)
}

// SlotIDs expands the block table to the slot ids of positions [from, to), empty if to <= from
func SlotIDs(blockTable []int32, from, to int, blockSize int) []int32 {
	if to <= from {
		return []int32{}
	}
	slots := make([]int32, 0, to-from)
	for i := from; i < to; i++ {
		slots = append(slots, SlotID(blockTable, i, blockSize))
	}
	return slots
}

// KVCache is the paged storage of one attention layer.
// Keys are stored as [blocks, heads, headDim/x, blockSize, x] and values as
// [blocks, heads, headDim, blockSize]. A row passed to Write or returned by Read
// holds one token position, laid out as [heads, headDim].
// The storage is never resized. KVCache does not synchronize access, positions are
// written and read by the scheduling goroutine only.
type KVCache struct {
	numBlocks int
	numHeads  int
	headDim   int
	blockSize int
	x         int

	keys   []float32
	values []float32
}

// NewKVCache allocates the storage of numBlocks blocks
func NewKVCache(numBlocks, numHeads, headDim, blockSize, x int) (*KVCache, error) {
	if numBlocks < 1 || numHeads < 1 || headDim < 1 || blockSize < 1 || x < 1 {
		return nil, fmt.Errorf("invalid kv cache shape: blocks %d, heads %d, head dim %d, block size %d, x %d",
			numBlocks, numHeads, headDim, blockSize, x)
	}
	if headDim%x != 0 {
		return nil, fmt.Errorf("head dim %d is not divisible by %d", headDim, x)
	}
	size := numBlocks * numHeads * headDim * blockSize
	return &KVCache{
		numBlocks: numBlocks,
		numHeads:  numHeads,
		headDim:   headDim,
		blockSize: blockSize,
		x:         x,
		keys:      make([]float32, size),
		values:    make([]float32, size),
	}, nil
}

// RowSize is the number of floats of one key or value row
func (c *KVCache) RowSize() int {
	return c.numHeads * c.headDim
}

func (c *KVCache) BlockSize() int {
	return c.blockSize
}

func (c *KVCache) NumBlocks() int {
	return c.numBlocks
}

// SizeBytes returns the memory used by keys and values
func (c *KVCache) SizeBytes() uint64 {
	return uint64(len(c.keys)+len(c.values)) * 4
}

func (c *KVCache) keyIndex(block, offset int32, head, dim int) int {
	return ((((int(block)*c.numHeads+head)*(c.headDim/c.x)+dim/c.x)*c.blockSize+int(offset))*c.x + dim%c.x)
}

func (c *KVCache) valueIndex(block, offset int32, head, dim int) int {
	return ((int(block)*c.numHeads+head)*c.headDim+dim)*c.blockSize + int(offset)
}

func (c *KVCache) checkSlot(slotID int32) error {
	if slotID < 0 || int(slotID) >= c.numBlocks*c.blockSize {
		return fmt.Errorf("%w: %d, capacity %d", ErrSlotOutOfRange, slotID, c.numBlocks*c.blockSize)
	}
	return nil
}

// Write stores a key and a value row for each slot
func (c *KVCache) Write(slotIDs []int32, keys, values [][]float32) error {
	if len(slotIDs) != len(keys) || len(slotIDs) != len(values) {
		return fmt.Errorf("%w: %d slots, %d keys, %d values", ErrSlotMismatch, len(slotIDs), len(keys), len(values))
	}
	rowSize := c.RowSize()
	for i, slotID := range slotIDs {
		if err := c.checkSlot(slotID); err != nil {
			return err
		}
		if len(keys[i]) != rowSize || len(values[i]) != rowSize {
			return fmt.Errorf("%w: expected %d, got key %d and value %d", ErrRowSize, rowSize, len(keys[i]), len(values[i]))
		}
	}

	for i, slotID := range slotIDs {
		block, offset := BlockAddress(slotID, c.blockSize)
		for h := 0; h < c.numHeads; h++ {
			for d := 0; d < c.headDim; d++ {
				c.keys[c.keyIndex(block, offset, h, d)] = keys[i][h*c.headDim+d]
				c.values[c.valueIndex(block, offset, h, d)] = values[i][h*c.headDim+d]
			}
		}
	}
	return nil
}

// Read gathers the key and value rows of the slots, in the order of the slots
func (c *KVCache) Read(slotIDs []int32) ([][]float32, [][]float32, error) {
	for _, slotID := range slotIDs {
		if err := c.checkSlot(slotID); err != nil {
			return nil, nil, err
		}
	}

	keys := make([][]float32, len(slotIDs))
	values := make([][]float32, len(slotIDs))
	for i, slotID := range slotIDs {
		block, offset := BlockAddress(slotID, c.blockSize)
		key := make([]float32, c.RowSize())
		value := make([]float32, c.RowSize())
		for h := 0; h < c.numHeads; h++ {
			for d := 0; d < c.headDim; d++ {
				key[h*c.headDim+d] = c.keys[c.keyIndex(block, offset, h, d)]
				value[h*c.headDim+d] = c.values[c.valueIndex(block, offset, h, d)]
			}
		}
		keys[i] = key
		values[i] = value
	}
	return keys, values, nil
}

// ReadBlockTable reads the first contextLen positions of a sequence with the given block table
func (c *KVCache) ReadBlockTable(blockTable []int32, contextLen int) ([][]float32, [][]float32, error) {
	if contextLen < 0 {
		return nil, nil, fmt.Errorf("%w: negative context length %d", ErrSlotOutOfRange, contextLen)
	}
	if contextLen > len(blockTable)*c.blockSize {
		return nil, nil, fmt.Errorf("%w: context length %d does not fit in %d blocks",
			ErrSlotOutOfRange, contextLen, len(blockTable))
	}
	return c.Read(SlotIDs(blockTable, 0, contextLen, c.blockSize))
}
