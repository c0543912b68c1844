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
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/llm-d/llm-d-kv-cache-manager/pkg/kvcache/kvevents"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/llm-d/llm-d-batching-engine/pkg/common"
	"github.com/llm-d/llm-d-batching-engine/pkg/request"
)

// fakePublisher keeps the published batches in memory
type fakePublisher struct {
	mu      sync.Mutex
	topics  []string
	batches []kvevents.EventBatch
}

func (p *fakePublisher) PublishEvent(_ context.Context, topic string, batch interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.batches = append(p.batches, batch.(kvevents.EventBatch))
	return nil
}

// events returns the stored and removed hashes of all the published batches
func (p *fakePublisher) events() ([]uint64, []uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	stored := make([]uint64, 0)
	removed := make([]uint64, 0)
	for _, batch := range p.batches {
		s, r := parseEvents(batch.Events)
		stored = append(stored, s...)
		removed = append(removed, r...)
	}
	return stored, removed
}

func parseEvents(events []msgpack.RawMessage) ([]uint64, []uint64) {
	stored := make([]uint64, 0)
	removed := make([]uint64, 0)
	for _, rawEvent := range events {
		var taggedUnion []msgpack.RawMessage
		err := msgpack.Unmarshal(rawEvent, &taggedUnion)
		Expect(err).NotTo(HaveOccurred())
		Expect(len(taggedUnion)).To(BeNumerically(">", 1))

		payloadBytes, err := msgpack.Marshal(taggedUnion[1:])
		Expect(err).NotTo(HaveOccurred())

		var tag string
		err = msgpack.Unmarshal(taggedUnion[0], &tag)
		Expect(err).NotTo(HaveOccurred())

		switch tag {
		case kvevents.BlockStoredEventTag:
			var bs kvevents.BlockStored
			err = msgpack.Unmarshal(payloadBytes, &bs)
			Expect(err).NotTo(HaveOccurred())
			stored = append(stored, bs.BlockHashes...)
		case kvevents.BlockRemovedEventTag:
			var br kvevents.BlockRemoved
			err = msgpack.Unmarshal(payloadBytes, &br)
			Expect(err).NotTo(HaveOccurred())
			removed = append(removed, br.BlockHashes...)
		default:
			Fail("unexpected tag " + tag)
		}
	}
	return stored, removed
}

func randomRows(n, rowSize int) [][]float32 {
	rows := make([][]float32, n)
	for i := range rows {
		rows[i] = make([]float32, rowSize)
		for j := range rows[i] {
			rows[i][j] = float32(common.RandomFloat(-1, 1))
		}
	}
	return rows
}

var _ = Describe("KV cache", func() {
	BeforeEach(func() {
		common.InitRandom(time.Now().UnixNano())
	})

	Context("addressing", func() {
		It("should map slots to block and offset", func() {
			block, offset := BlockAddress(37, 16)
			Expect(block).To(Equal(int32(2)))
			Expect(offset).To(Equal(int32(5)))

			block, offset = BlockAddress(15, 16)
			Expect(block).To(Equal(int32(0)))
			Expect(offset).To(Equal(int32(15)))
		})

		It("should expand block tables to slots", func() {
			blockTable := []int32{5, 9, 2}
			Expect(SlotID(blockTable, 20, 16)).To(Equal(int32(148)))

			slots := SlotIDs(blockTable, 0, 40, 16)
			Expect(slots).To(HaveLen(40))
			Expect(slots[0]).To(Equal(int32(80)))
			Expect(slots[15]).To(Equal(int32(95)))
			Expect(slots[16]).To(Equal(int32(144)))
			Expect(slots[20]).To(Equal(int32(148)))
			Expect(slots[32]).To(Equal(int32(32)))
			Expect(slots[39]).To(Equal(int32(39)))

			Expect(SlotIDs(blockTable, 5, 5, 16)).To(BeEmpty())
			Expect(SlotIDs(blockTable, 7, 3, 16)).To(BeEmpty())
		})
	})

	Context("storage", func() {
		type shape struct {
			blocks, heads, headDim, blockSize, x int
		}
		shapes := []shape{
			{blocks: 4, heads: 1, headDim: 4, blockSize: 8, x: 1},
			{blocks: 8, heads: 2, headDim: 8, blockSize: 16, x: 4},
			{blocks: 3, heads: 4, headDim: 16, blockSize: 32, x: 8},
		}

		for _, s := range shapes {
			It("should read back written rows", func() {
				cache, err := NewKVCache(s.blocks, s.heads, s.headDim, s.blockSize, s.x)
				Expect(err).NotTo(HaveOccurred())

				capacity := s.blocks * s.blockSize
				// every third slot, in reverse order
				slots := make([]int32, 0)
				for slot := capacity - 1; slot >= 0; slot -= 3 {
					slots = append(slots, int32(slot))
				}
				keys := randomRows(len(slots), cache.RowSize())
				values := randomRows(len(slots), cache.RowSize())
				Expect(cache.Write(slots, keys, values)).To(Succeed())

				readKeys, readValues, err := cache.Read(slots)
				Expect(err).NotTo(HaveOccurred())
				Expect(readKeys).To(Equal(keys))
				Expect(readValues).To(Equal(values))

				// order of the requested slots is preserved
				reversed := []int32{slots[1], slots[0]}
				readKeys, _, err = cache.Read(reversed)
				Expect(err).NotTo(HaveOccurred())
				Expect(readKeys[0]).To(Equal(keys[1]))
				Expect(readKeys[1]).To(Equal(keys[0]))
			})
		}

		It("should read a sequence through its block table", func() {
			cache, err := NewKVCache(10, 2, 4, 16, 2)
			Expect(err).NotTo(HaveOccurred())
			blockTable := []int32{5, 9, 2}
			slots := SlotIDs(blockTable, 0, 40, 16)
			keys := randomRows(40, cache.RowSize())
			values := randomRows(40, cache.RowSize())
			Expect(cache.Write(slots, keys, values)).To(Succeed())

			readKeys, readValues, err := cache.ReadBlockTable(blockTable, 40)
			Expect(err).NotTo(HaveOccurred())
			Expect(readKeys).To(Equal(keys))
			Expect(readValues).To(Equal(values))

			_, _, err = cache.ReadBlockTable(blockTable, 49)
			Expect(err).To(MatchError(ErrSlotOutOfRange))

			Expect(func() {
				_, _, err = cache.ReadBlockTable(blockTable, -1)
			}).NotTo(Panic())
			Expect(err).To(MatchError(ErrSlotOutOfRange))
		})

		It("should store keys and values in the paged layouts", func() {
			cache, err := NewKVCache(2, 2, 4, 8, 2)
			Expect(err).NotTo(HaveOccurred())
			key := []float32{1, 2, 3, 4, 5, 6, 7, 8}
			value := []float32{11, 12, 13, 14, 15, 16, 17, 18}
			// block 1, offset 3
			Expect(cache.Write([]int32{11}, [][]float32{key}, [][]float32{value})).To(Succeed())

			// key [block, head, dim/x, offset, dim%x], head 1 dim 3 -> 8
			Expect(cache.keys[(((1*2+1)*2+1)*8+3)*2+1]).To(Equal(float32(8)))
			// value [block, head, dim, offset], head 0 dim 2 -> 13
			Expect(cache.values[((1*2+0)*4+2)*8+3]).To(Equal(float32(13)))
			Expect(cache.SizeBytes()).To(Equal(uint64(2 * 2 * 2 * 4 * 8 * 4)))
		})

		It("should reject malformed input", func() {
			cache, err := NewKVCache(2, 1, 4, 8, 2)
			Expect(err).NotTo(HaveOccurred())

			err = cache.Write([]int32{0, 1}, randomRows(1, 4), randomRows(2, 4))
			Expect(err).To(MatchError(ErrSlotMismatch))
			err = cache.Write([]int32{0}, randomRows(1, 3), randomRows(1, 4))
			Expect(err).To(MatchError(ErrRowSize))
			err = cache.Write([]int32{16}, randomRows(1, 4), randomRows(1, 4))
			Expect(err).To(MatchError(ErrSlotOutOfRange))
			_, _, err = cache.Read([]int32{-1})
			Expect(err).To(MatchError(ErrSlotOutOfRange))

			_, err = NewKVCache(2, 1, 6, 8, 4)
			Expect(err).To(HaveOccurred())
			_, err = NewKVCache(0, 1, 4, 8, 2)
			Expect(err).To(HaveOccurred())
		})
	})

	Context("cache manager", func() {
		var config *common.Configuration

		BeforeEach(func() {
			config = &common.Configuration{
				Port:           8000,
				Model:          "test-model",
				KVCacheSize:    4,
				BlockSize:      8,
				NumLayers:      2,
				NumHeads:       1,
				HeadDim:        4,
				KeySplit:       2,
				EventBatchSize: 1,
			}
		})

		It("should create a cache per layer", func() {
			usageChan := make(chan float64, 10)
			manager, err := NewCacheManager(config, usageChan, logr.Discard())
			Expect(err).NotTo(HaveOccurred())
			Expect(manager.Caches()).To(HaveLen(2))
			Expect(manager.SizeBytes()).To(Equal(2 * manager.Caches()[0].SizeBytes()))
			Expect(manager.BlockManager().NumBlocks()).To(Equal(4))

			seq := request.NewSequence(1, make([]int32, 10), request.StoppingCriteria{MaxTokens: 5}, nil)
			Expect(manager.BlockManager().AllocateSlotsForSequence(seq, 10)).To(BeTrue())
			Expect(<-usageChan).To(Equal(0.5))

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error)
			go func() {
				done <- manager.Run(ctx)
			}()
			cancel()
			Eventually(done).Should(Receive(BeNil()))
		})

		It("should publish stored and removed blocks", func() {
			config.EnableKVEvents = true
			publisher := &fakePublisher{}
			manager, err := newCacheManager(config, nil, publisher, logr.Discard())
			Expect(err).NotTo(HaveOccurred())

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go func() {
				_ = manager.Run(ctx)
			}()

			blockManager := manager.BlockManager()
			prompt := make([]int32, 20)
			for i := range prompt {
				prompt[i] = int32(i + 1)
			}
			req := request.New("req1", request.PriorityMedium, false, nil)
			seq := request.NewSequence(1, prompt, request.StoppingCriteria{MaxTokens: 4}, nil)
			req.AddSequence(seq)

			Expect(blockManager.AllocateSlotsForSequence(seq, 20)).To(BeTrue())
			seq.SetNumCachedTokens(20)
			blockManager.CommitTokens(seq)
			Expect(seq.NumHashedBlocks()).To(Equal(2))

			Eventually(func() int {
				stored, _ := publisher.events()
				return len(stored)
			}).Should(Equal(2))

			// released blocks keep their content
			blockManager.ReleaseSlotsForRequest(req)
			_, removed := publisher.events()
			Expect(removed).To(BeEmpty())

			// reusing all the blocks overwrites the content
			other := request.NewSequence(2, make([]int32, 32), request.StoppingCriteria{MaxTokens: 1}, nil)
			Expect(blockManager.AllocateSlotsForSequence(other, 32)).To(BeTrue())
			Eventually(func() int {
				_, removed := publisher.events()
				return len(removed)
			}).Should(Equal(2))

			stored, removed := publisher.events()
			Expect(removed).To(ConsistOf(stored))
			Expect(publisher.topics[0]).To(Equal("kv@$localhost:8000@test-model"))
		})
	})
})
