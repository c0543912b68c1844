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

package model

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/go-logr/logr"
	ginkgo "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/llm-d/llm-d-batching-engine/pkg/common"
	kvcache "github.com/llm-d/llm-d-batching-engine/pkg/kv-cache"
	"github.com/llm-d/llm-d-batching-engine/pkg/request"
)

const (
	testBlockSize = 4
	testLayers    = 2
)

func newCaches() []*kvcache.KVCache {
	caches := make([]*kvcache.KVCache, testLayers)
	for i := range caches {
		cache, err := kvcache.NewKVCache(16, 2, 4, testBlockSize, 2)
		Expect(err).NotTo(HaveOccurred())
		caches[i] = cache
	}
	return caches
}

// stepInput allocates the slots of the uncached tokens and builds the input of the sequence
func stepInput(manager *kvcache.BlockManager, seq *request.Sequence) SequenceInput {
	from, to := seq.NumCachedTokens(), seq.NumTokens()
	Expect(manager.AllocateSlotsForSequence(seq, to-from)).To(BeTrue())
	positions := make([]int, 0, to-from)
	for pos := from; pos < to; pos++ {
		positions = append(positions, pos)
	}
	return SequenceInput{
		SequenceID:      seq.ID(),
		TokenIDs:        seq.TokenRange(from, to),
		Positions:       positions,
		SlotIDs:         manager.SlotIDs(seq, from, to),
		BlockTable:      seq.BlockTable(),
		ContextLen:      to,
		NumPromptTokens: seq.NumPromptTokens(),
	}
}

var _ = ginkgo.Describe("Synthetic models", func() {
	var (
		caches  []*kvcache.KVCache
		manager *kvcache.BlockManager
	)

	ginkgo.BeforeEach(func() {
		common.InitRandom(time.Now().UnixNano())
		caches = newCaches()
		manager = kvcache.NewBlockManager(kvcache.BlockManagerConfig{NumBlocks: 16, BlockSize: testBlockSize}, logr.Discard())
		// scatter the blocks of the sequences under test
		filler := request.NewSequence(100, make([]int32, 5), request.StoppingCriteria{MaxTokens: 1}, nil)
		Expect(manager.AllocateSlotsForSequence(filler, 5)).To(BeTrue())
	})

	ginkgo.It("should echo interleaved prompts through the paged cache", func() {
		model, err := NewEchoModel(ModelArgs{NumLayers: testLayers, EOSTokenID: 2}, logr.Discard())
		Expect(err).NotTo(HaveOccurred())
		Expect(model.VerifyWeights()).To(Succeed())
		executor := NewExecutor(model, caches, nil, logr.Discard())

		prompts := [][]int32{{10, 11, 12, 13, 14, 15}, {20, 21, 22}}
		seqs := make([]*request.Sequence, len(prompts))
		for i, prompt := range prompts {
			seqs[i] = request.NewSequence(int64(i), prompt, request.StoppingCriteria{MaxTokens: 20, EOSTokenID: 2}, nil)
		}

		for step := 0; step < 10; step++ {
			batch := &Batch{}
			active := make([]*request.Sequence, 0)
			for _, seq := range seqs {
				if seq.IsFinished() {
					continue
				}
				batch.Sequences = append(batch.Sequences, stepInput(manager, seq))
				active = append(active, seq)
			}
			if len(active) == 0 {
				break
			}
			results, err := executor.Execute(context.Background(), batch)
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(HaveLen(len(active)))
			for i, seq := range active {
				Expect(results[i].Err).NotTo(HaveOccurred())
				seq.SetNumCachedTokens(seq.NumTokens())
				seq.AppendToken(results[i].TokenID)
			}
		}

		for i, seq := range seqs {
			Expect(seq.FinishReason()).To(Equal(request.FinishReasonStop))
			generated := seq.TokenRange(seq.NumPromptTokens(), seq.NumTokens())
			Expect(generated).To(Equal(append(append([]int32{}, prompts[i]...), 2)))
		}
	})

	ginkgo.It("should detect a corrupted cache", func() {
		model, err := NewEchoModel(ModelArgs{NumLayers: testLayers, EOSTokenID: 2}, logr.Discard())
		Expect(err).NotTo(HaveOccurred())

		seq := request.NewSequence(1, []int32{5, 6, 7, 8, 9}, request.StoppingCriteria{MaxTokens: 5}, nil)
		input := stepInput(manager, seq)
		// claim the slots are somewhere else than the block table says
		for i := range input.SlotIDs {
			input.SlotIDs[i] = int32(63 - i)
		}
		outputs, err := model.Forward(context.Background(), &Batch{Sequences: []SequenceInput{input}}, caches)
		Expect(err).NotTo(HaveOccurred())
		Expect(errors.Is(outputs[0].Err, ErrCacheCorrupted)).To(BeTrue())

		_, err = model.Forward(context.Background(), &Batch{}, caches[:1])
		Expect(err).To(HaveOccurred())
	})

	ginkgo.It("should generate random text tokens", func() {
		model, err := NewRandomModel(ModelArgs{NumLayers: testLayers, VocabSize: 50, EOSTokenID: 2,
			NumSpecialTokens: 3}, logr.Discard())
		Expect(err).NotTo(HaveOccurred())
		executor := NewExecutor(model, caches, nil, logr.Discard())

		for i := 0; i < 5; i++ {
			seq := request.NewSequence(int64(i), []int32{7, 8, 9}, request.StoppingCriteria{MaxTokens: 5}, nil)
			results, err := executor.Execute(context.Background(), &Batch{Sequences: []SequenceInput{stepInput(manager, seq)}})
			Expect(err).NotTo(HaveOccurred())
			Expect(results[0].Err).NotTo(HaveOccurred())
			Expect(results[0].TokenID).To(SatisfyAny(Equal(int32(2)), BeNumerically(">=", 3)))
			Expect(results[0].TokenID).To(BeNumerically("<", 50))
		}

		_, err = NewRandomModel(ModelArgs{NumLayers: 1, VocabSize: 3, NumSpecialTokens: 3}, logr.Discard())
		Expect(err).To(HaveOccurred())
	})

	ginkgo.It("should load and verify weights", func() {
		model, err := NewEchoModel(ModelArgs{NumLayers: testLayers}, logr.Discard())
		Expect(err).NotTo(HaveOccurred())

		Expect(model.LoadWeights(StateDict{"layers.5.kv_proj": {1, 1}})).NotTo(Succeed())
		Expect(model.LoadWeights(StateDict{"embed_tokens": {1}})).NotTo(Succeed())

		Expect(model.LoadWeights(StateDict{"layers.1.kv_proj": {0.5, 2}})).To(Succeed())
		Expect(model.VerifyWeights()).To(Succeed())

		Expect(model.LoadWeights(StateDict{"layers.0.kv_proj": {1}})).To(Succeed())
		Expect(model.VerifyWeights()).NotTo(Succeed())
		Expect(model.LoadWeights(StateDict{"layers.0.kv_proj": {0, 1}})).To(Succeed())
		Expect(model.VerifyWeights()).NotTo(Succeed())
	})
})

var _ = ginkgo.Describe("Greedy sampler", func() {
	ginkgo.It("should choose the highest logit", func() {
		sampler := GreedySampler{}
		id, err := sampler.Sample([]float32{0.1, 0.7, 0.7, 0.2})
		Expect(err).NotTo(HaveOccurred())
		Expect(id).To(Equal(int32(1)))

		_, err = sampler.Sample(nil)
		Expect(err).To(MatchError(ErrEmptyLogits))

		inf := float32(math.Inf(-1))
		_, err = sampler.Sample([]float32{inf, inf})
		Expect(err).To(HaveOccurred())
	})
})
