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

	kvcache "github.com/llm-d/llm-d-batching-engine/pkg/kv-cache"
)

// ModelArgs are the architecture parameters of a model type
type ModelArgs struct {
	ModelType string
	// VocabSize is the number of logits produced per sequence, 0 means the tokenizer's vocabulary
	VocabSize             int
	HiddenSize            int
	NumLayers             int
	NumHeads              int
	HeadDim               int
	MaxPositionEmbeddings int
	BOSTokenID            int32
	EOSTokenID            int32
	// StopTokenIDs finish a sequence in addition to the EOS token
	StopTokenIDs []int32
	// NumSpecialTokens is the number of ids at the start of the vocabulary that carry no text
	NumSpecialTokens int
}

// SequenceInput is the addressing of one sequence in an execution step
type SequenceInput struct {
	SequenceID int64
	// TokenIDs are the tokens processed in this step: the whole prompt on the first
	// step, the last generated token afterwards
	TokenIDs []int32
	// Positions of TokenIDs in the sequence
	Positions []int
	// SlotIDs are the cache slots the keys and values of TokenIDs are written to
	SlotIDs []int32
	// BlockTable of the sequence
	BlockTable []int32
	// ContextLen is the number of positions of the sequence after this step
	ContextLen      int
	NumPromptTokens int
}

// Batch is the input of one execution step
type Batch struct {
	Sequences []SequenceInput
}

// NumTokens returns the number of tokens processed by the batch
func (b *Batch) NumTokens() int {
	total := 0
	for _, seq := range b.Sequences {
		total += len(seq.TokenIDs)
	}
	return total
}

// SequenceOutput holds the next token logits of one sequence, or the error that
// failed the sequence
type SequenceOutput struct {
	Logits []float32
	Err    error
}

// StateDict maps weight names to their values
type StateDict map[string][]float32

// Model is one architecture behind the execution contract.
// Forward writes the keys and values of the batch tokens to the per layer caches
// and returns one output per sequence of the batch, in the batch order.
// An error returned by Forward fails the whole batch.
type Model interface {
	Forward(ctx context.Context, batch *Batch, caches []*kvcache.KVCache) ([]SequenceOutput, error)
	LoadWeights(weights StateDict) error
	VerifyWeights() error
	Args() ModelArgs
}
