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
	"fmt"
	"math"

	"github.com/go-logr/logr"

	"github.com/llm-d/llm-d-batching-engine/pkg/common"
	"github.com/llm-d/llm-d-batching-engine/pkg/common/logging"
	kvcache "github.com/llm-d/llm-d-batching-engine/pkg/kv-cache"
)

// ErrCacheCorrupted is returned when the context read back from the kv cache does not
// match the positions written to it
var ErrCacheCorrupted = errors.New("kv cache content does not match the sequence")

const (
	keyScaleIndex   = 0
	valueScaleIndex = 1
	projectionSize  = 2
)

// nextTokenFunc chooses the next token of a sequence from its context tokens
type nextTokenFunc func(context []int32, numPromptTokens int) int32

// syntheticModel runs the kv cache part of a decoder without the neural network math.
// The key row of a position holds the scaled token id, the value row the scaled position.
// Each step reads the whole context of every sequence back through its block table,
// recovers the context tokens from the keys and passes them to nextToken.
type syntheticModel struct {
	args      ModelArgs
	weights   StateDict
	nextToken nextTokenFunc
	// logits builds the output of a sequence whose next token is next
	logits func(next int32) []float32
	logger logr.Logger
}

func projectionName(layer int) string {
	return fmt.Sprintf("layers.%d.kv_proj", layer)
}

// DefaultWeights returns unit key and value projections for every layer
func DefaultWeights(args ModelArgs) StateDict {
	weights := make(StateDict, args.NumLayers)
	for layer := 0; layer < args.NumLayers; layer++ {
		weights[projectionName(layer)] = []float32{1, 1}
	}
	return weights
}

func (m *syntheticModel) Args() ModelArgs {
	return m.args
}

// LoadWeights copies the known weights, unknown names are an error
func (m *syntheticModel) LoadWeights(weights StateDict) error {
	for name, value := range weights {
		if _, err := m.layerOf(name); err != nil {
			return err
		}
		m.weights[name] = append([]float32(nil), value...)
	}
	return nil
}

func (m *syntheticModel) layerOf(name string) (int, error) {
	var layer int
	if _, err := fmt.Sscanf(name, "layers.%d.kv_proj", &layer); err != nil || layer < 0 || layer >= m.args.NumLayers {
		return 0, fmt.Errorf("unexpected weight %s", name)
	}
	return layer, nil
}

// VerifyWeights checks that every layer has a valid projection
func (m *syntheticModel) VerifyWeights() error {
	for layer := 0; layer < m.args.NumLayers; layer++ {
		name := projectionName(layer)
		weight, exists := m.weights[name]
		if !exists {
			return fmt.Errorf("missing weight %s", name)
		}
		if len(weight) != projectionSize {
			return fmt.Errorf("weight %s has size %d, expected %d", name, len(weight), projectionSize)
		}
		if weight[keyScaleIndex] == 0 || weight[valueScaleIndex] == 0 {
			return fmt.Errorf("weight %s has a zero scale", name)
		}
	}
	return nil
}

func (m *syntheticModel) Forward(ctx context.Context, batch *Batch, caches []*kvcache.KVCache) ([]SequenceOutput, error) {
	if len(caches) != m.args.NumLayers {
		return nil, fmt.Errorf("model has %d layers, got %d kv caches", m.args.NumLayers, len(caches))
	}

	outputs := make([]SequenceOutput, len(batch.Sequences))
	for i := range batch.Sequences {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next, err := m.forwardSequence(&batch.Sequences[i], caches)
		if err != nil {
			outputs[i] = SequenceOutput{Err: err}
			continue
		}
		outputs[i] = SequenceOutput{Logits: m.logits(next)}
	}
	return outputs, nil
}

func (m *syntheticModel) forwardSequence(seq *SequenceInput, caches []*kvcache.KVCache) (int32, error) {
	if len(seq.TokenIDs) != len(seq.Positions) {
		return 0, fmt.Errorf("sequence %d has %d tokens and %d positions", seq.SequenceID,
			len(seq.TokenIDs), len(seq.Positions))
	}

	var contextTokens []int32
	for layer, cache := range caches {
		weight := m.weights[projectionName(layer)]
		keyScale, valueScale := weight[keyScaleIndex], weight[valueScaleIndex]

		keys := make([][]float32, len(seq.TokenIDs))
		values := make([][]float32, len(seq.TokenIDs))
		for i, tokenID := range seq.TokenIDs {
			keys[i] = fill(cache.RowSize(), float32(tokenID)*keyScale)
			values[i] = fill(cache.RowSize(), float32(seq.Positions[i])*valueScale)
		}
		if err := cache.Write(seq.SlotIDs, keys, values); err != nil {
			return 0, fmt.Errorf("failed to write layer %d of sequence %d: %w", layer, seq.SequenceID, err)
		}

		contextKeys, contextValues, err := cache.ReadBlockTable(seq.BlockTable, seq.ContextLen)
		if err != nil {
			return 0, fmt.Errorf("failed to read layer %d of sequence %d: %w", layer, seq.SequenceID, err)
		}
		tokens := make([]int32, len(contextKeys))
		for pos := range contextKeys {
			if contextValues[pos][0] != float32(pos)*valueScale {
				return 0, fmt.Errorf("%w: sequence %d, layer %d, position %d", ErrCacheCorrupted,
					seq.SequenceID, layer, pos)
			}
			tokens[pos] = int32(math.Round(float64(contextKeys[pos][0] / keyScale)))
		}
		if contextTokens != nil && !equalTokens(contextTokens, tokens) {
			return 0, fmt.Errorf("%w: sequence %d, layer %d differs from layer 0", ErrCacheCorrupted,
				seq.SequenceID, layer)
		}
		contextTokens = tokens
	}

	next := m.nextToken(contextTokens, seq.NumPromptTokens)
	m.logger.V(logging.TRACE).Info("Forward", "sequence", seq.SequenceID, "context", seq.ContextLen, "next", next)
	return next, nil
}

func fill(size int, value float32) []float32 {
	row := make([]float32, size)
	for i := range row {
		row[i] = value
	}
	return row
}

func equalTokens(a, b []int32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func newSyntheticModel(args ModelArgs, nextToken nextTokenFunc, logger logr.Logger) (*syntheticModel, error) {
	if args.NumLayers < 1 {
		return nil, fmt.Errorf("invalid number of layers %d", args.NumLayers)
	}
	m := &syntheticModel{
		args:      args,
		weights:   make(StateDict),
		nextToken: nextToken,
		logger:    logger,
	}
	if err := m.LoadWeights(DefaultWeights(args)); err != nil {
		return nil, err
	}
	return m, nil
}

// NewEchoModel creates a model that generates its prompt again, then the EOS token
func NewEchoModel(args ModelArgs, logger logr.Logger) (Model, error) {
	eos := args.EOSTokenID
	echo := func(context []int32, numPromptTokens int) int32 {
		generated := len(context) - numPromptTokens
		if generated < numPromptTokens {
			return context[generated]
		}
		return eos
	}
	m, err := newSyntheticModel(args, echo, logger)
	if err != nil {
		return nil, err
	}
	m.logits = func(next int32) []float32 {
		size := max(args.VocabSize, int(next)+1)
		logits := make([]float32, size)
		logits[next] = 1
		return logits
	}
	return m, nil
}

// NewRandomModel creates a model that generates random tokens of the vocabulary.
// Special tokens other than EOS are never generated.
func NewRandomModel(args ModelArgs, logger logr.Logger) (Model, error) {
	if args.VocabSize <= args.NumSpecialTokens {
		return nil, fmt.Errorf("vocabulary size %d leaves no text tokens", args.VocabSize)
	}
	m, err := newSyntheticModel(args, func([]int32, int) int32 { return 0 }, logger)
	if err != nil {
		return nil, err
	}
	m.logits = func(int32) []float32 {
		logits := make([]float32, args.VocabSize)
		for id := range logits {
			if id < args.NumSpecialTokens && int32(id) != args.EOSTokenID {
				logits[id] = float32(math.Inf(-1))
				continue
			}
			logits[id] = float32(common.RandomFloat(0, 1))
		}
		return logits
	}
	return m, nil
}
