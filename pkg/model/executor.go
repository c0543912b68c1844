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
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/llm-d/llm-d-batching-engine/pkg/common/logging"
	kvcache "github.com/llm-d/llm-d-batching-engine/pkg/kv-cache"
)

// Result is the next token of a sequence, or the error that failed it
type Result struct {
	TokenID int32
	Err     error
}

// Executor runs a model over the kv caches and samples the next tokens
type Executor struct {
	model   Model
	caches  []*kvcache.KVCache
	sampler Sampler
	logger  logr.Logger
}

func NewExecutor(model Model, caches []*kvcache.KVCache, sampler Sampler, logger logr.Logger) *Executor {
	if sampler == nil {
		sampler = GreedySampler{}
	}
	return &Executor{
		model:   model,
		caches:  caches,
		sampler: sampler,
		logger:  logger,
	}
}

// Execute runs one step over the batch. It returns one result per sequence of the batch,
// an error fails all the sequences.
func (e *Executor) Execute(ctx context.Context, batch *Batch) ([]Result, error) {
	start := time.Now()
	outputs, err := e.model.Forward(ctx, batch, e.caches)
	if err != nil {
		return nil, fmt.Errorf("forward failed: %w", err)
	}
	if len(outputs) != len(batch.Sequences) {
		return nil, fmt.Errorf("model returned %d outputs for %d sequences", len(outputs), len(batch.Sequences))
	}

	results := make([]Result, len(outputs))
	for i, output := range outputs {
		if output.Err != nil {
			results[i] = Result{Err: output.Err}
			continue
		}
		tokenID, err := e.sampler.Sample(output.Logits)
		if err != nil {
			results[i] = Result{Err: fmt.Errorf("sampling failed for sequence %d: %w", batch.Sequences[i].SequenceID, err)}
			continue
		}
		results[i] = Result{TokenID: tokenID}
	}

	e.logger.V(logging.TRACE).Info("Executed batch", "sequences", len(batch.Sequences),
		"tokens", batch.NumTokens(), "duration", time.Since(start))
	return results, nil
}
