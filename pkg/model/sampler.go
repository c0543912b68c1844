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
	"errors"
	"math"
)

// ErrEmptyLogits is returned when a sequence output has no logits
var ErrEmptyLogits = errors.New("empty logits")

// Sampler chooses the next token from the logits of a sequence
type Sampler interface {
	Sample(logits []float32) (int32, error)
}

// GreedySampler chooses the token with the highest logit, the lowest id wins ties
type GreedySampler struct{}

func (GreedySampler) Sample(logits []float32) (int32, error) {
	if len(logits) == 0 {
		return 0, ErrEmptyLogits
	}
	best := 0
	bestValue := float32(math.Inf(-1))
	for id, value := range logits {
		if value > bestValue {
			best = id
			bestValue = value
		}
	}
	if math.IsInf(float64(bestValue), -1) {
		return 0, errors.New("all logits are masked")
	}
	return int32(best), nil
}
