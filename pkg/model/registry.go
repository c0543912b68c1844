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
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/go-logr/logr"
)

// ErrUnknownModelType is returned for model types that were not registered
var ErrUnknownModelType = errors.New("unknown model type")

// Factory creates a model of a registered type
type Factory func(args ModelArgs, logger logr.Logger) (Model, error)

// Entry is everything registered for a model type
type Entry struct {
	Factory Factory
	// Args are the default arguments of the type
	Args ModelArgs
	// Template builds prompts from conversations, optional
	Template ChatTemplate
}

// Registry maps model types to their entries. Model types are case insensitive.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds a model type, registering a type twice is an error
func (r *Registry) Register(modelType string, entry Entry) error {
	if entry.Factory == nil {
		return fmt.Errorf("model type %s has no factory", modelType)
	}
	key := strings.ToLower(modelType)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[key]; exists {
		return fmt.Errorf("model type %s is already registered", modelType)
	}
	if entry.Args.ModelType == "" {
		entry.Args.ModelType = key
	}
	r.entries[key] = entry
	return nil
}

// Lookup returns the entry of the model type
func (r *Registry) Lookup(modelType string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, exists := r.entries[strings.ToLower(modelType)]
	if !exists {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownModelType, modelType)
	}
	return entry, nil
}

// ModelTypes returns the registered types, sorted
func (r *Registry) ModelTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.entries))
	for modelType := range r.entries {
		types = append(types, modelType)
	}
	slices.Sort(types)
	return types
}

// Create looks up the model type and builds a model with the given arguments.
// Zero fields of args are taken from the registered defaults.
func (r *Registry) Create(modelType string, args ModelArgs, logger logr.Logger) (Model, error) {
	entry, err := r.Lookup(modelType)
	if err != nil {
		return nil, err
	}
	return entry.Factory(mergeArgs(entry.Args, args), logger)
}

func mergeArgs(defaults, args ModelArgs) ModelArgs {
	merged := defaults
	if args.ModelType != "" {
		merged.ModelType = args.ModelType
	}
	if args.VocabSize != 0 {
		merged.VocabSize = args.VocabSize
	}
	if args.HiddenSize != 0 {
		merged.HiddenSize = args.HiddenSize
	}
	if args.NumLayers != 0 {
		merged.NumLayers = args.NumLayers
	}
	if args.NumHeads != 0 {
		merged.NumHeads = args.NumHeads
	}
	if args.HeadDim != 0 {
		merged.HeadDim = args.HeadDim
	}
	if args.MaxPositionEmbeddings != 0 {
		merged.MaxPositionEmbeddings = args.MaxPositionEmbeddings
	}
	if args.BOSTokenID != 0 {
		merged.BOSTokenID = args.BOSTokenID
	}
	if args.EOSTokenID != 0 {
		merged.EOSTokenID = args.EOSTokenID
	}
	if args.StopTokenIDs != nil {
		merged.StopTokenIDs = args.StopTokenIDs
	}
	if args.NumSpecialTokens != 0 {
		merged.NumSpecialTokens = args.NumSpecialTokens
	}
	return merged
}

// RegisterBuiltins registers the synthetic architectures and the model types served by them
func RegisterBuiltins(r *Registry) error {
	base := ModelArgs{
		BOSTokenID:            1,
		EOSTokenID:            2,
		NumSpecialTokens:      3,
		MaxPositionEmbeddings: 2048,
	}

	echoArgs := base
	echoArgs.ModelType = "echo"

	randomArgs := base
	randomArgs.ModelType = "random"

	llamaArgs := base
	llamaArgs.ModelType = "llama"
	llamaArgs.VocabSize = 32000
	llamaArgs.HiddenSize = 4096
	llamaArgs.MaxPositionEmbeddings = 4096

	llama2Args := llamaArgs
	llama2Args.ModelType = "llama2"

	gptNeoxArgs := base
	gptNeoxArgs.ModelType = "gpt_neox"
	gptNeoxArgs.VocabSize = 50432
	gptNeoxArgs.HiddenSize = 6144

	internlmArgs := base
	internlmArgs.ModelType = "internlm"
	internlmArgs.VocabSize = 103168
	internlmArgs.HiddenSize = 5120
	internlmArgs.MaxPositionEmbeddings = 4096
	internlmArgs.StopTokenIDs = []int32{1, 103028}

	entries := []Entry{
		{Factory: NewEchoModel, Args: echoArgs},
		{Factory: NewRandomModel, Args: randomArgs},
		{Factory: NewRandomModel, Args: llamaArgs},
		{Factory: NewRandomModel, Args: llama2Args},
		{Factory: NewRandomModel, Args: gptNeoxArgs},
		{Factory: NewRandomModel, Args: internlmArgs, Template: InternlmTemplate{}},
	}
	for _, entry := range entries {
		if err := r.Register(entry.Args.ModelType, entry); err != nil {
			return err
		}
	}
	return nil
}
