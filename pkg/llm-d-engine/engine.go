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

// Package llmdengine composes the batching engine: tokenizer, model, kv cache,
// scheduler, response handler, metrics and the admin server.
package llmdengine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/llm-d/llm-d-batching-engine/pkg/common"
	"github.com/llm-d/llm-d-batching-engine/pkg/common/logging"
	kvcache "github.com/llm-d/llm-d-batching-engine/pkg/kv-cache"
	"github.com/llm-d/llm-d-batching-engine/pkg/model"
	"github.com/llm-d/llm-d-batching-engine/pkg/request"
	"github.com/llm-d/llm-d-batching-engine/pkg/scheduler"
	"github.com/llm-d/llm-d-batching-engine/pkg/tokenizer"
)

// vocabulary size of model types that do not define one
const defaultVocabSize = 32000

var (
	// ErrQueueFull is returned by Submit when the admission queue rejected the request
	ErrQueueFull = errors.New("request queue is full")
	// ErrEmptyPrompt is returned for prompts without tokens
	ErrEmptyPrompt = errors.New("prompt is empty")
	// ErrNoChatTemplate is returned for conversations sent to a model type without a template
	ErrNoChatTemplate = errors.New("model type has no chat template")
	// ErrStopped is returned by Submit after the engine stopped running
	ErrStopped = errors.New("engine is stopped")
)

// SubmitParams describe a generation request
type SubmitParams struct {
	// RequestID is generated when empty
	RequestID string
	// Prompt is the text to continue, ignored when Messages is set
	Prompt string
	// SystemMessage and Messages form a conversation, formatted with the chat template of the model type
	SystemMessage string
	Messages      []string
	// MaxTokens is the maximum number of generated tokens, 0 means up to the end of the context window
	MaxTokens int
	// N is the number of sequences generated for the prompt, 0 means 1
	N         int
	Priority  request.Priority
	IgnoreEOS bool
	// OnStream, when set, makes the request streaming
	OnStream request.StreamFunc
	OnFinish request.FinishFunc
}

// Engine serves generation requests with continuous batching
type Engine struct {
	// logger is used for information and errors logging
	logger logr.Logger
	// config is the engine's configuration
	config *common.Configuration
	// registry holds the known model types
	registry   *model.Registry
	modelEntry model.Entry
	model      model.Model
	tokenizer  tokenizer.Tokenizer

	cacheManager    *kvcache.CacheManager
	responseHandler *scheduler.ResponseHandler
	scheduler       *scheduler.ContinuousBatchingScheduler
	metrics         *engineMetrics

	nextSequenceID atomic.Int64
}

// New creates an engine that is configured from the command line in Start
func New(logger logr.Logger) (*Engine, error) {
	registry := model.NewRegistry()
	if err := model.RegisterBuiltins(registry); err != nil {
		return nil, fmt.Errorf("failed to register model types: %w", err)
	}
	return &Engine{
		logger:   logger,
		registry: registry,
	}, nil
}

// NewWithConfig creates an engine with all its components ready to Run
func NewWithConfig(config *common.Configuration, logger logr.Logger) (*Engine, error) {
	e, err := New(logger)
	if err != nil {
		return nil, err
	}
	if err := e.init(config); err != nil {
		return nil, err
	}
	return e, nil
}

// Start parses the command line, creates the components and runs them until the context is done
func (e *Engine) Start(ctx context.Context) error {
	config, err := common.ParseCommandParamsAndLoadConfig()
	if err != nil {
		return err
	}
	if err := e.init(config); err != nil {
		return err
	}
	return e.Run(ctx)
}

func (e *Engine) init(config *common.Configuration) error {
	e.config = config
	common.InitRandom(config.Seed)

	entry, err := e.registry.Lookup(config.ModelType)
	if err != nil {
		return fmt.Errorf("%w, registered types: %s", err, strings.Join(e.registry.ModelTypes(), ", "))
	}
	e.modelEntry = entry

	vocabSize := entry.Args.VocabSize
	if vocabSize == 0 {
		vocabSize = defaultVocabSize
	}
	e.tokenizer = tokenizer.NewSimpleTokenizer(vocabSize)

	e.model, err = e.registry.Create(config.ModelType, model.ModelArgs{
		VocabSize: vocabSize,
		NumLayers: config.NumLayers,
		NumHeads:  config.NumHeads,
		HeadDim:   config.HeadDim,
	}, e.logger)
	if err != nil {
		return fmt.Errorf("failed to create model %s: %w", config.ModelType, err)
	}
	if err := e.model.VerifyWeights(); err != nil {
		return fmt.Errorf("invalid weights of model %s: %w", config.ModelType, err)
	}
	args := e.model.Args()
	if config.MaxModelLen > args.MaxPositionEmbeddings {
		return fmt.Errorf("max model len %d exceeds the %d positions of model type %s",
			config.MaxModelLen, args.MaxPositionEmbeddings, config.ModelType)
	}

	e.metrics, err = newEngineMetrics(config, e.logger)
	if err != nil {
		return err
	}

	e.cacheManager, err = kvcache.NewCacheManager(config, e.metrics.kvCacheUsageChan, e.logger)
	if err != nil {
		return err
	}
	blockManager := e.cacheManager.BlockManager()

	executor := model.NewExecutor(e.model, e.cacheManager.Caches(), nil, e.logger)
	e.responseHandler = scheduler.NewResponseHandler(blockManager, e.tokenizer, config.ResponseWorkers,
		config.StreamingTokenBufferSize, e.logger)
	e.scheduler = scheduler.New(scheduler.Config{
		MaxNumSeqs:       config.MaxNumSeqs,
		RequestQueueSize: config.RequestQueueSize,
		StepTimeout:      config.StepTimeoutDuration(),
	}, executor, blockManager, e.responseHandler, e.metrics, e.logger)

	e.logger.Info("Engine created", "model", config.Model, "model type", args.ModelType,
		"vocab size", args.VocabSize, "layers", args.NumLayers, "max model len", config.MaxModelLen)
	return nil
}

// Run runs the scheduler, the response workers, the kv events sender, the metrics updaters
// and the admin server until the context is done or one of them fails
func (e *Engine) Run(ctx context.Context) error {
	listener, err := e.newListener()
	if err != nil {
		return err
	}
	return e.run(ctx, listener)
}

func (e *Engine) run(ctx context.Context, listener net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	// the response workers outlive the scheduler, which finishes the remaining requests when it stops
	handlerCtx, stopHandler := context.WithCancel(context.WithoutCancel(gctx))
	defer stopHandler()
	g.Go(func() error {
		return e.responseHandler.Run(handlerCtx)
	})
	g.Go(func() error {
		return e.cacheManager.Run(gctx)
	})
	g.Go(func() error {
		return e.metrics.run(gctx)
	})
	g.Go(func() error {
		defer stopHandler()
		return e.scheduler.Run(gctx)
	})
	g.Go(func() error {
		return e.startServer(gctx, listener)
	})
	return g.Wait()
}

// Config returns the configuration of the engine
func (e *Engine) Config() *common.Configuration {
	return e.config
}

// Stats returns a snapshot of the scheduler state
func (e *Engine) Stats() scheduler.Stats {
	return e.scheduler.Stats()
}

// IsReady returns true while the scheduling loop runs
func (e *Engine) IsReady() bool {
	return e.scheduler != nil && e.scheduler.IsRunning()
}

func (e *Engine) prompt(params *SubmitParams) (string, error) {
	if len(params.Messages) == 0 {
		return params.Prompt, nil
	}
	if e.modelEntry.Template == nil {
		return "", fmt.Errorf("%w: %s", ErrNoChatTemplate, e.config.ModelType)
	}
	prompt, ok := e.modelEntry.Template.Prompt(params.SystemMessage, params.Messages)
	if !ok {
		return "", errors.New("the conversation must end with a user message")
	}
	return prompt, nil
}

// Submit tokenizes the prompt, builds the request and queues it without blocking.
// Returns ErrQueueFull when the admission queue is full and ErrStopped once the engine stopped,
// the callbacks are then never called.
func (e *Engine) Submit(params SubmitParams) (*request.Request, error) {
	prompt, err := e.prompt(&params)
	if err != nil {
		return nil, err
	}
	promptTokens, err := e.tokenizer.Encode(prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to tokenize prompt: %w", err)
	}
	if len(promptTokens) == 0 {
		return nil, ErrEmptyPrompt
	}
	maxTokens, err := common.ResolveMaxTokens(len(promptTokens), params.MaxTokens, e.config.MaxModelLen)
	if err != nil {
		return nil, err
	}

	n := params.N
	if n <= 0 {
		n = 1
	}
	requestID := params.RequestID
	if requestID == "" {
		requestID = common.GenerateUUIDString()
	}

	args := e.model.Args()
	criteria := request.StoppingCriteria{
		MaxTokens:     maxTokens,
		MaxContextLen: e.config.MaxModelLen,
		EOSTokenID:    args.EOSTokenID,
		IgnoreEOS:     params.IgnoreEOS,
		StopTokenIDs:  args.StopTokenIDs,
	}
	req := request.New(requestID, params.Priority, params.OnStream != nil, params.OnFinish)
	for i := 0; i < n; i++ {
		req.AddSequence(request.NewSequence(e.nextSequenceID.Add(1), promptTokens, criteria, params.OnStream))
	}

	if !e.scheduler.Schedule(req) {
		if e.scheduler.IsStopped() {
			return nil, ErrStopped
		}
		e.metrics.reportRejected()
		return nil, ErrQueueFull
	}
	e.logger.V(logging.DEBUG).Info("Request submitted", "request", requestID, "prompt tokens", len(promptTokens),
		"max tokens", maxTokens, "sequences", n, "priority", params.Priority.String())
	return req, nil
}

// Generate submits the request and waits for its output. When the context is done first
// the request is cancelled and the context error is returned.
func (e *Engine) Generate(ctx context.Context, params SubmitParams) (request.Output, error) {
	done := make(chan request.Output, 1)
	onFinish := params.OnFinish
	params.OnFinish = func(output request.Output) {
		if onFinish != nil {
			onFinish(output)
		}
		done <- output
	}

	req, err := e.Submit(params)
	if err != nil {
		return request.Output{}, err
	}

	select {
	case output := <-done:
		return output, output.Err
	case <-ctx.Done():
		req.Cancel()
		return request.Output{}, ctx.Err()
	}
}
