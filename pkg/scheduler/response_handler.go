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

package scheduler

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/go-logr/logr"

	"github.com/llm-d/llm-d-batching-engine/pkg/common/logging"
	kvcache "github.com/llm-d/llm-d-batching-engine/pkg/kv-cache"
	"github.com/llm-d/llm-d-batching-engine/pkg/request"
)

// task is a unit of work of a response worker
type task interface {
	run(decoder request.Decoder, logger logr.Logger)
}

// streamTask delivers the text of tokens [start, end) of a streaming sequence
type streamTask struct {
	seq    *request.Sequence
	start  int
	end    int
	reason request.FinishReason
}

func (t *streamTask) run(decoder request.Decoder, logger logr.Logger) {
	delta, err := t.seq.DecodeDeltaText(t.start, t.end, decoder)
	if err != nil {
		logger.Error(err, "Failed to decode stream delta", "sequence", t.seq.ID())
		if req := t.seq.Request(); req != nil {
			req.SetError(err)
		}
		return
	}
	if delta != "" || t.reason != request.FinishReasonNone {
		t.seq.StreamDelta(delta, t.reason)
	}
}

// finishTask produces the final output of a request and calls its finish callback
type finishTask struct {
	req *request.Request
}

func (t *finishTask) run(decoder request.Decoder, logger logr.Logger) {
	req := t.req
	output := request.Output{
		PromptTokens:     req.NumPromptTokens(),
		CompletionTokens: req.NumGeneratedTokens(),
	}

	switch {
	case req.IsCancelled():
		// also when the client rejected a delta after the last step
		output.Err = req.Err()
		if output.Err == nil {
			output.Err = request.ErrCancelled
		}
		output.FinishReason = request.FinishReasonCancelled
	case req.Err() != nil:
		output.Err = req.Err()
		output.FinishReason = request.FinishReasonError
	case req.Stream:
		// deltas were already streamed
	default:
		for _, seq := range req.Sequences {
			text, err := seq.DecodeOutputText(decoder)
			if err != nil {
				logger.Error(err, "Failed to decode output", "request", req.ID, "sequence", seq.ID())
				output = request.Output{Err: err, FinishReason: request.FinishReasonError,
					PromptTokens: output.PromptTokens, CompletionTokens: output.CompletionTokens}
				break
			}
			output.Choices = append(output.Choices, request.Choice{
				Index:        seq.Index(),
				Text:         text,
				FinishReason: seq.FinishReason(),
			})
		}
		if output.Err == nil && len(output.Choices) > 0 {
			output.Text = output.Choices[0].Text
			output.FinishReason = output.Choices[0].FinishReason
		}
	}

	logger.V(logging.DEBUG).Info("Request finished", "request", req.ID, "finish reason", output.FinishReason.String(),
		"prompt tokens", output.PromptTokens, "completion tokens", output.CompletionTokens)
	req.Finish(output)
}

// taskQueue is an unbounded FIFO of tasks, submitting never blocks
type taskQueue struct {
	mu     sync.Mutex
	tasks  []task
	notify chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{notify: make(chan struct{}, 1)}
}

func (q *taskQueue) push(t task) {
	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *taskQueue) take() []task {
	q.mu.Lock()
	defer q.mu.Unlock()
	tasks := q.tasks
	q.tasks = nil
	return tasks
}

// worker runs the tasks of its queue in order
type worker struct {
	id      int
	queue   *taskQueue
	decoder request.Decoder
	logger  logr.Logger
}

func (w *worker) waitForTasks(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// tasks submitted before the context was done are still delivered
			w.runTasks()
			w.logger.V(logging.TRACE).Info("Response worker done", "id", w.id)
			return
		case <-w.queue.notify:
			w.runTasks()
		}
	}
}

func (w *worker) runTasks() {
	for _, t := range w.queue.take() {
		t.run(w.decoder, w.logger)
	}
}

// ResponseHandler decodes and delivers output off the scheduling goroutine.
// All the tasks of a request run on the same worker, in the order they were submitted.
type ResponseHandler struct {
	blockManager *kvcache.BlockManager
	// number of tokens to buffer before streaming them
	streamingTokenBufferSize int
	workers                  []*worker
	logger                   logr.Logger
}

// NewResponseHandler creates a handler with numWorkers workers, Run starts them
func NewResponseHandler(blockManager *kvcache.BlockManager, decoder request.Decoder, numWorkers int,
	streamingTokenBufferSize int, logger logr.Logger) *ResponseHandler {
	if numWorkers < 1 {
		numWorkers = 1
	}
	if streamingTokenBufferSize < 1 {
		streamingTokenBufferSize = 1
	}
	workers := make([]*worker, numWorkers)
	for i := range workers {
		workers[i] = &worker{id: i, queue: newTaskQueue(), decoder: decoder, logger: logger}
	}
	return &ResponseHandler{
		blockManager:             blockManager,
		streamingTokenBufferSize: streamingTokenBufferSize,
		workers:                  workers,
		logger:                   logger,
	}
}

// Run runs the workers until the context is done, then delivers the tasks left in their
// queues. The context should be done only after no more requests are finished.
func (h *ResponseHandler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, w := range h.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.waitForTasks(ctx)
		}()
	}
	wg.Wait()
	return nil
}

func (h *ResponseHandler) submit(req *request.Request, t task) {
	w := h.workers[xxhash.Sum64String(req.ID)%uint64(len(h.workers))]
	w.queue.push(t)
}

// OnSequenceStream is called after every step for every sequence of a running request.
// The buffered tokens of a streaming sequence are delivered when the sequence finished
// or when there are at least streamingTokenBufferSize of them.
func (h *ResponseHandler) OnSequenceStream(seq *request.Sequence) {
	if !seq.IsStreaming() {
		return
	}
	finished := seq.IsFinished()
	if !finished && seq.NumTokensToOutput() < h.streamingTokenBufferSize {
		return
	}
	start, end := seq.ClaimOutput(seq.NumTokens())
	reason := seq.FinishReason()
	if start == end && reason == request.FinishReasonNone {
		return
	}
	h.submit(seq.Request(), &streamTask{seq: seq, start: start, end: end, reason: reason})
}

// OnRequestFinish releases the blocks of the request, then produces its final
// output on a worker. The blocks are free before the finish callback runs.
func (h *ResponseHandler) OnRequestFinish(req *request.Request) {
	h.blockManager.ReleaseSlotsForRequest(req)
	h.submit(req, &finishTask{req: req})
}
