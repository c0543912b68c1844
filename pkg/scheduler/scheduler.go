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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/llm-d/llm-d-batching-engine/pkg/common"
	"github.com/llm-d/llm-d-batching-engine/pkg/common/logging"
	kvcache "github.com/llm-d/llm-d-batching-engine/pkg/kv-cache"
	"github.com/llm-d/llm-d-batching-engine/pkg/model"
	"github.com/llm-d/llm-d-batching-engine/pkg/request"
)

var (
	// ErrExecution wraps the model errors of failed requests
	ErrExecution = errors.New("execution failed")
	// ErrExceedsCapacity is the error of requests that can never fit in the kv cache or in a batch
	ErrExceedsCapacity = errors.New("request exceeds the scheduler capacity")
)

// Executor runs one step of the model
type Executor interface {
	Execute(ctx context.Context, batch *model.Batch) ([]model.Result, error)
}

// Observer is notified about the progress of the scheduler, from the scheduling goroutine
type Observer interface {
	StepDone(stats Stats, batchSize int, duration time.Duration)
	RequestFinished(req *request.Request)
}

// Stats is a snapshot of the scheduler state
type Stats struct {
	// Waiting is the number of queued and admitted requests that do not run yet
	Waiting int `json:"waiting"`
	// Running is the number of requests in the running set
	Running        int    `json:"running"`
	FreeBlocks     int    `json:"free_blocks"`
	UsedBlocks     int    `json:"used_blocks"`
	ReservedBlocks int    `json:"reserved_blocks"`
	Steps          uint64 `json:"steps"`
}

// Config holds the scheduler options
type Config struct {
	// MaxNumSeqs is the maximum number of sequences in a batch
	MaxNumSeqs int
	// RequestQueueSize is the capacity of the admission queue
	RequestQueueSize int
	// StepTimeout is how long an idle step waits for a request
	StepTimeout time.Duration
}

// runningRequest is a request in the running set with the blocks reserved for it
type runningRequest struct {
	req      *request.Request
	reserved int
}

// ContinuousBatchingScheduler admits requests through a bounded queue, orders them by
// priority and arrival, and re-forms the batch on every step.
// Schedule may be called from any goroutine, Step and Run from one goroutine only.
type ContinuousBatchingScheduler struct {
	config          Config
	executor        Executor
	blockManager    *kvcache.BlockManager
	responseHandler *ResponseHandler
	observer        Observer
	logger          logr.Logger

	queue *requestQueue
	// stopMu orders Schedule against the final drain of the queue
	stopMu  sync.RWMutex
	stopped bool

	// owned by the scheduling goroutine
	pending        priorityQueue
	running        []*runningRequest
	reservedBlocks int
	nextSeqNumber  uint64

	numWaiting  atomic.Int64
	numRunning  atomic.Int64
	numReserved atomic.Int64
	numSteps    atomic.Uint64
	started     atomic.Bool
}

// New creates a scheduler, observer may be nil
func New(config Config, executor Executor, blockManager *kvcache.BlockManager, responseHandler *ResponseHandler,
	observer Observer, logger logr.Logger) *ContinuousBatchingScheduler {
	return &ContinuousBatchingScheduler{
		config:          config,
		executor:        executor,
		blockManager:    blockManager,
		responseHandler: responseHandler,
		observer:        observer,
		logger:          logger,
		queue:           newRequestQueue(config.RequestQueueSize),
	}
}

// Schedule queues the request without blocking. Returns false if the queue is full or
// the scheduler was stopped, the request is then still owned by the caller.
func (s *ContinuousBatchingScheduler) Schedule(req *request.Request) bool {
	s.stopMu.RLock()
	defer s.stopMu.RUnlock()
	if s.stopped {
		s.logger.V(logging.DEBUG).Info("Scheduler is stopped", "request", req.ID)
		return false
	}
	if !s.queue.tryPush(req) {
		s.logger.V(logging.DEBUG).Info("Request queue is full", "request", req.ID)
		return false
	}
	s.logger.V(logging.TRACE).Info("Request scheduled", "request", req.ID, "priority", req.Priority.String())
	return true
}

// Run steps the scheduler until the context is done. The requests that did not finish
// by then are finished as cancelled with the context's error, and later calls to
// Schedule are rejected.
func (s *ContinuousBatchingScheduler) Run(ctx context.Context) error {
	s.started.Store(true)
	defer s.started.Store(false)
	s.logger.Info("Scheduler started", "max num seqs", s.config.MaxNumSeqs,
		"request queue size", s.config.RequestQueueSize, "step timeout", s.config.StepTimeout)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped", "running", len(s.running), "waiting", s.pending.len()+s.queue.len())
			s.stop(ctx.Err())
			return nil
		default:
			s.Step(ctx, s.config.StepTimeout)
		}
	}
}

// stop rejects new requests and finishes every queued, waiting and running request
func (s *ContinuousBatchingScheduler) stop(err error) {
	s.stopMu.Lock()
	s.stopped = true
	s.stopMu.Unlock()

	for _, req := range s.queue.drain() {
		s.admit(req)
	}
	for req := s.pending.pop(); req != nil; req = s.pending.pop() {
		req.Cancel()
		s.finishRequest(req, err)
	}
	for _, r := range s.running {
		s.reservedBlocks -= r.reserved
		r.req.Cancel()
		s.finishRequest(r.req, err)
	}
	s.running = nil
	s.updateStats()
}

// IsStopped returns true once Run returned, the scheduler accepts no more requests
func (s *ContinuousBatchingScheduler) IsStopped() bool {
	s.stopMu.RLock()
	defer s.stopMu.RUnlock()
	return s.stopped
}

// IsRunning returns true while Run is stepping the scheduler
func (s *ContinuousBatchingScheduler) IsRunning() bool {
	return s.started.Load()
}

// Stats returns a snapshot of the scheduler state, safe to call from any goroutine
func (s *ContinuousBatchingScheduler) Stats() Stats {
	free := s.blockManager.NumFreeBlocks()
	return Stats{
		Waiting:        int(s.numWaiting.Load()) + s.queue.len(),
		Running:        int(s.numRunning.Load()),
		FreeBlocks:     free,
		UsedBlocks:     s.blockManager.NumBlocks() - free,
		ReservedBlocks: int(s.numReserved.Load()),
		Steps:          s.numSteps.Load(),
	}
}

// Step runs one scheduling iteration. It waits up to timeout for a request only
// when there is no queued or running work.
func (s *ContinuousBatchingScheduler) Step(ctx context.Context, timeout time.Duration) {
	if len(s.running) == 0 && s.pending.len() == 0 {
		req := s.queue.wait(ctx, timeout)
		if req == nil {
			return
		}
		s.admit(req)
	}
	start := time.Now()

	for _, req := range s.queue.drain() {
		s.admit(req)
	}

	// requests cancelled between steps
	for _, req := range s.pending.removeCancelled() {
		s.finishRequest(req, request.ErrCancelled)
	}
	s.retireFinished()

	s.startPending()

	batch, seqs := s.createSequenceBatch()
	if len(seqs) > 0 {
		s.execute(ctx, batch, seqs)
	}

	s.retireFinished()

	s.numSteps.Add(1)
	s.updateStats()
	if s.observer != nil {
		s.observer.StepDone(s.Stats(), len(seqs), time.Since(start))
	}
}

// admit moves a request from the admission queue to the priority queue
func (s *ContinuousBatchingScheduler) admit(req *request.Request) {
	req.SetSequenceNumber(s.nextSeqNumber)
	s.nextSeqNumber++
	s.pending.push(req)
}

// blocksToReserve is the number of blocks the request needs in the worst case
func (s *ContinuousBatchingScheduler) blocksToReserve(req *request.Request) int {
	blocks := 0
	for _, seq := range req.Sequences {
		blocks += common.BlocksForTokens(seq.MaxTotalTokens(), s.blockManager.BlockSize())
	}
	return blocks
}

func (s *ContinuousBatchingScheduler) runningSequences() int {
	total := 0
	for _, r := range s.running {
		total += len(r.req.Sequences)
	}
	return total
}

// startPending moves requests from the priority queue to the running set, in priority order,
// as long as the batch has room and the kv cache can hold their worst case.
// A request that does not fit stops the admission until capacity frees.
func (s *ContinuousBatchingScheduler) startPending() {
	numSeqs := s.runningSequences()
	for {
		req := s.pending.peek()
		if req == nil {
			return
		}
		blocks := s.blocksToReserve(req)
		if blocks > s.blockManager.NumBlocks() || len(req.Sequences) > s.config.MaxNumSeqs || len(req.Sequences) == 0 {
			s.pending.pop()
			s.finishRequest(req, fmt.Errorf("%w: %d sequences needing %d blocks, the limits are %d sequences and %d blocks",
				ErrExceedsCapacity, len(req.Sequences), blocks, s.config.MaxNumSeqs, s.blockManager.NumBlocks()))
			continue
		}
		if numSeqs+len(req.Sequences) > s.config.MaxNumSeqs {
			return
		}
		if s.reservedBlocks+blocks > s.blockManager.NumBlocks() {
			s.logger.V(logging.TRACE).Info("Not enough kv cache for the next request", "request", req.ID,
				"blocks", blocks, "reserved", s.reservedBlocks)
			return
		}

		s.pending.pop()
		req.SetStatus(request.StatusRunning)
		s.running = append(s.running, &runningRequest{req: req, reserved: blocks})
		s.reservedBlocks += blocks
		numSeqs += len(req.Sequences)
		s.logger.V(logging.DEBUG).Info("Request started", "request", req.ID, "priority", req.Priority.String(),
			"reserved blocks", blocks)
	}
}

// createSequenceBatch builds the input of the step for every unfinished sequence of the
// running requests that could get the slots of its uncached tokens
func (s *ContinuousBatchingScheduler) createSequenceBatch() (*model.Batch, []*request.Sequence) {
	batch := &model.Batch{}
	var seqs []*request.Sequence
	for _, r := range s.running {
		for _, seq := range r.req.Sequences {
			if seq.IsFinished() {
				continue
			}
			from, to := seq.NumCachedTokens(), seq.NumTokens()
			if !s.blockManager.AllocateSlotsForSequence(seq, to-from) {
				s.logger.V(logging.DEBUG).Info("Sequence deferred, no free blocks", "request", r.req.ID,
					"sequence", seq.ID())
				continue
			}
			positions := make([]int, 0, to-from)
			for pos := from; pos < to; pos++ {
				positions = append(positions, pos)
			}
			batch.Sequences = append(batch.Sequences, model.SequenceInput{
				SequenceID:      seq.ID(),
				TokenIDs:        seq.TokenRange(from, to),
				Positions:       positions,
				SlotIDs:         s.blockManager.SlotIDs(seq, from, to),
				BlockTable:      seq.BlockTable(),
				ContextLen:      to,
				NumPromptTokens: seq.NumPromptTokens(),
			})
			seqs = append(seqs, seq)
		}
	}
	return batch, seqs
}

func (s *ContinuousBatchingScheduler) execute(ctx context.Context, batch *model.Batch, seqs []*request.Sequence) {
	results, err := s.executor.Execute(ctx, batch)
	if err == nil && len(results) != len(seqs) {
		err = fmt.Errorf("executor returned %d results for %d sequences", len(results), len(seqs))
	}
	if err != nil {
		s.logger.Error(err, "Batch execution failed", "sequences", len(seqs))
		for _, seq := range seqs {
			seq.Request().SetError(fmt.Errorf("%w: %w", ErrExecution, err))
		}
		return
	}

	for i, seq := range seqs {
		req := seq.Request()
		if results[i].Err != nil {
			s.logger.Error(results[i].Err, "Sequence execution failed", "request", req.ID, "sequence", seq.ID())
			req.SetError(fmt.Errorf("%w: %w", ErrExecution, results[i].Err))
			continue
		}
		seq.SetNumCachedTokens(batch.Sequences[i].ContextLen)
		s.blockManager.CommitTokens(seq)
		seq.AppendToken(results[i].TokenID)
		s.responseHandler.OnSequenceStream(seq)
	}
}

// retireFinished hands the finished, failed and cancelled requests to the response handler
func (s *ContinuousBatchingScheduler) retireFinished() {
	kept := s.running[:0]
	for _, r := range s.running {
		if !r.req.IsFinished() {
			kept = append(kept, r)
			continue
		}
		s.reservedBlocks -= r.reserved
		var err error
		if r.req.IsCancelled() {
			err = request.ErrCancelled
		}
		s.finishRequest(r.req, err)
	}
	for i := len(kept); i < len(s.running); i++ {
		s.running[i] = nil
	}
	s.running = kept
}

// finishRequest force finishes the unfinished sequences of the request and passes it
// to the finish path
func (s *ContinuousBatchingScheduler) finishRequest(req *request.Request, err error) {
	if err != nil {
		req.SetError(err)
	}
	reason := request.FinishReasonError
	if req.IsCancelled() {
		reason = request.FinishReasonCancelled
	}
	for _, seq := range req.Sequences {
		seq.Finish(reason)
	}
	s.logger.V(logging.TRACE).Info("Retiring request", "request", req.ID, "error", req.Err())
	s.responseHandler.OnRequestFinish(req)
	if s.observer != nil {
		s.observer.RequestFinished(req)
	}
}

func (s *ContinuousBatchingScheduler) updateStats() {
	s.numWaiting.Store(int64(s.pending.len()))
	s.numRunning.Store(int64(len(s.running)))
	s.numReserved.Store(int64(s.reservedBlocks))
}
