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
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/gomega"

	kvcache "github.com/llm-d/llm-d-batching-engine/pkg/kv-cache"
	"github.com/llm-d/llm-d-batching-engine/pkg/model"
	"github.com/llm-d/llm-d-batching-engine/pkg/request"
)

const (
	testBlockSize = 4
	testEOS       = int32(2)
	testToken     = int32(7)
)

// wordDecoder decodes token i to "t<i> "
type wordDecoder struct{}

func (wordDecoder) Decode(tokenIDs []int32) (string, error) {
	var builder strings.Builder
	for _, id := range tokenIDs {
		if id == testEOS {
			continue
		}
		fmt.Fprintf(&builder, "t%d ", id)
	}
	return builder.String(), nil
}

// fakeExecutor records the sequences of every batch and generates testToken
type fakeExecutor struct {
	mu       sync.Mutex
	batches  [][]int64
	failSeqs map[int64]error
	batchErr error
	// delay is the duration of every step
	delay time.Duration
}

func (e *fakeExecutor) Execute(_ context.Context, batch *model.Batch) ([]model.Result, error) {
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]int64, len(batch.Sequences))
	for i, seq := range batch.Sequences {
		ids[i] = seq.SequenceID
		Expect(seq.SlotIDs).To(HaveLen(len(seq.TokenIDs)))
	}
	e.batches = append(e.batches, ids)
	if e.batchErr != nil {
		return nil, e.batchErr
	}
	results := make([]model.Result, len(batch.Sequences))
	for i, seq := range batch.Sequences {
		if err, fail := e.failSeqs[seq.SequenceID]; fail {
			results[i] = model.Result{Err: err}
			continue
		}
		results[i] = model.Result{TokenID: testToken}
	}
	return results, nil
}

func (e *fakeExecutor) getBatches() [][]int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]int64{}, e.batches...)
}

// testObserver counts the finished requests
type testObserver struct {
	mu       sync.Mutex
	finished []string
	steps    int
}

func (o *testObserver) StepDone(Stats, int, time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.steps++
}

func (o *testObserver) finishedIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string{}, o.finished...)
}

func (o *testObserver) RequestFinished(req *request.Request) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, req.ID)
}

type testRequest struct {
	req     *request.Request
	outputs chan request.Output
	mu      sync.Mutex
	deltas  []string
	reasons []request.FinishReason
}

func (r *testRequest) streamed() (string, []request.FinishReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.deltas, ""), append([]request.FinishReason{}, r.reasons...)
}

type requestOptions struct {
	priority  request.Priority
	promptLen int
	maxTokens int
	stream    bool
	// accept is returned by the stream callback, nil accepts everything
	accept func(delta string) bool
	// onFinish runs before the output is delivered
	onFinish func()
}

func newTestRequest(id string, seqID int64, opts requestOptions) *testRequest {
	tr := &testRequest{outputs: make(chan request.Output, 1)}
	tr.req = request.New(id, opts.priority, opts.stream, func(output request.Output) {
		if opts.onFinish != nil {
			opts.onFinish()
		}
		tr.outputs <- output
	})

	var onStream request.StreamFunc
	if opts.stream {
		onStream = func(delta string, reason request.FinishReason) bool {
			tr.mu.Lock()
			tr.deltas = append(tr.deltas, delta)
			tr.reasons = append(tr.reasons, reason)
			tr.mu.Unlock()
			if opts.accept != nil {
				return opts.accept(delta)
			}
			return true
		}
	}

	prompt := make([]int32, opts.promptLen)
	for i := range prompt {
		prompt[i] = int32(100 + i)
	}
	seq := request.NewSequence(seqID, prompt, request.StoppingCriteria{MaxTokens: opts.maxTokens, EOSTokenID: testEOS}, onStream)
	tr.req.AddSequence(seq)
	return tr
}

func newTestBlockManager(numBlocks int) *kvcache.BlockManager {
	return kvcache.NewBlockManager(kvcache.BlockManagerConfig{NumBlocks: numBlocks, BlockSize: testBlockSize}, logr.Discard())
}
