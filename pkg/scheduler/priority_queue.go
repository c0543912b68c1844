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
	"container/heap"

	"github.com/llm-d/llm-d-batching-engine/pkg/request"
)

// requestHeap orders requests by priority, then by their sequence number
type requestHeap []*request.Request

func (h requestHeap) Len() int {
	return len(h)
}

func (h requestHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].SequenceNumber() < h[j].SequenceNumber()
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *requestHeap) Push(x any) {
	*h = append(*h, x.(*request.Request))
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	req := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return req
}

// priorityQueue holds the admitted requests that do not run yet.
// Used by the scheduling goroutine only.
type priorityQueue struct {
	requests requestHeap
}

func (q *priorityQueue) push(req *request.Request) {
	heap.Push(&q.requests, req)
}

// peek returns the next request without removing it, nil if the queue is empty
func (q *priorityQueue) peek() *request.Request {
	if len(q.requests) == 0 {
		return nil
	}
	return q.requests[0]
}

func (q *priorityQueue) pop() *request.Request {
	if len(q.requests) == 0 {
		return nil
	}
	return heap.Pop(&q.requests).(*request.Request)
}

func (q *priorityQueue) len() int {
	return len(q.requests)
}

// removeCancelled takes the cancelled requests out of the queue
func (q *priorityQueue) removeCancelled() []*request.Request {
	var cancelled []*request.Request
	kept := q.requests[:0]
	for _, req := range q.requests {
		if req.IsCancelled() {
			cancelled = append(cancelled, req)
			continue
		}
		kept = append(kept, req)
	}
	if len(cancelled) == 0 {
		return nil
	}
	for i := len(kept); i < len(q.requests); i++ {
		q.requests[i] = nil
	}
	q.requests = kept
	heap.Init(&q.requests)
	return cancelled
}
