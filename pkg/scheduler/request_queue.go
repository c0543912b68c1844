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
	"time"

	"github.com/llm-d/llm-d-batching-engine/pkg/request"
)

// requestQueue is the bounded admission queue between the callers of Schedule
// and the scheduling goroutine
type requestQueue struct {
	ch chan *request.Request
}

func newRequestQueue(capacity int) *requestQueue {
	return &requestQueue{ch: make(chan *request.Request, capacity)}
}

// tryPush adds the request without blocking, returns false if the queue is full
func (q *requestQueue) tryPush(req *request.Request) bool {
	select {
	case q.ch <- req:
		return true
	default:
		return false
	}
}

// drain returns all the queued requests in their enqueue order
func (q *requestQueue) drain() []*request.Request {
	var reqs []*request.Request
	for {
		select {
		case req := <-q.ch:
			reqs = append(reqs, req)
		default:
			return reqs
		}
	}
}

// wait blocks until a request is queued, the timeout passed or the context is done
func (q *requestQueue) wait(ctx context.Context, timeout time.Duration) *request.Request {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case req := <-q.ch:
		return req
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (q *requestQueue) len() int {
	return len(q.ch)
}
