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

package request

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrCancelled is the error of requests cancelled before they finished
var ErrCancelled = errors.New("request cancelled")

// Status is the state of a request in the scheduler, a request never moves back
type Status int32

const (
	StatusQueued Status = iota
	StatusRunning
	StatusFinished
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusRunning:
		return "running"
	case StatusFinished:
		return "finished"
	}
	return "unknown"
}

// Choice is the output of one sequence of a non-streaming request
type Choice struct {
	Index        int
	Text         string
	FinishReason FinishReason
}

// Output is the final result delivered to the client.
// Streaming requests get an empty text, their output was already streamed.
// Text and FinishReason are those of the first sequence, Choices holds all of them.
type Output struct {
	Text         string
	FinishReason FinishReason
	Choices      []Choice
	Err          error
	// Usage
	PromptTokens     int
	CompletionTokens int
}

// FinishFunc is called exactly once when the request is done
type FinishFunc func(output Output)

// Request is a client's generation job
type Request struct {
	// ID is the request's identity
	ID string
	// Priority defines the scheduling class
	Priority Priority
	// ArrivalTime is the time the request was created
	ArrivalTime time.Time
	// Stream defines if the output is delivered incrementally
	Stream bool
	// Sequences are the generation streams, more than one for parallel sampling
	Sequences []*Sequence

	onFinish   FinishFunc
	finishOnce sync.Once

	// sequenceNumber is set on admission and breaks ties between equal priorities
	sequenceNumber uint64
	status         atomic.Int32
	cancelled      atomic.Bool

	errMu sync.Mutex
	err   error
}

// New creates a queued request without sequences
func New(id string, priority Priority, stream bool, onFinish FinishFunc) *Request {
	return &Request{
		ID:          id,
		Priority:    priority,
		ArrivalTime: time.Now(),
		Stream:      stream,
		onFinish:    onFinish,
	}
}

// AddSequence adds a sequence to the request
func (r *Request) AddSequence(seq *Sequence) {
	seq.owner = r
	seq.index = len(r.Sequences)
	r.Sequences = append(r.Sequences, seq)
}

func (r *Request) SequenceNumber() uint64 {
	return r.sequenceNumber
}

// SetSequenceNumber is called by the scheduler when the request is admitted
func (r *Request) SetSequenceNumber(n uint64) {
	r.sequenceNumber = n
}

func (r *Request) Status() Status {
	return Status(r.status.Load())
}

// SetStatus moves the request forward to the given status,
// returns false if the request is already in this or a later status
func (r *Request) SetStatus(status Status) bool {
	for {
		current := r.status.Load()
		if Status(current) >= status {
			return false
		}
		if r.status.CompareAndSwap(current, int32(status)) {
			return true
		}
	}
}

// Cancel marks the request to be retired by the scheduler. Safe to call from any goroutine.
func (r *Request) Cancel() {
	r.cancelled.Store(true)
}

func (r *Request) IsCancelled() bool {
	return r.cancelled.Load()
}

// SetError records an error, the first error is kept
func (r *Request) SetError(err error) {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	if r.err == nil {
		r.err = err
	}
}

func (r *Request) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

// IsFinished returns true if all the sequences are finished, the request was cancelled or failed
func (r *Request) IsFinished() bool {
	if r.IsCancelled() || r.Err() != nil {
		return true
	}
	for _, seq := range r.Sequences {
		if !seq.IsFinished() {
			return false
		}
	}
	return true
}

// NumPromptTokens returns the prompt length of the first sequence
func (r *Request) NumPromptTokens() int {
	if len(r.Sequences) == 0 {
		return 0
	}
	return r.Sequences[0].NumPromptTokens()
}

// NumGeneratedTokens returns the number of generated tokens of all the sequences
func (r *Request) NumGeneratedTokens() int {
	total := 0
	for _, seq := range r.Sequences {
		total += seq.NumGeneratedTokens()
	}
	return total
}

// Finish delivers the output to the finish callback, only the first call has an effect
func (r *Request) Finish(output Output) {
	r.finishOnce.Do(func() {
		r.SetStatus(StatusFinished)
		if r.onFinish != nil {
			r.onFinish(output)
		}
	})
}
