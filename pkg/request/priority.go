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
	"fmt"
	"strings"
)

// Priority of a request, requests with a lower value are served first
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority converts a priority name to a Priority, an empty name is medium priority
func ParsePriority(name string) (Priority, error) {
	switch strings.ToLower(name) {
	case "high":
		return PriorityHigh, nil
	case "", "medium":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	}
	return PriorityMedium, fmt.Errorf("invalid priority '%s', valid values are 'high', 'medium' and 'low'", name)
}

// FinishReason describes why a sequence stopped generating
type FinishReason int

const (
	FinishReasonNone FinishReason = iota
	// stop token or end of sequence token was generated
	FinishReasonStop
	// max tokens or the context window was reached
	FinishReasonLength
	FinishReasonFunctionCall
	FinishReasonCancelled
	FinishReasonError
)

func (r FinishReason) String() string {
	switch r {
	case FinishReasonNone:
		return ""
	case FinishReasonStop:
		return "stop"
	case FinishReasonLength:
		return "length"
	case FinishReasonFunctionCall:
		return "function_call"
	case FinishReasonCancelled:
		return "cancelled"
	case FinishReasonError:
		return "error"
	}
	return fmt.Sprintf("finish_reason(%d)", int(r))
}
