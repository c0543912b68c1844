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

import "strings"

// ChatTemplate builds a model prompt from a conversation.
// messages alternate between the user and the assistant and start with a user message.
// Returns false if the conversation does not end with a user message.
type ChatTemplate interface {
	Prompt(systemMessage string, messages []string) (string, bool)
}

// InternlmTemplate formats conversations as
// <s><|User|>:{user}<eoh>\n<|Bot|>:{assistant}<eoa>\n ... <|Bot|>:
type InternlmTemplate struct{}

func (InternlmTemplate) Prompt(systemMessage string, messages []string) (string, bool) {
	if len(messages)%2 == 0 {
		return "", false
	}

	var builder strings.Builder
	builder.WriteString(systemMessage)
	for i, message := range messages {
		if i%2 == 0 {
			builder.WriteString("<s><|User|>:")
			builder.WriteString(message)
			builder.WriteString("<eoh>\n")
		} else {
			builder.WriteString("<|Bot|>:")
			builder.WriteString(message)
			builder.WriteString("<eoa>\n")
		}
	}
	builder.WriteString("<|Bot|>:")
	return builder.String(), true
}
