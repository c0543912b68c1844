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

package common

import (
	"fmt"
	"math/rand"
	"regexp"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// ResolveMaxTokens checks that a sequence fits within the model's context window and returns the
// number of tokens it may generate. A non-positive maxTokens means "up to the end of the window".
func ResolveMaxTokens(promptTokens int, maxTokens int, maxModelLen int) (int, error) {
	if promptTokens >= maxModelLen {
		return 0, fmt.Errorf("this model's maximum context length is %d tokens, the prompt has %d tokens",
			maxModelLen, promptTokens)
	}
	if maxTokens <= 0 {
		return maxModelLen - promptTokens, nil
	}
	if promptTokens+maxTokens > maxModelLen {
		return 0, fmt.Errorf("this model's maximum context length is %d tokens, however %d tokens were requested (%d in the prompt, %d in the completion)",
			maxModelLen, promptTokens+maxTokens, promptTokens, maxTokens)
	}
	return maxTokens, nil
}

// BlocksForTokens returns the number of blocks of the given size needed to hold numTokens
func BlocksForTokens(numTokens int, blockSize int) int {
	return (numTokens + blockSize - 1) / blockSize
}

var randomGenerator *rand.Rand
var randMutex sync.Mutex

func InitRandom(seed int64) {
	randMutex.Lock()
	defer randMutex.Unlock()
	src := rand.NewSource(seed)
	randomGenerator = rand.New(src)
	uuid.SetRand(randomGenerator)
}

// Returns an integer between min and max (included)
func RandomInt(min int, max int) int {
	randMutex.Lock()
	defer randMutex.Unlock()
	return randomGenerator.Intn(max-min+1) + min
}

// Returns a random float64 in the range [min, max)
func RandomFloat(min float64, max float64) float64 {
	randMutex.Lock()
	defer randMutex.Unlock()
	return randomGenerator.Float64()*(max-min) + min
}

// GenerateUUIDString generates a UUID string under a lock
func GenerateUUIDString() string {
	randMutex.Lock()
	defer randMutex.Unlock()
	return uuid.NewString()
}

// WriteToChannel sends the object to the channel without blocking, the object is dropped
// when the channel is full
func WriteToChannel[T any](channel chan T, object T, logger logr.Logger, channelName string) {
	select {
	case channel <- object:
	default:
		logger.V(1).Info("failed to write to", "channel", channelName)
	}
}

// Regular expression for text tokenization
var re *regexp.Regexp

func init() {
	re = regexp.MustCompile(`(\{|\}|:|,|-|\.|\?|\!|;|@|#|\$|%|\^|&|\*|\(|\)|\+|\-|_|~|/|\\|>|<|\[|\]|=|"|\w+)(\s*)`)
}

// Tokenize splits the text into word and punctuation pieces, each piece keeps its trailing whitespace
func Tokenize(text string) []string {
	return re.FindAllString(text, -1)
}
