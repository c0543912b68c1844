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

package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/llm-d/llm-d-batching-engine/pkg/common"
)

// Tokenizer converts between text and token ids
type Tokenizer interface {
	// Encode converts text to token ids
	Encode(text string) ([]int32, error)
	// Decode converts token ids to text, special tokens produce no text
	Decode(tokenIDs []int32) (string, error)
	// EOSTokenID returns the end of sequence token
	EOSTokenID() int32
	// VocabSize returns the current number of tokens in the vocabulary
	VocabSize() int
}

const (
	UnknownTokenID int32 = 0
	BOSTokenID     int32 = 1
	EOSTokenID     int32 = 2

	unknownToken = "<unk>"
	bosToken     = "<s>"
	eosToken     = "</s>"
)

// sentences the vocabulary starts with, so generated tokens decode to readable text
var seedSentences = []string{
	`Testing@, #testing 1$ ,2%,3^, [4&*5], 6~, 7-_ + (8 : 9) / \ < > .`,
	`Testing, testing 1,2,3.`,
	`I am fine, how are you today?`,
	`I am your AI assistant, how can I help you today?`,
	`Today is a nice sunny day.`,
	`The temperature here is twenty-five degrees centigrade.`,
	`Today it is partially cloudy and raining.`,
	`To be or not to be that is the question.`,
	`Alas, poor Yorick! I knew him, Horatio: A fellow of infinite jest`,
	`The rest is silence. `,
	`Give a man a fish and you feed him for a day; teach a man to fish and you feed him for a lifetime`,
}

// SimpleTokenizer splits text into words and punctuation, each piece with its trailing
// whitespace is a token. Unknown pieces are added to the vocabulary until it reaches
// maxVocabSize, after that they are encoded as the unknown token.
// SimpleTokenizer is safe for concurrent use.
type SimpleTokenizer struct {
	mu           sync.RWMutex
	pieceToID    map[string]int32
	pieces       []string
	maxVocabSize int
}

// NewSimpleTokenizer creates a tokenizer, maxVocabSize <= 0 means unlimited.
// Ids below maxVocabSize that were not assigned to a piece yet decode to the unknown token.
func NewSimpleTokenizer(maxVocabSize int) *SimpleTokenizer {
	t := &SimpleTokenizer{
		pieceToID:    make(map[string]int32),
		maxVocabSize: maxVocabSize,
	}
	for _, special := range []string{unknownToken, bosToken, eosToken} {
		t.add(special)
	}
	for _, sentence := range seedSentences {
		for _, piece := range common.Tokenize(sentence) {
			if t.isFull() {
				break
			}
			if _, exists := t.pieceToID[piece]; !exists {
				t.add(piece)
			}
		}
	}
	return t
}

func (t *SimpleTokenizer) add(piece string) int32 {
	id := int32(len(t.pieces))
	t.pieces = append(t.pieces, piece)
	t.pieceToID[piece] = id
	return id
}

func (t *SimpleTokenizer) isFull() bool {
	return t.maxVocabSize > 0 && len(t.pieces) >= t.maxVocabSize
}

func (t *SimpleTokenizer) Encode(text string) ([]int32, error) {
	pieces := common.Tokenize(text)
	tokenIDs := make([]int32, 0, len(pieces))

	t.mu.RLock()
	missing := false
	for _, piece := range pieces {
		id, exists := t.pieceToID[piece]
		if !exists {
			missing = true
			break
		}
		tokenIDs = append(tokenIDs, id)
	}
	t.mu.RUnlock()
	if !missing {
		return tokenIDs, nil
	}

	tokenIDs = tokenIDs[:0]
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, piece := range pieces {
		id, exists := t.pieceToID[piece]
		if !exists {
			if t.isFull() {
				id = UnknownTokenID
			} else {
				id = t.add(piece)
			}
		}
		tokenIDs = append(tokenIDs, id)
	}
	return tokenIDs, nil
}

func (t *SimpleTokenizer) Decode(tokenIDs []int32) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var builder strings.Builder
	for _, id := range tokenIDs {
		if id < 0 || (int(id) >= len(t.pieces) && !t.inVocabRange(id)) {
			return "", fmt.Errorf("token id %d is out of the vocabulary of size %d", id, len(t.pieces))
		}
		if id == BOSTokenID || id == EOSTokenID {
			continue
		}
		if int(id) >= len(t.pieces) {
			// a valid id that no text was encoded to yet
			builder.WriteString(unknownToken)
			continue
		}
		builder.WriteString(t.pieces[id])
	}
	return builder.String(), nil
}

func (t *SimpleTokenizer) inVocabRange(id int32) bool {
	return t.maxVocabSize > 0 && int(id) < t.maxVocabSize
}

func (t *SimpleTokenizer) EOSTokenID() int32 {
	return EOSTokenID
}

func (t *SimpleTokenizer) VocabSize() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pieces)
}
