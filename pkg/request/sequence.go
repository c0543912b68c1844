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
	"sync"
)

// number of already streamed tokens decoded together with the new ones,
// so tokenizers that merge pieces across token boundaries produce the right delta
const decodeLookback = 5

// Decoder converts token ids to text
type Decoder interface {
	Decode(tokenIDs []int32) (string, error)
}

// StreamFunc receives a text delta of a streaming sequence.
// Returning false cancels the owning request.
type StreamFunc func(delta string, reason FinishReason) bool

// StoppingCriteria defines when a sequence finishes
type StoppingCriteria struct {
	// MaxTokens is the maximum number of generated tokens
	MaxTokens int
	// MaxContextLen is the maximum total number of tokens, 0 means unlimited
	MaxContextLen int
	// EOSTokenID is the end of sequence token
	EOSTokenID int32
	// IgnoreEOS keeps generating after the end of sequence token
	IgnoreEOS bool
	// StopTokenIDs finish the sequence when generated
	StopTokenIDs []int32
}

// Sequence is one generation stream of a request: an append-only list of
// prompt and generated tokens, the physical blocks backing them, and the
// position up to which output was handed to the client.
type Sequence struct {
	mu sync.RWMutex
	// id is unique per engine
	id int64
	// index of the sequence in its request
	index int
	owner *Request

	tokenIDs        []int32
	numPromptTokens int
	// outputOffset is the number of tokens already claimed for output
	outputOffset int
	// numCachedTokens is the number of positions whose keys and values are in the kv cache
	numCachedTokens int
	finishReason FinishReason
	criteria     StoppingCriteria
	onStream     StreamFunc

	// blockTable is the ordered list of physical blocks
	blockTable []int32
	// blockHashes are the hashes of the full blocks of this sequence
	blockHashes []uint64
}

// NewSequence creates a sequence for the given prompt tokens.
func NewSequence(id int64, promptTokenIDs []int32, criteria StoppingCriteria, onStream StreamFunc) *Sequence {
	tokens := make([]int32, len(promptTokenIDs), len(promptTokenIDs)+criteria.MaxTokens)
	copy(tokens, promptTokenIDs)
	return &Sequence{
		id:              id,
		tokenIDs:        tokens,
		numPromptTokens: len(promptTokenIDs),
		outputOffset:    len(promptTokenIDs),
		criteria:        criteria,
		onStream:        onStream,
	}
}

func (s *Sequence) ID() int64 {
	return s.id
}

// Index returns the position of the sequence in its request
func (s *Sequence) Index() int {
	return s.index
}

// Request returns the request owning the sequence, nil if it was not added to a request
func (s *Sequence) Request() *Request {
	return s.owner
}

func (s *Sequence) NumTokens() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokenIDs)
}

func (s *Sequence) NumPromptTokens() int {
	return s.numPromptTokens
}

func (s *Sequence) NumGeneratedTokens() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokenIDs) - s.numPromptTokens
}

// TokenIDs returns a copy of all the tokens of the sequence
func (s *Sequence) TokenIDs() []int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tokens := make([]int32, len(s.tokenIDs))
	copy(tokens, s.tokenIDs)
	return tokens
}

// TokenRange returns a copy of the tokens in [from, to)
func (s *Sequence) TokenRange(from, to int) []int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tokens := make([]int32, to-from)
	copy(tokens, s.tokenIDs[from:to])
	return tokens
}

// NumCachedTokens returns the number of positions already written to the kv cache
func (s *Sequence) NumCachedTokens() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.numCachedTokens
}

// NumUncachedTokens returns the number of positions the next execution step has to process
func (s *Sequence) NumUncachedTokens() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokenIDs) - s.numCachedTokens
}

// SetNumCachedTokens is called after an execution step wrote the positions to the kv cache
func (s *Sequence) SetNumCachedTokens(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.numCachedTokens = n
}

// LastTokenID returns the last token of the sequence
func (s *Sequence) LastTokenID() int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokenIDs[len(s.tokenIDs)-1]
}

// MaxTotalTokens is the number of tokens the sequence may reach in the worst case
func (s *Sequence) MaxTotalTokens() int {
	total := s.numPromptTokens + s.criteria.MaxTokens
	if s.criteria.MaxContextLen > 0 && total > s.criteria.MaxContextLen {
		total = s.criteria.MaxContextLen
	}
	return total
}

// AppendToken appends a generated token and updates the finish reason.
// Tokens appended to a finished sequence are ignored.
func (s *Sequence) AppendToken(tokenID int32) FinishReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finishReason != FinishReasonNone {
		return s.finishReason
	}
	s.tokenIDs = append(s.tokenIDs, tokenID)
	s.finishReason = s.checkStop(tokenID)
	return s.finishReason
}

func (s *Sequence) checkStop(tokenID int32) FinishReason {
	if !s.criteria.IgnoreEOS && tokenID == s.criteria.EOSTokenID {
		return FinishReasonStop
	}
	for _, stopID := range s.criteria.StopTokenIDs {
		if tokenID == stopID {
			return FinishReasonStop
		}
	}
	numGenerated := len(s.tokenIDs) - s.numPromptTokens
	if numGenerated >= s.criteria.MaxTokens {
		return FinishReasonLength
	}
	if s.criteria.MaxContextLen > 0 && len(s.tokenIDs) >= s.criteria.MaxContextLen {
		return FinishReasonLength
	}
	return FinishReasonNone
}

// Finish force finishes the sequence, an existing finish reason is kept
func (s *Sequence) Finish(reason FinishReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finishReason == FinishReasonNone {
		s.finishReason = reason
	}
}

func (s *Sequence) FinishReason() FinishReason {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.finishReason
}

func (s *Sequence) IsFinished() bool {
	return s.FinishReason() != FinishReasonNone
}

func (s *Sequence) OutputOffset() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.outputOffset
}

// NumTokensToOutput returns the number of tokens not yet claimed for output
func (s *Sequence) NumTokensToOutput() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokenIDs) - s.outputOffset
}

// ClaimOutput moves the output offset to end and returns the previous offset.
// end is capped to the number of tokens.
func (s *Sequence) ClaimOutput(end int) (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if end > len(s.tokenIDs) {
		end = len(s.tokenIDs)
	}
	start := s.outputOffset
	if end > start {
		s.outputOffset = end
	} else {
		end = start
	}
	return start, end
}

// DecodeDeltaText returns the text of the tokens in [start, end). A few tokens before
// start are decoded too and the text they produce is cut off.
func (s *Sequence) DecodeDeltaText(start, end int, decoder Decoder) (string, error) {
	if end <= start {
		return "", nil
	}
	prefixStart := start - decodeLookback
	if prefixStart < s.numPromptTokens {
		prefixStart = s.numPromptTokens
	}
	if prefixStart > start {
		prefixStart = start
	}

	tokens := s.TokenRange(prefixStart, end)
	prefixText, err := decoder.Decode(tokens[:start-prefixStart])
	if err != nil {
		return "", fmt.Errorf("failed to decode tokens of sequence %d: %w", s.id, err)
	}
	text, err := decoder.Decode(tokens)
	if err != nil {
		return "", fmt.Errorf("failed to decode tokens of sequence %d: %w", s.id, err)
	}
	if strings.HasPrefix(text, prefixText) {
		return text[len(prefixText):], nil
	}
	// decoding is not prefix stable, decode the new tokens alone
	return decoder.Decode(tokens[start-prefixStart:])
}

// DecodeOutputText decodes all generated tokens
func (s *Sequence) DecodeOutputText(decoder Decoder) (string, error) {
	return s.DecodeDeltaText(s.numPromptTokens, s.NumTokens(), decoder)
}

// IsStreaming returns true if the sequence has a stream callback
func (s *Sequence) IsStreaming() bool {
	return s.onStream != nil
}

// StreamDelta delivers a delta to the client. If the client does not accept it
// the owning request is cancelled, and nothing more is delivered.
func (s *Sequence) StreamDelta(delta string, reason FinishReason) {
	if s.onStream == nil {
		return
	}
	if s.owner != nil && s.owner.IsCancelled() {
		return
	}
	if !s.onStream(delta, reason) && s.owner != nil {
		s.owner.Cancel()
	}
}

// BlockTable returns a copy of the sequence's block table
func (s *Sequence) BlockTable() []int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	table := make([]int32, len(s.blockTable))
	copy(table, s.blockTable)
	return table
}

// NumBlocks returns the number of blocks in the block table
func (s *Sequence) NumBlocks() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blockTable)
}

// AppendBlocks grows the block table
func (s *Sequence) AppendBlocks(blockIDs []int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockTable = append(s.blockTable, blockIDs...)
}

// TakeBlocks empties the block table and returns the blocks it held,
// with the hashes of the full blocks
func (s *Sequence) TakeBlocks() ([]int32, []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blocks, hashes := s.blockTable, s.blockHashes
	s.blockTable = nil
	s.blockHashes = nil
	return blocks, hashes
}

// NumHashedBlocks returns the number of full blocks whose hash is known
func (s *Sequence) NumHashedBlocks() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blockHashes)
}

// SetBlockHashes replaces the hashes of the full blocks
func (s *Sequence) SetBlockHashes(hashes []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockHashes = hashes
}
