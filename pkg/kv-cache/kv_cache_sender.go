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

package kvcache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/llm-d/llm-d-kv-cache-manager/pkg/kvcache/kvevents"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/llm-d/llm-d-batching-engine/pkg/common/logging"
)

type EventAction int

const (
	eventActionStore EventAction = iota
	eventActionRemove
)

const (
	BlockStored  = "BlockStored"
	BlockRemoved = "BlockRemoved"
)

type EventData struct {
	action     EventAction
	hashValues []uint64
	// only for store events
	parentHash *uint64
	tokenIDs   []uint32
	blockSize  int
}

// EventPublisher publishes a batch of events to a topic
type EventPublisher interface {
	PublishEvent(ctx context.Context, topic string, batch interface{}) error
}

// KVEventSender collects kv events and publishes them in batches, a batch is sent
// when it reaches maxBatchSize events or when delay passed since the last send.
type KVEventSender struct {
	publisher    EventPublisher
	topic        string
	eventChan    chan EventData
	maxBatchSize int
	delay        time.Duration
	batch        []msgpack.RawMessage
	logger       logr.Logger
}

func NewKVEventSender(publisher EventPublisher, topic string, ch chan EventData, maxBatchSize int,
	delay time.Duration, logger logr.Logger) *KVEventSender {
	return &KVEventSender{
		publisher:    publisher,
		topic:        topic,
		eventChan:    ch,
		maxBatchSize: maxBatchSize,
		delay:        delay,
		batch:        make([]msgpack.RawMessage, 0, maxBatchSize),
		logger:       logger,
	}
}

// Run sends events until the context is done or the event channel is closed
func (s *KVEventSender) Run(ctx context.Context) error {
	timer := time.NewTimer(s.delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(s.batch) > 0 {
				s.logger.Info("Exiting, discard remaining events", "num of events", len(s.batch))
			}
			return ctx.Err()

		case eventData, ok := <-s.eventChan:
			if !ok {
				// flush what was collected before the channel was closed
				return s.publishHelper(ctx)
			}

			payload, err := encodeEvent(eventData)
			if err != nil {
				return err
			}
			s.batch = append(s.batch, payload)

			if len(s.batch) >= s.maxBatchSize {
				if err := s.publishHelper(ctx); err != nil {
					return err
				}

				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(s.delay)
			}

		case <-timer.C:
			if err := s.publishHelper(ctx); err != nil {
				return err
			}
			timer.Reset(s.delay)
		}
	}
}

func encodeEvent(eventData EventData) (msgpack.RawMessage, error) {
	var payload []byte
	var err error

	switch eventData.action {
	case eventActionStore:
		payload, err = msgpack.Marshal(storedToTaggedUnion(kvevents.BlockStored{
			BlockHashes:     eventData.hashValues,
			ParentBlockHash: eventData.parentHash,
			TokenIds:        eventData.tokenIDs,
			BlockSize:       eventData.blockSize,
		}))
	case eventActionRemove:
		payload, err = msgpack.Marshal(removedToTaggedUnion(kvevents.BlockRemoved{BlockHashes: eventData.hashValues}))
	default:
		return nil, fmt.Errorf("invalid event action %d", eventData.action)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	return payload, nil
}

func storedToTaggedUnion(bs kvevents.BlockStored) []any {
	return []any{
		BlockStored,
		bs.BlockHashes,
		bs.ParentBlockHash,
		bs.TokenIds,
		bs.BlockSize,
		bs.LoraID,
	}
}

func removedToTaggedUnion(br kvevents.BlockRemoved) []any {
	return []any{
		BlockRemoved,
		br.BlockHashes,
	}
}

// publishHelper publishes the collected batch if it is not empty
func (s *KVEventSender) publishHelper(ctx context.Context) error {
	if len(s.batch) == 0 {
		return nil
	}

	dpRank := 0
	eventBatch := kvevents.EventBatch{
		TS:               float64(time.Now().UnixNano()) / 1e9,
		Events:           s.batch,
		DataParallelRank: &dpRank,
	}

	s.logger.V(logging.TRACE).Info("Publishing kv events", "topic", s.topic, "num of events", len(s.batch))
	err := s.publisher.PublishEvent(ctx, s.topic, eventBatch)

	s.batch = make([]msgpack.RawMessage, 0, s.maxBatchSize)

	return err
}
