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
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/vmihailenco/msgpack/v5"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-batching-engine/pkg/common/logging"
)

const connectRetryInterval = time.Second

// Publisher sends msgpack encoded messages to a ZMQ endpoint.
// Every message is sent as three frames: topic, big-endian sequence number and payload.
type Publisher struct {
	// zmq sockets are not thread safe
	mu       sync.Mutex
	socket   *zmq.Socket
	endpoint string
	seqNum   uint64
}

// NewPublisher creates a ZMQ PUB socket connected to the endpoint (e.g., "tcp://localhost:5557").
// retries is the number of additional connection attempts after the first one failed.
func NewPublisher(endpoint string, retries uint) (*Publisher, error) {
	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ PUB socket: %w", err)
	}

	for i := uint(0); i <= retries; i++ {
		err = socket.Connect(endpoint)
		if err == nil {
			return &Publisher{
				socket:   socket,
				endpoint: endpoint,
			}, nil
		}

		if i < retries {
			time.Sleep(connectRetryInterval)
		}
	}

	errClose := socket.Close()
	return nil, errors.Join(
		fmt.Errorf("failed to connect to %s after %d attempts: %w", endpoint, retries+1, err),
		errClose,
	)
}

// PublishEvent encodes the batch with structs as arrays and sends it to the topic.
func (p *Publisher) PublishEvent(ctx context.Context, topic string, batch interface{}) error {
	logger := klog.FromContext(ctx).V(logging.TRACE)

	var payload bytes.Buffer
	enc := msgpack.NewEncoder(&payload)
	enc.UseArrayEncodedStructs(true)
	if err := enc.Encode(batch); err != nil {
		return fmt.Errorf("failed to marshal event batch: %w", err)
	}

	seq := atomic.AddUint64(&p.seqNum, 1)
	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, seq)

	p.mu.Lock()
	_, err := p.socket.SendMessage(topic, seqBytes, payload.Bytes())
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send message to topic %s: %w", topic, err)
	}

	logger.Info("Published event batch", "topic", topic, "seq", seq, "bytes", payload.Len())
	return nil
}

// Endpoint returns the address the publisher is connected to
func (p *Publisher) Endpoint() string {
	return p.endpoint
}

// Close closes the publisher's socket.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.socket != nil {
		err := p.socket.Close()
		p.socket = nil
		return err
	}
	return nil
}
