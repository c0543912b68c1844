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
	"context"
	"encoding/binary"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	zmq "github.com/pebbe/zmq4"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	topic    = "test-topic"
	endpoint = "tcp://localhost:5557"
	data     = "Hello"
)

type testEvent struct {
	Name   string
	Blocks []uint64
}

var _ = Describe("Publisher", func() {
	It("should publish and receive correct messages", func() {
		zctx, err := zmq.NewContext()
		Expect(err).NotTo(HaveOccurred())
		sub, err := zctx.NewSocket(zmq.SUB)
		Expect(err).NotTo(HaveOccurred())
		err = sub.Bind(endpoint)
		Expect(err).NotTo(HaveOccurred())
		err = sub.SetSubscribe(topic)
		Expect(err).NotTo(HaveOccurred())
		//nolint
		defer sub.Close()

		time.Sleep(100 * time.Millisecond)

		pub, err := NewPublisher(endpoint, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(pub.Endpoint()).To(Equal(endpoint))
		defer func() {
			Expect(pub.Close()).To(Succeed())
		}()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go func() {
			defer GinkgoRecover()
			// Make sure that sub.RecvMessageBytes is called before pub.PublishEvent
			time.Sleep(time.Second)
			Expect(pub.PublishEvent(ctx, topic, data)).To(Succeed())
			Expect(pub.PublishEvent(ctx, topic, testEvent{Name: "stored", Blocks: []uint64{1, 2}})).To(Succeed())
		}()

		// The message should be [topic, seq, payload]
		parts, err := sub.RecvMessageBytes(0)
		Expect(err).NotTo(HaveOccurred())
		Expect(parts).To(HaveLen(3))
		Expect(string(parts[0])).To(Equal(topic))
		Expect(binary.BigEndian.Uint64(parts[1])).To(Equal(uint64(1)))

		var payload string
		err = msgpack.Unmarshal(parts[2], &payload)
		Expect(err).NotTo(HaveOccurred())
		Expect(payload).To(Equal(data))

		parts, err = sub.RecvMessageBytes(0)
		Expect(err).NotTo(HaveOccurred())
		Expect(binary.BigEndian.Uint64(parts[1])).To(Equal(uint64(2)))

		// structs are encoded as arrays
		var fields []interface{}
		err = msgpack.Unmarshal(parts[2], &fields)
		Expect(err).NotTo(HaveOccurred())
		Expect(fields).To(HaveLen(2))
		Expect(fields[0]).To(Equal("stored"))
	})

	It("should close twice without error", func() {
		pub, err := NewPublisher("tcp://localhost:5558", 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(pub.Close()).To(Succeed())
		Expect(pub.Close()).To(Succeed())
	})
})
