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
	"github.com/spf13/pflag"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const (
	qwenModelName = "Qwen/Qwen2-0.5B"
	model         = "test-model"
)

func createDefaultConfig(model string) *Configuration {
	c := newConfig()

	c.Model = model
	c.ModelType = "llama"
	c.Port = 8001
	c.MaxNumSeqs = 8
	c.MaxModelLen = 2048
	c.RequestQueueSize = 64
	c.KVCacheSize = 512
	c.BlockSize = 32
	c.NumLayers = 2
	c.StreamingTokenBufferSize = 4
	c.StepTimeout = 50
	c.Seed = 100100100
	c.EventBatchSize = 8
	c.ZMQMaxConnectAttempts = 2
	return c
}

type testCase struct {
	name           string
	args           []string
	expectedConfig *Configuration
}

var _ = Describe("Engine configuration", func() {
	tests := make([]testCase, 0)

	// Simple config with a few parameters
	c := newConfig()
	c.Model = model
	c.ModelType = ModelTypeEcho
	c.Seed = 100
	test := testCase{
		name:           "simple",
		args:           []string{"--model", model, "--model-type", ModelTypeEcho, "--seed", "100"},
		expectedConfig: c,
	}
	tests = append(tests, test)

	// Config from config.yaml file
	c = createDefaultConfig(qwenModelName)
	test = testCase{
		name:           "config file",
		args:           []string{"--config", "../../manifests/config.yaml"},
		expectedConfig: c,
	}
	tests = append(tests, test)

	// Config from config.yaml file plus command line args
	c = createDefaultConfig(model)
	c.Port = 8002
	c.Seed = 100
	c.BlockSize = 16
	c.StreamingTokenBufferSize = 1
	c.EnableKVEvents = true
	c.ZMQMaxConnectAttempts = 1
	test = testCase{
		name: "config file with command line args",
		args: []string{"--model", model, "--config", "../../manifests/config.yaml", "--port", "8002",
			"--seed", "100", "--block-size", "16", "--streaming-token-buffer-size", "1",
			"--enable-kv-events", "--zmq-max-connect-attempts", "1",
		},
		expectedConfig: c,
	}
	tests = append(tests, test)

	// Config file given with the --param=value format
	c = createDefaultConfig(qwenModelName)
	c.KVCacheSize = 16
	test = testCase{
		name:           "config file with equal sign format",
		args:           []string{"--config=../../manifests/config.yaml", "--kv-cache-size=16"},
		expectedConfig: c,
	}
	tests = append(tests, test)

	for _, test := range tests {
		When(test.name, func() {
			It("should create correct configuration", func() {
				config, err := ParseArgs(test.args, nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(config).To(Equal(test.expectedConfig))
			})
		})
	}

	invalidTests := []testCase{
		{
			name: "invalid block size",
			args: []string{"--model", model, "--block-size", "10"},
		},
		{
			name: "zero streaming token buffer size",
			args: []string{"--model", model, "--streaming-token-buffer-size", "0"},
		},
		{
			name: "head dimension not divisible by key split",
			args: []string{"--model", model, "--head-dim", "10", "--key-split", "4"},
		},
		{
			name: "too many zmq retries",
			args: []string{"--model", model, "--zmq-max-connect-attempts", "11"},
		},
		{
			name: "empty model",
			args: []string{"--seed", "5"},
		},
		{
			name: "zero request queue size",
			args: []string{"--model", model, "--request-queue-size", "0"},
		},
		{
			name: "unknown option in config file",
			args: []string{"--config", "../../manifests/invalid-config.yaml"},
		},
		{
			name: "wrong option type in config file",
			args: []string{"--config", "../../manifests/invalid-type-config.yaml"},
		},
		{
			name: "missing config file",
			args: []string{"--config", "../../manifests/no-such-config.yaml"},
		},
	}

	for _, test := range invalidTests {
		When(test.name, func() {
			It("should fail for invalid configuration", func() {
				_, err := ParseArgs(test.args, nil)
				Expect(err).To(HaveOccurred())
			})
		})
	}

	It("should register additional flags of the binary", func() {
		var requests int
		config, err := ParseArgs([]string{"--model", model, "--requests", "12"}, func(f *pflag.FlagSet) {
			f.IntVar(&requests, "requests", 1, "number of requests")
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(config.Model).To(Equal(model))
		Expect(requests).To(Equal(12))
	})

	It("should read the hash seed from the environment", func() {
		GinkgoT().Setenv(hashSeedEnvVar, "42")
		config, err := ParseArgs([]string{"--model", model}, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(config.HashSeed).To(Equal("42"))
	})

	It("should derive durations and capacities", func() {
		config := createDefaultConfig(model)
		Expect(config.StepTimeoutDuration().Milliseconds()).To(Equal(int64(50)))
		Expect(config.CacheCapacityTokens()).To(Equal(512 * 32))
		copied, err := config.Copy()
		Expect(err).NotTo(HaveOccurred())
		Expect(copied).To(Equal(config))
	})
})
