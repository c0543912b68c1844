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
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

const (
	defaultPort      = 8000
	ModelTypeRandom  = "random"
	ModelTypeEcho    = "echo"
	hashSeedEnvVar   = "PYTHONHASHSEED"
	configFlagName   = "config"
	maxZMQRetries    = 10
	defaultQueueSize = 1000
)

type Configuration struct {
	// Port defines on which port the admin server (metrics, health) runs
	Port int `yaml:"port" json:"port"`
	// Model defines the served model name, used in metrics labels and kv event topics
	Model string `yaml:"model" json:"model"`
	// ModelType selects the model architecture from the model registry
	ModelType string `yaml:"model-type" json:"model-type"`
	// MaxNumSeqs is the maximum number of sequences in one execution batch
	MaxNumSeqs int `yaml:"max-num-seqs" json:"max-num-seqs"`
	// MaxModelLen is the model's context window, the maximum number of tokens
	// in a single sequence including prompt and output. Default value is 1024.
	MaxModelLen int `yaml:"max-model-len" json:"max-model-len"`
	// RequestQueueSize is the capacity of the bounded admission queue
	RequestQueueSize int `yaml:"request-queue-size" json:"request-queue-size"`

	// KVCacheSize is the number of blocks in the kv cache pool
	KVCacheSize int `yaml:"kv-cache-size" json:"kv-cache-size"`
	// BlockSize is the number of token slots in one block
	BlockSize int `yaml:"block-size" json:"block-size"`
	// NumLayers is the number of attention layers, each one gets its own kv cache
	NumLayers int `yaml:"num-layers" json:"num-layers"`
	// NumHeads is the number of attention heads stored per slot
	NumHeads int `yaml:"num-heads" json:"num-heads"`
	// HeadDim is the dimension of a single attention head
	HeadDim int `yaml:"head-dim" json:"head-dim"`
	// KeySplit is the innermost split of the key layout, HeadDim must be divisible by it
	KeySplit int `yaml:"key-split" json:"key-split"`

	// StreamingTokenBufferSize is the number of tokens to buffer before streaming to client
	StreamingTokenBufferSize int `yaml:"streaming-token-buffer-size" json:"streaming-token-buffer-size"`
	// StepTimeout is the maximum time in milliseconds a scheduling step waits for new work
	StepTimeout int `yaml:"step-timeout" json:"step-timeout"`
	// ResponseWorkers is the number of goroutines decoding and delivering responses
	ResponseWorkers int `yaml:"response-workers" json:"response-workers"`

	// Seed defines random seed for operations
	Seed int64 `yaml:"seed" json:"seed"`
	// HashSeed is the seed for hash generation of kv blocks
	HashSeed string `yaml:"hash-seed" json:"hash-seed"`

	// EnableKVEvents defines if kv cache events are published
	EnableKVEvents bool `yaml:"enable-kv-events" json:"enable-kv-events"`
	// ZMQEndpoint is the ZMQ address to publish events, the default is tcp://localhost:5557
	ZMQEndpoint string `yaml:"zmq-endpoint" json:"zmq-endpoint"`
	// ZMQMaxConnectAttempts defines the maximum number (10) of retries when ZMQ connection fails
	ZMQMaxConnectAttempts uint `yaml:"zmq-max-connect-attempts" json:"zmq-max-connect-attempts"`
	// EventBatchSize is the maximal number of events to be sent in one batch
	EventBatchSize int `yaml:"event-batch-size" json:"event-batch-size"`
}

func newConfig() *Configuration {
	return &Configuration{
		Port:                     defaultPort,
		ModelType:                ModelTypeRandom,
		MaxNumSeqs:               5,
		MaxModelLen:              1024,
		RequestQueueSize:         defaultQueueSize,
		KVCacheSize:              1024,
		BlockSize:                16,
		NumLayers:                1,
		NumHeads:                 4,
		HeadDim:                  16,
		KeySplit:                 4,
		StreamingTokenBufferSize: 1,
		StepTimeout:              100,
		ResponseWorkers:          4,
		Seed:                     time.Now().UnixNano(),
		ZMQEndpoint:              "tcp://localhost:5557",
		EventBatchSize:           16,
	}
}

func (c *Configuration) load(configFile string) error {
	configBytes, err := os.ReadFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to read configuration file: %w", err)
	}

	validator, err := newConfigValidator()
	if err != nil {
		return err
	}
	if err := validator.validateYAML(configBytes); err != nil {
		return fmt.Errorf("invalid configuration file %s: %w", configFile, err)
	}

	if err := yaml.Unmarshal(configBytes, c); err != nil {
		return fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	return nil
}

func (c *Configuration) validate() error {
	if c.Model == "" {
		return errors.New("model parameter is empty")
	}
	if c.ModelType == "" {
		return errors.New("model type parameter is empty")
	}
	if c.MaxModelLen < 1 {
		return errors.New("max model len cannot be less than 1")
	}
	if c.MaxNumSeqs < 1 {
		return errors.New("max num seqs cannot be less than 1")
	}
	if c.RequestQueueSize < 1 {
		return errors.New("request queue size cannot be less than 1")
	}

	if c.BlockSize != 8 && c.BlockSize != 16 && c.BlockSize != 32 &&
		c.BlockSize != 64 && c.BlockSize != 128 {
		return errors.New("token block size should be one of the following: 8, 16, 32, 64, 128")
	}
	if c.KVCacheSize < 1 {
		return errors.New("KV cache size cannot be less than 1")
	}
	if c.NumLayers < 1 || c.NumHeads < 1 || c.HeadDim < 1 {
		return errors.New("number of layers, number of heads and head dimension must be positive")
	}
	if c.KeySplit < 1 || c.HeadDim%c.KeySplit != 0 {
		return fmt.Errorf("head dimension %d is not divisible by key split %d", c.HeadDim, c.KeySplit)
	}

	if c.StreamingTokenBufferSize < 1 {
		return errors.New("streaming token buffer size cannot be less than 1")
	}
	if c.StepTimeout < 1 {
		return errors.New("step timeout cannot be less than 1 millisecond")
	}
	if c.ResponseWorkers < 1 {
		return errors.New("number of response workers cannot be less than 1")
	}

	if c.EventBatchSize < 1 {
		return errors.New("event batch size cannot less than 1")
	}
	if c.ZMQMaxConnectAttempts > maxZMQRetries {
		return errors.New("zmq retries times cannot be more than 10")
	}
	if c.EnableKVEvents && c.ZMQEndpoint == "" {
		return errors.New("zmq endpoint is required when kv events are enabled")
	}
	return nil
}

// StepTimeoutDuration returns the step timeout as a duration
func (c *Configuration) StepTimeoutDuration() time.Duration {
	return time.Duration(c.StepTimeout) * time.Millisecond
}

// CacheCapacityTokens returns the number of token slots in the kv cache pool
func (c *Configuration) CacheCapacityTokens() int {
	return c.KVCacheSize * c.BlockSize
}

func (c *Configuration) Copy() (*Configuration, error) {
	var dst Configuration
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	err = json.Unmarshal(data, &dst)
	return &dst, err
}

// ParseCommandParamsAndLoadConfig loads configuration, parses command line parameters, merges the values
// (command line values overwrite the config file ones), and validates the configuration
func ParseCommandParamsAndLoadConfig() (*Configuration, error) {
	return ParseArgs(os.Args[1:], nil)
}

// ParseArgs does the same as ParseCommandParamsAndLoadConfig for the given arguments.
// addFlags, if not nil, may register additional flags of the calling binary.
func ParseArgs(args []string, addFlags func(f *pflag.FlagSet)) (*Configuration, error) {
	config := newConfig()

	configFileValues := getParamValueFromArgs(args, configFlagName)
	if len(configFileValues) == 1 {
		if err := config.load(configFileValues[0]); err != nil {
			return nil, err
		}
	}

	f := pflag.NewFlagSet("llm-d-batching-engine flags", pflag.ContinueOnError)

	f.IntVar(&config.Port, "port", config.Port, "Port of the admin server (metrics, health and readiness)")
	f.StringVar(&config.Model, "model", config.Model, "Served model name")
	f.StringVar(&config.ModelType, "model-type", config.ModelType, "Model architecture, one of the registered model types (echo, random, llama, llama2, gpt_neox, internlm)")
	f.IntVar(&config.MaxNumSeqs, "max-num-seqs", config.MaxNumSeqs, "Maximum number of sequences in one execution batch")
	f.IntVar(&config.MaxModelLen, "max-model-len", config.MaxModelLen, "Model's context window, maximum number of tokens in a single sequence including prompt and output")
	f.IntVar(&config.RequestQueueSize, "request-queue-size", config.RequestQueueSize, "Capacity of the bounded admission queue")

	f.IntVar(&config.KVCacheSize, "kv-cache-size", config.KVCacheSize, "Number of blocks in the kv cache pool")
	f.IntVar(&config.BlockSize, "block-size", config.BlockSize, "Token block size for contiguous chunks of tokens, possible values: 8,16,32,64,128")
	f.IntVar(&config.NumLayers, "num-layers", config.NumLayers, "Number of attention layers")
	f.IntVar(&config.NumHeads, "num-heads", config.NumHeads, "Number of attention heads")
	f.IntVar(&config.HeadDim, "head-dim", config.HeadDim, "Dimension of one attention head")
	f.IntVar(&config.KeySplit, "key-split", config.KeySplit, "Innermost split of the key cache layout")

	f.IntVar(&config.StreamingTokenBufferSize, "streaming-token-buffer-size", config.StreamingTokenBufferSize, "Number of tokens to buffer before streaming to client")
	f.IntVar(&config.StepTimeout, "step-timeout", config.StepTimeout, "Time a scheduling step waits for new requests when idle (in milliseconds)")
	f.IntVar(&config.ResponseWorkers, "response-workers", config.ResponseWorkers, "Number of workers decoding and delivering responses")

	f.Int64Var(&config.Seed, "seed", config.Seed, "Random seed for operations (if not set, current Unix time in nanoseconds is used)")
	f.StringVar(&config.HashSeed, "hash-seed", config.HashSeed, "Seed for hash generation (if not set, is read from PYTHONHASHSEED environment variable)")

	f.BoolVar(&config.EnableKVEvents, "enable-kv-events", config.EnableKVEvents, "Defines if kv cache events are published")
	f.StringVar(&config.ZMQEndpoint, "zmq-endpoint", config.ZMQEndpoint, "ZMQ address to publish events")
	f.UintVar(&config.ZMQMaxConnectAttempts, "zmq-max-connect-attempts", config.ZMQMaxConnectAttempts, "Maximum number of times to try ZMQ connect")
	f.IntVar(&config.EventBatchSize, "event-batch-size", config.EventBatchSize, "Maximum number of kv-cache events to be sent together")

	// These values were manually parsed above in getParamValueFromArgs, we leave this in order to get these flags in --help
	var dummyString string
	f.StringVar(&dummyString, configFlagName, "", "The path to a yaml configuration file. The command line values overwrite the configuration file values")

	if addFlags != nil {
		addFlags(f)
	}

	flagSet := flag.NewFlagSet("engineFlagSet", flag.ExitOnError)
	klog.InitFlags(flagSet)
	f.AddGoFlagSet(flagSet)

	if err := f.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			// --help - exit without printing an error message
			os.Exit(0)
		}
		return nil, err
	}

	if config.HashSeed == "" {
		hashSeed := os.Getenv(hashSeedEnvVar)
		if hashSeed != "" {
			config.HashSeed = hashSeed
		}
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func getParamValueFromArgs(args []string, param string) []string {
	var values []string
	var readValues bool
	for _, arg := range args {
		if readValues {
			if strings.HasPrefix(arg, "--") {
				break
			}
			if arg != "" {
				values = append(values, arg)
			}
		} else {
			if arg == "--"+param {
				readValues = true
				values = make([]string, 0)
			} else if strings.HasPrefix(arg, "--"+param+"=") {
				values = append(values, strings.TrimPrefix(arg, "--"+param+"="))
				break
			}
		}
	}
	return values
}
