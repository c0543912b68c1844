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

// Synthetic load generator, runs the engine in process and reports its throughput
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-batching-engine/cmd/signals"
	"github.com/llm-d/llm-d-batching-engine/pkg/common"
	llmdengine "github.com/llm-d/llm-d-batching-engine/pkg/llm-d-engine"
	"github.com/llm-d/llm-d-batching-engine/pkg/request"
)

type benchOptions struct {
	requests    int
	prompt      string
	maxTokens   int
	concurrency int
}

type benchResult struct {
	finished         atomic.Int64
	failed           atomic.Int64
	rejected         atomic.Int64
	promptTokens     atomic.Int64
	completionTokens atomic.Int64
}

func main() {
	logger := klog.Background()
	ctx := klog.NewContext(context.Background(), logger)
	ctx = signals.SetupSignalHandler(ctx)

	options := benchOptions{
		requests:    100,
		prompt:      "The quick brown fox jumps over the lazy dog.",
		maxTokens:   32,
		concurrency: 8,
	}
	config, err := parseConfig(&options)
	if err != nil {
		logger.Error(err, "Invalid parameters")
		os.Exit(1)
	}
	if options.requests < 1 || options.concurrency < 1 {
		logger.Error(errors.New("requests and concurrency must be positive"), "Invalid parameters")
		os.Exit(1)
	}

	engine, err := llmdengine.NewWithConfig(config, logger)
	if err != nil {
		logger.Error(err, "Failed to create batching engine")
		os.Exit(1)
	}

	runCtx, stop := context.WithCancel(ctx)
	engineDone := make(chan error, 1)
	go func() {
		engineDone <- engine.Run(runCtx)
	}()

	for !engine.IsReady() {
		select {
		case err := <-engineDone:
			logger.Error(err, "Batching engine failed")
			os.Exit(1)
		case <-time.After(10 * time.Millisecond):
		}
	}

	result := run(runCtx, engine, &options)
	stop()
	if err := <-engineDone; err != nil {
		logger.Error(err, "Batching engine failed")
	}
	report(result)
}

// parseConfig parses the engine flags and the flags of the benchmark
func parseConfig(options *benchOptions) (*common.Configuration, error) {
	return common.ParseArgs(os.Args[1:], func(f *pflag.FlagSet) {
		f.IntVar(&options.requests, "requests", options.requests, "Number of requests to generate")
		f.StringVar(&options.prompt, "prompt", options.prompt, "Prompt of every request")
		f.IntVar(&options.maxTokens, "max-tokens", options.maxTokens, "Maximum number of generated tokens per request")
		f.IntVar(&options.concurrency, "concurrency", options.concurrency, "Number of concurrent clients")
	})
}

// run sends the requests from options.concurrency clients, priorities rotate between the requests
func run(ctx context.Context, engine *llmdengine.Engine, options *benchOptions) *benchResult {
	bar := progressbar.NewOptions(options.requests,
		progressbar.OptionSetDescription("Generating"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)

	priorities := []request.Priority{request.PriorityHigh, request.PriorityMedium, request.PriorityLow}
	indexes := make(chan int)
	result := &benchResult{}
	var wg sync.WaitGroup
	for i := 0; i < options.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range indexes {
				output, err := engine.Generate(ctx, llmdengine.SubmitParams{
					Prompt:    options.prompt,
					MaxTokens: options.maxTokens,
					Priority:  priorities[index%len(priorities)],
				})
				switch {
				case errors.Is(err, llmdengine.ErrQueueFull):
					result.rejected.Add(1)
				case err != nil:
					result.failed.Add(1)
				default:
					result.finished.Add(1)
				}
				result.promptTokens.Add(int64(output.PromptTokens))
				result.completionTokens.Add(int64(output.CompletionTokens))
				_ = bar.Add(1)
			}
		}()
	}

	start := time.Now()
loop:
	for i := 0; i < options.requests; i++ {
		select {
		case <-ctx.Done():
			break loop
		case indexes <- i:
		}
	}
	close(indexes)
	wg.Wait()
	_ = bar.Finish()
	fmt.Println()
	fmt.Printf("Elapsed: %s\n", time.Since(start).Round(time.Millisecond))
	elapsed := time.Since(start).Seconds()
	fmt.Printf("Throughput: %s requests/s, %s tokens/s\n",
		humanize.FtoaWithDigits(float64(result.finished.Load())/elapsed, 2),
		humanize.FtoaWithDigits(float64(result.completionTokens.Load())/elapsed, 2))
	return result
}

func report(result *benchResult) {
	fmt.Printf("Requests: %s finished, %s failed, %s rejected\n",
		humanize.Comma(result.finished.Load()), humanize.Comma(result.failed.Load()),
		humanize.Comma(result.rejected.Load()))
	fmt.Printf("Tokens: %s prompt, %s generated\n",
		humanize.Comma(result.promptTokens.Load()), humanize.Comma(result.completionTokens.Load()))
}
