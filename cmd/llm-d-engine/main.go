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

// Continuous batching engine
// serves /metrics, /health, /ready and /stats on the admin port
package main

import (
	"context"
	"os"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-batching-engine/cmd/signals"
	llmdengine "github.com/llm-d/llm-d-batching-engine/pkg/llm-d-engine"
)

func main() {
	// setup logger and context with graceful shutdown
	logger := klog.Background()
	ctx := klog.NewContext(context.Background(), logger)
	ctx = signals.SetupSignalHandler(ctx)

	logger.Info("Starting batching engine")

	engine, err := llmdengine.New(logger)
	if err != nil {
		logger.Error(err, "Failed to create batching engine")
		os.Exit(1)
	}
	if err := engine.Start(ctx); err != nil {
		logger.Error(err, "Batching engine failed")
		os.Exit(1)
	}
}
