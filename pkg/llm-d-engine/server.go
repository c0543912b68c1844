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

package llmdengine

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/buaazp/fasthttprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/llm-d/llm-d-batching-engine/pkg/common/logging"
)

func (e *Engine) newListener() (net.Listener, error) {
	listener, err := net.Listen("tcp4", fmt.Sprintf(":%d", e.config.Port))
	if err != nil {
		return nil, err
	}
	return listener, nil
}

// startServer runs the admin server on the listener until the context is done
func (e *Engine) startServer(ctx context.Context, listener net.Listener) error {
	r := fasthttprouter.New()

	// supports /metrics prometheus API
	r.GET("/metrics", fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(e.metrics.registry, promhttp.HandlerOpts{})))
	// supports standard Kubernetes health and readiness checks
	r.GET("/health", e.HandleHealth)
	r.GET("/ready", e.HandleReady)
	r.GET("/stats", e.HandleStats)

	server := &fasthttp.Server{
		ErrorHandler: e.HandleError,
		Handler:      r.Handler,
		Logger:       e,
	}

	serverErr := make(chan error, 1)
	go func() {
		e.logger.Info("Admin server starting", "address", listener.Addr().String())
		serverErr <- server.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		e.logger.Info("Shutdown signal received, shutting down admin server gracefully")
		if err := server.Shutdown(); err != nil {
			e.logger.Error(err, "Error during server shutdown")
			return err
		}
		e.logger.Info("Admin server stopped")
		return nil

	case err := <-serverErr:
		if err != nil {
			e.logger.Error(err, "Admin server failed")
		}
		return err
	}
}

// Printf prints to the log, implementation of fasthttp.Logger
func (e *Engine) Printf(format string, args ...interface{}) {
	e.logger.Info("Server error", "msg", fmt.Sprintf(format, args...))
}

func (e *Engine) HandleError(_ *fasthttp.RequestCtx, err error) {
	e.logger.Error(err, "Admin server error")
}

// HandleHealth http handler for /health
func (e *Engine) HandleHealth(ctx *fasthttp.RequestCtx) {
	e.logger.V(logging.DEBUG).Info("Health request received")
	ctx.Response.Header.SetContentType("application/json")
	ctx.Response.Header.SetStatusCode(fasthttp.StatusOK)
	ctx.Response.SetBody([]byte("{}"))
}

// HandleReady http handler for /ready, the engine is ready once the scheduling loop runs
func (e *Engine) HandleReady(ctx *fasthttp.RequestCtx) {
	e.logger.V(logging.DEBUG).Info("Readiness request received")
	ctx.Response.Header.SetContentType("application/json")
	if !e.IsReady() {
		ctx.Response.Header.SetStatusCode(fasthttp.StatusServiceUnavailable)
		ctx.Response.SetBody([]byte(`{"ready":false}`))
		return
	}
	ctx.Response.Header.SetStatusCode(fasthttp.StatusOK)
	ctx.Response.SetBody([]byte("{}"))
}

// HandleStats http handler for /stats, returns the scheduler state
func (e *Engine) HandleStats(ctx *fasthttp.RequestCtx) {
	data, err := json.Marshal(e.Stats())
	if err != nil {
		e.logger.Error(err, "Failed to marshal stats response")
		ctx.Error("Failed to marshal stats response, "+err.Error(), fasthttp.StatusInternalServerError)
		return
	}
	ctx.Response.Header.SetContentType("application/json")
	ctx.Response.Header.SetStatusCode(fasthttp.StatusOK)
	ctx.Response.SetBody(data)
}
