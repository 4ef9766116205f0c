// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"os"
	"strconv"

	"github.com/gomlx/chunktrain/tracking"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"k8s.io/klog/v2"
)

// cudaDevicesEnv selects the GPUs visible to the CUDA backends.
const cudaDevicesEnv = "CUDA_VISIBLE_DEVICES"

// selectGPU restricts the CUDA backends to the given device, unless gpu < 0 or the environment
// variable was already set by the user. It must be called before the backend is created.
func selectGPU(gpu int) {
	if gpu < 0 {
		return
	}
	if current, found := os.LookupEnv(cudaDevicesEnv); found {
		klog.V(1).Infof("%s=%q already set, ignoring -gpu=%d", cudaDevicesEnv, current, gpu)
		return
	}
	_ = os.Setenv(cudaDevicesEnv, strconv.Itoa(gpu))
}

// newSinks returns the tracking sinks: a LocalSink under runsDir, if set, and a RemoteSink for url, if set.
func newSinks(runsDir, url, apiKey string) []tracking.Sink {
	var sinks []tracking.Sink
	if runsDir != "" {
		sinks = append(sinks, tracking.NewLocalSink(runsDir))
	}
	if url != "" {
		sinks = append(sinks, tracking.NewRemoteSink(url, apiKey))
	}
	if len(sinks) == 0 {
		klog.Warning("No -runs_dir or -tracking_url given: the run is not recorded")
	}
	return sinks
}

// trackedFlags are the flags recorded in the run configuration.
var trackedFlags = []string{"depth", "num_chunks", "num_epochs", "gpu", "backend", "data", "seed", "project", "checkpoint"}

// runConfig collects the tracked flags and the context hyperparameters of the root scope in the run configuration.
// Context hyperparameters take precedence over flags of the same name.
func runConfig(ctx *context.Context) map[string]any {
	config := make(map[string]any)
	for _, name := range trackedFlags {
		f := flag.Lookup(name)
		if f == nil {
			continue
		}
		if getter, ok := f.Value.(flag.Getter); ok {
			config[name] = getter.Get()
		} else {
			config[name] = f.Value.String()
		}
	}
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope != context.RootScope {
			return
		}
		config[key] = value
	})
	return config
}
