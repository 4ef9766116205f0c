// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// chunktrain trains a CNN on Cifar-10 with a growing training set: the training split is partitioned
// into random chunks, added one at a time, and after each one the model is trained on everything
// seen so far, while the test accuracy is tracked per epoch.
//
// Example:
//
//	chunktrain -depth=2 -num_chunks=5 -num_epochs=20 -set="learning_rate=0.01;batch_size=64"
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/chunktrain/cifar"
	"github.com/gomlx/chunktrain/incremental"
	"github.com/gomlx/chunktrain/models"
	"github.com/gomlx/chunktrain/momentum"
	"github.com/gomlx/chunktrain/tracking"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDepth     = flag.Int("depth", 2, "Number of convolutional stages of the model.")
	flagNumChunks = flag.Int("num_chunks", 2, "Number of chunks the training data is split into.")
	flagNumEpochs = flag.String("num_epochs", "100,100",
		"Comma-separated number of epochs to train after each chunk is added. A single value is used for all chunks.")
	flagGPU     = flag.Int("gpu", 0, "Index of the GPU to use, if the backend uses CUDA. Set to -1 to leave CUDA_VISIBLE_DEVICES untouched.")
	flagBackend = flag.String("backend", "", "GoMLX backend configuration. If empty, $GOMLX_BACKEND or the default backend is used.")
	flagDataDir = flag.String("data", "~/work/cifar", "Directory to cache the downloaded dataset.")
	flagSeed    = flag.Int64("seed", 42, "Seed for the random partition of the training data into chunks.")

	// Tracking.
	flagProject     = flag.String("project", "cifar10-cnn", "Project name of the tracked run.")
	flagRunName     = flag.String("run_name", "", "Name of the tracked run. If empty, one is generated.")
	flagRunsDir     = flag.String("runs_dir", "./runs", "Directory where runs are recorded. If empty, runs are not recorded locally.")
	flagTrackingURL = flag.String("tracking_url", "",
		"URL of a remote tracking service to also send the run to. The API key is read from $"+apiKeyEnv+".")

	// Checkpointing.
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save a checkpoint after each chunk. If empty, no checkpoints are saved.")
	flagProgress   = flag.Bool("progress", true, "Display a progress bar over the chunks.")
)

// apiKeyEnv is the environment variable with the API key of the remote tracking service.
const apiKeyEnv = "TRACKING_API_KEY"

// DType of the images and model.
var DType = dtypes.Float32

// createDefaultContext sets the context with the default hyperparameters.
func createDefaultContext() *context.Context {
	ctx := context.New()
	models.SetDefaultParams(ctx)
	momentum.SetDefaultParams(ctx)
	incremental.SetDefaultParams(ctx)
	return ctx
}

func main() {
	ctx := createDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	ctx.SetParam(models.ParamDepth, *flagDepth)
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	if err := trainModel(ctx); err != nil {
		klog.Fatalf("Failed: %+v", err)
	}
	klog.V(1).Infof("Hyperparameters set:\n%s", commandline.SprintModifiedContextSettings(ctx, paramsSet))
}

func trainModel(ctx *context.Context) error {
	epochs, err := incremental.ParseEpochs(*flagNumEpochs, *flagNumChunks)
	if err != nil {
		return err
	}
	cfg := incremental.Config{
		NumChunks:       *flagNumChunks,
		EpochsPerChunk:  epochs,
		Seed:            *flagSeed,
		CheckpointDir:   *flagCheckpoint,
		ShowProgressBar: *flagProgress,
	}
	cfg.FromContext(ctx)
	if err = cfg.Validate(); err != nil {
		return err
	}
	// Fail on an invalid model before downloading anything.
	if _, err = models.SelectModelFn(ctx); err != nil {
		return err
	}

	selectGPU(*flagGPU)
	backend, err := newBackend(*flagBackend)
	if err != nil {
		return err
	}
	defer backend.Finalize()
	fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())

	dataDir, err := fsutil.ReplaceTildeInDir(*flagDataDir)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(dataDir, 0777); err != nil {
		return errors.Wrapf(err, "creating data directory %q", dataDir)
	}
	data, err := cifar.Load(dataDir, DType)
	if err != nil {
		return err
	}
	defer data.Finalize()

	sinks := newSinks(*flagRunsDir, *flagTrackingURL, os.Getenv(apiKeyEnv))
	opts := []tracking.Option{tracking.WithSinks(sinks...), tracking.WithConfig(runConfig(ctx))}
	if *flagRunName != "" {
		opts = append(opts, tracking.WithName(*flagRunName))
	}
	run, err := tracking.Init(*flagProject, opts...)
	if err != nil {
		return err
	}
	fmt.Printf("Run %q (id %s) in project %q\n", run.Name(), run.ID(), run.Project())

	experiment, err := incremental.NewExperiment(backend, ctx, cfg, data, run)
	if err != nil {
		_ = run.Finish()
		return err
	}
	_, err = experiment.Run()
	if finishErr := run.Finish(); finishErr != nil {
		klog.Errorf("Failed to finish tracking run: %+v", finishErr)
	}
	return err
}

func newBackend(config string) (backends.Backend, error) {
	if config == "" {
		return backends.New()
	}
	return backends.NewWithConfig(config)
}
