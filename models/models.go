// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package models holds the depth-parameterized convolutional networks trained on Cifar-10.
//
// All models implement train.ModelFn: they take the batched images shaped [batch, 32, 32, 3] and
// return the logits shaped [batch, NumClasses].
package models

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// NumClasses is the number of Cifar-10 classes.
const NumClasses = 10

const (
	// ParamModel is the context parameter with the model type, one of ValidModels.
	ParamModel = "model"

	// ParamDepth is the number of convolutional stages of the model.
	ParamDepth = "depth"

	// ParamAllConvBaseChannels is the number of channels of the first convolution of the "allconv" model.
	// Each stage doubles it.
	ParamAllConvBaseChannels = "allconv_base_channels"

	// ParamPlainBaseChannels is the number of channels of the first convolution of the "plain" model.
	// Each following convolution doubles it.
	ParamPlainBaseChannels = "plain_base_channels"

	// ParamPlainHiddenUnits is the size of the hidden dense layer of the "plain" model.
	ParamPlainHiddenUnits = "plain_hidden_units"

	// plainMaxDepth is the maximum number of convolutions of the "plain" model.
	plainMaxDepth = 3
)

// ValidModels is the list of model types supported. The first is the default.
var ValidModels = []string{"allconv", "plain"}

// SetDefaultParams sets the hyperparameters used by the models, with their default values.
func SetDefaultParams(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		ParamModel:               ValidModels[0],
		ParamDepth:               2,
		ParamAllConvBaseChannels: 96,
		ParamPlainBaseChannels:   128,
		ParamPlainHiddenUnits:    512,
	})
}

// SelectModelFn based on hyperparameter ParamModel in the context.
// It also validates the depth for the selected model.
func SelectModelFn(ctx *context.Context) (train.ModelFn, error) {
	modelType := context.GetParamOr(ctx, ParamModel, ValidModels[0])
	if slices.Index(ValidModels, modelType) == -1 {
		return nil, errors.Errorf("parameter %q must take one value from %v, got %q", ParamModel, ValidModels, modelType)
	}
	depth := context.GetParamOr(ctx, ParamDepth, 2)
	if err := ValidateDepth(modelType, depth, 32); err != nil {
		return nil, err
	}
	switch modelType {
	case "plain":
		return PlainModelGraph, nil
	default:
		return AllConvModelGraph, nil
	}
}

// ValidateDepth checks that the depth is supported by the model type for square images of the given size.
func ValidateDepth(modelType string, depth, imageSize int) error {
	if depth < 1 {
		return errors.Errorf("depth must be >= 1, got %d", depth)
	}
	switch modelType {
	case "plain":
		if depth > plainMaxDepth {
			return errors.Errorf("model %q supports depth between 1 and %d, got %d", modelType, plainMaxDepth, depth)
		}
		if imageSize-2*depth < 1 {
			return errors.Errorf("model %q with depth %d needs images larger than %d", modelType, depth, imageSize)
		}
	default:
		if size := AllConvOutputSize(imageSize, depth); size < 1 {
			return errors.Errorf("model %q with depth %d reduces %dx%d images to nothing (spatial size %d)",
				modelType, depth, imageSize, imageSize, size)
		}
	}
	return nil
}

// AllConvOutputSize returns the spatial size (width or height) of the "allconv" features, before the global
// average pooling, for square images of the given size.
func AllConvOutputSize(imageSize, depth int) int {
	size := imageSize - 2 // First 3x3 convolution.
	for range depth {
		size -= 2 // 3x3 convolution.
		if size < 3 {
			return 0
		}
		size = (size-3)/2 + 1 // 3x3 convolution with stride 2.
	}
	return size
}

// conv3x3 is a 3x3 convolution with no padding.
func conv3x3(ctx *context.Context, x *graph.Node, channels, strides int) *graph.Node {
	return layers.Convolution(ctx, x).Channels(channels).KernelSize(3).NoPadding().Strides(strides).Done()
}

// batchNorm configured with PyTorch defaults.
func batchNorm(ctx *context.Context, x *graph.Node) *graph.Node {
	return batchnorm.New(ctx, x, -1).Momentum(0.9).Epsilon(1e-5).Done()
}

// AllConvModelGraph implements train.ModelFn for the "allconv" model: a first 3x3 convolution followed by
// `depth` stages, each doubling the channels while halving the spatial dimensions, and a 1x1 convolutional
// head globally average pooled to the logits.
//
// Stage i (1-based), with c = base * 2^(i-1) channels:
//
//	conv3x3(c) -> BatchNorm -> ReLU -> conv3x3/stride 2 (2c) -> BatchNorm -> ReLU
func AllConvModelGraph(ctx *context.Context, spec any, inputs []*graph.Node) []*graph.Node {
	_ = spec
	images := inputs[0]
	batchSize := images.Shape().Dimensions[0]
	depth := context.GetParamOr(ctx, ParamDepth, 2)
	base := context.GetParamOr(ctx, ParamAllConvBaseChannels, 96)

	layerIdx := 0
	nextCtx := func(name string) *context.Context {
		newCtx := ctx.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return newCtx
	}

	logits := conv3x3(nextCtx("conv"), images, base, 1)
	logits = activations.Relu(logits)

	for stage := 1; stage <= depth; stage++ {
		channels := base << (stage - 1)
		logits = conv3x3(nextCtx("conv"), logits, channels, 1)
		logits = batchNorm(nextCtx("batchnorm"), logits)
		logits = activations.Relu(logits)
		logits = conv3x3(nextCtx("conv"), logits, 2*channels, 2)
		logits = batchNorm(nextCtx("batchnorm"), logits)
		logits = activations.Relu(logits)
	}
	channels := base << depth

	logits = layers.Convolution(nextCtx("conv"), logits).Channels(channels).KernelSize(1).Done()
	logits = activations.Relu(logits)
	logits = layers.Convolution(nextCtx("conv"), logits).Channels(NumClasses).KernelSize(1).Done()
	logits = graph.ReduceMean(logits, 1, 2) // Global average pooling.
	logits.AssertDims(batchSize, NumClasses)
	return []*graph.Node{logits}
}

// PlainModelGraph implements train.ModelFn for the "plain" model: `depth` (up to 3) unpadded 3x3 convolutions
// with ReLU, each doubling the channels (by default 128, 256 and 512), followed by a hidden dense layer.
func PlainModelGraph(ctx *context.Context, spec any, inputs []*graph.Node) []*graph.Node {
	_ = spec
	images := inputs[0]
	batchSize := images.Shape().Dimensions[0]
	depth := context.GetParamOr(ctx, ParamDepth, 2)
	if depth < 1 || depth > plainMaxDepth {
		exceptions.Panicf("model \"plain\" supports depth between 1 and %d, got %d", plainMaxDepth, depth)
	}
	base := context.GetParamOr(ctx, ParamPlainBaseChannels, 128)
	hiddenUnits := context.GetParamOr(ctx, ParamPlainHiddenUnits, 512)

	logits := images
	for ii := range depth {
		logits = conv3x3(ctx.Inf("%03d_conv", ii), logits, base<<ii, 1)
		logits = activations.Relu(logits)
	}
	logits = graph.Reshape(logits, batchSize, -1)
	logits = layers.Dense(ctx.In("hidden"), logits, true, hiddenUnits)
	logits = activations.Relu(logits)
	logits = layers.Dense(ctx.In("readout"), logits, true, NumClasses)
	return []*graph.Node{logits}
}
