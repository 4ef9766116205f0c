// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package incremental

import (
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

const (
	// ParamBatchSize is the context hyperparameter with the training batch size.
	ParamBatchSize = "batch_size"

	// ParamEvalBatchSize is the context hyperparameter with the batch size used for evaluation.
	// If 0, ParamBatchSize is used.
	ParamEvalBatchSize = "eval_batch_size"

	// ParamResetOptimizer defines whether the optimizer state (velocities and learning rate) is reset at
	// the start of each chunk.
	ParamResetOptimizer = "reset_optimizer"

	// ParamExactBatchNorm triggers the recalculation of the batch normalization averages over the
	// cumulative training data before each evaluation, instead of using the moving averages.
	ParamExactBatchNorm = "exact_batchnorm"

	// ParamNumCheckpoints is the number of checkpoints to keep, if checkpointing.
	ParamNumCheckpoints = "num_checkpoints"
)

// SetDefaultParams sets the hyperparameters used by the training regimen, with their default values.
func SetDefaultParams(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		ParamBatchSize:      128,
		ParamEvalBatchSize:  0,
		ParamResetOptimizer: true,
		ParamExactBatchNorm: false,
		ParamNumCheckpoints: 3,
	})
}

// Config of an Experiment.
type Config struct {
	// NumChunks the training split is partitioned into.
	NumChunks int

	// EpochsPerChunk holds the number of epochs to train after each chunk is added to the buffer.
	// It must have NumChunks entries. A 0 entry only accumulates the chunk.
	EpochsPerChunk []int

	// BatchSize for training, and EvalBatchSize for evaluation (if 0, BatchSize is used).
	BatchSize, EvalBatchSize int

	// Seed for the random partition into chunks.
	Seed int64

	// ResetOptimizer zeroes the optimizer velocities and restores the base learning rate at the start of each chunk.
	ResetOptimizer bool

	// ExactBatchNorm recalculates the batch normalization averages before each evaluation.
	ExactBatchNorm bool

	// CheckpointDir, if set, is where a checkpoint is saved after each chunk. It must not hold checkpoints already.
	CheckpointDir string

	// NumCheckpoints to keep in CheckpointDir.
	NumCheckpoints int

	// ShowProgressBar displays a chunk-level progress bar.
	ShowProgressBar bool
}

// FromContext fills the batch sizes, ResetOptimizer, ExactBatchNorm and NumCheckpoints from the context
// hyperparameters. Missing ones keep their current value.
func (c *Config) FromContext(ctx *context.Context) *Config {
	c.BatchSize = context.GetParamOr(ctx, ParamBatchSize, c.BatchSize)
	c.EvalBatchSize = context.GetParamOr(ctx, ParamEvalBatchSize, c.EvalBatchSize)
	c.ResetOptimizer = context.GetParamOr(ctx, ParamResetOptimizer, c.ResetOptimizer)
	c.ExactBatchNorm = context.GetParamOr(ctx, ParamExactBatchNorm, c.ExactBatchNorm)
	c.NumCheckpoints = context.GetParamOr(ctx, ParamNumCheckpoints, c.NumCheckpoints)
	return c
}

// Validate checks the configuration, and fills EvalBatchSize if not set.
func (c *Config) Validate() error {
	if c.NumChunks <= 0 {
		return errors.Errorf("number of chunks must be > 0, got %d", c.NumChunks)
	}
	if len(c.EpochsPerChunk) != c.NumChunks {
		return errors.Errorf("got %d epoch counts (%v) for %d chunks", len(c.EpochsPerChunk), c.EpochsPerChunk, c.NumChunks)
	}
	if idx := slices.IndexFunc(c.EpochsPerChunk, func(n int) bool { return n < 0 }); idx >= 0 {
		return errors.Errorf("number of epochs for chunk %d must be >= 0, got %d", idx+1, c.EpochsPerChunk[idx])
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch size must be > 0, got %d", c.BatchSize)
	}
	if c.EvalBatchSize < 0 {
		return errors.Errorf("eval batch size must be >= 0, got %d", c.EvalBatchSize)
	}
	if c.EvalBatchSize == 0 {
		c.EvalBatchSize = c.BatchSize
	}
	if c.CheckpointDir != "" && c.NumCheckpoints <= 0 {
		return errors.Errorf("number of checkpoints to keep must be > 0, got %d", c.NumCheckpoints)
	}
	return nil
}

// TotalEpochs returns the sum of the epochs of all chunks.
func (c *Config) TotalEpochs() int {
	total := 0
	for _, n := range c.EpochsPerChunk {
		total += n
	}
	return total
}

// ParseEpochs parses a comma-separated list of epoch counts, one per chunk.
// A single value is used for all chunks.
func ParseEpochs(list string, numChunks int) ([]int, error) {
	parts := strings.Split(list, ",")
	epochs := make([]int, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing number of epochs %q", part)
		}
		epochs = append(epochs, n)
	}
	switch {
	case len(epochs) == 1 && numChunks > 1:
		return slices.Repeat(epochs, numChunks), nil
	case len(epochs) != numChunks:
		return nil, errors.Errorf("got %d epoch counts in %q, expected 1 or %d (one per chunk)", len(epochs), list, numChunks)
	}
	return epochs, nil
}
