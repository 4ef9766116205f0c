// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package incremental

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Short names of the metrics used to aggregate each epoch.
const (
	batchLossShortName    = "batch_ce"
	batchCorrectShortName = "batch_correct"
	batchSizeShortName    = "batch_n"
	testLossShortName     = "test_loss"
	testAccuracyShortName = "test_acc"
)

// lossFn is the training loss: mean cross-entropy of the logits over the batch.
var lossFn = losses.SparseCategoricalCrossEntropyLogits

// batchLossGraph returns the mean loss of the batch, as Float64.
func batchLossGraph(_ *context.Context, labels, predictions []*Node) *Node {
	return ConvertDType(lossFn(labels, predictions), dtypes.Float64)
}

// batchCorrectGraph returns the number of examples in the batch whose argmax(logits) matches the label, as Float64.
func batchCorrectGraph(_ *context.Context, labels, predictions []*Node) *Node {
	logits := predictions[0]
	choices := ArgMax(logits, -1, labels[0].DType())
	correct := Equal(choices, Squeeze(labels[0], -1))
	return ReduceAllSum(ConvertDType(correct, dtypes.Float64))
}

// batchSizeGraph returns the number of examples in the batch, as Float64.
func batchSizeGraph(_ *context.Context, _, predictions []*Node) *Node {
	logits := predictions[0]
	return Scalar(logits.Graph(), dtypes.Float64, float64(logits.Shape().Dimensions[0]))
}

func plainPPrint(value *tensors.Tensor) string {
	return fmt.Sprintf("%.4f", tensors.ToScalar[float64](value))
}

// newTrainMetrics returns the per-batch metrics read by epochStats.
func newTrainMetrics() []metrics.Interface {
	return []metrics.Interface{
		metrics.NewBaseMetric("Batch Cross-Entropy", batchLossShortName, metrics.LossMetricType, batchLossGraph, plainPPrint),
		metrics.NewBaseMetric("Batch Correct", batchCorrectShortName, "count", batchCorrectGraph, plainPPrint),
		metrics.NewBaseMetric("Batch Size", batchSizeShortName, "count", batchSizeGraph, plainPPrint),
	}
}

// newEvalMetrics returns the metrics of the test evaluation.
func newEvalMetrics() []metrics.Interface {
	return []metrics.Interface{
		metrics.NewMeanMetric("Test Loss", testLossShortName, metrics.LossMetricType, batchLossGraph, plainPPrint),
		metrics.NewSparseCategoricalAccuracy("Test Accuracy", testAccuracyShortName),
	}
}

// metricIndex returns the position of the metric with the given short name.
func metricIndex(all []metrics.Interface, shortName string) (int, error) {
	for ii, m := range all {
		if m.ShortName() == shortName {
			return ii, nil
		}
	}
	return -1, errors.Errorf("metric %q not found", shortName)
}

// scalarFloat converts a scalar float tensor to float64.
func scalarFloat(t *tensors.Tensor) (float64, error) {
	if !t.Shape().IsScalar() {
		return 0, errors.Errorf("expected scalar metric, got shape %s", t.Shape())
	}
	switch t.DType() {
	case dtypes.Float64:
		return tensors.ToScalar[float64](t), nil
	case dtypes.Float32:
		return float64(tensors.ToScalar[float32](t)), nil
	}
	return 0, errors.Errorf("unsupported metric dtype %s", t.DType())
}

// epochStats accumulates the per-batch training metrics of one epoch.
type epochStats struct {
	lossIdx, correctIdx, sizeIdx int

	lossSum    float64
	numBatches int
	correct    float64
	numSeen    float64
}

func newEpochStats(trainer *train.Trainer) (*epochStats, error) {
	trainMetrics := trainer.TrainMetrics()
	s := &epochStats{}
	var err error
	if s.lossIdx, err = metricIndex(trainMetrics, batchLossShortName); err != nil {
		return nil, err
	}
	if s.correctIdx, err = metricIndex(trainMetrics, batchCorrectShortName); err != nil {
		return nil, err
	}
	if s.sizeIdx, err = metricIndex(trainMetrics, batchSizeShortName); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *epochStats) reset() {
	s.lossSum, s.numBatches, s.correct, s.numSeen = 0, 0, 0, 0
}

// onStep implements train.OnStepFn.
func (s *epochStats) onStep(_ *train.Loop, values []*tensors.Tensor) error {
	loss, err := scalarFloat(values[s.lossIdx])
	if err != nil {
		return err
	}
	correct, err := scalarFloat(values[s.correctIdx])
	if err != nil {
		return err
	}
	size, err := scalarFloat(values[s.sizeIdx])
	if err != nil {
		return err
	}
	s.lossSum += loss
	s.numBatches++
	s.correct += correct
	s.numSeen += size
	return nil
}

// meanLoss is the sum of the batch losses over the number of batches.
func (s *epochStats) meanLoss() float64 {
	if s.numBatches == 0 {
		return 0
	}
	return s.lossSum / float64(s.numBatches)
}

// accuracy is the number of correct predictions over the number of examples seen.
func (s *epochStats) accuracy() float64 {
	if s.numSeen == 0 {
		return 0
	}
	return s.correct / s.numSeen
}
