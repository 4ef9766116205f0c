// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package incremental trains a model on a training set that grows in stages: the training split is partitioned
// into random chunks, and after each chunk is added to a buffer the model is trained for a number of epochs on
// everything buffered so far, and evaluated on the test split after every epoch.
//
// The optimizer is SGD with momentum (see package momentum) with a learning rate decayed after every epoch of
// a chunk, and (by default) reset at the start of each chunk.
package incremental

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/chunktrain/chunks"
	"github.com/gomlx/chunktrain/cifar"
	"github.com/gomlx/chunktrain/models"
	"github.com/gomlx/chunktrain/momentum"
	"github.com/gomlx/chunktrain/tracking"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// ModelScope is the scope under which the model variables are created.
const ModelScope = "model"

// EpochResult holds the metrics of one training epoch.
type EpochResult struct {
	// Chunk and NumChunks: Chunk is 1-based.
	Chunk, NumChunks int

	// Epoch within the chunk and NumEpochs of the chunk: Epoch is 1-based.
	Epoch, NumEpochs int

	// GlobalEpoch is the 0-based count of epochs trained before this one, over all chunks.
	GlobalEpoch int

	// NumExamples in the buffer trained on.
	NumExamples int

	// LearningRate used during the epoch.
	LearningRate float64

	// Loss is the mean of the batch losses of the epoch, and TrainAccuracy the fraction of the training
	// examples correctly classified while training.
	Loss, TrainAccuracy float64

	// TestLoss and TestAccuracy are measured on the whole test split after the epoch.
	TestLoss, TestAccuracy float64
}

// String returns the line printed after each epoch.
func (r EpochResult) String() string {
	return fmt.Sprintf("Chunk [%d/%d], Epoch [%d/%d], Loss: %.4f, Train Accuracy: %.4f, Test Accuracy: %.4f",
		r.Chunk, r.NumChunks, r.Epoch, r.NumEpochs, r.Loss, r.TrainAccuracy, r.TestAccuracy)
}

// Row returns the values logged to the tracking run.
func (r EpochResult) Row() map[string]any {
	return map[string]any{
		"epoch":          r.GlobalEpoch,
		"chunk":          r.Chunk,
		"loss":           r.Loss,
		"train_accuracy": r.TrainAccuracy,
		"test_accuracy":  r.TestAccuracy,
		"test_loss":      r.TestLoss,
		"learning_rate":  r.LearningRate,
		"num_examples":   r.NumExamples,
	}
}

// Experiment runs the chunked training regimen. Create it with NewExperiment and call Run once.
type Experiment struct {
	backend backends.Backend
	ctx     *context.Context
	cfg     Config
	data    *cifar.Data
	run     *tracking.Run
	out     io.Writer

	chunks    [][]int
	buffer    chunks.Buffer
	testDS    *datasets.InMemoryDataset
	optimizer *momentum.Optimizer
	lrDecay   float64

	trainer    *train.Trainer
	loop       *train.Loop
	stats      *epochStats
	checkpoint *checkpoints.Handler

	testLossIdx, testAccuracyIdx int
	ran, modelLogged             bool
}

// NewExperiment prepares the chunks, the model, the optimizer and the test dataset.
//
// The hyperparameters (see models.SetDefaultParams, momentum.SetDefaultParams and SetDefaultParams) are read
// from ctx, and the model variables are created under ctx.In(ModelScope).
// The run may be nil, in which case nothing is tracked.
func NewExperiment(backend backends.Backend, ctx *context.Context, cfg Config, data *cifar.Data, run *tracking.Run) (*Experiment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if data == nil || data.TrainImages == nil || data.TestImages == nil {
		return nil, errors.New("NewExperiment requires train and test data")
	}
	modelFn, err := models.SelectModelFn(ctx)
	if err != nil {
		return nil, err
	}
	e := &Experiment{
		backend: backend,
		ctx:     ctx,
		cfg:     cfg,
		data:    data,
		run:     run,
		out:     os.Stdout,
		lrDecay: context.GetParamOr(ctx, momentum.ParamLearningRateDecay, momentum.DefaultLearningRateDecay),
	}
	e.chunks, err = chunks.Split(data.NumTrain(), cfg.NumChunks, cfg.Seed)
	if err != nil {
		return nil, err
	}
	err = exceptions.TryCatch[error](func() { e.optimizer = momentum.New().FromContext(ctx).Done() })
	if err != nil {
		return nil, errors.WithMessage(err, "configuring optimizer")
	}
	if cfg.CheckpointDir != "" {
		e.checkpoint, err = newCheckpoint(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}

	e.trainer = train.NewTrainer(backend, ctx.In(ModelScope), modelFn, lossFn, e.optimizer,
		newTrainMetrics(), newEvalMetrics())
	e.stats, err = newEpochStats(e.trainer)
	if err != nil {
		return nil, err
	}
	evalMetrics := e.trainer.EvalMetrics()
	if e.testLossIdx, err = metricIndex(evalMetrics, testLossShortName); err != nil {
		return nil, err
	}
	if e.testAccuracyIdx, err = metricIndex(evalMetrics, testAccuracyShortName); err != nil {
		return nil, err
	}
	e.loop = train.NewLoop(e.trainer)
	e.loop.OnStep("epoch statistics", 0, e.stats.onStep)

	e.testDS, err = datasets.InMemoryFromData(backend, "test", []any{data.TestImages}, []any{data.TestLabels})
	if err != nil {
		return nil, errors.WithMessage(err, "creating test dataset")
	}
	e.testDS.BatchSize(cfg.EvalBatchSize, false)
	return e, nil
}

// newCheckpoint creates the checkpoint handler. Training is never resumed, so the directory must not
// hold checkpoints already.
func newCheckpoint(ctx *context.Context, cfg Config) (*checkpoints.Handler, error) {
	dir, err := fsutil.ReplaceTildeInDir(cfg.CheckpointDir)
	if err != nil {
		return nil, err
	}
	if entries, err := os.ReadDir(dir); err == nil && len(entries) > 0 {
		return nil, errors.Errorf("checkpoint directory %q is not empty: resuming training is not supported", dir)
	}
	handler, err := checkpoints.Build(ctx).Dir(dir).Keep(cfg.NumCheckpoints).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "creating checkpoint in %q", dir)
	}
	return handler, nil
}

// WithOutput sets where the per-epoch lines and the final summary are printed. Default is os.Stdout.
// It returns itself.
func (e *Experiment) WithOutput(w io.Writer) *Experiment {
	e.out = w
	return e
}

// Trainer used by the experiment.
func (e *Experiment) Trainer() *train.Trainer { return e.trainer }

// Chunks returns the example indices of each chunk.
func (e *Experiment) Chunks() [][]int { return e.chunks }

// Checkpoint returns the checkpoint handler, or nil if not checkpointing.
func (e *Experiment) Checkpoint() *checkpoints.Handler { return e.checkpoint }

// Run trains over all chunks, and returns the results of every epoch trained.
// In case of error, the results of the epochs completed so far are returned along with it.
func (e *Experiment) Run() ([]EpochResult, error) {
	if e.ran {
		return nil, errors.New("Experiment.Run can only be called once")
	}
	e.ran = true
	if e.run != nil {
		err := e.run.UpdateConfig(map[string]any{
			"num_chunks":      e.cfg.NumChunks,
			"num_epochs":      e.cfg.EpochsPerChunk,
			"chunk_size":      len(e.chunks[0]),
			"num_train":       e.data.NumTrain(),
			"num_test":        e.data.NumTest(),
			"batch_size":      e.cfg.BatchSize,
			"reset_optimizer": e.cfg.ResetOptimizer,
		})
		if err != nil {
			klog.Errorf("Failed to update tracking run config: %+v", err)
		}
	}

	bar := e.newProgressBar()
	var results []EpochResult
	globalEpoch := 0
	for chunkIdx, chunk := range e.chunks {
		e.buffer.Add(chunk)
		if numEpochs := e.cfg.EpochsPerChunk[chunkIdx]; numEpochs > 0 {
			chunkResults, err := e.trainChunk(chunkIdx, globalEpoch)
			results = append(results, chunkResults...)
			if err != nil {
				return results, err
			}
			globalEpoch += numEpochs
		} else {
			klog.Infof("Chunk %d/%d: 0 epochs, only accumulating (%d examples buffered)",
				chunkIdx+1, len(e.chunks), e.buffer.Len())
		}
		if e.checkpoint != nil {
			if err := e.checkpoint.Save(); err != nil {
				return results, errors.WithMessagef(err, "saving checkpoint after chunk %d", chunkIdx+1)
			}
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	if len(results) > 0 {
		_, _ = fmt.Fprintln(e.out, e.summaryTable(results))
	}
	return results, nil
}

// DescribeModel lists the variables under the scope of ctx, one per line with its shape, sorted by
// name. It also returns the total number of parameters.
func DescribeModel(ctx *context.Context) (string, int) {
	var variables []*context.Variable
	ctx.EnumerateVariablesInScope(func(v *context.Variable) {
		variables = append(variables, v)
	})
	slices.SortFunc(variables, func(a, b *context.Variable) int {
		return strings.Compare(a.ScopeAndName(), b.ScopeAndName())
	})
	var sb strings.Builder
	numParams := 0
	for _, v := range variables {
		numParams += v.Shape().Size()
		fmt.Fprintf(&sb, "\t%s: %s\n", v.ScopeAndName(), v.Shape())
	}
	return sb.String(), numParams
}

func (e *Experiment) modelType() string {
	return context.GetParamOr(e.ctx, models.ParamModel, models.ValidModels[0])
}

func (e *Experiment) trainChunk(chunkIdx, globalEpoch int) (results []EpochResult, err error) {
	numEpochs := e.cfg.EpochsPerChunk[chunkIdx]
	name := fmt.Sprintf("chunks 1-%d", chunkIdx+1)
	ds, err := e.buffer.Dataset(e.backend, name, e.data.TrainImages, e.data.TrainLabels)
	if err != nil {
		return nil, err
	}
	defer ds.FinalizeAll()
	var averagesDS train.Dataset
	if e.cfg.ExactBatchNorm {
		averagesDS = ds.Copy().BatchSize(e.cfg.EvalBatchSize, false)
	}
	trainDS := ds.BatchSize(e.cfg.BatchSize, false).Shuffle()
	klog.V(1).Infof("Chunk %d/%d: training %d epochs on %d examples", chunkIdx+1, len(e.chunks), numEpochs, e.buffer.Len())

	modelCtx := e.trainer.Context()
	if e.cfg.ResetOptimizer || chunkIdx == 0 {
		if err = e.optimizer.Reset(modelCtx); err != nil {
			return nil, errors.WithMessagef(err, "resetting optimizer for chunk %d", chunkIdx+1)
		}
	}
	for epoch := range numEpochs {
		lr := momentum.StepDecay(e.optimizer.BaseLearningRate(), e.lrDecay, epoch)
		if err = momentum.SetLearningRate(modelCtx, lr); err != nil {
			return results, err
		}
		e.stats.reset()
		lastMetrics, err := e.loop.RunEpochs(trainDS, 1)
		if err != nil {
			return results, errors.WithMessagef(err, "training chunk %d/%d, epoch %d/%d",
				chunkIdx+1, len(e.chunks), epoch+1, numEpochs)
		}
		for _, m := range lastMetrics {
			m.MustFinalizeAll()
		}
		if !e.modelLogged && klog.V(1).Enabled() {
			// Variables only exist after the first training graph is built.
			e.modelLogged = true
			description, numParams := DescribeModel(modelCtx)
			klog.Infof("Model %q with %d parameters:\n%s", e.modelType(), numParams, description)
		}
		result := EpochResult{
			Chunk:         chunkIdx + 1,
			NumChunks:     len(e.chunks),
			Epoch:         epoch + 1,
			NumEpochs:     numEpochs,
			GlobalEpoch:   globalEpoch + epoch,
			NumExamples:   e.buffer.Len(),
			LearningRate:  lr,
			Loss:          e.stats.meanLoss(),
			TrainAccuracy: e.stats.accuracy(),
		}
		result.TestLoss, result.TestAccuracy, err = e.evaluate(averagesDS)
		if err != nil {
			return results, errors.WithMessagef(err, "evaluating chunk %d/%d, epoch %d/%d",
				chunkIdx+1, len(e.chunks), epoch+1, numEpochs)
		}
		results = append(results, result)
		_, _ = fmt.Fprintln(e.out, result.String())
		if e.run != nil {
			if err := e.run.Log(result.Row()); err != nil {
				klog.Errorf("Failed to log epoch to tracking run: %+v", err)
			}
		}
	}
	return results, nil
}

// evaluate returns the loss and accuracy over the test split. If averagesDS is given, the batch normalization
// averages are first recalculated over it.
func (e *Experiment) evaluate(averagesDS train.Dataset) (loss, accuracy float64, err error) {
	if averagesDS != nil {
		if _, err = batchnorm.UpdateAverages(e.trainer, averagesDS); err != nil {
			return
		}
	}
	values, err := e.trainer.Eval(e.testDS)
	if err != nil {
		return
	}
	defer func() {
		for _, v := range values {
			_ = v.FinalizeAll()
		}
	}()
	if loss, err = scalarFloat(values[e.testLossIdx]); err != nil {
		return
	}
	accuracy, err = scalarFloat(values[e.testAccuracyIdx])
	return
}

func (e *Experiment) newProgressBar() *progressbar.ProgressBar {
	if !e.cfg.ShowProgressBar {
		return nil
	}
	return progressbar.NewOptions(len(e.chunks),
		progressbar.OptionSetDescription("Chunks"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionOnCompletion(func() { _, _ = fmt.Fprintln(os.Stderr) }),
	)
}

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// summaryTable renders the last epoch of each chunk.
func (e *Experiment) summaryTable(results []EpochResult) string {
	renderer := lipgloss.NewRenderer(e.out)
	renderer.SetColorProfile(termenv.NewOutput(e.out).EnvColorProfile())
	headerStyle := renderer.NewStyle().Bold(true).Padding(0, 1)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(renderer.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		Headers("Chunk", "Examples", "Epochs", "Loss", "Train Acc.", "Test Acc.").
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == lgtable.HeaderRow:
				return headerStyle
			case col == 0:
				return normalStyle
			}
			return rightAlignedStyle
		})
	for ii, result := range results {
		if ii+1 < len(results) && results[ii+1].Chunk == result.Chunk {
			continue
		}
		table.Row(
			fmt.Sprintf("%d/%d", result.Chunk, result.NumChunks),
			strconv.Itoa(result.NumExamples),
			strconv.Itoa(result.NumEpochs),
			fmt.Sprintf("%.4f", result.Loss),
			fmt.Sprintf("%.2f%%", 100*result.TrainAccuracy),
			fmt.Sprintf("%.2f%%", 100*result.TestAccuracy),
		)
	}
	return table.String()
}
