package momentum

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// halfSquaredNorm is a loss whose gradient with respect to the predictions is the predictions themselves.
func halfSquaredNorm(_, predictions []*Node) *Node {
	return MulScalar(ReduceAllSum(Square(predictions[0])), 0.5)
}

func weightsModel(ctx *context.Context, _ any, inputs []*Node) []*Node {
	g := inputs[0].Graph()
	w := ctx.In("model").VariableWithValue("w", []float32{1, 2})
	return []*Node{w.ValueGraph(g)}
}

func TestOptimizer(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	opt := New().LearningRate(0.1).Momentum(0.5).WeightDecay(0.1).Done()
	trainer := train.NewTrainer(backend, ctx, weightsModel, halfSquaredNorm, opt, nil, nil)
	input := tensors.FromScalar(float32(0))
	label := tensors.FromScalar(float32(0))

	step := func() {
		_, err := trainer.TrainStep(nil, []*tensors.Tensor{input}, []*tensors.Tensor{label})
		require.NoError(t, err)
	}
	weights := func() []float32 {
		wVar := ctx.GetVariableByScopeAndName("/model", "w")
		require.NotNil(t, wVar)
		return tensors.MustCopyFlatData[float32](wVar.MustValue())
	}

	// Step 1: g'=1.1*w=[1.1, 2.2], v=g', w=w-0.1*v.
	step()
	assert.InDeltaSlice(t, []float32{0.89, 1.78}, weights(), 1e-5)

	// Step 2: g'=1.1*w=[0.979, 1.958], v=0.5*v+g'=[1.529, 3.058].
	step()
	assert.InDeltaSlice(t, []float32{0.7371, 1.4742}, weights(), 1e-5)

	wVar := ctx.GetVariableByScopeAndName("/model", "w")
	velocity := opt.Velocity(ctx, wVar)
	require.NotNil(t, velocity)
	assert.InDeltaSlice(t, []float32{1.529, 3.058}, tensors.MustCopyFlatData[float32](velocity.MustValue()), 1e-5)
	assert.Equal(t, int64(2), optimizers.GetGlobalStep(ctx))

	// Changing the learning rate from the host affects the next steps.
	require.NoError(t, SetLearningRate(ctx, 0.01))
	lr, found := LearningRate(ctx)
	require.True(t, found)
	assert.InDelta(t, 0.01, lr, 1e-7)

	// Reset zeroes the velocity and restores the base learning rate:
	// step 3 behaves like a first step from the current weights.
	require.NoError(t, opt.Reset(ctx))
	lr, _ = LearningRate(ctx)
	assert.InDelta(t, 0.1, lr, 1e-7)
	assert.Equal(t, []float32{0, 0}, tensors.MustCopyFlatData[float32](velocity.MustValue()))
	step()
	assert.InDeltaSlice(t, []float32{0.656019, 1.312038}, weights(), 1e-5)

	require.NoError(t, opt.Clear(ctx))
	assert.Nil(t, opt.Velocity(ctx, wVar))
}

func TestFromContext(t *testing.T) {
	ctx := context.New()
	SetDefaultParams(ctx)
	opt := New().FromContext(ctx).Done()
	assert.Equal(t, DefaultLearningRate, opt.BaseLearningRate())

	ctx.SetParams(map[string]any{
		optimizers.ParamLearningRate: 0.2,
		ParamMomentum:                0.0,
		ParamWeightDecay:             0.0,
	})
	cfg := New().FromContext(ctx)
	assert.Equal(t, 0.2, cfg.learningRate)
	assert.Equal(t, 0.0, cfg.momentum)
	assert.Equal(t, 0.0, cfg.weightDecay)

	require.Panics(t, func() { New().Momentum(1.0).Done() })
	require.Panics(t, func() { New().LearningRate(0).Done() })
	require.Panics(t, func() { New().WeightDecay(-1).Done() })
}

func TestStepDecay(t *testing.T) {
	assert.Equal(t, 0.05, StepDecay(0.05, 0.97, 0))
	assert.InDelta(t, 0.05*0.97, StepDecay(0.05, 0.97, 1), 1e-12)
	assert.InDelta(t, 0.05*0.97*0.97*0.97, StepDecay(0.05, 0.97, 3), 1e-12)
	assert.Equal(t, 0.05, StepDecay(0.05, 0.97, -1))
}
