// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package momentum implements stochastic gradient descent with (heavy-ball) momentum and coupled L2 weight decay,
// as an optimizers.Interface.
//
// For each trainable variable w with gradient g, one step does:
//
//	g' = g + weightDecay * w
//	v  = momentum * v + g'
//	w  = w - learningRate * v
//
// The velocities v start at zero. The learning rate is held in the usual optimizers learning-rate variable,
// so it can be changed from the host between steps, see SetLearningRate and StepDecay.
package momentum

import (
	"fmt"
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

const (
	// DefaultLearningRate is used if no learning rate is configured.
	DefaultLearningRate = 0.05

	// DefaultMomentum is the default velocity decay.
	DefaultMomentum = 0.9

	// DefaultWeightDecay is the default L2 coefficient added to the gradients.
	DefaultWeightDecay = 1e-3

	// DefaultLearningRateDecay is the default multiplicative decay applied to the learning rate after each epoch.
	DefaultLearningRateDecay = 0.97

	// DefaultScope is the scope where the velocities are stored.
	DefaultScope = "MomentumOptimizer"

	// ParamMomentum is the context hyperparameter for the momentum. A float64.
	ParamMomentum = "sgd_momentum"

	// ParamWeightDecay is the context hyperparameter for the weight decay. A float64.
	ParamWeightDecay = "sgd_weight_decay"

	// ParamLearningRateDecay is the context hyperparameter for the per-epoch learning rate decay, see StepDecay.
	// A float64.
	ParamLearningRateDecay = "lr_decay"

	velocitySuffix = "_velocity"
)

// SetDefaultParams sets the hyperparameters used by the optimizer, with their default values.
func SetDefaultParams(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		optimizers.ParamLearningRate: DefaultLearningRate,
		ParamMomentum:                DefaultMomentum,
		ParamWeightDecay:             DefaultWeightDecay,
		ParamLearningRateDecay:       DefaultLearningRateDecay,
	})
}

// Config for the momentum optimizer. Create it with New, and once configured call Done.
type Config struct {
	scopeName    string
	learningRate float64
	momentum     float64
	weightDecay  float64
}

// New returns a configuration with the default values.
func New() *Config {
	return &Config{
		scopeName:    DefaultScope,
		learningRate: DefaultLearningRate,
		momentum:     DefaultMomentum,
		weightDecay:  DefaultWeightDecay,
	}
}

// FromContext configures the optimizer from the context hyperparameters optimizers.ParamLearningRate,
// ParamMomentum and ParamWeightDecay. Missing ones keep their current value.
func (c *Config) FromContext(ctx *context.Context) *Config {
	c.learningRate = context.GetParamOr(ctx, optimizers.ParamLearningRate, c.learningRate)
	c.momentum = context.GetParamOr(ctx, ParamMomentum, c.momentum)
	c.weightDecay = context.GetParamOr(ctx, ParamWeightDecay, c.weightDecay)
	return c
}

// LearningRate sets the base learning rate.
func (c *Config) LearningRate(value float64) *Config {
	c.learningRate = value
	return c
}

// Momentum sets the velocity decay. 0 makes it plain SGD.
func (c *Config) Momentum(value float64) *Config {
	c.momentum = value
	return c
}

// WeightDecay sets the L2 coefficient added to the gradients. 0 disables it.
func (c *Config) WeightDecay(value float64) *Config {
	c.weightDecay = value
	return c
}

// Scope sets the top-level scope used to store the velocities. It defaults to DefaultScope.
func (c *Config) Scope(name string) *Config {
	c.scopeName = name
	return c
}

// Done validates the configuration and returns the optimizer.
func (c *Config) Done() *Optimizer {
	if c.learningRate <= 0 {
		exceptions.Panicf("momentum optimizer requires learning rate > 0, got %g", c.learningRate)
	}
	if c.momentum < 0 || c.momentum >= 1 {
		exceptions.Panicf("momentum optimizer requires momentum in [0, 1), got %g", c.momentum)
	}
	if c.weightDecay < 0 {
		exceptions.Panicf("momentum optimizer requires weight decay >= 0, got %g", c.weightDecay)
	}
	return &Optimizer{config: c}
}

// Optimizer implements optimizers.Interface.
type Optimizer struct {
	config *Config
}

var _ optimizers.Interface = (*Optimizer)(nil)

// BaseLearningRate returns the configured learning rate, the value used at the start and after Reset.
func (o *Optimizer) BaseLearningRate() float64 { return o.config.learningRate }

// UpdateGraph builds the graph to update the weights for one training step.
// It implements optimizers.Interface.
func (o *Optimizer) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	_ = g
	if !loss.Shape().IsScalar() {
		exceptions.Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	o.UpdateGraphWithGradients(ctx, grads, loss.DType())
}

// UpdateGraphWithGradients applies the momentum step given the gradients of the trainable variables, in the order
// returned by context.Context.BuildTrainableVariablesGradientsGraph.
func (o *Optimizer) UpdateGraphWithGradients(ctx *context.Context, grads []*Node, lossDType dtypes.DType) {
	if len(grads) == 0 {
		exceptions.Panicf("Context.BuildTrainableVariablesGradientsGraph returned 0 gradients, are there any trainable variables ?")
	}
	g := grads[0].Graph()
	dtype := lossDType

	lrVar := optimizers.LearningRateVar(ctx, dtype, o.config.learningRate)
	learningRate := lrVar.ValueGraph(g)
	_ = optimizers.IncrementGlobalStepGraph(ctx, g, dtype)

	numTrainable := len(grads)
	varIdx := 0
	for v := range ctx.IterVariables() {
		if !v.Trainable || !v.InUseByGraph(g) {
			continue
		}
		if varIdx < numTrainable {
			o.applyGraph(ctx, g, v, grads[varIdx], learningRate)
		}
		varIdx++
	}
	if varIdx != numTrainable {
		exceptions.Panicf("Context.BuildTrainableVariablesGradientsGraph returned gradients for %d variables, but "+
			"the momentum optimizer sees %d variables -- were new variables created in between ?",
			numTrainable, varIdx)
	}
}

func (o *Optimizer) applyGraph(ctx *context.Context, g *Graph, v *context.Variable, grad, learningRate *Node) {
	value := v.ValueGraph(g)
	dtype := value.DType()
	if grad.DType() != dtype {
		grad = ConvertDType(grad, dtype)
	}
	if learningRate.DType() != dtype {
		learningRate = ConvertDType(learningRate, dtype)
	}
	optimizers.TraceNaNInGradients(ctx, v, grad)
	grad = optimizers.ClipNaNsInGradients(ctx, grad)

	if o.config.weightDecay > 0 {
		grad = Add(grad, MulScalar(value, o.config.weightDecay))
	}
	velocityVar := o.velocityVar(ctx, v)
	velocity := velocityVar.ValueGraph(g)
	if o.config.momentum > 0 {
		velocity = Add(MulScalar(velocity, o.config.momentum), grad)
	} else {
		velocity = grad
	}
	velocityVar.SetValueGraph(velocity)

	step := optimizers.ClipStepByValue(ctx, Mul(learningRate, velocity))
	updated := Sub(value, step)
	updated = optimizers.ClipNaNsInUpdates(ctx, value, updated)
	v.SetValueGraph(updated)
}

// velocityScope is the absolute scope holding the velocity of a variable in trainableScope.
func (o *Optimizer) velocityScope(trainableScope string) string {
	if trainableScope == context.RootScope {
		return context.ScopeSeparator + o.config.scopeName
	}
	return fmt.Sprintf("%s%s%s", context.ScopeSeparator, o.config.scopeName, trainableScope)
}

// velocityVar returns the velocity of the trainable variable, creating it (zero initialized) if needed.
func (o *Optimizer) velocityVar(ctx *context.Context, trainable *context.Variable) *context.Variable {
	return ctx.Checked(false).
		InAbsPath(o.velocityScope(trainable.Scope())).
		WithInitializer(initializers.Zero).
		VariableWithShape(trainable.Name()+velocitySuffix, trainable.Shape()).
		SetTrainable(false)
}

// Velocity returns the velocity variable of the trainable variable, or nil if it hasn't been created yet.
func (o *Optimizer) Velocity(ctx *context.Context, trainable *context.Variable) *context.Variable {
	return ctx.GetVariableByScopeAndName(o.velocityScope(trainable.Scope()), trainable.Name()+velocitySuffix)
}

// Clear deletes the velocities.
// It implements optimizers.Interface.
func (o *Optimizer) Clear(ctx *context.Context) error {
	return ctx.InAbsPath(context.ScopeSeparator + o.config.scopeName).DeleteVariablesInScope()
}

// Reset zeroes all velocities and restores the base learning rate, as if the optimizer had just been created.
//
// Unlike Clear it keeps the variables, so graphs already compiled by a trainer can still be used.
func (o *Optimizer) Reset(ctx *context.Context) error {
	for v := range ctx.InAbsPath(context.ScopeSeparator + o.config.scopeName).IterVariablesInScope() {
		if err := v.SetValue(tensors.FromShape(v.Shape())); err != nil {
			return errors.WithMessagef(err, "resetting velocity %s", v.ScopeAndName())
		}
	}
	return SetLearningRate(ctx, o.config.learningRate)
}

// SetLearningRate sets the value of the learning rate variable used by the optimizers.
// If the variable doesn't exist yet, it is created as a Float32.
func SetLearningRate(ctx *context.Context, value float64) error {
	lrScope := ctx.In(optimizers.Scope).Scope()
	lrVar := ctx.GetVariableByScopeAndName(lrScope, optimizers.ParamLearningRate)
	dtype := dtypes.Float32
	if lrVar != nil {
		dtype = lrVar.DType()
	} else {
		lrVar = optimizers.LearningRateVar(ctx, dtype, value)
	}
	return lrVar.SetValue(tensors.FromAnyValue(shapes.CastAsDType(value, dtype)))
}

// LearningRate returns the current value of the learning rate variable, and false if it doesn't exist.
func LearningRate(ctx *context.Context) (float64, bool) {
	lrVar := ctx.GetVariableByScopeAndName(ctx.In(optimizers.Scope).Scope(), optimizers.ParamLearningRate)
	if lrVar == nil {
		return 0, false
	}
	value, err := lrVar.Value()
	if err != nil || value == nil {
		return 0, false
	}
	switch value.DType() {
	case dtypes.Float32:
		return float64(tensors.ToScalar[float32](value)), true
	case dtypes.Float64:
		return tensors.ToScalar[float64](value), true
	}
	return 0, false
}

// StepDecay returns the learning rate after `epoch` completed epochs: base * decay^epoch.
func StepDecay(base, decay float64, epoch int) float64 {
	if epoch <= 0 {
		return base
	}
	return base * math.Pow(decay, float64(epoch))
}
