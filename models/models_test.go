package models

import (
	"fmt"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestAllConvOutputSize(t *testing.T) {
	assert.Equal(t, 13, AllConvOutputSize(32, 1))
	assert.Equal(t, 5, AllConvOutputSize(32, 2))
	assert.Equal(t, 1, AllConvOutputSize(32, 3))
	assert.Equal(t, 0, AllConvOutputSize(32, 4))
}

func TestValidateDepth(t *testing.T) {
	for depth := 1; depth <= 3; depth++ {
		require.NoError(t, ValidateDepth("allconv", depth, 32))
		require.NoError(t, ValidateDepth("plain", depth, 32))
	}
	require.Error(t, ValidateDepth("allconv", 0, 32))
	require.Error(t, ValidateDepth("allconv", 4, 32))
	require.Error(t, ValidateDepth("plain", 4, 32))
	require.Error(t, ValidateDepth("plain", 2, 4))
}

func TestSelectModelFn(t *testing.T) {
	ctx := context.New()
	SetDefaultParams(ctx)
	fn, err := SelectModelFn(ctx)
	require.NoError(t, err)
	require.NotNil(t, fn)

	ctx.SetParam(ParamModel, "plain")
	fn, err = SelectModelFn(ctx)
	require.NoError(t, err)
	require.NotNil(t, fn)

	ctx.SetParam(ParamModel, "resnet")
	_, err = SelectModelFn(ctx)
	require.Error(t, err)

	ctx.SetParam(ParamModel, "allconv")
	ctx.SetParam(ParamDepth, 4)
	_, err = SelectModelFn(ctx)
	require.Error(t, err)
}

func TestModelsOutputShape(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, modelType := range ValidModels {
		for depth := 1; depth <= 3; depth++ {
			t.Run(fmt.Sprintf("%s-depth%d", modelType, depth), func(t *testing.T) {
				ctx := context.New()
				SetDefaultParams(ctx)
				ctx.SetParams(map[string]any{
					ParamModel:               modelType,
					ParamDepth:               depth,
					ParamAllConvBaseChannels: 2,
					ParamPlainBaseChannels:   2,
					ParamPlainHiddenUnits:    4,
				})
				modelFn, err := SelectModelFn(ctx)
				require.NoError(t, err)
				gotT := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
					x := Ones(g, shapes.Make(dtypes.Float32, 2, 32, 32, 3))
					return modelFn(ctx, nil, []*Node{x})[0]
				})
				require.NoError(t, gotT.Shape().Check(dtypes.Float32, 2, NumClasses))
			})
		}
	}
}
