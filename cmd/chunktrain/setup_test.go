package main

import (
	"os"
	"testing"

	"github.com/gomlx/chunktrain/incremental"
	"github.com/gomlx/chunktrain/models"
	"github.com/gomlx/chunktrain/tracking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectGPU(t *testing.T) {
	t.Setenv(cudaDevicesEnv, "")
	require.NoError(t, os.Unsetenv(cudaDevicesEnv))
	selectGPU(-1)
	_, found := os.LookupEnv(cudaDevicesEnv)
	assert.False(t, found)

	selectGPU(1)
	assert.Equal(t, "1", os.Getenv(cudaDevicesEnv))

	// Already set: not overwritten.
	selectGPU(3)
	assert.Equal(t, "1", os.Getenv(cudaDevicesEnv))
}

func TestNewSinks(t *testing.T) {
	assert.Empty(t, newSinks("", "", ""))
	sinks := newSinks(t.TempDir(), "http://localhost:1234", "key")
	require.Len(t, sinks, 2)
	assert.IsType(t, &tracking.LocalSink{}, sinks[0])
	assert.IsType(t, &tracking.RemoteSink{}, sinks[1])
}

func TestCreateDefaultContext(t *testing.T) {
	ctx := createDefaultContext()
	model, found := ctx.GetParam(models.ParamModel)
	require.True(t, found)
	assert.Equal(t, "allconv", model)
	batchSize, found := ctx.GetParam(incremental.ParamBatchSize)
	require.True(t, found)
	assert.Equal(t, 128, batchSize)
}

func TestRunConfig(t *testing.T) {
	ctx := createDefaultContext()
	ctx.SetParam(models.ParamDepth, 3)
	config := runConfig(ctx)
	assert.Equal(t, 3, config[models.ParamDepth])
	assert.Equal(t, 2, config["num_chunks"])
	assert.Equal(t, "100,100", config["num_epochs"])
	assert.Equal(t, int64(42), config["seed"])
	assert.Equal(t, 128, config[incremental.ParamBatchSize])
	assert.NotContains(t, config, "tracking_url")
}
