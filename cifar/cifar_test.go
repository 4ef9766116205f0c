package cifar

import (
	"os"
	"path"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeFakeFile writes numExamples records where the label is exampleIdx%10 and every pixel of
// channel c is the byte (exampleIdx + c).
func writeFakeFile(t *testing.T, filePath string, numExamples int) {
	content := make([]byte, 0, numExamples*recordSizeBytes)
	for ii := 0; ii < numExamples; ii++ {
		content = append(content, byte(ii%10))
		for c := 0; c < Depth; c++ {
			for p := 0; p < Height*Width; p++ {
				content = append(content, byte(ii+c))
			}
		}
	}
	require.NoError(t, os.WriteFile(filePath, content, 0644))
}

func writeFakeCifar(t *testing.T, numPerTrainFile, numTest int) string {
	baseDir := t.TempDir()
	dir := path.Join(baseDir, C10SubDir)
	require.NoError(t, os.MkdirAll(dir, 0777))
	for _, fileName := range TrainFiles {
		writeFakeFile(t, path.Join(dir, fileName), numPerTrainFile)
	}
	writeFakeFile(t, path.Join(dir, TestFiles[0]), numTest)
	return baseDir
}

func TestLoadCifar10(t *testing.T) {
	baseDir := writeFakeCifar(t, 3, 4)
	data, err := LoadCifar10(baseDir, dtypes.Float32)
	require.NoError(t, err)
	defer data.Finalize()

	assert.Equal(t, 15, data.NumTrain())
	assert.Equal(t, 4, data.NumTest())
	require.NoError(t, data.TrainImages.Shape().Check(dtypes.Float32, 15, Height, Width, Depth))
	require.NoError(t, data.TestLabels.Shape().Check(dtypes.Int64, 4, 1))

	labels := tensors.MustCopyFlatData[int64](data.TrainLabels)
	// Each file restarts the example counter used by writeFakeFile.
	assert.Equal(t, []int64{0, 1, 2, 0, 1, 2, 0, 1, 2, 0, 1, 2, 0, 1, 2}, labels)

	images := tensors.MustCopyFlatData[float32](data.TestImages)
	// Example 2, pixel (0,0): channels hold bytes 2, 3, 4.
	pos := 2 * imageSizeBytes
	assert.InDelta(t, 2.0/255.0, images[pos], 1e-6)
	assert.InDelta(t, 3.0/255.0, images[pos+1], 1e-6)
	assert.InDelta(t, 4.0/255.0, images[pos+2], 1e-6)
}

func TestLoadCifar10Errors(t *testing.T) {
	baseDir := writeFakeCifar(t, 1, 1)
	_, err := LoadCifar10(baseDir, dtypes.Int32)
	require.Error(t, err)

	// Partial trailing record.
	testFile := path.Join(baseDir, C10SubDir, TestFiles[0])
	require.NoError(t, os.WriteFile(testFile, make([]byte, recordSizeBytes+10), 0644))
	_, err = LoadCifar10(baseDir, dtypes.Float32)
	require.Error(t, err)

	// Missing directory.
	_, err = LoadCifar10(t.TempDir(), dtypes.Float32)
	require.Error(t, err)

	// Paths under the home directory report errors instead of panicking.
	require.NotPanics(t, func() {
		_, err = LoadCifar10("~/chunktrain-missing-cifar-dir", dtypes.Float32)
	})
	require.Error(t, err)
}

func TestNormalize(t *testing.T) {
	images := tensors.FromFlatDataAndDimensions([]float64{
		0.5, 0.5, 0.5,
		1.0, 0.0, 0.25,
	}, 2, 1, 1, Depth)
	mean := [Depth]float64{0.5, 0.0, 0.25}
	std := [Depth]float64{0.5, 2.0, 0.25}
	require.NoError(t, Normalize(images, mean, std))
	got := tensors.MustCopyFlatData[float64](images)
	assert.InDeltaSlice(t, []float64{0, 0.25, 1, 1, 0, 0}, got, 1e-9)

	bad := tensors.FromFlatDataAndDimensions([]float32{1, 2}, 1, 2)
	require.Error(t, Normalize(bad, mean, std))
	require.Error(t, Normalize(images, mean, [Depth]float64{1, 0, 1}))
}

func TestLabelName(t *testing.T) {
	assert.Equal(t, "airplane", LabelName(0))
	assert.Equal(t, "truck", LabelName(9))
	assert.Equal(t, "invalid_label_10", LabelName(10))
}
