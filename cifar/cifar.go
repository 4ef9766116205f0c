// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cifar downloads and loads the Cifar-10 dataset into host tensors.
// Information about it in https://www.cs.toronto.edu/~kriz/cifar.html
package cifar

import (
	"fmt"
	"os"
	"path"

	"github.com/gomlx/chunktrain/internal/downloader"
	"github.com/gomlx/chunktrain/internal/workerspool"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	C10Url     = "https://www.cs.toronto.edu/~kriz/cifar-10-binary.tar.gz"
	C10TarName = "cifar-10-binary.tar.gz"
	C10SubDir  = "cifar-10-batches-bin"
	c10SHA256  = "c4a38c50a1bc5f3a1c5537f2155ab9d68f9f25eb1ed8d9ddda3db29a59bca1dd"

	// NumTrainExamples in the full Cifar-10 training split.
	NumTrainExamples = 50000

	// NumTestExamples in the full Cifar-10 test split.
	NumTestExamples = 10000
)

// Width, Height and Depth are the dimensions of the images.
const (
	Width  int = 32
	Height int = 32
	Depth  int = 3
)

const (
	imageSizeBytes  = Height * Width * Depth
	recordSizeBytes = imageSizeBytes + 1
)

var (
	// C10Labels are the names of the 10 classes, indexed by label.
	C10Labels = []string{"airplane", "automobile", "bird", "cat", "deer", "dog", "frog", "horse", "ship", "truck"}

	// TrainFiles holds the names of the training files, under C10SubDir.
	TrainFiles = []string{"data_batch_1.bin", "data_batch_2.bin", "data_batch_3.bin", "data_batch_4.bin", "data_batch_5.bin"}

	// TestFiles holds the names of the test files, under C10SubDir.
	TestFiles = []string{"test_batch.bin"}

	// DefaultMean and DefaultStd are the per-channel (RGB) statistics used to normalize the images.
	DefaultMean = [Depth]float64{0.4914, 0.4822, 0.4465}
	DefaultStd  = [Depth]float64{0.2023, 0.1994, 0.2010}
)

// DownloadCifar10 downloads and untars the binary version of Cifar-10 into baseDir, if not there yet.
func DownloadCifar10(baseDir string) error {
	return downloader.DownloadAndUntarIfMissing(C10Url, baseDir, C10TarName, C10SubDir, c10SHA256)
}

// Data holds the train and test splits, as host tensors.
//
// Images are shaped [numExamples, Height, Width, Depth] with values in [0, 1] (before normalization),
// and labels are shaped [numExamples, 1] of Int64.
type Data struct {
	TrainImages, TrainLabels *tensors.Tensor
	TestImages, TestLabels   *tensors.Tensor
}

// NumTrain returns the number of training examples loaded.
func (d *Data) NumTrain() int { return d.TrainLabels.Shape().Dimensions[0] }

// NumTest returns the number of test examples loaded.
func (d *Data) NumTest() int { return d.TestLabels.Shape().Dimensions[0] }

// Finalize immediately frees the tensors.
func (d *Data) Finalize() {
	for _, t := range []*tensors.Tensor{d.TrainImages, d.TrainLabels, d.TestImages, d.TestLabels} {
		if t != nil {
			_ = t.FinalizeAll()
		}
	}
}

// LoadCifar10 reads the train and test files found in baseDir/C10SubDir.
//
// Each file is read to the end, so smaller files are accepted, as long as they only hold whole records.
// Only Float32 and Float64 dtypes are supported.
func LoadCifar10(baseDir string, dtype dtypes.DType) (*Data, error) {
	if dtype != dtypes.Float32 && dtype != dtypes.Float64 {
		return nil, errors.Errorf("DType %s not supported for Cifar-10 images, use Float32 or Float64", dtype)
	}
	baseDir, err := fsutil.ReplaceTildeInDir(baseDir)
	if err != nil {
		return nil, errors.WithMessagef(err, "resolving Cifar-10 directory %q", baseDir)
	}
	dir := path.Join(baseDir, C10SubDir)
	data := &Data{}
	data.TrainImages, data.TrainLabels, err = loadFiles(dir, TrainFiles, dtype)
	if err != nil {
		return nil, errors.WithMessage(err, "loading Cifar-10 train split")
	}
	data.TestImages, data.TestLabels, err = loadFiles(dir, TestFiles, dtype)
	if err != nil {
		data.Finalize()
		return nil, errors.WithMessage(err, "loading Cifar-10 test split")
	}
	klog.V(1).Infof("Loaded Cifar-10 from %q: %d train and %d test examples", dir, data.NumTrain(), data.NumTest())
	return data, nil
}

func loadFiles(dir string, fileNames []string, dtype dtypes.DType) (images, labels *tensors.Tensor, err error) {
	contents := make([][]byte, 0, len(fileNames))
	numExamples := 0
	for _, fileName := range fileNames {
		dataFile := path.Join(dir, fileName)
		content, err := os.ReadFile(dataFile)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "reading data file %q", dataFile)
		}
		if len(content)%recordSizeBytes != 0 {
			return nil, nil, errors.Errorf("data file %q has %d bytes, not a multiple of the record size %d",
				dataFile, len(content), recordSizeBytes)
		}
		numExamples += len(content) / recordSizeBytes
		contents = append(contents, content)
	}

	images = tensors.FromShape(shapes.Make(dtype, numExamples, Height, Width, Depth))
	labels = tensors.FromShape(shapes.Make(dtypes.Int64, numExamples, 1))
	tensors.MustMutableFlatData[int64](labels, func(labelsData []int64) {
		switch dtype {
		case dtypes.Float32:
			tensors.MustMutableFlatData[float32](images, func(imagesData []float32) {
				decodeRecords(contents, imagesData, labelsData)
			})
		case dtypes.Float64:
			tensors.MustMutableFlatData[float64](images, func(imagesData []float64) {
				decodeRecords(contents, imagesData, labelsData)
			})
		}
	})
	return images, labels, nil
}

// decodeRecords decodes the records of each file in parallel, one task per file.
func decodeRecords[T float32 | float64](contents [][]byte, imagesData []T, labelsData []int64) {
	pool := workerspool.New()
	firstExample := 0
	for _, content := range contents {
		first := firstExample
		pool.Go(func() {
			for pos, exampleIdx := 0, first; pos < len(content); pos, exampleIdx = pos+recordSizeBytes, exampleIdx+1 {
				record := content[pos : pos+recordSizeBytes]
				labelsData[exampleIdx] = int64(record[0])
				decodeImage(record[1:], imagesData[exampleIdx*imageSizeBytes:(exampleIdx+1)*imageSizeBytes])
			}
		})
		firstExample += len(content) / recordSizeBytes
	}
	pool.Wait()
}

// decodeImage converts the channel-major image bytes to channels-last values scaled to [0, 1].
func decodeImage[T float32 | float64](image []byte, dst []T) {
	pos := 0
	for h := 0; h < Height; h++ {
		for w := 0; w < Width; w++ {
			for d := 0; d < Depth; d++ {
				dst[pos] = T(image[d*(Height*Width)+h*Width+w]) / T(255)
				pos++
			}
		}
	}
}

// Normalize the images in-place, per channel: (x - mean[c]) / std[c].
// The images tensor must be channels-last, with Depth channels.
func Normalize(images *tensors.Tensor, mean, std [Depth]float64) error {
	dims := images.Shape().Dimensions
	if len(dims) == 0 || dims[len(dims)-1] != Depth {
		return errors.Errorf("Normalize expects channels-last images with %d channels, got shape %s", Depth, images.Shape())
	}
	for c, s := range std {
		if s == 0 {
			return errors.Errorf("Normalize got std=0 for channel %d", c)
		}
	}
	switch images.DType() {
	case dtypes.Float32:
		normalizeFlat[float32](images, mean, std)
	case dtypes.Float64:
		normalizeFlat[float64](images, mean, std)
	default:
		return errors.Errorf("Normalize doesn't support dtype %s", images.DType())
	}
	return nil
}

func normalizeFlat[T float32 | float64](images *tensors.Tensor, mean, std [Depth]float64) {
	tensors.MustMutableFlatData[T](images, func(flat []T) {
		for ii := range flat {
			c := ii % Depth
			flat[ii] = T((float64(flat[ii]) - mean[c]) / std[c])
		}
	})
}

// Load downloads (if needed), loads and normalizes Cifar-10 with the default statistics.
func Load(baseDir string, dtype dtypes.DType) (*Data, error) {
	if err := DownloadCifar10(baseDir); err != nil {
		return nil, errors.WithMessage(err, "downloading Cifar-10")
	}
	data, err := LoadCifar10(baseDir, dtype)
	if err != nil {
		return nil, err
	}
	for _, images := range []*tensors.Tensor{data.TrainImages, data.TestImages} {
		if err = Normalize(images, DefaultMean, DefaultStd); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// LabelName returns the class name of the label, or a placeholder if out of range.
func LabelName(label int) string {
	if label < 0 || label >= len(C10Labels) {
		return fmt.Sprintf("invalid_label_%d", label)
	}
	return C10Labels[label]
}
