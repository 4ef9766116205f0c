// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package chunks partitions a training split into equal-size random chunks, and accumulates them
// into a growing buffer used to simulate incrementally arriving training data.
package chunks

import (
	"math/rand"
	"slices"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Split returns numChunks disjoint chunks of example indices, each with numExamples/numChunks elements,
// taken from a random permutation of [0, numExamples) seeded with seed.
//
// The remainder numExamples%numChunks examples are not assigned to any chunk.
func Split(numExamples, numChunks int, seed int64) ([][]int, error) {
	if numChunks <= 0 {
		return nil, errors.Errorf("number of chunks must be > 0, got %d", numChunks)
	}
	if numChunks > numExamples {
		return nil, errors.Errorf("cannot split %d examples into %d chunks", numExamples, numChunks)
	}
	rng := rand.New(rand.NewSource(seed))
	perm := rng.Perm(numExamples)
	chunkSize := numExamples / numChunks
	if dropped := numExamples - chunkSize*numChunks; dropped > 0 {
		klog.Warningf("splitting %d examples into %d chunks of %d: %d examples left out", numExamples, numChunks, chunkSize, dropped)
	}
	chunks := make([][]int, numChunks)
	for ii := range chunks {
		chunks[ii] = perm[ii*chunkSize : (ii+1)*chunkSize : (ii+1)*chunkSize]
	}
	return chunks, nil
}

// Gather copies the examples selected by indices from images and labels into new host tensors.
//
// Both images and labels must have the examples on their first axis.
func Gather(images, labels *tensors.Tensor, indices []int) (gatheredImages, gatheredLabels *tensors.Tensor, err error) {
	gatheredImages, err = gatherRows(images, indices)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "gathering images")
	}
	gatheredLabels, err = gatherRows(labels, indices)
	if err != nil {
		_ = gatheredImages.FinalizeAll()
		return nil, nil, errors.WithMessage(err, "gathering labels")
	}
	return
}

func gatherRows(t *tensors.Tensor, indices []int) (*tensors.Tensor, error) {
	shape := t.Shape()
	if shape.Rank() == 0 {
		return nil, errors.Errorf("cannot gather rows from a scalar tensor")
	}
	numRows := shape.Dimensions[0]
	rowSize := shape.Size() / max(numRows, 1)
	rowBytes := rowSize * shape.DType.Size()
	newDims := slices.Clone(shape.Dimensions)
	newDims[0] = len(indices)
	gathered := tensors.FromShape(shapes.Make(shape.DType, newDims...))
	var rangeErr error
	err := t.ConstBytes(func(src []byte) {
		err := gathered.MutableBytes(func(dst []byte) {
			for ii, idx := range indices {
				if idx < 0 || idx >= numRows {
					rangeErr = errors.Errorf("index %d out of range [0, %d)", idx, numRows)
					return
				}
				copy(dst[ii*rowBytes:(ii+1)*rowBytes], src[idx*rowBytes:(idx+1)*rowBytes])
			}
		})
		if rangeErr == nil {
			rangeErr = err
		}
	})
	if err == nil {
		err = rangeErr
	}
	if err != nil {
		_ = gathered.FinalizeAll()
		return nil, err
	}
	return gathered, nil
}

// Buffer accumulates chunks of example indices, in the order they are added.
type Buffer struct {
	indices   []int
	numChunks int
}

// Add appends the chunk to the buffer.
func (b *Buffer) Add(chunk []int) {
	b.indices = append(b.indices, chunk...)
	b.numChunks++
}

// Indices returns all indices added so far, in order. The returned slice must not be modified.
func (b *Buffer) Indices() []int { return b.indices }

// Len returns the number of examples in the buffer.
func (b *Buffer) Len() int { return len(b.indices) }

// NumChunks returns how many chunks were added.
func (b *Buffer) NumChunks() int { return b.numChunks }

// Dataset creates an in-memory dataset (in the backend's device) with the buffered examples
// taken from images and labels.
func (b *Buffer) Dataset(backend backends.Backend, name string, images, labels *tensors.Tensor) (*datasets.InMemoryDataset, error) {
	if b.Len() == 0 {
		return nil, errors.Errorf("buffer %q is empty", name)
	}
	bufImages, bufLabels, err := Gather(images, labels, b.indices)
	if err != nil {
		return nil, err
	}
	ds, err := datasets.InMemoryFromData(backend, name, []any{bufImages}, []any{bufLabels})
	if err != nil {
		return nil, errors.WithMessagef(err, "creating dataset %q with %d examples", name, b.Len())
	}
	return ds, nil
}
