// Package tensor implements the float32 tensor runtime the training loop is
// driven against: dense tensors, gradient-carrying variables and a tape-based
// reverse-mode graph.
//
// The batch axis is always axis 0. Contiguous batch-axis slices of a tensor
// are therefore contiguous slices of its flat data, which is what makes
// zero-copy sharding (see Split) possible.
package tensor

import (
	"slices"

	"github.com/gomlx/exceptions"
)

// Tensor is a dense float32 tensor in row-major layout.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New returns a zero-filled tensor of the given shape.
func New(shape ...int) *Tensor {
	return &Tensor{Shape: shape, Data: make([]float32, numElements(shape))}
}

// NewFrom wraps the given data. The data length must match the shape.
func NewFrom(data []float32, shape ...int) *Tensor {
	if len(data) != numElements(shape) {
		exceptions.Panicf("tensor.NewFrom: %d elements for shape %v", len(data), shape)
	}
	return &Tensor{Shape: shape, Data: data}
}

// Size returns the total number of elements.
func (t *Tensor) Size() int { return numElements(t.Shape) }

// Dim returns the extent of the given axis.
func (t *Tensor) Dim(axis int) int { return t.Shape[axis] }

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return len(t.Shape) }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}
}

// Zero sets every element to 0.
func (t *Tensor) Zero() {
	for i := range t.Data {
		t.Data[i] = 0
	}
}

// rowSize is the number of elements per batch row.
func (t *Tensor) rowSize() int {
	if len(t.Shape) == 0 || t.Shape[0] == 0 {
		return 0
	}
	return t.Size() / t.Shape[0]
}

// Ints is a dense int32 tensor, used for token ids, targets and alignments.
// It never carries gradients.
type Ints struct {
	Shape []int
	Data  []int32
}

// NewInts returns a zero-filled int32 tensor of the given shape.
func NewInts(shape ...int) *Ints {
	return &Ints{Shape: shape, Data: make([]int32, numElements(shape))}
}

// NewIntsFrom wraps the given data. The data length must match the shape.
func NewIntsFrom(data []int32, shape ...int) *Ints {
	if len(data) != numElements(shape) {
		exceptions.Panicf("tensor.NewIntsFrom: %d elements for shape %v", len(data), shape)
	}
	return &Ints{Shape: shape, Data: data}
}

// Size returns the total number of elements.
func (t *Ints) Size() int { return numElements(t.Shape) }

// Dim returns the extent of the given axis.
func (t *Ints) Dim(axis int) int { return t.Shape[axis] }

// SplitInts partitions t into contiguous batch-axis chunks of at most size
// rows. Chunks are zero-copy views into t.
func SplitInts(t *Ints, size int) []*Ints {
	if size <= 0 {
		exceptions.Panicf("tensor.SplitInts: size must be > 0, got %d", size)
	}
	batch := t.Shape[0]
	row := 0
	if batch > 0 {
		row = t.Size() / batch
	}
	chunks := make([]*Ints, 0, (batch+size-1)/size)
	for start := 0; start < batch; start += size {
		n := min(size, batch-start)
		shape := slices.Clone(t.Shape)
		shape[0] = n
		chunks = append(chunks, &Ints{Shape: shape, Data: t.Data[start*row : (start+n)*row]})
	}
	return chunks
}

// ArgmaxRows returns, for a [rows, cols] tensor, the column index of the
// largest value in each row.
func ArgmaxRows(t *Tensor) []int32 {
	if t.Rank() != 2 {
		exceptions.Panicf("tensor.ArgmaxRows: want rank 2, got shape %v", t.Shape)
	}
	rows, cols := t.Shape[0], t.Shape[1]
	out := make([]int32, rows)
	for i := 0; i < rows; i++ {
		row := t.Data[i*cols : (i+1)*cols]
		best := 0
		for j := 1; j < cols; j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		out[i] = int32(best)
	}
	return out
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func sameShape(a, b []int) bool { return slices.Equal(a, b) }
