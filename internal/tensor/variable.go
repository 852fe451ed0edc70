package tensor

import (
	"slices"

	"github.com/gomlx/exceptions"
)

// Variable is a tensor that can accumulate a gradient. Variables created by
// Split are views: their data and gradient storage alias the parent's, so
// gradients written into a view land in the parent's buffer.
//
// Gradient storage is allocated the first time a backward pass writes into
// the variable; Grad returns nil until then. That distinction is load-bearing
// for the sharded loss computation, which only hands back inputs that
// actually received a gradient.
type Variable struct {
	Value        *Tensor
	RequiresGrad bool

	grad   []float32
	parent *Variable
	offset int
}

// NewVariable wraps a tensor as a leaf variable.
func NewVariable(value *Tensor, requiresGrad bool) *Variable {
	return &Variable{Value: value, RequiresGrad: requiresGrad}
}

// Detached returns a leaf holding the same data as v, with fresh gradient
// storage and no link to the graph that produced v.
func Detached(v *Variable, requiresGrad bool) *Variable {
	return &Variable{Value: v.Value, RequiresGrad: requiresGrad}
}

// Grad returns the accumulated gradient, or nil if no backward pass has
// written into this variable.
func (v *Variable) Grad() *Tensor {
	if v.grad == nil {
		return nil
	}
	return &Tensor{Shape: slices.Clone(v.Value.Shape), Data: v.grad}
}

// ZeroGrad clears the accumulated gradient, keeping the storage.
func (v *Variable) ZeroGrad() {
	for i := range v.grad {
		v.grad[i] = 0
	}
}

// AccumulateGrad adds g into the variable's gradient buffer.
func (v *Variable) AccumulateGrad(g *Tensor) {
	if !sameShape(v.Value.Shape, g.Shape) {
		exceptions.Panicf("tensor.AccumulateGrad: gradient shape %v for variable shape %v",
			g.Shape, v.Value.Shape)
	}
	dst := v.gradData()
	for i, x := range g.Data {
		dst[i] += x
	}
}

// gradData returns the gradient buffer, allocating it (and, for views, the
// parent chain's) on first use.
func (v *Variable) gradData() []float32 {
	if v.grad == nil {
		if v.parent != nil {
			p := v.parent.gradData()
			v.grad = p[v.offset : v.offset+len(v.Value.Data)]
		} else {
			v.grad = make([]float32, len(v.Value.Data))
		}
	}
	return v.grad
}

// Split partitions v into contiguous batch-axis chunks of at most size rows.
// The last chunk may be narrower. Chunks are views: data and gradient storage
// alias v, and concatenating the chunks reconstructs v exactly.
func Split(v *Variable, size int) []*Variable {
	if size <= 0 {
		exceptions.Panicf("tensor.Split: size must be > 0, got %d", size)
	}
	batch := v.Value.Shape[0]
	row := v.Value.rowSize()
	chunks := make([]*Variable, 0, (batch+size-1)/size)
	for start := 0; start < batch; start += size {
		n := min(size, batch-start)
		shape := slices.Clone(v.Value.Shape)
		shape[0] = n
		chunks = append(chunks, &Variable{
			Value:        &Tensor{Shape: shape, Data: v.Value.Data[start*row : (start+n)*row]},
			RequiresGrad: v.RequiresGrad,
			parent:       v,
			offset:       start * row,
		})
	}
	return chunks
}

// Concat joins batch-axis chunks back into a single tensor. All chunks must
// agree on every axis but the first.
func Concat(chunks []*Variable) *Tensor {
	if len(chunks) == 0 {
		exceptions.Panicf("tensor.Concat: no chunks")
	}
	first := chunks[0].Value
	batch := 0
	for _, c := range chunks {
		if !sameShape(c.Value.Shape[1:], first.Shape[1:]) {
			exceptions.Panicf("tensor.Concat: shape %v does not match %v past axis 0",
				c.Value.Shape, first.Shape)
		}
		batch += c.Value.Shape[0]
	}
	shape := slices.Clone(first.Shape)
	shape[0] = batch
	out := New(shape...)
	pos := 0
	for _, c := range chunks {
		pos += copy(out.Data[pos:], c.Value.Data)
	}
	return out
}
