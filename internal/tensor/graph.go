package tensor

import (
	"github.com/gomlx/exceptions"
)

// Graph records the backward closures of a forward computation. Running the
// tape in reverse performs reverse-mode differentiation, accumulating
// gradients into the participating variables.
//
// A graph built with needsGrad=false records nothing; its ops are plain
// forward evaluations, which is what the evaluation path of the loss
// computation uses.
type Graph struct {
	needsGrad bool
	tape      []func()
}

// NewGraph returns an empty graph. Pass needsGrad=false for inference and
// evaluation passes.
func NewGraph(needsGrad bool) *Graph {
	return &Graph{needsGrad: needsGrad}
}

// NeedsGrad reports whether this graph records backward closures.
func (g *Graph) NeedsGrad() bool { return g.needsGrad }

func (g *Graph) record(fn func()) {
	if g.needsGrad {
		g.tape = append(g.tape, fn)
	}
}

// out wraps a freshly computed tensor as a non-leaf variable of this graph.
func (g *Graph) out(t *Tensor) *Variable {
	return &Variable{Value: t, RequiresGrad: g.needsGrad}
}

// Backward seeds the gradient of the scalar loss with 1 and runs the tape in
// reverse.
func (g *Graph) Backward(loss *Variable) {
	if loss.Value.Size() != 1 {
		exceptions.Panicf("tensor.Backward: loss must be scalar, got shape %v", loss.Value.Shape)
	}
	loss.gradData()[0] += 1
	g.run()
}

// BackwardGrads seeds the given gradients into the given variables and runs
// the tape in reverse. This is how externally accumulated gradients (for
// example, the per-shard gradients of the sharded loss computation) are
// propagated through the graph that produced the variables.
func (g *Graph) BackwardGrads(inputs []*Variable, grads []*Tensor) {
	if len(inputs) != len(grads) {
		exceptions.Panicf("tensor.BackwardGrads: %d inputs for %d gradients", len(inputs), len(grads))
	}
	for i, in := range inputs {
		in.AccumulateGrad(grads[i])
	}
	g.run()
}

func (g *Graph) run() {
	for i := len(g.tape) - 1; i >= 0; i-- {
		g.tape[i]()
	}
	g.tape = g.tape[:0]
}
