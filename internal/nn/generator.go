// Package nn provides the concrete neural pieces the orchestrator is wired
// to in-process: a linear + log-softmax generator, the padding-aware NLL
// criterion, optimizers, and a minimal recurrent decoder for the demo binary
// and tests. Anything heavier is expected to live behind the same
// interfaces outside this repository.
package nn

import (
	"math/rand"

	"github.com/chewxy/math32"

	"github.com/nmtkit/nmtkit/internal/tensor"
)

// Generator projects decoder outputs [n, hidden] to vocabulary
// log-probabilities [n, vocab].
type Generator struct {
	W *tensor.Variable // [hidden, vocab]
	B *tensor.Variable // [vocab]
}

// NewGenerator returns a generator with small random weights.
func NewGenerator(hidden, vocab int, rng *rand.Rand) *Generator {
	return &Generator{
		W: randomVariable(rng, 1/math32.Sqrt(float32(hidden)), hidden, vocab),
		B: tensor.NewVariable(tensor.New(vocab), true),
	}
}

// Generate implements loss.Generator.
func (gen *Generator) Generate(g *tensor.Graph, out *tensor.Variable) *tensor.Variable {
	return g.LogSoftmax(g.AddRow(g.MatMul(out, gen.W), gen.B))
}

// Parameters returns the named trainable parameters.
func (gen *Generator) Parameters() map[string]*tensor.Variable {
	return map[string]*tensor.Variable{
		"generator.W": gen.W,
		"generator.B": gen.B,
	}
}

// NLLCriterion is the standard NMT criterion: summed negative log-likelihood
// with zero weight at padding positions.
type NLLCriterion struct {
	PadID int32
}

// Loss implements loss.Criterion.
func (c *NLLCriterion) Loss(g *tensor.Graph, scores *tensor.Variable, targets *tensor.Ints) *tensor.Variable {
	return g.NLL(scores, targets, c.PadID)
}

func randomVariable(rng *rand.Rand, stddev float32, shape ...int) *tensor.Variable {
	t := tensor.New(shape...)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64()) * stddev
	}
	return tensor.NewVariable(t, true)
}
