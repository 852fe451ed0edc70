package nn

import (
	"github.com/nmtkit/nmtkit/internal/data"
	"github.com/nmtkit/nmtkit/internal/tensor"
)

// ModelInputs is whatever a Model variant extracts from a batch before
// decoding. Opaque to the trainer, which only threads it through.
type ModelInputs any

// State is the carried decoder state of a recurrent model. Detach returns a
// state whose tensors are cut off from the graph that produced them, so
// gradients do not flow across truncation-window boundaries.
type State interface {
	Detach() State
}

// Attns groups the auxiliary tensors a model may emit alongside its outputs.
// Nil fields are simply absent; the loss configuration decides which ones
// are required.
type Attns struct {
	Attention     *tensor.Variable
	Coverage      *tensor.Variable
	UpperBounds   *tensor.Variable
	FertilityPred *tensor.Variable
	FertilityTrue *tensor.Variable
}

// Output is one decoding window's result.
type Output struct {
	// Output holds the decoder outputs, [batch, steps, hidden].
	Output *tensor.Variable
	Attns  Attns
	// State is the carried state to feed into the next window, nil for
	// stateless models.
	State State
}

// Model is the capability interface the trainer drives. Variants (seq2seq,
// language model, post-editing) differ only in how they shape inputs and run
// the network; the accumulation, sharding and patience machinery is shared.
type Model interface {
	// PrepareInputs extracts the variant's model inputs from a batch, once
	// per batch.
	PrepareInputs(b *data.Batch) (ModelInputs, error)
	// Run decodes target positions [from, to) on the given graph, starting
	// from the carried state (nil at the start of a batch).
	Run(g *tensor.Graph, in ModelInputs, from, to int, st State) (*Output, error)
	// Parameters returns the named trainable parameters, generator excluded.
	Parameters() map[string]*tensor.Variable
	// SetTrain toggles between training and evaluation mode.
	SetTrain(train bool)
}
