package nn

import (
	"math/rand"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/nmtkit/nmtkit/internal/data"
	"github.com/nmtkit/nmtkit/internal/tensor"
)

// Decoder is a minimal recurrent decoder: embedding lookup, a tanh
// recurrence seeded from a mean source encoding, no attention. It exists to
// exercise the training loop end to end (truncated windows, carried state,
// sharded backward), not as an architecture of interest.
type Decoder struct {
	Embed *tensor.Variable // [vocab, embed]
	Wx    *tensor.Variable // [embed, hidden]
	Wh    *tensor.Variable // [hidden, hidden]
	Bh    *tensor.Variable // [hidden]

	hidden   int
	training bool
}

// DecoderState carries the recurrent hidden state across windows.
type DecoderState struct {
	H *tensor.Variable // [batch, hidden]
}

// Detach implements State.
func (s *DecoderState) Detach() State {
	return &DecoderState{H: tensor.Detached(s.H, false)}
}

// NewDecoder returns a decoder with small random weights.
func NewDecoder(vocab, embed, hidden int, rng *rand.Rand) *Decoder {
	return &Decoder{
		Embed:    randomVariable(rng, 0.1, vocab, embed),
		Wx:       randomVariable(rng, 1/math32.Sqrt(float32(embed)), embed, hidden),
		Wh:       randomVariable(rng, 1/math32.Sqrt(float32(hidden)), hidden, hidden),
		Bh:       tensor.NewVariable(tensor.New(hidden), true),
		hidden:   hidden,
		training: true,
	}
}

// decoderInputs keeps the batch around; this variant needs nothing else.
type decoderInputs struct {
	batch *data.Batch
}

// PrepareInputs implements Model.
func (d *Decoder) PrepareInputs(b *data.Batch) (ModelInputs, error) {
	if b.Tgt == nil || b.Tgt.Dim(0) != b.Size {
		return nil, errors.New("nn: batch target missing or batch-size mismatch")
	}
	return decoderInputs{batch: b}, nil
}

// Run implements Model: one tanh-recurrence step per target position in
// [from, to), stacking the hidden states as the window's output.
func (d *Decoder) Run(g *tensor.Graph, in ModelInputs, from, to int, st State) (*Output, error) {
	di, ok := in.(decoderInputs)
	if !ok {
		return nil, errors.Errorf("nn: unexpected model inputs of type %T", in)
	}
	b := di.batch
	h := d.initialState(b, st)

	window := b.InputWindow(from, to)
	steps := make([]*tensor.Variable, 0, to-from)
	w := to - from
	for t := 0; t < w; t++ {
		ids := stepIDs(window, t)
		x := g.Lookup(d.Embed, ids)
		h = g.Tanh(g.AddRow(g.Add(g.MatMul(x, d.Wx), g.MatMul(h, d.Wh)), d.Bh))
		steps = append(steps, h)
	}
	return &Output{
		Output: g.StackSteps(steps),
		State:  &DecoderState{H: h},
	}, nil
}

// initialState resumes the carried state, or starts from zeros.
func (d *Decoder) initialState(b *data.Batch, st State) *tensor.Variable {
	if ds, ok := st.(*DecoderState); ok && ds != nil && ds.H != nil {
		return ds.H
	}
	return tensor.NewVariable(tensor.New(b.Size, d.hidden), false)
}

// Parameters implements Model.
func (d *Decoder) Parameters() map[string]*tensor.Variable {
	return map[string]*tensor.Variable{
		"decoder.Embed": d.Embed,
		"decoder.Wx":    d.Wx,
		"decoder.Wh":    d.Wh,
		"decoder.Bh":    d.Bh,
	}
}

// SetTrain implements Model. The decoder has no dropout, but the mode must
// still round-trip correctly through validation.
func (d *Decoder) SetTrain(train bool) { d.training = train }

// Training reports the current mode.
func (d *Decoder) Training() bool { return d.training }

// stepIDs extracts column t of a [batch, steps] id tensor.
func stepIDs(window *tensor.Ints, t int) *tensor.Ints {
	batch, w := window.Dim(0), window.Dim(1)
	ids := tensor.NewInts(batch)
	for r := 0; r < batch; r++ {
		ids.Data[r] = window.Data[r*w+t]
	}
	return ids
}
