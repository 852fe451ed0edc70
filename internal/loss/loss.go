// Package loss implements the memory-efficient sharded loss computation: a
// batch's per-timestep tensors are partitioned into fixed-size shards along
// the batch axis, loss (plus optional auxiliary regularization terms) is
// computed per shard, and outside evaluation each shard's backward pass runs
// before the next shard is touched, bounding peak memory to one shard's
// activations.
package loss

import (
	"github.com/pkg/errors"

	"github.com/nmtkit/nmtkit/internal/tensor"
)

// Generator maps flattened decoder outputs [n, hidden] to log-probabilities
// [n, vocab] on the given graph.
type Generator interface {
	Generate(g *tensor.Graph, out *tensor.Variable) *tensor.Variable
}

// CopyGenerator additionally consumes attention weights and returns the
// rescaled copy-attention distribution alongside the scores. Required when
// the copy loss is enabled.
type CopyGenerator interface {
	Generator
	GenerateCopy(g *tensor.Graph, out, attn *tensor.Variable) (scores, copyAttn *tensor.Variable)
}

// Criterion maps scores and target ids to a scalar loss.
type Criterion interface {
	Loss(g *tensor.Graph, scores *tensor.Variable, targets *tensor.Ints) *tensor.Variable
}

// CopyCriterion scores against both the vocabulary targets and the source
// alignment. Required when the copy loss is enabled.
type CopyCriterion interface {
	Criterion
	CopyLoss(g *tensor.Graph, scores, copyAttn *tensor.Variable, targets, align *tensor.Ints) *tensor.Variable
}

// Vars is the working variable set of one loss computation: the model's
// output window, its target, and every auxiliary tensor an enabled loss term
// may need. A nil field means the tensor is absent. Every tensor is
// batch-major: axis 0 is the batch axis and all present tensors must share
// its extent.
type Vars struct {
	Output *tensor.Variable // [batch, steps, hidden]
	Target *tensor.Ints     // [batch, steps]

	Attention *tensor.Variable // [batch, steps, srcLen], copy-attention weights
	Alignment *tensor.Ints     // [batch, steps], source positions for the copy loss
	Coverage  *tensor.Variable // [batch, steps, srcLen]

	UpperBounds *tensor.Variable // [batch, steps, srcLen+1], last column is the sink

	FertilityPred *tensor.Variable // [batch, srcLen]
	FertilityTrue *tensor.Variable // [batch, srcLen]
}

// Options configures a Compute.
type Options struct {
	// ShardSize is the batch-axis width of each shard. Must be > 0.
	ShardSize int
	// PadID is the padding token id, excluded from scoring.
	PadID int32
	// Eval disables dummy re-materialization and backward accumulation.
	Eval bool

	CopyLoss bool

	CoverageLoss   bool
	LambdaCoverage float32

	ExhaustionLoss bool
	LambdaExhaust  float32

	FertilityLoss   bool
	LambdaFertility float32
}

// Compute is a sharded loss computation bound to a generator and criterion.
type Compute struct {
	gen  Generator
	crit Criterion
	opts Options
}

// New validates the configuration and returns a Compute.
func New(gen Generator, crit Criterion, opts Options) (*Compute, error) {
	if opts.ShardSize <= 0 {
		return nil, errors.Errorf("loss: shard size must be > 0, got %d", opts.ShardSize)
	}
	if gen == nil || crit == nil {
		return nil, errors.New("loss: generator and criterion are required")
	}
	if opts.CopyLoss {
		if _, ok := gen.(CopyGenerator); !ok {
			return nil, errors.New("loss: copy loss enabled but generator cannot produce copy attention")
		}
		if _, ok := crit.(CopyCriterion); !ok {
			return nil, errors.New("loss: copy loss enabled but criterion cannot score copy attention")
		}
	}
	return &Compute{gen: gen, crit: crit, opts: opts}, nil
}

// Generator returns the bound generator, for checkpointing its parameters.
func (c *Compute) Generator() Generator { return c.gen }

// Eval reports whether this Compute runs in evaluation mode.
func (c *Compute) Eval() bool { return c.opts.Eval }

// GradientBuffer holds the gradients that flowed into the per-shard detached
// copies, paired with the original input variables they stand in for. The
// caller replays them through the graph that produced the originals, so the
// shard-copy indirection changes memory behavior but not semantics.
type GradientBuffer struct {
	Inputs []*tensor.Variable
	Grads  []*tensor.Tensor
}

// checkVars rejects mismatched batch extents and missing auxiliary tensors
// before any computation proceeds.
func (c *Compute) checkVars(v Vars) error {
	if v.Output == nil || v.Target == nil {
		return errors.New("loss: output and target are required")
	}
	batch := v.Output.Value.Dim(0)
	check := func(name string, dim int) error {
		if dim != batch {
			return errors.Errorf("loss: %s batch extent %d does not match output batch extent %d",
				name, dim, batch)
		}
		return nil
	}
	if err := check("target", v.Target.Dim(0)); err != nil {
		return err
	}
	for _, f := range []struct {
		name string
		v    *tensor.Variable
	}{
		{"attention", v.Attention},
		{"coverage", v.Coverage},
		{"upper bounds", v.UpperBounds},
		{"predicted fertility", v.FertilityPred},
		{"true fertility", v.FertilityTrue},
	} {
		if f.v == nil {
			continue
		}
		if err := check(f.name, f.v.Value.Dim(0)); err != nil {
			return err
		}
	}
	if v.Alignment != nil {
		if err := check("alignment", v.Alignment.Dim(0)); err != nil {
			return err
		}
	}
	if c.opts.CopyLoss && (v.Attention == nil || v.Alignment == nil) {
		return errors.New("loss: copy loss enabled but attention or alignment is missing")
	}
	if c.opts.CoverageLoss && (v.Coverage == nil || v.Attention == nil) {
		return errors.New("loss: coverage loss enabled but coverage or attention is missing")
	}
	if c.opts.ExhaustionLoss && v.UpperBounds == nil {
		return errors.New("loss: exhaustion loss enabled but upper bounds are missing")
	}
	if c.opts.FertilityLoss && (v.FertilityPred == nil || v.FertilityTrue == nil) {
		return errors.New("loss: fertility loss enabled but fertility values are missing")
	}
	return nil
}
