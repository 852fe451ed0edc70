package loss

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/nmtkit/nmtkit/internal/stats"
	"github.com/nmtkit/nmtkit/internal/tensor"
)

// Compute runs the sharded loss over one variable set.
//
// In training mode every shard's loss is divided by normalization and
// backward-accumulated into the detached copies before the next shard is
// evaluated; the returned GradientBuffer carries those gradients back to the
// caller, which replays them through the graph that produced the inputs. The
// summed per-shard gradients equal the gradient of the unsharded loss to
// within floating-point accumulation error.
//
// In evaluation mode no gradients are computed and the buffer is empty.
func (c *Compute) Compute(v Vars, normalization float64) (*stats.Statistics, *GradientBuffer, error) {
	if err := c.checkVars(v); err != nil {
		return nil, nil, err
	}
	if !c.opts.Eval && normalization <= 0 {
		return nil, nil, errors.Errorf("loss: normalization must be > 0, got %g", normalization)
	}

	st := stats.New()
	work, dummies := c.materialize(v)
	shards := shardVars(work, c.opts.ShardSize)
	for i, s := range shards {
		g := tensor.NewGraph(!c.opts.Eval)
		shardLoss, reg, scores := c.shardLoss(g, s)
		c.score(st, shardLoss, reg, scores, s.Target)
		if !c.opts.Eval {
			g.Backward(g.Scale(shardLoss, float32(1/normalization)))
		}
		klog.V(2).Infof("shard %d/%d: rows=%d loss=%.4f",
			i+1, len(shards), s.Output.Value.Dim(0), shardLoss.Value.Data[0])
	}

	if c.opts.Eval {
		return st, &GradientBuffer{}, nil
	}
	return st, collectGrads(v, dummies), nil
}

// shardLoss evaluates the generator, criterion and every enabled auxiliary
// term for one shard. It returns the shard's total loss, the separately
// tracked regularization term (nil when fertility loss is off) and the
// generator scores used for accuracy counting.
func (c *Compute) shardLoss(g *tensor.Graph, s Vars) (shardLoss, reg, scores *tensor.Variable) {
	out := bottle(s.Output)
	flatTgt := flattenInts(s.Target)

	if c.opts.CopyLoss {
		cg := c.gen.(CopyGenerator)
		cc := c.crit.(CopyCriterion)
		var copyAttn *tensor.Variable
		scores, copyAttn = cg.GenerateCopy(g, out, bottle(s.Attention))
		shardLoss = cc.CopyLoss(g, scores, copyAttn, flatTgt, flattenInts(s.Alignment))
	} else {
		scores = c.gen.Generate(g, out)
		shardLoss = c.crit.Loss(g, scores, flatTgt)
	}

	if c.opts.CoverageLoss {
		cov := g.Scale(g.MinSum(s.Coverage, s.Attention), c.opts.LambdaCoverage)
		shardLoss = g.Add(shardLoss, cov)
	}
	if c.opts.ExhaustionLoss {
		// Sum of the final-timestep upper bounds, sink column excluded,
		// deliberately unnormalized.
		ex := g.Scale(g.FinalStepSum(s.UpperBounds), c.opts.LambdaExhaust)
		shardLoss = g.Add(shardLoss, ex)
	}
	if c.opts.FertilityLoss {
		reg = g.Scale(g.L1Mean(s.FertilityPred, s.FertilityTrue), c.opts.LambdaFertility)
		shardLoss = g.Add(shardLoss, reg)
	}
	return shardLoss, reg, scores
}

// score compares argmax predictions against the target at non-padding
// positions and merges the shard's counters into st. An all-padding shard
// contributes zeros.
func (c *Compute) score(st *stats.Statistics, shardLoss, reg, scores *tensor.Variable, target *tensor.Ints) {
	pred := tensor.ArgmaxRows(scores.Value)
	var nWords, nCorrect int
	for i, t := range target.Data {
		if t == c.opts.PadID {
			continue
		}
		nWords++
		if pred[i] == t {
			nCorrect++
		}
	}
	shard := &stats.Statistics{
		Loss:     float64(shardLoss.Value.Data[0]),
		NWords:   nWords,
		NCorrect: nCorrect,
	}
	if reg != nil {
		shard.Reg = float64(reg.Value.Data[0])
	}
	st.Update(shard)
}

// bottle flattens a [batch, steps, d] variable into [batch*steps, d] for the
// generator. The view shares data and gradient storage.
func bottle(v *tensor.Variable) *tensor.Variable {
	sh := v.Value.Shape
	return tensor.Reshape(v, sh[0]*sh[1], sh[2])
}

func flattenInts(t *tensor.Ints) *tensor.Ints {
	return &tensor.Ints{Shape: []int{t.Size()}, Data: t.Data}
}
