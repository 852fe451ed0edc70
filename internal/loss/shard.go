package loss

import (
	"github.com/nmtkit/nmtkit/internal/tensor"
)

// materialize prepares the working variable set. In training mode every
// gradient-bearing input is replaced by a detached copy ("dummy") with fresh
// gradient storage, decoupling the per-shard backward passes from the graph
// that produced the inputs. In evaluation mode the originals are used
// directly as read-only views. The returned dummies mirror the replaced
// fields and are nil elsewhere.
func (c *Compute) materialize(v Vars) (work, dummies Vars) {
	work = v
	if c.opts.Eval {
		return work, dummies
	}
	detach := func(orig *tensor.Variable) *tensor.Variable {
		if orig == nil || !orig.RequiresGrad {
			return nil
		}
		return tensor.Detached(orig, true)
	}
	if dummies.Output = detach(v.Output); dummies.Output != nil {
		work.Output = dummies.Output
	}
	if dummies.Attention = detach(v.Attention); dummies.Attention != nil {
		work.Attention = dummies.Attention
	}
	if dummies.Coverage = detach(v.Coverage); dummies.Coverage != nil {
		work.Coverage = dummies.Coverage
	}
	if dummies.UpperBounds = detach(v.UpperBounds); dummies.UpperBounds != nil {
		work.UpperBounds = dummies.UpperBounds
	}
	if dummies.FertilityPred = detach(v.FertilityPred); dummies.FertilityPred != nil {
		work.FertilityPred = dummies.FertilityPred
	}
	if dummies.FertilityTrue = detach(v.FertilityTrue); dummies.FertilityTrue != nil {
		work.FertilityTrue = dummies.FertilityTrue
	}
	return work, dummies
}

// shardVars partitions every present tensor of the working set into
// contiguous batch-axis shards of at most size rows. Boundaries are
// determined once, from the output's batch extent, and reused for every
// tensor (checkVars has already rejected mismatched extents).
func shardVars(v Vars, size int) []Vars {
	batch := v.Output.Value.Dim(0)
	n := (batch + size - 1) / size
	shards := make([]Vars, n)

	outs := tensor.Split(v.Output, size)
	tgts := tensor.SplitInts(v.Target, size)
	for i := range shards {
		shards[i].Output = outs[i]
		shards[i].Target = tgts[i]
	}
	assign := func(field *tensor.Variable, set func(i int, v *tensor.Variable)) {
		if field == nil {
			return
		}
		for i, s := range tensor.Split(field, size) {
			set(i, s)
		}
	}
	assign(v.Attention, func(i int, s *tensor.Variable) { shards[i].Attention = s })
	assign(v.Coverage, func(i int, s *tensor.Variable) { shards[i].Coverage = s })
	assign(v.UpperBounds, func(i int, s *tensor.Variable) { shards[i].UpperBounds = s })
	assign(v.FertilityPred, func(i int, s *tensor.Variable) { shards[i].FertilityPred = s })
	assign(v.FertilityTrue, func(i int, s *tensor.Variable) { shards[i].FertilityTrue = s })
	if v.Alignment != nil {
		for i, s := range tensor.SplitInts(v.Alignment, size) {
			shards[i].Alignment = s
		}
	}
	return shards
}

// collectGrads pairs every original input that required a gradient with the
// gradient that flowed into its dummy during the shard loop. Dummies that
// never received a gradient are skipped.
func collectGrads(orig, dummies Vars) *GradientBuffer {
	buf := &GradientBuffer{}
	collect := func(o, d *tensor.Variable) {
		if o == nil || d == nil || !o.RequiresGrad {
			return
		}
		if g := d.Grad(); g != nil {
			buf.Inputs = append(buf.Inputs, o)
			buf.Grads = append(buf.Grads, g)
		}
	}
	collect(orig.Output, dummies.Output)
	collect(orig.Attention, dummies.Attention)
	collect(orig.Coverage, dummies.Coverage)
	collect(orig.UpperBounds, dummies.UpperBounds)
	collect(orig.FertilityPred, dummies.FertilityPred)
	collect(orig.FertilityTrue, dummies.FertilityTrue)
	return buf
}
