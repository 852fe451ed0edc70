package tensor

import (
	"github.com/chewxy/math32"
	"github.com/gomlx/exceptions"
)

// MatMul multiplies a [n, k] by b [k, m], returning [n, m].
func (g *Graph) MatMul(a, b *Variable) *Variable {
	if a.Value.Rank() != 2 || b.Value.Rank() != 2 || a.Value.Dim(1) != b.Value.Dim(0) {
		exceptions.Panicf("tensor.MatMul: incompatible shapes %v x %v", a.Value.Shape, b.Value.Shape)
	}
	n, k, m := a.Value.Dim(0), a.Value.Dim(1), b.Value.Dim(1)
	out := New(n, m)
	for i := 0; i < n; i++ {
		arow := a.Value.Data[i*k : (i+1)*k]
		orow := out.Data[i*m : (i+1)*m]
		for p := 0; p < k; p++ {
			av := arow[p]
			if av == 0 {
				continue
			}
			brow := b.Value.Data[p*m : (p+1)*m]
			for j := 0; j < m; j++ {
				orow[j] += av * brow[j]
			}
		}
	}
	o := g.out(out)
	g.record(func() {
		dout := o.gradData()
		if a.RequiresGrad {
			da := a.gradData()
			for i := 0; i < n; i++ {
				drow := dout[i*m : (i+1)*m]
				for p := 0; p < k; p++ {
					brow := b.Value.Data[p*m : (p+1)*m]
					var sum float32
					for j := 0; j < m; j++ {
						sum += drow[j] * brow[j]
					}
					da[i*k+p] += sum
				}
			}
		}
		if b.RequiresGrad {
			db := b.gradData()
			for i := 0; i < n; i++ {
				arow := a.Value.Data[i*k : (i+1)*k]
				drow := dout[i*m : (i+1)*m]
				for p := 0; p < k; p++ {
					av := arow[p]
					if av == 0 {
						continue
					}
					for j := 0; j < m; j++ {
						db[p*m+j] += av * drow[j]
					}
				}
			}
		}
	})
	return o
}

// Add returns the elementwise sum of two same-shaped variables.
func (g *Graph) Add(a, b *Variable) *Variable {
	if !sameShape(a.Value.Shape, b.Value.Shape) {
		exceptions.Panicf("tensor.Add: shapes %v and %v differ", a.Value.Shape, b.Value.Shape)
	}
	out := New(a.Value.Shape...)
	for i := range out.Data {
		out.Data[i] = a.Value.Data[i] + b.Value.Data[i]
	}
	o := g.out(out)
	g.record(func() {
		dout := o.gradData()
		if a.RequiresGrad {
			da := a.gradData()
			for i, x := range dout {
				da[i] += x
			}
		}
		if b.RequiresGrad {
			db := b.gradData()
			for i, x := range dout {
				db[i] += x
			}
		}
	})
	return o
}

// AddRow adds a [d] bias row to every row of a [n, d] variable.
func (g *Graph) AddRow(a, bias *Variable) *Variable {
	if a.Value.Rank() != 2 || bias.Value.Size() != a.Value.Dim(1) {
		exceptions.Panicf("tensor.AddRow: shapes %v and %v", a.Value.Shape, bias.Value.Shape)
	}
	n, d := a.Value.Dim(0), a.Value.Dim(1)
	out := New(n, d)
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			out.Data[i*d+j] = a.Value.Data[i*d+j] + bias.Value.Data[j]
		}
	}
	o := g.out(out)
	g.record(func() {
		dout := o.gradData()
		if a.RequiresGrad {
			da := a.gradData()
			for i, x := range dout {
				da[i] += x
			}
		}
		if bias.RequiresGrad {
			db := bias.gradData()
			for i := 0; i < n; i++ {
				for j := 0; j < d; j++ {
					db[j] += dout[i*d+j]
				}
			}
		}
	})
	return o
}

// Scale multiplies every element by c.
func (g *Graph) Scale(a *Variable, c float32) *Variable {
	out := New(a.Value.Shape...)
	for i, x := range a.Value.Data {
		out.Data[i] = c * x
	}
	o := g.out(out)
	g.record(func() {
		if !a.RequiresGrad {
			return
		}
		dout := o.gradData()
		da := a.gradData()
		for i, x := range dout {
			da[i] += c * x
		}
	})
	return o
}

// Tanh applies the elementwise hyperbolic tangent.
func (g *Graph) Tanh(a *Variable) *Variable {
	out := New(a.Value.Shape...)
	for i, x := range a.Value.Data {
		out.Data[i] = math32.Tanh(x)
	}
	o := g.out(out)
	g.record(func() {
		if !a.RequiresGrad {
			return
		}
		dout := o.gradData()
		da := a.gradData()
		for i, y := range out.Data {
			da[i] += (1 - y*y) * dout[i]
		}
	})
	return o
}

// LogSoftmax applies a numerically stable log-softmax to every row of a
// [n, d] variable.
func (g *Graph) LogSoftmax(a *Variable) *Variable {
	if a.Value.Rank() != 2 {
		exceptions.Panicf("tensor.LogSoftmax: want rank 2, got shape %v", a.Value.Shape)
	}
	n, d := a.Value.Dim(0), a.Value.Dim(1)
	out := New(n, d)
	for i := 0; i < n; i++ {
		row := a.Value.Data[i*d : (i+1)*d]
		orow := out.Data[i*d : (i+1)*d]
		maxv := row[0]
		for _, x := range row[1:] {
			maxv = math32.Max(maxv, x)
		}
		var sum float32
		for j, x := range row {
			orow[j] = x - maxv
			sum += math32.Exp(orow[j])
		}
		lse := math32.Log(sum)
		for j := range orow {
			orow[j] -= lse
		}
	}
	o := g.out(out)
	g.record(func() {
		if !a.RequiresGrad {
			return
		}
		dout := o.gradData()
		da := a.gradData()
		for i := 0; i < n; i++ {
			drow := dout[i*d : (i+1)*d]
			orow := out.Data[i*d : (i+1)*d]
			var dsum float32
			for _, x := range drow {
				dsum += x
			}
			for j := range drow {
				da[i*d+j] += drow[j] - math32.Exp(orow[j])*dsum
			}
		}
	})
	return o
}

// Lookup gathers rows of a [vocab, d] table by id, returning [n, d].
func (g *Graph) Lookup(table *Variable, ids *Ints) *Variable {
	if table.Value.Rank() != 2 {
		exceptions.Panicf("tensor.Lookup: table must be rank 2, got shape %v", table.Value.Shape)
	}
	vocab, d := table.Value.Dim(0), table.Value.Dim(1)
	n := ids.Size()
	out := New(n, d)
	for i, id := range ids.Data {
		if id < 0 || int(id) >= vocab {
			exceptions.Panicf("tensor.Lookup: id %d outside table of %d rows", id, vocab)
		}
		copy(out.Data[i*d:(i+1)*d], table.Value.Data[int(id)*d:(int(id)+1)*d])
	}
	o := g.out(out)
	g.record(func() {
		if !table.RequiresGrad {
			return
		}
		dout := o.gradData()
		dt := table.gradData()
		for i, id := range ids.Data {
			for j := 0; j < d; j++ {
				dt[int(id)*d+j] += dout[i*d+j]
			}
		}
	})
	return o
}

// StackSteps stacks per-timestep [batch, d] variables into [batch, steps, d].
func (g *Graph) StackSteps(steps []*Variable) *Variable {
	if len(steps) == 0 {
		exceptions.Panicf("tensor.StackSteps: no steps")
	}
	batch, d := steps[0].Value.Dim(0), steps[0].Value.Dim(1)
	for _, s := range steps {
		if s.Value.Rank() != 2 || s.Value.Dim(0) != batch || s.Value.Dim(1) != d {
			exceptions.Panicf("tensor.StackSteps: step shape %v, want [%d %d]", s.Value.Shape, batch, d)
		}
	}
	nSteps := len(steps)
	out := New(batch, nSteps, d)
	for t, s := range steps {
		for b := 0; b < batch; b++ {
			copy(out.Data[(b*nSteps+t)*d:(b*nSteps+t+1)*d], s.Value.Data[b*d:(b+1)*d])
		}
	}
	o := g.out(out)
	g.record(func() {
		dout := o.gradData()
		for t, s := range steps {
			if !s.RequiresGrad {
				continue
			}
			ds := s.gradData()
			for b := 0; b < batch; b++ {
				src := dout[(b*nSteps+t)*d : (b*nSteps+t+1)*d]
				for j, x := range src {
					ds[b*d+j] += x
				}
			}
		}
	})
	return o
}

// NLL computes the summed negative log-likelihood of the target ids under
// [n, vocab] log-probabilities, with zero weight at padID positions. Returns
// a scalar.
func (g *Graph) NLL(logProbs *Variable, targets *Ints, padID int32) *Variable {
	if logProbs.Value.Rank() != 2 || logProbs.Value.Dim(0) != targets.Size() {
		exceptions.Panicf("tensor.NLL: scores shape %v for %d targets",
			logProbs.Value.Shape, targets.Size())
	}
	vocab := logProbs.Value.Dim(1)
	var total float32
	for i, t := range targets.Data {
		if t == padID {
			continue
		}
		total -= logProbs.Value.Data[i*vocab+int(t)]
	}
	o := g.out(NewFrom([]float32{total}, 1))
	g.record(func() {
		if !logProbs.RequiresGrad {
			return
		}
		grad := o.gradData()[0]
		dlp := logProbs.gradData()
		for i, t := range targets.Data {
			if t == padID {
				continue
			}
			dlp[i*vocab+int(t)] -= grad
		}
	})
	return o
}

// MinSum returns the scalar sum of the elementwise minimum of two same-shaped
// variables. The gradient flows to whichever side holds the minimum (a on
// ties).
func (g *Graph) MinSum(a, b *Variable) *Variable {
	if !sameShape(a.Value.Shape, b.Value.Shape) {
		exceptions.Panicf("tensor.MinSum: shapes %v and %v differ", a.Value.Shape, b.Value.Shape)
	}
	var total float32
	for i, x := range a.Value.Data {
		total += math32.Min(x, b.Value.Data[i])
	}
	o := g.out(NewFrom([]float32{total}, 1))
	g.record(func() {
		grad := o.gradData()[0]
		var da, db []float32
		if a.RequiresGrad {
			da = a.gradData()
		}
		if b.RequiresGrad {
			db = b.gradData()
		}
		for i, x := range a.Value.Data {
			if x <= b.Value.Data[i] {
				if da != nil {
					da[i] += grad
				}
			} else if db != nil {
				db[i] += grad
			}
		}
	})
	return o
}

// FinalStepSum sums the final-timestep values of a [batch, steps, cols]
// variable, excluding the last column (the sink position). Returns a scalar.
// The sum is deliberately unnormalized.
func (g *Graph) FinalStepSum(u *Variable) *Variable {
	if u.Value.Rank() != 3 {
		exceptions.Panicf("tensor.FinalStepSum: want rank 3, got shape %v", u.Value.Shape)
	}
	batch, steps, cols := u.Value.Dim(0), u.Value.Dim(1), u.Value.Dim(2)
	var total float32
	for b := 0; b < batch; b++ {
		base := (b*steps + steps - 1) * cols
		for c := 0; c < cols-1; c++ {
			total += u.Value.Data[base+c]
		}
	}
	o := g.out(NewFrom([]float32{total}, 1))
	g.record(func() {
		if !u.RequiresGrad {
			return
		}
		grad := o.gradData()[0]
		du := u.gradData()
		for b := 0; b < batch; b++ {
			base := (b*steps + steps - 1) * cols
			for c := 0; c < cols-1; c++ {
				du[base+c] += grad
			}
		}
	})
	return o
}

// L1Mean returns the scalar mean absolute difference between two same-shaped
// variables.
func (g *Graph) L1Mean(a, b *Variable) *Variable {
	if !sameShape(a.Value.Shape, b.Value.Shape) {
		exceptions.Panicf("tensor.L1Mean: shapes %v and %v differ", a.Value.Shape, b.Value.Shape)
	}
	n := float32(a.Value.Size())
	var total float32
	for i, x := range a.Value.Data {
		total += math32.Abs(x - b.Value.Data[i])
	}
	o := g.out(NewFrom([]float32{total / n}, 1))
	g.record(func() {
		grad := o.gradData()[0] / n
		var da, db []float32
		if a.RequiresGrad {
			da = a.gradData()
		}
		if b.RequiresGrad {
			db = b.gradData()
		}
		for i, x := range a.Value.Data {
			diff := x - b.Value.Data[i]
			var s float32
			switch {
			case diff > 0:
				s = 1
			case diff < 0:
				s = -1
			}
			if da != nil {
				da[i] += grad * s
			}
			if db != nil {
				db[i] -= grad * s
			}
		}
	})
	return o
}

// Reshape returns a view of a with a new shape of the same total size. The
// view shares data and gradient storage with a, so no tape entry is needed.
func Reshape(a *Variable, shape ...int) *Variable {
	if numElements(shape) != a.Value.Size() {
		exceptions.Panicf("tensor.Reshape: %v -> %v changes size", a.Value.Shape, shape)
	}
	return &Variable{
		Value:        &Tensor{Shape: shape, Data: a.Value.Data},
		RequiresGrad: a.RequiresGrad,
		parent:       a,
		offset:       0,
	}
}
