package nn

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/nmtkit/nmtkit/internal/generics"
	"github.com/nmtkit/nmtkit/internal/tensor"
)

// Optimizer applies accumulated gradients to a named parameter set. The
// optimizer owns nothing between steps except its own moment buffers; the
// loss computation only contributes gradient deltas.
type Optimizer interface {
	// Step updates every parameter from its accumulated gradient and clears
	// the gradients.
	Step(params map[string]*tensor.Variable)
	// LR returns the current learning rate.
	LR() float64
	// UpdateLearningRate applies the end-of-epoch schedule given the
	// validation perplexity, returning the new rate.
	UpdateLearningRate(ppl float64, epoch int) float64
	// State snapshots the optimizer for checkpointing.
	State() OptimizerState
}

// OptimizerState is the resumable snapshot of an optimizer.
type OptimizerState struct {
	Method string
	LR     float64
	Step   int
	M      map[string][]float32
	V      map[string][]float32
}

// SGD is plain gradient descent with the classic NMT schedule: decay the
// rate once validation perplexity stops improving, or unconditionally past a
// start epoch.
type SGD struct {
	lr           float64
	decay        float64
	startDecayAt int

	lastPpl    float64
	hasLastPpl bool
	startDecay bool
	step       int
}

// NewSGD returns an SGD optimizer. decay must be in (0, 1]; startDecayAt of
// 0 disables the epoch trigger.
func NewSGD(lr, decay float64, startDecayAt int) (*SGD, error) {
	if lr <= 0 {
		return nil, errors.Errorf("nn: learning rate must be > 0, got %g", lr)
	}
	if decay <= 0 || decay > 1 {
		return nil, errors.Errorf("nn: learning rate decay must be in (0, 1], got %g", decay)
	}
	return &SGD{lr: lr, decay: decay, startDecayAt: startDecayAt}, nil
}

// Step implements Optimizer.
func (s *SGD) Step(params map[string]*tensor.Variable) {
	s.step++
	lr := float32(s.lr)
	for _, p := range generics.SortedKeysAndValues(params) {
		g := p.Grad()
		if g == nil {
			continue
		}
		for i, x := range g.Data {
			p.Value.Data[i] -= lr * x
		}
		p.ZeroGrad()
	}
}

// LR implements Optimizer.
func (s *SGD) LR() float64 { return s.lr }

// UpdateLearningRate implements Optimizer.
func (s *SGD) UpdateLearningRate(ppl float64, epoch int) float64 {
	if s.startDecayAt > 0 && epoch >= s.startDecayAt {
		s.startDecay = true
	}
	if s.hasLastPpl && ppl > s.lastPpl {
		s.startDecay = true
	}
	if s.startDecay {
		s.lr *= s.decay
		klog.Infof("Decaying learning rate to %g", s.lr)
	}
	s.lastPpl = ppl
	s.hasLastPpl = true
	return s.lr
}

// State implements Optimizer.
func (s *SGD) State() OptimizerState {
	return OptimizerState{Method: "sgd", LR: s.lr, Step: s.step}
}

// AdamW implements the AdamW update with decoupled weight decay. Moment
// buffers are keyed by parameter name and created lazily.
type AdamW struct {
	lr           float64
	decay        float64
	startDecayAt int

	beta1, beta2 float32
	eps          float32
	weightDecay  float32

	t int
	m map[string][]float32
	v map[string][]float32

	lastPpl    float64
	hasLastPpl bool
	startDecay bool
}

// NewAdamW returns an AdamW optimizer with the usual defaults for zero-value
// betas and epsilon.
func NewAdamW(lr, decay float64, startDecayAt int, weightDecay float32) (*AdamW, error) {
	if lr <= 0 {
		return nil, errors.Errorf("nn: learning rate must be > 0, got %g", lr)
	}
	if decay <= 0 || decay > 1 {
		return nil, errors.Errorf("nn: learning rate decay must be in (0, 1], got %g", decay)
	}
	return &AdamW{
		lr:           lr,
		decay:        decay,
		startDecayAt: startDecayAt,
		beta1:        0.9,
		beta2:        0.999,
		eps:          1e-8,
		weightDecay:  weightDecay,
		m:            make(map[string][]float32),
		v:            make(map[string][]float32),
	}, nil
}

// Step implements Optimizer.
func (a *AdamW) Step(params map[string]*tensor.Variable) {
	a.t++
	t := float32(a.t)
	corr := math32.Sqrt(1-math32.Pow(a.beta2, t)) / (1 - math32.Pow(a.beta1, t))
	lr := float32(a.lr) * corr
	for k, p := range generics.SortedKeysAndValues(params) {
		g := p.Grad()
		if g == nil {
			continue
		}
		m, ok := a.m[k]
		if !ok || len(m) != len(g.Data) {
			m = make([]float32, len(g.Data))
			a.m[k] = m
		}
		v, ok := a.v[k]
		if !ok || len(v) != len(g.Data) {
			v = make([]float32, len(g.Data))
			a.v[k] = v
		}
		for i, grad := range g.Data {
			m[i] = a.beta1*m[i] + (1-a.beta1)*grad
			v[i] = a.beta2*v[i] + (1-a.beta2)*grad*grad
			p.Value.Data[i] -= lr * m[i] / (math32.Sqrt(v[i]) + a.eps)
			p.Value.Data[i] -= float32(a.lr) * a.weightDecay * p.Value.Data[i]
		}
		p.ZeroGrad()
	}
}

// LR implements Optimizer.
func (a *AdamW) LR() float64 { return a.lr }

// UpdateLearningRate implements Optimizer.
func (a *AdamW) UpdateLearningRate(ppl float64, epoch int) float64 {
	if a.startDecayAt > 0 && epoch >= a.startDecayAt {
		a.startDecay = true
	}
	if a.hasLastPpl && ppl > a.lastPpl {
		a.startDecay = true
	}
	if a.startDecay {
		a.lr *= a.decay
		klog.Infof("Decaying learning rate to %g", a.lr)
	}
	a.lastPpl = ppl
	a.hasLastPpl = true
	return a.lr
}

// State implements Optimizer.
func (a *AdamW) State() OptimizerState {
	return OptimizerState{Method: "adamw", LR: a.lr, Step: a.t, M: a.m, V: a.v}
}
