// Package stats implements the mergeable running counters of a training run:
// loss, regularization, token and correct-prediction counts, elapsed time.
package stats

import (
	"math"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/nmtkit/nmtkit/internal/metrics"
)

// Statistics accumulates loss statistics over some interval (a report
// window, an epoch, a validation run). Update is field-wise addition, so
// merging is associative and commutative and a fresh Statistics is the
// identity element.
type Statistics struct {
	Loss      float64
	Reg       float64
	NWords    int
	NCorrect  int
	NSrcWords int

	start time.Time
}

// New returns an empty Statistics with the clock started.
func New() *Statistics {
	return &Statistics{start: time.Now()}
}

// Update adds other's counters into s. The elapsed-time clock and source
// word count of other are not merged; NSrcWords is accumulated by the
// training loop directly, matching the reporting semantics of the loss
// counters' origin.
func (s *Statistics) Update(other *Statistics) {
	s.Loss += other.Loss
	s.Reg += other.Reg
	s.NWords += other.NWords
	s.NCorrect += other.NCorrect
}

// Accuracy returns 100 * NCorrect / NWords. It panics if no token has been
// scored yet: substituting a default here would mask empty-batch bugs, so
// callers must guard.
func (s *Statistics) Accuracy() float64 {
	if s.NWords == 0 {
		exceptions.Panicf("stats.Accuracy: no tokens scored")
	}
	return 100 * float64(s.NCorrect) / float64(s.NWords)
}

// Xent returns the per-token cross entropy. Panics when NWords is zero, like
// Accuracy.
func (s *Statistics) Xent() float64 {
	if s.NWords == 0 {
		exceptions.Panicf("stats.Xent: no tokens scored")
	}
	return s.Loss / float64(s.NWords)
}

// Ppl returns the perplexity exp(min(loss/words, 100)). The cap bounds
// numerical overflow from runaway loss early in training.
func (s *Statistics) Ppl() float64 {
	return math.Exp(math.Min(s.Xent(), 100))
}

// ElapsedTime returns the wall-clock time since construction.
func (s *Statistics) ElapsedTime() time.Duration {
	return time.Since(s.start)
}

// StartTime returns the construction time.
func (s *Statistics) StartTime() time.Time { return s.start }

// Output writes one progress line for the interval. nGroups < 0 means the
// total is unknown (dynamic batching).
func (s *Statistics) Output(epoch, group, nGroups int, epochStart time.Time) {
	t := s.ElapsedTime().Seconds() + 1e-5
	total := "?"
	if nGroups >= 0 {
		total = humanize.Comma(int64(nGroups))
	}
	klog.Infof("Epoch %2d, %5d/%5s; acc: %6.2f; ppl: %6.2f; xent: %6.2f; reg: %6.2f; "+
		"%3.0f src tok/s; %3.0f tgt tok/s; %6.0f s elapsed",
		epoch, group, total,
		s.Accuracy(), s.Ppl(), s.Xent(), s.Reg,
		float64(s.NSrcWords)/t, float64(s.NWords)/t,
		time.Since(epochStart).Seconds())
}

// Log emits the interval's scalars to a metric sink under the given prefix.
func (s *Statistics) Log(prefix string, sink metrics.Sink, lr float64, step int) {
	t := s.ElapsedTime().Seconds() + 1e-5
	sink.Emit(prefix+"_ppl", s.Ppl(), step)
	sink.Emit(prefix+"_accuracy", s.Accuracy(), step)
	sink.Emit(prefix+"_tgtper", float64(s.NWords)/t, step)
	sink.Emit(prefix+"_lr", lr, step)
}
