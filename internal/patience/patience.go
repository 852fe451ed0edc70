// Package patience implements the early-stopping state machine: it tracks
// the best validation score seen so far and the remaining tolerance, and
// emits the IMPROVING / DECREASING / STOPPED transitions that gate
// checkpoint writes and training termination.
package patience

import (
	"math"

	"k8s.io/klog/v2"

	"github.com/nmtkit/nmtkit/internal/stats"
)

// Status is the current verdict of the patience machine.
type Status int

const (
	// Improving means the last observed score set a new best.
	Improving Status = iota
	// Decreasing means scores have worsened but tolerance remains.
	Decreasing
	// Stopped is terminal: tolerance was exhausted and another worse score
	// arrived. There is no reset; a stopped run stays stopped.
	Stopped
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case Improving:
		return "IMPROVING"
	case Decreasing:
		return "DECREASING"
	case Stopped:
		return "STOPPED"
	}
	return "UNKNOWN"
}

// Scorer maps validation statistics to a lower-is-better score.
type Scorer func(*stats.Statistics) float64

// Perplexity is the default scorer.
func Perplexity(s *stats.Statistics) float64 { return s.Ppl() }

// EarlyStopping tracks the best score and remaining tolerance across
// validation runs. The zero value is not usable; construct with New.
type EarlyStopping struct {
	tolerance int
	remaining int
	best      float64
	last      float64
	scorer    Scorer
	status    Status
}

// New returns a patience machine with the given tolerance. A nil scorer
// defaults to perplexity.
func New(tolerance int, scorer Scorer) *EarlyStopping {
	if scorer == nil {
		scorer = Perplexity
	}
	return &EarlyStopping{
		tolerance: tolerance,
		remaining: tolerance,
		best:      math.Inf(1),
		last:      math.Inf(1),
		scorer:    scorer,
		status:    Improving,
	}
}

// Observe feeds one validation run through the machine and returns the new
// status. An Improving verdict is the signal to save the best checkpoint
// now.
func (e *EarlyStopping) Observe(valid *stats.Statistics) Status {
	return e.ObserveScore(e.scorer(valid))
}

// ObserveScore is Observe for a raw score.
func (e *EarlyStopping) ObserveScore(score float64) Status {
	if e.status == Stopped {
		return Stopped
	}
	switch {
	case score < e.best:
		klog.Infof("Model is improving: %g --> %g", e.best, score)
		e.best = score
		e.remaining = e.tolerance
		e.status = Improving
	case score == e.best || score == e.last:
		// A score matching the best or simply repeating the previous
		// observation consumes no tolerance.
	default:
		if e.remaining > 0 {
			e.remaining--
			e.status = Decreasing
			klog.Infof("Decreasing patience: %d/%d", e.remaining, e.tolerance)
		} else {
			e.status = Stopped
			klog.Infof("Training finished. Early stop! Best validation score %g", e.best)
		}
	}
	e.last = score
	return e.status
}

// IsImproving reports whether the last observation set a new best.
func (e *EarlyStopping) IsImproving() bool { return e.status == Improving }

// HasStopped reports whether tolerance is exhausted for good.
func (e *EarlyStopping) HasStopped() bool { return e.status == Stopped }

// BestScore returns the best score observed, +Inf before any observation.
func (e *EarlyStopping) BestScore() float64 { return e.best }

// Remaining returns the tolerance left.
func (e *EarlyStopping) Remaining() int { return e.remaining }
