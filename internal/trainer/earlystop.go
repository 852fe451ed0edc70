package trainer

import (
	"k8s.io/klog/v2"

	"github.com/nmtkit/nmtkit/internal/checkpoint"
	"github.com/nmtkit/nmtkit/internal/data"
	"github.com/nmtkit/nmtkit/internal/patience"
	"github.com/nmtkit/nmtkit/internal/stats"

	"github.com/pkg/errors"
)

// EarlyStoppingTrainer validates mid-epoch every validateEvery batches,
// saves checkpoints whenever the validation score improves and stops the
// epoch once patience runs out.
type EarlyStoppingTrainer struct {
	*Trainer
	patience      *patience.EarlyStopping
	sink          checkpoint.Sink
	meta          RunMeta
	validateEvery int

	// processed counts batches since the last validation, carried across
	// epochs so restarts of TrainEpoch keep the cadence.
	processed int
	stopped   bool
}

// NewEarlyStopping wraps a Trainer with mid-epoch validation.
func NewEarlyStopping(t *Trainer, sink checkpoint.Sink, meta RunMeta, tolerance, validateEvery int, scorer patience.Scorer) (*EarlyStoppingTrainer, error) {
	if t == nil {
		return nil, errors.New("trainer: nil trainer")
	}
	if validateEvery <= 0 {
		return nil, errors.Errorf("trainer: validateEvery must be > 0, got %d", validateEvery)
	}
	if sink == nil {
		return nil, errors.New("trainer: checkpoint sink must not be nil")
	}
	if tolerance < 0 {
		return nil, errors.Errorf("trainer: tolerance must be >= 0, got %d", tolerance)
	}
	return &EarlyStoppingTrainer{
		Trainer:       t,
		patience:      patience.New(tolerance, scorer),
		sink:          sink,
		meta:          meta,
		validateEvery: validateEvery,
	}, nil
}

// Patience exposes the early stopping state machine.
func (e *EarlyStoppingTrainer) Patience() *patience.EarlyStopping { return e.patience }

// Stopped reports whether a previous epoch already exhausted patience.
func (e *EarlyStoppingTrainer) Stopped() bool { return e.stopped }

// TrainEpoch mirrors Trainer.TrainEpoch but pauses for validation every
// validateEvery consumed batches. validIter builds a fresh validation
// iterator per pause; with a nil builder no early stopping happens. On an
// improving score the best checkpoint and an epoch checkpoint are written.
// When patience is exhausted the epoch stops early, after flushing any
// partially accumulated group. Returns training statistics and the
// statistics of every validation run performed.
func (e *EarlyStoppingTrainer) TrainEpoch(it data.Iterator, epoch int, validIter func() data.Iterator, report ReportFunc) (*stats.Statistics, []*stats.Statistics, error) {
	if validIter == nil {
		klog.Warning("No validation iterator given, early stopping is disabled for this epoch")
	}
	if e.stopped {
		klog.Infof("Skipping epoch %d, training already stopped", epoch)
		return stats.New(), nil, nil
	}

	totalStats := stats.New()
	reportStats := stats.New()
	var validStats []*stats.Statistics

	numGroups := -1
	if n, known := it.Len(); known {
		numGroups = (n + e.cfg.GradAccumCount - 1) / e.cfg.GradAccumCount
	}

	var group []*data.Batch
	var normalization float64
	idx := 0
	flush := func() error {
		if err := e.gradAccumulation(group, totalStats, reportStats, normalization); err != nil {
			return err
		}
		if report != nil {
			reportStats = report(Report{
				Epoch:        epoch,
				Group:        idx,
				NumGroups:    numGroups,
				ProgressStep: e.progressStep,
				Start:        totalStats.StartTime(),
				LR:           e.optim.LR(),
				Stats:        reportStats,
			})
			e.progressStep++
		}
		group = nil
		normalization = 0
		idx++
		return nil
	}

	for {
		b, ok := it.Next()
		if !ok {
			break
		}
		e.curDataset = it.CurDataset()
		group = append(group, b)
		normalization += e.batchNorm(b)
		if len(group) == e.cfg.GradAccumCount {
			if err := flush(); err != nil {
				return totalStats, validStats, err
			}
		}

		e.processed++
		if e.processed < e.validateEvery || validIter == nil {
			continue
		}
		e.processed = 0
		vs, err := e.runValidation(validIter, epoch)
		if vs != nil {
			validStats = append(validStats, vs)
		}
		if err != nil {
			return totalStats, validStats, err
		}
		if e.stopped {
			break
		}
	}
	if len(group) > 0 {
		if err := flush(); err != nil {
			return totalStats, validStats, err
		}
	}
	if perr, ok := it.(interface{ Err() error }); ok {
		if err := perr.Err(); err != nil {
			return totalStats, validStats, errors.WithMessage(err, "trainer: reading batches")
		}
	}
	// An epoch shorter than the validation cadence still advances the
	// patience machine once at its end.
	if len(validStats) == 0 && validIter != nil && !e.stopped {
		e.processed = 0
		vs, err := e.runValidation(validIter, epoch)
		if vs != nil {
			validStats = append(validStats, vs)
		}
		if err != nil {
			return totalStats, validStats, err
		}
	}
	return totalStats, validStats, nil
}

// runValidation scores the model on a fresh validation iterator, feeds the
// patience machine and writes checkpoints on improvement. Sets stopped when
// patience runs out.
func (e *EarlyStoppingTrainer) runValidation(validIter func() data.Iterator, epoch int) (*stats.Statistics, error) {
	vs, err := e.Validate(validIter())
	if err != nil {
		return nil, err
	}
	klog.Infof("Validation perplexity: %g", vs.Ppl())
	klog.Infof("Validation accuracy: %g", vs.Accuracy())

	e.patience.Observe(vs)
	if e.patience.HasStopped() {
		e.stopped = true
		return vs, nil
	}
	if e.patience.IsImproving() {
		if err := e.DropBestCheckpoint(e.sink, e.meta, epoch); err != nil {
			return vs, err
		}
		if err := e.DropCheckpoint(e.sink, e.meta, epoch, vs); err != nil {
			return vs, err
		}
	}
	return vs, nil
}
