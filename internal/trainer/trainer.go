// Package trainer drives the training loop: gradient accumulation over
// batch groups, truncated back-propagation through time, validation and
// checkpoint dropping.
package trainer

import (
	"maps"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/nmtkit/nmtkit/internal/checkpoint"
	"github.com/nmtkit/nmtkit/internal/data"
	"github.com/nmtkit/nmtkit/internal/generics"
	"github.com/nmtkit/nmtkit/internal/loss"
	"github.com/nmtkit/nmtkit/internal/metrics"
	"github.com/nmtkit/nmtkit/internal/nn"
	"github.com/nmtkit/nmtkit/internal/stats"
	"github.com/nmtkit/nmtkit/internal/tensor"
)

// NormMethod selects the quantity loss gradients are divided by before the
// backward pass.
type NormMethod int

const (
	// NormSentences divides by the number of sequences in the group.
	NormSentences NormMethod = iota
	// NormTokens divides by the number of non-padding target tokens.
	NormTokens
)

// ParseNormMethod converts a configuration string to a NormMethod.
func ParseNormMethod(s string) (NormMethod, error) {
	switch strings.ToLower(s) {
	case "sents", "sentences":
		return NormSentences, nil
	case "tokens":
		return NormTokens, nil
	}
	return 0, errors.Errorf("trainer: unknown normalization method %q, want sents or tokens", s)
}

// Config holds the loop parameters that stay fixed for a training run.
type Config struct {
	// TruncSize splits each sequence into windows of this many target
	// positions, detaching the recurrent state between windows. Zero
	// disables truncation.
	TruncSize int
	// GradAccumCount batches this many micro-batches into one optimizer
	// step. Values above one are incompatible with truncation.
	GradAccumCount int
	NormMethod     NormMethod
	PadID          int32
}

// RunMeta carries run level information that is persisted alongside model
// weights in checkpoints.
type RunMeta struct {
	// Options is an opaque serialized copy of the run configuration.
	Options []byte
	// Fields overrides the vocabulary stored in checkpoints. When nil the
	// dataset of the most recently consumed batch is used.
	Fields *data.Dataset
}

// Trainer owns one model, its losses and optimizer, and runs epochs over
// batch iterators. It is not safe for concurrent use.
type Trainer struct {
	model      nn.Model
	trainLoss  *loss.Compute
	validLoss  *loss.Compute
	optim      nn.Optimizer
	cfg        Config
	curDataset *data.Dataset

	// progressStep counts reported groups across epochs, used as the step
	// axis for metric sinks.
	progressStep int
}

// New validates the configuration and puts the model in training mode.
func New(model nn.Model, trainLoss, validLoss *loss.Compute, optim nn.Optimizer, cfg Config) (*Trainer, error) {
	if model == nil {
		return nil, errors.New("trainer: model must not be nil")
	}
	if trainLoss == nil || validLoss == nil {
		return nil, errors.New("trainer: both training and validation losses must be set")
	}
	if optim == nil {
		return nil, errors.New("trainer: optimizer must not be nil")
	}
	if trainLoss.Eval() {
		return nil, errors.New("trainer: training loss is configured for evaluation")
	}
	if !validLoss.Eval() {
		return nil, errors.New("trainer: validation loss must be configured for evaluation")
	}
	if cfg.GradAccumCount <= 0 {
		cfg.GradAccumCount = 1
	}
	if cfg.TruncSize < 0 {
		return nil, errors.Errorf("trainer: truncation size must be >= 0, got %d", cfg.TruncSize)
	}
	if cfg.GradAccumCount > 1 && cfg.TruncSize != 0 {
		return nil, errors.New("trainer: gradient accumulation cannot be combined with truncated BPTT")
	}
	model.SetTrain(true)
	t := &Trainer{
		model:     model,
		trainLoss: trainLoss,
		validLoss: validLoss,
		optim:     optim,
		cfg:       cfg,
	}
	return t, nil
}

// Optimizer returns the optimizer the trainer steps.
func (t *Trainer) Optimizer() nn.Optimizer { return t.optim }

// TrainEpoch consumes the iterator once, stepping the optimizer every
// GradAccumCount batches. A trailing group smaller than GradAccumCount is
// still flushed. report, when non nil, is invoked after every optimizer
// step and returns the statistics object to accumulate into next.
func (t *Trainer) TrainEpoch(it data.Iterator, epoch int, report ReportFunc) (*stats.Statistics, error) {
	totalStats := stats.New()
	reportStats := stats.New()

	numGroups := -1
	if n, known := it.Len(); known {
		numGroups = (n + t.cfg.GradAccumCount - 1) / t.cfg.GradAccumCount
	}

	var group []*data.Batch
	var normalization float64
	idx := 0
	flush := func() error {
		if err := t.gradAccumulation(group, totalStats, reportStats, normalization); err != nil {
			return err
		}
		if report != nil {
			reportStats = report(Report{
				Epoch:        epoch,
				Group:        idx,
				NumGroups:    numGroups,
				ProgressStep: t.progressStep,
				Start:        totalStats.StartTime(),
				LR:           t.optim.LR(),
				Stats:        reportStats,
			})
			t.progressStep++
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
		t.curDataset = it.CurDataset()
		group = append(group, b)
		normalization += t.batchNorm(b)
		if len(group) == t.cfg.GradAccumCount {
			if err := flush(); err != nil {
				return totalStats, err
			}
		}
	}
	if len(group) > 0 {
		if err := flush(); err != nil {
			return totalStats, err
		}
	}
	if perr, ok := it.(interface{ Err() error }); ok {
		if err := perr.Err(); err != nil {
			return totalStats, errors.WithMessage(err, "trainer: reading batches")
		}
	}
	return totalStats, nil
}

func (t *Trainer) batchNorm(b *data.Batch) float64 {
	if t.cfg.NormMethod == NormTokens {
		return float64(b.NumTargetTokens(t.cfg.PadID))
	}
	return float64(b.Size)
}

// gradAccumulation runs forward and backward passes for one group and
// applies exactly one optimizer step per window (GradAccumCount == 1) or
// one step for the whole group.
func (t *Trainer) gradAccumulation(group []*data.Batch, total, report *stats.Statistics, normalization float64) error {
	params := t.parameters()
	if t.cfg.GradAccumCount > 1 {
		zeroGrads(params)
	}
	for _, b := range group {
		in, err := t.model.PrepareInputs(b)
		if err != nil {
			return errors.WithMessage(err, "trainer: preparing model inputs")
		}
		report.NSrcWords += generics.SliceSum(b.SrcLengths)

		targetLen := b.TargetLen()
		trunc := t.cfg.TruncSize
		if trunc <= 0 {
			trunc = targetLen
		}
		var state nn.State
		for j := 0; j < targetLen; j += trunc {
			end := min(j+trunc, targetLen)
			if t.cfg.GradAccumCount == 1 {
				zeroGrads(params)
			}
			g := tensor.NewGraph(true)
			out, err := t.model.Run(g, in, j, end, state)
			if err != nil {
				return errors.WithMessagef(err, "trainer: forward pass over window [%d, %d)", j, end)
			}
			batchStats, buf, err := t.trainLoss.Compute(windowVars(b, out, j, end, t.cfg.PadID), normalization)
			if err != nil {
				return errors.WithMessagef(err, "trainer: loss over window [%d, %d)", j, end)
			}
			g.BackwardGrads(buf.Inputs, buf.Grads)
			if t.cfg.GradAccumCount == 1 {
				t.optim.Step(params)
			}
			total.Update(batchStats)
			report.Update(batchStats)

			state = out.State
			if state != nil {
				state = state.Detach()
			}
		}
	}
	if t.cfg.GradAccumCount > 1 {
		t.optim.Step(params)
	}
	return nil
}

// windowVars assembles the loss inputs for target positions [from, to).
func windowVars(b *data.Batch, out *nn.Output, from, to int, padID int32) loss.Vars {
	return loss.Vars{
		Output:        out.Output,
		Target:        b.TargetWindow(from, to, padID),
		Attention:     out.Attns.Attention,
		Coverage:      out.Attns.Coverage,
		UpperBounds:   out.Attns.UpperBounds,
		FertilityPred: out.Attns.FertilityPred,
		FertilityTrue: out.Attns.FertilityTrue,
		Alignment:     b.AlignmentWindow(from, to),
	}
}

// Validate runs the evaluation loss over the iterator without building
// gradients, restoring training mode afterwards.
func (t *Trainer) Validate(it data.Iterator) (*stats.Statistics, error) {
	t.model.SetTrain(false)
	defer t.model.SetTrain(true)

	st := stats.New()
	for {
		b, ok := it.Next()
		if !ok {
			break
		}
		t.curDataset = it.CurDataset()
		in, err := t.model.PrepareInputs(b)
		if err != nil {
			return st, errors.WithMessage(err, "trainer: preparing validation inputs")
		}
		g := tensor.NewGraph(false)
		out, err := t.model.Run(g, in, 0, b.TargetLen(), nil)
		if err != nil {
			return st, errors.WithMessage(err, "trainer: validation forward pass")
		}
		batchStats, _, err := t.validLoss.Compute(windowVars(b, out, 0, b.TargetLen(), t.cfg.PadID), 1)
		if err != nil {
			return st, errors.WithMessage(err, "trainer: validation loss")
		}
		st.NSrcWords += generics.SliceSum(b.SrcLengths)
		st.Update(batchStats)
	}
	if perr, ok := it.(interface{ Err() error }); ok {
		if err := perr.Err(); err != nil {
			return st, errors.WithMessage(err, "trainer: reading validation batches")
		}
	}
	return st, nil
}

// EpochStep feeds the validation perplexity to the optimizer's learning
// rate schedule and returns the resulting rate.
func (t *Trainer) EpochStep(validPpl float64, epoch int) float64 {
	return t.optim.UpdateLearningRate(validPpl, epoch)
}

// DropCheckpoint persists the current weights under a name derived from
// the validation statistics.
func (t *Trainer) DropCheckpoint(sink checkpoint.Sink, meta RunMeta, epoch int, valid *stats.Statistics) error {
	return sink.Save(t.payload(meta, epoch), valid)
}

// DropBestCheckpoint persists the current weights under the stable best
// model name, overwriting any previous best.
func (t *Trainer) DropBestCheckpoint(sink checkpoint.Sink, meta RunMeta, epoch int) error {
	return sink.SaveBest(t.payload(meta, epoch))
}

func (t *Trainer) payload(meta RunMeta, epoch int) *checkpoint.Payload {
	var gen map[string]*tensor.Tensor
	if pg, ok := t.trainLoss.Generator().(parameterized); ok {
		gen = checkpoint.Snapshot(pg.Parameters())
	}
	fields := meta.Fields
	if fields == nil {
		fields = t.curDataset
	}
	return &checkpoint.Payload{
		Epoch:     epoch,
		Model:     checkpoint.Snapshot(t.model.Parameters()),
		Generator: gen,
		Vocab:     fields,
		Options:   meta.Options,
		Optim:     t.optim.State(),
	}
}

type parameterized interface {
	Parameters() map[string]*tensor.Variable
}

// parameters merges model and generator weights so the optimizer updates
// both in one step.
func (t *Trainer) parameters() map[string]*tensor.Variable {
	params := maps.Clone(t.model.Parameters())
	if pg, ok := t.trainLoss.Generator().(parameterized); ok {
		maps.Copy(params, pg.Parameters())
	}
	return params
}

func zeroGrads(params map[string]*tensor.Variable) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// Report describes one completed optimizer step for progress reporting.
type Report struct {
	Epoch int
	// Group indexes the optimizer step within the epoch.
	Group int
	// NumGroups is the expected total, or -1 when the iterator length is
	// unknown.
	NumGroups int
	// ProgressStep counts steps across epochs.
	ProgressStep int
	// Start is when the epoch began.
	Start time.Time
	LR    float64
	Stats *stats.Statistics
}

// ReportFunc consumes a Report and returns the statistics object to keep
// accumulating into. Returning a fresh object resets the reporting window.
type ReportFunc func(r Report) *stats.Statistics

// LogReporter returns a ReportFunc that prints progress every `every`
// optimizer steps and emits metrics to sink when one is given.
func LogReporter(every int, sink metrics.Sink) ReportFunc {
	return func(r Report) *stats.Statistics {
		if every <= 0 || (r.Group+1)%every != 0 {
			return r.Stats
		}
		r.Stats.Output(r.Epoch, r.Group+1, r.NumGroups, r.Start)
		if sink != nil {
			r.Stats.Log("progress", sink, r.LR, r.ProgressStep)
		}
		return stats.New()
	}
}
