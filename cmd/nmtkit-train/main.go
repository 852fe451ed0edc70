// nmtkit-train runs the training loop on a synthetic copy task: the model
// learns to reproduce its input sequence. It exercises the full pipeline,
// from sharded loss computation and gradient accumulation to early stopping
// and checkpoint rotation.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/nmtkit/nmtkit/internal/checkpoint"
	"github.com/nmtkit/nmtkit/internal/config"
	"github.com/nmtkit/nmtkit/internal/data"
	"github.com/nmtkit/nmtkit/internal/loss"
	"github.com/nmtkit/nmtkit/internal/metrics"
	"github.com/nmtkit/nmtkit/internal/nn"
	"github.com/nmtkit/nmtkit/internal/parameters"
	"github.com/nmtkit/nmtkit/internal/profilers"
	"github.com/nmtkit/nmtkit/internal/stats"
	"github.com/nmtkit/nmtkit/internal/trainer"
)

// Flags
var (
	flagConfig = flag.String("config", "", "Path to a YAML configuration file. Empty uses defaults.")
	flagModel  = flag.String("model", "", "Model hyperparameters as comma-separated key=value pairs. "+
		"Supported: vocab, embed, hidden, min_len, max_len.")
	flagTrainBatches = flag.Int("train_batches", 200, "Synthetic training batches per epoch.")
	flagValidBatches = flag.Int("valid_batches", 20, "Synthetic validation batches.")
	flagResume       = flag.String("resume", "", "Checkpoint to restore weights from before training.")
	flagProgress     = flag.Bool("progress", true, "Show a per-epoch progress bar.")
)

// Globals
var (
	// globalCtx is cancelled on interrupt (ctrl+C) so profilers and
	// checkpointing can wind down cleanly.
	globalCtx = context.Background()
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	var globalCancel func()
	globalCtx, globalCancel = signal.NotifyContext(context.Background(), os.Interrupt)
	defer globalCancel()

	profilers.Setup(globalCtx)
	defer profilers.OnQuit()

	must.M(run())
}

// hyper holds the architecture knobs parsed from -model.
type hyper struct {
	vocab, embed, hidden int
	minLen, maxLen       int
}

func parseHyper(s string) (hyper, error) {
	params := parameters.FromString(s)
	var h hyper
	var err error
	if h.vocab, err = parameters.PopParamOr(params, "vocab", 32); err != nil {
		return h, err
	}
	if h.embed, err = parameters.PopParamOr(params, "embed", 16); err != nil {
		return h, err
	}
	if h.hidden, err = parameters.PopParamOr(params, "hidden", 32); err != nil {
		return h, err
	}
	if h.minLen, err = parameters.PopParamOr(params, "min_len", 4); err != nil {
		return h, err
	}
	if h.maxLen, err = parameters.PopParamOr(params, "max_len", 12); err != nil {
		return h, err
	}
	return h, parameters.AssertConsumed(params)
}

func run() error {
	cfg, err := config.Load(*flagConfig)
	if err != nil {
		return err
	}
	h, err := parseHyper(*flagModel)
	if err != nil {
		return err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	ds := &data.Dataset{
		Name:      "copy-task",
		VocabSize: h.vocab,
		PadID:     0,
		BosID:     1,
		EosID:     2,
	}
	trainBatches := data.CopyTask(ds, rng, *flagTrainBatches, cfg.BatchSize, h.minLen, h.maxLen)
	validBatches := data.CopyTask(ds, rng, *flagValidBatches, cfg.BatchSize, h.minLen, h.maxLen)

	model := nn.NewDecoder(h.vocab, h.embed, h.hidden, rng)
	gen := nn.NewGenerator(h.hidden, h.vocab, rng)
	crit := &nn.NLLCriterion{PadID: ds.PadID}

	lossOpts := loss.Options{
		ShardSize:       cfg.ShardSize,
		PadID:           ds.PadID,
		CoverageLoss:    cfg.LambdaCoverage > 0,
		LambdaCoverage:  float32(cfg.LambdaCoverage),
		ExhaustionLoss:  cfg.LambdaExhaust > 0,
		LambdaExhaust:   float32(cfg.LambdaExhaust),
		FertilityLoss:   cfg.LambdaFertility > 0,
		LambdaFertility: float32(cfg.LambdaFertility),
	}
	if lossOpts.ShardSize <= 0 {
		lossOpts.ShardSize = cfg.BatchSize
	}
	trainLoss, err := loss.New(gen, crit, lossOpts)
	if err != nil {
		return err
	}
	evalOpts := lossOpts
	evalOpts.Eval = true
	validLoss, err := loss.New(gen, crit, evalOpts)
	if err != nil {
		return err
	}

	optim, err := buildOptimizer(cfg)
	if err != nil {
		return err
	}

	normMethod, err := trainer.ParseNormMethod(cfg.NormMethod)
	if err != nil {
		return err
	}
	t, err := trainer.New(model, trainLoss, validLoss, optim, trainer.Config{
		TruncSize:      cfg.TruncSize,
		GradAccumCount: cfg.GradAccumCount,
		NormMethod:     normMethod,
		PadID:          ds.PadID,
	})
	if err != nil {
		return err
	}

	if *flagResume != "" {
		if err := restore(*flagResume, model, gen); err != nil {
			return err
		}
	}

	sink, meta, err := buildCheckpointing(cfg, ds)
	if err != nil {
		return err
	}
	est, err := trainer.NewEarlyStopping(t, sink, meta, cfg.EarlyStopTolerance, cfg.ValidateEvery, nil)
	if err != nil {
		return err
	}

	report := trainer.LogReporter(cfg.ReportEvery, metrics.Klog{})
	validIter := func() data.Iterator {
		return data.Prefetch(globalCtx, data.NewSliceIterator(ds, validBatches), 4)
	}

	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		if globalCtx.Err() != nil {
			klog.Info("Interrupted, stopping training")
			break
		}
		fmt.Printf("\nEpoch %d\n", epoch)
		rng.Shuffle(len(trainBatches), func(i, j int) {
			trainBatches[i], trainBatches[j] = trainBatches[j], trainBatches[i]
		})
		it := data.Prefetch(globalCtx, data.NewSliceIterator(ds, trainBatches), 4)

		epochReport := report
		if *flagProgress {
			bar := progressbar.Default(int64(len(trainBatches)/max(cfg.GradAccumCount, 1)),
				fmt.Sprintf("epoch %d", epoch))
			epochReport = func(r trainer.Report) *stats.Statistics {
				_ = bar.Add(1)
				return report(r)
			}
		}

		trainStats, validStats, err := est.TrainEpoch(it, epoch, validIter, epochReport)
		// Early stopping can leave the prefetcher mid-stream.
		it.Stop()
		if err != nil {
			return err
		}
		klog.Infof("Train perplexity: %g", trainStats.Ppl())
		klog.Infof("Train accuracy: %g", trainStats.Accuracy())

		if len(validStats) > 0 {
			last := validStats[len(validStats)-1]
			lr := t.EpochStep(last.Ppl(), epoch)
			klog.V(1).Infof("Learning rate after epoch %d: %g", epoch, lr)
		}
		if est.Stopped() {
			break
		}
	}

	klog.Infof("Best validation score: %g", est.Patience().BestScore())
	return nil
}

func buildOptimizer(cfg *config.Config) (nn.Optimizer, error) {
	switch cfg.Optimizer {
	case "adamw":
		return nn.NewAdamW(cfg.LearningRate, cfg.LearningRateDecay, cfg.StartDecayAt,
			float32(cfg.WeightDecay))
	default:
		return nn.NewSGD(cfg.LearningRate, cfg.LearningRateDecay, cfg.StartDecayAt)
	}
}

// buildCheckpointing returns the sink and run metadata. With save_model
// unset checkpoints go to a discard sink.
func buildCheckpointing(cfg *config.Config, ds *data.Dataset) (checkpoint.Sink, trainer.RunMeta, error) {
	opts, err := cfg.Marshal()
	if err != nil {
		return nil, trainer.RunMeta{}, err
	}
	meta := trainer.RunMeta{Options: opts, Fields: ds}
	if cfg.SaveModel == "" {
		klog.Warning("save_model is unset, checkpoints will not be written")
		return checkpoint.Discard{}, meta, nil
	}
	dir, prefix := filepath.Split(cfg.SaveModel)
	if dir == "" {
		dir = "."
	}
	sink, err := checkpoint.NewFileSink(dir, prefix, cfg.KeepCheckpoints)
	return sink, meta, err
}

func restore(path string, model *nn.Decoder, gen *nn.Generator) error {
	p, err := checkpoint.Load(path)
	if err != nil {
		return err
	}
	if err := checkpoint.Restore(p.Model, model.Parameters()); err != nil {
		return err
	}
	if err := checkpoint.Restore(p.Generator, gen.Parameters()); err != nil {
		return err
	}
	klog.Infof("Restored weights from %s (epoch %d)", path, p.Epoch)
	return nil
}
