package trainer

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmtkit/nmtkit/internal/checkpoint"
	"github.com/nmtkit/nmtkit/internal/data"
	"github.com/nmtkit/nmtkit/internal/loss"
	"github.com/nmtkit/nmtkit/internal/nn"
	"github.com/nmtkit/nmtkit/internal/stats"
	"github.com/nmtkit/nmtkit/internal/tensor"
)

const (
	testVocab  = 12
	testEmbed  = 4
	testHidden = 6
)

// recordOptimizer captures the gradients present at each Step call without
// touching the weights, so repeated passes over the same data stay
// comparable.
type recordOptimizer struct {
	steps []map[string][]float32
	lr    float64
}

func (r *recordOptimizer) Step(params map[string]*tensor.Variable) {
	snap := make(map[string][]float32)
	for name, p := range params {
		if g := p.Grad(); g != nil {
			snap[name] = append([]float32(nil), g.Data...)
		}
		p.ZeroGrad()
	}
	r.steps = append(r.steps, snap)
}

func (r *recordOptimizer) LR() float64 { return r.lr }

func (r *recordOptimizer) UpdateLearningRate(ppl float64, epoch int) float64 { return r.lr }

func (r *recordOptimizer) State() nn.OptimizerState {
	return nn.OptimizerState{Method: "record", LR: r.lr}
}

var _ nn.Optimizer = (*recordOptimizer)(nil)

func testDataset() *data.Dataset {
	return &data.Dataset{Name: "copy", VocabSize: testVocab, PadID: 0, BosID: 1, EosID: 2}
}

func testLosses(t *testing.T, gen *nn.Generator, shardSize int) (train, valid *loss.Compute) {
	t.Helper()
	crit := &nn.NLLCriterion{PadID: 0}
	train, err := loss.New(gen, crit, loss.Options{ShardSize: shardSize, PadID: 0})
	require.NoError(t, err)
	valid, err = loss.New(gen, crit, loss.Options{ShardSize: shardSize, PadID: 0, Eval: true})
	require.NoError(t, err)
	return train, valid
}

func buildTrainer(t *testing.T, cfg Config) (*Trainer, *nn.Decoder, *recordOptimizer) {
	t.Helper()
	rng := rand.New(rand.NewSource(17))
	model := nn.NewDecoder(testVocab, testEmbed, testHidden, rng)
	gen := nn.NewGenerator(testHidden, testVocab, rng)
	train, valid := testLosses(t, gen, 2)
	opt := &recordOptimizer{lr: 0.1}
	tr, err := New(model, train, valid, opt, cfg)
	require.NoError(t, err)
	return tr, model, opt
}

func TestNewValidatesConfiguration(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	model := nn.NewDecoder(testVocab, testEmbed, testHidden, rng)
	gen := nn.NewGenerator(testHidden, testVocab, rng)
	train, valid := testLosses(t, gen, 2)
	opt := &recordOptimizer{lr: 0.1}

	_, err := New(nil, train, valid, opt, Config{})
	require.Error(t, err)

	_, err = New(model, valid, valid, opt, Config{})
	require.ErrorContains(t, err, "training loss")

	_, err = New(model, train, train, opt, Config{})
	require.ErrorContains(t, err, "validation loss")

	// Accumulation across batches cannot coexist with truncation.
	_, err = New(model, train, valid, opt, Config{GradAccumCount: 2, TruncSize: 4})
	require.ErrorContains(t, err, "truncated")

	_, err = New(model, train, valid, opt, Config{GradAccumCount: 2})
	require.NoError(t, err)
}

func TestParseNormMethod(t *testing.T) {
	m, err := ParseNormMethod("sents")
	require.NoError(t, err)
	assert.Equal(t, NormSentences, m)

	m, err = ParseNormMethod("Tokens")
	require.NoError(t, err)
	assert.Equal(t, NormTokens, m)

	_, err = ParseNormMethod("chars")
	require.Error(t, err)
}

func TestTrainEpochStepsPerBatch(t *testing.T) {
	tr, _, opt := buildTrainer(t, Config{GradAccumCount: 1})
	ds := testDataset()
	batches := data.CopyTask(ds, rand.New(rand.NewSource(2)), 5, 2, 2, 4)

	var reports []Report
	st, err := tr.TrainEpoch(data.NewSliceIterator(ds, batches), 1, func(r Report) *stats.Statistics {
		reports = append(reports, r)
		return r.Stats
	})
	require.NoError(t, err)

	assert.Len(t, opt.steps, 5)
	require.Len(t, reports, 5)
	for i, r := range reports {
		assert.Equal(t, i, r.Group)
		assert.Equal(t, 5, r.NumGroups)
		assert.Equal(t, i, r.ProgressStep)
	}
	assert.Positive(t, st.NWords)
	assert.Positive(t, st.Loss)
}

func TestTrailingGroupIsFlushed(t *testing.T) {
	tr, _, opt := buildTrainer(t, Config{GradAccumCount: 2})
	ds := testDataset()
	batches := data.CopyTask(ds, rand.New(rand.NewSource(3)), 5, 2, 2, 4)

	var groups []int
	_, err := tr.TrainEpoch(data.NewSliceIterator(ds, batches), 1, func(r Report) *stats.Statistics {
		groups = append(groups, r.Group)
		assert.Equal(t, 3, r.NumGroups)
		return r.Stats
	})
	require.NoError(t, err)

	// Two full groups plus the trailing single-batch group.
	assert.Equal(t, []int{0, 1, 2}, groups)
	assert.Len(t, opt.steps, 3)
}

func TestAccumulationEquivalence(t *testing.T) {
	ds := testDataset()
	batches := data.CopyTask(ds, rand.New(rand.NewSource(5)), 4, 2, 2, 4)

	run := func(accum int) []map[string][]float32 {
		tr, _, opt := buildTrainer(t, Config{GradAccumCount: accum, NormMethod: NormSentences})
		_, err := tr.TrainEpoch(data.NewSliceIterator(ds, batches), 1, nil)
		require.NoError(t, err)
		return opt.steps
	}

	perBatch := run(1)
	grouped := run(4)
	require.Len(t, perBatch, 4)
	require.Len(t, grouped, 1)

	// Per-batch normalization is batch size, grouped normalization is the
	// group's total, so the grouped gradient times the group count must
	// equal the sum of the per-batch gradients.
	for name, g4 := range grouped[0] {
		sum := make([]float32, len(g4))
		for _, step := range perBatch {
			require.Contains(t, step, name)
			for i, x := range step[name] {
				sum[i] += x
			}
		}
		for i := range sum {
			assert.InDelta(t, sum[i], 4*g4[i], 1e-4, "parameter %s index %d", name, i)
		}
	}
}

// windowRecorder wraps a model and records every Run window and whether the
// carried state still requires gradients.
type windowRecorder struct {
	nn.Model
	windows  [][2]int
	carried  []bool // per window: was a carried state passed in?
	attached []bool // per carried state: does it still require gradients?
}

func (w *windowRecorder) Run(g *tensor.Graph, in nn.ModelInputs, from, to int, st nn.State) (*nn.Output, error) {
	w.windows = append(w.windows, [2]int{from, to})
	w.carried = append(w.carried, st != nil)
	if ds, ok := st.(*nn.DecoderState); ok && ds != nil {
		w.attached = append(w.attached, ds.H.RequiresGrad)
	}
	return w.Model.Run(g, in, from, to, st)
}

func TestTruncatedBPTTWindows(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	model := &windowRecorder{Model: nn.NewDecoder(testVocab, testEmbed, testHidden, rng)}
	gen := nn.NewGenerator(testHidden, testVocab, rng)
	train, valid := testLosses(t, gen, 2)
	tr, err := New(model, train, valid, &recordOptimizer{lr: 0.1}, Config{TruncSize: 4})
	require.NoError(t, err)

	ds := testDataset()
	// One batch with a 10-step target: BOS + 8 tokens + EOS.
	batches := data.CopyTask(ds, rand.New(rand.NewSource(8)), 1, 2, 8, 8)
	require.Equal(t, 10, batches[0].TargetLen())

	_, err = tr.TrainEpoch(data.NewSliceIterator(ds, batches), 1, nil)
	require.NoError(t, err)

	assert.Equal(t, [][2]int{{0, 4}, {4, 8}, {8, 10}}, model.windows)
	assert.Equal(t, []bool{false, true, true}, model.carried)
	// Carried state is detached: no gradient flows across window
	// boundaries.
	assert.Equal(t, []bool{false, false}, model.attached)
}

// modeRecorder tracks SetTrain transitions.
type modeRecorder struct {
	nn.Model
	modes []bool
}

func (m *modeRecorder) SetTrain(train bool) {
	m.modes = append(m.modes, train)
	m.Model.SetTrain(train)
}

func TestValidateRestoresTrainingMode(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	model := &modeRecorder{Model: nn.NewDecoder(testVocab, testEmbed, testHidden, rng)}
	gen := nn.NewGenerator(testHidden, testVocab, rng)
	train, valid := testLosses(t, gen, 2)
	tr, err := New(model, train, valid, &recordOptimizer{lr: 0.1}, Config{})
	require.NoError(t, err)

	ds := testDataset()
	batches := data.CopyTask(ds, rand.New(rand.NewSource(10)), 2, 2, 2, 4)
	st, err := tr.Validate(data.NewSliceIterator(ds, batches))
	require.NoError(t, err)

	assert.Positive(t, st.NWords)
	// Construction sets train, Validate toggles eval then back.
	assert.Equal(t, []bool{true, false, true}, model.modes)
}

func TestValidateBuildsNoGradients(t *testing.T) {
	tr, model, opt := buildTrainer(t, Config{})
	ds := testDataset()
	batches := data.CopyTask(ds, rand.New(rand.NewSource(11)), 2, 2, 2, 4)

	_, err := tr.Validate(data.NewSliceIterator(ds, batches))
	require.NoError(t, err)

	assert.Empty(t, opt.steps)
	for name, p := range model.Parameters() {
		g := p.Grad()
		if g == nil {
			continue
		}
		for _, x := range g.Data {
			assert.Zero(t, x, "parameter %s has gradient after validation", name)
		}
	}
}

// memorySink records checkpoint payloads in memory.
type memorySink struct {
	saves []*checkpoint.Payload
	bests []*checkpoint.Payload
}

func (m *memorySink) Save(p *checkpoint.Payload, valid *stats.Statistics) error {
	m.saves = append(m.saves, p)
	return nil
}

func (m *memorySink) SaveBest(p *checkpoint.Payload) error {
	m.bests = append(m.bests, p)
	return nil
}

var _ checkpoint.Sink = (*memorySink)(nil)

func TestDropCheckpointPayload(t *testing.T) {
	tr, model, _ := buildTrainer(t, Config{})
	ds := testDataset()
	sink := &memorySink{}
	meta := RunMeta{Options: []byte("run"), Fields: ds}

	require.NoError(t, tr.DropCheckpoint(sink, meta, 3, &stats.Statistics{Loss: 1, NWords: 1}))
	require.Len(t, sink.saves, 1)

	p := sink.saves[0]
	assert.Equal(t, 3, p.Epoch)
	assert.Equal(t, []byte("run"), p.Options)
	assert.Same(t, ds, p.Vocab)
	assert.Equal(t, "record", p.Optim.Method)
	assert.Len(t, p.Model, len(model.Parameters()))
	assert.Len(t, p.Generator, 2)

	// Snapshots are deep copies, not views of the live weights.
	w := model.Parameters()["decoder.Wx"]
	before := p.Model["decoder.Wx"].Data[0]
	w.Value.Data[0] += 42
	assert.Equal(t, before, p.Model["decoder.Wx"].Data[0])
}

func TestEarlyStoppingSavesOnImprovementAndStops(t *testing.T) {
	tr, _, _ := buildTrainer(t, Config{GradAccumCount: 2})
	ds := testDataset()
	sink := &memorySink{}

	// Scripted validation scores: improve, improve, then a worsening that
	// exhausts a zero tolerance.
	scores := []float64{5, 4, 7}
	scorer := func(*stats.Statistics) float64 {
		s := scores[0]
		scores = scores[1:]
		return s
	}
	est, err := NewEarlyStopping(tr, sink, RunMeta{Fields: ds}, 0, 1, scorer)
	require.NoError(t, err)

	trainBatches := data.CopyTask(ds, rand.New(rand.NewSource(12)), 6, 2, 2, 4)
	validBatches := data.CopyTask(ds, rand.New(rand.NewSource(13)), 1, 2, 2, 4)
	validIter := func() data.Iterator { return data.NewSliceIterator(ds, validBatches) }

	var groups []int
	st, validStats, err := est.TrainEpoch(data.NewSliceIterator(ds, trainBatches), 1, validIter,
		func(r Report) *stats.Statistics {
			groups = append(groups, r.Group)
			return r.Stats
		})
	require.NoError(t, err)

	// Stopped after the third batch's validation; the half-filled second
	// group is still flushed.
	assert.True(t, est.Stopped())
	require.Len(t, validStats, 3)
	assert.Equal(t, []int{0, 1}, groups)
	assert.Positive(t, st.NWords)

	// Two improvements, each writing best plus an epoch checkpoint.
	assert.Len(t, sink.bests, 2)
	assert.Len(t, sink.saves, 2)
	assert.Equal(t, 4.0, est.Patience().BestScore())
}

func TestEarlyStoppingSkipsEpochsAfterStop(t *testing.T) {
	tr, _, _ := buildTrainer(t, Config{})
	ds := testDataset()
	sink := &memorySink{}

	scores := []float64{5, 6}
	scorer := func(*stats.Statistics) float64 {
		s := scores[0]
		scores = scores[1:]
		return s
	}
	est, err := NewEarlyStopping(tr, sink, RunMeta{Fields: ds}, 0, 1, scorer)
	require.NoError(t, err)

	trainBatches := data.CopyTask(ds, rand.New(rand.NewSource(14)), 3, 2, 2, 4)
	validBatches := data.CopyTask(ds, rand.New(rand.NewSource(15)), 1, 2, 2, 4)
	validIter := func() data.Iterator { return data.NewSliceIterator(ds, validBatches) }

	_, _, err = est.TrainEpoch(data.NewSliceIterator(ds, trainBatches), 1, validIter, nil)
	require.NoError(t, err)
	require.True(t, est.Stopped())

	st, validStats, err := est.TrainEpoch(data.NewSliceIterator(ds, trainBatches), 2, validIter, nil)
	require.NoError(t, err)
	assert.Empty(t, validStats)
	assert.Zero(t, st.NWords)
}

func TestEarlyStoppingWithoutValidIterRunsFullEpoch(t *testing.T) {
	tr, _, opt := buildTrainer(t, Config{})
	ds := testDataset()
	est, err := NewEarlyStopping(tr, &memorySink{}, RunMeta{Fields: ds}, 1, 2, nil)
	require.NoError(t, err)

	batches := data.CopyTask(ds, rand.New(rand.NewSource(16)), 4, 2, 2, 4)
	_, validStats, err := est.TrainEpoch(data.NewSliceIterator(ds, batches), 1, nil, nil)
	require.NoError(t, err)

	assert.Empty(t, validStats)
	assert.Len(t, opt.steps, 4)
	assert.False(t, est.Stopped())
}

func TestEarlyStoppingValidatesAtEpochEndWhenCadenceNotReached(t *testing.T) {
	tr, _, _ := buildTrainer(t, Config{})
	ds := testDataset()
	sink := &memorySink{}

	scorer := func(*stats.Statistics) float64 { return 5 }
	est, err := NewEarlyStopping(tr, sink, RunMeta{Fields: ds}, 1, 10, scorer)
	require.NoError(t, err)

	// Three batches never reach the cadence of ten, so validation runs
	// once at the end of the epoch.
	batches := data.CopyTask(ds, rand.New(rand.NewSource(21)), 3, 2, 2, 4)
	validBatches := data.CopyTask(ds, rand.New(rand.NewSource(22)), 1, 2, 2, 4)
	validIter := func() data.Iterator { return data.NewSliceIterator(ds, validBatches) }

	_, validStats, err := est.TrainEpoch(data.NewSliceIterator(ds, batches), 1, validIter, nil)
	require.NoError(t, err)

	require.Len(t, validStats, 1)
	assert.Equal(t, 5.0, est.Patience().BestScore())
	assert.Len(t, sink.bests, 1)
	assert.Len(t, sink.saves, 1)
	assert.False(t, est.Stopped())
}

func TestEpochStepDelegatesToOptimizer(t *testing.T) {
	rng := rand.New(rand.NewSource(20))
	model := nn.NewDecoder(testVocab, testEmbed, testHidden, rng)
	gen := nn.NewGenerator(testHidden, testVocab, rng)
	train, valid := testLosses(t, gen, 2)
	sgd, err := nn.NewSGD(1.0, 0.5, 0)
	require.NoError(t, err)
	tr, err := New(model, train, valid, sgd, Config{})
	require.NoError(t, err)

	assert.Equal(t, 1.0, tr.EpochStep(10, 1))
	// Worsening perplexity triggers the decay schedule.
	assert.Equal(t, 0.5, tr.EpochStep(11, 2))
}
