// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/gomlx/webshopil/pkg/accelerate"
	"github.com/gomlx/webshopil/pkg/dataset"
	"github.com/gomlx/webshopil/pkg/scorer"
	"github.com/gomlx/webshopil/pkg/trajectories"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	fakeStateFile   = "fake_state"
	fakeWeightsFile = "fake_weights"
)

// fakeScorer records the calls made by the Trainer. Examples are identified by their first state token.
type fakeScorer struct {
	// wrongFrom mispredicts examples with id >= wrongFrom, if positive.
	wrongFrom int32

	// nanAt returns a NaN loss at the given training forward call (1-based), if positive.
	nanAt int

	trainForwards  int
	trainedIDs     []int32
	backwardScales []float64
	pending        int
	pendingAtStep  []int
	learningRates  []float64
	zeroGrads      int
	steps          int
	savedState     []string
	savedWeights   []string
	loadedFrom     string
}

var _ scorer.Interface = (*fakeScorer)(nil)

func (f *fakeScorer) Forward(batch *dataset.Batch, training bool) (*scorer.Output, error) {
	out := &scorer.Output{Loss: 0.5, Logits: make([][]float32, batch.Size())}
	for ii := range batch.Size() {
		id := batch.StateIDs[ii][0]
		count := batch.Counts[ii]
		target := batch.Labels[ii]
		if f.wrongFrom > 0 && id >= f.wrongFrom {
			target = (target + 1) % count
		}
		out.Logits[ii] = make([]float32, count)
		out.Logits[ii][target] = 1
		if training {
			f.trainedIDs = append(f.trainedIDs, id)
		}
	}
	if training {
		f.trainForwards++
		if f.trainForwards == f.nanAt {
			out.Loss = math.NaN()
		}
	}
	return out, nil
}

func (f *fakeScorer) Backward(scale float64) error {
	f.backwardScales = append(f.backwardScales, scale)
	f.pending++
	return nil
}

func (f *fakeScorer) Step(learningRate float64) error {
	if f.pending == 0 {
		return errors.New("optimizer step without gradients")
	}
	f.pendingAtStep = append(f.pendingAtStep, f.pending)
	f.pending = 0
	f.steps++
	f.learningRates = append(f.learningRates, learningRate)
	return nil
}

func (f *fakeScorer) ZeroGrad() error {
	f.zeroGrads++
	return nil
}

func (f *fakeScorer) writeFile(dir, name string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), []byte(strconv.Itoa(f.steps)), 0o644)
}

func (f *fakeScorer) SaveState(dir string) error {
	f.savedState = append(f.savedState, dir)
	return f.writeFile(dir, fakeStateFile)
}

func (f *fakeScorer) SaveWeights(dir string) error {
	f.savedWeights = append(f.savedWeights, dir)
	return f.writeFile(dir, fakeWeightsFile)
}

func (f *fakeScorer) LoadState(dir string) error {
	f.loadedFrom = dir
	data, err := os.ReadFile(filepath.Join(dir, fakeStateFile))
	if os.IsNotExist(err) {
		_, err = os.Stat(filepath.Join(dir, fakeWeightsFile))
		return err
	}
	if err != nil {
		return err
	}
	f.steps, err = strconv.Atoi(string(data))
	return err
}

// memorySink keeps the reported metrics.
type memorySink struct {
	steps   []int
	metrics []Metrics
}

func (s *memorySink) Log(step int, metrics Metrics) error {
	s.steps = append(s.steps, step)
	s.metrics = append(s.metrics, metrics)
	return nil
}

func (s *memorySink) Close() error { return nil }

// countWith returns how many reports include the named metric.
func (s *memorySink) countWith(name string) int {
	count := 0
	for _, m := range s.metrics {
		if _, found := m[name]; found {
			count++
		}
	}
	return count
}

// makeExamples creates numExamples examples with 4 candidates each, whose state is the example id.
func makeExamples(numExamples int) []*dataset.Example {
	examples := make([]*dataset.Example, numExamples)
	for id := range numExamples {
		e := &dataset.Example{
			StateIDs:     []int32{int32(id)},
			StateMask:    []int32{1},
			ImageFeature: make([]float32, trajectories.ImageFeatureSize),
			RawImage:     trajectories.NoImage,
			Label:        id % 4,
		}
		for c := range 4 {
			e.ActionIDs = append(e.ActionIDs, []int32{int32(100 + 4*id + c)})
			e.ActionMask = append(e.ActionMask, []int32{1})
		}
		examples[id] = e
	}
	return examples
}

func newLoaders(t *testing.T, numTrain, numEval, batchSize, numShards, shardIndex int, shuffle bool) (train, eval *dataset.Loader) {
	collator, err := dataset.NewCollator(dataset.CollatorConfig{SkipImages: true})
	require.NoError(t, err)
	train, err = dataset.NewLoader(makeExamples(numTrain), collator, dataset.LoaderConfig{
		Name: "train", BatchSize: batchSize, Shuffle: shuffle, Seed: 7, NumShards: numShards, ShardIndex: shardIndex})
	require.NoError(t, err)
	eval, err = dataset.NewLoader(makeExamples(numEval), collator, dataset.LoaderConfig{
		Name: "eval", BatchSize: batchSize, NumShards: numShards, ShardIndex: shardIndex})
	require.NoError(t, err)
	return
}

func testConfig(dir string) Config {
	return Config{
		OutputDir:         dir,
		NumEpochs:         2,
		AccumulationSteps: 1,
		LearningRate:      0.1,
		Schedule:          "linear",
		LoggingSteps:      1,
	}
}

func readResults(t *testing.T, dir string) map[string]float64 {
	data, err := os.ReadFile(filepath.Join(dir, ResultsFileName))
	require.NoError(t, err)
	var results map[string]float64
	require.NoError(t, json.Unmarshal(data, &results))
	return results
}

func TestUpdatesPerEpoch(t *testing.T) {
	for _, tc := range []struct{ numBatches, accumulation, want int }{
		{10, 4, 4}, // Batches 0, 4, 8 and 9.
		{9, 4, 3},  // Batches 0, 4 and 8.
		{1, 32, 1},
		{5, 1, 5},
		{0, 4, 0},
	} {
		assert.Equalf(t, tc.want, updatesPerEpoch(tc.numBatches, tc.accumulation), "%d batches, accumulation %d",
			tc.numBatches, tc.accumulation)
		count := 0
		for step := range tc.numBatches {
			if isUpdateStep(step, tc.numBatches, tc.accumulation) {
				count++
			}
		}
		assert.Equal(t, tc.want, count)
	}
}

func TestParseCheckpointing(t *testing.T) {
	every, epochs, err := ParseCheckpointing("epoch")
	require.NoError(t, err)
	assert.Equal(t, 0, every)
	assert.True(t, epochs)

	every, epochs, err = ParseCheckpointing(" 250 ")
	require.NoError(t, err)
	assert.Equal(t, 250, every)
	assert.False(t, epochs)

	every, epochs, err = ParseCheckpointing("")
	require.NoError(t, err)
	assert.Equal(t, 0, every)
	assert.False(t, epochs)

	for _, invalid := range []string{"0", "-3", "daily"} {
		_, _, err = ParseCheckpointing(invalid)
		assert.Errorf(t, err, "policy %q", invalid)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig(t.TempDir())
	require.NoError(t, cfg.Validate())

	invalid := cfg
	invalid.AccumulationSteps = 0
	assert.Error(t, invalid.Validate())

	invalid = cfg
	invalid.NumEpochs, invalid.MaxTrainSteps = 0, 0
	assert.Error(t, invalid.Validate())

	invalid = cfg
	invalid.Schedule = "sawtooth"
	assert.Error(t, invalid.Validate())
}

func TestAccuracy(t *testing.T) {
	var acc Accuracy
	assert.Equal(t, 0.0, acc.Compute())
	require.NoError(t, acc.Add([]int{0, 1, 2}, []int{0, 1, 1}))
	require.NoError(t, acc.Add([]int{3}, []int{3}))
	assert.Equal(t, 4, acc.Len())
	assert.Equal(t, 0.75, acc.Compute())
	assert.Equal(t, 0, acc.Len(), "Compute should reset the accumulator")
	assert.Error(t, acc.Add([]int{1}, nil))
}

func TestJSONLSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), MetricsFileName)
	sink, err := NewJSONLSink(path)
	require.NoError(t, err)
	require.NoError(t, sink.Log(10, Metrics{"train_loss": 0.25}))
	require.NoError(t, sink.Log(20, Metrics{"eval_accuracy": 0.5}))
	require.NoError(t, sink.Close())
	assert.Error(t, sink.Log(30, Metrics{}))

	records, err := ReadMetrics(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, sink.RunID(), records[0].RunID)
	assert.Equal(t, sink.RunID(), records[1].RunID)
	assert.Equal(t, 10, records[0].Step)
	assert.Equal(t, 0.25, records[0].Metrics["train_loss"])
	assert.Equal(t, 0.5, records[1].Metrics["eval_accuracy"])
}

func TestRunAccumulation(t *testing.T) {
	dir := t.TempDir()
	train, eval := newLoaders(t, 6, 4, 2, 1, 0, true)
	cfg := testConfig(dir)
	cfg.AccumulationSteps = 2
	cfg.CheckpointEpochs = true
	fake := &fakeScorer{}
	sink := &memorySink{}
	tr, err := New(cfg, fake, train, eval, WithMetricsSink(sink))
	require.NoError(t, err)
	summary, err := tr.Run(context.Background())
	require.NoError(t, err)

	// 3 batches per epoch, updates after batches 0 and 2.
	assert.Equal(t, 4, summary.CompletedSteps)
	assert.Equal(t, 2, summary.Epochs)
	assert.Equal(t, 4, fake.steps)
	assert.Equal(t, 4, fake.zeroGrads)
	assert.Equal(t, []float64{0.5, 0.5, 0.5, 0.5, 0.5, 0.5}, fake.backwardScales)
	assert.InDeltaSlice(t, []float64{0.1, 0.075, 0.05, 0.025}, fake.learningRates, 1e-9)
	assert.Len(t, fake.trainedIDs, 12)
	assert.Empty(t, fake.savedState)
	assert.Equal(t, []string{
		filepath.Join(dir, "epoch_0", modelSubdir),
		filepath.Join(dir, "epoch_1", modelSubdir),
	}, fake.savedWeights)

	latest, err := FindCheckpoint(dir, ResumeLatest)
	require.NoError(t, err)
	assert.Equal(t, EpochCheckpoint, latest.Kind)
	assert.Equal(t, filepath.Join(dir, "epoch_1"), latest.Dir)
	assert.Equal(t, 1, latest.Epoch)
	assert.Equal(t, 4, latest.CompletedSteps)

	assert.Equal(t, 1.0, summary.EvalAccuracy)
	assert.Equal(t, 4, summary.EvalExamples)
	assert.InDelta(t, 0.5, summary.EvalLoss, 1e-9)
	assert.Equal(t, map[string]float64{"eval_accuracy": 1}, readResults(t, dir))
	list, err := ListCheckpoints(dir)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, filepath.Join(dir, "epoch_0"), list[0].Dir)
	assert.Equal(t, 2, list[0].CompletedSteps)
	assert.Equal(t, filepath.Join(dir, "epoch_1"), list[1].Dir)
	assert.Equal(t, 4, sink.countWith("train_loss"))
	assert.Equal(t, 2, sink.countWith("eval_accuracy"))

	// Resuming from the last epoch checkpoint with one more epoch only trains that epoch.
	cfg.NumEpochs = 3
	cfg.ResumeFrom = ResumeLatest
	train.SetEpoch(0)
	resumed := &fakeScorer{}
	tr, err = New(cfg, resumed, train, eval)
	require.NoError(t, err)
	summary, err = tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "epoch_1", modelSubdir), resumed.loadedFrom)
	assert.Equal(t, 6, summary.CompletedSteps)
	assert.Equal(t, 3, summary.Epochs)
	assert.InDeltaSlice(t, []float64{0.1 * 2 / 6, 0.1 * 1 / 6}, resumed.learningRates, 1e-9)
	assert.Len(t, resumed.trainedIDs, 6)
}

func TestRunMaxTrainSteps(t *testing.T) {
	dir := t.TempDir()
	train, eval := newLoaders(t, 10, 4, 2, 1, 0, false)
	cfg := testConfig(dir)
	cfg.NumEpochs = 10
	cfg.MaxTrainSteps = 3
	fake := &fakeScorer{}
	sink := &memorySink{}
	tr, err := New(cfg, fake, train, eval, WithMetricsSink(sink))
	require.NoError(t, err)
	summary, err := tr.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.CompletedSteps)
	assert.Equal(t, 1, summary.Epochs)
	assert.Equal(t, []int32{0, 1, 2, 3, 4, 5}, fake.trainedIDs)
	assert.InDeltaSlice(t, []float64{0.1, 0.1 * 2 / 3, 0.1 / 3}, fake.learningRates, 1e-9)
	assert.Equal(t, 1, sink.countWith("eval_accuracy"))
	assert.Equal(t, []int{1, 2, 3, 3}, sink.steps)
}

func TestRunResume(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.CheckpointEvery = 3

	// Reference run: 5 batches per epoch, checkpoints after steps 3, 6 and 9.
	train, eval := newLoaders(t, 10, 4, 2, 1, 0, true)
	reference := &fakeScorer{}
	tr, err := New(cfg, reference, train, eval)
	require.NoError(t, err)
	_, err = tr.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, reference.trainedIDs, 20)
	require.Len(t, reference.learningRates, 10)
	assert.Equal(t, []string{
		filepath.Join(dir, "step_3", stateSubdir),
		filepath.Join(dir, "step_6", stateSubdir),
		filepath.Join(dir, "step_9", stateSubdir),
	}, reference.savedState)

	// step_6 was taken after the first batch of epoch 1.
	c, err := FindCheckpoint(dir, filepath.Join(dir, "step_6"))
	require.NoError(t, err)
	assert.Equal(t, StepCheckpoint, c.Kind)
	assert.Equal(t, 1, c.Epoch)
	assert.Equal(t, 1, c.BatchesDone)
	assert.Equal(t, 6, c.CompletedSteps)

	cfg.ResumeFrom = filepath.Join(dir, "step_6")
	train, eval = newLoaders(t, 10, 4, 2, 1, 0, true)
	resumed := &fakeScorer{}
	tr, err = New(cfg, resumed, train, eval)
	require.NoError(t, err)
	summary, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "step_6", stateSubdir), resumed.loadedFrom)
	assert.Equal(t, 10, resumed.steps)
	assert.Equal(t, 10, summary.CompletedSteps)
	assert.Equal(t, reference.trainedIDs[12:], resumed.trainedIDs)
	assert.InDeltaSlice(t, reference.learningRates[6:], resumed.learningRates, 1e-9)

	// The manifest points to step_9, taken after the fourth batch of epoch 1.
	cfg.ResumeFrom = ResumeLatest
	train, eval = newLoaders(t, 10, 4, 2, 1, 0, true)
	latest := &fakeScorer{}
	tr, err = New(cfg, latest, train, eval)
	require.NoError(t, err)
	summary, err = tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "step_9", stateSubdir), latest.loadedFrom)
	assert.Equal(t, reference.trainedIDs[18:], latest.trainedIDs)
	assert.InDeltaSlice(t, reference.learningRates[9:], latest.learningRates, 1e-9)
	assert.Equal(t, 10, summary.CompletedSteps)
}

func TestRunResumeWithAccumulation(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.AccumulationSteps = 4
	cfg.CheckpointEvery = 3

	// Reference run: 10 batches per epoch, updates after batches 0, 4, 8 and 9.
	train, eval := newLoaders(t, 10, 4, 1, 1, 0, true)
	reference := &fakeScorer{}
	tr, err := New(cfg, reference, train, eval)
	require.NoError(t, err)
	summary, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, summary.CompletedSteps)
	require.Len(t, reference.trainedIDs, 20)
	assert.Equal(t, []int{1, 4, 4, 1, 1, 4, 4, 1}, reference.pendingAtStep)

	for _, tc := range []struct {
		name                          string
		epoch, batchesDone, stepsDone int
	}{
		{"step_3", 0, 9, 3},
		{"step_6", 1, 5, 6},
	} {
		c, err := FindCheckpoint(dir, filepath.Join(dir, tc.name))
		require.NoError(t, err)
		assert.Equal(t, tc.epoch, c.Epoch, tc.name)
		assert.Equal(t, tc.batchesDone, c.BatchesDone, tc.name)
		assert.Equal(t, tc.stepsDone, c.CompletedSteps, tc.name)

		cfg.ResumeFrom = c.Dir
		train, eval = newLoaders(t, 10, 4, 1, 1, 0, true)
		resumed := &fakeScorer{}
		tr, err = New(cfg, resumed, train, eval)
		require.NoError(t, err)
		summary, err = tr.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 8, summary.CompletedSteps, tc.name)
		assert.Equal(t, 8, resumed.steps, tc.name)

		// The skipped batches keep the accumulation windows of the reference run.
		batchesDone := 10*tc.epoch + tc.batchesDone
		assert.Equal(t, reference.trainedIDs[batchesDone:], resumed.trainedIDs, tc.name)
		assert.Equal(t, reference.pendingAtStep[tc.stepsDone:], resumed.pendingAtStep, tc.name)
		assert.InDeltaSlice(t, reference.learningRates[tc.stepsDone:], resumed.learningRates, 1e-9, tc.name)
		for _, scale := range resumed.backwardScales {
			assert.Equal(t, 0.25, scale)
		}
	}
}

func TestRunErrors(t *testing.T) {
	t.Run("MissingManifest", func(t *testing.T) {
		cfg := testConfig(t.TempDir())
		cfg.ResumeFrom = ResumeLatest
		train, eval := newLoaders(t, 4, 4, 2, 1, 0, false)
		tr, err := New(cfg, &fakeScorer{}, train, eval)
		require.NoError(t, err)
		_, err = tr.Run(context.Background())
		require.Error(t, err)
	})

	t.Run("NonFiniteLoss", func(t *testing.T) {
		train, eval := newLoaders(t, 8, 4, 2, 1, 0, false)
		fake := &fakeScorer{nanAt: 3}
		tr, err := New(testConfig(t.TempDir()), fake, train, eval)
		require.NoError(t, err)
		_, err = tr.Run(context.Background())
		require.ErrorIs(t, err, ErrNonFiniteLoss)
		assert.Equal(t, 2, fake.steps)
	})

	t.Run("Cancelled", func(t *testing.T) {
		train, eval := newLoaders(t, 8, 4, 2, 1, 0, false)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		fake := &fakeScorer{}
		tr, err := New(testConfig(t.TempDir()), fake, train, eval)
		require.NoError(t, err)
		_, err = tr.Run(ctx)
		require.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, fake.steps)
	})

	t.Run("InvalidConfig", func(t *testing.T) {
		train, eval := newLoaders(t, 4, 4, 2, 1, 0, false)
		_, err := New(testConfig(""), &fakeScorer{}, train, eval)
		require.Error(t, err)
	})
}

func TestRunDistributedEvaluation(t *testing.T) {
	dir := t.TempDir()
	const numWorkers = 2
	fakes := make([]*fakeScorer, numWorkers)
	summaries := make([]*Summary, numWorkers)
	err := accelerate.Run(context.Background(), numWorkers, func(ctx context.Context, acc accelerate.Accelerator) error {
		idx := acc.ProcessIndex()
		// 5 eval examples in batches of 2: the last global batch is padded with examples 0, 1 and 2.
		train, eval := newLoaders(t, 6, 5, 2, numWorkers, idx, false)
		fakes[idx] = &fakeScorer{wrongFrom: 3}
		cfg := testConfig(dir)
		cfg.NumEpochs = 1
		cfg.CheckpointEpochs = true
		tr, err := New(cfg, fakes[idx], train, eval, WithAccelerator(acc))
		if err != nil {
			return err
		}
		summaries[idx], err = tr.Run(ctx)
		return err
	})
	require.NoError(t, err)

	for idx, summary := range summaries {
		assert.Equalf(t, 5, summary.EvalExamples, "worker %d", idx)
		assert.InDeltaf(t, 0.6, summary.EvalAccuracy, 1e-9, "worker %d", idx)
		assert.Equal(t, 2, fakes[idx].steps)
	}
	assert.Len(t, fakes[0].savedWeights, 1)
	assert.Empty(t, fakes[1].savedWeights)
	assert.InDelta(t, 0.6, readResults(t, dir)["eval_accuracy"], 1e-9)
}
