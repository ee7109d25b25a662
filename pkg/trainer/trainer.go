// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package trainer implements the imitation learning loop: it trains a scorer over the epochs of a dataset
// with gradient accumulation and a learning rate schedule, evaluates it at the end of every epoch, saves
// checkpoints and can resume from them.
//
// The loop goes through the states INIT -> TRAIN_EPOCH <-> EVAL_EPOCH -> DONE. With more than one process
// (see package accelerate) every process runs the loop over its own shard of the data, evaluation
// predictions are gathered across processes, and only the main process writes files and reports metrics.
package trainer

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/webshopil/pkg/accelerate"
	"github.com/gomlx/webshopil/pkg/dataset"
	"github.com/gomlx/webshopil/pkg/schedule"
	"github.com/gomlx/webshopil/pkg/scorer"
	"github.com/pkg/errors"
)

// ErrNonFiniteLoss is returned when a training batch yields a NaN or infinite loss.
var ErrNonFiniteLoss = errors.New("non-finite training loss")

// Trainer runs the training loop. Create it with New.
type Trainer struct {
	cfg         Config
	scorer      scorer.Interface
	train, eval *dataset.Loader
	acc         accelerate.Accelerator
	logger      Logger
	sink        MetricsSink
}

// Option configures optional parts of a Trainer.
type Option func(t *Trainer)

// WithAccelerator sets the process group the Trainer is part of. The default is accelerate.Local.
func WithAccelerator(acc accelerate.Accelerator) Option {
	return func(t *Trainer) { t.acc = acc }
}

// WithLogger sets the Logger. The default is KlogLogger.
func WithLogger(logger Logger) Option {
	return func(t *Trainer) { t.logger = logger }
}

// WithMetricsSink sets where metrics are reported. The default is NopSink.
// Only the main process reports metrics, the sink of other processes is never used.
func WithMetricsSink(sink MetricsSink) Option {
	return func(t *Trainer) { t.sink = sink }
}

// New creates a Trainer of the scorer over the train and eval loaders.
// The loaders must be sharded according to the accelerator, if one is given.
func New(cfg Config, sc scorer.Interface, train, eval *dataset.Loader, options ...Option) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sc == nil || train == nil || eval == nil {
		return nil, errors.New("trainer requires a scorer, a train and an eval dataset")
	}
	if cfg.OutputDir == "" {
		return nil, errors.New("trainer requires an output directory")
	}
	t := &Trainer{
		cfg:    cfg,
		scorer: sc,
		train:  train,
		eval:   eval,
		acc:    accelerate.Local{},
		logger: KlogLogger{},
		sink:   NopSink{},
	}
	for _, option := range options {
		option(t)
	}
	return t, nil
}

// runState is the position of the loop.
type runState struct {
	epoch, numEpochs int
	skipBatches      int
	completedSteps   int
	maxSteps         int
	numBatches       int
	schedule         schedule.Schedule
	pBar             *progressBar

	// Training loss since the last report, and over the whole epoch.
	windowLoss, epochLoss       float64
	windowBatches, epochBatches int
	trainAccuracy               Accuracy
}

// Run trains and evaluates the scorer, and returns the summary of the last evaluation.
//
// It returns ctx.Err() if the context is cancelled, checked between batches. Checkpoints already
// saved are kept, and the run can be resumed from them.
func (t *Trainer) Run(ctx context.Context) (*Summary, error) {
	state, err := t.init()
	if err != nil {
		return nil, err
	}
	if state.pBar != nil {
		defer state.pBar.Close()
	}

	summary := &Summary{CompletedSteps: state.completedSteps}
	ranEpochs := 0
	for ; state.epoch < state.numEpochs; state.epoch++ {
		budgetReached, err := t.trainEpoch(ctx, state)
		if err != nil {
			return nil, err
		}
		state.skipBatches = 0
		if err = t.evalEpoch(ctx, state, summary); err != nil {
			return nil, err
		}
		ranEpochs++
		if t.cfg.CheckpointEpochs {
			err = t.saveCheckpoint(Checkpoint{
				Kind:           EpochCheckpoint,
				Epoch:          state.epoch,
				BatchesDone:    state.numBatches,
				CompletedSteps: state.completedSteps,
			})
			if err != nil {
				return nil, err
			}
		}
		if err = t.acc.Barrier(ctx); err != nil {
			return nil, err
		}
		if budgetReached {
			state.epoch++
			break
		}
	}
	if ranEpochs == 0 {
		// Resumed from a finished run: evaluate the restored scorer once.
		t.logger.Infof("Training already completed at epoch %d, only evaluating", state.epoch)
		if err = t.evalEpoch(ctx, state, summary); err != nil {
			return nil, err
		}
	}
	summary.CompletedSteps = state.completedSteps
	summary.Epochs = state.epoch

	if t.acc.IsMainProcess() {
		if err = writeJSONAtomic(filepath.Join(t.cfg.OutputDir, ResultsFileName), summary); err != nil {
			return nil, err
		}
	}
	return summary, nil
}

// init computes the size of the run and restores the checkpoint to resume from, if any.
func (t *Trainer) init() (*runState, error) {
	if t.acc.IsMainProcess() {
		if err := os.MkdirAll(t.cfg.OutputDir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "creating output directory %q", t.cfg.OutputDir)
		}
	}
	state := &runState{
		numEpochs:  t.cfg.NumEpochs,
		maxSteps:   t.cfg.MaxTrainSteps,
		numBatches: t.train.Len(),
	}
	perEpoch := updatesPerEpoch(state.numBatches, t.cfg.AccumulationSteps)
	if perEpoch == 0 {
		return nil, errors.Errorf("dataset %q has no batches", t.train.Name())
	}
	if state.maxSteps > 0 {
		state.numEpochs = (state.maxSteps + perEpoch - 1) / perEpoch
	} else {
		state.maxSteps = state.numEpochs * perEpoch
	}
	var err error
	state.schedule, err = schedule.ByName(t.cfg.Schedule, t.cfg.LearningRate, t.cfg.WarmUpSteps, state.maxSteps)
	if err != nil {
		return nil, err
	}

	if t.cfg.ResumeFrom != "" {
		ckpt, err := FindCheckpoint(t.cfg.OutputDir, t.cfg.ResumeFrom)
		if err != nil {
			return nil, err
		}
		if err = t.scorer.LoadState(ckpt.ScorerDir()); err != nil {
			return nil, errors.WithMessagef(err, "restoring checkpoint %q", ckpt.Dir)
		}
		state.epoch, state.skipBatches = ckpt.resumePosition()
		state.completedSteps = ckpt.CompletedSteps
		if state.skipBatches > state.numBatches {
			return nil, errors.Errorf("checkpoint %q was taken after %d batches of epoch %d, but epochs only have %d batches",
				ckpt.Dir, state.skipBatches, state.epoch, state.numBatches)
		}
		t.logger.Infof("Resumed from %s checkpoint %q: epoch %d, skipping %d batches, %d steps completed",
			ckpt.Kind, ckpt.Dir, state.epoch, state.skipBatches, state.completedSteps)
	}

	if t.acc.IsMainProcess() {
		t.logger.Infof("***** Running training *****")
		t.logger.Infof("  Num examples = %s", humanize.Comma(int64(t.train.NumExamples())))
		t.logger.Infof("  Num processes = %d", t.acc.NumProcesses())
		t.logger.Infof("  Num batches per epoch (per process) = %s", humanize.Comma(int64(state.numBatches)))
		t.logger.Infof("  Num epochs = %d", state.numEpochs)
		t.logger.Infof("  Gradient accumulation steps = %d", t.cfg.AccumulationSteps)
		t.logger.Infof("  Total optimization steps = %s", humanize.Comma(int64(state.maxSteps)))
		if t.cfg.ShowProgressBar {
			state.pBar = newProgressBar(state.completedSteps, state.maxSteps)
		}
	}
	return state, nil
}

// trainEpoch runs the training batches of state.epoch, starting after state.skipBatches.
// It returns whether the budget of optimizer steps was reached.
func (t *Trainer) trainEpoch(ctx context.Context, state *runState) (budgetReached bool, err error) {
	if state.completedSteps >= state.maxSteps {
		return true, nil
	}
	t.train.SetEpoch(state.epoch)
	if skipped := t.train.Skip(state.skipBatches); skipped != state.skipBatches {
		return false, errors.Errorf("could only skip %d of %d batches of epoch %d", skipped, state.skipBatches, state.epoch)
	}
	state.epochLoss, state.epochBatches = 0, 0
	accumulation := t.cfg.AccumulationSteps
	epochStart := time.Now()
	for step := state.skipBatches; step < state.numBatches; step++ {
		if err = ctx.Err(); err != nil {
			return false, err
		}
		batch, err := t.train.Next()
		if err != nil {
			return false, errors.WithMessagef(err, "reading batch %d of epoch %d", step, state.epoch)
		}
		out, err := t.scorer.Forward(batch, true)
		if err != nil {
			return false, errors.WithMessagef(err, "training batch %d of epoch %d", step, state.epoch)
		}
		if math.IsNaN(out.Loss) || math.IsInf(out.Loss, 0) {
			return false, errors.Wrapf(ErrNonFiniteLoss, "loss %g at batch %d of epoch %d", out.Loss, step, state.epoch)
		}
		state.windowLoss += out.Loss
		state.windowBatches++
		state.epochLoss += out.Loss
		state.epochBatches++
		if err = t.scorer.Backward(1.0 / float64(accumulation)); err != nil {
			return false, err
		}
		if err = state.trainAccuracy.Add(out.Predictions(), batch.Labels); err != nil {
			return false, err
		}
		if !isUpdateStep(step, state.numBatches, accumulation) {
			continue
		}

		learningRate := t.cfg.LearningRate * state.schedule(state.completedSteps)
		if err = t.scorer.Step(learningRate); err != nil {
			return false, errors.WithMessagef(err, "optimizer step %d", state.completedSteps)
		}
		if err = t.scorer.ZeroGrad(); err != nil {
			return false, err
		}
		state.completedSteps++
		if state.pBar != nil {
			state.pBar.Step(state.completedSteps, state.maxSteps, state.epoch, learningRate,
				state.epochLoss/float64(state.epochBatches))
		}
		if t.cfg.LoggingSteps > 0 && state.completedSteps%t.cfg.LoggingSteps == 0 {
			if err = t.reportTraining(state, learningRate); err != nil {
				return false, err
			}
		}
		if t.cfg.CheckpointEvery > 0 && state.completedSteps%t.cfg.CheckpointEvery == 0 {
			err = t.saveCheckpoint(Checkpoint{
				Kind:           StepCheckpoint,
				Epoch:          state.epoch,
				BatchesDone:    step + 1,
				CompletedSteps: state.completedSteps,
			})
			if err != nil {
				return false, err
			}
		}
		if state.completedSteps >= state.maxSteps {
			return true, nil
		}
	}
	if t.acc.IsMainProcess() && state.epochBatches > 0 {
		t.logger.Infof("Epoch %d: train loss %.4f, %d steps completed, took %s", state.epoch,
			state.epochLoss/float64(state.epochBatches), state.completedSteps, time.Since(epochStart).Round(time.Millisecond))
	}
	return false, nil
}

// reportTraining reports the training metrics since the last report, and resets them.
func (t *Trainer) reportTraining(state *runState, learningRate float64) error {
	metrics := Metrics{
		"train_accuracy": state.trainAccuracy.Compute(),
		"learning_rate":  learningRate,
	}
	if state.windowBatches > 0 {
		metrics["train_loss"] = state.windowLoss / float64(state.windowBatches)
	}
	state.windowLoss, state.windowBatches = 0, 0
	if !t.acc.IsMainProcess() {
		return nil
	}
	return errors.WithMessage(t.sink.Log(state.completedSteps, metrics), "reporting training metrics")
}

// evalEpoch evaluates the scorer over the eval dataset, and records the results in the summary.
//
// Predictions and labels are gathered from all processes, and the padding added by the sharding of the
// last batches is dropped, so every example is counted exactly once.
func (t *Trainer) evalEpoch(ctx context.Context, state *runState, summary *Summary) error {
	t.eval.SetEpoch(state.epoch)
	numBatches := t.eval.Len()
	numExamples := t.eval.NumExamples()
	distributed := t.acc.NumProcesses() > 1
	var accuracy Accuracy
	var lossSum float64
	samplesSeen := 0
	for step := 0; step < numBatches; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := t.eval.Next()
		if err != nil {
			return errors.WithMessagef(err, "reading eval batch %d", step)
		}
		out, err := t.scorer.Forward(batch, false)
		if err != nil {
			return errors.WithMessagef(err, "evaluating batch %d", step)
		}
		lossSum += out.Loss
		predictions, err := t.acc.GatherInts(ctx, out.Predictions())
		if err != nil {
			return err
		}
		references, err := t.acc.GatherInts(ctx, batch.Labels)
		if err != nil {
			return err
		}
		if distributed {
			if step == numBatches-1 {
				keep := min(max(numExamples-samplesSeen, 0), len(references))
				predictions, references = predictions[:keep], references[:keep]
			} else {
				samplesSeen += len(references)
			}
		}
		if err = accuracy.Add(predictions, references); err != nil {
			return err
		}
	}
	losses, err := t.acc.GatherFloats(ctx, []float64{lossSum, float64(numBatches)})
	if err != nil {
		return err
	}
	var totalLoss, totalBatches float64
	for ii := 0; ii+1 < len(losses); ii += 2 {
		totalLoss += losses[ii]
		totalBatches += losses[ii+1]
	}

	summary.EvalExamples = accuracy.Len()
	summary.EvalAccuracy = accuracy.Compute()
	summary.EvalLoss = 0
	if totalBatches > 0 {
		summary.EvalLoss = totalLoss / totalBatches
	}
	if !t.acc.IsMainProcess() {
		return nil
	}
	t.logger.Infof("Epoch %d: eval accuracy %.4f (%s examples), eval loss %.4f", state.epoch,
		summary.EvalAccuracy, humanize.Comma(int64(summary.EvalExamples)), summary.EvalLoss)
	err = t.sink.Log(state.completedSteps, Metrics{
		"eval_accuracy": summary.EvalAccuracy,
		"eval_loss":     summary.EvalLoss,
		"epoch":         float64(state.epoch),
	})
	return errors.WithMessage(err, "reporting eval metrics")
}

// saveCheckpoint saves the scorer (full state for step checkpoints, weights for epoch checkpoints) and
// points the manifest to it. Only the main process saves.
func (t *Trainer) saveCheckpoint(c Checkpoint) error {
	if !t.acc.IsMainProcess() {
		return nil
	}
	c.Time = time.Now()
	c.Dir = filepath.Join(t.cfg.OutputDir, c.checkpointDirName())
	var err error
	if c.Kind == StepCheckpoint {
		err = t.scorer.SaveState(c.ScorerDir())
	} else {
		err = t.scorer.SaveWeights(c.ScorerDir())
	}
	if err != nil {
		return errors.WithMessagef(err, "saving %s checkpoint %q", c.Kind, c.Dir)
	}
	if err = writeManifest(t.cfg.OutputDir, c); err != nil {
		return err
	}
	t.logger.Infof("Saved %s checkpoint %q (%d steps completed)", c.Kind, c.Dir, c.CompletedSteps)
	return nil
}
