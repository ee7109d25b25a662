// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/webshopil/pkg/schedule"
	"github.com/pkg/errors"
)

// Hyperparameters read from the context by ConfigFromContext.
const (
	ParamNumEpochs         = "num_train_epochs"
	ParamMaxTrainSteps     = "max_train_steps"
	ParamAccumulationSteps = "gradient_accumulation_steps"
	ParamCheckpointing     = "checkpointing_steps"
	ParamLoggingSteps      = "logging_steps"
	ParamTrainBatchSize    = "per_device_train_batch_size"
	ParamEvalBatchSize     = "per_device_eval_batch_size"
	ParamSeed              = "seed"
	ParamModelName         = "model_name"
	ParamShowProgressBar   = "progress_bar"
)

// DefaultLearningRate used if optimizers.ParamLearningRate is not set.
const DefaultLearningRate = 1e-5

// CheckpointEpoch is the value of ParamCheckpointing that saves the model weights at the end of every epoch.
const CheckpointEpoch = "epoch"

// ResumeLatest is the value of Config.ResumeFrom that resumes from the checkpoint pointed by the manifest in
// the output directory.
const ResumeLatest = "latest"

// Config of a training run.
type Config struct {
	// OutputDir where checkpoints, metrics and results are written.
	OutputDir string

	// NumEpochs to train. It is recomputed from MaxTrainSteps if that is set.
	NumEpochs int

	// MaxTrainSteps is the budget of optimizer steps. If 0, it is NumEpochs times the number of updates per epoch.
	MaxTrainSteps int

	// AccumulationSteps is the number of batches whose gradients are accumulated for each optimizer step.
	AccumulationSteps int

	// LearningRate is the base learning rate, multiplied by the schedule.
	LearningRate float64

	// Schedule name and WarmUpSteps, see package schedule.
	Schedule    string
	WarmUpSteps int

	// CheckpointEvery completed optimizer steps saves the full training state. If 0, no step checkpoints are saved.
	CheckpointEvery int

	// CheckpointEpochs saves the model weights at the end of each epoch.
	CheckpointEpochs bool

	// LoggingSteps is the interval, in completed optimizer steps, of the training metrics reports. 0 disables them.
	LoggingSteps int

	// ResumeFrom is a checkpoint directory, ResumeLatest or empty for a fresh run.
	ResumeFrom string

	// ShowProgressBar on the main process.
	ShowProgressBar bool
}

// ParseCheckpointing parses the checkpointing policy: "epoch", a number of completed steps, or "" (none).
func ParseCheckpointing(policy string) (every int, epochs bool, err error) {
	policy = strings.TrimSpace(policy)
	switch policy {
	case "", "none":
		return 0, false, nil
	case CheckpointEpoch:
		return 0, true, nil
	}
	every, err = strconv.Atoi(policy)
	if err != nil || every <= 0 {
		return 0, false, errors.Errorf("invalid checkpointing policy %q: it must be %q or a positive number of steps",
			policy, CheckpointEpoch)
	}
	return every, false, nil
}

// ConfigFromContext creates the Config from the context hyperparameters.
// OutputDir and ResumeFrom are not hyperparameters: they are left for the caller to set.
func ConfigFromContext(ctx *context.Context) (Config, error) {
	cfg := Config{
		NumEpochs:         context.GetParamOr(ctx, ParamNumEpochs, 10),
		MaxTrainSteps:     context.GetParamOr(ctx, ParamMaxTrainSteps, 0),
		AccumulationSteps: context.GetParamOr(ctx, ParamAccumulationSteps, 32),
		LearningRate:      context.GetParamOr(ctx, optimizers.ParamLearningRate, DefaultLearningRate),
		Schedule:          context.GetParamOr(ctx, schedule.ParamType, "linear"),
		WarmUpSteps:       context.GetParamOr(ctx, schedule.ParamWarmUpSteps, 0),
		LoggingSteps:      context.GetParamOr(ctx, ParamLoggingSteps, 10),
		ShowProgressBar:   context.GetParamOr(ctx, ParamShowProgressBar, true),
	}
	var err error
	cfg.CheckpointEvery, cfg.CheckpointEpochs, err = ParseCheckpointing(
		context.GetParamOr(ctx, ParamCheckpointing, CheckpointEpoch))
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate the configuration values.
func (cfg Config) Validate() error {
	switch {
	case cfg.NumEpochs <= 0 && cfg.MaxTrainSteps <= 0:
		return errors.Errorf("either %s (%d) or %s (%d) must be positive",
			ParamNumEpochs, cfg.NumEpochs, ParamMaxTrainSteps, cfg.MaxTrainSteps)
	case cfg.MaxTrainSteps < 0:
		return errors.Errorf("invalid %s=%d", ParamMaxTrainSteps, cfg.MaxTrainSteps)
	case cfg.AccumulationSteps <= 0:
		return errors.Errorf("invalid %s=%d", ParamAccumulationSteps, cfg.AccumulationSteps)
	case cfg.LearningRate <= 0:
		return errors.Errorf("invalid learning rate %g", cfg.LearningRate)
	case cfg.LoggingSteps < 0:
		return errors.Errorf("invalid %s=%d", ParamLoggingSteps, cfg.LoggingSteps)
	case cfg.CheckpointEvery < 0:
		return errors.Errorf("invalid step checkpoint interval %d", cfg.CheckpointEvery)
	}
	if _, err := schedule.ByName(cfg.Schedule, cfg.LearningRate, cfg.WarmUpSteps, 1); err != nil {
		return err
	}
	return nil
}

// updatesPerEpoch returns how many optimizer updates an epoch of numBatches makes: one at every
// accumulationSteps-th batch, counting from the first, and one at the last batch.
func updatesPerEpoch(numBatches, accumulationSteps int) int {
	if numBatches <= 0 {
		return 0
	}
	updates := (numBatches-1)/accumulationSteps + 1
	if (numBatches-1)%accumulationSteps != 0 {
		updates++
	}
	return updates
}

// isUpdateStep returns whether the optimizer is applied after the batch at position step of an epoch of
// numBatches.
func isUpdateStep(step, numBatches, accumulationSteps int) bool {
	return step%accumulationSteps == 0 || step == numBatches-1
}
