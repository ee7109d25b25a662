// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package schedule implements learning rate schedules computed on the host, before each optimizer step.
//
// A Schedule returns the multiplier of the base learning rate for a given number of completed optimizer steps.
// Schedules are created by name (see ByName and KnownSchedules), or from the context hyperparameters
// (see FromContext).
package schedule

import (
	"math"
	"slices"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

var (
	// ParamType is the context hyperparameter with the name of the schedule. Default is "linear".
	ParamType = "lr_scheduler_type"

	// ParamWarmUpSteps is the context hyperparameter with the number of warmup steps: during these steps the
	// learning rate increases linearly from 0. Default is 0.
	ParamWarmUpSteps = "num_warmup_steps"
)

// Schedule returns the multiplier of the base learning rate after the given number of completed optimizer steps.
type Schedule func(step int) float64

const (
	// polynomialEndLearningRate is the learning rate at the end of the polynomial schedule.
	polynomialEndLearningRate = 1e-7

	// polynomialPower is the power of the polynomial decay.
	polynomialPower = 1.0
)

// builder creates a Schedule given the base learning rate, the warmup steps and the total number of training steps.
type builder func(baseLearningRate float64, warmUpSteps, totalSteps int) Schedule

// KnownSchedules maps schedule names to their builders.
var KnownSchedules = map[string]builder{
	"linear": func(_ float64, warmUpSteps, totalSteps int) Schedule {
		return func(step int) float64 {
			if step < warmUpSteps {
				return warmUp(step, warmUpSteps)
			}
			return max(0, float64(totalSteps-step)/float64(max(1, totalSteps-warmUpSteps)))
		}
	},
	"cosine": func(_ float64, warmUpSteps, totalSteps int) Schedule {
		const numCycles = 0.5
		return func(step int) float64 {
			if step < warmUpSteps {
				return warmUp(step, warmUpSteps)
			}
			progress := progressAfterWarmUp(step, warmUpSteps, totalSteps)
			return max(0, 0.5*(1+math.Cos(math.Pi*numCycles*2*progress)))
		}
	},
	"cosine_with_restarts": func(_ float64, warmUpSteps, totalSteps int) Schedule {
		const numCycles = 1.0
		return func(step int) float64 {
			if step < warmUpSteps {
				return warmUp(step, warmUpSteps)
			}
			progress := progressAfterWarmUp(step, warmUpSteps, totalSteps)
			if progress >= 1 {
				return 0
			}
			return max(0, 0.5*(1+math.Cos(math.Pi*math.Mod(numCycles*progress, 1))))
		}
	},
	"polynomial": func(baseLearningRate float64, warmUpSteps, totalSteps int) Schedule {
		return func(step int) float64 {
			if step < warmUpSteps {
				return warmUp(step, warmUpSteps)
			}
			if step > totalSteps || baseLearningRate <= polynomialEndLearningRate {
				return polynomialEndLearningRate / baseLearningRate
			}
			remaining := 1 - progressAfterWarmUp(step, warmUpSteps, totalSteps)
			decay := (baseLearningRate-polynomialEndLearningRate)*math.Pow(remaining, polynomialPower) +
				polynomialEndLearningRate
			return decay / baseLearningRate
		}
	},
	"constant": func(_ float64, _, _ int) Schedule {
		return func(int) float64 { return 1 }
	},
	"constant_with_warmup": func(_ float64, warmUpSteps, _ int) Schedule {
		return func(step int) float64 {
			if step < warmUpSteps {
				return warmUp(step, warmUpSteps)
			}
			return 1
		}
	},
}

// Names returns the sorted names of the known schedules.
func Names() []string {
	names := maps.Keys(KnownSchedules)
	slices.Sort(names)
	return names
}

func warmUp(step, warmUpSteps int) float64 {
	return float64(step) / float64(max(1, warmUpSteps))
}

func progressAfterWarmUp(step, warmUpSteps, totalSteps int) float64 {
	return float64(step-warmUpSteps) / float64(max(1, totalSteps-warmUpSteps))
}

// ByName creates the schedule with the given name.
// The base learning rate is only used by the "polynomial" schedule, whose end learning rate is absolute.
func ByName(name string, baseLearningRate float64, warmUpSteps, totalSteps int) (Schedule, error) {
	build, found := KnownSchedules[name]
	if !found {
		return nil, errors.Errorf("unknown learning rate schedule %q, valid values are %q", name, Names())
	}
	if warmUpSteps < 0 || totalSteps < 0 {
		return nil, errors.Errorf("invalid warmup steps (%d) or total steps (%d) for schedule %q",
			warmUpSteps, totalSteps, name)
	}
	return build(baseLearningRate, warmUpSteps, totalSteps), nil
}

// FromContext creates the schedule configured by the hyperparameters ParamType and ParamWarmUpSteps.
func FromContext(ctx *context.Context, baseLearningRate float64, totalSteps int) (Schedule, error) {
	name := context.GetParamOr(ctx, ParamType, "linear")
	warmUpSteps := context.GetParamOr(ctx, ParamWarmUpSteps, 0)
	return ByName(name, baseLearningRate, warmUpSteps, totalSteps)
}
