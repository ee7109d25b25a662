// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trajectories

import (
	"math/rand"
	"slices"

	"k8s.io/klog/v2"
)

const (
	// NoImage is the raw image identifier used when a transition has no product image.
	NoImage = "none"

	// MaxActions is the largest number of candidate actions kept as is. Above it the action space is reduced.
	MaxActions = 20

	// KeepFirstActions is the number of leading candidates (search, navigation buttons) always kept
	// when reducing the action space.
	KeepFirstActions = 6

	// SampledActions is the number of candidates sampled from the remaining ones when reducing the action space.
	SampledActions = 10

	// ReducedActions is the number of candidates after the action space reduction.
	ReducedActions = KeepFirstActions + SampledActions
)

// Transition is one decision point of a trajectory: the unit of training data.
type Transition struct {
	// State is the normalized text observation.
	State string

	// Actions are the normalized candidate actions.
	Actions []string

	// Label is the index in Actions of the action taken by the human.
	Label int

	// ImageFeature has ImageFeatureSize values, all zeros if there was no image.
	ImageFeature []float32

	// RawImage is the product id (ASIN) of the image to load, or NoImage.
	RawImage string
}

// ExtractOptions configures Extract.
type ExtractOptions struct {
	// FilterSearch skips steps where the action taken was not one of the candidates (action index -1).
	FilterSearch bool
}

// ExtractStats counts what happened during Extract.
type ExtractStats struct {
	Trajectories int
	Steps        int
	Transitions  int
	// Reduced is the number of transitions whose action space was reduced.
	Reduced int
}

// Extract flattens the trajectories into transitions, in order of trajectories and steps.
//
// Steps with more than MaxActions candidates have their action space reduced (see ReduceActions), using rng.
// Reproducibility requires rng to be seeded once per run and Extract to be called in a fixed order.
func Extract(trajs []*Trajectory, opts ExtractOptions, rng *rand.Rand) ([]Transition, ExtractStats) {
	var stats ExtractStats
	stats.Trajectories = len(trajs)
	var transitions []Transition
	for _, traj := range trajs {
		numSteps := traj.NumSteps()
		for stepIdx := range numSteps {
			stats.Steps++
			idx := traj.ActionIdxs[stepIdx]
			if opts.FilterSearch && idx == -1 {
				continue
			}
			transition := Transition{
				State: Process(traj.States[stepIdx]),
			}
			if image := traj.Images[stepIdx]; image == nil {
				transition.ImageFeature = make([]float32, ImageFeatureSize)
				transition.RawImage = NoImage
			} else {
				transition.ImageFeature = image
				transition.RawImage = FindImageASIN(traj.Actions, stepIdx)
			}

			actions := traj.AvailableActions[stepIdx]
			if len(actions) > MaxActions {
				stats.Reduced++
				actions, idx = ReduceActions(actions, idx, rng)
			}
			transition.Actions = make([]string, len(actions))
			for ii, action := range actions {
				transition.Actions[ii] = Process(action)
			}
			transition.Label = idx
			transitions = append(transitions, transition)
		}
	}
	stats.Transitions = len(transitions)
	klog.Infof("total transitions and bad transitions: %d %d", stats.Steps, stats.Reduced)
	return transitions, stats
}

// ReduceActions subsamples a large candidate list down to ReducedActions candidates: the first KeepFirstActions
// are always kept, and SampledActions are sampled uniformly without replacement from the rest.
// The chosen action is always kept: if it was not sampled, it takes the place of one of the sampled positions.
//
// It returns the kept actions, in their original order, and the new index of the chosen action.
// A chosen index of -1 is returned unchanged.
func ReduceActions(actions []string, chosen int, rng *rand.Rand) ([]string, int) {
	numRest := len(actions) - KeepFirstActions
	perm := rng.Perm(numRest)[:SampledActions]
	positions := make([]int, 0, ReducedActions)
	for ii := range KeepFirstActions {
		positions = append(positions, ii)
	}
	for _, p := range perm {
		positions = append(positions, p+KeepFirstActions)
	}
	if chosen >= KeepFirstActions && !slices.Contains(positions, chosen) {
		positions[len(positions)-1] = chosen
	}
	slices.Sort(positions)

	kept := make([]string, len(positions))
	newChosen := chosen
	for ii, p := range positions {
		kept[ii] = actions[p]
		if p == chosen {
			newChosen = ii
		}
	}
	return kept, newChosen
}
