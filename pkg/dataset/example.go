// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dataset converts transitions into tokenized examples, collates them into batches and iterates over
// them in the order (and sharding) used by the training loop.
//
// Batches are plain Go values (see Batch), and can be converted to the tensors fed to the scorer models
// with Batch.Tensors. Loader also implements the GoMLX train.Dataset interface.
package dataset

import (
	"github.com/gomlx/webshopil/pkg/tokenizer"
	"github.com/gomlx/webshopil/pkg/trajectories"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// StateMaxLen is the number of tokens states are padded or truncated to.
	StateMaxLen = 512

	// ActionMaxLen is the number of tokens actions are padded or truncated to.
	ActionMaxLen = 128

	// MaxCandidates is the largest number of candidate actions of an example.
	MaxCandidates = trajectories.MaxActions
)

// Example is an encoded transition.
type Example struct {
	// StateIDs and StateMask have StateMaxLen tokens.
	StateIDs, StateMask []int32

	// ActionIDs and ActionMask hold one row of ActionMaxLen tokens per candidate action.
	ActionIDs, ActionMask [][]int32

	// ImageFeature has trajectories.ImageFeatureSize values.
	ImageFeature []float32

	// RawImage is the product id of the image to load, or trajectories.NoImage.
	RawImage string

	// Label is the index of the chosen candidate.
	Label int
}

// NumCandidates returns the number of candidate actions of the example.
func (e *Example) NumCandidates() int { return len(e.ActionIDs) }

// Encode tokenizes the transitions: all states are encoded in one call to the tokenizer, and so are all
// the candidate actions (flattened), which are then regrouped per transition.
//
// It returns an error if any transition is not a valid training example: no candidates, more than
// MaxCandidates candidates, a label out of range or an image feature of the wrong size.
func Encode(transitions []trajectories.Transition, tok tokenizer.Tokenizer) ([]*Example, error) {
	states := make([]string, len(transitions))
	var actions []string
	for ii := range transitions {
		tr := &transitions[ii]
		count := len(tr.Actions)
		if count == 0 || count > MaxCandidates {
			return nil, errors.Errorf("transition #%d has %d candidate actions, it must have between 1 and %d",
				ii, count, MaxCandidates)
		}
		if tr.Label < 0 || tr.Label >= count {
			return nil, errors.Errorf("transition #%d has label %d out of range for %d candidates", ii, tr.Label, count)
		}
		if len(tr.ImageFeature) != trajectories.ImageFeatureSize {
			return nil, errors.Errorf("transition #%d has image feature of size %d, wanted %d",
				ii, len(tr.ImageFeature), trajectories.ImageFeatureSize)
		}
		states[ii] = tr.State
		actions = append(actions, tr.Actions...)
	}

	stateEnc := tok.Encode(states, StateMaxLen)
	actionEnc := tok.Encode(actions, ActionMaxLen)
	if stateEnc.Len() != len(states) || actionEnc.Len() != len(actions) {
		return nil, errors.Errorf("tokenizer returned %d states and %d actions encodings, wanted %d and %d",
			stateEnc.Len(), actionEnc.Len(), len(states), len(actions))
	}

	examples := make([]*Example, len(transitions))
	actionIdx := 0
	for ii := range transitions {
		tr := &transitions[ii]
		count := len(tr.Actions)
		examples[ii] = &Example{
			StateIDs:     stateEnc.IDs[ii],
			StateMask:    stateEnc.Mask[ii],
			ActionIDs:    actionEnc.IDs[actionIdx : actionIdx+count],
			ActionMask:   actionEnc.Mask[actionIdx : actionIdx+count],
			ImageFeature: tr.ImageFeature,
			RawImage:     tr.RawImage,
			Label:        tr.Label,
		}
		actionIdx += count
	}
	klog.V(1).Infof("encoded %d examples with %d candidate actions", len(examples), len(actions))
	return examples, nil
}
