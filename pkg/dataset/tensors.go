// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/webshopil/pkg/tokenizer"
	"github.com/gomlx/webshopil/pkg/trajectories"
	"github.com/pkg/errors"
)

// Positions of the input tensors returned by Batch.Tensors.
const (
	// InputStateIDs is shaped [batchSize, stateLen], dtype Int32.
	InputStateIDs = iota

	// InputStateMask is shaped [batchSize, stateLen], dtype Int32.
	InputStateMask

	// InputActionIDs is shaped [batchSize, MaxCandidates, actionLen], dtype Int32.
	InputActionIDs

	// InputActionMask is shaped [batchSize, MaxCandidates, actionLen], dtype Int32.
	InputActionMask

	// InputCandidateMask is shaped [batchSize, MaxCandidates], dtype Float32: 1 for the candidate slots in use.
	InputCandidateMask

	// InputImageFeatures is shaped [batchSize, trajectories.ImageFeatureSize], dtype Float32.
	InputImageFeatures

	// InputRawImages is shaped [batchSize, ImageChannels, ImageSize, ImageSize], dtype Float32.
	InputRawImages

	// NumInputs is the number of input tensors.
	NumInputs
)

// DefaultLengthBucket is the default granularity of the token axes of the tensors.
const DefaultLengthBucket = 16

// bucketLength rounds length up to a multiple of bucket, limited to maxLen.
func bucketLength(length, bucket, maxLen int) int {
	length = max(length, 1)
	if bucket <= 1 {
		return min(length, maxLen)
	}
	return min(((length+bucket-1)/bucket)*bucket, maxLen)
}

// Tensors converts the batch to the scorer inputs (see InputStateIDs and the following constants) and labels
// (one Int32 tensor shaped [batchSize]).
//
// Candidate actions are laid out in MaxCandidates slots per example. If lengthBucket > 1, the token axes are
// padded with tokenizer.PadID (and mask 0) up to a multiple of lengthBucket: this limits the number of different
// shapes, and hence of compiled graphs. With lengthBucket <= 1 the token axes keep the lengths of the batch.
func (b *Batch) Tensors(lengthBucket int) (inputs, labels []*tensors.Tensor, err error) {
	batchSize := b.Size()
	if batchSize == 0 {
		return nil, nil, errors.New("cannot convert empty batch to tensors")
	}
	stateLen := bucketLength(rowsLength(b.StateIDs), lengthBucket, StateMaxLen)
	actionLen := bucketLength(rowsLength(b.ActionIDs), lengthBucket, ActionMaxLen)

	stateIDs := make([]int32, batchSize*stateLen)
	stateMask := make([]int32, batchSize*stateLen)
	for ii := range batchSize {
		copyPadded(stateIDs[ii*stateLen:(ii+1)*stateLen], b.StateIDs[ii], tokenizer.PadID)
		copyPadded(stateMask[ii*stateLen:(ii+1)*stateLen], b.StateMask[ii], 0)
	}

	slotsSize := batchSize * MaxCandidates
	actionIDs := make([]int32, slotsSize*actionLen)
	actionMask := make([]int32, slotsSize*actionLen)
	candidateMask := make([]float32, slotsSize)
	labelValues := make([]int32, batchSize)
	actionRow := 0
	for ii, count := range b.Counts {
		if count > MaxCandidates {
			return nil, nil, errors.Errorf("example #%d of batch has %d candidates, max is %d", ii, count, MaxCandidates)
		}
		for slot := range MaxCandidates {
			slotIdx := ii*MaxCandidates + slot
			ids := actionIDs[slotIdx*actionLen : (slotIdx+1)*actionLen]
			mask := actionMask[slotIdx*actionLen : (slotIdx+1)*actionLen]
			if slot >= count {
				copyPadded(ids, nil, tokenizer.PadID)
				continue
			}
			copyPadded(ids, b.ActionIDs[actionRow], tokenizer.PadID)
			copyPadded(mask, b.ActionMask[actionRow], 0)
			candidateMask[slotIdx] = 1
			actionRow++
		}
		labelValues[ii] = int32(b.Labels[ii])
	}

	imageFeatures := make([]float32, 0, batchSize*trajectories.ImageFeatureSize)
	rawImages := make([]float32, 0, batchSize*ImagePixels)
	for ii := range batchSize {
		if len(b.ImageFeatures[ii]) != trajectories.ImageFeatureSize {
			return nil, nil, errors.Errorf("example #%d of batch has image feature of size %d, wanted %d",
				ii, len(b.ImageFeatures[ii]), trajectories.ImageFeatureSize)
		}
		imageFeatures = append(imageFeatures, b.ImageFeatures[ii]...)
		rawImages = append(rawImages, b.RawImages[ii].Pixels...)
	}

	inputs = make([]*tensors.Tensor, NumInputs)
	inputs[InputStateIDs] = tensors.FromFlatDataAndDimensions(stateIDs, batchSize, stateLen)
	inputs[InputStateMask] = tensors.FromFlatDataAndDimensions(stateMask, batchSize, stateLen)
	inputs[InputActionIDs] = tensors.FromFlatDataAndDimensions(actionIDs, batchSize, MaxCandidates, actionLen)
	inputs[InputActionMask] = tensors.FromFlatDataAndDimensions(actionMask, batchSize, MaxCandidates, actionLen)
	inputs[InputCandidateMask] = tensors.FromFlatDataAndDimensions(candidateMask, batchSize, MaxCandidates)
	inputs[InputImageFeatures] = tensors.FromFlatDataAndDimensions(imageFeatures, batchSize, trajectories.ImageFeatureSize)
	inputs[InputRawImages] = tensors.FromFlatDataAndDimensions(rawImages, batchSize, ImageChannels, ImageSize, ImageSize)
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(labelValues, batchSize)}
	return inputs, labels, nil
}

// rowsLength returns the length of the longest row.
func rowsLength(rows [][]int32) int {
	var length int
	for _, row := range rows {
		length = max(length, len(row))
	}
	return length
}

// copyPadded copies from into to, filling the remaining positions with pad.
func copyPadded(to, from []int32, pad int32) {
	n := copy(to, from)
	for ii := n; ii < len(to); ii++ {
		to[ii] = pad
	}
}
