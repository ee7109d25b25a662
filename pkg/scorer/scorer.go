// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package scorer defines the interface of the models that score candidate actions given a state, and
// implements DualEncoder, a GoMLX model trained with gradient accumulation.
package scorer

import (
	"github.com/gomlx/webshopil/pkg/dataset"
)

// Output of a forward pass over a batch.
type Output struct {
	// Loss is the mean cross-entropy of the batch.
	Loss float64

	// Logits holds one score per candidate action, for each example of the batch.
	Logits [][]float32
}

// Predictions returns the index of the highest scoring candidate of each example.
func (o *Output) Predictions() []int {
	predictions := make([]int, len(o.Logits))
	for ii, logits := range o.Logits {
		best := 0
		for jj, logit := range logits {
			if logit > logits[best] {
				best = jj
			}
		}
		predictions[ii] = best
	}
	return predictions
}

// Interface of an action scorer: the training loop only uses these methods.
//
// Gradients are accumulated across calls to Backward, until Step applies them (and clears them) or ZeroGrad
// discards them.
type Interface interface {
	// Forward computes the loss and logits of the batch. If training is true, it also computes the gradients
	// to be accumulated by the following call to Backward.
	Forward(batch *dataset.Batch, training bool) (*Output, error)

	// Backward accumulates the gradients of the last training Forward, multiplied by scale.
	Backward(scale float64) error

	// Step updates the model with the accumulated gradients, using the given learning rate, and clears them.
	Step(learningRate float64) error

	// ZeroGrad clears the accumulated gradients.
	ZeroGrad() error

	// SaveState saves the full training state (weights, optimizer and accumulated gradients) into dir.
	SaveState(dir string) error

	// SaveWeights saves only the model weights into dir.
	SaveWeights(dir string) error

	// LoadState restores the state saved with SaveState (or the weights saved with SaveWeights) from dir.
	LoadState(dir string) error
}
