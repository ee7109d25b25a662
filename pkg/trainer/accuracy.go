// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import "github.com/pkg/errors"

// Accuracy accumulates predictions and references, like a streaming metric.
type Accuracy struct {
	correct, total int
}

// Add a batch of predictions and their references.
func (a *Accuracy) Add(predictions, references []int) error {
	if len(predictions) != len(references) {
		return errors.Errorf("accuracy got %d predictions for %d references", len(predictions), len(references))
	}
	for ii, p := range predictions {
		if p == references[ii] {
			a.correct++
		}
	}
	a.total += len(predictions)
	return nil
}

// Len returns the number of predictions accumulated.
func (a *Accuracy) Len() int { return a.total }

// Compute returns the accuracy and resets the accumulator. It returns 0 if nothing was accumulated.
func (a *Accuracy) Compute() float64 {
	var value float64
	if a.total > 0 {
		value = float64(a.correct) / float64(a.total)
	}
	*a = Accuracy{}
	return value
}
