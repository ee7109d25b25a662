// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"fmt"
	"io"
	"math/rand"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// LoaderConfig configures a Loader.
type LoaderConfig struct {
	// Name of the dataset, used for logging.
	Name string

	// BatchSize is the number of examples per batch, per process.
	BatchSize int

	// Shuffle the examples at every epoch, with a random generator seeded with Seed+epoch.
	Shuffle bool
	Seed    int64

	// NumShards is the number of processes sharing the dataset, and ShardIndex the index of this process.
	// With more than one shard, the last batches are padded with duplicates of the first examples, so every
	// process yields the same number of full batches.
	NumShards, ShardIndex int

	// LengthBucket is passed to Batch.Tensors by Yield.
	LengthBucket int
}

// Loader iterates over the batches of a dataset of examples, in the order of the current epoch.
//
// Global batches (of BatchSize examples each) are assigned round-robin to the shards: shard i yields
// global batches i, i+NumShards, ...
//
// It implements train.Dataset: each epoch (up to io.EOF) yields the inputs and labels described in Batch.Tensors.
// It is safe for concurrent use, but the order of batches is then undefined.
type Loader struct {
	config   LoaderConfig
	examples []*Example
	collator *Collator

	mu      sync.Mutex
	epoch   int
	batches [][]int // Indices of the examples of each batch of this shard, for the current epoch.
	next    int
}

var _ train.Dataset = (*Loader)(nil)

// NewLoader creates a Loader positioned at the start of epoch 0.
func NewLoader(examples []*Example, collator *Collator, config LoaderConfig) (*Loader, error) {
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("invalid batch size %d for dataset %q", config.BatchSize, config.Name)
	}
	if config.NumShards == 0 {
		config.NumShards = 1
	}
	if config.NumShards < 0 || config.ShardIndex < 0 || config.ShardIndex >= config.NumShards {
		return nil, errors.Errorf("invalid shard %d of %d for dataset %q", config.ShardIndex, config.NumShards, config.Name)
	}
	if len(examples) == 0 {
		return nil, errors.Errorf("dataset %q has no examples", config.Name)
	}
	l := &Loader{config: config, examples: examples, collator: collator}
	l.SetEpoch(0)
	return l, nil
}

// NumExamples returns the number of (distinct) examples in the dataset.
func (l *Loader) NumExamples() int { return len(l.examples) }

// Epoch returns the current epoch.
func (l *Loader) Epoch() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.epoch
}

// SetEpoch sets the order of the examples for the given epoch, and moves to its start.
func (l *Loader) SetEpoch(epoch int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.epoch = epoch
	l.batches = l.shardBatches(epoch)
	l.next = 0
}

// shardBatches returns the batches of this shard, for the given epoch.
func (l *Loader) shardBatches(epoch int) [][]int {
	numExamples := len(l.examples)
	var order []int
	if l.config.Shuffle {
		rng := rand.New(rand.NewSource(l.config.Seed + int64(epoch)))
		order = rng.Perm(numExamples)
	} else {
		order = make([]int, numExamples)
		for ii := range order {
			order[ii] = ii
		}
	}

	batchSize := l.config.BatchSize
	numShards := l.config.NumShards
	numGlobalBatches := (numExamples + batchSize - 1) / batchSize
	if numShards > 1 {
		// Pad with duplicates from the start, so every shard has the same number of full batches.
		numGlobalBatches = ((numGlobalBatches + numShards - 1) / numShards) * numShards
		for ii := 0; len(order) < numGlobalBatches*batchSize; ii++ {
			order = append(order, order[ii%numExamples])
		}
	}

	var batches [][]int
	for batchIdx := l.config.ShardIndex; batchIdx < numGlobalBatches; batchIdx += numShards {
		start := batchIdx * batchSize
		end := min(start+batchSize, len(order))
		batches = append(batches, order[start:end])
	}
	return batches
}

// Len returns the number of batches yielded by this shard per epoch.
func (l *Loader) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.batches)
}

// Position returns the number of batches already yielded (or skipped) in the current epoch.
func (l *Loader) Position() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next
}

// Skip advances over n batches without collating them. It returns the number of batches actually skipped,
// which is less than n if the end of the epoch is reached.
func (l *Loader) Skip(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	skipped := min(max(n, 0), len(l.batches)-l.next)
	l.next += skipped
	return skipped
}

// Next returns the next batch of the epoch, or io.EOF at the end of the epoch.
func (l *Loader) Next() (*Batch, error) {
	l.mu.Lock()
	if l.next >= len(l.batches) {
		l.mu.Unlock()
		return nil, io.EOF
	}
	indices := l.batches[l.next]
	l.next++
	l.mu.Unlock()

	examples := make([]*Example, len(indices))
	for ii, idx := range indices {
		examples[ii] = l.examples[idx]
	}
	return l.collator.Collate(examples), nil
}

// Name implements train.Dataset.
func (l *Loader) Name() string {
	if l.config.NumShards > 1 {
		return fmt.Sprintf("%s[%d/%d]", l.config.Name, l.config.ShardIndex, l.config.NumShards)
	}
	return l.config.Name
}

// Reset implements train.Dataset: it moves to the start of the current epoch.
func (l *Loader) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next = 0
}

// Yield implements train.Dataset.
func (l *Loader) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	batch, err := l.Next()
	if err != nil {
		return nil, nil, nil, err
	}
	inputs, labels, err = batch.Tensors(l.config.LengthBucket)
	return nil, inputs, labels, err
}
