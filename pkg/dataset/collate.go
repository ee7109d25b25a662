// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Batch of examples, ready to be fed to a scorer.
//
// The token axes are trimmed to the longest attention mask in the batch: states to the longest state,
// actions to the longest candidate action.
type Batch struct {
	// StateIDs and StateMask are shaped [batchSize][maxStateLen].
	StateIDs, StateMask [][]int32

	// ActionIDs and ActionMask hold the candidate actions of all examples, flattened in order: shaped
	// [sum(Counts)][maxActionLen].
	ActionIDs, ActionMask [][]int32

	// Counts holds the number of candidate actions of each example.
	Counts []int

	// ImageFeatures are shaped [batchSize][trajectories.ImageFeatureSize].
	ImageFeatures [][]float32

	// RawImages holds one image per example, see ImageResult.
	RawImages []ImageResult

	// Labels holds the index of the chosen candidate of each example.
	Labels []int
}

// Size returns the number of examples in the batch.
func (b *Batch) Size() int { return len(b.Labels) }

// CollatorConfig configures a Collator.
type CollatorConfig struct {
	// ImagesDir is where the product images ("<ID>.jpg") are stored.
	ImagesDir string

	// ImageCacheSize is the number of decoded images to keep in memory. 0 disables the cache, and
	// images are read from disk every time they are used.
	ImageCacheSize int

	// SkipImages uses the placeholder for every image, without reading them. Useful for models that don't
	// use the raw images.
	SkipImages bool
}

// Collator builds batches from examples, loading the raw images on the fly.
// It is safe for concurrent use.
type Collator struct {
	config CollatorConfig
	cache  *lru.Cache

	// loadImageFn is LoadImage, except in tests.
	loadImageFn func(dir, id string) ImageResult
}

// NewCollator creates a Collator with the given configuration.
func NewCollator(config CollatorConfig) (*Collator, error) {
	c := &Collator{config: config, loadImageFn: LoadImage}
	if config.ImageCacheSize > 0 {
		var err error
		c.cache, err = lru.New(config.ImageCacheSize)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create images cache of size %d", config.ImageCacheSize)
		}
	}
	return c, nil
}

// Image returns the raw image with the given product id, using the cache if configured.
// Only loaded images are cached: placeholders are cheap to create.
func (c *Collator) Image(id string) ImageResult {
	if c.config.SkipImages {
		return PlaceholderImage(ImageNone, nil)
	}
	if c.cache != nil {
		if value, found := c.cache.Get(id); found {
			return value.(ImageResult)
		}
	}
	result := c.loadImageFn(c.config.ImagesDir, id)
	if c.cache != nil && result.Status == ImageLoaded {
		c.cache.Add(id, result)
	}
	return result
}

// Collate the examples into a Batch. The examples are not modified, and the batch only shares with them
// the image features.
func (c *Collator) Collate(examples []*Example) *Batch {
	b := &Batch{
		StateIDs:      make([][]int32, len(examples)),
		StateMask:     make([][]int32, len(examples)),
		Counts:        make([]int, len(examples)),
		ImageFeatures: make([][]float32, len(examples)),
		RawImages:     make([]ImageResult, len(examples)),
		Labels:        make([]int, len(examples)),
	}
	maxStateLen := 0
	maxActionLen := 0
	numPlaceholders := 0
	for ii, example := range examples {
		b.StateIDs[ii] = example.StateIDs
		b.StateMask[ii] = example.StateMask
		maxStateLen = max(maxStateLen, attentionLength(example.StateMask))
		b.ActionIDs = append(b.ActionIDs, example.ActionIDs...)
		b.ActionMask = append(b.ActionMask, example.ActionMask...)
		for _, mask := range example.ActionMask {
			maxActionLen = max(maxActionLen, attentionLength(mask))
		}
		b.Counts[ii] = example.NumCandidates()
		b.ImageFeatures[ii] = example.ImageFeature
		b.RawImages[ii] = c.Image(example.RawImage)
		if status := b.RawImages[ii].Status; status == ImageMissing || status == ImageUndecodable {
			numPlaceholders++
		}
		b.Labels[ii] = example.Label
	}
	b.StateIDs = trimRows(b.StateIDs, maxStateLen)
	b.StateMask = trimRows(b.StateMask, maxStateLen)
	b.ActionIDs = trimRows(b.ActionIDs, maxActionLen)
	b.ActionMask = trimRows(b.ActionMask, maxActionLen)
	if numPlaceholders > 0 {
		klog.V(3).Infof("batch of %d examples with %d placeholder images", len(examples), numPlaceholders)
	}
	return b
}

// attentionLength is the number of attended tokens, i.e. the sum of the mask.
func attentionLength(mask []int32) int {
	var sum int
	for _, m := range mask {
		sum += int(m)
	}
	return sum
}

// trimRows returns new slice headers for rows, each limited to length.
func trimRows(rows [][]int32, length int) [][]int32 {
	trimmed := make([][]int32, len(rows))
	for ii, row := range rows {
		trimmed[ii] = row[:min(length, len(row))]
	}
	return trimmed
}
