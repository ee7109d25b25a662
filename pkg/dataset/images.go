// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gomlx/webshopil/pkg/trajectories"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ImageSize is the height and width images are resized to.
	ImageSize = 224

	// ImageChannels is the number of channels (RGB) of the images.
	ImageChannels = 3

	// ImagePixels is the number of values of one image, in channel-first order.
	ImagePixels = ImageChannels * ImageSize * ImageSize
)

// ImageStatus tells how an ImageResult was produced.
type ImageStatus int

const (
	// ImageLoaded means the image was read and decoded.
	ImageLoaded ImageStatus = iota

	// ImageNone means the transition had no image.
	ImageNone

	// ImageMissing means the image file was not found.
	ImageMissing

	// ImageUndecodable means the image file could not be read or decoded.
	ImageUndecodable
)

var imageStatusNames = []string{"loaded", "none", "missing", "undecodable"}

// String implements fmt.Stringer.
func (s ImageStatus) String() string {
	if int(s) < 0 || int(s) >= len(imageStatusNames) {
		return "unknown"
	}
	return imageStatusNames[s]
}

// ImageResult is the outcome of loading a raw image. Pixels are always set: for any status other than ImageLoaded
// they hold the placeholder image (all ones).
type ImageResult struct {
	Status ImageStatus

	// Pixels in channel-first order ([3, 224, 224]), with values in [0, 1].
	Pixels []float32

	// Err holds the reason the image could not be loaded, if Status is ImageMissing or ImageUndecodable.
	Err error
}

// IsPlaceholder returns whether the result holds the placeholder image.
func (r ImageResult) IsPlaceholder() bool { return r.Status != ImageLoaded }

// placeholderPixels is shared by all placeholder results: it must not be modified.
var placeholderPixels = func() []float32 {
	pixels := make([]float32, ImagePixels)
	for ii := range pixels {
		pixels[ii] = 1
	}
	return pixels
}()

// PlaceholderImage returns the placeholder result for the given status and error.
func PlaceholderImage(status ImageStatus, err error) ImageResult {
	return ImageResult{Status: status, Pixels: placeholderPixels, Err: err}
}

// ImagePath returns the path of the image of the product id: "<dir>/<ID>.jpg", with the id in upper case.
func ImagePath(dir, id string) string {
	return filepath.Join(dir, strings.ToUpper(id)+".jpg")
}

// LoadImage loads the image of the product id from dir, resizes it to ImageSize x ImageSize and converts it to
// channel-first float values in [0, 1].
//
// It never fails: if id is trajectories.NoImage, or the file is missing or can't be decoded, it returns the
// placeholder image with the corresponding status.
func LoadImage(dir, id string) ImageResult {
	if id == "" || id == trajectories.NoImage {
		return PlaceholderImage(ImageNone, nil)
	}
	imagePath := ImagePath(dir, id)
	if _, err := os.Stat(imagePath); err != nil {
		klog.V(2).Infof("image not found: %s", imagePath)
		return PlaceholderImage(ImageMissing, errors.Wrapf(err, "image for %q", id))
	}
	img, err := imaging.Open(imagePath)
	if err != nil {
		klog.V(2).Infof("failed to decode image %s: %v", imagePath, err)
		return PlaceholderImage(ImageUndecodable, errors.Wrapf(err, "failed to decode image %q", imagePath))
	}
	return ImageResult{Status: ImageLoaded, Pixels: imageToChannelsFirst(img)}
}

// imageToChannelsFirst resizes img and returns its RGB values in channel-first order, scaled to [0, 1].
// The alpha channel is dropped.
func imageToChannelsFirst(img image.Image) []float32 {
	resized := imaging.Resize(img, ImageSize, ImageSize, imaging.Linear)
	pixels := make([]float32, ImagePixels)
	const planeSize = ImageSize * ImageSize
	for y := range ImageSize {
		row := resized.Pix[y*resized.Stride:]
		for x := range ImageSize {
			pos := y*ImageSize + x
			for channel := range ImageChannels {
				pixels[channel*planeSize+pos] = float32(row[x*4+channel]) / 255.0
			}
		}
	}
	return pixels
}
