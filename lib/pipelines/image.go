// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipelines

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder
	"os"

	_ "golang.org/x/image/bmp" // Register BMP decoder
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff" // Register TIFF decoder
	_ "golang.org/x/image/webp" // Register WebP decoder
)

// ErrEmptyImage is returned when an image payload has no bytes.
var ErrEmptyImage = errors.New("empty image payload")

// ImageNet normalization constants used by the Swin encoder.
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// ImageConfig holds configuration for image preprocessing.
type ImageConfig struct {
	// Size is the square side the image is resized to.
	Size int
	// Mean is the per-channel mean for normalization.
	Mean [3]float32
	// Std is the per-channel standard deviation for normalization.
	Std [3]float32
	// RescaleFactor scales 0-255 pixel values before normalization.
	RescaleFactor float32
}

// DefaultImageConfig returns the preprocessing the pretrained captioner expects.
func DefaultImageConfig() *ImageConfig {
	return &ImageConfig{
		Size:          384,
		Mean:          ImageNetMean,
		Std:           ImageNetStd,
		RescaleFactor: 1.0 / 255.0,
	}
}

// ImageProcessor turns decoded images into encoder input tensors.
type ImageProcessor struct {
	Config *ImageConfig
}

// NewImageProcessor creates an ImageProcessor with the given configuration.
func NewImageProcessor(config *ImageConfig) *ImageProcessor {
	if config == nil {
		config = DefaultImageConfig()
	}
	return &ImageProcessor{Config: config}
}

// DecodeImage decodes JPEG, PNG, GIF, BMP, TIFF or WebP bytes.
func DecodeImage(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", ErrEmptyImage
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decoding image: %w", err)
	}
	return img, format, nil
}

// LoadImageFile reads and decodes an image from disk.
func LoadImageFile(path string) (image.Image, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: image paths come from CLI arguments
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	img, _, err := DecodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// ProcessBytes preprocesses an encoded image.
// Returns pixel values in [channels, height, width] order as a flat slice.
func (p *ImageProcessor) ProcessBytes(data []byte) ([]float32, error) {
	img, _, err := DecodeImage(data)
	if err != nil {
		return nil, err
	}
	return p.Process(img)
}

// Process resizes img to a Size x Size RGB image and normalizes it.
// Grayscale, paletted, CMYK and alpha images are converted to RGB;
// transparent areas become black.
func (p *ImageProcessor) Process(img image.Image) ([]float32, error) {
	if img == nil {
		return nil, errors.New("nil image")
	}
	size := p.Config.Size
	if size <= 0 {
		return nil, fmt.Errorf("invalid image size %d", size)
	}
	if b := img.Bounds(); b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("image has no pixels (%dx%d)", b.Dx(), b.Dy())
	}
	return p.toTensor(ToRGB(img, size)), nil
}

// ToRGB draws img into a size x size RGBA canvas with bilinear filtering.
// The canvas starts opaque black so alpha is flattened.
func ToRGB(img image.Image, size int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(dst, dst.Bounds(), image.Black, image.Point{}, draw.Src)
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
	return dst
}

// toTensor converts an RGBA canvas to a normalized float tensor in CHW order.
func (p *ImageProcessor) toTensor(img *image.RGBA) []float32 {
	cfg := p.Config
	width, height := img.Rect.Dx(), img.Rect.Dy()
	plane := width * height
	pixels := make([]float32, 3*plane)

	for y := range height {
		row := img.Pix[y*img.Stride:]
		for x := range width {
			px := row[x*4 : x*4+3]
			i := y*width + x
			for c := range 3 {
				v := float32(px[c]) * cfg.RescaleFactor
				pixels[c*plane+i] = (v - cfg.Mean[c]) / cfg.Std[c]
			}
		}
	}
	return pixels
}
