package analyzer

import (
	"fmt"
	"image"

	"github.com/menta2k/detection-server/pkg/types"
)

// ImageAnalyzer checks decoded images before they are handed to a model
type ImageAnalyzer struct {
	config Config
}

// Config holds configuration for the image analyzer
type Config struct {
	MinImageSize int
	MaxPixels    int
}

// New creates a new ImageAnalyzer with default configuration
func New() *ImageAnalyzer {
	return &ImageAnalyzer{
		config: Config{
			MinImageSize: 1,
			MaxPixels:    40_000_000,
		},
	}
}

// NewWithConfig creates a new ImageAnalyzer with custom configuration
func NewWithConfig(config Config) *ImageAnalyzer {
	return &ImageAnalyzer{config: config}
}

// MaxPixels returns the largest accepted image area, 0 means unlimited
func (a *ImageAnalyzer) MaxPixels() int {
	return a.config.MaxPixels
}

// GetImageInfo returns basic information about an image
func (a *ImageAnalyzer) GetImageInfo(img image.Image) ImageInfo {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	info := ImageInfo{
		Width:  width,
		Height: height,
		Area:   width * height,
	}
	if height > 0 {
		info.AspectRatio = float64(width) / float64(height)
	}
	return info
}

// ImageInfo contains basic image metadata
type ImageInfo struct {
	Width       int
	Height      int
	AspectRatio float64
	Area        int
}

// ValidateImage checks if an image meets minimum requirements
func (a *ImageAnalyzer) ValidateImage(img image.Image) error {
	if img == nil {
		return fmt.Errorf("%w: no image", types.ErrMalformedImage)
	}
	bounds := img.Bounds()
	if bounds.Dx() < a.config.MinImageSize || bounds.Dy() < a.config.MinImageSize {
		return fmt.Errorf("%w: image too small: %dx%d (minimum: %d)",
			types.ErrMalformedImage, bounds.Dx(), bounds.Dy(), a.config.MinImageSize)
	}
	if a.config.MaxPixels > 0 && bounds.Dx()*bounds.Dy() > a.config.MaxPixels {
		return fmt.Errorf("%w: image too large: %dx%d (maximum: %d pixels)",
			types.ErrMalformedImage, bounds.Dx(), bounds.Dy(), a.config.MaxPixels)
	}
	return nil
}
