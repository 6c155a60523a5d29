package cropper

import (
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"

	"github.com/menta2k/detection-server/pkg/types"
)

// Cropper cuts detected objects out of the source image
type Cropper struct {
	config CropConfig
}

// CropConfig holds configuration for detection crops
type CropConfig struct {
	// Gain scales the box width and height
	Gain float64
	// Pad is added to the box width and height after scaling, in pixels
	Pad float64
	// Square expands the box to a square on its long side
	Square bool
	// MinSize drops crops whose shorter side is below this many pixels
	MinSize int
}

// CropResult contains one cropped detection
type CropResult struct {
	Image     image.Image
	Detection types.DetBox
	Region    image.Rectangle
}

// New creates a new Cropper with default configuration
func New() *Cropper {
	return &Cropper{
		config: CropConfig{
			Gain:    1.02,
			Pad:     10,
			Square:  false,
			MinSize: 1,
		},
	}
}

// NewWithConfig creates a new Cropper with custom configuration
func NewWithConfig(config CropConfig) *Cropper {
	if config.Gain <= 0 {
		config.Gain = 1
	}
	return &Cropper{config: config}
}

// Region expands box by the configured gain and padding and clips it to bounds
func (c *Cropper) Region(box types.XYXY, bounds image.Rectangle) image.Rectangle {
	cx := (box[0] + box[2]) / 2
	cy := (box[1] + box[3]) / 2
	w := box.Width()
	h := box.Height()
	if c.config.Square {
		side := math.Max(w, h)
		w, h = side, side
	}
	w = w*c.config.Gain + c.config.Pad
	h = h*c.config.Gain + c.config.Pad

	r := image.Rect(
		int(cx-w/2),
		int(cy-h/2),
		int(cx+w/2),
		int(cy+h/2),
	).Add(bounds.Min)
	return r.Intersect(bounds)
}

// CropToBox crops img to the expanded region around box
func (c *Cropper) CropToBox(img image.Image, box types.XYXY) (image.Image, image.Rectangle, error) {
	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, image.Rectangle{}, fmt.Errorf("invalid image dimensions")
	}

	region := c.Region(box, bounds)
	if region.Empty() {
		return nil, region, fmt.Errorf("box %v lies outside the image", box)
	}
	return imaging.Crop(img, region), region, nil
}

// CropDetections crops every detection out of img.
// Detections without a usable box or below MinSize are skipped.
func (c *Cropper) CropDetections(img image.Image, detections []types.DetBox) ([]CropResult, error) {
	results := make([]CropResult, 0, len(detections))
	for _, d := range detections {
		if len(d.BBoxXYXY) != 4 {
			continue
		}
		box := types.XYXY{d.BBoxXYXY[0], d.BBoxXYXY[1], d.BBoxXYXY[2], d.BBoxXYXY[3]}
		cropped, region, err := c.CropToBox(img, box)
		if err != nil {
			if region.Empty() {
				continue
			}
			return nil, fmt.Errorf("failed to crop %s: %w", d.ClassName, err)
		}
		if region.Dx() < c.config.MinSize || region.Dy() < c.config.MinSize {
			continue
		}
		results = append(results, CropResult{Image: cropped, Detection: d, Region: region})
	}
	return results, nil
}
