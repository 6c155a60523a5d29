package cropper

import (
	"image"
	"image/color"
	"testing"

	"github.com/menta2k/detection-server/pkg/types"
)

// createTestImage creates a simple test image
func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if x > width/3 && x < 2*width/3 && y > height/3 && y < 2*height/3 {
				img.Set(x, y, color.RGBA{255, 255, 255, 255})
			} else {
				img.Set(x, y, color.RGBA{64, 64, 64, 255})
			}
		}
	}
	return img
}

func TestNew(t *testing.T) {
	cropper := New()
	if cropper == nil {
		t.Fatal("New() returned nil")
	}
	if cropper.config.Gain != 1.02 || cropper.config.Pad != 10 {
		t.Errorf("Unexpected defaults: %+v", cropper.config)
	}
	if cropper.config.Square {
		t.Error("Expected Square to be false by default")
	}
}

func TestNewWithConfig(t *testing.T) {
	cropper := NewWithConfig(CropConfig{Square: true})
	if cropper.config.Gain != 1 {
		t.Errorf("Expected zero gain to become 1, got %v", cropper.config.Gain)
	}
	if !cropper.config.Square {
		t.Error("Expected Square to be true")
	}
}

func TestRegion(t *testing.T) {
	bounds := image.Rect(0, 0, 200, 100)

	plain := NewWithConfig(CropConfig{Gain: 1})
	if r := plain.Region(types.XYXY{10, 20, 50, 60}, bounds); r != image.Rect(10, 20, 50, 60) {
		t.Errorf("Expected unchanged region, got %v", r)
	}

	square := NewWithConfig(CropConfig{Gain: 1, Square: true})
	if r := square.Region(types.XYXY{40, 40, 80, 60}, bounds); r.Dx() != 40 || r.Dy() != 40 {
		t.Errorf("Expected 40x40 square, got %v", r)
	}

	padded := NewWithConfig(CropConfig{Gain: 1, Pad: 40})
	if r := padded.Region(types.XYXY{0, 0, 20, 20}, bounds); r.Min != image.Pt(0, 0) || r.Max != image.Pt(40, 40) {
		t.Errorf("Expected region clipped at origin, got %v", r)
	}
}

func TestCropToBox(t *testing.T) {
	cropper := NewWithConfig(CropConfig{Gain: 1})
	img := createTestImage(300, 150)

	cropped, region, err := cropper.CropToBox(img, types.XYXY{100, 50, 200, 100})
	if err != nil {
		t.Fatalf("CropToBox failed: %v", err)
	}
	if cropped.Bounds().Dx() != 100 || cropped.Bounds().Dy() != 50 {
		t.Errorf("Expected 100x50 crop, got %v", cropped.Bounds())
	}
	if region != image.Rect(100, 50, 200, 100) {
		t.Errorf("Unexpected region %v", region)
	}

	r, _, _, _ := cropped.At(50, 25).RGBA()
	if r>>8 != 255 {
		t.Errorf("Expected the bright subject in the crop centre, got %d", r>>8)
	}

	if _, _, err := cropper.CropToBox(img, types.XYXY{400, 400, 500, 500}); err == nil {
		t.Error("Expected error for a box outside the image")
	}
}

func TestCropDetections(t *testing.T) {
	cropper := NewWithConfig(CropConfig{Gain: 1, MinSize: 5})
	img := createTestImage(300, 150)

	detections := []types.DetBox{
		{ClassID: 0, ClassName: "foot", Confidence: 0.9, BBoxXYXY: []float64{10, 10, 60, 60}},
		{ClassID: 0, ClassName: "tiny", Confidence: 0.8, BBoxXYXY: []float64{10, 10, 12, 12}},
		{ClassID: 1, ClassName: "outside", Confidence: 0.7, BBoxXYXY: []float64{500, 500, 600, 600}},
		{ClassID: 2, ClassName: "broken", Confidence: 0.6, BBoxXYXY: []float64{1, 2}},
	}

	results, err := cropper.CropDetections(img, detections)
	if err != nil {
		t.Fatalf("CropDetections failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Expected 1 crop, got %d", len(results))
	}
	if results[0].Detection.ClassName != "foot" || results[0].Image.Bounds().Dx() != 50 {
		t.Errorf("Unexpected crop %+v", results[0])
	}
}

func BenchmarkCropDetections(b *testing.B) {
	cropper := New()
	img := createTestImage(800, 600)
	detections := []types.DetBox{
		{BBoxXYXY: []float64{100, 100, 300, 300}},
		{BBoxXYXY: []float64{400, 200, 700, 500}},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cropper.CropDetections(img, detections)
	}
}
