package detection

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/menta2k/detection-server/pkg/analyzer"
	"github.com/menta2k/detection-server/pkg/processing"
	"github.com/menta2k/detection-server/pkg/types"
)

const (
	// DefaultConf is the confidence threshold used when a request has none
	DefaultConf = 0.25
	// DefaultImgsz is the inference size used when a request has none
	DefaultImgsz = 640
	// MinImgsz is the smallest accepted inference size
	MinImgsz = 32
)

// Options configures a Detector
type Options struct {
	Device   string
	MaxImgsz int
}

// Detector turns detect requests into model calls and flattens the results
type Detector struct {
	loader    *Loader
	processor *processing.Processor
	analyzer  *analyzer.ImageAnalyzer
	opts      Options
}

// NewDetector creates a new detector around a model loader
func NewDetector(loader *Loader, imgAnalyzer *analyzer.ImageAnalyzer, opts Options) *Detector {
	if imgAnalyzer == nil {
		imgAnalyzer = analyzer.New()
	}
	if opts.MaxImgsz <= 0 {
		opts.MaxImgsz = 2048
	}
	return &Detector{
		loader:    loader,
		processor: processing.NewProcessorWithLimit(imgAnalyzer.MaxPixels()),
		analyzer:  imgAnalyzer,
		opts:      opts,
	}
}

// NewRequest returns a request carrying the default parameters
func NewRequest(imageBase64 string) types.DetectRequest {
	return types.DetectRequest{
		ImageBase64: imageBase64,
		Conf:        DefaultConf,
		Imgsz:       DefaultImgsz,
	}
}

// Validate checks the request parameters
func (d *Detector) Validate(req types.DetectRequest) error {
	if req.ImageBase64 == "" {
		return fmt.Errorf("%w: image_base64 required", types.ErrInvalidRequest)
	}
	if req.Conf < 0 || req.Conf > 1 {
		return fmt.Errorf("%w: conf must be between 0 and 1, got %v", types.ErrInvalidRequest, req.Conf)
	}
	if req.Imgsz < MinImgsz || req.Imgsz > d.opts.MaxImgsz {
		return fmt.Errorf("%w: imgsz must be between %d and %d, got %d",
			types.ErrInvalidRequest, MinImgsz, d.opts.MaxImgsz, req.Imgsz)
	}
	return nil
}

// Detect decodes the image, runs the model and returns the flattened boxes
func (d *Detector) Detect(ctx context.Context, req types.DetectRequest) (*types.DetectResponse, error) {
	if err := d.Validate(req); err != nil {
		return nil, err
	}

	img, err := d.processor.DecodeDataURL(req.ImageBase64)
	if err != nil {
		return nil, err
	}
	if err := d.analyzer.ValidateImage(img); err != nil {
		return nil, err
	}

	model, err := d.loader.Get(ctx)
	if err != nil {
		return nil, err
	}

	results, err := model.Predict(ctx, img, types.PredictOptions{
		Conf:   req.Conf,
		Imgsz:  req.Imgsz,
		Device: d.opts.Device,
	})
	if err != nil {
		return nil, fmt.Errorf("model prediction failed: %w", err)
	}

	resp := &types.DetectResponse{Detections: Flatten(results)}
	log.WithFields(log.Fields{
		"width":      img.Bounds().Dx(),
		"height":     img.Bounds().Dy(),
		"detections": len(resp.Detections),
	}).Debug("[Detector] Detection finished")

	return resp, nil
}

// Flatten maps per-image results to plain detection records.
// Boxes are clipped to the bounds of the image they belong to and
// ordered by descending confidence within each result.
func Flatten(results []types.PredictResult) []types.DetBox {
	detections := make([]types.DetBox, 0)
	for _, result := range results {
		start := len(detections)
		for _, box := range result.Boxes {
			xyxy := box.XYXY
			if result.Width > 0 && result.Height > 0 {
				xyxy = xyxy.Clip(float64(result.Width), float64(result.Height))
			}
			if xyxy[2] < xyxy[0] {
				xyxy[0], xyxy[2] = xyxy[2], xyxy[0]
			}
			if xyxy[3] < xyxy[1] {
				xyxy[1], xyxy[3] = xyxy[3], xyxy[1]
			}
			detections = append(detections, types.DetBox{
				ClassID:    box.Class,
				ClassName:  className(result.Names, box.Class),
				Confidence: box.Confidence,
				BBoxXYXY:   []float64{xyxy[0], xyxy[1], xyxy[2], xyxy[3]},
			})
		}
		batch := detections[start:]
		sort.SliceStable(batch, func(i, j int) bool {
			return batch[i].Confidence > batch[j].Confidence
		})
	}
	return detections
}

func className(names map[int]string, id int) string {
	if name, ok := names[id]; ok && name != "" {
		return name
	}
	return strconv.Itoa(id)
}
