// Package detectionserver serves an object detection model over HTTP.
//
// A request carries a base64 encoded image (optionally a data URL), a
// confidence threshold and an inference size. The response lists every
// detected object with its class id, class name, confidence and
// pixel-space xyxy bounding box.
//
// Basic usage:
//
//	svc := detectionserver.NewWithModel("./model/detect_best.onnx", "0")
//	defer svc.Close()
//
//	resp, err := svc.DetectFile(ctx, "feet.jpg", 0.25, 640)
//	if err != nil {
//		log.Fatal(err)
//	}
//	for _, d := range resp.Detections {
//		fmt.Printf("%s %.2f %v\n", d.ClassName, d.Confidence, d.BBoxXYXY)
//	}
//
// The same service can be mounted as an HTTP handler with Handler, which
// exposes POST /detect, GET / and GET /health.
//
// Components:
//
//   - Processing (pkg/processing): data URL decoding, letterboxing and overlays
//   - Detection (pkg/detection): request validation, lazy model loading and result flattening
//   - Backends (pkg/onnx, pkg/remote, pkg/ollama): the predictors behind the loader
package detectionserver

import (
	"context"
	"fmt"
	"image"
	"net/http"

	"github.com/menta2k/detection-server/internal/backend"
	"github.com/menta2k/detection-server/internal/config"
	"github.com/menta2k/detection-server/internal/server"
	"github.com/menta2k/detection-server/pkg/analyzer"
	"github.com/menta2k/detection-server/pkg/detection"
	"github.com/menta2k/detection-server/pkg/processing"
	"github.com/menta2k/detection-server/pkg/types"
)

// Version of the detection server
const Version = "1.0.0"

// Service bundles a lazily loaded model with the detection pipeline
type Service struct {
	cfg       *config.Config
	loader    *detection.Loader
	detector  *detection.Detector
	processor *processing.Processor
}

// New creates a service around a predictor factory with the default configuration
func New(factory detection.Factory) *Service {
	return newService(config.Default(), factory)
}

// NewFromConfig creates a service for the backend selected in cfg.
// Request defaults, body and image limits are taken from cfg as well.
func NewFromConfig(cfg *config.Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	factory, err := backend.NewFactory(cfg.Model)
	if err != nil {
		return nil, err
	}
	return newService(cfg, factory), nil
}

func newService(cfg *config.Config, factory detection.Factory) *Service {
	loader := detection.NewLoader(factory)
	imgAnalyzer := analyzer.NewWithConfig(analyzer.Config{
		MinImageSize: cfg.Image.MinImageSize,
		MaxPixels:    cfg.Image.MaxPixels,
	})
	return &Service{
		cfg:    cfg,
		loader: loader,
		detector: detection.NewDetector(loader, imgAnalyzer, detection.Options{
			Device:   cfg.Model.Device,
			MaxImgsz: cfg.Defaults.MaxImgsz,
		}),
		processor: processing.NewProcessor(),
	}
}

// NewWithModel creates a service for a local ONNX model.
// The model is loaded on the first detection.
func NewWithModel(modelPath, device string) *Service {
	cfg := config.Default()
	cfg.Model.Path = modelPath
	if device != "" {
		cfg.Model.Device = device
	}
	svc, err := NewFromConfig(cfg)
	if err != nil {
		// the default config with the onnx backend always validates
		panic(err)
	}
	return svc
}

// Detect runs one detection request
func (s *Service) Detect(ctx context.Context, req types.DetectRequest) (*types.DetectResponse, error) {
	return s.detector.Detect(ctx, req)
}

// DetectImage runs detection on an already decoded image
func (s *Service) DetectImage(ctx context.Context, img image.Image, conf float64, imgsz int) (*types.DetectResponse, error) {
	b64, err := s.processor.PrepareImageForModel(img, "png", 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return s.Detect(ctx, types.DetectRequest{
		ImageBase64: "data:image/png;base64," + b64,
		Conf:        conf,
		Imgsz:       imgsz,
	})
}

// DetectFile loads an image from a path or URL and runs detection on it
func (s *Service) DetectFile(ctx context.Context, source string, conf float64, imgsz int) (*types.DetectResponse, error) {
	img, err := s.processor.LoadImageSmart(source)
	if err != nil {
		return nil, fmt.Errorf("failed to load image: %w", err)
	}
	return s.DetectImage(ctx, img, conf, imgsz)
}

// Handler returns the HTTP handler serving this service
func (s *Service) Handler() http.Handler {
	return server.New(s.detector, s.loader, server.Options{
		DefaultConf:  s.cfg.Defaults.Conf,
		DefaultImgsz: s.cfg.Defaults.Imgsz,
		MaxBodyBytes: s.cfg.Server.MaxBodyBytes,
	}).Router()
}

// ModelLoaded reports whether the model has been loaded
func (s *Service) ModelLoaded() bool {
	return s.loader.Loaded()
}

// Close releases the model
func (s *Service) Close() error {
	return s.loader.Close()
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
