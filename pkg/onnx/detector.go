// Package onnx runs YOLOv8-family detection models exported to ONNX with ONNX Runtime.
package onnx

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"os"
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/menta2k/detection-server/pkg/processing"
	"github.com/menta2k/detection-server/pkg/types"
)

const (
	// Stride is the largest feature map stride of the detection head
	Stride = 32
	// DefaultIoU is the NMS overlap threshold
	DefaultIoU = 0.7
	// DefaultMaxDet caps the number of boxes per image
	DefaultMaxDet = 300
)

// Config describes where the model lives and how to run it
type Config struct {
	ModelPath         string
	LabelsPath        string
	SharedLibraryPath string
	Device            string
	IoU               float64
	MaxDet            int
}

// Detector wraps an ONNX Runtime session for a single detection model
type Detector struct {
	session    *ort.DynamicAdvancedSession
	inputName  string
	outputName string

	// fixed input size, zero when the model accepts any size
	inputW, inputH int
	// fixed anchor count, zero when it depends on the input size
	anchors       int
	channels      int
	channelsFirst bool

	names     map[int]string
	iou       float64
	maxDet    int
	device    string
	processor *processing.Processor
}

var envMu sync.Mutex

func initEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize onnxruntime: %w", err)
	}
	return nil
}

// NewDetector loads the model at cfg.ModelPath and prepares an inference session
func NewDetector(cfg Config) (*Detector, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrModelUnavailable, err)
	}
	if err := initEnvironment(cfg.SharedLibraryPath); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrModelUnavailable, err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read model io: %v", types.ErrModelUnavailable, err)
	}
	if len(inputs) != 1 || len(outputs) < 1 {
		return nil, fmt.Errorf("%w: expected one input and at least one output, got %d/%d",
			types.ErrModelUnavailable, len(inputs), len(outputs))
	}

	d := &Detector{
		inputName:  inputs[0].Name,
		outputName: outputs[0].Name,
		iou:        cfg.IoU,
		maxDet:     cfg.MaxDet,
		device:     cfg.Device,
		processor:  processing.NewProcessor(),
	}
	if d.iou <= 0 {
		d.iou = DefaultIoU
	}
	if d.maxDet <= 0 {
		d.maxDet = DefaultMaxDet
	}

	if err := d.readShapes(inputs[0].Dimensions, outputs[0].Dimensions); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrModelUnavailable, err)
	}

	d.names = loadNames(cfg.ModelPath, cfg.LabelsPath)

	options, err := newSessionOptions(cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrModelUnavailable, err)
	}
	defer options.Destroy()

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{d.inputName}, []string{d.outputName}, options)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create session: %v", types.ErrModelUnavailable, err)
	}
	d.session = session

	log.WithFields(log.Fields{
		"model":   cfg.ModelPath,
		"device":  cfg.Device,
		"classes": d.channels - 4,
		"input":   fmt.Sprintf("%dx%d", d.inputW, d.inputH),
	}).Info("[ONNX] Model loaded")

	return d, nil
}

func (d *Detector) readShapes(in, out ort.Shape) error {
	if len(in) != 4 {
		return fmt.Errorf("expected NCHW input, got shape %v", in)
	}
	if in[2] > 0 && in[3] > 0 {
		d.inputH, d.inputW = int(in[2]), int(in[3])
	}

	if len(out) != 3 {
		return fmt.Errorf("expected [batch, channels, anchors] output, got shape %v", out)
	}
	a, b := out[1], out[2]
	switch {
	case a > 0 && b > 0:
		d.channelsFirst = a < b
		if d.channelsFirst {
			d.channels, d.anchors = int(a), int(b)
		} else {
			d.channels, d.anchors = int(b), int(a)
		}
	case a > 0:
		d.channelsFirst = true
		d.channels = int(a)
	case b > 0:
		d.channels = int(b)
	default:
		return fmt.Errorf("output shape %v has no known class dimension", out)
	}
	if d.channels <= 4 {
		return fmt.Errorf("output shape %v has no class scores", out)
	}
	return nil
}

// InputSize resolves the network input size for a requested imgsz
func (d *Detector) InputSize(imgsz int) (int, int) {
	if d.inputW > 0 && d.inputH > 0 {
		if imgsz != d.inputW || imgsz != d.inputH {
			log.Debugf("[ONNX] Model has a fixed input of %dx%d, ignoring imgsz=%d", d.inputW, d.inputH, imgsz)
		}
		return d.inputW, d.inputH
	}
	s := AlignSize(imgsz, Stride)
	return s, s
}

// Predict runs the model on img
func (d *Detector) Predict(ctx context.Context, img image.Image, opts types.PredictOptions) ([]types.PredictResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Device != "" && opts.Device != d.device {
		log.Debugf("[ONNX] Session is bound to device %q, ignoring %q", d.device, opts.Device)
	}

	w, h := d.InputSize(opts.Imgsz)
	boxed, info := d.processor.Letterbox(img, w, h)

	input, err := ort.NewTensor(ort.NewShape(1, 3, int64(h), int64(w)), toCHW(boxed))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer input.Destroy()

	anchors := d.anchors
	if anchors == 0 {
		anchors = AnchorCount(w, h)
	}
	outShape := ort.NewShape(1, int64(anchors), int64(d.channels))
	if d.channelsFirst {
		outShape = ort.NewShape(1, int64(d.channels), int64(anchors))
	}
	output, err := ort.NewEmptyTensor[float32](outShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer output.Destroy()

	if err := d.session.Run([]ort.Value{input}, []ort.Value{output}); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	candidates := DecodeOutput(output.GetData(), d.channels, anchors, d.channelsFirst, opts.Conf)
	kept := NonMaxSuppression(candidates, d.iou, d.maxDet)

	bounds := img.Bounds()
	result := types.PredictResult{
		Names:  d.names,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		Boxes:  make([]types.PredictBox, 0, len(kept)),
	}
	for _, c := range kept {
		result.Boxes = append(result.Boxes, types.PredictBox{
			Class:      c.Class,
			Confidence: float64(c.Score),
			XYXY:       info.Unmap(c.Box, bounds.Dx(), bounds.Dy()),
		})
	}
	return []types.PredictResult{result}, nil
}

// Close releases the session
func (d *Detector) Close() error {
	if d.session == nil {
		return nil
	}
	err := d.session.Destroy()
	d.session = nil
	return err
}

// toCHW converts an RGB image to a normalized planar float tensor
func toCHW(img *image.NRGBA) []float32 {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	plane := w * h
	data := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			i := y*w + x
			data[i] = float32(row[x*4]) / 255
			data[plane+i] = float32(row[x*4+1]) / 255
			data[2*plane+i] = float32(row[x*4+2]) / 255
		}
	}
	return data
}

// newSessionOptions selects the execution provider for device.
// Anything other than "cpu" asks for CUDA and falls back to CPU when it is missing.
func newSessionOptions(device string) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}

	deviceID, useCUDA := ParseDevice(device)
	if !useCUDA {
		return options, nil
	}

	cudaOptions, err := ort.NewCUDAProviderOptions()
	if err != nil {
		log.Warnf("[ONNX] CUDA unavailable (%v), running on CPU", err)
		return options, nil
	}
	defer cudaOptions.Destroy()

	if err := cudaOptions.Update(map[string]string{"device_id": strconv.Itoa(deviceID)}); err != nil {
		log.Warnf("[ONNX] Couldn't select CUDA device %d (%v), running on CPU", deviceID, err)
		return options, nil
	}
	if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
		log.Warnf("[ONNX] Couldn't enable CUDA (%v), running on CPU", err)
	}
	return options, nil
}

// ParseDevice interprets a device selector: "cpu", "0", "cuda", "cuda:1"
func ParseDevice(device string) (int, bool) {
	device = strings.ToLower(strings.TrimSpace(device))
	switch device {
	case "", "cpu":
		return 0, false
	case "cuda", "gpu":
		return 0, true
	}
	device = strings.TrimPrefix(device, "cuda:")
	// "0,1" selects the first listed device
	if i := strings.Index(device, ","); i >= 0 {
		device = device[:i]
	}
	id, err := strconv.Atoi(device)
	if err != nil || id < 0 {
		log.Warnf("[ONNX] Unknown device %q, running on CPU", device)
		return 0, false
	}
	return id, true
}

func loadNames(modelPath, labelsPath string) map[int]string {
	if names := namesFromMetadata(modelPath); len(names) > 0 {
		return names
	}
	if labelsPath != "" {
		names, err := loadLabels(labelsPath)
		if err != nil {
			log.Warnf("[ONNX] Couldn't read labels %s: %v", labelsPath, err)
		} else {
			return names
		}
	}
	return map[int]string{}
}

func namesFromMetadata(modelPath string) map[int]string {
	md, err := ort.GetModelMetadata(modelPath)
	if err != nil {
		log.Debugf("[ONNX] Couldn't read model metadata: %v", err)
		return nil
	}
	defer md.Destroy()

	raw, ok, err := md.LookupCustomMetadataMap("names")
	if err != nil || !ok {
		return nil
	}
	return ParseNames(raw)
}

// loadLabels reads one class name per line, line number is the class id
func loadLabels(path string) (map[int]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	names := map[int]string{}
	scanner := bufio.NewScanner(file)
	for i := 0; scanner.Scan(); i++ {
		names[i] = strings.TrimSpace(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return names, nil
}
