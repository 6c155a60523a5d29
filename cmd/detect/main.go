package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/menta2k/detection-server/internal/backend"
	"github.com/menta2k/detection-server/internal/config"
	"github.com/menta2k/detection-server/internal/logging"
	"github.com/menta2k/detection-server/internal/utils"
	"github.com/menta2k/detection-server/pkg/cropper"
	"github.com/menta2k/detection-server/pkg/detection"
	"github.com/menta2k/detection-server/pkg/processing"
	"github.com/menta2k/detection-server/pkg/remote"
	"github.com/menta2k/detection-server/pkg/types"
)

// detectFunc runs one request against either the local model or a server
type detectFunc func(ctx context.Context, req types.DetectRequest) (*types.DetectResponse, error)

type runOptions struct {
	outDir     string
	conf       float64
	imgsz      int
	debug      bool
	dbgext     string
	dbgquality int
	crops      bool
	cropext    string
	square     bool
}

func main() {
	var in, configPath, serverURL, backendName, modelPath, device string
	var opts runOptions

	flag.StringVarP(&in, "in", "i", "", "input image path, directory or URL (jpg/png/webp/gif/bmp/tiff)")
	flag.StringVarP(&opts.outDir, "out", "o", "", "write <name>.json per image into this directory instead of stdout")
	flag.StringVarP(&configPath, "config", "c", "", "path to a YAML config file (default: "+config.GetConfigPath()+" when present)")
	flag.StringVar(&serverURL, "server", "", "send requests to a running detection server instead of loading the model")
	flag.StringVar(&backendName, "backend", "", "inference backend: onnx|remote|ollama")
	flag.StringVar(&modelPath, "model", "", "model path, overrides model.path")
	flag.StringVar(&device, "device", "", "device, overrides model.device")
	flag.Float64Var(&opts.conf, "conf", detection.DefaultConf, "confidence threshold")
	flag.IntVar(&opts.imgsz, "imgsz", detection.DefaultImgsz, "inference size")
	flag.BoolVar(&opts.debug, "debug", false, "write debug overlay images (requires --out)")
	flag.StringVar(&opts.dbgext, "dbgext", "png", "debug overlay format: png|jpg|webp")
	flag.IntVar(&opts.dbgquality, "dbgquality", 92, "debug overlay and crop quality (for jpg/webp)")
	flag.BoolVar(&opts.crops, "crops", false, "save every detected object as its own image (requires --out)")
	flag.StringVar(&opts.cropext, "cropext", "jpg", "crop format: jpg|png|webp")
	flag.BoolVar(&opts.square, "square", false, "expand crops to squares")
	flag.Parse()

	if in == "" {
		fmt.Fprintf(os.Stderr, "usage: %s -i image.jpg|dir|URL [--server URL] [-o outdir] [--debug]\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
		os.Exit(2)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal(err)
	}
	cfg.ApplyEnv(os.Getenv)
	if backendName != "" {
		cfg.Model.Backend = backendName
	}
	if modelPath != "" {
		cfg.Model.Path = modelPath
	}
	if device != "" {
		cfg.Model.Device = device
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format, os.Stderr); err != nil {
		log.Fatal(err)
	}

	var detect detectFunc
	if serverURL != "" {
		rc, err := remote.NewClient(serverURL, cfg.Model.RemoteTimeout)
		if err != nil {
			log.Fatal(err)
		}
		detect = rc.Detect
	} else {
		if err := cfg.Validate(); err != nil {
			log.Fatalf("invalid configuration: %v", err)
		}
		factory, err := backend.NewFactory(cfg.Model)
		if err != nil {
			log.Fatal(err)
		}
		loader := detection.NewLoader(factory)
		defer loader.Close()
		detect = detection.NewDetector(loader, nil, detection.Options{
			Device:   cfg.Model.Device,
			MaxImgsz: cfg.Defaults.MaxImgsz,
		}).Detect
	}

	inputs := []string{in}
	if utils.DirExists(in) {
		files, err := utils.ListImageFiles(in)
		if err != nil {
			log.Fatal(err)
		}
		if len(files) == 0 {
			log.Fatalf("no image files found in %s", in)
		}
		inputs = files
	}
	if opts.outDir != "" {
		if err := utils.EnsureDir(opts.outDir); err != nil {
			log.Fatal(err)
		}
	} else if opts.debug || opts.crops {
		log.Warn("--debug and --crops need --out, skipping image output")
		opts.debug, opts.crops = false, false
	}

	processor := processing.NewProcessor()
	failed := 0
	for _, path := range inputs {
		if err := run(context.Background(), processor, detect, path, opts); err != nil {
			log.WithField("input", path).Errorf("detection failed: %v", err)
			failed++
		}
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func run(ctx context.Context, processor *processing.Processor, detect detectFunc, path string, opts runOptions) error {
	img, err := processor.LoadImageSmart(path)
	if err != nil {
		return err
	}
	// png keeps the pixels the model sees identical to the source
	b64, err := processor.PrepareImageForModel(img, "png", 0, 0)
	if err != nil {
		return err
	}

	start := time.Now()
	resp, err := detect(ctx, types.DetectRequest{
		ImageBase64: "data:image/png;base64," + b64,
		Conf:        opts.conf,
		Imgsz:       opts.imgsz,
	})
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"input":      path,
		"detections": len(resp.Detections),
		"duration":   time.Since(start).String(),
	}).Info("detected")

	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	if opts.outDir == "" {
		fmt.Println(string(data))
		return nil
	}

	jsonPath := utils.GenerateOutputFilename(path, opts.outDir, "", "json")
	if err := os.WriteFile(jsonPath, append(data, '\n'), 0o644); err != nil {
		return err
	}
	log.Infof("wrote %s", jsonPath)

	if opts.debug {
		overlay := processor.CreateDebugOverlay(img, resp.Detections)
		dbgPath := utils.GenerateOutputFilename(path, opts.outDir, "_boxes", opts.dbgext)
		if err := processor.SaveImage(overlay, dbgPath, opts.dbgext, opts.dbgquality, false); err != nil {
			log.Warnf("debug overlay save failed: %v", err)
		} else {
			log.Infof("wrote %s", dbgPath)
		}
	}

	if opts.crops {
		c := cropper.New()
		if opts.square {
			c = cropper.NewWithConfig(cropper.CropConfig{Gain: 1.02, Pad: 10, Square: true, MinSize: 1})
		}
		crops, err := c.CropDetections(img, resp.Detections)
		if err != nil {
			return err
		}
		for i, crop := range crops {
			suffix := fmt.Sprintf("_%03d_%s", i, crop.Detection.ClassName)
			cropPath := utils.GenerateOutputFilename(path, opts.outDir, suffix, opts.cropext)
			if err := processor.SaveImage(crop.Image, cropPath, opts.cropext, opts.dbgquality, false); err != nil {
				log.Warnf("crop save failed: %v", err)
				continue
			}
			log.Debugf("wrote %s", cropPath)
		}
		log.Infof("wrote %d crops", len(crops))
	}
	return nil
}
