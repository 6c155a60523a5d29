// Package backend builds the predictor factory selected by the configuration.
package backend

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/menta2k/detection-server/internal/config"
	"github.com/menta2k/detection-server/internal/utils"
	"github.com/menta2k/detection-server/pkg/client"
	"github.com/menta2k/detection-server/pkg/detection"
	"github.com/menta2k/detection-server/pkg/ollama"
	"github.com/menta2k/detection-server/pkg/onnx"
	"github.com/menta2k/detection-server/pkg/remote"
	"github.com/menta2k/detection-server/pkg/types"
)

// healthChecker is implemented by backends that talk to another server
type healthChecker interface {
	CheckHealth(ctx context.Context) error
}

// NewFactory returns a factory for the backend named in cfg.Backend
func NewFactory(cfg config.ModelConfig) (detection.Factory, error) {
	switch cfg.Backend {
	case "onnx":
		return func(ctx context.Context) (client.Predictor, error) {
			if !utils.FileExists(cfg.Path) {
				return nil, fmt.Errorf("%w: model file %s not found", types.ErrModelUnavailable, cfg.Path)
			}
			return onnx.NewDetector(onnx.Config{
				ModelPath:         cfg.Path,
				LabelsPath:        cfg.LabelsPath,
				SharedLibraryPath: cfg.SharedLibraryPath,
				Device:            cfg.Device,
				IoU:               cfg.IoU,
				MaxDet:            cfg.MaxDet,
			})
		}, nil

	case "remote":
		return func(ctx context.Context) (client.Predictor, error) {
			c, err := remote.NewClient(cfg.RemoteURL, cfg.RemoteTimeout)
			if err != nil {
				return nil, err
			}
			checkHealth(ctx, "remote", c)
			return c, nil
		}, nil

	case "ollama":
		return func(ctx context.Context) (client.Predictor, error) {
			var labels []string
			if cfg.LabelsPath != "" {
				var err error
				labels, err = utils.ReadLines(cfg.LabelsPath)
				if err != nil {
					return nil, fmt.Errorf("%w: failed to read labels: %v", types.ErrModelUnavailable, err)
				}
			}
			c, err := ollama.NewClient(cfg.OllamaURL, cfg.OllamaModel, labels)
			if err != nil {
				return nil, err
			}
			checkHealth(ctx, "ollama", c)
			return c, nil
		}, nil
	}

	return nil, fmt.Errorf("unknown backend: %s (use 'onnx', 'remote' or 'ollama')", cfg.Backend)
}

// checkHealth only warns, the upstream may come up later
func checkHealth(ctx context.Context, name string, hc healthChecker) {
	if err := hc.CheckHealth(ctx); err != nil {
		log.Warnf("[Backend] %s service not available: %v", name, err)
	}
}
