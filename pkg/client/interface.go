package client

import (
	"context"
	"image"

	"github.com/menta2k/detection-server/pkg/types"
)

// Predictor runs a detection model on a decoded image
type Predictor interface {
	Predict(ctx context.Context, img image.Image, opts types.PredictOptions) ([]types.PredictResult, error)
	Close() error
}
