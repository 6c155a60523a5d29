// Package remote forwards detection requests to an upstream server speaking the same JSON schema.
package remote

import (
	"context"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/menta2k/detection-server/pkg/processing"
	"github.com/menta2k/detection-server/pkg/types"
)

// Client talks to a detection server over its JSON API.
// It also implements client.Predictor so a remote server can back the local one.
type Client struct {
	baseURL   string
	http      *resty.Client
	processor *processing.Processor
}

// NewClient creates a client for the server at serverURL.
// An empty URL means http://127.0.0.1:8000, a zero timeout means five minutes.
func NewClient(serverURL string, timeout time.Duration) (*Client, error) {
	if serverURL == "" {
		serverURL = "http://127.0.0.1:8000"
	}
	if !strings.HasPrefix(serverURL, "http://") && !strings.HasPrefix(serverURL, "https://") {
		return nil, fmt.Errorf("invalid server URL: %s", serverURL)
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	baseURL := strings.TrimSuffix(serverURL, "/")
	return &Client{
		baseURL: baseURL,
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
		processor: processing.NewProcessor(),
	}, nil
}

// Detect posts req to the upstream /detect endpoint
func (c *Client) Detect(ctx context.Context, req types.DetectRequest) (*types.DetectResponse, error) {
	var out types.DetectResponse
	var apiErr types.ErrorResponse

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&apiErr).
		Post("/detect")
	if err != nil {
		return nil, fmt.Errorf("%w: request failed: %v", types.ErrModelUnavailable, err)
	}

	if resp.IsError() {
		msg := apiErr.Error
		if msg == "" {
			msg = strings.TrimSpace(resp.String())
		}
		switch resp.StatusCode() {
		case 400:
			return nil, fmt.Errorf("%w: %s", types.ErrMalformedImage, msg)
		case 422:
			return nil, fmt.Errorf("%w: %s", types.ErrInvalidRequest, msg)
		case 502, 503, 504:
			return nil, fmt.Errorf("%w: server returned status %d: %s", types.ErrModelUnavailable, resp.StatusCode(), msg)
		}
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode(), msg)
	}

	return &out, nil
}

// Predict encodes img and runs it through the upstream server
func (c *Client) Predict(ctx context.Context, img image.Image, opts types.PredictOptions) ([]types.PredictResult, error) {
	imgB64, err := c.processor.PrepareImageForModel(img, "png", 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	resp, err := c.Detect(ctx, types.DetectRequest{
		ImageBase64: "data:image/png;base64," + imgB64,
		Conf:        opts.Conf,
		Imgsz:       opts.Imgsz,
	})
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	result := types.PredictResult{
		Names:  map[int]string{},
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		Boxes:  make([]types.PredictBox, 0, len(resp.Detections)),
	}
	for _, d := range resp.Detections {
		if len(d.BBoxXYXY) != 4 {
			return nil, fmt.Errorf("upstream returned a box with %d coordinates", len(d.BBoxXYXY))
		}
		result.Names[d.ClassID] = d.ClassName
		result.Boxes = append(result.Boxes, types.PredictBox{
			Class:      d.ClassID,
			Confidence: d.Confidence,
			XYXY:       types.XYXY{d.BBoxXYXY[0], d.BBoxXYXY[1], d.BBoxXYXY[2], d.BBoxXYXY[3]},
		})
	}
	return []types.PredictResult{result}, nil
}

// CheckHealth verifies the upstream server answers on its root route
func (c *Client) CheckHealth(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("upstream unhealthy: %d", resp.StatusCode())
	}
	return nil
}

// Close is a no-op, the underlying HTTP client holds no resources that need releasing
func (c *Client) Close() error {
	return nil
}
