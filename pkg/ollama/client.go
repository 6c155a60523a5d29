package ollama

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/menta2k/detection-server/pkg/processing"
	"github.com/menta2k/detection-server/pkg/types"
)

// DefaultPrompt asks the model for every object with a normalized box
const DefaultPrompt = `You are an object detector.

Return JSON only:
{
  "objects": [
    {"label": "string", "confidence": 0.0, "box": {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0}}
  ]
}

HARD RULES
- All coordinates are normalized to [0,1] (NOT pixels). x,y is the top-left corner.
- One entry per visible object instance.
- Labels: lowercase, singular nouns.%s
- If nothing is found, return {"objects": []}.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// Client wraps the Ollama API client
type Client struct {
	client    *api.Client
	model     string
	labels    []string
	processor *processing.Processor
}

type modelObject struct {
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	Box        types.Box `json:"box"`
}

type modelOutput struct {
	Objects []modelObject `json:"objects"`
}

// NewClient creates a new Ollama client for model. labels, when given, fixes the class ids.
func NewClient(ollamaURL, model string, labels []string) (*Client, error) {
	parsedURL, err := url.Parse(ollamaURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %v", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid URL: %s", ollamaURL)
	}
	if model == "" {
		return nil, fmt.Errorf("no model configured")
	}

	// Create base URL from the provided URL (removing path like /api/chat)
	baseURL := &url.URL{
		Scheme: parsedURL.Scheme,
		Host:   parsedURL.Host,
	}

	return &Client{
		client:    api.NewClient(baseURL, http.DefaultClient),
		model:     model,
		labels:    labels,
		processor: processing.NewProcessor(),
	}, nil
}

// Predict asks the vision model for objects in img
func (c *Client) Predict(ctx context.Context, img image.Image, opts types.PredictOptions) ([]types.PredictResult, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 300*time.Second)
		defer cancel()
	}

	imgB64, err := c.processor.PrepareImageForModel(img, "jpg", opts.Imgsz, 90)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	imgBytes, err := base64.StdEncoding.DecodeString(imgB64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 image: %v", err)
	}

	streamFalse := false
	req := &api.ChatRequest{
		Model: c.model,
		Messages: []api.Message{
			{
				Role:    "user",
				Content: c.prompt(),
				Images:  []api.ImageData{api.ImageData(imgBytes)},
			},
		},
		Stream:  &streamFalse,
		Options: map[string]any{"temperature": 0.0},
	}

	var responseContent string
	err = c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		responseContent += resp.Message.Content
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: ollama chat error: %v", types.ErrModelUnavailable, err)
	}

	bounds := img.Bounds()
	return []types.PredictResult{c.toResult(parseObjects(responseContent), opts.Conf, bounds.Dx(), bounds.Dy())}, nil
}

// CheckHealth pings the Ollama server
func (c *Client) CheckHealth(ctx context.Context) error {
	return c.client.Heartbeat(ctx)
}

func (c *Client) Close() error {
	return nil
}

func (c *Client) prompt() string {
	if len(c.labels) == 0 {
		return fmt.Sprintf(DefaultPrompt, "")
	}
	return fmt.Sprintf(DefaultPrompt, "\n- Only report these labels: "+strings.Join(c.labels, ", ")+".")
}

// toResult converts normalized model boxes into pixel boxes above conf
func (c *Client) toResult(objects []modelObject, conf float64, w, h int) types.PredictResult {
	names := map[int]string{}
	ids := map[string]int{}
	for i, l := range c.labels {
		names[i] = l
		ids[l] = i
	}

	result := types.PredictResult{Names: names, Width: w, Height: h}
	fw, fh := float64(w), float64(h)
	for _, o := range objects {
		if o.Confidence <= conf {
			continue
		}
		label := strings.ToLower(strings.TrimSpace(o.Label))
		if label == "" {
			continue
		}
		id, ok := ids[label]
		if !ok {
			if len(c.labels) > 0 {
				continue
			}
			id = len(ids)
			ids[label] = id
			names[id] = label
		}

		box := types.XYXY{
			o.Box.X * fw,
			o.Box.Y * fh,
			(o.Box.X + o.Box.W) * fw,
			(o.Box.Y + o.Box.H) * fh,
		}.Clip(fw, fh)
		if box.Area() == 0 {
			continue
		}
		result.Boxes = append(result.Boxes, types.PredictBox{
			Class:      id,
			Confidence: o.Confidence,
			XYXY:       box,
		})
	}
	sortByConfidence(result.Boxes)
	return result
}

func sortByConfidence(boxes []types.PredictBox) {
	sort.SliceStable(boxes, func(i, j int) bool {
		return boxes[i].Confidence > boxes[j].Confidence
	})
}

// parseObjects parses the JSON response from the vision model.
// Anything unparseable is treated as no detections.
func parseObjects(raw string) []modelObject {
	raw = sanitizeModelJSON(raw)
	if !strings.HasPrefix(raw, "{") {
		return nil
	}

	var out modelOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out.Objects
}

var (
	reBlock    = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLine     = regexp.MustCompile(`(?m)^\s*//.*$`)
	reTrailing = regexp.MustCompile(`,(\s*[}\]])`)
)

// sanitizeModelJSON removes code fences, comments, and trailing commas from JSON response
func sanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	// Strip triple-backtick fences if present
	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "`")

	raw = reBlock.ReplaceAllString(raw, "")
	raw = reLine.ReplaceAllString(raw, "")
	raw = reTrailing.ReplaceAllString(raw, "$1")

	// Keep only the outermost {...}
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}
