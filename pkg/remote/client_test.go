package remote

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/menta2k/detection-server/pkg/types"
)

func TestNewClientRejectsBadURL(t *testing.T) {
	if _, err := NewClient("ftp://example.com", time.Second); err == nil {
		t.Error("Expected error for non-http URL")
	}
}

func TestPredict(t *testing.T) {
	var got types.DetectRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/detect" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"detections":[{"class_id":1,"class_name":"foot","confidence":0.8,"bbox_xyxy":[1,2,3,4]}]}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL+"/", time.Second)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	results, err := c.Predict(context.Background(), img, types.PredictOptions{Conf: 0.4, Imgsz: 320})
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}

	if !strings.HasPrefix(got.ImageBase64, "data:image/png;base64,") {
		t.Errorf("Expected data URL payload, got %q", got.ImageBase64[:20])
	}
	if got.Conf != 0.4 || got.Imgsz != 320 {
		t.Errorf("Expected conf 0.4 imgsz 320 forwarded, got %v %v", got.Conf, got.Imgsz)
	}

	if len(results) != 1 || len(results[0].Boxes) != 1 {
		t.Fatalf("Expected one result with one box, got %+v", results)
	}
	box := results[0].Boxes[0]
	if box.Class != 1 || results[0].Names[1] != "foot" {
		t.Errorf("Unexpected box: %+v names=%v", box, results[0].Names)
	}
	if box.XYXY != (types.XYXY{1, 2, 3, 4}) {
		t.Errorf("Unexpected coordinates: %v", box.XYXY)
	}
}

func TestDetectErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad image"}`))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, time.Second)
	_, err := c.Detect(context.Background(), types.DetectRequest{ImageBase64: "x"})
	if !errors.Is(err, types.ErrMalformedImage) {
		t.Fatalf("Expected ErrMalformedImage, got %v", err)
	}
	if !strings.Contains(err.Error(), "bad image") {
		t.Errorf("Expected upstream message in error, got %v", err)
	}
}

func TestDetectUnreachable(t *testing.T) {
	c, _ := NewClient("http://127.0.0.1:1", 200*time.Millisecond)
	_, err := c.Detect(context.Background(), types.DetectRequest{ImageBase64: "x"})
	if !errors.Is(err, types.ErrModelUnavailable) {
		t.Errorf("Expected ErrModelUnavailable, got %v", err)
	}
}

func TestCheckHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"message":"ok"}`))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, time.Second)
	if err := c.CheckHealth(context.Background()); err != nil {
		t.Errorf("CheckHealth failed: %v", err)
	}
}

func TestNewClientDefaults(t *testing.T) {
	c, err := NewClient("", 0)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if c.baseURL != "http://127.0.0.1:8000" {
		t.Errorf("Expected default base URL, got %q", c.baseURL)
	}
	if c.http.GetClient().Timeout != 5*time.Minute {
		t.Errorf("Expected 5m default timeout, got %v", c.http.GetClient().Timeout)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close returned %v", err)
	}
}
