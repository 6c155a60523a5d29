package backend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/menta2k/detection-server/internal/config"
	"github.com/menta2k/detection-server/pkg/remote"
	"github.com/menta2k/detection-server/pkg/types"
)

func TestNewFactoryUnknown(t *testing.T) {
	cfg := config.Default().Model
	cfg.Backend = "torch"
	if _, err := NewFactory(cfg); err == nil {
		t.Error("Expected error for unknown backend")
	}
}

func TestOnnxMissingModel(t *testing.T) {
	cfg := config.Default().Model
	cfg.Path = filepath.Join(t.TempDir(), "missing.onnx")

	factory, err := NewFactory(cfg)
	if err != nil {
		t.Fatalf("NewFactory failed: %v", err)
	}
	_, err = factory(context.Background())
	if !errors.Is(err, types.ErrModelUnavailable) {
		t.Errorf("Expected ErrModelUnavailable, got %v", err)
	}
}

func TestRemoteFactory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	cfg := config.Default().Model
	cfg.Backend = "remote"
	cfg.RemoteURL = srv.URL

	factory, err := NewFactory(cfg)
	if err != nil {
		t.Fatalf("NewFactory failed: %v", err)
	}
	p, err := factory(context.Background())
	if err != nil {
		t.Fatalf("factory failed: %v", err)
	}
	if _, ok := p.(*remote.Client); !ok {
		t.Errorf("Expected *remote.Client, got %T", p)
	}
}

func TestOllamaMissingLabels(t *testing.T) {
	cfg := config.Default().Model
	cfg.Backend = "ollama"
	cfg.OllamaModel = "llava"
	cfg.LabelsPath = filepath.Join(t.TempDir(), "labels.txt")

	factory, err := NewFactory(cfg)
	if err != nil {
		t.Fatalf("NewFactory failed: %v", err)
	}
	if _, err := factory(context.Background()); !errors.Is(err, types.ErrModelUnavailable) {
		t.Errorf("Expected ErrModelUnavailable, got %v", err)
	}
}
