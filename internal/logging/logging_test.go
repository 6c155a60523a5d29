package logging

import (
	"bytes"
	"os"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
)

func TestSetupJSON(t *testing.T) {
	defer log.SetOutput(os.Stderr)

	var buf bytes.Buffer
	if err := Setup("debug", "json", &buf); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	log.WithField("component", "test").Debug("hello")

	out := buf.String()
	if !strings.Contains(out, `"msg":"hello"`) || !strings.Contains(out, `"component":"test"`) {
		t.Errorf("Expected JSON log line, got %q", out)
	}
}

func TestSetupInvalid(t *testing.T) {
	if err := Setup("loud", "text", nil); err == nil {
		t.Error("Expected error for invalid level")
	}
	if err := Setup("info", "xml", nil); err == nil {
		t.Error("Expected error for invalid format")
	}
}
