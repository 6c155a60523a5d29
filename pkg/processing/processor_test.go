package processing

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/menta2k/detection-server/pkg/types"
)

// createTestImage creates a simple gradient image with a translucent alpha channel
func createTestImage(width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r := uint8((x * 255) / width)
			g := uint8((y * 255) / height)
			img.SetNRGBA(x, y, color.NRGBA{r, g, 128, 100})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

func TestDecodeDataURL(t *testing.T) {
	p := NewProcessor()
	src := createTestImage(64, 48)
	b64 := base64.StdEncoding.EncodeToString(encodePNG(t, src))

	img, err := p.DecodeDataURL("data:image/png;base64," + b64)
	if err != nil {
		t.Fatalf("DecodeDataURL failed: %v", err)
	}
	if img.Bounds().Dx() != 64 || img.Bounds().Dy() != 48 {
		t.Errorf("Expected 64x48, got %dx%d", img.Bounds().Dx(), img.Bounds().Dy())
	}

	// alpha dropped, colour kept
	got := img.NRGBAAt(10, 10)
	want := src.NRGBAAt(10, 10)
	if got.A != 255 {
		t.Errorf("Expected opaque pixel, got alpha %d", got.A)
	}
	if got.R != want.R || got.G != want.G || got.B != want.B {
		t.Errorf("Expected colour %v, got %v", want, got)
	}
}

func TestDecodeDataURLWithoutHeader(t *testing.T) {
	p := NewProcessor()
	raw := encodePNG(t, createTestImage(8, 8))

	payloads := []string{
		base64.StdEncoding.EncodeToString(raw),
		base64.RawStdEncoding.EncodeToString(raw),
		base64.URLEncoding.EncodeToString(raw),
	}
	for _, payload := range payloads {
		if _, err := p.DecodeDataURL(payload); err != nil {
			t.Errorf("DecodeDataURL(%q...) failed: %v", payload[:10], err)
		}
	}
}

func TestDecodeDataURLMalformed(t *testing.T) {
	p := NewProcessor()

	inputs := []string{
		"",
		"data:image/png;base64,",
		"data:image/png;base64,!!!not-base64***",
		"data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("definitely not an image")),
	}
	for _, in := range inputs {
		_, err := p.DecodeDataURL(in)
		if err == nil {
			t.Errorf("Expected error for %q", in)
			continue
		}
		if !errors.Is(err, types.ErrMalformedImage) {
			t.Errorf("Expected ErrMalformedImage for %q, got %v", in, err)
		}
	}
}

// pngHeader returns a PNG that declares a w x h 8-bit gray image but carries no pixel data
func pngHeader(w, h uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")

	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:4], w)
	binary.BigEndian.PutUint32(ihdr[4:8], h)
	ihdr[8] = 8 // bit depth, colour type 0 (gray)

	writeChunk := func(typ string, data []byte) {
		binary.Write(&buf, binary.BigEndian, uint32(len(data)))
		chunk := append([]byte(typ), data...)
		buf.Write(chunk)
		binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	}
	writeChunk("IHDR", ihdr)
	writeChunk("IEND", nil)
	return buf.Bytes()
}

func TestDecodeDataURLRejectsHugeImageFromHeader(t *testing.T) {
	payload := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngHeader(30000, 30000))

	// the header alone is enough to reject it, no pixel buffer is decoded
	_, err := NewProcessorWithLimit(40_000_000).DecodeDataURL(payload)
	if !errors.Is(err, types.ErrMalformedImage) {
		t.Fatalf("Expected ErrMalformedImage, got %v", err)
	}
	if !strings.Contains(err.Error(), "too large: 30000x30000") {
		t.Errorf("Expected size rejection, got %v", err)
	}

	// without a limit the same bytes reach the decoder, which fails on the missing data
	_, err = NewProcessor().DecodeDataURL(payload)
	if err == nil || strings.Contains(err.Error(), "too large") {
		t.Errorf("Expected a decode error, got %v", err)
	}
}

func TestDecodeDataURLWithinLimit(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString(encodePNG(t, createTestImage(100, 100)))

	if _, err := NewProcessorWithLimit(10_000).DecodeDataURL(payload); err != nil {
		t.Errorf("Expected 100x100 to fit a 10000 pixel limit, got %v", err)
	}
	if _, err := NewProcessorWithLimit(9_999).DecodeDataURL(payload); !errors.Is(err, types.ErrMalformedImage) {
		t.Errorf("Expected ErrMalformedImage over the limit, got %v", err)
	}
}

func TestLetterboxLandscape(t *testing.T) {
	p := NewProcessor()
	img := createTestImage(1280, 720)

	out, info := p.Letterbox(img, 640, 640)
	if out.Bounds().Dx() != 640 || out.Bounds().Dy() != 640 {
		t.Fatalf("Expected 640x640 canvas, got %v", out.Bounds())
	}
	if info.Gain != 0.5 {
		t.Errorf("Expected gain 0.5, got %f", info.Gain)
	}
	// 720*0.5 = 360 -> (640-360)/2 = 140
	if info.PadX != 0 || info.PadY != 140 {
		t.Errorf("Expected pad (0,140), got (%f,%f)", info.PadX, info.PadY)
	}
	if c := out.NRGBAAt(320, 5); c.R != PadGray || c.G != PadGray || c.B != PadGray {
		t.Errorf("Expected padding colour at top border, got %v", c)
	}
}

func TestLetterboxUnmapRoundTrip(t *testing.T) {
	p := NewProcessor()
	img := createTestImage(300, 500)
	_, info := p.Letterbox(img, 640, 640)

	orig := types.XYXY{30, 50, 120, 400}
	mapped := types.XYXY{
		orig[0]*info.Gain + info.PadX,
		orig[1]*info.Gain + info.PadY,
		orig[2]*info.Gain + info.PadX,
		orig[3]*info.Gain + info.PadY,
	}
	back := info.Unmap(mapped, 300, 500)
	for i := range orig {
		if math.Abs(back[i]-orig[i]) > 1e-6 {
			t.Errorf("coordinate %d: expected %f, got %f", i, orig[i], back[i])
		}
	}
}

func TestLetterboxUnmapClips(t *testing.T) {
	info := LetterboxInfo{Gain: 1}
	got := info.Unmap(types.XYXY{-20, -5, 900, 700}, 640, 480)
	want := types.XYXY{0, 0, 640, 480}
	if got != want {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestPrepareImageForModel(t *testing.T) {
	p := NewProcessor()
	img := createTestImage(400, 200)

	b64, err := p.PrepareImageForModel(img, "png", 100, 85)
	if err != nil {
		t.Fatalf("PrepareImageForModel failed: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("invalid base64: %v", err)
	}
	decoded, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("invalid png: %v", err)
	}
	if decoded.Bounds().Dx() != 100 || decoded.Bounds().Dy() != 50 {
		t.Errorf("Expected 100x50, got %v", decoded.Bounds())
	}
}

func TestCreateDebugOverlay(t *testing.T) {
	p := NewProcessor()
	img := createTestImage(100, 100)

	overlay := p.CreateDebugOverlay(img, []types.DetBox{
		{ClassID: 0, Confidence: 0.9, BBoxXYXY: []float64{10, 10, 50, 50}},
		{ClassID: 1, Confidence: 0.5, BBoxXYXY: []float64{1, 2}},
	})
	nrgba, ok := overlay.(*image.NRGBA)
	if !ok {
		t.Fatalf("Expected *image.NRGBA, got %T", overlay)
	}
	if c := nrgba.NRGBAAt(10, 30); c != overlayPalette[0] {
		t.Errorf("Expected box edge colour %v, got %v", overlayPalette[0], c)
	}
}

func TestSaveAndLoadImage(t *testing.T) {
	p := NewProcessor()
	path := filepath.Join(t.TempDir(), "out.png")

	if err := p.SaveImage(createTestImage(20, 10), path, "png", 90, false); err != nil {
		t.Fatalf("SaveImage failed: %v", err)
	}
	img, err := p.LoadImageSmart(path)
	if err != nil {
		t.Fatalf("LoadImageSmart failed: %v", err)
	}
	if img.Bounds().Dx() != 20 || img.Bounds().Dy() != 10 {
		t.Errorf("Expected 20x10, got %v", img.Bounds())
	}
}

func BenchmarkLetterbox(b *testing.B) {
	p := NewProcessor()
	img := createTestImage(1920, 1080)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p.Letterbox(img, 640, 640)
	}
}
