package processing

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/detection-server/pkg/types"
)

// PadGray is the fill value used around letterboxed images
const PadGray = 114

// Processor handles image processing operations
type Processor struct {
	// maxPixels rejects images by their header dimensions before decoding, 0 disables
	maxPixels int
}

// NewProcessor creates a new image processor without a size limit
func NewProcessor() *Processor {
	return &Processor{}
}

// NewProcessorWithLimit creates a processor that refuses to decode images
// larger than maxPixels
func NewProcessorWithLimit(maxPixels int) *Processor {
	return &Processor{maxPixels: maxPixels}
}

// LetterboxInfo records how an image was fitted into the model input
type LetterboxInfo struct {
	Gain float64
	PadX float64
	PadY float64
}

// Unmap converts a box from letterboxed input space back to the original image
// and clips it to the original bounds.
func (l LetterboxInfo) Unmap(b types.XYXY, origW, origH int) types.XYXY {
	gain := l.Gain
	if gain <= 0 {
		gain = 1
	}
	out := types.XYXY{
		(b[0] - l.PadX) / gain,
		(b[1] - l.PadY) / gain,
		(b[2] - l.PadX) / gain,
		(b[3] - l.PadY) / gain,
	}
	return out.Clip(float64(origW), float64(origH))
}

// DecodeDataURL decodes a data-URL style base64 string ("data:image/png;base64,....")
// into an RGB image. A bare base64 payload without a header is accepted too.
func (p *Processor) DecodeDataURL(dataURL string) (*image.NRGBA, error) {
	payload := dataURL
	if i := strings.LastIndex(payload, ","); i >= 0 {
		payload = payload[i+1:]
	}

	raw, err := decodeBase64(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", types.ErrMalformedImage, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty payload", types.ErrMalformedImage)
	}

	img, err := p.decodeImageFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrMalformedImage, err)
	}
	return ToRGB(img), nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', '\f', '\v':
			return -1
		}
		return r
	}, s)
	s = strings.TrimRight(s, "=")

	enc := base64.RawStdEncoding
	if strings.ContainsAny(s, "-_") {
		enc = base64.RawURLEncoding
	}
	return enc.DecodeString(s)
}

// ToRGB returns an 8-bit copy of img with the alpha channel dropped
func ToRGB(img image.Image) *image.NRGBA {
	out := imaging.Clone(img)
	for i := 3; i < len(out.Pix); i += 4 {
		out.Pix[i] = 0xff
	}
	return out
}

// Letterbox fits img into a width x height canvas keeping the aspect ratio.
// The remaining border is filled with PadGray.
func (p *Processor) Letterbox(img image.Image, width, height int) (*image.NRGBA, LetterboxInfo) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	r := math.Min(float64(height)/float64(h), float64(width)/float64(w))
	nw := maxInt(1, int(math.RoundToEven(float64(w)*r)))
	nh := maxInt(1, int(math.RoundToEven(float64(h)*r)))

	dw := float64(width-nw) / 2
	dh := float64(height-nh) / 2
	left := int(math.RoundToEven(dw - 0.1))
	top := int(math.RoundToEven(dh - 0.1))

	var resized image.Image = img
	if nw != w || nh != h {
		resized = imaging.Resize(img, nw, nh, imaging.Linear)
	}

	canvas := imaging.New(width, height, color.NRGBA{PadGray, PadGray, PadGray, 255})
	canvas = imaging.Paste(canvas, resized, image.Pt(left, top))

	return canvas, LetterboxInfo{Gain: r, PadX: float64(left), PadY: float64(top)}
}

// LoadImageFromURL downloads and loads an image from a URL
func (p *Processor) LoadImageFromURL(imageURL string) (image.Image, error) {
	parsedURL, err := url.Parse(imageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %v", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme: %s (only http and https are supported)", parsedURL.Scheme)
	}

	client := &http.Client{
		Timeout: 30 * time.Second,
	}

	req, err := http.NewRequest("GET", imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("User-Agent", "Detection-Server/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download image: HTTP %d %s", resp.StatusCode, resp.Status)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		return nil, fmt.Errorf("URL does not point to an image (Content-Type: %s)", contentType)
	}

	imageData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %v", err)
	}

	return p.decodeImageFromBytes(imageData)
}

// LoadImage loads an image from a file path with WebP support
func (p *Processor) LoadImage(path string) (image.Image, error) {
	if img, err := imaging.Open(path); err == nil {
		return img, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, err := p.decodeImageFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("image: unknown format for %s", path)
	}
	return img, nil
}

// LoadImageSmart loads an image from either a file path or URL
func (p *Processor) LoadImageSmart(source string) (image.Image, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return p.LoadImageFromURL(source)
	}
	return p.LoadImage(source)
}

// checkDimensions reads only the image header and rejects images over the pixel limit
func (p *Processor) checkDimensions(data []byte) error {
	if p.maxPixels <= 0 {
		return nil
	}

	var w, h int
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		w, h = cfg.Width, cfg.Height
	} else if ww, hh, _, err := webp.GetInfo(data); err == nil {
		w, h = ww, hh
	} else {
		// unknown header, the full decode reports the error
		return nil
	}

	if int64(w)*int64(h) > int64(p.maxPixels) {
		return fmt.Errorf("image too large: %dx%d (maximum: %d pixels)", w, h, p.maxPixels)
	}
	return nil
}

// decodeImageFromBytes decodes an image from byte data with WebP support
func (p *Processor) decodeImageFromBytes(data []byte) (image.Image, error) {
	if err := p.checkDimensions(data); err != nil {
		return nil, err
	}

	reader := bytes.NewReader(data)
	if img, _, err := image.Decode(reader); err == nil {
		return img, nil
	}

	// Try WebP decode
	reader = bytes.NewReader(data)
	if img, err := webp.Decode(reader); err == nil {
		return img, nil
	}

	return nil, fmt.Errorf("image: unknown or unsupported format")
}

// PrepareImageForModel converts an image to base64 for sending to vision models
func (p *Processor) PrepareImageForModel(img image.Image, format string, maxDim int, quality int) (string, error) {
	if maxDim > 0 {
		b := img.Bounds()
		w, h := b.Dx(), b.Dy()
		if w > maxDim || h > maxDim {
			if w >= h {
				img = imaging.Resize(img, maxDim, 0, imaging.Lanczos)
			} else {
				img = imaging.Resize(img, 0, maxDim, imaging.Lanczos)
			}
		}
	}

	var buf bytes.Buffer
	switch strings.ToLower(format) {
	case "png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return "", err
		}
	default: // jpg
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return "", err
		}
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// SaveImage saves an image to a file with the specified format and quality
func (p *Processor) SaveImage(img image.Image, path, format string, quality int, lossless bool) error {
	switch strings.ToLower(format) {
	case "webp":
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		opts := &webp.Options{Lossless: lossless, Quality: float32(quality)}
		return webp.Encode(f, img, opts)
	case "png":
		return imaging.Save(img, path)
	default: // jpg/jpeg
		return imaging.Save(img, path, imaging.JPEGQuality(quality))
	}
}

var overlayPalette = []color.NRGBA{
	{255, 56, 56, 255},
	{255, 157, 151, 255},
	{255, 112, 31, 255},
	{255, 178, 29, 255},
	{207, 210, 49, 255},
	{72, 249, 10, 255},
	{26, 147, 52, 255},
	{0, 212, 187, 255},
	{0, 194, 255, 255},
	{52, 69, 147, 255},
	{132, 56, 255, 255},
	{255, 55, 199, 255},
}

// CreateDebugOverlay draws every detection box on a copy of img, one colour per class
func (p *Processor) CreateDebugOverlay(img image.Image, detections []types.DetBox) image.Image {
	nrgba := imaging.Clone(img)
	w := nrgba.Bounds().Dx()
	h := nrgba.Bounds().Dy()
	stroke := int(math.Max(2, 0.003*float64(minInt(w, h))))

	for _, d := range detections {
		if len(d.BBoxXYXY) != 4 {
			continue
		}
		c := overlayPalette[absInt(d.ClassID)%len(overlayPalette)]
		x0 := int(d.BBoxXYXY[0] + 0.5)
		y0 := int(d.BBoxXYXY[1] + 0.5)
		x1 := int(d.BBoxXYXY[2] + 0.5)
		y1 := int(d.BBoxXYXY[3] + 0.5)
		drawBox(nrgba, x0, y0, x1, y1, c, stroke)
	}

	return nrgba
}

// Helper functions
func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func absInt(a int) int {
	if a < 0 {
		return -a
	}
	return a
}

func drawBox(img *image.NRGBA, x0, y0, x1, y1 int, color color.NRGBA, stroke int) {
	if x1 <= x0 {
		x1 = x0 + 1
	}
	if y1 <= y0 {
		y1 = y0 + 1
	}
	for s := 0; s < stroke; s++ {
		drawHLine(img, y0+s, x0, x1, color)
		drawHLine(img, y1-1-s, x0, x1, color)
		drawVLine(img, x0+s, y0, y1, color)
		drawVLine(img, x1-1-s, y0, y1, color)
	}
}

func drawHLine(img *image.NRGBA, y, x0, x1 int, c color.NRGBA) {
	if y < 0 || y >= img.Bounds().Dy() {
		return
	}
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	if x1 <= 0 || x0 >= img.Bounds().Dx() {
		return
	}
	if x0 < 0 {
		x0 = 0
	}
	if x1 > img.Bounds().Dx() {
		x1 = img.Bounds().Dx()
	}
	i := y*img.Stride + x0*4
	for x := x0; x < x1; x++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += 4
	}
}

func drawVLine(img *image.NRGBA, x, y0, y1 int, c color.NRGBA) {
	if x < 0 || x >= img.Bounds().Dx() {
		return
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	if y1 <= 0 || y0 >= img.Bounds().Dy() {
		return
	}
	if y0 < 0 {
		y0 = 0
	}
	if y1 > img.Bounds().Dy() {
		y1 = img.Bounds().Dy()
	}
	i := y0*img.Stride + x*4
	for y := y0; y < y1; y++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += img.Stride
	}
}
