package types

// DetectRequest is the JSON body accepted by the detect endpoint
type DetectRequest struct {
	ImageBase64 string  `json:"image_base64" binding:"required"`
	Conf        float64 `json:"conf"`
	Imgsz       int     `json:"imgsz"`
}

// DetBox is a single detection in pixel coordinates of the input image
type DetBox struct {
	ClassID    int       `json:"class_id"`
	ClassName  string    `json:"class_name"`
	Confidence float64   `json:"confidence"`
	BBoxXYXY   []float64 `json:"bbox_xyxy"`
}

// DetectResponse is the JSON body returned by the detect endpoint
type DetectResponse struct {
	Detections []DetBox `json:"detections"`
}

// ErrorResponse is returned for every failed request
type ErrorResponse struct {
	Error string `json:"error"`
}

// Box represents a normalized bounding box with coordinates in [0,1] range
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// XYXY is a pixel-space box: left, top, right, bottom
type XYXY [4]float64

// Width of the box, never negative
func (b XYXY) Width() float64 {
	if b[2] < b[0] {
		return 0
	}
	return b[2] - b[0]
}

// Height of the box, never negative
func (b XYXY) Height() float64 {
	if b[3] < b[1] {
		return 0
	}
	return b[3] - b[1]
}

// Area of the box
func (b XYXY) Area() float64 {
	return b.Width() * b.Height()
}

// Clip limits the box to [0,w] x [0,h]
func (b XYXY) Clip(w, h float64) XYXY {
	return XYXY{
		clamp(b[0], 0, w),
		clamp(b[1], 0, h),
		clamp(b[2], 0, w),
		clamp(b[3], 0, h),
	}
}

// PredictBox is one raw box of a prediction
type PredictBox struct {
	Class      int
	Confidence float64
	XYXY       XYXY
}

// PredictResult holds the boxes predicted for one image and the class names of the model
type PredictResult struct {
	Boxes []PredictBox
	Names map[int]string
	// Width and Height of the original image the boxes refer to
	Width  int
	Height int
}

// PredictOptions are the per-call inference parameters
type PredictOptions struct {
	Conf   float64
	Imgsz  int
	Device string
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
