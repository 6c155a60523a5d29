package onnx

import (
	"regexp"
	"sort"
	"strconv"

	"github.com/menta2k/detection-server/pkg/types"
)

// maxNMSCandidates bounds the work done by NonMaxSuppression
const maxNMSCandidates = 30000

// Candidate is a decoded box in network input coordinates
type Candidate struct {
	Box   types.XYXY
	Score float32
	Class int
}

// AlignSize rounds size up to a multiple of stride
func AlignSize(size, stride int) int {
	if size <= 0 {
		return stride
	}
	return ((size + stride - 1) / stride) * stride
}

// AnchorCount returns the number of predictions a three-level head
// (strides 8, 16 and 32) produces for a w x h input.
func AnchorCount(w, h int) int {
	n := 0
	for _, s := range []int{8, 16, 32} {
		n += (w / s) * (h / s)
	}
	return n
}

// DecodeOutput turns the raw head output into candidates whose best class
// score is above conf. Each prediction is (cx, cy, w, h, score_0..score_n).
func DecodeOutput(data []float32, channels, anchors int, channelsFirst bool, conf float64) []Candidate {
	if channels <= 4 || len(data) < channels*anchors {
		return nil
	}

	at := func(anchor, ch int) float32 {
		if channelsFirst {
			return data[ch*anchors+anchor]
		}
		return data[anchor*channels+ch]
	}

	var out []Candidate
	for i := 0; i < anchors; i++ {
		best, bestScore := -1, float32(0)
		for c := 4; c < channels; c++ {
			if s := at(i, c); best < 0 || s > bestScore {
				best, bestScore = c-4, s
			}
		}
		if float64(bestScore) <= conf {
			continue
		}

		cx, cy := float64(at(i, 0)), float64(at(i, 1))
		hw, hh := float64(at(i, 2))/2, float64(at(i, 3))/2
		out = append(out, Candidate{
			Box:   types.XYXY{cx - hw, cy - hh, cx + hw, cy + hh},
			Score: bestScore,
			Class: best,
		})
	}
	return out
}

// NonMaxSuppression keeps the highest scoring boxes, dropping boxes of the same
// class that overlap a kept one by more than iou. Result is sorted by score.
func NonMaxSuppression(cands []Candidate, iou float64, maxDet int) []Candidate {
	sorted := make([]Candidate, len(cands))
	copy(sorted, cands)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})
	if len(sorted) > maxNMSCandidates {
		sorted = sorted[:maxNMSCandidates]
	}

	kept := make([]Candidate, 0, minInt(len(sorted), maxDet))
	suppressed := make([]bool, len(sorted))
	for i := range sorted {
		if suppressed[i] {
			continue
		}
		kept = append(kept, sorted[i])
		if len(kept) == maxDet {
			break
		}
		for j := i + 1; j < len(sorted); j++ {
			if suppressed[j] || sorted[j].Class != sorted[i].Class {
				continue
			}
			if IoU(sorted[i].Box, sorted[j].Box) > iou {
				suppressed[j] = true
			}
		}
	}
	return kept
}

// IoU is the intersection over union of two boxes
func IoU(a, b types.XYXY) float64 {
	inter := types.XYXY{
		maxFloat(a[0], b[0]),
		maxFloat(a[1], b[1]),
		minFloat(a[2], b[2]),
		minFloat(a[3], b[3]),
	}.Area()
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

var namesPattern = regexp.MustCompile(`(\d+)\s*:\s*(?:'([^']*)'|"([^"]*)")`)

// ParseNames reads the class map stored in model metadata, e.g. {0: 'person', 1: "dog's bowl"}
func ParseNames(raw string) map[int]string {
	names := map[int]string{}
	for _, m := range namesPattern.FindAllStringSubmatch(raw, -1) {
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if m[2] != "" {
			names[id] = m[2]
		} else {
			names[id] = m[3]
		}
	}
	return names
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
