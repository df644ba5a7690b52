package detection

import (
	"fmt"
	"strings"
)

// Layout identifies the output tensor layout of an exported detector.
type Layout string

const (
	// LayoutYOLOv5 is [1, N, 5+C]: cx, cy, w, h, objectness, class scores.
	LayoutYOLOv5 Layout = "yolov5"

	// LayoutYOLOv8 is [1, 4+C, N]: cx, cy, w, h, class scores, channel-major.
	LayoutYOLOv8 Layout = "yolov8"
)

// ParseLayout parses a layout name.
func ParseLayout(s string) (Layout, error) {
	switch Layout(strings.ToLower(strings.TrimSpace(s))) {
	case LayoutYOLOv5:
		return LayoutYOLOv5, nil
	case LayoutYOLOv8:
		return LayoutYOLOv8, nil
	}
	return "", fmt.Errorf("detection: unknown model layout %q (want yolov5 or yolov8)", s)
}

// Decode turns a raw prediction into thresholded candidates in model space.
func Decode(p Prediction, layout Layout, confThresh float32) ([]Candidate, error) {
	dims := squeeze(p.Shape)
	if len(dims) != 2 {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedOutput, p.Shape)
	}
	if dims[0]*dims[1] != len(p.Data) {
		return nil, fmt.Errorf("%w: shape %v does not match %d values", ErrUnsupportedOutput, p.Shape, len(p.Data))
	}

	switch layout {
	case LayoutYOLOv5:
		return decodeYOLOv5(p.Data, dims[0], dims[1], confThresh)
	case LayoutYOLOv8:
		return decodeYOLOv8(p.Data, dims[1], dims[0], confThresh)
	}
	return nil, fmt.Errorf("detection: unknown model layout %q", layout)
}

// decodeYOLOv5 reads rows of [cx, cy, w, h, obj, cls...]. The final score
// is objectness times the best class score.
func decodeYOLOv5(data []float32, rows, cols int, confThresh float32) ([]Candidate, error) {
	if cols < 6 {
		return nil, fmt.Errorf("%w: yolov5 rows need at least 6 values, got %d", ErrUnsupportedOutput, cols)
	}

	var out []Candidate
	for i := 0; i < rows; i++ {
		row := data[i*cols : (i+1)*cols]
		obj := row[4]
		if obj <= confThresh {
			continue
		}

		best, classID := float32(0), 0
		for c, s := range row[5:] {
			if s > best {
				best, classID = s, c
			}
		}
		score := obj * best
		if score <= confThresh {
			continue
		}
		out = append(out, Candidate{Box: xywh(row[0], row[1], row[2], row[3]), Score: score, ClassID: classID})
	}
	return out, nil
}

// decodeYOLOv8 reads the channel-major [4+C, N] layout.
func decodeYOLOv8(data []float32, n, channels int, confThresh float32) ([]Candidate, error) {
	if channels < 5 {
		return nil, fmt.Errorf("%w: yolov8 output needs at least 5 channels, got %d", ErrUnsupportedOutput, channels)
	}

	var out []Candidate
	for i := 0; i < n; i++ {
		best, classID := float32(0), 0
		for c := 4; c < channels; c++ {
			if s := data[c*n+i]; s > best {
				best, classID = s, c-4
			}
		}
		if best <= confThresh {
			continue
		}
		out = append(out, Candidate{
			Box:     xywh(data[i], data[n+i], data[2*n+i], data[3*n+i]),
			Score:   best,
			ClassID: classID,
		})
	}
	return out, nil
}

func xywh(cx, cy, w, h float32) Box {
	return Box{X1: cx - w/2, Y1: cy - h/2, X2: cx + w/2, Y2: cy + h/2}
}

// squeeze drops leading unit dimensions.
func squeeze(shape []int) []int {
	for len(shape) > 2 && shape[0] == 1 {
		shape = shape[1:]
	}
	return shape
}
