package faceapi

import "fmt"

// BoundingBox is an axis-aligned pixel rectangle. X2 and Y2 are exclusive.
type BoundingBox struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("[%d,%d %d,%d]", b.X1, b.Y1, b.X2, b.Y2)
}

// Width returns the horizontal size of the box.
func (b BoundingBox) Width() int { return b.X2 - b.X1 }

// Height returns the vertical size of the box.
func (b BoundingBox) Height() int { return b.Y2 - b.Y1 }

// Contains reports whether other lies entirely inside b.
func (b BoundingBox) Contains(other BoundingBox) bool {
	return other.X1 >= b.X1 && other.Y1 >= b.Y1 && other.X2 <= b.X2 && other.Y2 <= b.Y2
}

// Pad grows the box by n pixels on every side.
func (b BoundingBox) Pad(n int) BoundingBox {
	return BoundingBox{X1: b.X1 - n, Y1: b.Y1 - n, X2: b.X2 + n, Y2: b.Y2 + n}
}

// Clamp limits the box to a width x height frame.
func (b BoundingBox) Clamp(width, height int) BoundingBox {
	return BoundingBox{
		X1: min(max(b.X1, 0), width),
		Y1: min(max(b.Y1, 0), height),
		X2: min(max(b.X2, 0), width),
		Y2: min(max(b.Y2, 0), height),
	}
}

// IoU calculates Intersection over Union between two boxes.
func IoU(a, b BoundingBox) float64 {
	x1 := max(a.X1, b.X1)
	y1 := max(a.Y1, b.Y1)
	x2 := min(a.X2, b.X2)
	y2 := min(a.Y2, b.Y2)

	if x2 <= x1 || y2 <= y1 {
		return 0
	}

	intersection := float64((x2 - x1) * (y2 - y1))
	union := float64(a.Width()*a.Height()+b.Width()*b.Height()) - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}

// boxFromFloats converts an [x1, y1, x2, y2] detector box back to original
// image pixels. scale is original size / uploaded size.
func boxFromFloats(bbox []float64, scale float64) (BoundingBox, bool) {
	if len(bbox) != 4 || scale <= 0 {
		return BoundingBox{}, false
	}
	return BoundingBox{
		X1: int(bbox[0] * scale),
		Y1: int(bbox[1] * scale),
		X2: int(bbox[2]*scale + 0.5),
		Y2: int(bbox[3]*scale + 0.5),
	}, true
}
