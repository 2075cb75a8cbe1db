package opencv

import (
	"fmt"

	"nightwatch-go/internal/frame"

	gocv "gocv.io/x/gocv"
)

// ToMat copies a frame into a new Mat. The caller owns the returned Mat.
func ToMat(f frame.Frame) (gocv.Mat, error) {
	var mt gocv.MatType
	switch f.Channels {
	case 1:
		mt = gocv.MatTypeCV8UC1
	case 3:
		mt = gocv.MatTypeCV8UC3
	case 4:
		mt = gocv.MatTypeCV8UC4
	default:
		return gocv.NewMat(), fmt.Errorf("unsupported channel count %d", f.Channels)
	}
	if f.Degenerate() {
		return gocv.NewMat(), fmt.Errorf("cannot convert degenerate frame %s", f)
	}

	shared, err := gocv.NewMatFromBytes(f.Height, f.Width, mt, f.Pix)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to wrap frame: %w", err)
	}
	defer shared.Close()
	// NewMatFromBytes aliases Go memory; the clone is owned by OpenCV.
	return shared.Clone(), nil
}

// FromMat copies an 8-bit Mat into a frame. An empty Mat yields a zero-area
// frame.
func FromMat(m gocv.Mat) frame.Frame {
	if m.Empty() {
		return frame.Frame{}
	}
	src := m
	if !m.IsContinuous() {
		src = m.Clone()
		defer src.Close()
	}
	return frame.Frame{
		Width:    m.Cols(),
		Height:   m.Rows(),
		Channels: m.Channels(),
		Pix:      src.ToBytes(),
	}
}
