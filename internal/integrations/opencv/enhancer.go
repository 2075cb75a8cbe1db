package opencv

import (
	"fmt"
	"image"
	"sync"

	"nightwatch-go/internal/frame"

	gocv "gocv.io/x/gocv"
)

// CLAHE equalizes the lightness channel of a BGR frame with contrast
// limited adaptive histogram equalization.
type CLAHE struct {
	mu    sync.Mutex
	clahe gocv.CLAHE
}

// NewCLAHE returns an enhancer with the given clip limit on an 8x8 tile grid.
func NewCLAHE(clipLimit float64) *CLAHE {
	if clipLimit <= 0 {
		clipLimit = 2.0
	}
	return &CLAHE{clahe: gocv.NewCLAHEWithParams(clipLimit, image.Pt(8, 8))}
}

// Enhance returns the equalized frame. Degenerate frames pass through.
func (c *CLAHE) Enhance(f frame.Frame) (frame.Frame, error) {
	if f.Degenerate() {
		return f, nil
	}
	if f.Channels != 3 {
		return frame.Frame{}, fmt.Errorf("clahe needs a 3-channel frame, got %s", f)
	}
	src, err := ToMat(f)
	if err != nil {
		return frame.Frame{}, err
	}
	defer src.Close()

	lab := gocv.NewMat()
	defer lab.Close()
	gocv.CvtColor(src, &lab, gocv.ColorBGRToLab)

	channels := gocv.Split(lab)
	defer func() {
		for _, ch := range channels {
			ch.Close()
		}
	}()

	lightness := gocv.NewMat()
	defer lightness.Close()
	c.mu.Lock()
	c.clahe.Apply(channels[0], &lightness)
	c.mu.Unlock()

	gocv.Merge([]gocv.Mat{lightness, channels[1], channels[2]}, &lab)

	out := gocv.NewMat()
	defer out.Close()
	gocv.CvtColor(lab, &out, gocv.ColorLabToBGR)
	return FromMat(out), nil
}

// Close releases the OpenCV object.
func (c *CLAHE) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clahe.Close()
}
