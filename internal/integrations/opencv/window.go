package opencv

import (
	"nightwatch-go/internal/frame"

	gocv "gocv.io/x/gocv"
	log "github.com/sirupsen/logrus"
)

// Window shows frames in a HighGUI window. On most platforms it must be
// created and used from the main OS thread.
type Window struct {
	w *gocv.Window
}

// NewWindow opens a window titled title.
func NewWindow(title string) *Window {
	return &Window{w: gocv.NewWindow(title)}
}

// Show draws f and polls the keyboard once. ESC or 'q' request a stop.
func (w *Window) Show(f frame.Frame) bool {
	m, err := ToMat(f)
	if err != nil {
		log.Debugf("Display skipped frame: %v", err)
		return false
	}
	defer m.Close()

	w.w.IMShow(m)
	key := w.w.WaitKey(1)
	return key == 27 || key == 'q' || key == 'Q'
}

// Close destroys the window.
func (w *Window) Close() error {
	return w.w.Close()
}
