package opencv

import (
	"fmt"
	"runtime"

	"nightwatch-go/internal/frame"
	"nightwatch-go/internal/source"

	gocv "gocv.io/x/gocv"
	log "github.com/sirupsen/logrus"
)

// CaptureBackend opens capture sessions through one OpenCV videoio API.
type CaptureBackend struct {
	name   string
	api    gocv.VideoCaptureAPI
	width  int
	height int
}

// NewCaptureBackend returns a backend bound to api. width and height are
// requested from devices; files keep their native geometry.
func NewCaptureBackend(name string, api gocv.VideoCaptureAPI, width, height int) *CaptureBackend {
	return &CaptureBackend{name: name, api: api, width: width, height: height}
}

// Name returns the backend label used in logs.
func (b *CaptureBackend) Name() string { return b.name }

// Open starts a capture session for t.
func (b *CaptureBackend) Open(t source.Target) (source.Capture, error) {
	var (
		vc  *gocv.VideoCapture
		err error
	)
	if t.Kind == source.KindDevice {
		vc, err = gocv.VideoCaptureDeviceWithAPI(t.Device, b.api)
	} else {
		vc, err = gocv.VideoCaptureFileWithAPI(t.Path, b.api)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.name, err)
	}

	if t.Kind == source.KindDevice && b.width > 0 && b.height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(b.width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(b.height))
	}
	log.Debugf("Capture backend %s opened %s", b.name, t)
	return &capture{vc: vc, mat: gocv.NewMat()}, nil
}

type capture struct {
	vc  *gocv.VideoCapture
	mat gocv.Mat
}

func (c *capture) IsOpened() bool { return c.vc.IsOpened() }

func (c *capture) Read() (frame.Frame, bool) {
	if ok := c.vc.Read(&c.mat); !ok {
		return frame.Frame{}, false
	}
	return FromMat(c.mat), true
}

func (c *capture) Close() error {
	c.mat.Close()
	return c.vc.Close()
}

// DefaultBackends returns the platform's preferred device backends followed
// by the generic fallback, and the file backends FFmpeg, GStreamer, any.
func DefaultBackends(width, height int) source.Backends {
	var device []source.Backend
	switch runtime.GOOS {
	case "windows":
		device = append(device,
			NewCaptureBackend("msmf", gocv.VideoCaptureMSMF, width, height),
			NewCaptureBackend("dshow", gocv.VideoCaptureDshow, width, height))
	case "darwin":
		device = append(device, NewCaptureBackend("avfoundation", gocv.VideoCaptureAVFoundation, width, height))
	default:
		device = append(device,
			NewCaptureBackend("v4l2", gocv.VideoCaptureV4L2, width, height),
			NewCaptureBackend("gstreamer", gocv.VideoCaptureGstreamer, width, height))
	}
	device = append(device, NewCaptureBackend("any", gocv.VideoCaptureAny, width, height))

	return source.Backends{
		Device: device,
		File: []source.Backend{
			NewCaptureBackend("ffmpeg", gocv.VideoCaptureFFmpeg, 0, 0),
			NewCaptureBackend("gstreamer", gocv.VideoCaptureGstreamer, 0, 0),
			NewCaptureBackend("any", gocv.VideoCaptureAny, 0, 0),
		},
	}
}
